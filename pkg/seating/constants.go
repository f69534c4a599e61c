package seating

import "time"

const (
	operationClaim          = "claim"
	operationRelease        = "release"
	operationCancel         = "cancel"
	operationExpire         = "expire"
	operationFinalize       = "finalize"
	operationInitializeSeat = "initialize_seats"
	operationNotify         = "notify"
	operationPurge          = "purge"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	// DefaultHoldDuration bounds how long a claimed seat stays held without payment.
	DefaultHoldDuration = 15 * time.Minute
	// DefaultConflictRetries is how many times a store conflict is retried before rejection.
	DefaultConflictRetries = 3
	// DefaultSweepInterval is the expiry sweeper tick.
	DefaultSweepInterval = time.Minute
	// DefaultSweepBatchSize limits how many expired reservations one store query returns.
	DefaultSweepBatchSize = 100
	// DefaultPurgeRetention keeps superseded reservations for audit before purging.
	DefaultPurgeRetention = 24 * time.Hour
)
