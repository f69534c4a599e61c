package seating

import (
	"context"
	"time"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing seating operation.
type OperationLog struct {
	Operation     string
	EventID       EventID
	UserID        UserID
	ReservationID ReservationID
	SeatIDs       []SeatID
	Amount        AmountCents
	Attempts      int
	Status        string
	Error         error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithNotifier wires the seat change fan-out.
func WithNotifier(notifier Notifier) ServiceOption {
	return func(service *Service) {
		service.notifier = notifier
	}
}

// WithReservationObserver wires a receiver for reservation lifecycle transitions.
func WithReservationObserver(observer ReservationObserver) ServiceOption {
	return func(service *Service) {
		service.observer = observer
	}
}

// WithHoldDuration overrides DefaultHoldDuration.
func WithHoldDuration(duration time.Duration) ServiceOption {
	return func(service *Service) {
		service.holdDuration = duration
	}
}

// WithConflictRetries overrides DefaultConflictRetries.
func WithConflictRetries(attempts int) ServiceOption {
	return func(service *Service) {
		service.conflictRetries = attempts
	}
}

// WithIDGenerator overrides the reservation id source.
func WithIDGenerator(generate func() string) ServiceOption {
	return func(service *Service) {
		service.newID = generate
	}
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Error != nil {
		entry.Status = operationStatusError
	} else {
		entry.Status = operationStatusOK
	}
	service.logger.LogOperation(ctx, entry)
}
