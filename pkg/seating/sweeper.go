package seating

import (
	"context"
	"fmt"
	"time"
)

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepInterval overrides DefaultSweepInterval.
func WithSweepInterval(interval time.Duration) SweeperOption {
	return func(sweeper *Sweeper) {
		sweeper.interval = interval
	}
}

// WithSweepBatchSize overrides DefaultSweepBatchSize.
func WithSweepBatchSize(size int) SweeperOption {
	return func(sweeper *Sweeper) {
		sweeper.batchSize = size
	}
}

// WithPurgeRetention overrides DefaultPurgeRetention. Zero disables purging.
func WithPurgeRetention(retention time.Duration) SweeperOption {
	return func(sweeper *Sweeper) {
		sweeper.retention = retention
	}
}

// WithSweepReporter receives the report of every pass made by Run.
func WithSweepReporter(reporter func(SweepReport)) SweeperOption {
	return func(sweeper *Sweeper) {
		sweeper.reporter = reporter
	}
}

// SweepReport summarizes one sweep pass.
type SweepReport struct {
	Expired       int
	ReleasedSeats int
	Failed        int
	Purged        int64
}

// Sweeper periodically cancels pending reservations past their deadline.
// It keeps no state between passes and only reads the store, so it may run in
// its own process.
type Sweeper struct {
	service   *Service
	interval  time.Duration
	batchSize int
	retention time.Duration
	reporter  func(SweepReport)
}

// NewSweeper wires a Sweeper over service.
func NewSweeper(service *Service, options ...SweeperOption) (*Sweeper, error) {
	if service == nil {
		return nil, fmt.Errorf("%w: service dependency is nil", ErrInvalidSweeperConfig)
	}
	sweeper := &Sweeper{
		service:   service,
		interval:  DefaultSweepInterval,
		batchSize: DefaultSweepBatchSize,
		retention: DefaultPurgeRetention,
	}
	for _, option := range options {
		if option != nil {
			option(sweeper)
		}
	}
	if sweeper.interval <= 0 {
		return nil, fmt.Errorf("%w: interval must be positive", ErrInvalidSweeperConfig)
	}
	if sweeper.batchSize <= 0 {
		return nil, fmt.Errorf("%w: batch size must be positive", ErrInvalidSweeperConfig)
	}
	if sweeper.retention < 0 {
		return nil, fmt.Errorf("%w: retention must not be negative", ErrInvalidSweeperConfig)
	}
	return sweeper, nil
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (sweeper *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(sweeper.interval)
	defer ticker.Stop()
	for {
		// Failures are already reported through the operation logger.
		report, _ := sweeper.SweepOnce(ctx)
		if sweeper.reporter != nil {
			sweeper.reporter(report)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// SweepOnce expires every pending reservation whose deadline has passed.
// A failure on one reservation is counted and the pass moves on.
func (sweeper *Sweeper) SweepOnce(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	attempted := make(map[ReservationID]struct{})
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		// Failed reservations stay expired and reappear; widen the page so they never
		// crowd out unattempted ones.
		limit := sweeper.batchSize + report.Failed
		expired, err := sweeper.service.store.ListExpiredReservations(ctx, sweeper.service.now(), limit)
		if err != nil {
			sweeper.service.logOperation(ctx, OperationLog{Operation: operationExpire, Error: err})
			return report, err
		}
		fresh := 0
		for _, reservation := range expired {
			if _, seen := attempted[reservation.ID]; seen {
				continue
			}
			attempted[reservation.ID] = struct{}{}
			fresh++
			released, changed, err := sweeper.service.expire(ctx, reservation)
			if err != nil {
				report.Failed++
				continue
			}
			if changed {
				report.Expired++
				report.ReleasedSeats += released
			}
		}
		if fresh == 0 || len(expired) < limit {
			break
		}
	}
	if sweeper.retention > 0 {
		if purged, err := sweeper.service.purge(ctx, sweeper.service.now().Add(-sweeper.retention)); err == nil {
			report.Purged = purged
		}
	}
	return report, nil
}
