package seating

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Service coordinates seat holds, reservations and payment finalization over a Store.
type Service struct {
	store           Store
	prices          PriceLookup
	now             func() time.Time
	notifier        Notifier
	observer        ReservationObserver
	logger          OperationLogger
	holdDuration    time.Duration
	conflictRetries int
	newID           func() string
}

// NewService wires a Service.
func NewService(store Store, prices PriceLookup, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if prices == nil {
		return nil, fmt.Errorf("%w: price lookup dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:           store,
		prices:          prices,
		now:             now,
		holdDuration:    DefaultHoldDuration,
		conflictRetries: DefaultConflictRetries,
		newID:           uuid.NewString,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	if service.holdDuration <= 0 {
		return nil, fmt.Errorf("%w: hold duration must be positive", ErrInvalidServiceConfig)
	}
	if service.conflictRetries < 1 {
		return nil, fmt.Errorf("%w: conflict retries must be at least 1", ErrInvalidServiceConfig)
	}
	if service.newID == nil {
		return nil, fmt.Errorf("%w: id generator is nil", ErrInvalidServiceConfig)
	}
	return service, nil
}

// HoldDuration returns the configured hold window.
func (service *Service) HoldDuration() time.Duration {
	return service.holdDuration
}

// Reservation returns a reservation owned by userID.
func (service *Service) Reservation(ctx context.Context, reservationID ReservationID, userID UserID) (Reservation, error) {
	reservation, err := service.store.GetReservation(ctx, reservationID)
	if err != nil {
		return Reservation{}, err
	}
	if reservation.UserID != userID {
		return Reservation{}, ErrNotOwner
	}
	return reservation.Clone(), nil
}

// PendingReservation returns the user's pending reservation for an event.
func (service *Service) PendingReservation(ctx context.Context, eventID EventID, userID UserID) (Reservation, error) {
	reservation, err := service.store.FindPendingReservation(ctx, eventID, userID)
	if err != nil {
		return Reservation{}, err
	}
	return reservation.Clone(), nil
}

// ListReservations returns every reservation of a user, newest first.
func (service *Service) ListReservations(ctx context.Context, userID UserID) ([]Reservation, error) {
	reservations, err := service.store.ListUserReservations(ctx, userID)
	if err != nil {
		return nil, err
	}
	for index := range reservations {
		reservations[index] = reservations[index].Clone()
	}
	return reservations, nil
}

// SeatMap returns the current seat states of an event as seen by viewer.
func (service *Service) SeatMap(ctx context.Context, eventID EventID, viewer UserID) ([]SeatView, error) {
	seats, err := service.store.ListSeats(ctx, eventID)
	if err != nil {
		return nil, err
	}
	views := make([]SeatView, 0, len(seats))
	for _, seat := range seats {
		view := SeatView{SeatID: seat.SeatID, Status: seat.Status}
		if !viewer.IsZero() && seat.HeldBy(viewer) {
			view.HeldByViewer = true
			view.ExpiresAt = seat.ExpiresAt
		}
		views = append(views, view)
	}
	return views, nil
}

// InitializeSeatMap creates a free record for every seat that does not exist yet.
// Existing seats keep their state. It returns the number of seats created.
func (service *Service) InitializeSeatMap(ctx context.Context, eventID EventID, seatIDs []SeatID) (int, error) {
	var created int
	selection, err := normalizeSelection(seatIDs)
	if err == nil {
		err = service.store.WithTx(ctx, TxScope{EventID: eventID, SeatIDs: selection}, func(ctx context.Context, transactionStore Store) error {
			count, initErr := transactionStore.InitializeSeats(ctx, eventID, selection)
			created = count
			return initErr
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationInitializeSeat,
		EventID:   eventID,
		SeatIDs:   selection,
		Error:     err,
	})
	if err != nil {
		return 0, err
	}
	return created, nil
}

// effects collects the notifications produced by one committed transaction.
type effects struct {
	seatChanges        []SeatChange
	reservationChanges []ReservationChange
}

func (collected *effects) seat(state SeatState, actorID UserID, reservationID ReservationID, reason ChangeReason, at time.Time) {
	collected.seatChanges = append(collected.seatChanges, SeatChange{
		EventID:       state.EventID,
		SeatID:        state.SeatID,
		Status:        state.Status,
		ActorID:       actorID,
		ReservationID: reservationID,
		Reason:        reason,
		OccurredAt:    at,
	})
}

func (collected *effects) reservation(reservation Reservation, reason ChangeReason, at time.Time) {
	collected.reservationChanges = append(collected.reservationChanges, ReservationChange{
		Reservation: reservation.Clone(),
		Reason:      reason,
		OccurredAt:  at,
	})
}

func (service *Service) publish(ctx context.Context, collected effects) {
	if service.notifier != nil && len(collected.seatChanges) > 0 {
		if err := service.notifier.Publish(ctx, collected.seatChanges); err != nil {
			first := collected.seatChanges[0]
			service.logOperation(ctx, OperationLog{
				Operation:     operationNotify,
				EventID:       first.EventID,
				UserID:        first.ActorID,
				ReservationID: first.ReservationID,
				SeatIDs:       changedSeatIDs(collected.seatChanges),
				Error:         err,
			})
		}
	}
	if service.observer == nil {
		return
	}
	for _, change := range collected.reservationChanges {
		if err := service.observer.ReservationChanged(ctx, change); err != nil {
			service.logOperation(ctx, OperationLog{
				Operation:     operationNotify,
				EventID:       change.Reservation.EventID,
				UserID:        change.Reservation.UserID,
				ReservationID: change.Reservation.ID,
				Error:         err,
			})
		}
	}
}

// retryConflicts runs attempt until it stops failing with a store conflict
// or the retry budget is spent.
func (service *Service) retryConflicts(ctx context.Context, attempt func(ctx context.Context) error) (int, error) {
	var err error
	for attempts := 1; attempts <= service.conflictRetries; attempts++ {
		err = attempt(ctx)
		if !isRetryableConflict(err) {
			return attempts, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return attempts, ctxErr
		}
	}
	return service.conflictRetries, err
}

func (service *Service) findPending(ctx context.Context, store Store, eventID EventID, userID UserID) (Reservation, bool, error) {
	reservation, err := store.FindPendingReservation(ctx, eventID, userID)
	if errors.Is(err, ErrReservationNotFound) {
		return Reservation{}, false, nil
	}
	if err != nil {
		return Reservation{}, false, err
	}
	return reservation, true, nil
}

func (service *Service) nextReservationID() (ReservationID, error) {
	return NewReservationID(service.newID())
}

// releaseHeldSeat frees a seat only while userID still holds it. Sold seats and
// seats held by someone else are left untouched.
func releaseHeldSeat(ctx context.Context, store Store, eventID EventID, seatID SeatID, userID UserID) (SeatState, bool, error) {
	state, err := store.GetSeat(ctx, eventID, seatID)
	if errors.Is(err, ErrSeatNotFound) {
		return SeatState{}, false, nil
	}
	if err != nil {
		return SeatState{}, false, err
	}
	if !state.HeldBy(userID) {
		return SeatState{}, false, nil
	}
	next := state.freed()
	if err := store.CompareAndSetSeat(ctx, state.Expectation(), next); err != nil {
		return SeatState{}, false, err
	}
	return next, true, nil
}

func closeReservation(reservation Reservation, status ReservationStatus, closedAt time.Time) Reservation {
	closed := reservation.Clone()
	closed.Status = status
	closed.ExpiresAt = time.Time{}
	closed.ClosedAt = closedAt
	return closed
}

func normalizeSelection(seatIDs []SeatID) ([]SeatID, error) {
	if len(seatIDs) == 0 {
		return nil, ErrEmptySeatSelection
	}
	seen := make(map[SeatID]struct{}, len(seatIDs))
	selection := make([]SeatID, 0, len(seatIDs))
	for _, seatID := range seatIDs {
		if seatID.value == "" {
			return nil, fmt.Errorf("%w: empty value", ErrInvalidSeatID)
		}
		if _, duplicate := seen[seatID]; duplicate {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateSeat, seatID)
		}
		seen[seatID] = struct{}{}
		selection = append(selection, seatID)
	}
	return selection, nil
}

func containsSeatID(seatIDs []SeatID, target SeatID) bool {
	for _, seatID := range seatIDs {
		if seatID == target {
			return true
		}
	}
	return false
}

func changedSeatIDs(changes []SeatChange) []SeatID {
	seatIDs := make([]SeatID, 0, len(changes))
	for _, change := range changes {
		seatIDs = append(seatIDs, change.SeatID)
	}
	return seatIDs
}
