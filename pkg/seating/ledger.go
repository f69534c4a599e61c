package seating

import (
	"context"
	"time"
)

// Cancel releases every seat of a pending reservation and marks it canceled.
// Canceling a reservation that is already paid or canceled returns it unchanged,
// since a concurrent sweep may have terminated it first.
func (service *Service) Cancel(ctx context.Context, reservationID ReservationID, userID UserID) (Reservation, error) {
	var (
		reservation Reservation
		collected   effects
	)
	attempts, err := service.retryConflicts(ctx, func(ctx context.Context) error {
		snapshot, err := service.store.GetReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		if snapshot.UserID != userID {
			return ErrNotOwner
		}
		if snapshot.Status.IsTerminal() {
			reservation, collected = snapshot, effects{}
			return nil
		}
		reservation, collected, _, err = service.terminate(ctx, snapshot, ChangeReasonCancel, alwaysTerminate)
		return err
	})
	if isRetryableConflict(err) {
		err = RejectionError{Reason: ErrSeatUnavailable, SeatIDs: reservation.SeatIDs()}
	}
	service.logOperation(ctx, OperationLog{
		Operation:     operationCancel,
		EventID:       reservation.EventID,
		UserID:        userID,
		ReservationID: reservationID,
		SeatIDs:       reservation.SeatIDs(),
		Amount:        reservation.TotalCents,
		Attempts:      attempts,
		Error:         err,
	})
	if err != nil {
		return Reservation{}, err
	}
	service.publish(ctx, collected)
	return reservation.Clone(), nil
}

// expire terminates snapshot when it is still pending and past its deadline.
// It reports how many seats were freed and whether the reservation changed.
func (service *Service) expire(ctx context.Context, snapshot Reservation) (int, bool, error) {
	var (
		reservation Reservation
		collected   effects
		changed     bool
	)
	attempts, err := service.retryConflicts(ctx, func(ctx context.Context) error {
		var attemptErr error
		reservation, collected, changed, attemptErr = service.terminate(ctx, snapshot, ChangeReasonExpire, expiredAt)
		return attemptErr
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationExpire,
		EventID:       snapshot.EventID,
		UserID:        snapshot.UserID,
		ReservationID: snapshot.ID,
		SeatIDs:       snapshot.SeatIDs(),
		Amount:        reservation.TotalCents,
		Attempts:      attempts,
		Error:         err,
	})
	if err != nil {
		return 0, false, err
	}
	service.publish(ctx, collected)
	return len(collected.seatChanges), changed, nil
}

func alwaysTerminate(Reservation, time.Time) bool { return true }

func expiredAt(reservation Reservation, now time.Time) bool { return reservation.Expired(now) }

// terminate is the shared release-all-then-cancel path of cancel and expiry.
// The reservation is re-read inside the transaction; if it is no longer pending or
// the guard refuses, nothing changes and the current record is returned.
func (service *Service) terminate(ctx context.Context, snapshot Reservation, reason ChangeReason, guard func(Reservation, time.Time) bool) (Reservation, effects, bool, error) {
	now := service.now()
	var (
		reservation Reservation
		collected   effects
		changed     bool
	)
	scope := TxScope{EventID: snapshot.EventID, UserIDs: []UserID{snapshot.UserID}, SeatIDs: snapshot.SeatIDs()}
	err := service.store.WithTx(ctx, scope, func(ctx context.Context, transactionStore Store) error {
		collected, changed = effects{}, false
		current, err := transactionStore.GetReservation(ctx, snapshot.ID)
		if err != nil {
			return err
		}
		if current.Status.IsTerminal() || !guard(current, now) {
			reservation = current
			return nil
		}
		for _, seatID := range current.SeatIDs() {
			freed, released, err := releaseHeldSeat(ctx, transactionStore, current.EventID, seatID, current.UserID)
			if err != nil {
				return err
			}
			if released {
				collected.seat(freed, current.UserID, current.ID, reason, now)
			}
		}
		closed := closeReservation(current, ReservationStatusCanceled, now)
		if err := transactionStore.SaveReservation(ctx, ReservationStatusPending, closed); err != nil {
			return err
		}
		collected.reservation(closed, reason, now)
		reservation, changed = closed, true
		return nil
	})
	if err != nil {
		return Reservation{}, effects{}, false, err
	}
	return reservation, collected, changed, nil
}

// purge removes canceled reservations superseded by a replacement before cutoff.
func (service *Service) purge(ctx context.Context, cutoff time.Time) (int64, error) {
	purged, err := service.store.PurgeSupersededReservations(ctx, cutoff)
	service.logOperation(ctx, OperationLog{
		Operation: operationPurge,
		Error:     err,
	})
	return purged, err
}
