package seating

import (
	"context"
	"fmt"
	"time"
)

// Finalize moves a pending reservation to paid and each of its seats from held to
// sold. It is called once the payment collaborator has captured funds. Repeating the
// call with the same payment reference returns the paid reservation unchanged.
func (service *Service) Finalize(ctx context.Context, reservationID ReservationID, userID UserID, payment PaymentReference, metadata MetadataJSON) (Reservation, error) {
	var (
		reservation Reservation
		collected   effects
	)
	attempts, err := service.retryConflicts(ctx, func(ctx context.Context) error {
		var attemptErr error
		reservation, collected, attemptErr = service.finalizeOnce(ctx, reservationID, userID, payment, metadata)
		return attemptErr
	})
	if isRetryableConflict(err) {
		err = RejectionError{Reason: ErrSeatUnavailable, SeatIDs: reservation.SeatIDs()}
	}
	service.logOperation(ctx, OperationLog{
		Operation:     operationFinalize,
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

func (service *Service) finalizeOnce(ctx context.Context, reservationID ReservationID, userID UserID, payment PaymentReference, metadata MetadataJSON) (Reservation, effects, error) {
	if payment.IsZero() {
		return Reservation{}, effects{}, fmt.Errorf("%w: empty value", ErrInvalidPaymentReference)
	}
	snapshot, err := service.store.GetReservation(ctx, reservationID)
	if err != nil {
		return Reservation{}, effects{}, err
	}
	now := service.now()
	alreadyPaid, err := checkFinalizable(snapshot, userID, payment, now)
	if err != nil {
		return Reservation{}, effects{}, err
	}
	if alreadyPaid {
		return snapshot, effects{}, nil
	}

	var (
		reservation Reservation
		collected   effects
	)
	scope := TxScope{EventID: snapshot.EventID, UserIDs: []UserID{userID}, SeatIDs: snapshot.SeatIDs()}
	err = service.store.WithTx(ctx, scope, func(ctx context.Context, transactionStore Store) error {
		collected = effects{}
		current, err := transactionStore.GetReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		alreadyPaid, err := checkFinalizable(current, userID, payment, now)
		if err != nil {
			return err
		}
		if alreadyPaid {
			reservation = current
			return nil
		}
		states := make([]SeatState, 0, len(current.Seats))
		var lost []SeatID
		for _, seatID := range current.SeatIDs() {
			state, err := transactionStore.GetSeat(ctx, current.EventID, seatID)
			if err != nil {
				return err
			}
			if !state.HeldBy(userID) {
				lost = append(lost, seatID)
				continue
			}
			states = append(states, state)
		}
		if len(lost) > 0 {
			return RejectionError{Reason: ErrSeatUnavailable, SeatIDs: lost}
		}
		for _, state := range states {
			next := state.sold()
			if err := transactionStore.CompareAndSetSeat(ctx, state.Expectation(), next); err != nil {
				return err
			}
			collected.seat(next, userID, current.ID, ChangeReasonFinalize, now)
		}
		paid := closeReservation(current, ReservationStatusPaid, now)
		paid.PaymentReference = payment
		paid.PaymentMetadata = metadata
		if err := transactionStore.SaveReservation(ctx, ReservationStatusPending, paid); err != nil {
			return err
		}
		collected.reservation(paid, ChangeReasonFinalize, now)
		reservation = paid
		return nil
	})
	if err != nil {
		return Reservation{}, effects{}, err
	}
	return reservation, collected, nil
}

// checkFinalizable reports whether reservation is already paid with payment, or why
// it cannot be finalized.
func checkFinalizable(reservation Reservation, userID UserID, payment PaymentReference, now time.Time) (bool, error) {
	if reservation.UserID != userID {
		return false, ErrNotOwner
	}
	switch reservation.Status {
	case ReservationStatusPaid:
		if reservation.PaymentReference != payment {
			return false, fmt.Errorf("%w: paid with a different payment reference", ErrReservationClosed)
		}
		return true, nil
	case ReservationStatusCanceled:
		return false, ErrReservationClosed
	}
	if reservation.Expired(now) {
		return false, ErrReservationExpired
	}
	return false, nil
}
