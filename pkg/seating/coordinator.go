package seating

import (
	"context"
	"errors"
	"fmt"
)

// Claim holds every requested seat for userID or none of them. A user's existing
// pending reservation for the event is replaced in the same transaction: seats only
// in the old selection are freed, the old reservation is canceled and a new pending
// reservation with claim-time prices is created.
func (service *Service) Claim(ctx context.Context, eventID EventID, userID UserID, seatIDs []SeatID) (Reservation, error) {
	reservation, collected, attempts, err := service.claim(ctx, eventID, userID, seatIDs)
	service.logOperation(ctx, OperationLog{
		Operation:     operationClaim,
		EventID:       eventID,
		UserID:        userID,
		ReservationID: reservation.ID,
		SeatIDs:       seatIDs,
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

func (service *Service) claim(ctx context.Context, eventID EventID, userID UserID, seatIDs []SeatID) (Reservation, effects, int, error) {
	if userID.IsZero() {
		return Reservation{}, effects{}, 0, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	requested, err := normalizeSelection(seatIDs)
	if err != nil {
		return Reservation{}, effects{}, 0, err
	}
	priced, err := service.priceSeats(ctx, eventID, requested)
	if err != nil {
		return Reservation{}, effects{}, 0, err
	}
	var (
		reservation Reservation
		collected   effects
	)
	attempts, err := service.retryConflicts(ctx, func(ctx context.Context) error {
		var attemptErr error
		reservation, collected, attemptErr = service.claimOnce(ctx, eventID, userID, priced)
		return attemptErr
	})
	if isRetryableConflict(err) {
		return Reservation{}, effects{}, attempts, RejectionError{Reason: ErrSeatUnavailable, SeatIDs: requested}
	}
	if err != nil {
		return Reservation{}, effects{}, attempts, err
	}
	return reservation, collected, attempts, nil
}

func (service *Service) claimOnce(ctx context.Context, eventID EventID, userID UserID, priced []ReservedSeat) (Reservation, effects, error) {
	previous, hasPrevious, err := service.findPending(ctx, service.store, eventID, userID)
	if err != nil {
		return Reservation{}, effects{}, err
	}
	requested := make([]SeatID, 0, len(priced))
	for _, seat := range priced {
		requested = append(requested, seat.SeatID)
	}
	scopeSeats := append([]SeatID(nil), requested...)
	for _, seatID := range previous.SeatIDs() {
		if !containsSeatID(scopeSeats, seatID) {
			scopeSeats = append(scopeSeats, seatID)
		}
	}
	reservationID, err := service.nextReservationID()
	if err != nil {
		return Reservation{}, effects{}, err
	}
	now := service.now()
	expiresAt := now.Add(service.holdDuration)

	var (
		reservation Reservation
		collected   effects
	)
	scope := TxScope{EventID: eventID, UserIDs: []UserID{userID}, SeatIDs: scopeSeats}
	err = service.store.WithTx(ctx, scope, func(ctx context.Context, transactionStore Store) error {
		collected = effects{}
		current, found, err := service.findPending(ctx, transactionStore, eventID, userID)
		if err != nil {
			return err
		}
		if found != hasPrevious || current.ID != previous.ID {
			return ErrReservationConflict
		}
		states, err := loadClaimableSeats(ctx, transactionStore, eventID, userID, requested)
		if err != nil {
			return err
		}
		for _, state := range states {
			next := state.held(userID, now, expiresAt)
			if err := transactionStore.CompareAndSetSeat(ctx, state.Expectation(), next); err != nil {
				return err
			}
			collected.seat(next, userID, reservationID, ChangeReasonClaim, now)
		}
		if found {
			for _, seatID := range current.SeatIDs() {
				if containsSeatID(requested, seatID) {
					continue
				}
				freed, released, err := releaseHeldSeat(ctx, transactionStore, eventID, seatID, userID)
				if err != nil {
					return err
				}
				if released {
					collected.seat(freed, userID, current.ID, ChangeReasonRelease, now)
				}
			}
			replaced := closeReservation(current, ReservationStatusCanceled, now)
			replaced.ReplacedBy = reservationID
			if err := transactionStore.SaveReservation(ctx, ReservationStatusPending, replaced); err != nil {
				return err
			}
			collected.reservation(replaced, ChangeReasonClaim, now)
		}
		created, err := NewPendingReservation(reservationID, userID, eventID, priced, now, expiresAt)
		if err != nil {
			return err
		}
		if err := transactionStore.CreateReservation(ctx, created); err != nil {
			return err
		}
		collected.reservation(created, ChangeReasonClaim, now)
		reservation = created
		return nil
	})
	if err != nil {
		return Reservation{}, effects{}, err
	}
	return reservation, collected, nil
}

// loadClaimableSeats reads every requested seat and rejects the whole set when any
// seat is unknown, sold or held by another user.
func loadClaimableSeats(ctx context.Context, store Store, eventID EventID, userID UserID, seatIDs []SeatID) ([]SeatState, error) {
	states := make([]SeatState, 0, len(seatIDs))
	var missing, unavailable []SeatID
	for _, seatID := range seatIDs {
		state, err := store.GetSeat(ctx, eventID, seatID)
		if errors.Is(err, ErrSeatNotFound) {
			missing = append(missing, seatID)
			continue
		}
		if err != nil {
			return nil, err
		}
		if !state.AvailableTo(userID) {
			unavailable = append(unavailable, seatID)
			continue
		}
		states = append(states, state)
	}
	if len(missing) > 0 {
		return nil, RejectionError{Reason: ErrSeatNotFound, SeatIDs: missing}
	}
	if len(unavailable) > 0 {
		return nil, RejectionError{Reason: ErrSeatUnavailable, SeatIDs: unavailable}
	}
	return states, nil
}

func (service *Service) priceSeats(ctx context.Context, eventID EventID, seatIDs []SeatID) ([]ReservedSeat, error) {
	prices, err := service.prices.SeatPrices(ctx, eventID, seatIDs)
	if err != nil {
		return nil, err
	}
	priced := make([]ReservedSeat, 0, len(seatIDs))
	var missing []SeatID
	for _, seatID := range seatIDs {
		price, ok := prices[seatID]
		if !ok {
			missing = append(missing, seatID)
			continue
		}
		if price < 0 {
			return nil, fmt.Errorf("%w: seat %s priced %d", ErrInvalidAmountCents, seatID, price)
		}
		priced = append(priced, ReservedSeat{SeatID: seatID, PriceCents: price})
	}
	if len(missing) > 0 {
		return nil, RejectionError{Reason: ErrPriceUnavailable, SeatIDs: missing}
	}
	return priced, nil
}

// Release frees one seat held by userID and removes it from the user's pending
// reservation. The reservation is replaced by one without the seat and keeps its
// deadline; when no seats remain it is canceled. The returned reservation is the
// replacement, the canceled reservation, or the zero value when none was pending.
func (service *Service) Release(ctx context.Context, eventID EventID, userID UserID, seatID SeatID) (Reservation, error) {
	var (
		reservation Reservation
		collected   effects
	)
	attempts, err := service.retryConflicts(ctx, func(ctx context.Context) error {
		var attemptErr error
		reservation, collected, attemptErr = service.releaseOnce(ctx, eventID, userID, seatID)
		return attemptErr
	})
	if isRetryableConflict(err) {
		err = RejectionError{Reason: ErrSeatUnavailable, SeatIDs: []SeatID{seatID}}
	}
	service.logOperation(ctx, OperationLog{
		Operation:     operationRelease,
		EventID:       eventID,
		UserID:        userID,
		ReservationID: reservation.ID,
		SeatIDs:       []SeatID{seatID},
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

func (service *Service) releaseOnce(ctx context.Context, eventID EventID, userID UserID, seatID SeatID) (Reservation, effects, error) {
	if seatID.value == "" {
		return Reservation{}, effects{}, fmt.Errorf("%w: empty value", ErrInvalidSeatID)
	}
	previous, hasPrevious, err := service.findPending(ctx, service.store, eventID, userID)
	if err != nil {
		return Reservation{}, effects{}, err
	}
	replacementID, err := service.nextReservationID()
	if err != nil {
		return Reservation{}, effects{}, err
	}
	now := service.now()

	var (
		reservation Reservation
		collected   effects
	)
	scope := TxScope{EventID: eventID, UserIDs: []UserID{userID}, SeatIDs: []SeatID{seatID}}
	err = service.store.WithTx(ctx, scope, func(ctx context.Context, transactionStore Store) error {
		collected = effects{}
		reservation = Reservation{}
		current, found, err := service.findPending(ctx, transactionStore, eventID, userID)
		if err != nil {
			return err
		}
		if found != hasPrevious || current.ID != previous.ID {
			return ErrReservationConflict
		}
		state, err := transactionStore.GetSeat(ctx, eventID, seatID)
		if errors.Is(err, ErrSeatNotFound) {
			return RejectionError{Reason: ErrSeatNotFound, SeatIDs: []SeatID{seatID}}
		}
		if err != nil {
			return err
		}
		if !state.HeldBy(userID) {
			return RejectionError{Reason: ErrNotOwner, SeatIDs: []SeatID{seatID}}
		}
		freed := state.freed()
		if err := transactionStore.CompareAndSetSeat(ctx, state.Expectation(), freed); err != nil {
			return err
		}
		collected.seat(freed, userID, current.ID, ChangeReasonRelease, now)
		if !found || !current.Contains(seatID) {
			reservation = current
			return nil
		}
		remaining := make([]ReservedSeat, 0, len(current.Seats))
		for _, seat := range current.Seats {
			if seat.SeatID != seatID {
				remaining = append(remaining, seat)
			}
		}
		closed := closeReservation(current, ReservationStatusCanceled, now)
		if len(remaining) == 0 {
			if err := transactionStore.SaveReservation(ctx, ReservationStatusPending, closed); err != nil {
				return err
			}
			collected.reservation(closed, ChangeReasonRelease, now)
			reservation = closed
			return nil
		}
		closed.ReplacedBy = replacementID
		if err := transactionStore.SaveReservation(ctx, ReservationStatusPending, closed); err != nil {
			return err
		}
		collected.reservation(closed, ChangeReasonRelease, now)
		replacement, err := NewPendingReservation(replacementID, userID, eventID, remaining, now, current.ExpiresAt)
		if err != nil {
			return err
		}
		if err := transactionStore.CreateReservation(ctx, replacement); err != nil {
			return err
		}
		collected.reservation(replacement, ChangeReasonRelease, now)
		reservation = replacement
		return nil
	})
	if err != nil {
		return Reservation{}, effects{}, err
	}
	return reservation, collected, nil
}
