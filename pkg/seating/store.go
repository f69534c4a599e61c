package seating

import (
	"context"
	"time"
)

// TxScope names every key a transaction may touch. Stores lock exactly these keys,
// so transactions over disjoint scopes proceed independently.
type TxScope struct {
	EventID EventID
	UserIDs []UserID
	SeatIDs []SeatID
}

// Store is the persistence contract used by Service.
// CompareAndSetSeat is the only seat mutation; InitializeSeats only inserts missing rows.
type Store interface {
	WithTx(ctx context.Context, scope TxScope, fn func(ctx context.Context, txStore Store) error) error
	InitializeSeats(ctx context.Context, eventID EventID, seatIDs []SeatID) (int, error)
	GetSeat(ctx context.Context, eventID EventID, seatID SeatID) (SeatState, error)
	ListSeats(ctx context.Context, eventID EventID) ([]SeatState, error)
	CompareAndSetSeat(ctx context.Context, expected SeatExpectation, next SeatState) error
	CreateReservation(ctx context.Context, reservation Reservation) error
	GetReservation(ctx context.Context, reservationID ReservationID) (Reservation, error)
	FindPendingReservation(ctx context.Context, eventID EventID, userID UserID) (Reservation, error)
	SaveReservation(ctx context.Context, from ReservationStatus, next Reservation) error
	ListUserReservations(ctx context.Context, userID UserID) ([]Reservation, error)
	ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]Reservation, error)
	PurgeSupersededReservations(ctx context.Context, before time.Time) (int64, error)
}

// PriceLookup resolves claim-time seat prices from the pricing collaborator.
// Seats missing from the result have no price.
type PriceLookup interface {
	SeatPrices(ctx context.Context, eventID EventID, seatIDs []SeatID) (map[SeatID]AmountCents, error)
}

// Notifier fans seat transitions out to observers. Delivery is best effort.
type Notifier interface {
	Publish(ctx context.Context, changes []SeatChange) error
}

// ReservationObserver receives reservation lifecycle transitions after commit.
type ReservationObserver interface {
	ReservationChanged(ctx context.Context, change ReservationChange) error
}
