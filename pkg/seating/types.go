package seating

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// AmountCents is an integer currency in cents.
type AmountCents int64

// EventID identifies an event whose seat map is coordinated.
type EventID struct {
	value string
}

// SeatID identifies a seat within an event.
type SeatID struct {
	value string
}

// UserID identifies an authenticated user. The zero value means "no user".
type UserID struct {
	value string
}

// ReservationID identifies a reservation.
type ReservationID struct {
	value string
}

// PaymentReference is the external payment collaborator's capture reference.
type PaymentReference struct {
	value string
}

// MetadataJSON stores arbitrary payment metadata.
type MetadataJSON struct {
	value string
}

// NewEventID validates and normalizes an event id.
func NewEventID(raw string) (EventID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return EventID{}, fmt.Errorf("%w: empty value", ErrInvalidEventID)
	}
	return EventID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id EventID) String() string {
	return id.value
}

// NewSeatID validates and normalizes a seat id.
func NewSeatID(raw string) (SeatID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return SeatID{}, fmt.Errorf("%w: empty value", ErrInvalidSeatID)
	}
	return SeatID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id SeatID) String() string {
	return id.value
}

// NewSeatIDs validates a list of raw seat ids.
func NewSeatIDs(raw []string) ([]SeatID, error) {
	seatIDs := make([]SeatID, 0, len(raw))
	for _, value := range raw {
		seatID, err := NewSeatID(value)
		if err != nil {
			return nil, err
		}
		seatIDs = append(seatIDs, seatID)
	}
	return seatIDs, nil
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// IsZero reports whether the id is unset.
func (id UserID) IsZero() bool {
	return id.value == ""
}

// NewReservationID validates and normalizes a reservation id.
func NewReservationID(raw string) (ReservationID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ReservationID{}, fmt.Errorf("%w: empty value", ErrInvalidReservationID)
	}
	return ReservationID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ReservationID) String() string {
	return id.value
}

// IsZero reports whether the id is unset.
func (id ReservationID) IsZero() bool {
	return id.value == ""
}

// NewPaymentReference validates and normalizes a payment reference.
func NewPaymentReference(raw string) (PaymentReference, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return PaymentReference{}, fmt.Errorf("%w: empty value", ErrInvalidPaymentReference)
	}
	return PaymentReference{value: trimmed}, nil
}

// String returns the normalized reference.
func (reference PaymentReference) String() string {
	return reference.value
}

// IsZero reports whether the reference is unset.
func (reference PaymentReference) IsZero() bool {
	return reference.value == ""
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob, "{}" for the zero value.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// NewAmountCents validates an amount and ensures it is not negative.
func NewAmountCents(raw int64) (AmountCents, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidAmountCents)
	}
	return AmountCents(raw), nil
}

// Int64 returns the raw cents value.
func (amount AmountCents) Int64() int64 {
	return int64(amount)
}

// SeatStatus is the per-seat state machine value.
type SeatStatus string

const (
	SeatStatusFree SeatStatus = "free"
	SeatStatusHeld SeatStatus = "held"
	SeatStatusSold SeatStatus = "sold"
)

// ParseSeatStatus validates a stored seat status.
func ParseSeatStatus(raw string) (SeatStatus, error) {
	switch SeatStatus(strings.TrimSpace(raw)) {
	case SeatStatusFree:
		return SeatStatusFree, nil
	case SeatStatusHeld:
		return SeatStatusHeld, nil
	case SeatStatusSold:
		return SeatStatusSold, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidSeatStatus, raw)
	}
}

// String returns the status value.
func (status SeatStatus) String() string {
	return string(status)
}

// ReservationStatus defines reservation lifecycle.
type ReservationStatus string

const (
	ReservationStatusPending  ReservationStatus = "pending"
	ReservationStatusPaid     ReservationStatus = "paid"
	ReservationStatusCanceled ReservationStatus = "canceled"
)

// ParseReservationStatus validates a stored reservation status.
func ParseReservationStatus(raw string) (ReservationStatus, error) {
	switch ReservationStatus(strings.TrimSpace(raw)) {
	case ReservationStatusPending:
		return ReservationStatusPending, nil
	case ReservationStatusPaid:
		return ReservationStatusPaid, nil
	case ReservationStatusCanceled:
		return ReservationStatusCanceled, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidReservationStatus, raw)
	}
}

// String returns the status value.
func (status ReservationStatus) String() string {
	return string(status)
}

// IsTerminal reports whether the reservation can no longer change.
func (status ReservationStatus) IsTerminal() bool {
	return status == ReservationStatusPaid || status == ReservationStatusCanceled
}

// SeatState is the current state of one (event, seat) pair.
// HolderID, HeldAt and ExpiresAt are set only while the seat is held.
type SeatState struct {
	EventID   EventID
	SeatID    SeatID
	Status    SeatStatus
	HolderID  UserID
	HeldAt    time.Time
	ExpiresAt time.Time
}

// NewFreeSeat returns the initial state of a seat.
func NewFreeSeat(eventID EventID, seatID SeatID) SeatState {
	return SeatState{EventID: eventID, SeatID: seatID, Status: SeatStatusFree}
}

// HeldBy reports whether the seat is held by userID.
func (seat SeatState) HeldBy(userID UserID) bool {
	return seat.Status == SeatStatusHeld && seat.HolderID == userID
}

// AvailableTo reports whether userID may claim the seat.
func (seat SeatState) AvailableTo(userID UserID) bool {
	return seat.Status == SeatStatusFree || seat.HeldBy(userID)
}

// Expectation returns the compare-and-set guard matching the current state.
func (seat SeatState) Expectation() SeatExpectation {
	return SeatExpectation{
		EventID:  seat.EventID,
		SeatID:   seat.SeatID,
		Status:   seat.Status,
		HolderID: seat.HolderID,
	}
}

func (seat SeatState) held(userID UserID, heldAt time.Time, expiresAt time.Time) SeatState {
	return SeatState{
		EventID:   seat.EventID,
		SeatID:    seat.SeatID,
		Status:    SeatStatusHeld,
		HolderID:  userID,
		HeldAt:    heldAt,
		ExpiresAt: expiresAt,
	}
}

func (seat SeatState) freed() SeatState {
	return NewFreeSeat(seat.EventID, seat.SeatID)
}

func (seat SeatState) sold() SeatState {
	return SeatState{EventID: seat.EventID, SeatID: seat.SeatID, Status: SeatStatusSold}
}

// SeatExpectation is the guard of a compare-and-set seat mutation.
type SeatExpectation struct {
	EventID  EventID
	SeatID   SeatID
	Status   SeatStatus
	HolderID UserID
}

// Matches reports whether the seat satisfies the guard.
func (expectation SeatExpectation) Matches(seat SeatState) bool {
	return seat.EventID == expectation.EventID &&
		seat.SeatID == expectation.SeatID &&
		seat.Status == expectation.Status &&
		seat.HolderID == expectation.HolderID
}

// ReservedSeat is a seat captured by a reservation with its claim-time price.
type ReservedSeat struct {
	SeatID     SeatID
	PriceCents AmountCents
}

// Reservation is one user's claim lineage entry for an event.
// The seat list never changes after creation; edits create a replacement reservation.
type Reservation struct {
	ID               ReservationID
	UserID           UserID
	EventID          EventID
	Status           ReservationStatus
	CreatedAt        time.Time
	ExpiresAt        time.Time
	ClosedAt         time.Time
	Seats            []ReservedSeat
	TotalCents       AmountCents
	PaymentReference PaymentReference
	PaymentMetadata  MetadataJSON
	ReplacedBy       ReservationID
}

// NewPendingReservation builds a pending reservation and computes its total.
func NewPendingReservation(id ReservationID, userID UserID, eventID EventID, seats []ReservedSeat, createdAt time.Time, expiresAt time.Time) (Reservation, error) {
	var total AmountCents
	for _, seat := range seats {
		total += seat.PriceCents
	}
	reservation := Reservation{
		ID:         id,
		UserID:     userID,
		EventID:    eventID,
		Status:     ReservationStatusPending,
		CreatedAt:  createdAt,
		ExpiresAt:  expiresAt,
		Seats:      append([]ReservedSeat(nil), seats...),
		TotalCents: total,
	}
	if err := reservation.Validate(); err != nil {
		return Reservation{}, err
	}
	return reservation, nil
}

// Validate checks the structural invariants of a reservation.
func (reservation Reservation) Validate() error {
	if reservation.ID.IsZero() {
		return fmt.Errorf("%w: missing id", ErrInvalidReservation)
	}
	if reservation.UserID.IsZero() {
		return fmt.Errorf("%w: missing user", ErrInvalidReservation)
	}
	if reservation.EventID.value == "" {
		return fmt.Errorf("%w: missing event", ErrInvalidReservation)
	}
	if len(reservation.Seats) == 0 {
		return fmt.Errorf("%w: %w", ErrInvalidReservation, ErrEmptySeatSelection)
	}
	if _, err := ParseReservationStatus(reservation.Status.String()); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidReservation, err)
	}
	seen := make(map[SeatID]struct{}, len(reservation.Seats))
	var total AmountCents
	for _, seat := range reservation.Seats {
		if seat.SeatID.value == "" {
			return fmt.Errorf("%w: %w", ErrInvalidReservation, ErrInvalidSeatID)
		}
		if _, duplicate := seen[seat.SeatID]; duplicate {
			return fmt.Errorf("%w: %w: %s", ErrInvalidReservation, ErrDuplicateSeat, seat.SeatID)
		}
		if seat.PriceCents < 0 {
			return fmt.Errorf("%w: %w", ErrInvalidReservation, ErrInvalidAmountCents)
		}
		seen[seat.SeatID] = struct{}{}
		total += seat.PriceCents
	}
	if total != reservation.TotalCents {
		return fmt.Errorf("%w: total %d does not match seat prices %d", ErrInvalidReservation, reservation.TotalCents, total)
	}
	if reservation.Status == ReservationStatusPending && reservation.ExpiresAt.IsZero() {
		return fmt.Errorf("%w: pending reservation without expiry", ErrInvalidReservation)
	}
	return nil
}

// SeatIDs returns the reserved seat ids in order.
func (reservation Reservation) SeatIDs() []SeatID {
	seatIDs := make([]SeatID, 0, len(reservation.Seats))
	for _, seat := range reservation.Seats {
		seatIDs = append(seatIDs, seat.SeatID)
	}
	return seatIDs
}

// Contains reports whether the reservation includes seatID.
func (reservation Reservation) Contains(seatID SeatID) bool {
	for _, seat := range reservation.Seats {
		if seat.SeatID == seatID {
			return true
		}
	}
	return false
}

// Expired reports whether a pending reservation is past its deadline at now.
func (reservation Reservation) Expired(now time.Time) bool {
	return reservation.Status == ReservationStatusPending && !now.Before(reservation.ExpiresAt)
}

// Clone returns a copy that shares no seat slice with the receiver.
func (reservation Reservation) Clone() Reservation {
	clone := reservation
	clone.Seats = append([]ReservedSeat(nil), reservation.Seats...)
	return clone
}

// SeatView is the public projection of a seat. Holder identity is reduced to HeldByViewer.
type SeatView struct {
	SeatID       SeatID
	Status       SeatStatus
	HeldByViewer bool
	ExpiresAt    time.Time
}

// ChangeReason names the command that caused a seat transition.
type ChangeReason string

const (
	ChangeReasonClaim    ChangeReason = "claim"
	ChangeReasonRelease  ChangeReason = "release"
	ChangeReasonCancel   ChangeReason = "cancel"
	ChangeReasonExpire   ChangeReason = "expire"
	ChangeReasonFinalize ChangeReason = "finalize"
)

// String returns the reason value.
func (reason ChangeReason) String() string {
	return string(reason)
}

// SeatChange is one seat transition broadcast to every subscriber.
type SeatChange struct {
	EventID       EventID
	SeatID        SeatID
	Status        SeatStatus
	ActorID       UserID
	ReservationID ReservationID
	Reason        ChangeReason
	OccurredAt    time.Time
}

// ReservationChange is a reservation lifecycle transition.
type ReservationChange struct {
	Reservation Reservation
	Reason      ChangeReason
	OccurredAt  time.Time
}
