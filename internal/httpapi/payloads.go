package httpapi

import (
	"encoding/json"
	"time"

	"github.com/MarkoPoloResearchLab/seathold/pkg/seating"
	"github.com/shopspring/decimal"
)

type claimRequest struct {
	SeatIDs []string `json:"seat_ids"`
}

type finalizeRequest struct {
	UserID           string          `json:"user_id"`
	PaymentReference string          `json:"payment_reference"`
	Metadata         json.RawMessage `json:"metadata"`
}

type seedRequest struct {
	Seats []seedSeat `json:"seats"`
}

type seedSeat struct {
	SeatID string          `json:"seat_id"`
	Price  decimal.Decimal `json:"price"`
}

type seatPayload struct {
	SeatID       string     `json:"seat_id"`
	Status       string     `json:"status"`
	HeldByViewer bool       `json:"held_by_viewer"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// seatEventPayload is one seat change as streamed to a viewer. The acting user is
// reduced to whether it was the viewer.
type seatEventPayload struct {
	EventID       string    `json:"event_id"`
	SeatID        string    `json:"seat_id"`
	Status        string    `json:"status"`
	Reason        string    `json:"reason"`
	Self          bool      `json:"self"`
	ReservationID string    `json:"reservation_id,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

func newSeatEventPayload(change seating.SeatChange, viewer seating.UserID) seatEventPayload {
	payload := seatEventPayload{
		EventID:    change.EventID.String(),
		SeatID:     change.SeatID.String(),
		Status:     change.Status.String(),
		Reason:     change.Reason.String(),
		OccurredAt: change.OccurredAt.UTC(),
	}
	if !change.ActorID.IsZero() && change.ActorID == viewer {
		payload.Self = true
		payload.ReservationID = change.ReservationID.String()
	}
	return payload
}

type reservedSeatPayload struct {
	SeatID     string `json:"seat_id"`
	PriceCents int64  `json:"price_cents"`
}

type reservationPayload struct {
	ReservationID    string                `json:"reservation_id"`
	EventID          string                `json:"event_id"`
	UserID           string                `json:"user_id"`
	Status           string                `json:"status"`
	Seats            []reservedSeatPayload `json:"seats"`
	TotalCents       int64                 `json:"total_cents"`
	CreatedAt        time.Time             `json:"created_at"`
	ExpiresAt        *time.Time            `json:"expires_at,omitempty"`
	ClosedAt         *time.Time            `json:"closed_at,omitempty"`
	PaymentReference string                `json:"payment_reference,omitempty"`
	PaymentMetadata  json.RawMessage       `json:"payment_metadata,omitempty"`
	ReplacedBy       string                `json:"replaced_by,omitempty"`
}

func newSeatPayloads(views []seating.SeatView) []seatPayload {
	payloads := make([]seatPayload, 0, len(views))
	for _, view := range views {
		payloads = append(payloads, seatPayload{
			SeatID:       view.SeatID.String(),
			Status:       view.Status.String(),
			HeldByViewer: view.HeldByViewer,
			ExpiresAt:    optionalTime(view.ExpiresAt),
		})
	}
	return payloads
}

// newReservationPayload returns nil for the zero reservation.
func newReservationPayload(reservation seating.Reservation) *reservationPayload {
	if reservation.ID.IsZero() {
		return nil
	}
	payload := &reservationPayload{
		ReservationID: reservation.ID.String(),
		EventID:       reservation.EventID.String(),
		UserID:        reservation.UserID.String(),
		Status:        reservation.Status.String(),
		Seats:         make([]reservedSeatPayload, 0, len(reservation.Seats)),
		TotalCents:    reservation.TotalCents.Int64(),
		CreatedAt:     reservation.CreatedAt.UTC(),
		ExpiresAt:     optionalTime(reservation.ExpiresAt),
		ClosedAt:      optionalTime(reservation.ClosedAt),
		ReplacedBy:    reservation.ReplacedBy.String(),
	}
	for _, seat := range reservation.Seats {
		payload.Seats = append(payload.Seats, reservedSeatPayload{SeatID: seat.SeatID.String(), PriceCents: seat.PriceCents.Int64()})
	}
	if !reservation.PaymentReference.IsZero() {
		payload.PaymentReference = reservation.PaymentReference.String()
		payload.PaymentMetadata = json.RawMessage(reservation.PaymentMetadata.String())
	}
	return payload
}

func optionalTime(value time.Time) *time.Time {
	if value.IsZero() {
		return nil
	}
	utc := value.UTC()
	return &utc
}
