package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/seathold/pkg/seating"
)

// SeatChangeMessage is the wire form of a seat change between processes. It carries
// the acting user and must not be sent to viewers as is.
type SeatChangeMessage struct {
	EventID       string    `json:"event_id"`
	SeatID        string    `json:"seat_id"`
	Status        string    `json:"status"`
	ActorID       string    `json:"actor_id,omitempty"`
	ReservationID string    `json:"reservation_id,omitempty"`
	Reason        string    `json:"reason"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// NewSeatChangeMessage converts a change to its wire form.
func NewSeatChangeMessage(change seating.SeatChange) SeatChangeMessage {
	return SeatChangeMessage{
		EventID:       change.EventID.String(),
		SeatID:        change.SeatID.String(),
		Status:        change.Status.String(),
		ActorID:       change.ActorID.String(),
		ReservationID: change.ReservationID.String(),
		Reason:        change.Reason.String(),
		OccurredAt:    change.OccurredAt.UTC(),
	}
}

// SeatChange converts the wire form back, validating every identifier.
func (message SeatChangeMessage) SeatChange() (seating.SeatChange, error) {
	eventID, err := seating.NewEventID(message.EventID)
	if err != nil {
		return seating.SeatChange{}, err
	}
	seatID, err := seating.NewSeatID(message.SeatID)
	if err != nil {
		return seating.SeatChange{}, err
	}
	status, err := seating.ParseSeatStatus(message.Status)
	if err != nil {
		return seating.SeatChange{}, err
	}
	change := seating.SeatChange{
		EventID:    eventID,
		SeatID:     seatID,
		Status:     status,
		Reason:     seating.ChangeReason(message.Reason),
		OccurredAt: message.OccurredAt,
	}
	if message.ActorID != "" {
		if change.ActorID, err = seating.NewUserID(message.ActorID); err != nil {
			return seating.SeatChange{}, err
		}
	}
	if message.ReservationID != "" {
		if change.ReservationID, err = seating.NewReservationID(message.ReservationID); err != nil {
			return seating.SeatChange{}, err
		}
	}
	return change, nil
}

// EncodeSeatChanges marshals a batch of changes.
func EncodeSeatChanges(changes []seating.SeatChange) ([]byte, error) {
	messages := make([]SeatChangeMessage, 0, len(changes))
	for _, change := range changes {
		messages = append(messages, NewSeatChangeMessage(change))
	}
	return json.Marshal(messages)
}

// DecodeSeatChanges unmarshals a batch produced by EncodeSeatChanges.
func DecodeSeatChanges(payload []byte) ([]seating.SeatChange, error) {
	var messages []SeatChangeMessage
	if err := json.Unmarshal(payload, &messages); err != nil {
		return nil, fmt.Errorf("decode seat changes: %w", err)
	}
	changes := make([]seating.SeatChange, 0, len(messages))
	for _, message := range messages {
		change, err := message.SeatChange()
		if err != nil {
			return nil, fmt.Errorf("decode seat changes: %w", err)
		}
		changes = append(changes, change)
	}
	return changes, nil
}

// ReservationMessage is the wire form of a reservation lifecycle event.
type ReservationMessage struct {
	ReservationID    string          `json:"reservation_id"`
	UserID           string          `json:"user_id"`
	EventID          string          `json:"event_id"`
	Status           string          `json:"status"`
	Reason           string          `json:"reason"`
	SeatIDs          []string        `json:"seat_ids"`
	TotalCents       int64           `json:"total_cents"`
	PaymentReference string          `json:"payment_reference,omitempty"`
	PaymentMetadata  json.RawMessage `json:"payment_metadata,omitempty"`
	ReplacedBy       string          `json:"replaced_by,omitempty"`
	ExpiresAt        *time.Time      `json:"expires_at,omitempty"`
	OccurredAt       time.Time       `json:"occurred_at"`
}

// NewReservationMessage converts a lifecycle change to its wire form.
func NewReservationMessage(change seating.ReservationChange) ReservationMessage {
	reservation := change.Reservation
	message := ReservationMessage{
		ReservationID: reservation.ID.String(),
		UserID:        reservation.UserID.String(),
		EventID:       reservation.EventID.String(),
		Status:        reservation.Status.String(),
		Reason:        change.Reason.String(),
		TotalCents:    reservation.TotalCents.Int64(),
		ReplacedBy:    reservation.ReplacedBy.String(),
		OccurredAt:    change.OccurredAt.UTC(),
	}
	for _, seatID := range reservation.SeatIDs() {
		message.SeatIDs = append(message.SeatIDs, seatID.String())
	}
	if !reservation.PaymentReference.IsZero() {
		message.PaymentReference = reservation.PaymentReference.String()
		message.PaymentMetadata = json.RawMessage(reservation.PaymentMetadata.String())
	}
	if !reservation.ExpiresAt.IsZero() {
		expiresAt := reservation.ExpiresAt.UTC()
		message.ExpiresAt = &expiresAt
	}
	return message
}
