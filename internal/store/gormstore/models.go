package gormstore

import (
	"time"

	"gorm.io/datatypes"
)

// EventSeat mirrors the event_seats table: one row per (event, seat).
type EventSeat struct {
	EventID   string     `gorm:"primaryKey;size:128"`
	SeatID    string     `gorm:"primaryKey;size:128"`
	Status    string     `gorm:"size:16;not null;index:idx_event_seats_status"`
	HolderID  *string    `gorm:"size:128"`
	HeldAt    *time.Time `gorm:""`
	ExpiresAt *time.Time `gorm:""`
	UpdatedAt time.Time  `gorm:"not null"`
}

func (EventSeat) TableName() string { return "event_seats" }

// Reservation mirrors the reservations table. PendingKey is set only while the
// reservation is pending; its unique index enforces one pending reservation per
// user and event.
type Reservation struct {
	ReservationID    string            `gorm:"primaryKey;size:64"`
	UserID           string            `gorm:"size:128;not null;index:idx_reservations_user_created,priority:1"`
	EventID          string            `gorm:"size:128;not null"`
	Status           string            `gorm:"size:16;not null;index:idx_reservations_status_expires,priority:1"`
	PendingKey       *string           `gorm:"size:260;uniqueIndex:uniq_reservations_pending_key"`
	TotalCents       int64             `gorm:"not null"`
	PaymentReference *string           `gorm:"size:256"`
	PaymentMetadata  datatypes.JSON    `gorm:""`
	ReplacedBy       *string           `gorm:"size:64;index"`
	CreatedAt        time.Time         `gorm:"not null;index:idx_reservations_user_created,priority:2"`
	ExpiresAt        *time.Time        `gorm:"index:idx_reservations_status_expires,priority:2"`
	ClosedAt         *time.Time        `gorm:""`
	Seats            []ReservationSeat `gorm:"foreignKey:ReservationID;references:ReservationID;constraint:OnDelete:CASCADE"`
}

func (Reservation) TableName() string { return "reservations" }

// ReservationSeat mirrors reservation_seats: the ordered, price-snapshotted seat list.
type ReservationSeat struct {
	ReservationID string `gorm:"primaryKey;size:64"`
	Position      int    `gorm:"primaryKey"`
	SeatID        string `gorm:"size:128;not null"`
	PriceCents    int64  `gorm:"not null"`
}

func (ReservationSeat) TableName() string { return "reservation_seats" }

// Models lists every table owned by the store, for AutoMigrate.
func Models() []any {
	return []any{&EventSeat{}, &Reservation{}, &ReservationSeat{}}
}
