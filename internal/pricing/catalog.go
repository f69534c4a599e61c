// Package pricing stores per-seat prices as decimals and serves them to the
// hold coordinator in integer cents.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/seathold/pkg/seating"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	errorOperationPricing = "pricing"
	errorSubjectPrice     = "price"
	errorCodeLookup       = "lookup"
	errorCodeUpsert       = "upsert"
	errorCodeInvalid      = "invalid"
	centsExponent         = 2
)

var maxCents = decimal.NewFromInt(1 << 62)

var (
	ErrInvalidPrice   = errors.New("invalid price")
	ErrInvalidCatalog = errors.New("invalid catalog")
)

// SeatPrice mirrors the seat_prices table.
type SeatPrice struct {
	EventID   string          `gorm:"primaryKey;size:128"`
	SeatID    string          `gorm:"primaryKey;size:128"`
	Price     decimal.Decimal `gorm:"type:decimal(18,2);not null"`
	UpdatedAt time.Time       `gorm:"not null"`
}

func (SeatPrice) TableName() string { return "seat_prices" }

// Models lists the tables owned by the catalog, for AutoMigrate.
func Models() []any {
	return []any{&SeatPrice{}}
}

// Entry is one seat and its price in currency units.
type Entry struct {
	SeatID seating.SeatID
	Price  decimal.Decimal
}

// Catalog implements seating.PriceLookup over a gorm table.
type Catalog struct {
	db *gorm.DB
}

// NewCatalog returns a Catalog backed by db.
func NewCatalog(db *gorm.DB) (*Catalog, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: database is required", ErrInvalidCatalog)
	}
	return &Catalog{db: db}, nil
}

// SeatPrices returns the price in cents of every requested seat that has one.
// Seats without a price are absent from the result.
func (catalog *Catalog) SeatPrices(ctx context.Context, eventID seating.EventID, seatIDs []seating.SeatID) (map[seating.SeatID]seating.AmountCents, error) {
	result := make(map[seating.SeatID]seating.AmountCents, len(seatIDs))
	if len(seatIDs) == 0 {
		return result, nil
	}
	rawSeatIDs := make([]string, 0, len(seatIDs))
	for _, seatID := range seatIDs {
		rawSeatIDs = append(rawSeatIDs, seatID.String())
	}
	var rows []SeatPrice
	err := catalog.db.WithContext(ctx).
		Where("event_id = ? AND seat_id IN ?", eventID.String(), rawSeatIDs).
		Find(&rows).Error
	if err != nil {
		return nil, seating.WrapError(errorOperationPricing, errorSubjectPrice, errorCodeLookup, err)
	}
	for _, row := range rows {
		seatID, err := seating.NewSeatID(row.SeatID)
		if err != nil {
			return nil, seating.WrapError(errorOperationPricing, errorSubjectPrice, errorCodeInvalid, err)
		}
		cents, err := ToCents(row.Price)
		if err != nil {
			return nil, seating.WrapError(errorOperationPricing, errorSubjectPrice, errorCodeInvalid, err)
		}
		result[seatID] = cents
	}
	return result, nil
}

// Upsert inserts or replaces the prices of an event's seats.
func (catalog *Catalog) Upsert(ctx context.Context, eventID seating.EventID, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	now := time.Now().UTC()
	rows := make([]SeatPrice, 0, len(entries))
	for _, entry := range entries {
		if _, err := ToCents(entry.Price); err != nil {
			return seating.WrapError(errorOperationPricing, errorSubjectPrice, errorCodeInvalid, err)
		}
		rows = append(rows, SeatPrice{
			EventID:   eventID.String(),
			SeatID:    entry.SeatID.String(),
			Price:     entry.Price,
			UpdatedAt: now,
		})
	}
	err := catalog.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "event_id"}, {Name: "seat_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"price", "updated_at"}),
		}).
		Create(&rows).Error
	if err != nil {
		return seating.WrapError(errorOperationPricing, errorSubjectPrice, errorCodeUpsert, err)
	}
	return nil
}

// ToCents converts a currency amount with at most two decimal places to cents.
func ToCents(price decimal.Decimal) (seating.AmountCents, error) {
	if price.IsNegative() {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidPrice)
	}
	shifted := price.Shift(centsExponent)
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, fmt.Errorf("%w: %s has fractional cents", ErrInvalidPrice, price.String())
	}
	if shifted.GreaterThan(maxCents) {
		return 0, fmt.Errorf("%w: %s out of range", ErrInvalidPrice, price.String())
	}
	return seating.AmountCents(shifted.IntPart()), nil
}

// FromCents converts cents to a currency amount.
func FromCents(cents seating.AmountCents) decimal.Decimal {
	return decimal.New(cents.Int64(), -centsExponent)
}
