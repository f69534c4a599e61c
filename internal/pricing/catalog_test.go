package pricing

import (
	"context"
	"errors"
	"testing"

	"github.com/MarkoPoloResearchLab/seathold/pkg/seating"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const errorMismatchMessage = "expected %v, got %v"

func newTestCatalog(test *testing.T) *Catalog {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(test.TempDir()+"/pricing.db"), &gorm.Config{})
	if err != nil {
		test.Fatalf("sqlite open failed: %v", err)
	}
	if err := db.AutoMigrate(Models()...); err != nil {
		test.Fatalf("migrate failed: %v", err)
	}
	catalog, err := NewCatalog(db)
	if err != nil {
		test.Fatalf("new catalog: %v", err)
	}
	return catalog
}

func mustSeatID(test *testing.T, raw string) seating.SeatID {
	test.Helper()
	seatID, err := seating.NewSeatID(raw)
	if err != nil {
		test.Fatalf("seat id: %v", err)
	}
	return seatID
}

func TestToCents(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name     string
		price    string
		expected seating.AmountCents
		err      error
	}{
		{name: "whole", price: "25", expected: 2500},
		{name: "two places", price: "40.05", expected: 4005},
		{name: "trailing zeros", price: "15.500", expected: 1550},
		{name: "zero", price: "0", expected: 0},
		{name: "fractional cents", price: "1.005", err: ErrInvalidPrice},
		{name: "negative", price: "-1", err: ErrInvalidPrice},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			cents, err := ToCents(decimal.RequireFromString(testCase.price))
			if testCase.err != nil {
				if !errors.Is(err, testCase.err) {
					test.Fatalf(errorMismatchMessage, testCase.err, err)
				}
				return
			}
			if err != nil {
				test.Fatalf("unexpected error: %v", err)
			}
			if cents != testCase.expected {
				test.Fatalf(errorMismatchMessage, testCase.expected, cents)
			}
		})
	}
}

func TestFromCents(test *testing.T) {
	test.Parallel()
	if got := FromCents(4005).StringFixed(2); got != "40.05" {
		test.Fatalf(errorMismatchMessage, "40.05", got)
	}
}

func TestCatalogUpsertAndLookup(test *testing.T) {
	test.Parallel()
	ctx := context.Background()
	catalog := newTestCatalog(test)
	eventID, _ := seating.NewEventID("event-1")
	seatA := mustSeatID(test, "A")
	seatB := mustSeatID(test, "B")
	seatC := mustSeatID(test, "C")

	err := catalog.Upsert(ctx, eventID, []Entry{
		{SeatID: seatA, Price: decimal.RequireFromString("25.00")},
		{SeatID: seatB, Price: decimal.RequireFromString("40.00")},
	})
	if err != nil {
		test.Fatalf("upsert: %v", err)
	}
	err = catalog.Upsert(ctx, eventID, []Entry{{SeatID: seatB, Price: decimal.RequireFromString("42.50")}})
	if err != nil {
		test.Fatalf("second upsert: %v", err)
	}

	prices, err := catalog.SeatPrices(ctx, eventID, []seating.SeatID{seatA, seatB, seatC})
	if err != nil {
		test.Fatalf("lookup: %v", err)
	}
	if prices[seatA] != 2500 || prices[seatB] != 4250 {
		test.Fatalf("unexpected prices %v", prices)
	}
	if _, ok := prices[seatC]; ok {
		test.Fatalf("expected seat C to be unpriced")
	}

	otherEvent, _ := seating.NewEventID("event-2")
	prices, err = catalog.SeatPrices(ctx, otherEvent, []seating.SeatID{seatA})
	if err != nil || len(prices) != 0 {
		test.Fatalf("other event: prices=%v err=%v", prices, err)
	}
}

func TestCatalogRejectsFractionalCents(test *testing.T) {
	test.Parallel()
	catalog := newTestCatalog(test)
	eventID, _ := seating.NewEventID("event-1")
	err := catalog.Upsert(context.Background(), eventID, []Entry{{SeatID: mustSeatID(test, "A"), Price: decimal.RequireFromString("0.001")}})
	if !errors.Is(err, ErrInvalidPrice) {
		test.Fatalf(errorMismatchMessage, ErrInvalidPrice, err)
	}
}
