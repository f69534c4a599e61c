package gormstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/seathold/pkg/seating"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const errorMismatchMessage = "expected %v, got %v"

var baseTime = time.Date(2026, time.March, 14, 18, 0, 0, 0, time.UTC)

type flatPrices struct {
	cents seating.AmountCents
}

func (prices flatPrices) SeatPrices(_ context.Context, _ seating.EventID, seatIDs []seating.SeatID) (map[seating.SeatID]seating.AmountCents, error) {
	result := make(map[seating.SeatID]seating.AmountCents, len(seatIDs))
	for _, seatID := range seatIDs {
		result[seatID] = prices.cents
	}
	return result, nil
}

func newTestStore(test *testing.T) *Store {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(test.TempDir()+"/seathold.db"), &gorm.Config{})
	if err != nil {
		test.Fatalf("sqlite open failed: %v", err)
	}
	if err := db.AutoMigrate(Models()...); err != nil {
		test.Fatalf("migrate failed: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		test.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	test.Cleanup(func() { _ = sqlDB.Close() })
	return New(db)
}

func mustEventID(test *testing.T, raw string) seating.EventID {
	test.Helper()
	value, err := seating.NewEventID(raw)
	if err != nil {
		test.Fatalf("event id: %v", err)
	}
	return value
}

func mustUserID(test *testing.T, raw string) seating.UserID {
	test.Helper()
	value, err := seating.NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return value
}

func mustSeatIDs(test *testing.T, raw ...string) []seating.SeatID {
	test.Helper()
	values, err := seating.NewSeatIDs(raw)
	if err != nil {
		test.Fatalf("seat ids: %v", err)
	}
	return values
}

func mustPending(test *testing.T, id string, userID seating.UserID, eventID seating.EventID, seatIDs []seating.SeatID, expiresAt time.Time) seating.Reservation {
	test.Helper()
	reservationID, err := seating.NewReservationID(id)
	if err != nil {
		test.Fatalf("reservation id: %v", err)
	}
	seats := make([]seating.ReservedSeat, 0, len(seatIDs))
	for _, seatID := range seatIDs {
		seats = append(seats, seating.ReservedSeat{SeatID: seatID, PriceCents: 1000})
	}
	reservation, err := seating.NewPendingReservation(reservationID, userID, eventID, seats, baseTime, expiresAt)
	if err != nil {
		test.Fatalf("pending reservation: %v", err)
	}
	return reservation
}

func TestStoreSeatCompareAndSet(test *testing.T) {
	test.Parallel()
	ctx := context.Background()
	store := newTestStore(test)
	eventID := mustEventID(test, "event-1")
	userID := mustUserID(test, "user-1")
	seatIDs := mustSeatIDs(test, "B", "A")

	created, err := store.InitializeSeats(ctx, eventID, seatIDs)
	if err != nil || created != 2 {
		test.Fatalf("initialize: created=%d err=%v", created, err)
	}
	created, err = store.InitializeSeats(ctx, eventID, seatIDs)
	if err != nil || created != 0 {
		test.Fatalf("second initialize: created=%d err=%v", created, err)
	}

	free := seating.NewFreeSeat(eventID, seatIDs[0])
	held := free
	held.Status = seating.SeatStatusHeld
	held.HolderID = userID
	held.HeldAt = baseTime
	held.ExpiresAt = baseTime.Add(seating.DefaultHoldDuration)
	if err := store.CompareAndSetSeat(ctx, free.Expectation(), held); err != nil {
		test.Fatalf("hold: %v", err)
	}
	if err := store.CompareAndSetSeat(ctx, free.Expectation(), held); !errors.Is(err, seating.ErrSeatConflict) {
		test.Fatalf(errorMismatchMessage, seating.ErrSeatConflict, err)
	}

	missing := seating.NewFreeSeat(eventID, mustSeatIDs(test, "Z")[0])
	if err := store.CompareAndSetSeat(ctx, missing.Expectation(), missing); !errors.Is(err, seating.ErrSeatNotFound) {
		test.Fatalf(errorMismatchMessage, seating.ErrSeatNotFound, err)
	}

	stored, err := store.GetSeat(ctx, eventID, seatIDs[0])
	if err != nil {
		test.Fatalf("get seat: %v", err)
	}
	if !stored.HeldBy(userID) || !stored.ExpiresAt.Equal(held.ExpiresAt) {
		test.Fatalf("unexpected stored seat %+v", stored)
	}

	seats, err := store.ListSeats(ctx, eventID)
	if err != nil {
		test.Fatalf("list seats: %v", err)
	}
	if len(seats) != 2 || seats[0].SeatID.String() != "A" || seats[1].SeatID.String() != "B" {
		test.Fatalf("unexpected seat order %+v", seats)
	}
}

func TestStoreWithTxRollsBack(test *testing.T) {
	test.Parallel()
	ctx := context.Background()
	store := newTestStore(test)
	eventID := mustEventID(test, "event-1")
	userID := mustUserID(test, "user-1")
	seatIDs := mustSeatIDs(test, "A")
	if _, err := store.InitializeSeats(ctx, eventID, seatIDs); err != nil {
		test.Fatalf("initialize: %v", err)
	}
	rollback := errors.New("rollback")

	err := store.WithTx(ctx, seating.TxScope{EventID: eventID, SeatIDs: seatIDs}, func(ctx context.Context, txStore seating.Store) error {
		free := seating.NewFreeSeat(eventID, seatIDs[0])
		held := free
		held.Status = seating.SeatStatusHeld
		held.HolderID = userID
		if err := txStore.CompareAndSetSeat(ctx, free.Expectation(), held); err != nil {
			return err
		}
		return rollback
	})
	if !errors.Is(err, rollback) {
		test.Fatalf(errorMismatchMessage, rollback, err)
	}
	seat, err := store.GetSeat(ctx, eventID, seatIDs[0])
	if err != nil {
		test.Fatalf("get seat: %v", err)
	}
	if seat.Status != seating.SeatStatusFree {
		test.Fatalf(errorMismatchMessage, seating.SeatStatusFree, seat.Status)
	}
}

func TestStoreOnePendingReservationPerUser(test *testing.T) {
	test.Parallel()
	ctx := context.Background()
	store := newTestStore(test)
	eventID := mustEventID(test, "event-1")
	userID := mustUserID(test, "user-1")
	seatIDs := mustSeatIDs(test, "A", "B")

	first := mustPending(test, "res-1", userID, eventID, seatIDs, baseTime.Add(time.Minute))
	if err := store.CreateReservation(ctx, first); err != nil {
		test.Fatalf("create: %v", err)
	}
	second := mustPending(test, "res-2", userID, eventID, seatIDs[:1], baseTime.Add(time.Minute))
	if err := store.CreateReservation(ctx, second); !errors.Is(err, seating.ErrReservationExists) {
		test.Fatalf(errorMismatchMessage, seating.ErrReservationExists, err)
	}

	pending, err := store.FindPendingReservation(ctx, eventID, userID)
	if err != nil {
		test.Fatalf("find pending: %v", err)
	}
	if pending.ID != first.ID || len(pending.Seats) != 2 || pending.Seats[0].SeatID.String() != "A" {
		test.Fatalf("unexpected pending reservation %+v", pending)
	}

	canceled := first.Clone()
	canceled.Status = seating.ReservationStatusCanceled
	canceled.ExpiresAt = time.Time{}
	canceled.ClosedAt = baseTime.Add(time.Second)
	canceled.ReplacedBy = second.ID
	if err := store.SaveReservation(ctx, seating.ReservationStatusPending, canceled); err != nil {
		test.Fatalf("save: %v", err)
	}
	if err := store.SaveReservation(ctx, seating.ReservationStatusPending, canceled); !errors.Is(err, seating.ErrReservationConflict) {
		test.Fatalf(errorMismatchMessage, seating.ErrReservationConflict, err)
	}
	if err := store.CreateReservation(ctx, second); err != nil {
		test.Fatalf("create replacement: %v", err)
	}
	if _, err := store.FindPendingReservation(ctx, eventID, mustUserID(test, "user-2")); !errors.Is(err, seating.ErrReservationNotFound) {
		test.Fatalf(errorMismatchMessage, seating.ErrReservationNotFound, err)
	}

	stored, err := store.GetReservation(ctx, first.ID)
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	if stored.Status != seating.ReservationStatusCanceled || stored.ReplacedBy != second.ID {
		test.Fatalf("unexpected stored reservation %+v", stored)
	}

	listed, err := store.ListUserReservations(ctx, userID)
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(listed) != 2 {
		test.Fatalf(errorMismatchMessage, 2, len(listed))
	}
}

func TestStoreSaveReservationRejectsOwnerChange(test *testing.T) {
	test.Parallel()
	ctx := context.Background()
	store := newTestStore(test)
	eventID := mustEventID(test, "event-1")
	reservation := mustPending(test, "res-1", mustUserID(test, "user-1"), eventID, mustSeatIDs(test, "A"), baseTime.Add(time.Minute))
	if err := store.CreateReservation(ctx, reservation); err != nil {
		test.Fatalf("create: %v", err)
	}
	stolen := reservation.Clone()
	stolen.UserID = mustUserID(test, "user-2")
	if err := store.SaveReservation(ctx, seating.ReservationStatusPending, stolen); !errors.Is(err, seating.ErrInvalidStoreOperation) {
		test.Fatalf(errorMismatchMessage, seating.ErrInvalidStoreOperation, err)
	}
}

func TestStoreExpiredReservationsAndPurge(test *testing.T) {
	test.Parallel()
	ctx := context.Background()
	store := newTestStore(test)
	eventID := mustEventID(test, "event-1")
	seatIDs := mustSeatIDs(test, "A")

	early := mustPending(test, "res-early", mustUserID(test, "user-1"), eventID, seatIDs, baseTime.Add(time.Minute))
	late := mustPending(test, "res-late", mustUserID(test, "user-2"), eventID, seatIDs, baseTime.Add(time.Hour))
	for _, reservation := range []seating.Reservation{late, early} {
		if err := store.CreateReservation(ctx, reservation); err != nil {
			test.Fatalf("create: %v", err)
		}
	}

	expired, err := store.ListExpiredReservations(ctx, baseTime.Add(time.Minute), 10)
	if err != nil {
		test.Fatalf("list expired: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != early.ID {
		test.Fatalf("unexpected expired reservations %+v", expired)
	}

	superseded := early.Clone()
	superseded.Status = seating.ReservationStatusCanceled
	superseded.ExpiresAt = time.Time{}
	superseded.ClosedAt = baseTime
	superseded.ReplacedBy = late.ID
	if err := store.SaveReservation(ctx, seating.ReservationStatusPending, superseded); err != nil {
		test.Fatalf("save: %v", err)
	}

	purged, err := store.PurgeSupersededReservations(ctx, baseTime)
	if err != nil || purged != 0 {
		test.Fatalf("purge at cutoff: purged=%d err=%v", purged, err)
	}
	purged, err = store.PurgeSupersededReservations(ctx, baseTime.Add(time.Second))
	if err != nil || purged != 1 {
		test.Fatalf("purge after cutoff: purged=%d err=%v", purged, err)
	}
	if _, err := store.GetReservation(ctx, early.ID); !errors.Is(err, seating.ErrReservationNotFound) {
		test.Fatalf(errorMismatchMessage, seating.ErrReservationNotFound, err)
	}
	var orphanSeats int64
	if err := store.db.Model(&ReservationSeat{}).Where("reservation_id = ?", early.ID.String()).Count(&orphanSeats).Error; err != nil {
		test.Fatalf("count seats: %v", err)
	}
	if orphanSeats != 0 {
		test.Fatalf(errorMismatchMessage, 0, orphanSeats)
	}
}

func TestServiceClaimAndFinalizeOverSQL(test *testing.T) {
	test.Parallel()
	ctx := context.Background()
	store := newTestStore(test)
	now := baseTime
	service, err := seating.NewService(store, flatPrices{cents: 2500}, func() time.Time { return now })
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	eventID := mustEventID(test, "event-1")
	userID := mustUserID(test, "user-1")
	seatIDs := mustSeatIDs(test, "A", "B", "C")
	if _, err := service.InitializeSeatMap(ctx, eventID, seatIDs); err != nil {
		test.Fatalf("initialize: %v", err)
	}

	first, err := service.Claim(ctx, eventID, userID, seatIDs[:2])
	if err != nil {
		test.Fatalf("claim: %v", err)
	}
	second, err := service.Claim(ctx, eventID, userID, seatIDs[1:])
	if err != nil {
		test.Fatalf("reclaim: %v", err)
	}
	if second.TotalCents != 5000 {
		test.Fatalf(errorMismatchMessage, 5000, second.TotalCents)
	}
	replaced, err := store.GetReservation(ctx, first.ID)
	if err != nil {
		test.Fatalf("get replaced: %v", err)
	}
	if replaced.Status != seating.ReservationStatusCanceled || replaced.ReplacedBy != second.ID {
		test.Fatalf("unexpected replaced reservation %+v", replaced)
	}

	intruder := mustUserID(test, "user-2")
	if _, err := service.Claim(ctx, eventID, intruder, seatIDs[2:]); !errors.Is(err, seating.ErrSeatUnavailable) {
		test.Fatalf(errorMismatchMessage, seating.ErrSeatUnavailable, err)
	}

	payment, _ := seating.NewPaymentReference("pay-1")
	metadata, _ := seating.NewMetadataJSON(`{"provider":"card"}`)
	paid, err := service.Finalize(ctx, second.ID, userID, payment, metadata)
	if err != nil {
		test.Fatalf("finalize: %v", err)
	}
	if paid.Status != seating.ReservationStatusPaid || paid.PaymentReference != payment {
		test.Fatalf("unexpected paid reservation %+v", paid)
	}
	seats, err := store.ListSeats(ctx, eventID)
	if err != nil {
		test.Fatalf("list seats: %v", err)
	}
	expected := map[string]seating.SeatStatus{"A": seating.SeatStatusFree, "B": seating.SeatStatusSold, "C": seating.SeatStatusSold}
	for _, seat := range seats {
		if seat.Status != expected[seat.SeatID.String()] {
			test.Fatalf("seat %s: "+errorMismatchMessage, seat.SeatID, expected[seat.SeatID.String()], seat.Status)
		}
	}
}
