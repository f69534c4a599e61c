package memstore_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/seathold/internal/store/memstore"
	"github.com/MarkoPoloResearchLab/seathold/pkg/seating"
)

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

func newCoordinator(test *testing.T, seats int) (*seating.Service, *memstore.Store, seating.EventID, []seating.SeatID) {
	test.Helper()
	store := memstore.New()
	service, err := seating.NewService(store, flatPrices{cents: 1000}, time.Now)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	eventID, _ := seating.NewEventID("event-1")
	seatIDs := make([]seating.SeatID, 0, seats)
	for index := 0; index < seats; index++ {
		seatID, _ := seating.NewSeatID(fmt.Sprintf("S%03d", index))
		seatIDs = append(seatIDs, seatID)
	}
	if _, err := service.InitializeSeatMap(context.Background(), eventID, seatIDs); err != nil {
		test.Fatalf("initialize: %v", err)
	}
	return service, store, eventID, seatIDs
}

func TestConcurrentOverlappingClaimsHaveOneWinner(test *testing.T) {
	test.Parallel()
	service, store, eventID, seatIDs := newCoordinator(test, 4)
	const claimants = 16
	var (
		winners int32
		wait    sync.WaitGroup
		start   = make(chan struct{})
	)
	for index := 0; index < claimants; index++ {
		wait.Add(1)
		go func(index int) {
			defer wait.Done()
			userID, _ := seating.NewUserID(fmt.Sprintf("user-%d", index))
			// Every selection contains S001, so at most one claim can win.
			selection := []seating.SeatID{seatIDs[1], seatIDs[(index%2)*2]}
			<-start
			_, err := service.Claim(context.Background(), eventID, userID, selection)
			switch {
			case err == nil:
				atomic.AddInt32(&winners, 1)
			case errors.Is(err, seating.ErrSeatUnavailable):
			default:
				test.Errorf("unexpected claim error: %v", err)
			}
		}(index)
	}
	close(start)
	wait.Wait()

	if winners != 1 {
		test.Fatalf("expected exactly one winner, got %d", winners)
	}
	seats, err := store.ListSeats(context.Background(), eventID)
	if err != nil {
		test.Fatalf("list seats: %v", err)
	}
	holders := make(map[string]int)
	for _, seat := range seats {
		if seat.Status == seating.SeatStatusHeld {
			holders[seat.HolderID.String()]++
		}
	}
	if len(holders) != 1 {
		test.Fatalf("seats held by %d users: %v", len(holders), holders)
	}
	for holder, count := range holders {
		if count != 2 {
			test.Fatalf("winner %s holds %d seats, want 2", holder, count)
		}
	}
}

func TestConcurrentDisjointClaimsAllSucceed(test *testing.T) {
	test.Parallel()
	service, _, eventID, seatIDs := newCoordinator(test, 20)
	var wait sync.WaitGroup
	errs := make(chan error, 10)
	for index := 0; index < 10; index++ {
		wait.Add(1)
		go func(index int) {
			defer wait.Done()
			userID, _ := seating.NewUserID(fmt.Sprintf("user-%d", index))
			_, err := service.Claim(context.Background(), eventID, userID, seatIDs[index*2:index*2+2])
			errs <- err
		}(index)
	}
	wait.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			test.Fatalf("disjoint claim failed: %v", err)
		}
	}
}

func TestConcurrentReclaimNeverExposesSeatsToOthers(test *testing.T) {
	test.Parallel()
	service, store, eventID, seatIDs := newCoordinator(test, 3)
	owner, _ := seating.NewUserID("owner")
	intruder, _ := seating.NewUserID("intruder")
	if _, err := service.Claim(context.Background(), eventID, owner, seatIDs[:2]); err != nil {
		test.Fatalf("initial claim: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var intruderWins int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ctx.Err() == nil {
			if _, err := service.Claim(ctx, eventID, intruder, seatIDs[1:2]); err == nil {
				atomic.AddInt32(&intruderWins, 1)
				return
			}
		}
	}()
	for round := 0; round < 50; round++ {
		selection := seatIDs[:2]
		if round%2 == 1 {
			selection = []seating.SeatID{seatIDs[1], seatIDs[2]}
		}
		if _, err := service.Claim(context.Background(), eventID, owner, selection); err != nil {
			test.Fatalf("reclaim %d: %v", round, err)
		}
	}
	cancel()
	<-done
	if intruderWins != 0 {
		test.Fatalf("intruder claimed a seat kept across reclaims")
	}
	pending, err := store.FindPendingReservation(context.Background(), eventID, owner)
	if err != nil || len(pending.Seats) != 2 {
		test.Fatalf("unexpected pending reservation: %+v (%v)", pending, err)
	}
}

func TestSeatMapNeverObservesReclaimHalfApplied(test *testing.T) {
	test.Parallel()
	service, _, eventID, seatIDs := newCoordinator(test, 2)
	owner, _ := seating.NewUserID("owner")
	viewer, _ := seating.NewUserID("viewer")
	if _, err := service.Claim(context.Background(), eventID, owner, seatIDs[:1]); err != nil {
		test.Fatalf("initial claim: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var (
		reads       int64
		bothFree    int64
		observerErr error
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ctx.Err() == nil {
			views, err := service.SeatMap(context.Background(), eventID, viewer)
			if err != nil {
				observerErr = err
				return
			}
			atomic.AddInt64(&reads, 1)
			free := 0
			for _, view := range views {
				if view.Status == seating.SeatStatusFree {
					free++
				}
			}
			if free == len(seatIDs) {
				atomic.AddInt64(&bothFree, 1)
			}
		}
	}()
	for round := 0; round < 2000; round++ {
		selection := seatIDs[(round+1)%2 : (round+1)%2+1]
		if _, err := service.Claim(context.Background(), eventID, owner, selection); err != nil {
			test.Fatalf("reclaim %d: %v", round, err)
		}
	}
	cancel()
	<-done
	if observerErr != nil {
		test.Fatalf("seat map: %v", observerErr)
	}
	if bothFree != 0 {
		test.Fatalf("observed every seat free %d times in %d reads", bothFree, reads)
	}
}

func TestPendingReservationMatchesCommittedSeats(test *testing.T) {
	test.Parallel()
	service, store, eventID, seatIDs := newCoordinator(test, 2)
	owner, _ := seating.NewUserID("owner")
	if _, err := service.Claim(context.Background(), eventID, owner, seatIDs[:1]); err != nil {
		test.Fatalf("initial claim: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var stale int64
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ctx.Err() == nil {
			reservation, err := store.FindPendingReservation(context.Background(), eventID, owner)
			if err != nil || reservation.Status != seating.ReservationStatusPending {
				atomic.AddInt64(&stale, 1)
			}
		}
	}()
	for round := 0; round < 1000; round++ {
		selection := seatIDs[(round+1)%2 : (round+1)%2+1]
		if _, err := service.Claim(context.Background(), eventID, owner, selection); err != nil {
			test.Fatalf("reclaim %d: %v", round, err)
		}
	}
	cancel()
	<-done
	if stale != 0 {
		test.Fatalf("pending lookup returned no pending reservation %d times during reclaims", stale)
	}
}
