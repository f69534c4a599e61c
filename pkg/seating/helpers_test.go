package seating

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"
)

const (
	errorMismatchMessage = "expected %v, got %v"
	eventIDValue         = "event-1"
	userIDValue          = "user-1"
	otherUserIDValue     = "user-2"
	seatAValue           = "A"
	seatBValue           = "B"
	seatCValue           = "C"
	priceA               = AmountCents(2500)
	priceB               = AmountCents(4000)
	priceC               = AmountCents(1500)
)

var (
	baseTime        = time.Date(2026, time.March, 14, 18, 0, 0, 0, time.UTC)
	errStoreFailure = errors.New("store error")
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: baseTime}
}

func (clock *testClock) Now() time.Time {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	return clock.now
}

func (clock *testClock) Advance(duration time.Duration) {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	clock.now = clock.now.Add(duration)
}

type stubPrices struct {
	prices map[string]AmountCents
	err    error
}

func newStubPrices() *stubPrices {
	return &stubPrices{prices: map[string]AmountCents{seatAValue: priceA, seatBValue: priceB, seatCValue: priceC}}
}

func (prices *stubPrices) SeatPrices(_ context.Context, _ EventID, seatIDs []SeatID) (map[SeatID]AmountCents, error) {
	if prices.err != nil {
		return nil, prices.err
	}
	result := make(map[SeatID]AmountCents, len(seatIDs))
	for _, seatID := range seatIDs {
		if price, ok := prices.prices[seatID.String()]; ok {
			result[seatID] = price
		}
	}
	return result, nil
}

type recordingNotifier struct {
	mu      sync.Mutex
	changes []SeatChange
	err     error
}

func (notifier *recordingNotifier) Publish(_ context.Context, changes []SeatChange) error {
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	notifier.changes = append(notifier.changes, changes...)
	return notifier.err
}

func (notifier *recordingNotifier) snapshot() []SeatChange {
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	return append([]SeatChange(nil), notifier.changes...)
}

type recordingObserver struct {
	mu      sync.Mutex
	changes []ReservationChange
}

func (observer *recordingObserver) ReservationChanged(_ context.Context, change ReservationChange) error {
	observer.mu.Lock()
	defer observer.mu.Unlock()
	observer.changes = append(observer.changes, change)
	return nil
}

type recorderLogger struct {
	mu      sync.Mutex
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	logger.entries = append(logger.entries, entry)
}

func (logger *recorderLogger) operations(name string) []OperationLog {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	var matched []OperationLog
	for _, entry := range logger.entries {
		if entry.Operation == name {
			matched = append(matched, entry)
		}
	}
	return matched
}

// stubStore is a map-backed Store. Transactions are serialized and rolled back
// by restoring a snapshot when fn fails.
type stubStore struct {
	txMu         sync.Mutex
	mu           sync.Mutex
	seats        map[string]SeatState
	reservations map[ReservationID]Reservation

	withTxError           error
	getSeatError          error
	casError              error
	casConflicts          int
	createError           error
	saveError             error
	getReservationError   error
	findPendingError      error
	listExpiredError      error
	purgeError            error
	failReservationLookup map[ReservationID]error
	txCalls               int
	txScopes              []TxScope
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		seats:                 make(map[string]SeatState),
		reservations:          make(map[ReservationID]Reservation),
		failReservationLookup: make(map[ReservationID]error),
	}
}

func seatKey(eventID EventID, seatID SeatID) string {
	return eventID.String() + "|" + seatID.String()
}

func (store *stubStore) WithTx(ctx context.Context, scope TxScope, fn func(ctx context.Context, txStore Store) error) error {
	if store.withTxError != nil {
		return store.withTxError
	}
	store.txMu.Lock()
	defer store.txMu.Unlock()
	store.mu.Lock()
	store.txCalls++
	store.txScopes = append(store.txScopes, scope)
	seatsBefore := make(map[string]SeatState, len(store.seats))
	for key, value := range store.seats {
		seatsBefore[key] = value
	}
	reservationsBefore := make(map[ReservationID]Reservation, len(store.reservations))
	for key, value := range store.reservations {
		reservationsBefore[key] = value.Clone()
	}
	store.mu.Unlock()
	if err := fn(ctx, store); err != nil {
		store.mu.Lock()
		store.seats = seatsBefore
		store.reservations = reservationsBefore
		store.mu.Unlock()
		return err
	}
	return nil
}

func (store *stubStore) InitializeSeats(_ context.Context, eventID EventID, seatIDs []SeatID) (int, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	created := 0
	for _, seatID := range seatIDs {
		key := seatKey(eventID, seatID)
		if _, exists := store.seats[key]; exists {
			continue
		}
		store.seats[key] = NewFreeSeat(eventID, seatID)
		created++
	}
	return created, nil
}

func (store *stubStore) GetSeat(_ context.Context, eventID EventID, seatID SeatID) (SeatState, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.getSeatError != nil {
		return SeatState{}, store.getSeatError
	}
	seat, ok := store.seats[seatKey(eventID, seatID)]
	if !ok {
		return SeatState{}, ErrSeatNotFound
	}
	return seat, nil
}

func (store *stubStore) ListSeats(_ context.Context, eventID EventID) ([]SeatState, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var seats []SeatState
	for _, seat := range store.seats {
		if seat.EventID == eventID {
			seats = append(seats, seat)
		}
	}
	sort.Slice(seats, func(left, right int) bool { return seats[left].SeatID.String() < seats[right].SeatID.String() })
	return seats, nil
}

func (store *stubStore) CompareAndSetSeat(_ context.Context, expected SeatExpectation, next SeatState) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.casError != nil {
		return store.casError
	}
	if store.casConflicts > 0 {
		store.casConflicts--
		return ErrSeatConflict
	}
	key := seatKey(expected.EventID, expected.SeatID)
	current, ok := store.seats[key]
	if !ok {
		return ErrSeatNotFound
	}
	if !expected.Matches(current) {
		return ErrSeatConflict
	}
	store.seats[key] = next
	return nil
}

func (store *stubStore) CreateReservation(_ context.Context, reservation Reservation) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.createError != nil {
		return store.createError
	}
	for _, existing := range store.reservations {
		if existing.Status == ReservationStatusPending && existing.EventID == reservation.EventID && existing.UserID == reservation.UserID {
			return ErrReservationExists
		}
	}
	store.reservations[reservation.ID] = reservation.Clone()
	return nil
}

func (store *stubStore) GetReservation(_ context.Context, reservationID ReservationID) (Reservation, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.getReservationError != nil {
		return Reservation{}, store.getReservationError
	}
	if err := store.failReservationLookup[reservationID]; err != nil {
		return Reservation{}, err
	}
	reservation, ok := store.reservations[reservationID]
	if !ok {
		return Reservation{}, ErrReservationNotFound
	}
	return reservation.Clone(), nil
}

func (store *stubStore) FindPendingReservation(_ context.Context, eventID EventID, userID UserID) (Reservation, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.findPendingError != nil {
		return Reservation{}, store.findPendingError
	}
	for _, reservation := range store.reservations {
		if reservation.Status == ReservationStatusPending && reservation.EventID == eventID && reservation.UserID == userID {
			return reservation.Clone(), nil
		}
	}
	return Reservation{}, ErrReservationNotFound
}

func (store *stubStore) SaveReservation(_ context.Context, from ReservationStatus, next Reservation) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.saveError != nil {
		return store.saveError
	}
	current, ok := store.reservations[next.ID]
	if !ok {
		return ErrReservationNotFound
	}
	if current.Status != from {
		return ErrReservationConflict
	}
	store.reservations[next.ID] = next.Clone()
	return nil
}

func (store *stubStore) ListUserReservations(_ context.Context, userID UserID) ([]Reservation, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var reservations []Reservation
	for _, reservation := range store.reservations {
		if reservation.UserID == userID {
			reservations = append(reservations, reservation.Clone())
		}
	}
	sort.Slice(reservations, func(left, right int) bool {
		return reservations[left].CreatedAt.After(reservations[right].CreatedAt)
	})
	return reservations, nil
}

func (store *stubStore) ListExpiredReservations(_ context.Context, now time.Time, limit int) ([]Reservation, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.listExpiredError != nil {
		return nil, store.listExpiredError
	}
	var expired []Reservation
	for _, reservation := range store.reservations {
		if reservation.Expired(now) {
			expired = append(expired, reservation.Clone())
		}
	}
	sort.Slice(expired, func(left, right int) bool { return expired[left].ID.String() < expired[right].ID.String() })
	if len(expired) > limit {
		expired = expired[:limit]
	}
	return expired, nil
}

func (store *stubStore) PurgeSupersededReservations(_ context.Context, before time.Time) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.purgeError != nil {
		return 0, store.purgeError
	}
	var purged int64
	for id, reservation := range store.reservations {
		if reservation.Status == ReservationStatusCanceled && !reservation.ReplacedBy.IsZero() && reservation.ClosedAt.Before(before) {
			delete(store.reservations, id)
			purged++
		}
	}
	return purged, nil
}

func (store *stubStore) seat(test *testing.T, eventID EventID, seatID SeatID) SeatState {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	seat, ok := store.seats[seatKey(eventID, seatID)]
	if !ok {
		test.Fatalf("seat %s not found", seatID)
	}
	return seat
}

func (store *stubStore) reservation(test *testing.T, reservationID ReservationID) Reservation {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	reservation, ok := store.reservations[reservationID]
	if !ok {
		test.Fatalf("reservation %s not found", reservationID)
	}
	return reservation.Clone()
}

type fixture struct {
	store    *stubStore
	prices   *stubPrices
	clock    *testClock
	notifier *recordingNotifier
	observer *recordingObserver
	logger   *recorderLogger
	service  *Service
	eventID  EventID
}

func newFixture(test *testing.T, options ...ServiceOption) *fixture {
	test.Helper()
	testFixture := &fixture{
		store:    newStubStore(test),
		prices:   newStubPrices(),
		clock:    newTestClock(),
		notifier: &recordingNotifier{},
		observer: &recordingObserver{},
		logger:   &recorderLogger{},
		eventID:  mustEventID(test, eventIDValue),
	}
	sequence := 0
	allOptions := []ServiceOption{
		WithNotifier(testFixture.notifier),
		WithReservationObserver(testFixture.observer),
		WithOperationLogger(testFixture.logger),
		WithIDGenerator(func() string {
			sequence++
			return fmt.Sprintf("res-%d", sequence)
		}),
	}
	allOptions = append(allOptions, options...)
	testFixture.service = mustNewService(test, testFixture.store, testFixture.prices, testFixture.clock.Now, allOptions...)
	if _, err := testFixture.service.InitializeSeatMap(context.Background(), testFixture.eventID, mustSeatIDs(test, seatAValue, seatBValue, seatCValue)); err != nil {
		test.Fatalf("initialize seat map: %v", err)
	}
	return testFixture
}

func mustNewService(test *testing.T, store Store, prices PriceLookup, now func() time.Time, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, prices, now, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustEventID(test *testing.T, raw string) EventID {
	test.Helper()
	eventID, err := NewEventID(raw)
	if err != nil {
		test.Fatalf("event id: %v", err)
	}
	return eventID
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustSeatID(test *testing.T, raw string) SeatID {
	test.Helper()
	seatID, err := NewSeatID(raw)
	if err != nil {
		test.Fatalf("seat id: %v", err)
	}
	return seatID
}

func mustSeatIDs(test *testing.T, raw ...string) []SeatID {
	test.Helper()
	seatIDs, err := NewSeatIDs(raw)
	if err != nil {
		test.Fatalf("seat ids: %v", err)
	}
	return seatIDs
}

func mustPaymentReference(test *testing.T, raw string) PaymentReference {
	test.Helper()
	reference, err := NewPaymentReference(raw)
	if err != nil {
		test.Fatalf("payment reference: %v", err)
	}
	return reference
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	metadata, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return metadata
}

func mustClaim(test *testing.T, testFixture *fixture, user string, seats ...string) Reservation {
	test.Helper()
	reservation, err := testFixture.service.Claim(context.Background(), testFixture.eventID, mustUserID(test, user), mustSeatIDs(test, seats...))
	if err != nil {
		test.Fatalf("claim %v by %s: %v", seats, user, err)
	}
	return reservation
}

func assertSeat(test *testing.T, testFixture *fixture, seat string, status SeatStatus, holder string) {
	test.Helper()
	state := testFixture.store.seat(test, testFixture.eventID, mustSeatID(test, seat))
	if state.Status != status {
		test.Fatalf("seat %s: "+errorMismatchMessage, seat, status, state.Status)
	}
	if state.HolderID.String() != holder {
		test.Fatalf("seat %s holder: "+errorMismatchMessage, seat, holder, state.HolderID)
	}
	if status != SeatStatusHeld && (!state.HeldAt.IsZero() || !state.ExpiresAt.IsZero()) {
		test.Fatalf("seat %s keeps hold timestamps after leaving held: %+v", seat, state)
	}
}

func assertRejected(test *testing.T, err error, reason error, seats ...string) {
	test.Helper()
	if !errors.Is(err, reason) {
		test.Fatalf(errorMismatchMessage, reason, err)
	}
	var rejection RejectionError
	if !errors.As(err, &rejection) {
		test.Fatalf("expected RejectionError, got %T", err)
	}
	if len(seats) == 0 {
		return
	}
	got := make([]string, 0, len(rejection.SeatIDs))
	for _, seatID := range rejection.SeatIDs {
		got = append(got, seatID.String())
	}
	if fmt.Sprint(got) != fmt.Sprint(seats) {
		test.Fatalf("conflicting seats: "+errorMismatchMessage, seats, got)
	}
}
