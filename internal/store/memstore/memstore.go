// Package memstore keeps seat and reservation state in process memory.
// Transactions lock exactly the keys named by their scope and buffer writes
// until commit, so a failed transaction leaves nothing behind.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/seathold/pkg/seating"
	"github.com/cespare/xxhash/v2"
)

const (
	seatShardCount            = 32
	errorOperationStore       = "store"
	errorSubjectSeat          = "seat"
	errorSubjectReservation   = "reservation"
	errorSubjectTransaction   = "transaction"
	errorCodeCompareAndSet    = "compare_and_set"
	errorCodeCreate           = "create"
	errorCodeGet              = "get"
	errorCodeInvalid          = "invalid"
	errorCodeLock             = "lock"
	errorCodeSave             = "save"
	scopeKeyReservationPrefix = "r|"
	scopeKeySeatPrefix        = "s|"
)

type seatKey struct {
	eventID string
	seatID  string
}

type pendingKey struct {
	eventID string
	userID  string
}

type seatShard struct {
	mu    sync.RWMutex
	seats map[seatKey]seating.SeatState
}

type state struct {
	// snapshot is held for writing across a whole commit and for reading by
	// multi-key readers, so they never see a transaction half applied.
	snapshot     sync.RWMutex
	seatShards   [seatShardCount]seatShard
	mu           sync.RWMutex
	reservations map[seating.ReservationID]seating.Reservation
	pending      map[pendingKey]seating.ReservationID
}

// overlay buffers the writes of one transaction. A zero pending id marks a removed index entry.
type overlay struct {
	seats        map[seatKey]seating.SeatState
	reservations map[seating.ReservationID]seating.Reservation
	pending      map[pendingKey]seating.ReservationID
}

// Store implements seating.Store in memory.
type Store struct {
	locks *keyLocks
	state *state
	tx    *overlay
}

// New returns an empty Store.
func New() *Store {
	data := &state{
		reservations: make(map[seating.ReservationID]seating.Reservation),
		pending:      make(map[pendingKey]seating.ReservationID),
	}
	for index := range data.seatShards {
		data.seatShards[index].seats = make(map[seatKey]seating.SeatState)
	}
	return &Store{locks: newKeyLocks(), state: data}
}

// Ping always succeeds.
func (store *Store) Ping(context.Context) error {
	return nil
}

// WithTx runs fn with the scope's keys locked. Writes become visible only when fn
// returns nil. Nested calls join the outer transaction.
func (store *Store) WithTx(ctx context.Context, scope seating.TxScope, fn func(ctx context.Context, txStore seating.Store) error) error {
	if store.tx != nil {
		return fn(ctx, store)
	}
	release, err := store.locks.acquire(ctx, scopeKeys(scope))
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeLock, err)
	}
	defer release()
	transaction := &Store{
		locks: store.locks,
		state: store.state,
		tx: &overlay{
			seats:        make(map[seatKey]seating.SeatState),
			reservations: make(map[seating.ReservationID]seating.Reservation),
			pending:      make(map[pendingKey]seating.ReservationID),
		},
	}
	if err := fn(ctx, transaction); err != nil {
		return err
	}
	store.state.commit(transaction.tx)
	return nil
}

func scopeKeys(scope seating.TxScope) []string {
	keys := make([]string, 0, len(scope.UserIDs)+len(scope.SeatIDs))
	for _, userID := range scope.UserIDs {
		keys = append(keys, scopeKeyReservationPrefix+scope.EventID.String()+"|"+userID.String())
	}
	for _, seatID := range scope.SeatIDs {
		keys = append(keys, scopeKeySeatPrefix+scope.EventID.String()+"|"+seatID.String())
	}
	return keys
}

func (data *state) seatShard(key seatKey) *seatShard {
	return &data.seatShards[xxhash.Sum64String(key.eventID+"|"+key.seatID)%seatShardCount]
}

func (data *state) commit(changes *overlay) {
	data.snapshot.Lock()
	defer data.snapshot.Unlock()
	for key, seat := range changes.seats {
		shard := data.seatShard(key)
		shard.mu.Lock()
		shard.seats[key] = seat
		shard.mu.Unlock()
	}
	if len(changes.reservations) == 0 && len(changes.pending) == 0 {
		return
	}
	data.mu.Lock()
	defer data.mu.Unlock()
	for id, reservation := range changes.reservations {
		data.reservations[id] = reservation
	}
	for key, id := range changes.pending {
		if id.IsZero() {
			delete(data.pending, key)
			continue
		}
		data.pending[key] = id
	}
}

func newSeatKey(eventID seating.EventID, seatID seating.SeatID) seatKey {
	return seatKey{eventID: eventID.String(), seatID: seatID.String()}
}

func newPendingKey(eventID seating.EventID, userID seating.UserID) pendingKey {
	return pendingKey{eventID: eventID.String(), userID: userID.String()}
}

func (store *Store) readSeat(key seatKey) (seating.SeatState, bool) {
	if store.tx != nil {
		if seat, ok := store.tx.seats[key]; ok {
			return seat, true
		}
	}
	shard := store.state.seatShard(key)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	seat, ok := shard.seats[key]
	return seat, ok
}

// InitializeSeats inserts a free record for each seat that has none.
func (store *Store) InitializeSeats(_ context.Context, eventID seating.EventID, seatIDs []seating.SeatID) (int, error) {
	created := 0
	for _, seatID := range seatIDs {
		key := newSeatKey(eventID, seatID)
		if store.tx != nil {
			if _, exists := store.readSeat(key); exists {
				continue
			}
			store.tx.seats[key] = seating.NewFreeSeat(eventID, seatID)
			created++
			continue
		}
		shard := store.state.seatShard(key)
		shard.mu.Lock()
		if _, exists := shard.seats[key]; !exists {
			shard.seats[key] = seating.NewFreeSeat(eventID, seatID)
			created++
		}
		shard.mu.Unlock()
	}
	return created, nil
}

// GetSeat returns a seat or seating.ErrSeatNotFound.
func (store *Store) GetSeat(_ context.Context, eventID seating.EventID, seatID seating.SeatID) (seating.SeatState, error) {
	seat, ok := store.readSeat(newSeatKey(eventID, seatID))
	if !ok {
		return seating.SeatState{}, wrapStoreError(errorSubjectSeat, errorCodeGet, seating.ErrSeatNotFound)
	}
	return seat, nil
}

// ListSeats returns every seat of an event ordered by seat id.
func (store *Store) ListSeats(_ context.Context, eventID seating.EventID) ([]seating.SeatState, error) {
	merged := make(map[seatKey]seating.SeatState)
	store.state.snapshot.RLock()
	for index := range store.state.seatShards {
		shard := &store.state.seatShards[index]
		shard.mu.RLock()
		for key, seat := range shard.seats {
			if key.eventID == eventID.String() {
				merged[key] = seat
			}
		}
		shard.mu.RUnlock()
	}
	store.state.snapshot.RUnlock()
	if store.tx != nil {
		for key, seat := range store.tx.seats {
			if key.eventID == eventID.String() {
				merged[key] = seat
			}
		}
	}
	seats := make([]seating.SeatState, 0, len(merged))
	for _, seat := range merged {
		seats = append(seats, seat)
	}
	sort.Slice(seats, func(left, right int) bool {
		return seats[left].SeatID.String() < seats[right].SeatID.String()
	})
	return seats, nil
}

// CompareAndSetSeat replaces a seat only while it still matches expected.
func (store *Store) CompareAndSetSeat(_ context.Context, expected seating.SeatExpectation, next seating.SeatState) error {
	if next.EventID != expected.EventID || next.SeatID != expected.SeatID {
		return wrapStoreError(errorSubjectSeat, errorCodeInvalid, fmt.Errorf("%w: seat key mismatch", seating.ErrInvalidStoreOperation))
	}
	key := newSeatKey(expected.EventID, expected.SeatID)
	if store.tx != nil {
		current, ok := store.readSeat(key)
		if !ok {
			return wrapStoreError(errorSubjectSeat, errorCodeCompareAndSet, seating.ErrSeatNotFound)
		}
		if !expected.Matches(current) {
			return wrapStoreError(errorSubjectSeat, errorCodeCompareAndSet, seating.ErrSeatConflict)
		}
		store.tx.seats[key] = next
		return nil
	}
	shard := store.state.seatShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	current, ok := shard.seats[key]
	if !ok {
		return wrapStoreError(errorSubjectSeat, errorCodeCompareAndSet, seating.ErrSeatNotFound)
	}
	if !expected.Matches(current) {
		return wrapStoreError(errorSubjectSeat, errorCodeCompareAndSet, seating.ErrSeatConflict)
	}
	shard.seats[key] = next
	return nil
}

func (store *Store) readReservation(id seating.ReservationID) (seating.Reservation, bool) {
	if store.tx != nil {
		if reservation, ok := store.tx.reservations[id]; ok {
			return reservation, true
		}
	}
	store.state.mu.RLock()
	defer store.state.mu.RUnlock()
	reservation, ok := store.state.reservations[id]
	return reservation, ok
}

func (store *Store) readPending(key pendingKey) (seating.ReservationID, bool) {
	if store.tx != nil {
		if id, ok := store.tx.pending[key]; ok {
			return id, !id.IsZero()
		}
	}
	store.state.mu.RLock()
	defer store.state.mu.RUnlock()
	id, ok := store.state.pending[key]
	return id, ok
}

func (store *Store) writeReservation(reservation seating.Reservation, pendingUpdate func(index map[pendingKey]seating.ReservationID)) {
	if store.tx != nil {
		store.tx.reservations[reservation.ID] = reservation
		pendingUpdate(store.tx.pending)
		return
	}
	store.state.mu.Lock()
	defer store.state.mu.Unlock()
	store.state.reservations[reservation.ID] = reservation
	pendingUpdate(store.state.pending)
}

// CreateReservation stores a new reservation. A second pending reservation for the
// same user and event fails with seating.ErrReservationExists.
func (store *Store) CreateReservation(_ context.Context, reservation seating.Reservation) error {
	if err := reservation.Validate(); err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	if _, exists := store.readReservation(reservation.ID); exists {
		return wrapStoreError(errorSubjectReservation, errorCodeCreate, seating.ErrReservationExists)
	}
	key := newPendingKey(reservation.EventID, reservation.UserID)
	if reservation.Status == seating.ReservationStatusPending {
		if _, exists := store.readPending(key); exists {
			return wrapStoreError(errorSubjectReservation, errorCodeCreate, seating.ErrReservationExists)
		}
	}
	stored := reservation.Clone()
	store.writeReservation(stored, func(index map[pendingKey]seating.ReservationID) {
		if stored.Status == seating.ReservationStatusPending {
			index[key] = stored.ID
		}
	})
	return nil
}

// GetReservation returns a reservation or seating.ErrReservationNotFound.
func (store *Store) GetReservation(_ context.Context, reservationID seating.ReservationID) (seating.Reservation, error) {
	reservation, ok := store.readReservation(reservationID)
	if !ok {
		return seating.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, seating.ErrReservationNotFound)
	}
	return reservation.Clone(), nil
}

// FindPendingReservation returns the pending reservation of a user for an event.
func (store *Store) FindPendingReservation(_ context.Context, eventID seating.EventID, userID seating.UserID) (seating.Reservation, error) {
	store.state.snapshot.RLock()
	defer store.state.snapshot.RUnlock()
	id, ok := store.readPending(newPendingKey(eventID, userID))
	if !ok {
		return seating.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, seating.ErrReservationNotFound)
	}
	reservation, ok := store.readReservation(id)
	if !ok {
		return seating.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, seating.ErrReservationNotFound)
	}
	return reservation.Clone(), nil
}

// SaveReservation replaces a reservation whose status still equals from.
func (store *Store) SaveReservation(_ context.Context, from seating.ReservationStatus, next seating.Reservation) error {
	if err := next.Validate(); err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	current, ok := store.readReservation(next.ID)
	if !ok {
		return wrapStoreError(errorSubjectReservation, errorCodeSave, seating.ErrReservationNotFound)
	}
	if current.UserID != next.UserID || current.EventID != next.EventID {
		return wrapStoreError(errorSubjectReservation, errorCodeInvalid, fmt.Errorf("%w: owner or event changed", seating.ErrInvalidStoreOperation))
	}
	if current.Status != from {
		return wrapStoreError(errorSubjectReservation, errorCodeSave, seating.ErrReservationConflict)
	}
	key := newPendingKey(next.EventID, next.UserID)
	stored := next.Clone()
	store.writeReservation(stored, func(index map[pendingKey]seating.ReservationID) {
		if from == seating.ReservationStatusPending && stored.Status != seating.ReservationStatusPending {
			if store.tx != nil {
				index[key] = seating.ReservationID{}
				return
			}
			delete(index, key)
		}
	})
	return nil
}

func (store *Store) mergedReservations(keep func(seating.Reservation) bool) []seating.Reservation {
	merged := make(map[seating.ReservationID]seating.Reservation)
	store.state.snapshot.RLock()
	store.state.mu.RLock()
	for id, reservation := range store.state.reservations {
		merged[id] = reservation
	}
	store.state.mu.RUnlock()
	store.state.snapshot.RUnlock()
	if store.tx != nil {
		for id, reservation := range store.tx.reservations {
			merged[id] = reservation
		}
	}
	reservations := make([]seating.Reservation, 0, len(merged))
	for _, reservation := range merged {
		if keep(reservation) {
			reservations = append(reservations, reservation.Clone())
		}
	}
	return reservations
}

// ListUserReservations returns a user's reservations, newest first.
func (store *Store) ListUserReservations(_ context.Context, userID seating.UserID) ([]seating.Reservation, error) {
	reservations := store.mergedReservations(func(reservation seating.Reservation) bool {
		return reservation.UserID == userID
	})
	sort.Slice(reservations, func(left, right int) bool {
		if !reservations[left].CreatedAt.Equal(reservations[right].CreatedAt) {
			return reservations[left].CreatedAt.After(reservations[right].CreatedAt)
		}
		return reservations[left].ID.String() < reservations[right].ID.String()
	})
	return reservations, nil
}

// ListExpiredReservations returns up to limit pending reservations whose deadline is at or before now.
func (store *Store) ListExpiredReservations(_ context.Context, now time.Time, limit int) ([]seating.Reservation, error) {
	reservations := store.mergedReservations(func(reservation seating.Reservation) bool {
		return reservation.Expired(now)
	})
	sort.Slice(reservations, func(left, right int) bool {
		if !reservations[left].ExpiresAt.Equal(reservations[right].ExpiresAt) {
			return reservations[left].ExpiresAt.Before(reservations[right].ExpiresAt)
		}
		return reservations[left].ID.String() < reservations[right].ID.String()
	})
	if limit > 0 && len(reservations) > limit {
		reservations = reservations[:limit]
	}
	return reservations, nil
}

// PurgeSupersededReservations deletes canceled reservations that were replaced before the cutoff.
func (store *Store) PurgeSupersededReservations(_ context.Context, before time.Time) (int64, error) {
	store.state.mu.Lock()
	defer store.state.mu.Unlock()
	var purged int64
	for id, reservation := range store.state.reservations {
		if reservation.Status == seating.ReservationStatusCanceled && !reservation.ReplacedBy.IsZero() && reservation.ClosedAt.Before(before) {
			delete(store.state.reservations, id)
			purged++
		}
	}
	return purged, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return seating.WrapError(errorOperationStore, subject, code, err)
}
