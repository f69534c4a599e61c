package gormstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/MarkoPoloResearchLab/seathold/pkg/seating"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	pgUniqueViolationCode   = "23505"
	mysqlDuplicateEntryCode = 1062
	sqliteConstraintCode    = 19
	pendingKeySeparator     = "|"
	errorOperationStore     = "store"
	errorSubjectSeat        = "seat"
	errorSubjectReservation = "reservation"
	errorSubjectTransaction = "transaction"
	errorCodeCompareAndSet  = "compare_and_set"
	errorCodeCreate         = "create"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInitialize     = "initialize"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeLock           = "lock"
	errorCodePing           = "ping"
	errorCodePurge          = "purge"
	errorCodeSave           = "save"
	columnStatus            = "status"
	columnHolderID          = "holder_id"
	columnHeldAt            = "held_at"
	columnExpiresAt         = "expires_at"
	columnUpdatedAt         = "updated_at"
	columnPendingKey        = "pending_key"
	columnPaymentReference  = "payment_reference"
	columnPaymentMetadata   = "payment_metadata"
	columnReplacedBy        = "replaced_by"
	columnClosedAt          = "closed_at"
	orderReservationSeats   = "position"
	preloadReservationSeats = "Seats"
)

// Store implements seating.Store using GORM.
type Store struct {
	db   *gorm.DB
	inTx bool
}

// New returns a Store backed by gorm.DB.
// On sqlite the pool must be limited to one open connection: concurrent
// transactions otherwise fail with SQLITE_BUSY instead of waiting.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Ping checks database connectivity.
func (store *Store) Ping(ctx context.Context) error {
	sqlDB, err := store.db.DB()
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodePing, err)
	}
	return wrapStoreError(errorSubjectTransaction, errorCodePing, sqlDB.PingContext(ctx))
}

// WithTx executes fn within a transaction. The scope's seat rows are locked in
// seat order before fn runs; drivers without row locks serialize the transaction instead.
func (store *Store) WithTx(ctx context.Context, scope seating.TxScope, fn func(ctx context.Context, txStore seating.Store) error) error {
	if store.inTx {
		return fn(ctx, store)
	}
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if err := lockSeats(transaction, scope); err != nil {
			return err
		}
		return fn(ctx, &Store{db: transaction, inTx: true})
	})
}

func lockSeats(transaction *gorm.DB, scope seating.TxScope) error {
	if len(scope.SeatIDs) == 0 {
		return nil
	}
	seatIDs := make([]string, 0, len(scope.SeatIDs))
	for _, seatID := range scope.SeatIDs {
		seatIDs = append(seatIDs, seatID.String())
	}
	sort.Strings(seatIDs)
	var locked []EventSeat
	err := transaction.
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("event_id = ? AND seat_id IN ?", scope.EventID.String(), seatIDs).
		Order("seat_id").
		Find(&locked).Error
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeLock, err)
	}
	return nil
}

// InitializeSeats inserts a free row for each seat that has none.
func (store *Store) InitializeSeats(ctx context.Context, eventID seating.EventID, seatIDs []seating.SeatID) (int, error) {
	if len(seatIDs) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()
	rows := make([]EventSeat, 0, len(seatIDs))
	for _, seatID := range seatIDs {
		rows = append(rows, EventSeat{
			EventID:   eventID.String(),
			SeatID:    seatID.String(),
			Status:    seating.SeatStatusFree.String(),
			UpdatedAt: now,
		})
	}
	result := store.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rows)
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectSeat, errorCodeInitialize, result.Error)
	}
	return int(result.RowsAffected), nil
}

// GetSeat returns a seat or seating.ErrSeatNotFound.
func (store *Store) GetSeat(ctx context.Context, eventID seating.EventID, seatID seating.SeatID) (seating.SeatState, error) {
	var row EventSeat
	err := store.db.WithContext(ctx).
		Where("event_id = ? AND seat_id = ?", eventID.String(), seatID.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return seating.SeatState{}, wrapStoreError(errorSubjectSeat, errorCodeGet, seating.ErrSeatNotFound)
	}
	if err != nil {
		return seating.SeatState{}, wrapStoreError(errorSubjectSeat, errorCodeGet, err)
	}
	seat, err := mapEventSeat(row)
	if err != nil {
		return seating.SeatState{}, wrapStoreError(errorSubjectSeat, errorCodeInvalid, err)
	}
	return seat, nil
}

// ListSeats returns every seat of an event ordered by seat id.
func (store *Store) ListSeats(ctx context.Context, eventID seating.EventID) ([]seating.SeatState, error) {
	var rows []EventSeat
	err := store.db.WithContext(ctx).
		Where("event_id = ?", eventID.String()).
		Order("seat_id").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectSeat, errorCodeList, err)
	}
	seats := make([]seating.SeatState, 0, len(rows))
	for _, row := range rows {
		seat, err := mapEventSeat(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectSeat, errorCodeInvalid, err)
		}
		seats = append(seats, seat)
	}
	return seats, nil
}

// CompareAndSetSeat is a conditional UPDATE guarded by the expected status and holder.
func (store *Store) CompareAndSetSeat(ctx context.Context, expected seating.SeatExpectation, next seating.SeatState) error {
	if next.EventID != expected.EventID || next.SeatID != expected.SeatID {
		return wrapStoreError(errorSubjectSeat, errorCodeInvalid, fmt.Errorf("%w: seat key mismatch", seating.ErrInvalidStoreOperation))
	}
	query := store.db.WithContext(ctx).
		Model(&EventSeat{}).
		Where("event_id = ? AND seat_id = ? AND status = ?", expected.EventID.String(), expected.SeatID.String(), expected.Status.String())
	if expected.HolderID.IsZero() {
		query = query.Where("holder_id IS NULL")
	} else {
		query = query.Where("holder_id = ?", expected.HolderID.String())
	}
	result := query.Updates(map[string]any{
		columnStatus:    next.Status.String(),
		columnHolderID:  nullableString(next.HolderID.String()),
		columnHeldAt:    nullableTime(next.HeldAt),
		columnExpiresAt: nullableTime(next.ExpiresAt),
		columnUpdatedAt: time.Now().UTC(),
	})
	if result.Error != nil {
		return wrapStoreError(errorSubjectSeat, errorCodeCompareAndSet, result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}
	if _, err := store.GetSeat(ctx, expected.EventID, expected.SeatID); err != nil {
		return err
	}
	return wrapStoreError(errorSubjectSeat, errorCodeCompareAndSet, seating.ErrSeatConflict)
}

// CreateReservation inserts a reservation with its seat list.
func (store *Store) CreateReservation(ctx context.Context, reservation seating.Reservation) error {
	if err := reservation.Validate(); err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	model := newReservationModel(reservation)
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectReservation, errorCodeDuplicate, seating.ErrReservationExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeCreate, err)
	}
	return nil
}

// GetReservation returns a reservation or seating.ErrReservationNotFound.
func (store *Store) GetReservation(ctx context.Context, reservationID seating.ReservationID) (seating.Reservation, error) {
	return store.takeReservation(ctx, "reservation_id = ?", reservationID.String())
}

// FindPendingReservation returns the pending reservation of a user for an event.
func (store *Store) FindPendingReservation(ctx context.Context, eventID seating.EventID, userID seating.UserID) (seating.Reservation, error) {
	return store.takeReservation(ctx, "pending_key = ?", pendingKey(eventID, userID))
}

func (store *Store) takeReservation(ctx context.Context, condition string, value string) (seating.Reservation, error) {
	var model Reservation
	err := store.db.WithContext(ctx).
		Preload(preloadReservationSeats, orderedSeats).
		Where(condition, value).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return seating.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, seating.ErrReservationNotFound)
	}
	if err != nil {
		return seating.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, err)
	}
	reservation, err := mapReservation(model)
	if err != nil {
		return seating.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	return reservation, nil
}

// SaveReservation updates the mutable columns of a reservation whose status still equals from.
// The seat list is never rewritten.
func (store *Store) SaveReservation(ctx context.Context, from seating.ReservationStatus, next seating.Reservation) error {
	if err := next.Validate(); err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	model := newReservationModel(next)
	result := store.db.WithContext(ctx).
		Model(&Reservation{}).
		Where("reservation_id = ? AND status = ? AND user_id = ? AND event_id = ?", next.ID.String(), from.String(), next.UserID.String(), next.EventID.String()).
		Updates(map[string]any{
			columnStatus:           model.Status,
			columnPendingKey:       model.PendingKey,
			columnPaymentReference: model.PaymentReference,
			columnPaymentMetadata:  model.PaymentMetadata,
			columnReplacedBy:       model.ReplacedBy,
			columnExpiresAt:        model.ExpiresAt,
			columnClosedAt:         model.ClosedAt,
		})
	if isUniqueViolation(result.Error) {
		return wrapStoreError(errorSubjectReservation, errorCodeDuplicate, seating.ErrReservationExists)
	}
	if result.Error != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeSave, result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}
	current, err := store.GetReservation(ctx, next.ID)
	if err != nil {
		return err
	}
	if current.UserID != next.UserID || current.EventID != next.EventID {
		return wrapStoreError(errorSubjectReservation, errorCodeInvalid, fmt.Errorf("%w: owner or event changed", seating.ErrInvalidStoreOperation))
	}
	return wrapStoreError(errorSubjectReservation, errorCodeSave, seating.ErrReservationConflict)
}

// ListUserReservations returns a user's reservations, newest first.
func (store *Store) ListUserReservations(ctx context.Context, userID seating.UserID) ([]seating.Reservation, error) {
	var models []Reservation
	err := store.db.WithContext(ctx).
		Preload(preloadReservationSeats, orderedSeats).
		Where("user_id = ?", userID.String()).
		Order("created_at DESC").
		Order("reservation_id").
		Find(&models).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectReservation, errorCodeList, err)
	}
	return mapReservations(models)
}

// ListExpiredReservations returns up to limit pending reservations whose deadline is at or before now.
func (store *Store) ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]seating.Reservation, error) {
	var models []Reservation
	err := store.db.WithContext(ctx).
		Preload(preloadReservationSeats, orderedSeats).
		Where("status = ? AND expires_at <= ?", seating.ReservationStatusPending.String(), now.UTC()).
		Order("expires_at").
		Order("reservation_id").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectReservation, errorCodeList, err)
	}
	return mapReservations(models)
}

// PurgeSupersededReservations deletes canceled reservations that were replaced before the cutoff.
func (store *Store) PurgeSupersededReservations(ctx context.Context, before time.Time) (int64, error) {
	var purged int64
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var reservationIDs []string
		err := transaction.
			Model(&Reservation{}).
			Where("status = ? AND replaced_by IS NOT NULL AND closed_at < ?", seating.ReservationStatusCanceled.String(), before.UTC()).
			Pluck("reservation_id", &reservationIDs).Error
		if err != nil {
			return err
		}
		if len(reservationIDs) == 0 {
			return nil
		}
		if err := transaction.Where("reservation_id IN ?", reservationIDs).Delete(&ReservationSeat{}).Error; err != nil {
			return err
		}
		result := transaction.Where("reservation_id IN ?", reservationIDs).Delete(&Reservation{})
		purged = result.RowsAffected
		return result.Error
	})
	if err != nil {
		return 0, wrapStoreError(errorSubjectReservation, errorCodePurge, err)
	}
	return purged, nil
}

func orderedSeats(db *gorm.DB) *gorm.DB {
	return db.Order(orderReservationSeats)
}

func pendingKey(eventID seating.EventID, userID seating.UserID) string {
	return eventID.String() + pendingKeySeparator + userID.String()
}

func newReservationModel(reservation seating.Reservation) Reservation {
	model := Reservation{
		ReservationID:    reservation.ID.String(),
		UserID:           reservation.UserID.String(),
		EventID:          reservation.EventID.String(),
		Status:           reservation.Status.String(),
		TotalCents:       reservation.TotalCents.Int64(),
		PaymentReference: nullableString(reservation.PaymentReference.String()),
		ReplacedBy:       nullableString(reservation.ReplacedBy.String()),
		CreatedAt:        reservation.CreatedAt.UTC(),
		ExpiresAt:        nullableTime(reservation.ExpiresAt),
		ClosedAt:         nullableTime(reservation.ClosedAt),
	}
	if reservation.Status == seating.ReservationStatusPending {
		key := pendingKey(reservation.EventID, reservation.UserID)
		model.PendingKey = &key
	}
	if !reservation.PaymentReference.IsZero() {
		model.PaymentMetadata = datatypes.JSON(reservation.PaymentMetadata.String())
	}
	for position, seat := range reservation.Seats {
		model.Seats = append(model.Seats, ReservationSeat{
			ReservationID: model.ReservationID,
			Position:      position,
			SeatID:        seat.SeatID.String(),
			PriceCents:    seat.PriceCents.Int64(),
		})
	}
	return model
}

func mapReservations(models []Reservation) ([]seating.Reservation, error) {
	reservations := make([]seating.Reservation, 0, len(models))
	for _, model := range models {
		reservation, err := mapReservation(model)
		if err != nil {
			return nil, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
		}
		reservations = append(reservations, reservation)
	}
	return reservations, nil
}

func mapReservation(model Reservation) (seating.Reservation, error) {
	reservationID, err := seating.NewReservationID(model.ReservationID)
	if err != nil {
		return seating.Reservation{}, err
	}
	userID, err := seating.NewUserID(model.UserID)
	if err != nil {
		return seating.Reservation{}, err
	}
	eventID, err := seating.NewEventID(model.EventID)
	if err != nil {
		return seating.Reservation{}, err
	}
	status, err := seating.ParseReservationStatus(model.Status)
	if err != nil {
		return seating.Reservation{}, err
	}
	reservation := seating.Reservation{
		ID:         reservationID,
		UserID:     userID,
		EventID:    eventID,
		Status:     status,
		CreatedAt:  model.CreatedAt.UTC(),
		ExpiresAt:  timeOrZero(model.ExpiresAt),
		ClosedAt:   timeOrZero(model.ClosedAt),
		TotalCents: seating.AmountCents(model.TotalCents),
	}
	for _, row := range model.Seats {
		seatID, err := seating.NewSeatID(row.SeatID)
		if err != nil {
			return seating.Reservation{}, err
		}
		price, err := seating.NewAmountCents(row.PriceCents)
		if err != nil {
			return seating.Reservation{}, err
		}
		reservation.Seats = append(reservation.Seats, seating.ReservedSeat{SeatID: seatID, PriceCents: price})
	}
	if model.PaymentReference != nil {
		reference, err := seating.NewPaymentReference(*model.PaymentReference)
		if err != nil {
			return seating.Reservation{}, err
		}
		reservation.PaymentReference = reference
	}
	if len(model.PaymentMetadata) > 0 {
		metadata, err := seating.NewMetadataJSON(string(model.PaymentMetadata))
		if err != nil {
			return seating.Reservation{}, err
		}
		reservation.PaymentMetadata = metadata
	}
	if model.ReplacedBy != nil {
		replacedBy, err := seating.NewReservationID(*model.ReplacedBy)
		if err != nil {
			return seating.Reservation{}, err
		}
		reservation.ReplacedBy = replacedBy
	}
	if err := reservation.Validate(); err != nil {
		return seating.Reservation{}, err
	}
	return reservation, nil
}

func mapEventSeat(row EventSeat) (seating.SeatState, error) {
	eventID, err := seating.NewEventID(row.EventID)
	if err != nil {
		return seating.SeatState{}, err
	}
	seatID, err := seating.NewSeatID(row.SeatID)
	if err != nil {
		return seating.SeatState{}, err
	}
	status, err := seating.ParseSeatStatus(row.Status)
	if err != nil {
		return seating.SeatState{}, err
	}
	seat := seating.SeatState{
		EventID:   eventID,
		SeatID:    seatID,
		Status:    status,
		HeldAt:    timeOrZero(row.HeldAt),
		ExpiresAt: timeOrZero(row.ExpiresAt),
	}
	if row.HolderID != nil {
		holderID, err := seating.NewUserID(*row.HolderID)
		if err != nil {
			return seating.SeatState{}, err
		}
		seat.HolderID = holderID
	}
	return seat, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return seating.WrapError(errorOperationStore, subject, code, err)
}

func nullableString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func nullableTime(value time.Time) *time.Time {
	if value.IsZero() {
		return nil
	}
	utc := value.UTC()
	return &utc
}

func timeOrZero(value *time.Time) time.Time {
	if value == nil {
		return time.Time{}
	}
	return value.UTC()
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == mysqlDuplicateEntryCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
