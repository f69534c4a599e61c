package seating

import (
	"errors"
	"fmt"
	"strings"
)

// Domain-level error values returned by the seating service.
var (
	ErrSeatUnavailable          = errors.New("seat unavailable")
	ErrSeatNotFound             = errors.New("seat not found")
	ErrReservationNotFound      = errors.New("reservation not found")
	ErrNotOwner                 = errors.New("not owner")
	ErrReservationClosed        = errors.New("reservation closed")
	ErrReservationExpired       = errors.New("reservation expired")
	ErrPriceUnavailable         = errors.New("price unavailable")
	ErrEmptySeatSelection       = errors.New("empty seat selection")
	ErrDuplicateSeat            = errors.New("duplicate seat")
	ErrInvalidEventID           = errors.New("invalid event id")
	ErrInvalidSeatID            = errors.New("invalid seat id")
	ErrInvalidUserID            = errors.New("invalid user id")
	ErrInvalidReservationID     = errors.New("invalid reservation id")
	ErrInvalidPaymentReference  = errors.New("invalid payment reference")
	ErrInvalidAmountCents       = errors.New("invalid amount cents")
	ErrInvalidMetadataJSON      = errors.New("invalid metadata json")
	ErrInvalidSeatStatus        = errors.New("invalid seat status")
	ErrInvalidReservation       = errors.New("invalid reservation")
	ErrInvalidReservationStatus = errors.New("invalid reservation status")
	ErrInvalidServiceConfig     = errors.New("invalid service config")
	ErrInvalidSweeperConfig     = errors.New("invalid sweeper config")
	ErrInvalidStoreOperation    = errors.New("invalid store operation")
)

// Store-level errors. The service retries these before reporting ErrSeatUnavailable.
var (
	ErrSeatConflict        = errors.New("seat state changed concurrently")
	ErrReservationConflict = errors.New("reservation changed concurrently")
	ErrReservationExists   = errors.New("pending reservation already exists")
)

// RejectionError reports a refused command together with the seats that caused it.
type RejectionError struct {
	Reason  error
	SeatIDs []SeatID
}

// Error returns the formatted rejection message.
func (rejection RejectionError) Error() string {
	if len(rejection.SeatIDs) == 0 {
		return fmt.Sprintf("rejected: %v", rejection.Reason)
	}
	values := make([]string, 0, len(rejection.SeatIDs))
	for _, seatID := range rejection.SeatIDs {
		values = append(values, seatID.String())
	}
	return fmt.Sprintf("rejected: %v: %s", rejection.Reason, strings.Join(values, ","))
}

// Unwrap returns the rejection reason.
func (rejection RejectionError) Unwrap() error {
	return rejection.Reason
}

// ConflictingSeats extracts the seat ids carried by a RejectionError anywhere in the chain.
func ConflictingSeats(err error) []SeatID {
	var rejection RejectionError
	if !errors.As(err, &rejection) {
		return nil
	}
	return append([]SeatID(nil), rejection.SeatIDs...)
}

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}

func isRetryableConflict(err error) bool {
	return errors.Is(err, ErrSeatConflict) || errors.Is(err, ErrReservationConflict) || errors.Is(err, ErrReservationExists)
}
