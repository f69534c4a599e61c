package httpapi

import (
	"errors"
	"net/http"

	"github.com/MarkoPoloResearchLab/seathold/internal/pricing"
	"github.com/MarkoPoloResearchLab/seathold/pkg/seating"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	errorCodeUnauthorized        = "unauthorized"
	errorCodeForbidden           = "forbidden"
	errorCodeInvalidPayload      = "invalid_payload"
	errorCodeInvalidRequest      = "invalid_request"
	errorCodeSeatUnavailable     = "seat_unavailable"
	errorCodeSeatNotFound        = "seat_not_found"
	errorCodePriceUnavailable    = "price_unavailable"
	errorCodeReservationNotFound = "reservation_not_found"
	errorCodeReservationClosed   = "reservation_closed"
	errorCodeReservationExpired  = "reservation_expired"
	errorCodeNotOwner            = "not_owner"
	errorCodeInternal            = "internal_error"
	errorCodeStreamUnavailable   = "stream_unavailable"
)

type errorMapping struct {
	target error
	status int
	code   string
}

// Ordered: a rejection wraps its reason, so reasons are matched before the
// validation errors they may also wrap.
var errorMappings = []errorMapping{
	{target: seating.ErrNotOwner, status: http.StatusForbidden, code: errorCodeNotOwner},
	{target: seating.ErrSeatUnavailable, status: http.StatusConflict, code: errorCodeSeatUnavailable},
	{target: seating.ErrPriceUnavailable, status: http.StatusConflict, code: errorCodePriceUnavailable},
	{target: seating.ErrReservationClosed, status: http.StatusConflict, code: errorCodeReservationClosed},
	{target: seating.ErrReservationExpired, status: http.StatusGone, code: errorCodeReservationExpired},
	{target: seating.ErrSeatNotFound, status: http.StatusNotFound, code: errorCodeSeatNotFound},
	{target: seating.ErrReservationNotFound, status: http.StatusNotFound, code: errorCodeReservationNotFound},
	{target: seating.ErrEmptySeatSelection, status: http.StatusBadRequest, code: errorCodeInvalidRequest},
	{target: seating.ErrDuplicateSeat, status: http.StatusBadRequest, code: errorCodeInvalidRequest},
	{target: seating.ErrInvalidEventID, status: http.StatusBadRequest, code: errorCodeInvalidRequest},
	{target: seating.ErrInvalidSeatID, status: http.StatusBadRequest, code: errorCodeInvalidRequest},
	{target: seating.ErrInvalidUserID, status: http.StatusBadRequest, code: errorCodeInvalidRequest},
	{target: seating.ErrInvalidReservationID, status: http.StatusBadRequest, code: errorCodeInvalidRequest},
	{target: seating.ErrInvalidPaymentReference, status: http.StatusBadRequest, code: errorCodeInvalidRequest},
	{target: seating.ErrInvalidMetadataJSON, status: http.StatusBadRequest, code: errorCodeInvalidRequest},
	{target: pricing.ErrInvalidPrice, status: http.StatusBadRequest, code: errorCodeInvalidRequest},
}

// respondError writes the mapped status and error envelope. Unmapped errors are
// logged and reported as 500 without detail.
func (handler *httpHandler) respondError(ctx *gin.Context, err error) {
	for _, mapping := range errorMappings {
		if errors.Is(err, mapping.target) {
			ctx.JSON(mapping.status, errorResponse(mapping.code, err.Error(), seating.ConflictingSeats(err)))
			return
		}
	}
	handler.logger.Error("request failed",
		zap.String("method", ctx.Request.Method),
		zap.String("path", ctx.FullPath()),
		zap.Error(err),
	)
	ctx.JSON(http.StatusInternalServerError, errorResponse(errorCodeInternal, "internal error", nil))
}

func errorResponse(code string, message string, seatIDs []seating.SeatID) gin.H {
	body := gin.H{
		"code":    code,
		"message": message,
	}
	if len(seatIDs) > 0 {
		body["seat_ids"] = seatIDStrings(seatIDs)
	}
	return gin.H{"error": body}
}

func seatIDStrings(seatIDs []seating.SeatID) []string {
	values := make([]string, 0, len(seatIDs))
	for _, seatID := range seatIDs {
		values = append(values, seatID.String())
	}
	return values
}
