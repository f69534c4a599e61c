package httpapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/MarkoPoloResearchLab/seathold/internal/pricing"
	"github.com/MarkoPoloResearchLab/seathold/pkg/seating"
	"github.com/gin-gonic/gin"
)

func (handler *httpHandler) handleSeatMap(ctx *gin.Context) {
	viewer, ok := sessionUser(ctx)
	if !ok {
		return
	}
	eventID, err := seating.NewEventID(ctx.Param("eventID"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	views, err := handler.service.SeatMap(requestCtx, eventID, viewer)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"event_id": eventID.String(), "seats": newSeatPayloads(views)})
}

func (handler *httpHandler) handleSeedSeats(ctx *gin.Context) {
	eventID, err := seating.NewEventID(ctx.Param("eventID"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	var request seedRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "expected JSON body", nil))
		return
	}
	entries := make([]pricing.Entry, 0, len(request.Seats))
	seatIDs := make([]seating.SeatID, 0, len(request.Seats))
	seen := make(map[seating.SeatID]struct{}, len(request.Seats))
	for _, seat := range request.Seats {
		seatID, err := seating.NewSeatID(seat.SeatID)
		if err != nil {
			handler.respondError(ctx, err)
			return
		}
		if _, duplicate := seen[seatID]; duplicate {
			handler.respondError(ctx, fmt.Errorf("%w: %s", seating.ErrDuplicateSeat, seatID))
			return
		}
		seen[seatID] = struct{}{}
		entries = append(entries, pricing.Entry{SeatID: seatID, Price: seat.Price})
		seatIDs = append(seatIDs, seatID)
	}
	if len(seatIDs) == 0 {
		handler.respondError(ctx, seating.ErrEmptySeatSelection)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	if err := handler.catalog.Upsert(requestCtx, eventID, entries); err != nil {
		handler.respondError(ctx, err)
		return
	}
	created, err := handler.service.InitializeSeatMap(requestCtx, eventID, seatIDs)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"event_id": eventID.String(), "created": created, "priced": len(entries)})
}

func (handler *httpHandler) handleClaim(ctx *gin.Context) {
	userID, ok := sessionUser(ctx)
	if !ok {
		return
	}
	eventID, err := seating.NewEventID(ctx.Param("eventID"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	var request claimRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "expected JSON body", nil))
		return
	}
	seatIDs, err := seating.NewSeatIDs(request.SeatIDs)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	reservation, err := handler.service.Claim(requestCtx, eventID, userID, seatIDs)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"reservation": newReservationPayload(reservation)})
}

func (handler *httpHandler) handleRelease(ctx *gin.Context) {
	userID, ok := sessionUser(ctx)
	if !ok {
		return
	}
	eventID, err := seating.NewEventID(ctx.Param("eventID"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	seatID, err := seating.NewSeatID(ctx.Param("seatID"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	reservation, err := handler.service.Release(requestCtx, eventID, userID, seatID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"reservation": newReservationPayload(reservation)})
}

func (handler *httpHandler) handlePendingReservation(ctx *gin.Context) {
	userID, ok := sessionUser(ctx)
	if !ok {
		return
	}
	eventID, err := seating.NewEventID(ctx.Param("eventID"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	reservation, err := handler.service.PendingReservation(requestCtx, eventID, userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"reservation": newReservationPayload(reservation)})
}

func (handler *httpHandler) handleListReservations(ctx *gin.Context) {
	userID, ok := sessionUser(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	reservations, err := handler.service.ListReservations(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payloads := make([]*reservationPayload, 0, len(reservations))
	for _, reservation := range reservations {
		payloads = append(payloads, newReservationPayload(reservation))
	}
	ctx.JSON(http.StatusOK, gin.H{"reservations": payloads})
}

func (handler *httpHandler) handleGetReservation(ctx *gin.Context) {
	userID, reservationID, ok := handler.reservationTarget(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	reservation, err := handler.service.Reservation(requestCtx, reservationID, userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"reservation": newReservationPayload(reservation)})
}

func (handler *httpHandler) handleCancel(ctx *gin.Context) {
	userID, reservationID, ok := handler.reservationTarget(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	reservation, err := handler.service.Cancel(requestCtx, reservationID, userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"reservation": newReservationPayload(reservation)})
}

// handleFinalize is called by the payment collaborator once funds are captured.
// The reservation owner comes from the body, not from the caller's session.
func (handler *httpHandler) handleFinalize(ctx *gin.Context) {
	reservationID, err := seating.NewReservationID(ctx.Param("reservationID"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	var request finalizeRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "expected JSON body", nil))
		return
	}
	userID, err := seating.NewUserID(request.UserID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payment, err := seating.NewPaymentReference(request.PaymentReference)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	metadata, err := seating.NewMetadataJSON(string(request.Metadata))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	reservation, err := handler.service.Finalize(requestCtx, reservationID, userID, payment, metadata)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"reservation": newReservationPayload(reservation)})
}

func (handler *httpHandler) reservationTarget(ctx *gin.Context) (seating.UserID, seating.ReservationID, bool) {
	userID, ok := sessionUser(ctx)
	if !ok {
		return seating.UserID{}, seating.ReservationID{}, false
	}
	reservationID, err := seating.NewReservationID(ctx.Param("reservationID"))
	if err != nil {
		handler.respondError(ctx, err)
		return seating.UserID{}, seating.ReservationID{}, false
	}
	return userID, reservationID, true
}
