package httpapi

import (
	"io"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/seathold/pkg/seating"
	"github.com/gin-gonic/gin"
)

const (
	sseEventReady     = "ready"
	sseEventSeat      = "seat"
	sseEventHeartbeat = "heartbeat"
)

// handleStream relays the seat changes of one event as server-sent events until
// the client disconnects. A slow client misses changes rather than stalling others.
// Other users' identities are never sent.
func (handler *httpHandler) handleStream(ctx *gin.Context) {
	viewer, ok := sessionUser(ctx)
	if !ok {
		return
	}
	eventID, err := seating.NewEventID(ctx.Param("eventID"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	subscription, err := handler.stream.Subscribe()
	if err != nil {
		ctx.JSON(http.StatusServiceUnavailable, errorResponse(errorCodeStreamUnavailable, err.Error(), nil))
		return
	}
	defer subscription.Close()

	heartbeat := time.NewTicker(handler.cfg.StreamHeartbeat)
	defer heartbeat.Stop()

	ctx.Header("Cache-Control", "no-cache")
	ctx.Header("Connection", "keep-alive")
	ctx.Header("X-Accel-Buffering", "no")
	ctx.SSEvent(sseEventReady, gin.H{"event_id": eventID.String()})
	ctx.Writer.Flush()

	requestDone := ctx.Request.Context().Done()
	ctx.Stream(func(io.Writer) bool {
		select {
		case <-requestDone:
			return false
		case <-heartbeat.C:
			ctx.SSEvent(sseEventHeartbeat, gin.H{"at": time.Now().UTC()})
			return true
		case change, open := <-subscription.Changes():
			if !open {
				return false
			}
			if change.EventID == eventID {
				ctx.SSEvent(sseEventSeat, newSeatEventPayload(change, viewer))
			}
			return true
		}
	})
}
