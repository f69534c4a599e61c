// Package telemetry turns seating operation logs into zap records and
// Prometheus metrics.
package telemetry

import (
	"context"

	"github.com/MarkoPoloResearchLab/seathold/pkg/seating"
	"go.uber.org/zap"
)

// ZapOperationLogger writes every operation as one structured record. Failed
// operations log at warn level.
type ZapOperationLogger struct {
	logger *zap.Logger
}

// NewZapOperationLogger wraps logger; nil yields a no-op logger.
func NewZapOperationLogger(logger *zap.Logger) *ZapOperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapOperationLogger{logger: logger}
}

// LogOperation implements seating.OperationLogger.
func (operationLogger *ZapOperationLogger) LogOperation(_ context.Context, entry seating.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if entry.EventID.String() != "" {
		fields = append(fields, zap.String("event_id", entry.EventID.String()))
	}
	if !entry.UserID.IsZero() {
		fields = append(fields, zap.String("user_id", entry.UserID.String()))
	}
	if !entry.ReservationID.IsZero() {
		fields = append(fields, zap.String("reservation_id", entry.ReservationID.String()))
	}
	if len(entry.SeatIDs) > 0 {
		seatIDs := make([]string, 0, len(entry.SeatIDs))
		for _, seatID := range entry.SeatIDs {
			seatIDs = append(seatIDs, seatID.String())
		}
		fields = append(fields, zap.Strings("seat_ids", seatIDs))
	}
	if entry.Amount != 0 {
		fields = append(fields, zap.Int64("amount_cents", entry.Amount.Int64()))
	}
	if entry.Attempts > 0 {
		fields = append(fields, zap.Int("attempts", entry.Attempts))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		operationLogger.logger.Warn("seating operation failed", fields...)
		return
	}
	operationLogger.logger.Info("seating operation", fields...)
}

// Chain forwards each entry to every logger in order.
type Chain []seating.OperationLogger

// LogOperation implements seating.OperationLogger.
func (chain Chain) LogOperation(ctx context.Context, entry seating.OperationLog) {
	for _, logger := range chain {
		if logger != nil {
			logger.LogOperation(ctx, entry)
		}
	}
}
