package telemetry

import (
	"context"

	"github.com/MarkoPoloResearchLab/seathold/pkg/seating"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "seathold"

// Metrics holds the service's Prometheus collectors.
type Metrics struct {
	operations    *prometheus.CounterVec
	attempts      *prometheus.HistogramVec
	seatChanges   *prometheus.CounterVec
	dropped       prometheus.Counter
	sweepExpired  prometheus.Counter
	sweepReleased prometheus.Counter
	sweepFailed   prometheus.Counter
	sweepPurged   prometheus.Counter
}

// NewMetrics registers the collectors with registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "operations_total",
			Help:      "Seating operations by name and outcome.",
		}, []string{"operation", "status"}),
		attempts: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "operation_attempts",
			Help:      "Store attempts per operation, including conflict retries.",
			Buckets:   prometheus.LinearBuckets(1, 1, 5),
		}, []string{"operation"}),
		seatChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "seat_changes_total",
			Help:      "Seat transitions published, by reason.",
		}, []string{"reason"}),
		dropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "notifications_dropped_total",
			Help:      "Seat changes not delivered to a full subscriber.",
		}),
		sweepExpired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sweep_expired_total",
			Help:      "Reservations expired by the sweeper.",
		}),
		sweepReleased: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sweep_released_seats_total",
			Help:      "Seats released by the sweeper.",
		}),
		sweepFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sweep_failures_total",
			Help:      "Reservations the sweeper failed to expire.",
		}),
		sweepPurged: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sweep_purged_total",
			Help:      "Superseded reservations deleted by the sweeper.",
		}),
	}
}

// LogOperation implements seating.OperationLogger.
func (metrics *Metrics) LogOperation(_ context.Context, entry seating.OperationLog) {
	metrics.operations.WithLabelValues(entry.Operation, entry.Status).Inc()
	if entry.Attempts > 0 {
		metrics.attempts.WithLabelValues(entry.Operation).Observe(float64(entry.Attempts))
	}
}

// Publish implements seating.Notifier by counting changes.
func (metrics *Metrics) Publish(_ context.Context, changes []seating.SeatChange) error {
	for _, change := range changes {
		metrics.seatChanges.WithLabelValues(change.Reason.String()).Inc()
	}
	return nil
}

// NotificationDropped counts a change missed by a full subscriber.
func (metrics *Metrics) NotificationDropped(seating.SeatChange) {
	metrics.dropped.Inc()
}

// ObserveSweep records one sweeper pass.
func (metrics *Metrics) ObserveSweep(report seating.SweepReport) {
	metrics.sweepExpired.Add(float64(report.Expired))
	metrics.sweepReleased.Add(float64(report.ReleasedSeats))
	metrics.sweepFailed.Add(float64(report.Failed))
	metrics.sweepPurged.Add(float64(report.Purged))
}

// RegisterSubscriberGauge exposes a live subscriber count.
func RegisterSubscriberGauge(registerer prometheus.Registerer, count func() int) prometheus.GaugeFunc {
	return promauto.With(registerer).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "stream_subscribers",
		Help:      "Live seat change subscribers.",
	}, func() float64 { return float64(count()) })
}
