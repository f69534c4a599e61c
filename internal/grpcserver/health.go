// Package grpcserver exposes the standard gRPC health service, reporting
// SERVING while the seat store answers pings.
package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	// ServiceName is the health service name reported alongside the server-wide "" entry.
	ServiceName = "seathold.v1.SeatHold"

	defaultCheckInterval = 10 * time.Second
	defaultCheckTimeout  = 2 * time.Second
)

var ErrInvalidHealthConfig = errors.New("invalid health config")

// Pinger is implemented by stores that can verify their backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthOption configures a HealthReporter.
type HealthOption func(*HealthReporter)

// WithCheckInterval sets how often Run pings.
func WithCheckInterval(interval time.Duration) HealthOption {
	return func(reporter *HealthReporter) {
		reporter.interval = interval
	}
}

// WithCheckTimeout bounds each ping.
func WithCheckTimeout(timeout time.Duration) HealthOption {
	return func(reporter *HealthReporter) {
		reporter.timeout = timeout
	}
}

// HealthReporter keeps a health.Server in step with store liveness.
type HealthReporter struct {
	health   *health.Server
	pinger   Pinger
	logger   *zap.Logger
	interval time.Duration
	timeout  time.Duration
	serving  bool
}

// NewHealthReporter constructs a reporter. The status starts as NOT_SERVING
// until the first successful check.
func NewHealthReporter(pinger Pinger, logger *zap.Logger, options ...HealthOption) (*HealthReporter, error) {
	if pinger == nil {
		return nil, fmt.Errorf("%w: pinger is required", ErrInvalidHealthConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	reporter := &HealthReporter{
		health:   health.NewServer(),
		pinger:   pinger,
		logger:   logger,
		interval: defaultCheckInterval,
		timeout:  defaultCheckTimeout,
	}
	for _, option := range options {
		if option != nil {
			option(reporter)
		}
	}
	if reporter.interval <= 0 || reporter.timeout <= 0 {
		return nil, fmt.Errorf("%w: interval and timeout must be positive", ErrInvalidHealthConfig)
	}
	reporter.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	return reporter, nil
}

// Check pings once and updates the reported status.
func (reporter *HealthReporter) Check(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, reporter.timeout)
	defer cancel()
	err := reporter.pinger.Ping(pingCtx)
	if err != nil {
		if reporter.serving {
			reporter.logger.Warn("store ping failed; reporting NOT_SERVING", zap.Error(err))
		}
		reporter.serving = false
		reporter.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
		return err
	}
	reporter.serving = true
	reporter.setStatus(healthpb.HealthCheckResponse_SERVING)
	return nil
}

// Run checks immediately and on every interval until ctx is done, then marks
// every service NOT_SERVING.
func (reporter *HealthReporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(reporter.interval)
	defer ticker.Stop()
	for {
		_ = reporter.Check(ctx)
		select {
		case <-ctx.Done():
			reporter.health.Shutdown()
			return nil
		case <-ticker.C:
		}
	}
}

// Register attaches the health service to server.
func (reporter *HealthReporter) Register(server *grpc.Server) {
	healthpb.RegisterHealthServer(server, reporter.health)
}

// NewServer returns a gRPC server carrying the health service.
func NewServer(reporter *HealthReporter, options ...grpc.ServerOption) *grpc.Server {
	server := grpc.NewServer(options...)
	reporter.Register(server)
	return server
}

func (reporter *HealthReporter) setStatus(status healthpb.HealthCheckResponse_ServingStatus) {
	reporter.health.SetServingStatus("", status)
	reporter.health.SetServingStatus(ServiceName, status)
}
