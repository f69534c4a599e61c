// Package server assembles the seat hold daemon: stores, pricing, notifiers,
// the HTTP and gRPC listeners and the expiry sweeper.
package server

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/seathold/pkg/seating"
)

const (
	StoreBackendDatabase = "database"
	StoreBackendMemory   = "memory"

	defaultDatabaseURL     = "sqlite:///tmp/seathold.db"
	defaultHTTPListenAddr  = ":8080"
	defaultGRPCListenAddr  = ":7000"
	defaultSessionIssuer   = "tauth"
	defaultSessionCookie   = "app_session"
	defaultAdminRole       = "admin"
	defaultPaymentRole     = "payments"
	defaultRequestTimeout  = 5 * time.Second
	defaultShutdownTimeout = 10 * time.Second
)

var ErrInvalidConfig = errors.New("invalid config")

// Config aggregates runtime settings for the daemon.
type Config struct {
	DatabaseURL       string
	StoreBackend      string
	AutoMigrate       bool
	HTTPListenAddr    string
	GRPCListenAddr    string
	HoldDuration      time.Duration
	SweepInterval     time.Duration
	SweepBatchSize    int
	PurgeRetention    time.Duration
	DisableSweeper    bool
	RedisURL          string
	RedisChannel      string
	AMQPURL           string
	AMQPExchange      string
	AllowedOrigins    []string
	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string
	AdminRole         string
	PaymentRole       string
	RequestTimeout    time.Duration
	ShutdownTimeout   time.Duration
}

// Validate fills defaults and checks the settings needed to serve requests.
func (cfg *Config) Validate() error {
	if err := cfg.validateStore(); err != nil {
		return err
	}
	cfg.HTTPListenAddr = defaultIfEmpty(cfg.HTTPListenAddr, defaultHTTPListenAddr)
	cfg.GRPCListenAddr = defaultIfEmpty(cfg.GRPCListenAddr, defaultGRPCListenAddr)
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	cfg.AdminRole = defaultIfEmpty(cfg.AdminRole, defaultAdminRole)
	cfg.PaymentRole = defaultIfEmpty(cfg.PaymentRole, defaultPaymentRole)
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if len(cfg.SessionSigningKey) == 0 {
		return fmt.Errorf("%w: jwt signing key is required", ErrInvalidConfig)
	}
	if cfg.StoreBackend == StoreBackendMemory && cfg.DisableSweeper {
		return fmt.Errorf("%w: the memory store needs the in-process sweeper", ErrInvalidConfig)
	}
	if cfg.DisableSweeper && strings.TrimSpace(cfg.RedisURL) == "" {
		return fmt.Errorf("%w: an external sweeper reaches this process's viewers only through redis", ErrInvalidConfig)
	}
	return nil
}

// ValidateSweeper fills defaults and checks the settings a standalone sweeper needs:
// the database store, and redis so its seat changes reach the serving processes.
func (cfg *Config) ValidateSweeper() error {
	if err := cfg.validateStore(); err != nil {
		return err
	}
	if cfg.StoreBackend != StoreBackendDatabase {
		return fmt.Errorf("%w: a standalone sweeper needs the database store", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.RedisURL) == "" {
		return fmt.Errorf("%w: a standalone sweeper needs a redis url to publish seat changes", ErrInvalidConfig)
	}
	return nil
}

func (cfg *Config) validateStore() error {
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	cfg.StoreBackend = strings.ToLower(defaultIfEmpty(cfg.StoreBackend, StoreBackendDatabase))
	if cfg.HoldDuration == 0 {
		cfg.HoldDuration = seating.DefaultHoldDuration
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = seating.DefaultSweepInterval
	}
	if cfg.SweepBatchSize == 0 {
		cfg.SweepBatchSize = seating.DefaultSweepBatchSize
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	switch cfg.StoreBackend {
	case StoreBackendDatabase, StoreBackendMemory:
	default:
		return fmt.Errorf("%w: unknown store backend %q", ErrInvalidConfig, cfg.StoreBackend)
	}
	if cfg.HoldDuration < 0 {
		return fmt.Errorf("%w: hold duration must be positive", ErrInvalidConfig)
	}
	if cfg.SweepInterval < 0 {
		return fmt.Errorf("%w: sweep interval must be positive", ErrInvalidConfig)
	}
	if cfg.SweepBatchSize < 0 {
		return fmt.Errorf("%w: sweep batch size must be positive", ErrInvalidConfig)
	}
	if cfg.PurgeRetention < 0 {
		return fmt.Errorf("%w: purge retention must not be negative", ErrInvalidConfig)
	}
	return nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
