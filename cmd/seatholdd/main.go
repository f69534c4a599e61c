package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MarkoPoloResearchLab/seathold/internal/server"
	"github.com/MarkoPoloResearchLab/seathold/pkg/seating"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	flagEnvFile           = "env-file"
	flagDatabaseURL       = "database-url"
	flagStoreBackend      = "store"
	flagAutoMigrate       = "auto-migrate"
	flagHTTPListenAddr    = "http-listen-addr"
	flagGRPCListenAddr    = "grpc-listen-addr"
	flagHoldDuration      = "hold-duration"
	flagSweepInterval     = "sweep-interval"
	flagSweepBatchSize    = "sweep-batch-size"
	flagPurgeRetention    = "purge-retention"
	flagDisableSweeper    = "disable-sweeper"
	flagRedisURL          = "redis-url"
	flagRedisChannel      = "redis-channel"
	flagAMQPURL           = "amqp-url"
	flagAMQPExchange      = "amqp-exchange"
	flagAllowedOrigins    = "allowed-origins"
	flagJWTSigningKey     = "jwt-signing-key"
	flagJWTIssuer         = "jwt-issuer"
	flagJWTCookieName     = "jwt-cookie-name"
	flagAdminRole         = "admin-role"
	flagPaymentRole       = "payment-role"
	flagRequestTimeout    = "request-timeout"
	flagShutdownTimeout   = "shutdown-timeout"
	envPrefix             = "SEATHOLD"
	defaultEnvFile        = ".env"
	defaultDatabaseURL    = "sqlite:///tmp/seathold.db"
	defaultHTTPListenAddr = ":8080"
	defaultGRPCListenAddr = ":7000"
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "seatholdd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := server.Config{}
	cmd := &cobra.Command{
		Use:           "seatholdd",
		Short:         "Seat hold and reservation coordinator",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(cmd, &cfg); err != nil {
				return err
			}
			return cfg.Validate()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			logger, err := zap.NewProduction()
			if err != nil {
				return fmt.Errorf("logger init: %w", err)
			}
			defer func() { _ = logger.Sync() }()
			return server.Run(ctx, cfg, logger)
		},
	}
	registerStoreFlags(cmd.Flags())
	cmd.Flags().String(flagHTTPListenAddr, defaultHTTPListenAddr, "HTTP listen address")
	cmd.Flags().String(flagGRPCListenAddr, defaultGRPCListenAddr, "gRPC health listen address")
	cmd.Flags().Bool(flagDisableSweeper, false, "do not run the expiry sweeper in this process")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	cmd.Flags().String(flagJWTSigningKey, "", "TAuth JWT signing key (required)")
	cmd.Flags().String(flagJWTIssuer, "tauth", "expected JWT issuer")
	cmd.Flags().String(flagJWTCookieName, "app_session", "JWT cookie name")
	cmd.Flags().String(flagAdminRole, "admin", "session role allowed to seed seat maps")
	cmd.Flags().String(flagPaymentRole, "payments", "session role of the payment service allowed to finalize reservations")
	cmd.Flags().Duration(flagRequestTimeout, 0, "per-request timeout (e.g. 5s)")
	cmd.Flags().Duration(flagShutdownTimeout, 0, "graceful shutdown timeout (e.g. 10s)")

	cmd.AddCommand(newSweepCommand())
	return cmd
}

func newSweepCommand() *cobra.Command {
	cfg := server.Config{}
	cmd := &cobra.Command{
		Use:           "sweep",
		Short:         "Run only the expiry sweeper against the database store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(cmd, &cfg); err != nil {
				return err
			}
			return cfg.ValidateSweeper()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			logger, err := zap.NewProduction()
			if err != nil {
				return fmt.Errorf("logger init: %w", err)
			}
			defer func() { _ = logger.Sync() }()
			return server.RunSweeper(ctx, cfg, logger)
		},
	}
	registerStoreFlags(cmd.Flags())
	return cmd
}

func registerStoreFlags(flags *pflag.FlagSet) {
	flags.String(flagEnvFile, defaultEnvFile, "optional dotenv file loaded before reading the environment")
	flags.String(flagDatabaseURL, defaultDatabaseURL, "database URL (postgres://, mysql://, sqlite:// or a sqlite path)")
	flags.String(flagStoreBackend, server.StoreBackendDatabase, "seat store backend: database or memory")
	flags.Bool(flagAutoMigrate, false, "migrate the schema on startup for postgres and mysql")
	flags.Duration(flagHoldDuration, seating.DefaultHoldDuration, "how long a claim holds its seats")
	flags.Duration(flagSweepInterval, seating.DefaultSweepInterval, "expiry sweep interval")
	flags.Int(flagSweepBatchSize, seating.DefaultSweepBatchSize, "reservations expired per sweep page")
	flags.Duration(flagPurgeRetention, seating.DefaultPurgeRetention, "how long superseded reservations are kept; 0 keeps them forever")
	flags.String(flagRedisURL, "", "redis URL for cross-process seat change fan-out")
	flags.String(flagRedisChannel, "", "redis pub/sub channel for seat changes")
	flags.String(flagAMQPURL, "", "RabbitMQ URL for reservation lifecycle events")
	flags.String(flagAMQPExchange, "", "RabbitMQ topic exchange for reservation lifecycle events")
}

func loadConfig(cmd *cobra.Command, cfg *server.Config) error {
	if err := loadEnvFile(cmd); err != nil {
		return err
	}
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var bindErr error
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		if bindErr == nil {
			bindErr = v.BindPFlag(flag.Name, flag)
		}
	})
	if bindErr != nil {
		return bindErr
	}

	cfg.DatabaseURL = strings.TrimSpace(v.GetString(flagDatabaseURL))
	cfg.StoreBackend = strings.TrimSpace(v.GetString(flagStoreBackend))
	cfg.AutoMigrate = v.GetBool(flagAutoMigrate)
	cfg.HoldDuration = v.GetDuration(flagHoldDuration)
	cfg.SweepInterval = v.GetDuration(flagSweepInterval)
	cfg.SweepBatchSize = v.GetInt(flagSweepBatchSize)
	cfg.PurgeRetention = v.GetDuration(flagPurgeRetention)
	cfg.RedisURL = strings.TrimSpace(v.GetString(flagRedisURL))
	cfg.RedisChannel = strings.TrimSpace(v.GetString(flagRedisChannel))
	cfg.AMQPURL = strings.TrimSpace(v.GetString(flagAMQPURL))
	cfg.AMQPExchange = strings.TrimSpace(v.GetString(flagAMQPExchange))
	cfg.HTTPListenAddr = strings.TrimSpace(v.GetString(flagHTTPListenAddr))
	cfg.GRPCListenAddr = strings.TrimSpace(v.GetString(flagGRPCListenAddr))
	cfg.DisableSweeper = v.GetBool(flagDisableSweeper)
	cfg.AllowedOrigins = server.ParseAllowedOrigins(v.GetString(flagAllowedOrigins))
	cfg.SessionSigningKey = v.GetString(flagJWTSigningKey)
	cfg.SessionIssuer = strings.TrimSpace(v.GetString(flagJWTIssuer))
	cfg.SessionCookieName = strings.TrimSpace(v.GetString(flagJWTCookieName))
	cfg.AdminRole = strings.TrimSpace(v.GetString(flagAdminRole))
	cfg.PaymentRole = strings.TrimSpace(v.GetString(flagPaymentRole))
	cfg.RequestTimeout = v.GetDuration(flagRequestTimeout)
	cfg.ShutdownTimeout = v.GetDuration(flagShutdownTimeout)
	return nil
}

// loadEnvFile populates the process environment from the dotenv file, if any.
// Variables already set take precedence.
func loadEnvFile(cmd *cobra.Command) error {
	path, err := cmd.Flags().GetString(flagEnvFile)
	if err != nil {
		return err
	}
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}
