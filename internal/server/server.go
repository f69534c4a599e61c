package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/seathold/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/seathold/internal/httpapi"
	"github.com/MarkoPoloResearchLab/seathold/internal/notify"
	"github.com/MarkoPoloResearchLab/seathold/internal/pricing"
	"github.com/MarkoPoloResearchLab/seathold/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/seathold/internal/store/memstore"
	"github.com/MarkoPoloResearchLab/seathold/internal/telemetry"
	"github.com/MarkoPoloResearchLab/seathold/pkg/seating"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

// application holds the assembled collaborators shared by every run mode.
type application struct {
	cfg         Config
	logger      *zap.Logger
	store       seating.Store
	catalog     *pricing.Catalog
	service     *seating.Service
	sweeper     *seating.Sweeper
	broadcaster *notify.Broadcaster
	relay       *notify.RedisRelay
	registry    *prometheus.Registry
	pinger      pingers
	closers     []func() error
}

func newApplication(ctx context.Context, cfg Config, logger *zap.Logger) (*application, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &application{cfg: cfg, logger: logger}
	if err := app.build(ctx); err != nil {
		_ = app.close()
		return nil, err
	}
	return app, nil
}

func (app *application) build(ctx context.Context) error {
	cfg := app.cfg
	db, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	app.closers = append(app.closers, cleanup)
	if err := prepareSchema(db, driver, cfg.AutoMigrate); err != nil {
		return err
	}

	databaseStore := gormstore.New(db)
	app.pinger = pingers{databaseStore}
	switch cfg.StoreBackend {
	case StoreBackendMemory:
		memoryStore := memstore.New()
		app.store = memoryStore
		app.pinger = append(app.pinger, memoryStore)
	default:
		app.store = databaseStore
	}

	app.catalog, err = pricing.NewCatalog(db)
	if err != nil {
		return err
	}

	app.registry = prometheus.NewRegistry()
	app.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics(app.registry)

	app.broadcaster, err = notify.NewBroadcaster(notify.WithDropHandler(metrics.NotificationDropped))
	if err != nil {
		return err
	}
	app.closers = append(app.closers, func() error { app.broadcaster.Close(); return nil })
	telemetry.RegisterSubscriberGauge(app.registry, app.broadcaster.SubscriberCount)

	notifier := notify.Fanout{app.broadcaster, metrics}
	if cfg.RedisURL != "" {
		options, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis url: %w", err)
		}
		client := redis.NewClient(options)
		app.closers = append(app.closers, client.Close)
		publisher, err := notify.NewRedisPublisher(client, cfg.RedisChannel)
		if err != nil {
			return err
		}
		app.relay, err = notify.NewRedisRelay(client, cfg.RedisChannel, app.broadcaster, app.logger)
		if err != nil {
			return err
		}
		// Local subscribers receive changes through the relay, including this process's own.
		notifier = notify.Fanout{publisher, metrics}
	}

	options := []seating.ServiceOption{
		seating.WithOperationLogger(telemetry.Chain{telemetry.NewZapOperationLogger(app.logger), metrics}),
		seating.WithNotifier(notifier),
		seating.WithHoldDuration(cfg.HoldDuration),
	}
	if cfg.AMQPURL != "" {
		publisher, err := notify.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return err
		}
		app.closers = append(app.closers, publisher.Close)
		options = append(options, seating.WithReservationObserver(publisher))
	}

	app.service, err = seating.NewService(app.store, app.catalog, time.Now, options...)
	if err != nil {
		return err
	}
	app.sweeper, err = seating.NewSweeper(app.service,
		seating.WithSweepInterval(cfg.SweepInterval),
		seating.WithSweepBatchSize(cfg.SweepBatchSize),
		seating.WithPurgeRetention(cfg.PurgeRetention),
		seating.WithSweepReporter(metrics.ObserveSweep),
	)
	return err
}

func (app *application) close() error {
	var errs []error
	for index := len(app.closers) - 1; index >= 0; index-- {
		errs = append(errs, app.closers[index]())
	}
	return errors.Join(errs...)
}

func (app *application) router() (http.Handler, error) {
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(app.cfg.SessionSigningKey),
		Issuer:     app.cfg.SessionIssuer,
		CookieName: app.cfg.SessionCookieName,
	})
	if err != nil {
		return nil, fmt.Errorf("session validator: %w", err)
	}
	return httpapi.NewRouter(httpapi.Config{
		AllowedOrigins: app.cfg.AllowedOrigins,
		RequestTimeout: app.cfg.RequestTimeout,
		AdminRole:      app.cfg.AdminRole,
		PaymentRole:    app.cfg.PaymentRole,
	}, httpapi.Dependencies{
		Service:   app.service,
		Catalog:   app.catalog,
		Stream:    app.broadcaster,
		Validator: validator,
		Metrics:   promhttp.HandlerFor(app.registry, promhttp.HandlerOpts{}),
		Logger:    app.logger,
	})
}

// Run serves HTTP and gRPC, runs the sweeper unless disabled, and returns after
// ctx is done and every listener has shut down.
func Run(ctx context.Context, cfg Config, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	app, err := newApplication(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = app.close() }()

	handler, err := app.router()
	if err != nil {
		return err
	}
	reporter, err := grpcserver.NewHealthReporter(app.pinger, app.logger)
	if err != nil {
		return err
	}
	httpListener, err := net.Listen("tcp", cfg.HTTPListenAddr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	grpcListener, err := net.Listen("tcp", cfg.GRPCListenAddr)
	if err != nil {
		_ = httpListener.Close()
		return fmt.Errorf("grpc listen: %w", err)
	}
	httpServer := &http.Server{Handler: handler, ReadHeaderTimeout: cfg.RequestTimeout}
	grpcServer := grpcserver.NewServer(reporter)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		app.logger.Info("http server starting", zap.String("listen_addr", httpListener.Addr().String()))
		if serveErr := httpServer.Serve(httpListener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			return fmt.Errorf("http serve: %w", serveErr)
		}
		return nil
	})
	group.Go(func() error {
		app.logger.Info("gRPC server starting", zap.String("listen_addr", grpcListener.Addr().String()))
		if serveErr := grpcServer.Serve(grpcListener); serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc serve: %w", serveErr)
		}
		return nil
	})
	group.Go(func() error { return reporter.Run(groupCtx) })
	if !cfg.DisableSweeper {
		group.Go(func() error { return app.sweeper.Run(groupCtx) })
	}
	if app.relay != nil {
		group.Go(func() error { return app.relay.Run(groupCtx) })
	}
	group.Go(func() error {
		<-groupCtx.Done()
		app.logger.Info("shutdown requested")
		// Open streams end once their subscriptions close.
		app.broadcaster.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			app.logger.Warn("http shutdown error", zap.Error(shutdownErr))
		}
		grpcServer.GracefulStop()
		return nil
	})
	return group.Wait()
}

// RunSweeper runs only the expiry sweeper against the configured store.
func RunSweeper(ctx context.Context, cfg Config, logger *zap.Logger) error {
	if err := cfg.ValidateSweeper(); err != nil {
		return err
	}
	app, err := newApplication(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = app.close() }()
	app.logger.Info("sweeper starting", zap.Duration("interval", cfg.SweepInterval))
	return app.sweeper.Run(ctx)
}

type pingers []grpcserver.Pinger

func (all pingers) Ping(ctx context.Context) error {
	var errs []error
	for _, pinger := range all {
		errs = append(errs, pinger.Ping(ctx))
	}
	return errors.Join(errs...)
}
