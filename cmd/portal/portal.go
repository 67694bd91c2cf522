package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/septivank/electricity-meter-portal/internal/actionlog"
	"github.com/septivank/electricity-meter-portal/internal/anomaly"
	"github.com/septivank/electricity-meter-portal/internal/archive"
	"github.com/septivank/electricity-meter-portal/internal/config"
	"github.com/septivank/electricity-meter-portal/internal/db"
	"github.com/septivank/electricity-meter-portal/internal/maintenance"
	"github.com/septivank/electricity-meter-portal/internal/mq"
	"github.com/septivank/electricity-meter-portal/internal/repository"
	"github.com/septivank/electricity-meter-portal/internal/service"
	"github.com/septivank/electricity-meter-portal/internal/store"
	"github.com/septivank/electricity-meter-portal/internal/validator"
	"github.com/septivank/electricity-meter-portal/internal/web"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func appOptions() fx.Option {
	return fx.Options(
		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger.Named("fx")}
		}),
		fx.Provide(
			ProvideConfig,
			newLogger,
			ProvideClock,
			ProvideMaintenanceController,
			ProvideValidator,
			ProvideAnomalyDetector,
			ProvideRecorder,
			ProvideDBPool,
			ProvideArchiveMirror,
			ProvideMQConnection,
			ProvidePublisher,
			ProvidePortal,
			ProvideWebHandler,
			ProvideHTTPServer,
		),
		fx.Invoke(startConsumer, startMaintenancePoller, func(*http.Server) {}),
	)
}

// ProvideConfig loads the environment and applies command-line overrides
func ProvideConfig(flags cliFlags) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if flags.Port != 0 {
		cfg.ServicePort = flags.Port
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// ProvideClock returns the wall clock
func ProvideClock() service.Clock {
	return zapcore.DefaultClock
}

// ProvideMaintenanceController creates the maintenance window controller
func ProvideMaintenanceController(cfg *config.Config) *maintenance.Controller {
	return maintenance.NewController(cfg.Maintenance.StartHour, cfg.Maintenance.EndHour)
}

// ProvideValidator creates a new validator instance
func ProvideValidator(cfg *config.Config, maint *maintenance.Controller) *validator.Validator {
	if !cfg.Maintenance.RejectWindowTimestamps {
		return validator.NewValidator(nil)
	}
	return validator.NewValidator(maint.InWindow)
}

// ProvideAnomalyDetector creates a new anomaly detector instance
func ProvideAnomalyDetector(cfg *config.Config) *anomaly.Detector {
	return anomaly.NewDetector(cfg.Anomaly.SpikeThreshold, cfg.Anomaly.MinDataPointsForDetection)
}

// ProvideRecorder opens the action log and closes it on shutdown
func ProvideRecorder(lc fx.Lifecycle, cfg *config.Config, clock service.Clock) (*actionlog.Recorder, error) {
	rec, err := actionlog.Open(cfg.Storage.LogFile, clock)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return rec.Close()
		},
	})
	return rec, nil
}

// ProvideDBPool creates the database pool, or nil when DATABASE_URL is unset
func ProvideDBPool(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*db.Pool, error) {
	if !cfg.Database.Enabled() {
		logger.Info("DATABASE_URL not set, archive mirror disabled")
		return nil, nil
	}
	return db.NewPool(lc, logger, cfg.Database.URL)
}

// ProvideArchiveMirror returns the Postgres mirror, or nil without a pool
func ProvideArchiveMirror(pool *db.Pool, logger *zap.Logger) service.ArchiveMirror {
	if pool == nil {
		return nil
	}
	return repository.NewRepository(pool, logger)
}

// ProvideMQConnection dials RabbitMQ, or returns nil when RABBITMQ_URL is unset
func ProvideMQConnection(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*mq.Connection, error) {
	if !cfg.RabbitMQ.Enabled() {
		logger.Info("RABBITMQ_URL not set, messaging disabled")
		return nil, nil
	}
	return mq.NewConnection(lc, logger, cfg.RabbitMQ.URL)
}

// ProvidePublisher returns the events publisher; events are dropped without a connection
func ProvidePublisher(lc fx.Lifecycle, conn *mq.Connection, cfg *config.Config, logger *zap.Logger) (service.EventPublisher, error) {
	if conn == nil {
		return service.NopPublisher{}, nil
	}
	pub, err := mq.NewPublisher(conn, cfg.RabbitMQ.EventsExchange, logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return pub.Close()
		},
	})
	return pub, nil
}

// ProvidePortal loads the live store and assembles the Portal
func ProvidePortal(
	cfg *config.Config,
	maint *maintenance.Controller,
	v *validator.Validator,
	detector *anomaly.Detector,
	recorder *actionlog.Recorder,
	publisher service.EventPublisher,
	mirror service.ArchiveMirror,
	clock service.Clock,
	logger *zap.Logger,
) (*service.Portal, error) {
	return service.NewPortal(service.PortalConfig{
		LiveStore:      store.NewLiveStore(cfg.Storage.RecordFile),
		ArchiveStore:   archive.NewStore(cfg.Storage.ArchiveFile),
		Maintenance:    maint,
		Validator:      v,
		Detector:       detector,
		Recorder:       recorder,
		Publisher:      publisher,
		Mirror:         mirror,
		Clock:          clock,
		Logger:         logger,
		QueryTolerance: cfg.Query.DefaultTolerance,
		HistoryWindow:  cfg.Anomaly.HistoryWindow,
	})
}

// ProvideWebHandler builds the HTTP routes
func ProvideWebHandler(cfg *config.Config, portal *service.Portal, logger *zap.Logger) (*web.Handler, error) {
	return web.New(portal, logger, web.Options{
		DebugToken:     cfg.Debug.MemoryToken,
		MaxUploadBytes: cfg.HTTP.MaxUploadBytes,
	})
}

// ProvideHTTPServer listens on SERVICE_PORT for the lifetime of the app
func ProvideHTTPServer(lc fx.Lifecycle, cfg *config.Config, handler *web.Handler, logger *zap.Logger) *http.Server {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.ServicePort),
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		ErrorLog:     zap.NewStdLog(logger.Named("http")),
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", srv.Addr, err)
			}
			logger.Info("http server listening", zap.String("addr", srv.Addr))
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down http server")
			return srv.Shutdown(ctx)
		},
	})
	return srv
}

// startConsumer feeds queued readings into the Portal when messaging is enabled
func startConsumer(lc fx.Lifecycle, conn *mq.Connection, cfg *config.Config, portal *service.Portal, logger *zap.Logger) error {
	if conn == nil {
		return nil
	}

	consumer, err := mq.NewConsumer(mq.ConsumerConfig{
		Connection:    conn,
		Exchange:      cfg.RabbitMQ.IngestExchange,
		Queue:         cfg.RabbitMQ.IngestQueue,
		DLQQueue:      cfg.RabbitMQ.DLQQueue,
		RoutingKey:    cfg.RabbitMQ.IngestRoutingKey,
		PrefetchCount: cfg.RabbitMQ.PrefetchCount,
		Logger:        logger,
		Handler:       portal.ProcessReadingMessage,
		Temporary:     service.IsTemporary,
		RetryDelay:    cfg.RabbitMQ.RetryDelay,
	})
	if err != nil {
		return err
	}
	consumer.RegisterLifecycle(lc)
	return nil
}

// startMaintenancePoller re-evaluates the maintenance flag on a ticker so the
// nightly backup runs even when no request arrives during the window
func startMaintenancePoller(lc fx.Lifecycle, cfg *config.Config, portal *service.Portal, logger *zap.Logger) {
	interval := cfg.Maintenance.PollInterval
	if interval <= 0 {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						portal.Status(ctx)
					}
				}
			}()
			logger.Info("maintenance poller started", zap.Duration("interval", interval))
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			<-done
			return nil
		},
	})
}
