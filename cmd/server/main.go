package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"warimas-backoffice/internal/auth"
	"warimas-backoffice/internal/config"
	"warimas-backoffice/internal/db"
	"warimas-backoffice/internal/deliverygroup"
	"warimas-backoffice/internal/httpapi"
	"warimas-backoffice/internal/intake"
	"warimas-backoffice/internal/jobs"
	"warimas-backoffice/internal/logger"
	"warimas-backoffice/internal/messaging"
	"warimas-backoffice/internal/middleware"
	"warimas-backoffice/internal/notify"
	"warimas-backoffice/internal/order"
	"warimas-backoffice/internal/pickup"
	"warimas-backoffice/internal/telemetry"
	"warimas-backoffice/internal/user"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	serviceName     = "warimas-backoffice"
	shutdownTimeout = 10 * time.Second
	intakeBackoff   = 5 * time.Second
)

func main() {
	cfg := config.LoadConfig()
	logger.Init(cfg.AppEnv)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.L().Error("server stopped", zap.Error(err))
		os.Exit(1)
	}
}

// app is the wired service. Background workers run until the context passed
// to start is cancelled. Closers run in reverse order on shutdown.
type app struct {
	handler    http.Handler
	cron       *cron.Cron
	background []func(ctx context.Context)
	closers    []func(ctx context.Context) error
}

func (a *app) onClose(fn func(ctx context.Context) error) {
	a.closers = append(a.closers, fn)
}

type stores struct {
	orders order.Repository
	groups deliverygroup.Repository
	authz  auth.Authorizer
	agents deliverygroup.AgentDirectory
}

func newStores(cfg *config.Config, a *app) (*stores, error) {
	switch cfg.StorageDriver {
	case config.DriverMemory:
		return &stores{
			orders: order.NewMemoryRepository(),
			groups: deliverygroup.NewMemoryRepository(),
			authz:  auth.StaticAuthorizer{Members: map[int64][]int64{}},
			agents: user.StaticDirectory{Agents: map[int64]bool{}},
		}, nil
	case config.DriverPostgres:
		database, err := db.NewDatabase(cfg)
		if err != nil {
			return nil, err
		}
		a.onClose(func(context.Context) error { return database.Close() })
		return postgresStores(database), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}
}

func postgresStores(database *sql.DB) *stores {
	return &stores{
		orders: order.NewRepository(database),
		groups: deliverygroup.NewRepository(database),
		authz:  auth.NewShopAuthorizer(database),
		agents: user.NewDirectory(user.NewRepository(database)),
	}
}

func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	log := logger.L()
	a := &app{}

	if cfg.OTelEnabled {
		shutdown, err := telemetry.InitTracerProvider(ctx, serviceName, cfg.ServiceVersion, cfg.OTLPEndpoint)
		if err != nil {
			return nil, fmt.Errorf("init tracer provider: %w", err)
		}
		a.onClose(shutdown)
	} else {
		telemetry.SetPropagator()
	}

	metricsHandler, shutdownMetrics, err := telemetry.InitMeterProvider(serviceName, cfg.ServiceVersion)
	if err != nil {
		return nil, fmt.Errorf("init meter provider: %w", err)
	}
	a.onClose(shutdownMetrics)
	if cfg.OTelEnabled {
		if err := telemetry.StartRuntimeMetrics(); err != nil {
			log.Warn("runtime metrics disabled", zap.Error(err))
		}
	}

	st, err := newStores(cfg, a)
	if err != nil {
		a.close(ctx)
		return nil, err
	}

	orderSvc := order.NewService(st.orders, st.authz)

	var (
		notifier deliverygroup.Notifier       = notify.LogNotifier{}
		events   deliverygroup.EventPublisher = notify.LogNotifier{}
	)
	if cfg.KafkaEnabled() {
		dispatch := messaging.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopicDispatch)
		finished := messaging.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopicGroupFinished)
		a.onClose(func(context.Context) error { return dispatch.Close() })
		a.onClose(func(context.Context) error { return finished.Close() })

		notifier = notify.NewKafkaNotifier(dispatch, orderSvc)
		events = notify.NewKafkaEvents(finished)

		importer := intake.NewHandler(orderSvc)
		a.background = append(a.background, func(ctx context.Context) {
			consumeIntake(ctx, cfg, importer)
		})
		log.Info("kafka enabled", zap.Strings("brokers", cfg.KafkaBrokers))
	}

	groupSvc := deliverygroup.NewService(st.groups, orderSvc, st.authz, st.agents, notifier, events)

	a.cron, err = jobs.Schedule(cfg.ReconcileSchedule, jobs.NewReconcileJob(groupSvc))
	if err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("schedule reconcile job: %w", err)
	}

	limiter := middleware.NewRateLimiter(cfg.InternalSecretKey)
	a.background = append(a.background, limiter.Cleanup)

	h := httpapi.NewHandler(groupSvc, orderSvc, pickup.NewVerifier(orderSvc, groupSvc))
	a.handler = httpapi.NewRouter(h, httpapi.RouterConfig{
		JWTSecret: cfg.JWTSecret,
		Limiter:   limiter,
		Metrics:   metricsHandler,
	})
	return a, nil
}

// consumeIntake keeps an order.created consumer running. A retryable handler
// error stops the consumer without committing, so the reader is rebuilt and
// the message is fetched again from the committed offset.
func consumeIntake(ctx context.Context, cfg *config.Config, h *intake.Handler) {
	log := logger.L().With(zap.String("topic", cfg.KafkaTopicOrderIntake))

	for {
		consumer := messaging.NewConsumer(cfg.KafkaBrokers, cfg.KafkaTopicOrderIntake, cfg.KafkaConsumerGroup)
		err := consumer.Consume(ctx, h.Handle)
		_ = consumer.Close()
		if ctx.Err() != nil {
			log.Info("intake consumer stopped")
			return
		}
		log.Error("intake consumer failed, restarting", zap.Error(err))

		select {
		case <-ctx.Done():
			return
		case <-time.After(intakeBackoff):
		}
	}
}

func (a *app) start(ctx context.Context) *sync.WaitGroup {
	var wg sync.WaitGroup
	for _, fn := range a.background {
		wg.Add(1)
		go func(fn func(context.Context)) {
			defer wg.Done()
			fn(ctx)
		}(fn)
	}
	if a.cron != nil {
		a.cron.Start()
	}
	return &wg
}

func (a *app) close(ctx context.Context) {
	if a.cron != nil {
		<-a.cron.Stop().Done()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			logger.L().Warn("shutdown step failed", zap.Error(err))
		}
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", ":"+cfg.AppPort)
	if err != nil {
		a.close(context.Background())
		return err
	}
	return serve(ctx, a, ln)
}

func serve(ctx context.Context, a *app, ln net.Listener) error {
	log := logger.L()

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	wg := a.start(workerCtx)

	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("back office server listening", zap.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	cancelWorkers()
	wg.Wait()
	a.close(shutdownCtx)

	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	return serveErr
}
