package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"RiskCore/internal/clients/openfigi"
	"RiskCore/internal/config"
	"RiskCore/internal/core"
	"RiskCore/internal/event"
	"RiskCore/internal/ingestion"
	"RiskCore/internal/observability"
	"RiskCore/internal/persistence"
	"RiskCore/internal/projection"
	"RiskCore/internal/query"
	"RiskCore/internal/scheduler"
	"RiskCore/internal/security"
	"RiskCore/internal/server"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config: %v\n", err)
		os.Exit(1)
	}
	log := observability.NewLoggerWithLevel("riskcore", observability.ParseLogLevel(cfg.LogLevel))
	log.Info().Msg("RiskCore starting")

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("RiskCore stopped")
	}
	log.Info().Msg("RiskCore shutdown complete")
}

func run(cfg *config.Config, log zerolog.Logger) error {
	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	log.Info().Msg("Postgres connected")

	// --- Run SQL migrations ---
	if err := persistence.NewMigrator(db, cfg.MigrationsDir, log).Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	// --- Observability ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()
	healthChecker.AddCheck("postgres", db.PingContext)

	// --- Channels ---
	// The persist channel blocks (backpressure); the projection channel drops.
	persistChan := make(chan core.Output, cfg.PersistChanSize)
	projectionChan := make(chan core.Output, cfg.ProjectionChanSize)
	publishChan := make(chan event.Envelope, cfg.PublishChanSize)

	// --- Engine ---
	master := security.NewMaster(log)
	engine := core.NewEngine(
		cfg.Engine(),
		master,
		persistChan,
		projectionChan,
		persistence.NewPostgresIdempotencyChecker(db),
		metrics,
		log,
	)
	if cfg.OpenFIGIURL != "" {
		client := openfigi.NewClient(cfg.OpenFIGIURL, cfg.OpenFIGIAPIKey, log)
		engine.SetEnricher(security.NewEnricher(master, client, log))
		log.Info().Str("url", cfg.OpenFIGIURL).Msg("OpenFIGI enrichment enabled")
	}

	// --- Recovery ---
	// Restore runs before any subscriber or server starts.
	stats, err := persistence.NewRecovery(db, metrics, log).Restore(ctx, engine)
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}

	// --- Start goroutines ---
	errChan := make(chan error, 10)
	var workers sync.WaitGroup
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	goWorker := func(name string, fn func(context.Context) error) {
		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := fn(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	// 1. Persistence worker, which forwards committed notifications
	persistWorker := persistence.NewPersistenceWorker(db, persistChan, publishChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics, log)
	goWorker("persistence", persistWorker.Run)

	// 2. Projection worker
	goWorker("projection", projection.NewProjectionWorker(db, projectionChan, metrics, log).Run)

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, log)
	if err != nil {
		return err
	}
	defer nc.Close()
	healthChecker.AddCheck("nats", func(context.Context) error {
		if !nc.IsConnected() {
			return errors.New("nats disconnected")
		}
		return nil
	})
	log.Info().Msg("NATS connected")

	if err := ingestion.EnsureStreams(ctx, js, log); err != nil {
		return fmt.Errorf("ensure NATS streams: %w", err)
	}
	if err := ingestion.EnsureOutboundStream(ctx, js, log); err != nil {
		return fmt.Errorf("ensure outbound stream: %w", err)
	}

	// 3. Outbound publisher
	goWorker("publisher", ingestion.NewOutboundPublisher(js, publishChan, metrics, log).Run)

	// 4. NATS -> dispatcher -> engine
	dispatcher := ingestion.NewDispatcher(engine, metrics, log)
	inbound := make(chan ingestion.RawMessage, cfg.InboundChanSize)
	natsSubscriber := ingestion.NewNATSSubscriber(js, inbound, log)
	if err := natsSubscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}
	go func() {
		if err := dispatcher.Run(ctx, inbound); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("dispatcher: %w", err)
		}
	}()

	// 5. Scheduled correlation recompute and aggregation sweeps
	sched := scheduler.New(log)
	if err := sched.AddJob(cfg.CorrelationCron, scheduler.NewCorrelationJob(engine)); err != nil {
		return fmt.Errorf("schedule correlations: %w", err)
	}
	if err := sched.AddJob(cfg.SweepCron, scheduler.NewSweepJob(engine)); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	sched.Start(ctx)

	// 6. gRPC server and HTTP gateway
	queryService := query.NewQueryService(engine, dispatcher, db, log)
	grpcServer := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, &server.ServerDeps{
		QueryService:   queryService,
		HealthChecker:  healthChecker,
		Metrics:        metrics,
		RequestTimeout: cfg.RequestTimeout,
		ExposeMetrics:  cfg.MetricsAddr == "",
	}, log)
	go func() {
		if err := grpcServer.StartGRPC(ctx); err != nil {
			errChan <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	go func() {
		if err := grpcServer.StartHTTPGateway(ctx); err != nil {
			errChan <- fmt.Errorf("http gateway: %w", err)
		}
	}()

	// 7. Prometheus metrics server
	if cfg.MetricsAddr != "" {
		go func() {
			if err := serveMetrics(ctx, cfg.MetricsAddr, log); err != nil {
				errChan <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	// Bring restored firms up to date now that outputs have somewhere to go.
	engine.TriggerAll()
	healthChecker.SetReady(true)
	grpcServer.SetServing(true)

	log.Info().
		Int64("sequence", stats.Sequence).
		Int("tenants", stats.Tenants).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("RiskCore ready")

	// --- Wait for shutdown signal ---
	var runErr error
	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case runErr = <-errChan:
		log.Error().Err(runErr).Msg("goroutine failed, shutting down")
	}

	// --- Graceful shutdown ---
	// Stop intake first, then the engine, then drain the workers so the
	// last outputs reach Postgres.
	healthChecker.SetReady(false)
	grpcServer.SetServing(false)
	natsSubscriber.Stop()
	cancel()
	sched.Stop()
	engine.Close()

	stopWorkers()
	done := make(chan struct{})
	go func() {
		workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		log.Warn().Msg("workers did not drain in time")
	}
	return runErr
}

func serveMetrics(ctx context.Context, addr string, log zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		_ = srv.Shutdown(shutCtx)
	}()
	log.Info().Str("addr", addr).Msg("Metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
