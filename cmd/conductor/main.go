package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ensemble-hq/conductor/internal/adapter/discord"
	cnats "github.com/ensemble-hq/conductor/internal/adapter/nats"
	"github.com/ensemble-hq/conductor/internal/adapter/otel"
	"github.com/ensemble-hq/conductor/internal/adapter/postgres"
	"github.com/ensemble-hq/conductor/internal/adapter/ristretto"
	"github.com/ensemble-hq/conductor/internal/config"
	"github.com/ensemble-hq/conductor/internal/logger"
	"github.com/ensemble-hq/conductor/internal/port/notifier"
	"github.com/ensemble-hq/conductor/internal/resilience"
	"github.com/ensemble-hq/conductor/internal/service"
)

const cacheSize = 64 << 20 // 64 MiB for policies and prompt templates

func main() {
	if err := run(); err != nil && err != context.Canceled {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log := logger.New(cfg.Logging)
	slog.SetDefault(log)
	log.Info("config loaded",
		"port", cfg.Server.Port,
		"default_agent", cfg.Worker.DefaultAgent,
		"poll_interval", cfg.Worker.PollInterval,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Infrastructure ---

	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	log.Info("postgres connected")

	if err := postgres.RunMigrations(cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	log.Info("migrations applied")

	queue, err := cnats.Connect(ctx, cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = queue.Close() }()

	cache, err := ristretto.New(cacheSize)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer cache.Close()

	shutdownMetrics, err := otel.InitMetrics(ctx, cfg.Logging.Service, cfg.Metrics)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownMetrics(shutdownCtx)
	}()

	metrics, err := otel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metric instruments: %w", err)
	}

	var notify notifier.Notifier
	if cfg.Notify.WebhookURL != "" {
		notify = discord.NewNotifier(cfg.Notify.WebhookURL)
	}

	// --- Services ---

	store := postgres.NewStore(pool)
	events := postgres.NewEventStore(pool, queue)
	exec := cnats.NewExecutor(queue)
	breaker := resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)

	policies := service.NewPolicyService(store, cache, service.PolicyTTL)
	evaluator := service.NewEvaluator(store, events)
	gates := service.NewCapGateService(store, policies)
	proposals := service.NewProposalService(store, events, gates, policies, metrics, log)
	triggers := service.NewTriggerEngine(store, events, evaluator, proposals, metrics, cfg.Worker.DefaultAgent, log)
	prompts := service.NewPromptService(store, cache)
	bridge := service.NewBridgeService(store, prompts, metrics, cfg.Worker.DefaultAgent, cfg.Worker.GrantDuration, log)
	recovery := service.NewRecoveryService(store, events, metrics, notify, cfg.Recovery.StaleAfter, cfg.Recovery.BatchSize, log)
	initiatives := service.NewInitiativeService(store, events, exec, proposals, policies, cfg.Worker.MemoryContext, log)
	worker := service.NewWorker(workerIdentity(cfg.Worker.Identity), store, exec, breaker, bridge, recovery, initiatives, notify, metrics, cfg.Worker.PollInterval, cfg.Worker.ReconcileBatch, log)

	// --- HTTP ---

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(10 * time.Second))
	r.Get("/healthz", healthHandler(store, queue))

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// --- Loops ---

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Run(gctx) })
	g.Go(func() error { return triggers.Run(gctx, cfg.Trigger.Interval, cfg.Trigger.Deadline) })
	g.Go(func() error { return recovery.Run(gctx, cfg.Recovery.Interval) })
	g.Go(func() error {
		log.Info("http listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	log.Info("shut down")
	return err
}

// workerIdentity tags step leases; defaults to hostname plus a short
// random suffix so two workers on one host stay distinguishable.
func workerIdentity(configured string) string {
	if configured != "" {
		return configured
	}
	host, err := os.Hostname()
	if err != nil {
		host = "conductor"
	}
	return host + "-" + uuid.NewString()[:8]
}

type pinger interface {
	Ping(ctx context.Context) error
}

type connChecker interface {
	IsConnected() bool
}

func healthHandler(db pinger, q connChecker) http.HandlerFunc {
	type healthStatus struct {
		Status   string `json:"status"`
		Postgres string `json:"postgres"`
		NATS     string `json:"nats"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		status := healthStatus{Status: "ok", Postgres: "ok", NATS: "ok"}
		code := http.StatusOK
		if err := db.Ping(r.Context()); err != nil {
			status.Status, status.Postgres = "degraded", err.Error()
			code = http.StatusServiceUnavailable
		}
		if !q.IsConnected() {
			status.Status, status.NATS = "degraded", "disconnected"
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	}
}
