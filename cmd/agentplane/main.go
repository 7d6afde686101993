// Command agentplane runs the agent deployment and lifecycle supervisor.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/Strob0t/agentplane/internal/adapter/docker"
	aphttp "github.com/Strob0t/agentplane/internal/adapter/http"
	"github.com/Strob0t/agentplane/internal/adapter/livekit"
	apnats "github.com/Strob0t/agentplane/internal/adapter/nats"
	"github.com/Strob0t/agentplane/internal/adapter/natskv"
	"github.com/Strob0t/agentplane/internal/adapter/otel"
	"github.com/Strob0t/agentplane/internal/adapter/postgres"
	"github.com/Strob0t/agentplane/internal/adapter/process"
	"github.com/Strob0t/agentplane/internal/adapter/ristretto"
	"github.com/Strob0t/agentplane/internal/adapter/tiered"
	"github.com/Strob0t/agentplane/internal/adapter/ws"
	"github.com/Strob0t/agentplane/internal/config"
	"github.com/Strob0t/agentplane/internal/execpool"
	"github.com/Strob0t/agentplane/internal/logger"
	"github.com/Strob0t/agentplane/internal/middleware"
	"github.com/Strob0t/agentplane/internal/port/messagequeue"
	"github.com/Strob0t/agentplane/internal/resilience"
	"github.com/Strob0t/agentplane/internal/secrets"
	"github.com/Strob0t/agentplane/internal/service"
)

const (
	idempotencyTTL  = 24 * time.Hour
	limiterSweep    = time.Minute
	limiterMaxIdle  = 10 * time.Minute
	shutdownTimeout = 10 * time.Second
	// l1Expire bounds how long a value read from the shared L2 bucket is
	// served from process memory.
	l1Expire        = 30 * time.Second
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	_ = godotenv.Load()

	if len(os.Args) > 1 && os.Args[1] == "admin" {
		if err := runAdmin(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		return
	}

	if err := run(os.Args[1:]); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags, err := config.ParseFlags(args)
	if err != nil {
		return err
	}
	cfg, cfgPath, err := config.LoadWithCLI(flags)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, closeLog := logger.New(cfg.Logging)
	defer closeLog.Close()
	slog.SetDefault(log)
	slog.Info("config loaded", "path", cfgPath, "port", cfg.Server.Port, "auth", cfg.Auth.Enabled)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Telemetry ---
	shutdownOTEL, err := otel.Init(ctx, cfg.OTEL)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	metrics, err := otel.NewMetrics()
	if err != nil {
		return fmt.Errorf("otel metrics: %w", err)
	}

	// --- Infrastructure ---
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	store := postgres.NewStore(pool)

	queue, err := apnats.Connect(ctx, cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = queue.Close() }()

	l1, err := ristretto.New(cfg.Cache.L1MaxSizeMB << 20)
	if err != nil {
		return fmt.Errorf("cache l1: %w", err)
	}
	defer l1.Close()
	l2, err := natskv.Open(ctx, queue.JetStream(), cfg.Cache.L2Bucket, cfg.Cache.L2TTL)
	if err != nil {
		return fmt.Errorf("cache l2: %w", err)
	}
	appCache := tiered.New(l1, l2, l1Expire)

	vault, err := secrets.NewVault(secrets.WithFallback(
		secrets.EnvLoader(livekit.SecretAPIKey, livekit.SecretAPISecret),
		map[string]string{
			livekit.SecretAPIKey:    cfg.LiveKit.APIKey,
			livekit.SecretAPISecret: cfg.LiveKit.APISecret,
		},
	))
	if err != nil {
		return fmt.Errorf("secrets: %w", err)
	}
	if err := vault.Require(livekit.SecretAPIKey, livekit.SecretAPISecret); err != nil {
		// Deploys fail with a dependency error until the credentials appear.
		slog.Warn("media server credentials missing", "error", err)
	}
	minter := livekit.NewMinter(cfg.LiveKit.URL, cfg.LiveKit.TokenTTL, vault)

	// --- Execution backends ---
	execPool := execpool.New(cfg.Agents.MaxConcurrentOps)
	breaker := resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout, docker.NewFailureFilter())
	containers := docker.NewRuntime(docker.Config{
		Binary:    cfg.Agents.DockerBinary,
		Network:   cfg.Agents.DockerNetwork,
		StopGrace: cfg.Agents.StopGrace,
		Timeout:   cfg.Agents.CommandTimeout,
	},
		docker.WithBreaker(breaker),
		docker.WithPool(execPool),
		docker.WithRedactor(vault.RedactString),
	)
	processes := process.NewRuntime(cfg.Agents.StopGrace, execPool)

	// --- Services ---
	hub := ws.NewHub(cfg.Server.CORSOrigin)

	logs := service.NewLogCapture(store)
	logs.SetBroadcaster(hub)
	logs.SetMetrics(metrics)

	lifecycle := service.NewLifecycleService(store, containers, processes, minter, logs, cfg.Agents)
	lifecycle.SetCache(appCache)
	lifecycle.SetQueue(queue)
	lifecycle.SetBroadcaster(hub)
	lifecycle.SetMetrics(metrics)

	definitions := service.NewDefinitionService(store, lifecycle)
	definitions.SetCache(appCache)

	sampler := service.NewMetricsSampler(store, containers, processes)
	sampler.SetCache(appCache)

	cancelHeartbeats, err := queue.Subscribe(ctx, messagequeue.SubjectInstanceHeartbeat, lifecycle.HandleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeats: %w", err)
	}
	defer cancelHeartbeats()

	// --- HTTP ---
	handlers := &aphttp.Handlers{
		Definitions: definitions,
		Lifecycle:   lifecycle,
		Metrics:     sampler,
		Hub:         hub,
		Store:       store,
		Dedupe:      middleware.Idempotency(appCache, idempotencyTTL),
	}
	if cfg.Server.LifecycleRate > 0 {
		limiter := middleware.NewRateLimiter(cfg.Server.LifecycleRate, cfg.Server.LifecycleBurst)
		stopSweep := limiter.StartCleanup(limiterSweep, limiterMaxIdle)
		defer stopSweep()
		handlers.Throttle = limiter.Handler
	}

	r := chi.NewRouter()
	r.Use(aphttp.CORS(cfg.Server.CORSOrigin))
	r.Use(aphttp.SecurityHeaders)
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(aphttp.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(cfg.Server.RequestTimeout))
	r.Use(otel.HTTPMiddleware(cfg.OTEL.ServiceName))
	r.Use(middleware.Auth(middleware.NewVerifier(cfg.Auth.JWTSecret), cfg.Auth.Enabled))

	aphttp.MountRoutes(r, handlers)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.Server.RequestTimeout + 10*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// --- Signals ---
	reload := make(chan os.Signal, 1)
	notifyReload(reload)
	defer signal.Stop(reload)
	go func() {
		for range reload {
			if err := vault.Reload(); err != nil {
				slog.Error("secret reload failed", "error", err)
				continue
			}
			slog.Info("secrets reloaded", "keys", vault.Keys())
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case sig := <-quit:
		slog.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown", "error", err)
	}
	// Containers outlive this process. Process agents lose their output
	// pipes here and do not survive a restart.
	if err := logs.Drain(shutdownCtx); err != nil {
		slog.Warn("log capture drain", "error", err)
	}
	if err := queue.Drain(); err != nil {
		slog.Warn("nats drain", "error", err)
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		slog.Warn("otel shutdown", "error", err)
	}

	slog.Info("server stopped")
	return nil
}
