package main

import (
	"context"
	"encoding/json"
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

	"github.com/Strob0t/forgeflow/internal/adapter/eventbus"
	ffhttp "github.com/Strob0t/forgeflow/internal/adapter/http"
	"github.com/Strob0t/forgeflow/internal/adapter/lrucache"
	"github.com/Strob0t/forgeflow/internal/adapter/memory"
	ffnats "github.com/Strob0t/forgeflow/internal/adapter/nats"
	"github.com/Strob0t/forgeflow/internal/adapter/natskv"
	ffotel "github.com/Strob0t/forgeflow/internal/adapter/otel"
	"github.com/Strob0t/forgeflow/internal/adapter/postgres"
	"github.com/Strob0t/forgeflow/internal/adapter/ristretto"
	"github.com/Strob0t/forgeflow/internal/adapter/tiered"
	"github.com/Strob0t/forgeflow/internal/adapter/ws"
	"github.com/Strob0t/forgeflow/internal/config"
	"github.com/Strob0t/forgeflow/internal/domain/event"
	"github.com/Strob0t/forgeflow/internal/logger"
	"github.com/Strob0t/forgeflow/internal/port/cache"
	"github.com/Strob0t/forgeflow/internal/port/database"
	"github.com/Strob0t/forgeflow/internal/service"
	"github.com/Strob0t/forgeflow/internal/tokens"
)

const (
	idempotencyBucket  = "forgeflow-idempotency"
	idempotencyEntries = 4096
	tokenPreloadWait   = 5 * time.Second
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "admin" {
		if err := runAdmin(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
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

	log, logCloser := logger.New(cfg.Logging)
	slog.SetDefault(log)
	defer logCloser.Close()

	slog.Info("config loaded",
		"file", cfgPath,
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"providers", len(cfg.Providers),
		"cache_backend", cfg.Cache.Backend,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	preloadCtx, cancelPreload := context.WithTimeout(ctx, tokenPreloadWait)
	if err := tokens.Preload(preloadCtx); err != nil {
		slog.Warn("token encoding not ready, usage estimates use the heuristic until it loads", "error", err)
	}
	cancelPreload()

	// --- Observability ---
	otelProvider, err := ffotel.Setup(ctx, cfg.OTEL)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelProvider.Shutdown(shutdownCtx); err != nil {
			slog.Warn("otel shutdown", "error", err)
		}
	}()
	metrics, err := ffotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("otel metrics: %w", err)
	}

	// --- Infrastructure ---
	bus := eventbus.New(eventbus.WithDropHook(func(_ string, ev event.Event) {
		metrics.EventDropped(context.Background(), string(ev.Type))
	}))
	defer bus.Close()

	var natsConn *ffnats.Conn
	if cfg.NATS.URL != "" {
		natsConn, err = ffnats.Connect(ctx, cfg.NATS.URL, cfg.NATS.EventMaxAge)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer func() { _ = natsConn.Close() }()
		go natsConn.Relay(ctx, bus, cfg.NATS.RelayBuffer)
	}

	var store database.Store
	if cfg.Postgres.DSN != "" {
		pool, err := postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pool.Close()
		slog.Info("postgres connected")

		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		slog.Info("migrations applied")
		store = postgres.NewStore(pool)
	} else {
		slog.Warn("postgres dsn not set, runs are kept in memory only")
	}

	backend, closeCache, err := buildCache(ctx, &cfg.Cache, natsConn)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer closeCache()

	// --- Providers ---
	bindings, err := buildProviders(cfg)
	if err != nil {
		return err
	}
	router, err := service.NewRouter(service.RouterConfig{
		AttemptsPerProvider: cfg.Router.AttemptsPerProvider,
		CostWeight:          cfg.Router.CostWeight,
		LatencyWeight:       cfg.Router.LatencyWeight,
		QualityWeight:       cfg.Router.QualityWeight,
	}, bus, metrics, bindings...)
	if err != nil {
		return fmt.Errorf("router: %w", err)
	}
	prober := service.NewHealthProber(router, cfg.Router.ProbeInterval, cfg.Router.ProbeTimeout)
	prober.Start(ctx)

	// --- Services ---
	responseCache := service.NewResponseCache(backend, metrics)
	caller := service.NewPhaseCaller(router, responseCache, cfg.Engine.MaxTokens)
	mem := memory.New(0)
	gate := service.NewApprovalGate(cfg.Approval.DefaultTimeout, cfg.Approval.StaleWindow, metrics)
	loop := service.NewRevisionLoop(caller, bus, mem, metrics, cfg.Engine.MaxReviewLength)
	orch := service.NewOrchestrator(service.OrchestratorDeps{
		Caller:            caller,
		Loop:              loop,
		Gate:              gate,
		Bus:               bus,
		Store:             store,
		Memory:            mem,
		Metrics:           metrics,
		MaxConcurrentRuns: cfg.Engine.MaxConcurrentRuns,
		RetainFinished:    cfg.Engine.RetainFinishedRuns,
	})
	hub := ws.NewHub(bus, cfg.Engine.EventBuffer)

	// --- HTTP ---
	handlers := &ffhttp.Handlers{
		Orchestrator: orch,
		Router:       router,
		Prober:       prober,
		Cache:        responseCache,
		Memory:       mem,
	}

	r := chi.NewRouter()

	r.Use(ffhttp.RequestID)
	r.Use(ffhttp.Logger)
	r.Use(ffhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(ffhttp.SecurityHeaders)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(ffotel.HTTPMiddleware(cfg.OTEL.ServiceName))

	r.Get("/health", healthHandler(cfg, router, prober, hub))
	r.Handle("/metrics", otelProvider.MetricsHandler())
	r.Get("/ws", hub.HandleWS)

	idem, err := idempotencyStore(ctx, cfg.Server.IdempotencyTTL, natsConn)
	if err != nil {
		return fmt.Errorf("idempotency store: %w", err)
	}
	apiMW := []func(http.Handler) http.Handler{ffhttp.Idempotency(idem, cfg.Server.IdempotencyTTL)}
	if cfg.Server.RateLimit > 0 {
		limiter := ffhttp.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst)
		limiter.StartCleanup(ctx, time.Minute, 10*time.Minute)
		apiMW = append([]func(http.Handler) http.Handler{limiter.Handler}, apiMW...)
	}
	ffhttp.MountRoutes(r, handlers, apiMW...)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server", "addr", addr, "version", ffhttp.Version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}
	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	httpErr := srv.Shutdown(shutdownCtx)
	if err := orch.Shutdown(shutdownCtx); err != nil {
		slog.Warn("runs cancelled at shutdown", "error", err)
	}
	return httpErr
}

// buildCache selects the response cache backend. The tiered backend needs
// NATS for its shared L2 bucket.
func buildCache(ctx context.Context, cfg *config.Cache, nc *ffnats.Conn) (cache.Cache, func(), error) {
	nop := func() {}
	switch cfg.Backend {
	case "lru":
		c, err := lrucache.New(cfg.LRUEntries)
		if err != nil {
			return nil, nop, err
		}
		return c, nop, nil
	case "ristretto", "":
		c, err := ristretto.New(cfg.L1MaxSizeMB << 20)
		if err != nil {
			return nil, nop, err
		}
		return c, c.Close, nil
	case "tiered":
		l1, err := ristretto.New(cfg.L1MaxSizeMB << 20)
		if err != nil {
			return nil, nop, err
		}
		if nc == nil {
			l1.Close()
			return nil, nop, errors.New("tiered cache requires nats")
		}
		l2, err := natskv.Open(ctx, nc.JetStream(), cfg.L2Bucket, cfg.L2TTL)
		if err != nil {
			l1.Close()
			return nil, nop, err
		}
		return tiered.New(l1, l2, cfg.L1Expire), l1.Close, nil
	default:
		return nil, nop, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

// idempotencyStore keeps Idempotency-Key responses in a NATS KV bucket so
// retries are recognised across instances, or in process without NATS.
func idempotencyStore(ctx context.Context, ttl time.Duration, nc *ffnats.Conn) (cache.Cache, error) {
	if nc == nil {
		return lrucache.New(idempotencyEntries)
	}
	return natskv.Open(ctx, nc.JetStream(), idempotencyBucket, ttl)
}

// healthHandler returns an http.HandlerFunc that reports service health.
func healthHandler(cfg *config.Config, router *service.Router, prober *service.HealthProber, hub *ws.Hub) http.HandlerFunc {
	type healthStatus struct {
		Status        string                   `json:"status"`
		Version       string                   `json:"version"`
		Postgres      bool                     `json:"postgres"`
		NATS          bool                     `json:"nats"`
		Providers     []service.ProviderStatus `json:"providers"`
		LastProbe     *time.Time               `json:"last_probe,omitempty"`
		WSConnections int                      `json:"ws_connections"`
	}

	return func(w http.ResponseWriter, _ *http.Request) {
		status := healthStatus{
			Status:        "ok",
			Version:       ffhttp.Version,
			Postgres:      cfg.Postgres.DSN != "",
			NATS:          cfg.NATS.URL != "",
			Providers:     router.Providers(),
			WSConnections: hub.ConnectionCount(),
		}
		healthy := 0
		for _, p := range status.Providers {
			if p.Healthy {
				healthy++
			}
		}
		if healthy == 0 {
			status.Status = "degraded"
		}
		if t := prober.LastProbe(); !t.IsZero() {
			status.LastProbe = &t
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(status)
	}
}
