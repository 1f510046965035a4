package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/vnmchuo/advisor-gateway/config"
	"github.com/vnmchuo/advisor-gateway/internal/auth"
	"github.com/vnmchuo/advisor-gateway/internal/billing"
	"github.com/vnmchuo/advisor-gateway/internal/knowledge"
	"github.com/vnmchuo/advisor-gateway/internal/metrics"
	"github.com/vnmchuo/advisor-gateway/internal/orchestrator"
	"github.com/vnmchuo/advisor-gateway/internal/pricing"
	"github.com/vnmchuo/advisor-gateway/internal/provider"
	"github.com/vnmchuo/advisor-gateway/internal/provider/claude"
	"github.com/vnmchuo/advisor-gateway/internal/provider/gemini"
	"github.com/vnmchuo/advisor-gateway/internal/provider/openai"
	"github.com/vnmchuo/advisor-gateway/internal/proxy"
	"github.com/vnmchuo/advisor-gateway/internal/quota"
	"github.com/vnmchuo/advisor-gateway/internal/routing"
	"github.com/vnmchuo/advisor-gateway/internal/seeder"
	"github.com/vnmchuo/advisor-gateway/internal/supervisor"
	"github.com/vnmchuo/advisor-gateway/internal/telemetry"
	"github.com/vnmchuo/advisor-gateway/internal/tenant"
	"github.com/vnmchuo/advisor-gateway/internal/transport"
	"github.com/vnmchuo/advisor-gateway/internal/worker"
	"github.com/vnmchuo/advisor-gateway/pkg/ratelimit"
)

const serviceName = "advisor-gateway"

func fatal(msg string, err error) {
	slog.Error(msg, "error", err)
	os.Exit(1)
}

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		fatal("failed to load config", err)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer(serviceName, cfg)
	if err != nil {
		fatal("failed to init tracer", err)
	}
	defer shutdownTracer()

	// 3. Connect PostgreSQL (organizations, API keys, knowledge, ledger)
	ctx := context.Background()
	var pool *pgxpool.Pool
	if cfg.PostgresDSN != "" {
		pool, err = knowledge.Connect(ctx, cfg.PostgresDSN)
		if err != nil {
			fatal("failed to connect postgres", err)
		}
		defer pool.Close()
		slog.Info("PostgreSQL connected")
	}

	// 4. Connect Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		fatal("failed to ping redis", err)
	}
	slog.Info("Redis connected")

	// 5. Init usage ledger and its write-behind queue
	var ledger billing.Store
	switch cfg.LedgerDriver {
	case "sqlite":
		store, err := billing.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			fatal("failed to open sqlite ledger", err)
		}
		defer store.Close()
		ledger = store
	default:
		ledger = billing.NewPostgresStore(pool)
	}
	slog.Info("usage ledger ready", "driver", cfg.LedgerDriver)

	queue := worker.NewUsageQueue(ledger, cfg.UsageQueueSize, cfg.UsageWorkers)
	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		_ = queue.Process(ctx)
	}()
	go func() {
		for range queue.Errors() {
			metrics.RecordUsageDropped()
		}
	}()

	// 6. Init quota guard
	prices := pricing.DefaultTable()
	guard := quota.NewGuard(ledger, prices, quota.Limits{
		tenant.PlanFree:       cfg.BudgetFree,
		tenant.PlanStandard:   cfg.BudgetStandard,
		tenant.PlanPro:        cfg.BudgetPro,
		tenant.PlanEnterprise: cfg.BudgetEnterprise,
	}, queue)

	// 7. Init providers and router
	var providers []provider.Provider
	if cfg.OpenAIAPIKey != "" {
		providers = append(providers, openai.New(cfg.OpenAIAPIKey))
	}
	if cfg.AnthropicAPIKey != "" {
		providers = append(providers, claude.New(cfg.AnthropicAPIKey))
	}
	if cfg.GeminiAPIKey != "" {
		providers = append(providers, gemini.New(cfg.GeminiAPIKey))
	}
	if len(providers) == 0 {
		slog.Warn("no provider API keys configured, every model call will fail")
	}
	router := proxy.NewRouter(providers)
	selector := routing.NewSelector(routing.DefaultCatalog(), prices)

	// 8. Init knowledge retrieval
	var (
		retriever orchestrator.Retriever
		kb        *knowledge.Retriever
	)
	if pool != nil {
		store := knowledge.NewStore(pool)
		if err := store.Init(ctx); err != nil {
			fatal("failed to init knowledge store", err)
		}
		kb = knowledge.NewRetriever(router, store, cfg.KnowledgeMatchThreshold, cfg.KnowledgeMatchCount)
		retriever = kb
	}

	// 9. Init pipelines
	tracer := otel.GetTracerProvider().Tracer(serviceName)
	chat := orchestrator.New(selector, guard, retriever, transport.NewStreamer(router, cfg.RequestTimeout))
	verifier := supervisor.New(router, selector, retriever, guard, tracer)

	// 10. Init tenancy, auth and rate limiting
	var (
		orgs  tenant.Store
		keys  auth.Store
		authn *auth.Authenticator
	)
	if pool != nil {
		orgs = tenant.NewPostgresStore(pool)
		keys = auth.NewPostgresStore(pool)
		authn = auth.NewAuthenticator(keys, rdb)
	}
	guestPlan, err := tenant.ParsePlan(cfg.GuestPlan)
	if err != nil {
		fatal("invalid GUEST_PLAN", err)
	}
	resolver := tenant.NewResolver(orgs, rdb, guestPlan)
	limiter := ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitTPM)

	handler := proxy.NewHandler(proxy.HandlerConfig{
		Orgs:     resolver,
		Chat:     chat,
		Verifier: verifier,
		Quota:    guard,
		Billing:  ledger,
		Limiter:  limiter,
		Tracer:   tracer,

		RequestTimeout: cfg.RequestTimeout,
	})

	// 11. Seed test API key and sample knowledge if RUN_SEED=true
	if cfg.RunSeed && pool != nil {
		seeder.SeedTestAPIKey(ctx, keys, orgs)
		seeder.SeedKnowledge(ctx, kb)
	}

	// 12. Init Chi router
	r := chi.NewRouter()
	r.Use(auth.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// Public routes
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"advisor-gateway"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	if authn != nil {
		r.With(authn.Optional()).Post("/v1/chat", handler.HandleChat)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(authn.Require())
			r.Post("/v1/verify", handler.HandleVerify)
			r.Get("/v1/usage", handler.HandleUsage)
		})
	} else {
		slog.Warn("no POSTGRES_DSN, serving guest chat only")
		r.Post("/v1/chat", handler.HandleChat)
	}

	// 13. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("advisor gateway starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fatal("server error", err)
		}
	}()

	<-quit
	slog.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("forced shutdown", "error", err)
	}

	// Requests are done; flush the usage records they queued.
	queue.Close()
	select {
	case <-workersDone:
	case <-shutdownCtx.Done():
		slog.Error("usage queue not drained before shutdown deadline")
	}
	slog.Info("server stopped")
}
