package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/chatvault/gateway/internal/audit"
	"github.com/chatvault/gateway/internal/auth"
	"github.com/chatvault/gateway/internal/balancer"
	"github.com/chatvault/gateway/internal/config"
	"github.com/chatvault/gateway/internal/dispatch"
	"github.com/chatvault/gateway/internal/gateway"
	"github.com/chatvault/gateway/internal/health"
	"github.com/chatvault/gateway/internal/policy"
	"github.com/chatvault/gateway/internal/ratelimit"
	"github.com/chatvault/gateway/internal/selector"
	"github.com/chatvault/gateway/internal/telemetry"
	"github.com/chatvault/gateway/internal/upstream"
)

var version = "dev"

func main() {
	configDir := flag.String("config", "configs", "path to configuration directory")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load configuration
	loader := config.NewLoader(*configDir, logger)
	if err := loader.Load(); err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := loader.Watch(); err != nil {
		logger.Warn("failed to start config watcher", "error", err)
	}

	cfg := loader.Config()

	// Connect to PostgreSQL
	dbPool, err := pgxpool.New(context.Background(), cfg.Database.DSN())
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()

	if err := dbPool.Ping(context.Background()); err != nil {
		logger.Warn("database not reachable (gateway will start but auth will fail)", "error", err)
	} else {
		logger.Info("database connected")
	}

	// Connect to Redis
	var rdb *redis.Client
	if len(cfg.Redis.Addresses) > 0 && cfg.Redis.Addresses[0] != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addresses[0],
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			logger.Warn("redis not reachable (auth cache disabled)", "error", err)
			rdb = nil
		} else {
			logger.Info("redis connected")
		}
	}

	// Rate-limit store
	var store ratelimit.Store
	var usageFn func() []ratelimit.Usage
	switch cfg.RateLimit.Store {
	case "redis":
		if rdb == nil {
			logger.Error("ratelimit store is redis but redis is not reachable")
			os.Exit(1)
		}
		store = ratelimit.NewRedisStore(rdb)
	default:
		mem := ratelimit.NewMemoryStore(cfg.RateLimit.SweepInterval)
		defer mem.Close()
		store = mem
		usageFn = mem.SnapshotUsage
	}
	limiter := ratelimit.NewLimiter(store, func() config.RateLimitConfig {
		return loader.Config().RateLimit
	})

	// Routing core
	bal := balancer.New(loader.Routing(), cfg.Routing)
	sel := selector.New(loader.Routing())
	loader.OnReload(func() {
		bal.Rebuild(loader.Routing())
		sel.Rebuild(loader.Routing())
		logger.Info("routing table reloaded")
	})

	// Access policy
	var accessPolicy dispatch.AccessPolicy
	if cfg.Policy.Enabled {
		eval := policy.NewEvaluator(func() config.PolicyConfig {
			return loader.Config().Policy
		})
		if err := eval.Load(); err != nil {
			logger.Error("failed to load access policies", "error", err)
			os.Exit(1)
		}
		loader.OnReload(func() {
			if err := eval.Load(); err != nil {
				logger.Error("policy reload failed, keeping previous policies", "error", err)
			}
		})
		accessPolicy = eval
	}

	// Active health probing
	if cfg.Routing.Probe.Enabled {
		prober := health.NewProber(bal, func() config.ProbeConfig {
			return loader.Config().Routing.Probe
		})
		prober.Start()
		defer prober.Close()
	}

	// Usage audit trail
	auditor := audit.NewWriter(dbPool, 0)
	defer auditor.Close()

	metrics := telemetry.NewMetrics()
	bal.OnCircuitTransition(func(model, instanceID string, state balancer.CircuitState) {
		metrics.RecordCircuitTransition(model, instanceID, state.String())
		level := slog.LevelWarn
		if state == balancer.StateClosed {
			level = slog.LevelInfo
		}
		logger.Log(context.Background(), level, "circuit state changed",
			"model", model, "instance", instanceID, "state", state.String())
	})
	orch := dispatch.NewOrchestrator(limiter, sel, bal, accessPolicy, auditor, metrics)

	keyStore := auth.NewCachedKeyStore(dbPool, rdb)
	up := upstream.NewClient(cfg.Server.WriteTimeout)
	handler := gateway.NewHandler(orch, up, loader.Routing, bal, sel, usageFn, auditor.Dropped)

	// Router setup
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)

	// Unauthenticated routes
	r.Get("/cv/v1/health", healthHandler)

	// Authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(keyStore))
		r.Post("/v1/chat/completions", handler.ChatCompletions)
		r.Get("/v1/models", handler.ListModels)
		r.Get("/cv/v1/stats", handler.Stats)
	})

	// Metrics server
	if cfg.Telemetry.MetricsPort > 0 {
		go func() {
			addr := fmt.Sprintf(":%d", cfg.Telemetry.MetricsPort)
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			logger.Info("metrics server starting", "addr", addr)
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway starting", "addr", addr, "version", version)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}
	logger.Info("gateway stopped")
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"version": version,
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = generateRequestID()
		}
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r)
	})
}

func generateRequestID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return fmt.Sprintf("req_%d_%s", time.Now().UnixMilli(), hex.EncodeToString(b))
}
