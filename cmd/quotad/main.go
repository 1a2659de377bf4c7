package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ineyio/quotaledger"
	"github.com/ineyio/quotaledger/internal/config"
	logpkg "github.com/ineyio/quotaledger/internal/logger"
	"github.com/ineyio/quotaledger/internal/metrics"
	"github.com/ineyio/quotaledger/internal/transport/httpapi"
	"github.com/ineyio/quotaledger/meter"
	"github.com/ineyio/quotaledger/quota"
	quotapg "github.com/ineyio/quotaledger/quota/postgres"
	quotaredis "github.com/ineyio/quotaledger/quota/redis"
	quotasqlite "github.com/ineyio/quotaledger/quota/sqlite"
)

func main() {
	env := config.GetEnv()

	cfgPath := os.Getenv("QUOTAD_CONFIG")
	var (
		cfg config.Config
		err error
	)
	if cfgPath != "" {
		cfg, err = config.LoadFile(cfgPath)
	} else {
		cfg, err = config.Load(env)
	}
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger, err := logpkg.NewLogger(env, cfg.Logging.Level)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting quotad",
		zap.String("env", env),
		zap.Int("http_port", cfg.HTTP.Port),
		zap.String("store_driver", cfg.Store.Driver),
		zap.String("timezone", cfg.Quota.Timezone),
	)

	ctx := context.Background()
	store, health, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		logger.Fatal("Failed to open quota store", zap.Error(err))
	}
	defer closeStore()
	logger.Info("Quota store ready")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	promMeter, err := meter.NewPrometheusMeter(reg)
	if err != nil {
		logger.Fatal("Failed to register quota metrics", zap.Error(err))
	}
	httpMetrics, err := metrics.NewHTTP(reg)
	if err != nil {
		logger.Fatal("Failed to register HTTP metrics", zap.Error(err))
	}

	opts := append(cfg.Quota.EngineOptions(),
		quotaledger.WithLogger(logger.Named("engine")),
		quotaledger.WithMeter(meter.Multi(meter.NewLogMeter(logger.Named("meter")), promMeter)),
	)
	engine, err := quotaledger.New(store, opts...)
	if err != nil {
		logger.Fatal("Failed to create quota engine", zap.Error(err))
	}

	r := chi.NewRouter()
	r.Use(httpapi.JSONRecoverer(logger))
	r.Use(chiMiddleware.RequestID)
	r.Use(httpapi.WideEvent(logger))
	r.Use(httpMetrics.Middleware())
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpapi.NewServer(engine, health, logger).Register(r)

	addr := fmt.Sprintf(":%d", cfg.HTTP.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeoutSec) * time.Second,
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.HTTP.ShutdownSec)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}

	logger.Info("Server stopped gracefully")
}

// openStore builds the configured store, its health check and a close func.
func openStore(ctx context.Context, cfg config.StoreConfig) (quotaledger.Store, httpapi.HealthFunc, func(), error) {
	switch cfg.Driver {
	case "memory":
		return quota.NewMemoryStore(), nil, func() {}, nil

	case "sqlite":
		var opts []quotasqlite.Option
		if cfg.Prefix != "" {
			opts = append(opts, quotasqlite.WithTablePrefix(cfg.Prefix))
		}
		s, err := quotasqlite.Open(ctx, cfg.Path, opts...)
		if err != nil {
			return nil, nil, nil, err
		}
		return s, s.Ping, func() { _ = s.Close() }, nil

	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		var opts []quotapg.Option
		if cfg.Prefix != "" {
			opts = append(opts, quotapg.WithTablePrefix(cfg.Prefix))
		}
		s := quotapg.New(pool, opts...)
		if err := s.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		return s, s.Ping, pool.Close, nil

	case "redis":
		client := goredis.NewUniversalClient(&goredis.UniversalOptions{
			Addrs:    cfg.Addrs,
			Password: cfg.Password,
		})
		var opts []quotaredis.Option
		if cfg.Prefix != "" {
			opts = append(opts, quotaredis.WithKeyPrefix(cfg.Prefix))
		}
		s := quotaredis.New(client, opts...)
		if err := s.Ping(ctx); err != nil {
			_ = client.Close()
			return nil, nil, nil, err
		}
		return s, s.Ping, func() { _ = client.Close() }, nil
	}
	return nil, nil, nil, fmt.Errorf("unknown store driver %q (want %s)", cfg.Driver,
		strings.Join([]string{"memory", "sqlite", "postgres", "redis"}, ", "))
}
