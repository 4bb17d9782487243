package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"gateway-hub/internal/access"
	"gateway-hub/internal/auth"
	"gateway-hub/internal/config"
	"gateway-hub/internal/correlation"
	"gateway-hub/internal/dispatch"
	"gateway-hub/internal/emergency"
	"gateway-hub/internal/httpapi"
	"gateway-hub/internal/liveness"
	"gateway-hub/internal/mqtt"
	"gateway-hub/internal/observability"
	"gateway-hub/internal/pairing"
	"gateway-hub/internal/projector"
	"gateway-hub/internal/realtime"
	"gateway-hub/internal/router"
	"gateway-hub/internal/store"
)

func main() {
	cfg := config.Load()
	setupLogger(cfg.LogLevel)

	shutdownTelemetry, tracer := observability.Setup("gateway-hub")
	defer shutdownTelemetry()

	db, err := store.OpenPostgres(cfg.Postgres.User, cfg.Postgres.Password, cfg.Postgres.DBName, cfg.Postgres.Host, cfg.Postgres.Port, "")
	if err != nil {
		slog.Error("postgres connect failed", "error", err)
		os.Exit(1)
	}
	repo, err := store.New(db)
	if err != nil {
		slog.Error("schema migration failed", "error", err)
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		slog.Error("redis connect failed", "addr", cfg.RedisAddr, "error", err)
		os.Exit(1)
	}
	cache := store.NewSnapshotCache(rdb)

	mq := mqtt.New(cfg.MQTTBrokerURL)

	hub := realtime.NewHub()
	corr := correlation.NewStore()
	authz := auth.NewAuthorizer(repo)

	detector := emergency.New(emergency.NewBrokerNotifier(mq), hub, 0, 0)
	proj := projector.New(repo, cache, detector, hub)
	tracker := liveness.New(repo, mq, corr, proj, hub, cfg.OnlineWindow, cfg.CorrelationTimeout)
	dispatcher := dispatch.New(repo, mq, tracker)
	acc := access.New(repo, mq, corr, cfg.CorrelationTimeout)
	orchestrator := pairing.New(repo, cache, mq, authz, hub, detector)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt := router.New(mq, repo, tracker, proj, acc, corr)
	if err := rt.Start(ctx); err != nil {
		slog.Error("router subscribe failed", "error", err)
		os.Exit(1)
	}

	// Background maintenance: liveness sweep and processed-command purge.
	// SkipIfStillRunning keeps a slow DB from stacking overlapping runs.
	sched := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	if _, err := sched.AddFunc(cfg.SweepInterval, func() { tracker.Sweep(ctx) }); err != nil {
		slog.Error("invalid sweep spec", "spec", cfg.SweepInterval, "error", err)
		os.Exit(1)
	}
	if _, err := sched.AddFunc(cfg.PurgeInterval, func() { dispatcher.Purge(ctx, cfg.CommandRetention) }); err != nil {
		slog.Error("invalid purge spec", "spec", cfg.PurgeInterval, "error", err)
		os.Exit(1)
	}
	sched.Start()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	httpapi.NewServer(repo, cache, orchestrator, tracker, dispatcher, acc, hub).Register(mux)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: observability.WrapHandler(tracer, mux)}
	go func() {
		slog.Info("gateway-hub listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown incomplete", "error", err)
	}
	<-sched.Stop().Done()
	_ = rdb.Close()
	slog.Info("gateway-hub stopped")
}

func setupLogger(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}
