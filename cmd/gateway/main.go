package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/aman-churiwal/event-gate/internal/audit"
	"github.com/aman-churiwal/event-gate/internal/circuitbreaker"
	"github.com/aman-churiwal/event-gate/internal/config"
	"github.com/aman-churiwal/event-gate/internal/gate"
	"github.com/aman-churiwal/event-gate/internal/healthcheck"
	"github.com/aman-churiwal/event-gate/internal/logging"
	"github.com/aman-churiwal/event-gate/internal/quota"
	"github.com/aman-churiwal/event-gate/internal/repository"
	"github.com/aman-churiwal/event-gate/internal/server"
	"github.com/aman-churiwal/event-gate/internal/service"
	"github.com/aman-churiwal/event-gate/internal/sink"
	"github.com/aman-churiwal/event-gate/internal/storage"
)

const retentionInterval = time.Hour

func main() {
	// Load env if it exists
	godotenv.Load()

	configPath := flag.String("config", envOr("GATE_CONFIG", "config.yaml"), "path to the YAML config file")
	flag.Parse()

	// Without a config file only defaults and GATE_* env apply, and nothing is watched
	path := *configPath
	if _, err := os.Stat(path); err != nil {
		path = ""
	}

	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Logger, cfg.Server.Environment)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	var manager *config.Manager
	if path != "" {
		manager, err = config.NewManager(path, logger)
		if err != nil {
			logger.Fatal("failed to watch config", zap.Error(err))
		}
		defer manager.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps := server.Deps{Config: cfg, Logger: logger}

	tracker, err := newTracker(ctx, cfg, logger, &deps)
	if err != nil {
		logger.Fatal("failed to create quota tracker", zap.Error(err))
	}
	if deps.Redis != nil {
		defer deps.Redis.Close()
	}

	ingestSink, err := newSink(ctx, cfg, logger, &deps)
	if err != nil {
		logger.Fatal("failed to create sink", zap.Error(err))
	}

	var recorder interface {
		gate.DecisionRecorder
		Close()
	} = audit.Nop{}

	if cfg.Database.DSN != "" {
		db, err := storage.NewPostgres(cfg.Database.DSN)
		if err != nil {
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		defer db.Close()

		if cfg.Database.AutoMigrate {
			if err := db.AutoMigrate(); err != nil {
				logger.Fatal("failed to migrate database", zap.Error(err))
			}
		}

		repo := repository.NewDecisionRepository(db)
		recorder = audit.NewRecorder(repo, audit.Config{BufferSize: cfg.Database.BufferSize}, logger)
		deps.Decisions = service.NewDecisionService(repo)
		deps.Postgres = db

		go runRetention(ctx, deps.Decisions, cfg.Database.RetentionDays, logger)

		logger.Info("decision audit log enabled")
	}

	deps.Gate = gate.New(tracker, ingestSink, logger,
		gate.WithRecorder(recorder),
		gate.WithMaxBatchEvents(cfg.Server.MaxBatchEvents),
	)

	if manager != nil {
		go watchLimits(ctx, manager, tracker, logger)
	}

	srv := server.New(deps)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Run()
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			logger.Error("server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	// Flush queued decisions after the last request has been answered
	recorder.Close()

	logger.Info("server exited")
}

func newTracker(ctx context.Context, cfg *config.Config, logger *zap.Logger, deps *server.Deps) (quota.Tracker, error) {
	limits := cfg.Quota.Limits()

	if cfg.Quota.Backend == "redis" {
		redis, err := storage.NewRedis(cfg.Redis.GetRedisAddr(), cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, err
		}
		deps.Redis = redis

		tr, err := quota.NewRedisTracker(redis.Client(), limits, quota.WithKeyPrefix(cfg.Quota.KeyPrefix))
		if err != nil {
			return nil, err
		}
		if err := tr.Load(ctx); err != nil {
			return nil, err
		}

		logger.Info("using redis quota tracker", zap.String("addr", cfg.Redis.GetRedisAddr()))
		return tr, nil
	}

	tr, err := quota.NewMemoryTracker(limits)
	if err != nil {
		return nil, err
	}
	go tr.Run(ctx, cfg.Quota.SweepInterval)

	logger.Info("using in-memory quota tracker")
	return tr, nil
}

func newSink(ctx context.Context, cfg *config.Config, logger *zap.Logger, deps *server.Deps) (sink.Sink, error) {
	if cfg.Sink.Type != "http" {
		return sink.NewLogSink(logger), nil
	}

	s, err := sink.NewHTTPSink(sink.HTTPConfig{
		Targets:              cfg.Sink.Targets,
		Path:                 cfg.Sink.Path,
		Timeout:              cfg.Sink.Timeout,
		LoadBalancerStrategy: cfg.Sink.Strategy,
		CircuitBreaker: circuitbreaker.Config{
			MaxFailures:     cfg.Sink.CircuitBreaker.MaxFailures,
			Timeout:         cfg.Sink.CircuitBreaker.Timeout,
			HalfOpenSuccess: cfg.Sink.CircuitBreaker.HalfOpenSuccess,
		},
		HealthCheck: healthcheck.Config{
			Endpoint:    cfg.Sink.HealthCheck.Endpoint,
			Interval:    cfg.Sink.HealthCheck.Interval,
			Timeout:     cfg.Sink.HealthCheck.Timeout,
			MaxFailures: cfg.Sink.HealthCheck.MaxFailures,
		},
	}, logger)
	if err != nil {
		return nil, err
	}

	go s.Run(ctx)
	deps.Sink = s

	return s, nil
}

// Applies reloaded quota limits without a restart. Other settings need one.
func watchLimits(ctx context.Context, m *config.Manager, tracker quota.Tracker, logger *zap.Logger) {
	updates := m.Subscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-updates:
			if !ok {
				return
			}

			limits := cfg.Quota.Limits()
			if err := tracker.SetLimits(limits); err != nil {
				logger.Warn("ignoring reloaded quota limits", zap.Error(err))
				continue
			}

			logger.Info("quota limits updated",
				zap.Int64("max_custom_events", limits.MaxCustomEvents),
				zap.Int64("max_bytes", limits.MaxBytes),
				zap.Duration("window", limits.Window),
				zap.String("mode", string(limits.Mode)),
			)
		}
	}
}

func runRetention(ctx context.Context, svc *service.DecisionService, retentionDays int, logger *zap.Logger) {
	if retentionDays <= 0 {
		return
	}

	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := svc.Cleanup(ctx, retentionDays)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("decision log cleanup failed", zap.Error(err))
				continue
			}
			if deleted > 0 {
				logger.Info("old decision logs deleted", zap.Int64("deleted", deleted))
			}
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
