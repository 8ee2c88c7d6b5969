package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"counterwatch/internal/alerting"
	"counterwatch/internal/analytics"
	"counterwatch/internal/config"
	"counterwatch/internal/monitor"
	"counterwatch/internal/observation"
	"counterwatch/internal/retention"
	"counterwatch/internal/server"
	"counterwatch/internal/store"
	"counterwatch/internal/sysmon"
	"counterwatch/internal/telemetry"

	"go.uber.org/zap"
)

const visionTimeout = 60 * time.Second

func main() {
	bootstrap, _ := zap.NewProduction()

	cfg, err := config.Load(os.Args[1:], bootstrap)
	if err != nil {
		bootstrap.Fatal("Failed to load configuration", zap.Error(err))
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		bootstrap.Fatal("Failed to build logger", zap.Error(err))
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("Service stopped with error", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	s, err := openStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", cfg.Store.Backend, err)
	}
	defer s.Close()
	logger.Info("Telemetry store ready", zap.String("backend", cfg.Store.Backend))

	evaluator := alerting.NewEvaluator(cfg.Thresholds)
	recorder := alerting.NewRecorder(s,
		alerting.NewWebhookNotifier(cfg.WebhookEnv, cfg.WebhookTimeout),
		logger.Named("alerts"),
		alerting.RecorderConfig{RingSize: cfg.AlertRingSize, StoreTimeout: cfg.StoreTimeout},
	)
	manager := telemetry.NewManager(s, evaluator, recorder, logger.Named("telemetry"),
		telemetry.WithAnalyzer(analytics.NewAnalyzer(cfg.AnomalyWindow, cfg.AnomalyThreshold)),
		telemetry.WithStoreTimeout(cfg.StoreTimeout),
	)

	obsDB, err := store.OpenSQLite(cfg.ObservationsDB)
	if err != nil {
		return fmt.Errorf("failed to open observations database: %w", err)
	}
	defer obsDB.Close()

	observations, err := observation.NewRepository(ctx, obsDB, manager, logger.Named("observations"))
	if err != nil {
		return err
	}

	if reader, err := sysmon.NewProcReader(); err != nil {
		logger.Warn("System sampling disabled", zap.Error(err))
	} else {
		sampler := sysmon.NewSampler(reader, manager, evaluator, logger.Named("sysmon"))
		go sampler.Run(ctx, cfg.SysmonInterval)
	}

	if cfg.Retention > 0 {
		sweeper := retention.NewSweeper(cfg.Retention, logger.Named("retention"))
		if p, ok := s.(retention.Pruner); ok {
			sweeper.Add("metrics", p)
		}
		sweeper.Add("observations", observations)
		go sweeper.Run(ctx, cfg.RetentionInterval)
	}

	if cfg.Monitor.FramesDir != "" {
		go runMonitor(ctx, cfg.Monitor, manager, observations, logger.Named("monitor"))
	}

	return server.New(manager, observations, logger.Named("http")).Run(ctx, cfg.ListenAddr)
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case "memory":
		return store.NewMemory(), nil
	case "jsonl":
		return store.NewJSONL(cfg.JSONLDir)
	case "redis":
		return store.NewRedis(ctx, store.RedisOptions{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			Retention: cfg.RedisRetention,
		})
	case "mongo":
		return store.NewMongo(ctx, cfg.MongoURI, cfg.MongoDatabase)
	default:
		db, err := store.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		s, err := store.NewSQLite(db)
		if err != nil {
			db.Close()
			return nil, err
		}
		return s, nil
	}
}

func runMonitor(ctx context.Context, cfg config.MonitorConfig, manager *telemetry.Manager, observations *observation.Repository, logger *zap.Logger) {
	src, err := monitor.NewDirSource(cfg.FramesDir)
	if err != nil {
		logger.Error("Failed to open frames directory", zap.String("dir", cfg.FramesDir), zap.Error(err))
		return
	}

	vision := monitor.NewGeminiClient(cfg.GeminiBaseURL, cfg.GeminiAPIKey, cfg.GeminiModel, visionTimeout)
	m := monitor.New(vision, observations, manager, logger, monitor.Config{
		OutputDir:   cfg.OutputDir,
		SampleEvery: cfg.SampleEvery,
		Workers:     cfg.Workers,
		SelfEval:    cfg.SelfEval,
	})

	logger.Info("Monitoring frames", zap.String("dir", cfg.FramesDir), zap.Int("frames", src.Len()))
	stats, err := m.Run(ctx, src)
	if err != nil {
		logger.Error("Monitor run failed", zap.Error(err))
		return
	}
	logger.Info("Monitor run finished",
		zap.Int64("analyzed", stats.Analyzed),
		zap.Int64("failed", stats.Failed),
		zap.Int64("theft_detected", stats.TheftDetected),
		zap.Float64("total_cost_usd", stats.TotalCost),
	)
}
