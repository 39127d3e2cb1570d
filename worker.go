package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"kontextworker/artifacts"
	"kontextworker/core"
	"kontextworker/db"
	"kontextworker/engine"
	"kontextworker/handler"
	"kontextworker/imaging"
	"kontextworker/lifecycle"
	"kontextworker/logging"
	"kontextworker/metrics"
)

// worker holds every long-lived component built from one Config.
type worker struct {
	cfg       *core.Config
	logger    *logging.Logger
	collector *metrics.Collector
	store     *metrics.Store
	cache     *artifacts.Cache
	engines   *lifecycle.Manager
	handler   *handler.Handler
}

// newLogger builds the process logger from cfg. A nil console logs to stdout.
func newLogger(cfg *core.Config, console zapcore.WriteSyncer) (*logging.Logger, error) {
	return logging.NewLogger(logging.Options{
		Level:       logging.ParseLogLevelString(cfg.LogLevel, logging.InfoLevel),
		FilePath:    cfg.LogFile,
		Development: cfg.DevMode,
		Console:     console,
	})
}

// newCache builds the artifact cache with a client that has no overall
// timeout, since weight downloads run for a long time.
func newCache(cfg *core.Config, logger *logging.Logger, collector *metrics.Collector) *artifacts.Cache {
	hub := artifacts.NewHub(cfg.HubEndpoint, cfg.HubToken, core.GetHTTPClient(cfg, 0))
	return artifacts.NewCache(artifacts.OptionsFromConfig(cfg), hub, logger, collector)
}

// newWorker wires the job path. loader is engine.Load outside tests.
func newWorker(cfg *core.Config, logger *logging.Logger, loader lifecycle.Loader) (*worker, error) {
	offload, err := engine.ParseOffloadPolicy(cfg.EngineOffload)
	if err != nil {
		return nil, core.ErrInvalidValue("ENGINE_OFFLOAD", cfg.EngineOffload, err.Error())
	}

	collector := metrics.NewCollector()
	collector.SetEngineState(lifecycle.Unloaded.String())
	cache := newCache(cfg, logger, collector)

	engines := lifecycle.NewManager(cache, loader, lifecycle.Options{
		Precision:    cfg.EnginePrecision,
		Quantization: cfg.EngineQuantization,
		Offload:      offload,
		Threads:      cfg.EngineThreads,
	}, logger, collector)

	codec := imaging.NewCodec(core.GetHTTPClient(cfg, cfg.ImageFetchTimeout), cfg.MaxImageBytes,
		imaging.WithMaxPixels(cfg.MaxImagePixels))
	h := handler.New(codec, engines, handler.Defaults{
		Steps:         cfg.DefaultSteps,
		GuidanceScale: cfg.DefaultScale,
		OutputFormat:  cfg.OutputFormat,
	}, logger)

	return &worker{
		cfg:       cfg,
		logger:    logger,
		collector: collector,
		store:     metrics.NewStore(100, time.Now()),
		cache:     cache,
		engines:   engines,
		handler:   h,
	}, nil
}

// prepare runs optional provisioning and then enforces the startup
// precondition that the weight file exists.
func (w *worker) prepare(ctx context.Context) error {
	if w.cfg.AutoProvision {
		if err := w.cache.Provision(ctx); err != nil {
			return fmt.Errorf("provisioning failed: %w", err)
		}
	}

	d := w.cache.WeightDescriptor()
	if !d.ExistsLocally {
		return core.ErrWeightsMissing(d.LocalPath)
	}
	w.logger.Info("weights present", zap.String("path", d.LocalPath))
	return nil
}

// close releases the engine.
func (w *worker) close() {
	if err := w.engines.Close(); err != nil {
		w.logger.Warn("engine close failed", zap.Error(err))
	}
}

// openHistory opens job history when JOB_DB_PATH is set. The returned
// cleanup flushes queued writes and closes the database.
func openHistory(ctx context.Context, cfg *core.Config, logger *logging.Logger) (*db.Repository, func(), error) {
	if cfg.JobDBPath == "" {
		return nil, func() {}, nil
	}

	database, err := db.Open(cfg.JobDBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open job history: %w", err)
	}

	repo := db.NewRepository(database)
	repo.StartAsync(db.DefaultChannelCapacity, func(rec db.JobRecord, err error) {
		logger.Warn("job history write failed", zap.String("job_id", rec.ID), zap.Error(err))
	})

	if cfg.JobRetentionDays > 0 {
		database.StartCleanupScheduler(ctx, cfg.JobRetentionDays, 24*time.Hour, func(deleted int64, err error) {
			if err != nil {
				logger.Warn("job history cleanup failed", zap.Error(err))
				return
			}
			if deleted > 0 {
				logger.Info("job history cleaned up", zap.Int64("deleted", deleted))
			}
		})
	}

	logger.Info("job history enabled", zap.String("path", cfg.JobDBPath))
	return repo, func() {
		if !repo.Flush(db.DefaultDrainTimeout) {
			logger.Warn("job history flush timed out")
		}
		if err := database.Close(); err != nil {
			logger.Warn("job history close failed", zap.Error(err))
		}
	}, nil
}
