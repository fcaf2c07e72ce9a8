package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gatewaylabs/telembuf/internal/config"
	"github.com/gatewaylabs/telembuf/internal/engine"
	"github.com/gatewaylabs/telembuf/internal/lifecycle"
	"github.com/gatewaylabs/telembuf/internal/metrics"
	"github.com/gatewaylabs/telembuf/internal/serve"
	"github.com/gatewaylabs/telembuf/internal/spill"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("telembufd %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Observability.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("fatal error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Build the secondary-storage tier. On the constrained target this
	// is disabled and the engine runs RAM-only behind a no-op store.
	var (
		store     spill.Store = spill.NewNopStore()
		meta      *spill.Meta
		fileStore *spill.FileStore
		s3Client  *spill.S3Client
	)
	if cfg.Spill.Enabled {
		var err error
		meta, err = spill.OpenMeta(cfg.Spill.MetaPath, logger.Named("meta"))
		if err != nil {
			return fmt.Errorf("opening spill metadata: %w", err)
		}
		defer meta.Close()

		var archiver *spill.Archiver
		if cfg.Spill.Archive.Enabled {
			s3Client, err = spill.NewS3Client(ctx, cfg.Spill.Archive)
			if err != nil {
				return fmt.Errorf("creating S3 client: %w", err)
			}
			archiver = spill.NewArchiver(s3Client.API, s3Client.Bucket, s3Client.Prefix, logger.Named("archive"))
		}

		fileStore, err = spill.NewFileStore(cfg.Spill.DataDir, meta, archiver, logger.Named("spill"))
		if err != nil {
			return fmt.Errorf("opening spill store: %w", err)
		}
		store = fileStore

		if n, err := lifecycle.CollectOrphans(meta, cfg.Spill.DataDir, logger.Named("lifecycle")); err != nil {
			logger.Warn("orphan collection failed", zap.Error(err))
		} else if n > 0 {
			logger.Info("orphaned segment counters collected", zap.Int("count", n))
		}
	}

	eng, err := engine.New(engine.Config{
		SectorSize:     int(cfg.Pool.SectorSize),
		SectorCount:    cfg.Pool.SectorCount,
		SpillThreshold: cfg.Pool.SpillThreshold,
	}, store, logger.Named("engine"))
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	// Maintenance loop: stats refresh and deferred archive retries.
	var sweeper lifecycle.Sweeper
	if fileStore != nil {
		sweeper = fileStore
	}
	mgr := lifecycle.NewManager(eng, sweeper, logger.Named("lifecycle"))
	g.Go(func() error { return mgr.Run(gctx, cfg.Lifecycle.EvalInterval.Duration()) })

	if cfg.API.Enabled {
		g.Go(func() error {
			return serve.RunHTTP(gctx, cfg.API, eng, cfg.Sensors, logger.Named("api"))
		})
	}

	if cfg.Observability.Metrics.Enabled {
		g.Go(func() error { return metrics.RunServer(gctx, cfg.Observability.Metrics) })
	}

	if cfg.Observability.Health.Enabled {
		probes := map[string]metrics.Pinger{}
		if meta != nil {
			probes["meta"] = meta
		}
		if s3Client != nil {
			probes["s3"] = pingAdapter{s3Client}
		}
		healthChecker := metrics.NewHealthChecker(probes)
		g.Go(func() error {
			return metrics.RunHealthServer(gctx, cfg.Observability.Health, healthChecker)
		})
	}

	logger.Info("telembufd started",
		zap.String("version", version),
		zap.Int("sector_count", cfg.Pool.SectorCount),
		zap.Int64("sector_size", int64(cfg.Pool.SectorSize)),
		zap.Bool("spill", cfg.Spill.Enabled),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("shutting down")
	if err := eng.Close(); err != nil {
		logger.Error("error closing engine", zap.Error(err))
	}
	if meta != nil {
		// Marks the metadata store clean so the next start skips the
		// segment rescan.
		if err := meta.CloseClean(); err != nil {
			logger.Error("error closing spill metadata", zap.Error(err))
		}
	}

	return nil
}

// pingAdapter bridges the context-taking S3 ping to the health probe
// interface.
type pingAdapter struct {
	c *spill.S3Client
}

func (p pingAdapter) Ping() error {
	return p.c.Ping(context.Background())
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	switch cfg.Level {
	case "debug":
		zapCfg.Level.SetLevel(zap.DebugLevel)
	case "info":
		zapCfg.Level.SetLevel(zap.InfoLevel)
	case "warn":
		zapCfg.Level.SetLevel(zap.WarnLevel)
	case "error":
		zapCfg.Level.SetLevel(zap.ErrorLevel)
	}

	return zapCfg.Build()
}
