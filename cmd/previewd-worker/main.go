// previewd-worker is a standalone worker node: it consumes the task
// queue, runs the per-material pipeline (fetch via the master proxy →
// convert → OCR → evaluate) and reports results and heartbeats back to
// the master.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/previewlabs/previewd/internal/config"
	"github.com/previewlabs/previewd/pkg/cache"
	"github.com/previewlabs/previewd/pkg/ocr"
	"github.com/previewlabs/previewd/pkg/pipeline"
	"github.com/previewlabs/previewd/pkg/queue"
	"github.com/previewlabs/previewd/pkg/rules"
	"github.com/previewlabs/previewd/pkg/shared/logging"
	"github.com/previewlabs/previewd/pkg/sysinfo"
	"github.com/previewlabs/previewd/pkg/worker"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "previewd-worker: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if cfg.Queue.Driver != "redis" {
		return fmt.Errorf("standalone workers require the redis queue driver, got %q", cfg.Queue.Driver)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := worker.NewClient(cfg.Worker.MasterBaseURL, cfg.Worker.ID, cfg.Worker.Secret,
		logger.Named("client"))
	if err != nil {
		return err
	}

	materialCache, err := cache.New(cfg.Cache.Dir, logger.Named("cache"))
	if err != nil {
		return err
	}

	ruleEngine, err := rules.NewEngine(cfg.Rules.Dir, logger.Named("rules"))
	if err != nil {
		return err
	}
	if cfg.Rules.Watch {
		if err := ruleEngine.Watch(ctx.Done()); err != nil {
			logger.Warn("rules watcher unavailable", zap.Error(err))
		}
	}

	stages := pipeline.NewStageController(cfg.Pipeline, sysinfo.Collect, logger.Named("pipeline"))
	go stages.AdaptiveLoop(ctx, 30*time.Second, nil)

	pool := ocr.NewPool(cfg.OCR.ToPool(), logger.Named("ocr"))
	defer pool.Shutdown()

	processor := worker.NewProcessor(cfg.Worker.ToProcessor(), cfg.Worker.ID, client,
		&worker.ProxyFetcher{Client: client, Cache: materialCache},
		stages, pool, ruleEngine, logger.Named("worker"))

	redisQueue, err := queue.NewRedis(ctx, cfg.Queue.Redis.ToDriver(), logger.Named("queue"))
	if err != nil {
		return err
	}
	redisQueue.StartHealthMonitor(ctx)
	consumer := redisQueue.NewConsumer(cfg.Worker.ID)

	heartbeatLoop := worker.NewHeartbeatLoop(client, pool, processor.Activity(),
		time.Duration(cfg.Worker.HeartbeatIntervalSecs)*time.Second,
		redisQueue.Depth, logger.Named("heartbeat"))
	go heartbeatLoop.Run(ctx)

	logger.Info("previewd worker started",
		zap.String("worker_id", cfg.Worker.ID),
		zap.String("master", cfg.Worker.MasterBaseURL))

	if err := consumer.Run(ctx, processor); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
