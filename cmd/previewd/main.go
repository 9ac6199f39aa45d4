// previewd is the master node: it accepts preview requests, downloads and
// normalizes materials, dispatches tasks to the worker fleet, reconciles
// results and serves the worker proxy plus monitoring APIs.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/previewlabs/previewd/internal/config"
	"github.com/previewlabs/previewd/internal/database"
	"github.com/previewlabs/previewd/pkg/api"
	"github.com/previewlabs/previewd/pkg/cache"
	"github.com/previewlabs/previewd/pkg/datastorage"
	"github.com/previewlabs/previewd/pkg/downloader"
	"github.com/previewlabs/previewd/pkg/dynamicworker"
	"github.com/previewlabs/previewd/pkg/heartbeat"
	"github.com/previewlabs/previewd/pkg/ocr"
	"github.com/previewlabs/previewd/pkg/pipeline"
	"github.com/previewlabs/previewd/pkg/queue"
	"github.com/previewlabs/previewd/pkg/reconcile"
	"github.com/previewlabs/previewd/pkg/report"
	"github.com/previewlabs/previewd/pkg/rules"
	"github.com/previewlabs/previewd/pkg/shared/logging"
	"github.com/previewlabs/previewd/pkg/storage"
	"github.com/previewlabs/previewd/pkg/sysinfo"
	"github.com/previewlabs/previewd/pkg/worker"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "previewd: %v\n", err)
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(&cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := database.Migrate(db); err != nil {
		return err
	}
	repo := datastorage.NewRepository(db, logger.Named("repository"))

	objects, err := buildStorage(ctx, cfg)
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

	registry := heartbeat.NewRegistry(cfg.WorkerProxy.ExpectedWorkerIDs(), logger.Named("heartbeat"))
	go registry.RunWatchdog(ctx)

	reporter := report.NewGenerator(cfg.Report, repo, objects, cfg.Server.BaseURL, logger.Named("report"))

	var notifier reconcile.Notifier
	if cfg.Notify.WebhookURL != "" {
		notifier = reconcile.NewWebhookNotifier(cfg.Notify.WebhookURL, logger.Named("notify"))
	}

	reconciler := reconcile.NewReconciler(cfg.Fallback.ToReconcile(), repo, objects,
		materialCache, reporter, notifier, cfg.Server.BaseURL, logger.Named("reconcile"))
	go reconciler.RunPendingResultsLoop(ctx, 2*time.Second, 8)

	// The in-process pipeline serves master fallback, the local/direct
	// queue drivers and the embedded dynamic worker.
	fallbackSink := &worker.LocalSink{
		WorkerID: "master-embedded",
		Store:    repo,
		Results:  reconciler,
		FailFast: true,
	}
	fallbackProcessor := worker.NewProcessor(cfg.Worker.ToProcessor(), "master-embedded",
		fallbackSink, &worker.CacheFetcher{Cache: materialCache},
		stages, pool, ruleEngine, logger.Named("fallback-worker"))
	reconciler.SetFallbackHandler(fallbackProcessor)

	localSink := &worker.LocalSink{
		WorkerID: "master-embedded",
		Store:    repo,
		Results:  reconciler,
	}
	localProcessor := worker.NewProcessor(cfg.Worker.ToProcessor(), "master-embedded",
		localSink, &worker.CacheFetcher{Cache: materialCache},
		stages, pool, ruleEngine, logger.Named("embedded-worker"))

	taskQueue, consumerFactory, err := buildQueue(ctx, cfg, localProcessor, logger)
	if err != nil {
		return err
	}

	downloadSvc := downloader.NewService(cfg.Downloader.ToService(), repo, materialCache,
		taskQueue, downloader.NewConverter(), logger.Named("downloader"))
	go downloadSvc.Run(ctx)

	var dynamic *dynamicworker.Manager
	if consumerFactory != nil {
		dynamic = dynamicworker.NewManager(cfg.DynamicWorker.ToManager(),
			taskQueue.Depth, nil, localProcessor, consumerFactory, logger.Named("dynamic-worker"))
		go dynamic.Run(ctx)
	}

	server := api.NewServer(api.Config{
		BaseURL:            cfg.Server.BaseURL,
		DistributedEnabled: cfg.Distributed.Enabled,
		Workers:            workerCredentials(cfg),
	}, repo, objects, materialCache, registry, reconciler, dynamic, stages,
		pool.Stats, taskQueue, logger.Named("api"))

	httpServer := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: server.Router(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("previewd master listening",
		zap.String("port", cfg.Server.Port),
		zap.String("queue_driver", cfg.Queue.Driver),
		zap.Bool("distributed", cfg.Distributed.Enabled))

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func buildStorage(ctx context.Context, cfg *config.Config) (storage.Storage, error) {
	switch cfg.Storage.Driver {
	case "s3":
		return storage.NewS3(ctx, cfg.Storage.S3, cfg.Server.BaseURL)
	default:
		return storage.NewLocal(cfg.Storage.Local.Dir, cfg.Server.BaseURL)
	}
}

// buildQueue returns the producer queue and, for broker-backed drivers, a
// consumer factory for the dynamic worker manager.
func buildQueue(ctx context.Context, cfg *config.Config, handler queue.Handler,
	logger *zap.Logger) (queue.TaskQueue, dynamicworker.ConsumerFactory, error) {
	switch cfg.Queue.Driver {
	case "redis":
		redisQueue, err := queue.NewRedis(ctx, cfg.Queue.Redis.ToDriver(), logger.Named("queue"))
		if err != nil {
			return nil, nil, err
		}
		redisQueue.StartHealthMonitor(ctx)
		factory := func() (queue.Consumer, error) {
			return redisQueue.NewConsumer("master-embedded"), nil
		}
		return redisQueue, factory, nil
	case "direct":
		return queue.NewDirect(handler, logger.Named("queue")), nil, nil
	default:
		return queue.NewLocal(ctx, handler, cfg.Queue.Local.ChannelCapacity, logger.Named("queue")), nil, nil
	}
}

func workerCredentials(cfg *config.Config) []api.WorkerCredential {
	creds := make([]api.WorkerCredential, 0, len(cfg.WorkerProxy.Workers))
	for _, w := range cfg.WorkerProxy.Workers {
		creds = append(creds, api.WorkerCredential{
			WorkerID: w.WorkerID,
			Secret:   w.Secret,
			Enabled:  w.Enabled,
		})
	}
	return creds
}
