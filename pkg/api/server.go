// Package api exposes the master's HTTP surface: the authenticated worker
// proxy endpoints, the public preview API, the storage file proxy and the
// monitoring endpoints.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/previewlabs/previewd/pkg/cache"
	"github.com/previewlabs/previewd/pkg/dynamicworker"
	"github.com/previewlabs/previewd/pkg/heartbeat"
	"github.com/previewlabs/previewd/pkg/ocr"
	"github.com/previewlabs/previewd/pkg/pipeline"
	"github.com/previewlabs/previewd/pkg/preview"
	"github.com/previewlabs/previewd/pkg/queue"
	"github.com/previewlabs/previewd/pkg/reconcile"
	"github.com/previewlabs/previewd/pkg/storage"
)

// Store is the repository surface the HTTP handlers touch.
type Store interface {
	CreatePreview(ctx context.Context, rec *preview.Record) error
	GetPreview(ctx context.Context, previewID string) (*preview.Record, error)
	MarkProcessing(ctx context.Context, previewID, workerID, attemptID string) error
	RetryPreview(ctx context.Context, previewID string) (string, error)
	EnqueueWorkerResult(ctx context.Context, previewID, workerID, payloadJSON string) error
	EnqueueDownload(ctx context.Context, previewID, payloadJSON string) (string, error)
	LoadTaskPayload(ctx context.Context, previewID string) (string, error)
	ResetDownloadForPreview(ctx context.Context, previewID string) (bool, error)
	ListMaterialFiles(ctx context.Context, filter preview.MaterialFileFilter) ([]preview.MaterialFileRecord, error)
}

// WorkerCredential authorizes one worker.
type WorkerCredential struct {
	WorkerID string
	Secret   string
	Enabled  bool
}

// Config wires the server's collaborators.
type Config struct {
	BaseURL            string
	DistributedEnabled bool
	Workers            []WorkerCredential
}

// Server holds the handler dependencies.
type Server struct {
	cfg        Config
	store      Store
	objects    storage.Storage
	cache      *cache.MaterialCache
	registry   *heartbeat.Registry
	reconciler *reconcile.Reconciler
	dynamic    *dynamicworker.Manager
	stages     *pipeline.StageController
	poolStats  func() ocr.Stats
	taskQueue  queue.TaskQueue
	logger     *zap.Logger
}

// NewServer builds the HTTP server. dynamic, stages, poolStats and
// taskQueue may be nil when the corresponding subsystem is absent.
func NewServer(cfg Config, store Store, objects storage.Storage, materialCache *cache.MaterialCache,
	registry *heartbeat.Registry, reconciler *reconcile.Reconciler, dynamic *dynamicworker.Manager,
	stages *pipeline.StageController, poolStats func() ocr.Stats,
	taskQueue queue.TaskQueue, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:        cfg,
		store:      store,
		objects:    objects,
		cache:      materialCache,
		registry:   registry,
		reconciler: reconciler,
		dynamic:    dynamic,
		stages:     stages,
		poolStats:  poolStats,
		taskQueue:  taskQueue,
		logger:     logger,
	}
}

// Router assembles the chi routes.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(120 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Worker-Id", "X-Worker-Key"},
	}))

	r.Route("/internal/worker", func(r chi.Router) {
		r.Use(s.workerAuth)
		r.Post("/materials/fetch", s.handleFetchMaterial)
		r.Post("/storage/presign", s.handlePresign)
		r.Post("/previews/{previewID}/start", s.handleWorkerStart)
		r.Put("/previews/{previewID}/result", s.handleWorkerResult)
		r.Post("/heartbeat", s.handleHeartbeat)
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/previews", s.handleCreatePreview)
		r.Get("/previews/{previewID}", s.handleGetPreview)
		r.Post("/previews/{previewID}/retry", s.handleRetryPreview)
		r.Post("/previews/{previewID}/repair", s.handleRepairPreview)
		r.Get("/storage/files/*", s.handleStorageFile)
		r.Get("/resources/status", s.handleResourceStatus)
		r.Get("/resources/health", s.handleHealth)
		r.Get("/dynamic-worker/status", s.handleDynamicWorkerStatus)
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}

type ctxKey string

const workerIDKey ctxKey = "worker-id"

// workerAuth validates the X-Worker-Id/X-Worker-Key pair against the
// configured worker list. Distributed mode must be enabled.
func (s *Server) workerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.DistributedEnabled {
			writeError(w, http.StatusForbidden, "distributed mode is not enabled")
			return
		}

		workerID := r.Header.Get("X-Worker-Id")
		workerKey := r.Header.Get("X-Worker-Key")
		if workerID == "" {
			writeError(w, http.StatusUnauthorized, "missing X-Worker-Id header")
			return
		}
		if workerKey == "" {
			writeError(w, http.StatusUnauthorized, "missing X-Worker-Key header")
			return
		}

		if len(s.cfg.Workers) == 0 {
			s.logger.Warn("worker proxy has no configured workers, denying access")
			writeError(w, http.StatusForbidden, "worker proxy is not enabled")
			return
		}

		for _, cred := range s.cfg.Workers {
			if cred.Enabled && cred.WorkerID == workerID && cred.Secret == workerKey {
				ctx := context.WithValue(r.Context(), workerIDKey, workerID)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
		}
		writeError(w, http.StatusUnauthorized, "invalid worker credentials")
	})
}

func workerIDFrom(r *http.Request) string {
	id, _ := r.Context().Value(workerIDKey).(string)
	return id
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"success": false, "error": message})
}
