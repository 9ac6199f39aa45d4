// Package downloader pulls source attachments, normalizes them (DOCX→PDF,
// images→PNG, PDFs pass through), caches the results and enqueues the
// rewritten preview onto the task queue.
package downloader

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/previewlabs/previewd/pkg/cache"
	"github.com/previewlabs/previewd/pkg/metrics"
	"github.com/previewlabs/previewd/pkg/preview"
	"github.com/previewlabs/previewd/pkg/queue"
	sharederrors "github.com/previewlabs/previewd/pkg/shared/errors"
)

const (
	downloadTimeout = 20 * time.Second
	dedupTTL        = 30 * time.Minute
)

// Store is the repository slice the downloader drives.
type Store interface {
	FetchPendingDownloads(ctx context.Context, limit int) ([]preview.DownloadTask, error)
	UpdateDownloadStatus(ctx context.Context, taskID, status, errorMessage string) error
	RequeueDownload(ctx context.Context, taskID, errorMessage string) error
	UpdateDownloadPayload(ctx context.Context, taskID, payloadJSON string) error
	GetDownloadCacheToken(ctx context.Context, sourceURL string) (*preview.DownloadCacheEntry, error)
	UpsertDownloadCacheToken(ctx context.Context, sourceURL, token string, ttl time.Duration) error
	SaveTaskPayload(ctx context.Context, previewID, payloadJSON string) error
	SaveCachedMaterial(ctx context.Context, previewID, materialCode, token string) error
}

// Config tunes the polling service.
type Config struct {
	BatchSize      int           `yaml:"batch_size"`
	MaxConcurrency int           `yaml:"max_concurrency"`
	IdleBackoff    time.Duration `yaml:"idle_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	MaxAttempts    int           `yaml:"max_attempts"`
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 4
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 4
	}
	if c.IdleBackoff <= 0 {
		c.IdleBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff < c.IdleBackoff {
		c.MaxBackoff = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
}

// Service is the polling download/normalize worker.
type Service struct {
	cfg       Config
	store     Store
	cache     *cache.MaterialCache
	taskQueue queue.TaskQueue
	converter *Converter
	http      *http.Client
	logger    *zap.Logger
}

// NewService wires the downloader.
func NewService(cfg Config, store Store, materialCache *cache.MaterialCache,
	taskQueue queue.TaskQueue, converter *Converter, logger *zap.Logger) *Service {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:       cfg,
		store:     store,
		cache:     materialCache,
		taskQueue: taskQueue,
		converter: converter,
		http:      &http.Client{Timeout: downloadTimeout},
		logger:    logger,
	}
}

// Run polls the download queue until ctx is cancelled, backing off
// exponentially on empty batches and errors.
func (s *Service) Run(ctx context.Context) {
	s.logger.Info("material downloader started",
		zap.Int("batch_size", s.cfg.BatchSize),
		zap.Int("max_concurrency", s.cfg.MaxConcurrency))

	backoff := s.cfg.IdleBackoff
	for {
		if ctx.Err() != nil {
			s.logger.Info("material downloader stopped")
			return
		}

		processed, err := s.processBatch(ctx)
		switch {
		case err != nil:
			s.logger.Error("download batch failed", zap.Error(err))
			fallthrough
		case processed == 0:
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > s.cfg.MaxBackoff {
				backoff = s.cfg.MaxBackoff
			}
		default:
			backoff = s.cfg.IdleBackoff
		}
	}
}

func (s *Service) processBatch(ctx context.Context) (int, error) {
	tasks, err := s.store.FetchPendingDownloads(ctx, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(tasks) == 0 {
		return 0, nil
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.cfg.MaxConcurrency)
	for _, task := range tasks {
		task := task
		group.Go(func() error {
			s.processTask(groupCtx, task)
			return nil
		})
	}
	_ = group.Wait()
	return len(tasks), nil
}

func (s *Service) processTask(ctx context.Context, task preview.DownloadTask) {
	if task.Attempts >= s.cfg.MaxAttempts {
		reason := fmt.Sprintf("max attempts reached (%d), not retrying", task.Attempts)
		s.logger.Warn("download task abandoned",
			zap.String("preview_id", task.PreviewID),
			zap.String("reason", reason))
		if err := s.store.UpdateDownloadStatus(ctx, task.ID, "failed", reason); err != nil {
			s.logger.Warn("download status update failed", zap.Error(err))
		}
		return
	}

	if err := s.processTaskInner(ctx, task); err != nil {
		s.logger.Error("download task failed",
			zap.String("preview_id", task.PreviewID),
			zap.Int("attempts", task.Attempts+1),
			zap.Int("max_attempts", s.cfg.MaxAttempts),
			zap.Error(err))
		if task.Attempts+1 >= s.cfg.MaxAttempts || sharederrors.IsDataError(err) {
			if uerr := s.store.UpdateDownloadStatus(ctx, task.ID, "failed", err.Error()); uerr != nil {
				s.logger.Warn("download status update failed", zap.Error(uerr))
			}
		} else if uerr := s.store.RequeueDownload(ctx, task.ID, err.Error()); uerr != nil {
			s.logger.Warn("download requeue failed", zap.Error(uerr))
		}
		return
	}

	if err := s.store.UpdateDownloadStatus(ctx, task.ID, "completed", ""); err != nil {
		s.logger.Warn("download status update failed", zap.Error(err))
	}
	s.logger.Info("download task completed", zap.String("preview_id", task.PreviewID))
}

func (s *Service) processTaskInner(ctx context.Context, task preview.DownloadTask) error {
	var body preview.Body
	if err := json.Unmarshal([]byte(task.Payload), &body); err != nil {
		return sharederrors.Fatal("parse preview body", err)
	}

	previewID := task.PreviewID
	thirdPartyRequestID := body.Preview.RequestID

	var failed []string
	for mi := range body.Preview.MaterialData {
		material := &body.Preview.MaterialData[mi]
		for ai := range material.AttachmentList {
			attachment := &material.AttachmentList[ai]
			if strings.HasPrefix(attachment.AttachURL, cache.Scheme) {
				continue // already normalized on a previous attempt
			}

			s.logger.Info("downloading attachment",
				zap.String("preview_id", previewID),
				zap.String("material_code", material.Code),
				zap.String("url", attachment.AttachURL))

			data, err := s.downloadWithRetries(ctx, previewID, attachment.AttachURL)
			if err != nil {
				failed = append(failed, fmt.Sprintf("%s: %v", attachment.AttachURL, err))
				continue
			}

			normalized, err := s.normalizeAttachment(ctx, material.Code, attachment, data)
			if err != nil {
				s.logger.Warn("attachment normalization failed",
					zap.String("preview_id", previewID),
					zap.String("material_code", material.Code),
					zap.String("url", attachment.AttachURL),
					zap.Error(err))
				failed = append(failed, fmt.Sprintf("%s: %v", attachment.AttachURL, err))
				continue
			}

			token, err := s.cache.Store(previewID, material.Code, normalized.name, normalized.data, normalized.mime)
			if err != nil {
				return fmt.Errorf("cache normalized attachment: %w", err)
			}
			if err := s.store.SaveCachedMaterial(ctx, previewID, material.Code, token); err != nil {
				s.logger.Warn("cached material bookkeeping failed", zap.Error(err))
			}

			s.logger.Info("attachment normalized and cached",
				zap.String("preview_id", previewID),
				zap.String("material_code", material.Code),
				zap.Int("bytes", len(normalized.data)),
				zap.String("mime", normalized.mime),
				zap.String("token_prefix", tokenPrefix(token)))

			if attachment.Extra == nil {
				attachment.Extra = map[string]any{}
			}
			attachment.Extra["originalUrl"] = attachment.AttachURL
			attachment.AttachName = normalized.name
			attachment.AttachURL = cache.URLFromToken(token)
		}
	}

	if len(failed) > 0 {
		// Persist partial progress so the next attempt resumes from the
		// rewritten URLs.
		if payload, err := json.Marshal(&body); err == nil {
			if uerr := s.store.UpdateDownloadPayload(ctx, task.ID, string(payload)); uerr != nil {
				s.logger.Warn("partial payload persistence failed", zap.Error(uerr))
			}
		}
		return fmt.Errorf("attachments failed: %s", strings.Join(failed, "; "))
	}

	queueTask := preview.NewTask(body, previewID, thirdPartyRequestID)
	payloadJSON, err := json.Marshal(queueTask)
	if err != nil {
		return sharederrors.Fatal("serialize preview task", err)
	}
	if err := s.store.SaveTaskPayload(ctx, previewID, string(payloadJSON)); err != nil {
		return err
	}

	return s.taskQueue.Enqueue(ctx, queueTask)
}

// downloadWithRetries resolves bytes via the persistent dedup cache and a
// bounded, backing-off HTTP fetch.
func (s *Service) downloadWithRetries(ctx context.Context, previewID, url string) ([]byte, error) {
	if entry, err := s.store.GetDownloadCacheToken(ctx, url); err == nil && entry != nil {
		if data, err := s.cache.Read(entry.Token); err == nil {
			metrics.RecordDownload("dedup_cache", true)
			return data, nil
		}
	}

	delay := 200 * time.Millisecond
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		data, err := s.fetchOnce(ctx, url)
		if err == nil {
			metrics.RecordDownload("http", true)
			token, cerr := s.cache.Store("dedup", "dedup", url, data, "")
			if cerr == nil {
				if uerr := s.store.UpsertDownloadCacheToken(ctx, url, token, dedupTTL); uerr != nil {
					s.logger.Debug("dedup cache upsert failed", zap.Error(uerr))
				}
			}
			return data, nil
		}
		lastErr = err
		metrics.RecordDownload("http", false)
		s.logger.Warn("download attempt failed",
			zap.String("preview_id", previewID),
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", s.cfg.MaxAttempts),
			zap.Error(err))

		if attempt < s.cfg.MaxAttempts {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if delay *= 2; delay > 3*time.Second {
				delay = 3 * time.Second
			}
		}
	}
	return nil, sharederrors.TransientIO("download after retries", lastErr)
}

func (s *Service) fetchOnce(ctx context.Context, url string) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func tokenPrefix(token string) string {
	if len(token) > 8 {
		return token[:8]
	}
	return token
}
