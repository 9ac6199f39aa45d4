// Package config loads and validates the previewd configuration file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/previewlabs/previewd/internal/database"
	"github.com/previewlabs/previewd/pkg/downloader"
	"github.com/previewlabs/previewd/pkg/dynamicworker"
	"github.com/previewlabs/previewd/pkg/ocr"
	"github.com/previewlabs/previewd/pkg/pipeline"
	"github.com/previewlabs/previewd/pkg/queue"
	"github.com/previewlabs/previewd/pkg/reconcile"
	"github.com/previewlabs/previewd/pkg/report"
	"github.com/previewlabs/previewd/pkg/shared/logging"
	"github.com/previewlabs/previewd/pkg/storage"
	"github.com/previewlabs/previewd/pkg/worker"
)

// Config is the full previewd configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Logging       logging.Config      `yaml:"logging"`
	Database      database.Config     `yaml:"database"`
	Storage       StorageConfig       `yaml:"storage"`
	Cache         CacheConfig         `yaml:"cache"`
	Rules         RulesConfig         `yaml:"rules"`
	Queue         QueueConfig         `yaml:"queue"`
	Pipeline      pipeline.Config     `yaml:"pipeline"`
	OCR           OCRConfig           `yaml:"ocr"`
	Worker        WorkerConfig        `yaml:"worker"`
	WorkerProxy   WorkerProxyConfig   `yaml:"worker_proxy"`
	Downloader    DownloaderConfig    `yaml:"downloader"`
	DynamicWorker DynamicWorkerConfig `yaml:"dynamic_worker"`
	Fallback      FallbackConfig      `yaml:"master_fallback"`
	Report        report.Config       `yaml:"report"`
	Notify        NotifyConfig        `yaml:"notify"`
	Distributed   DistributedConfig   `yaml:"distributed"`
}

// NotifyConfig points at the external system's status webhook; empty
// disables notifications.
type NotifyConfig struct {
	WebhookURL string `yaml:"webhook_url"`
}

// ServerConfig binds the HTTP listener.
type ServerConfig struct {
	Port    string `yaml:"port" validate:"required"`
	BaseURL string `yaml:"base_url" validate:"required,url"`
}

// StorageConfig selects the object-store driver.
type StorageConfig struct {
	Driver string           `yaml:"driver" validate:"oneof=local s3"`
	Local  LocalStoreConfig `yaml:"local"`
	S3     storage.S3Config `yaml:"s3"`
}

// LocalStoreConfig roots the directory-backed store.
type LocalStoreConfig struct {
	Dir string `yaml:"dir"`
}

// CacheConfig roots the material cache.
type CacheConfig struct {
	Dir string `yaml:"dir"`
}

// RulesConfig locates the rule files.
type RulesConfig struct {
	Dir   string `yaml:"dir"`
	Watch bool   `yaml:"watch"`
}

// QueueConfig selects the task queue driver.
type QueueConfig struct {
	Driver string           `yaml:"driver" validate:"oneof=local redis direct"`
	Local  LocalQueueConfig `yaml:"local"`
	Redis  RedisQueueConfig `yaml:"redis"`
}

// LocalQueueConfig bounds the in-process channel queue.
type LocalQueueConfig struct {
	ChannelCapacity int `yaml:"channel_capacity"`
}

// RedisQueueConfig tunes the broker-backed queue; durations in seconds.
type RedisQueueConfig struct {
	Addr         string `yaml:"addr"`
	Password     string `yaml:"password"`
	DB           int    `yaml:"db"`
	Stream       string `yaml:"stream"`
	Group        string `yaml:"group"`
	Consumer     string `yaml:"consumer"`
	AckWaitSecs  int    `yaml:"ack_wait_secs"`
	MaxDeliver   int    `yaml:"max_deliver"`
	MaxBatch     int    `yaml:"max_batch"`
	PullWaitSecs int    `yaml:"pull_wait_secs"`
}

// ToDriver maps into the queue package's config.
func (c RedisQueueConfig) ToDriver() queue.RedisConfig {
	return queue.RedisConfig{
		Addr:       c.Addr,
		Password:   c.Password,
		DB:         c.DB,
		Stream:     c.Stream,
		Group:      c.Group,
		Consumer:   c.Consumer,
		AckWait:    time.Duration(c.AckWaitSecs) * time.Second,
		MaxDeliver: c.MaxDeliver,
		MaxBatch:   c.MaxBatch,
		PullWait:   time.Duration(c.PullWaitSecs) * time.Second,
	}
}

// OCRConfig tunes the engine pool; durations in seconds.
type OCRConfig struct {
	Capacity                    int    `yaml:"capacity"`
	ConsecutiveFailureThreshold uint32 `yaml:"consecutive_failure_threshold"`
	CircuitOpenSecs             int    `yaml:"circuit_open_secs"`
	Binary                      string `yaml:"binary"`
	WorkDir                     string `yaml:"work_dir"`
	PageTimeoutSecs             int    `yaml:"page_timeout_secs"`
}

// ToPool maps into the ocr package's config.
func (c OCRConfig) ToPool() ocr.PoolConfig {
	return ocr.PoolConfig{
		Capacity:                    c.Capacity,
		ConsecutiveFailureThreshold: c.ConsecutiveFailureThreshold,
		CircuitOpenDuration:         time.Duration(c.CircuitOpenSecs) * time.Second,
		Engine: ocr.EngineOptions{
			Binary:      c.Binary,
			WorkDir:     c.WorkDir,
			PageTimeout: time.Duration(c.PageTimeoutSecs) * time.Second,
		},
	}
}

// WorkerConfig identifies this node as a worker.
type WorkerConfig struct {
	ID                    string `yaml:"id"`
	Secret                string `yaml:"secret"`
	MasterBaseURL         string `yaml:"master_base_url"`
	HeartbeatIntervalSecs int    `yaml:"heartbeat_interval_secs"`
	PageWindow            int    `yaml:"page_window"`
	MaxPDFPages           int    `yaml:"max_pdf_pages"`
	MaxPDFMB              int    `yaml:"max_pdf_mb"`
	RenderBinary          string `yaml:"render_binary"`
	RenderDPI             int    `yaml:"render_dpi"`
	RenderJPEGQuality     int    `yaml:"render_jpeg_quality"`
}

// ToProcessor maps into the worker package's config.
func (c WorkerConfig) ToProcessor() worker.Config {
	return worker.Config{
		PageWindow:  c.PageWindow,
		MaxPDFPages: c.MaxPDFPages,
		MaxPDFMB:    c.MaxPDFMB,
		Render: ocr.RenderOptions{
			Binary:      c.RenderBinary,
			DPI:         c.RenderDPI,
			JPEGQuality: c.RenderJPEGQuality,
		},
	}
}

// WorkerCredential authorizes one worker against the master.
type WorkerCredential struct {
	WorkerID string `yaml:"worker_id"`
	Secret   string `yaml:"secret"`
	Enabled  bool   `yaml:"enabled"`
}

// WorkerProxyConfig lists the workers allowed through the worker proxy.
type WorkerProxyConfig struct {
	Workers []WorkerCredential `yaml:"workers"`
}

// ExpectedWorkerIDs returns the enabled worker ids for the watchdog.
func (c WorkerProxyConfig) ExpectedWorkerIDs() []string {
	var ids []string
	for _, w := range c.Workers {
		if w.Enabled {
			ids = append(ids, w.WorkerID)
		}
	}
	return ids
}

// DownloaderConfig tunes the download service; durations in millis.
type DownloaderConfig struct {
	BatchSize      int `yaml:"batch_size"`
	MaxConcurrency int `yaml:"max_concurrency"`
	IdleBackoffMS  int `yaml:"idle_backoff_ms"`
	MaxBackoffMS   int `yaml:"max_backoff_ms"`
	MaxAttempts    int `yaml:"max_attempts"`
}

// ToService maps into the downloader package's config.
func (c DownloaderConfig) ToService() downloader.Config {
	return downloader.Config{
		BatchSize:      c.BatchSize,
		MaxConcurrency: c.MaxConcurrency,
		IdleBackoff:    time.Duration(c.IdleBackoffMS) * time.Millisecond,
		MaxBackoff:     time.Duration(c.MaxBackoffMS) * time.Millisecond,
		MaxAttempts:    c.MaxAttempts,
	}
}

// DynamicWorkerConfig tunes the embedded-worker supervisor; durations in
// seconds.
type DynamicWorkerConfig struct {
	Enabled                bool    `yaml:"enabled"`
	EnableThreshold        int64   `yaml:"enable_threshold"`
	DisableThreshold       int64   `yaml:"disable_threshold"`
	CheckIntervalSecs      int     `yaml:"check_interval_secs"`
	SustainedSecs          int     `yaml:"sustained_seconds"`
	MaxConcurrentTasks     int     `yaml:"max_concurrent_tasks"`
	CPUThresholdPercent    float64 `yaml:"cpu_threshold_percent"`
	MemoryThresholdPercent float64 `yaml:"memory_threshold_percent"`
	CooldownSecs           int     `yaml:"cooldown_seconds"`
}

// ToManager maps into the dynamicworker package's config.
func (c DynamicWorkerConfig) ToManager() dynamicworker.Config {
	return dynamicworker.Config{
		Enabled:                c.Enabled,
		EnableThreshold:        c.EnableThreshold,
		DisableThreshold:       c.DisableThreshold,
		CheckInterval:          time.Duration(c.CheckIntervalSecs) * time.Second,
		SustainedDuration:      time.Duration(c.SustainedSecs) * time.Second,
		MaxConcurrentTasks:     c.MaxConcurrentTasks,
		CPUThresholdPercent:    c.CPUThresholdPercent,
		MemoryThresholdPercent: c.MemoryThresholdPercent,
		Cooldown:               time.Duration(c.CooldownSecs) * time.Second,
	}
}

// FallbackConfig governs master fallback.
type FallbackConfig struct {
	Enabled         bool     `yaml:"enabled"`
	TriggerKeywords []string `yaml:"trigger_keywords"`
	MaxAttempts     int      `yaml:"max_attempts"`
}

// ToReconcile maps into the reconcile package's config.
func (c FallbackConfig) ToReconcile() reconcile.FallbackConfig {
	return reconcile.FallbackConfig{
		Enabled:         c.Enabled,
		TriggerKeywords: c.TriggerKeywords,
		MaxAttempts:     c.MaxAttempts,
	}
}

// DistributedConfig gates the worker proxy endpoints.
type DistributedConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load reads, overlays environment variables onto, and validates the
// configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{Database: *database.DefaultConfig()}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := loadFromEnv(cfg); err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromEnv(cfg *Config) error {
	if v := os.Getenv("PREVIEWD_PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("PREVIEWD_BASE_URL"); v != "" {
		cfg.Server.BaseURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Queue.Redis.Addr = v
	}
	if v := os.Getenv("WORKER_ID"); v != "" {
		cfg.Worker.ID = v
	}
	if v := os.Getenv("WORKER_SECRET"); v != "" {
		cfg.Worker.Secret = v
	}
	if v := os.Getenv("MASTER_BASE_URL"); v != "" {
		cfg.Worker.MasterBaseURL = v
	}
	if v := os.Getenv("DYNAMIC_WORKER_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.DynamicWorker.Enabled = enabled
		}
	}
	cfg.Database.LoadFromEnv()
	return nil
}

func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		cfg.Server.Port = "8080"
	}
	if cfg.Server.BaseURL == "" {
		cfg.Server.BaseURL = "http://localhost:" + cfg.Server.Port
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "local"
	}
	if cfg.Storage.Driver == "local" && cfg.Storage.Local.Dir == "" {
		cfg.Storage.Local.Dir = "data/storage"
	}
	if cfg.Storage.Driver == "s3" && cfg.Storage.S3.Bucket == "" {
		return fmt.Errorf("s3 storage requires a bucket")
	}
	if cfg.Cache.Dir == "" {
		cfg.Cache.Dir = "data/material-cache"
	}
	if cfg.Rules.Dir == "" {
		cfg.Rules.Dir = "rules"
	}
	if cfg.Queue.Driver == "" {
		cfg.Queue.Driver = "local"
	}
	if cfg.Queue.Driver == "redis" && cfg.Queue.Redis.Addr == "" {
		return fmt.Errorf("redis queue driver requires an address")
	}
	if cfg.Worker.HeartbeatIntervalSecs <= 0 {
		cfg.Worker.HeartbeatIntervalSecs = 30
	}

	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}
