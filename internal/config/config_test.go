package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  port: "9090"
  base_url: "https://previewd.example.com"

logging:
  level: "debug"
  format: "json"

database:
  host: "db.internal"
  port: 5433
  user: "svc"
  database: "previews"

storage:
  driver: "s3"
  s3:
    bucket: "previewd-artifacts"
    region: "us-east-1"

queue:
  driver: "redis"
  redis:
    addr: "redis.internal:6379"
    stream: "previewd:tasks"
    group: "previewd-workers"
    ack_wait_secs: 300
    max_deliver: 5
    max_batch: 8
    pull_wait_secs: 5

pipeline:
  download_max_concurrent: 12
  pdf_convert_max_concurrent: 4
  ocr_process_max_concurrent: 6
  storage_max_concurrent: 10

ocr:
  capacity: 6
  consecutive_failure_threshold: 3
  circuit_open_secs: 60

worker:
  id: "worker-1"
  secret: "hunter2"
  master_base_url: "https://previewd.example.com"
  heartbeat_interval_secs: 30

worker_proxy:
  workers:
    - worker_id: "worker-1"
      secret: "hunter2"
      enabled: true
    - worker_id: "worker-2"
      secret: "x"
      enabled: false

dynamic_worker:
  enabled: true
  enable_threshold: 15
  disable_threshold: 5
  check_interval_secs: 10
  sustained_seconds: 30
  max_concurrent_tasks: 6
  cpu_threshold_percent: 70
  memory_threshold_percent: 70
  cooldown_seconds: 60

master_fallback:
  enabled: true
  max_attempts: 2

distributed:
  enabled: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "https://previewd.example.com", cfg.Server.BaseURL)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 5433, cfg.Database.Port)
	assert.Equal(t, "s3", cfg.Storage.Driver)
	assert.Equal(t, "previewd-artifacts", cfg.Storage.S3.Bucket)
	assert.Equal(t, "redis", cfg.Queue.Driver)

	driver := cfg.Queue.Redis.ToDriver()
	assert.Equal(t, 5*time.Minute, driver.AckWait)
	assert.Equal(t, 5, driver.MaxDeliver)

	pool := cfg.OCR.ToPool()
	assert.Equal(t, 6, pool.Capacity)
	assert.Equal(t, uint32(3), pool.ConsecutiveFailureThreshold)
	assert.Equal(t, time.Minute, pool.CircuitOpenDuration)

	assert.Equal(t, []string{"worker-1"}, cfg.WorkerProxy.ExpectedWorkerIDs())

	dw := cfg.DynamicWorker.ToManager()
	assert.True(t, dw.Enabled)
	assert.Equal(t, int64(15), dw.EnableThreshold)
	assert.Equal(t, 30*time.Second, dw.SustainedDuration)

	assert.True(t, cfg.Fallback.ToReconcile().Enabled)
	assert.True(t, cfg.Distributed.Enabled)
}

func TestLoadMinimalConfigAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: "info"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "http://localhost:8080", cfg.Server.BaseURL)
	assert.Equal(t, "local", cfg.Storage.Driver)
	assert.Equal(t, "data/storage", cfg.Storage.Local.Dir)
	assert.Equal(t, "data/material-cache", cfg.Cache.Dir)
	assert.Equal(t, "rules", cfg.Rules.Dir)
	assert.Equal(t, "local", cfg.Queue.Driver)
	assert.Equal(t, 30, cfg.Worker.HeartbeatIntervalSecs)
	assert.Equal(t, "localhost", cfg.Database.Host)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfig(t, "server:\n  port: [broken\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")
}

func TestValidationErrors(t *testing.T) {
	path := writeConfig(t, `
storage:
  driver: "s3"
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket")

	path = writeConfig(t, `
queue:
  driver: "redis"
`)
	_, err = Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "address")
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("PREVIEWD_PORT", "7777")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("WORKER_ID", "env-worker")

	path := writeConfig(t, `
server:
  port: "9090"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "7777", cfg.Server.Port)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "env-worker", cfg.Worker.ID)
}
