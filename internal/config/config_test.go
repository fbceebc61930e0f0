package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TASK_WORKERS", "")
	t.Setenv("PERIODIC_TICK", "")

	cfg := Load()
	assert.Equal(t, "8484", cfg.ServerPort)
	assert.Positive(t, cfg.TaskWorkers)
	assert.Equal(t, 30*time.Second, cfg.PeriodicTick)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("TASK_WORKERS", "3")
	t.Setenv("PERIODIC_TICK", "250ms")
	t.Setenv("FLOWHUB_LOG_LEVEL", "debug")
	t.Setenv("DOCKER_ENABLED", "true")

	cfg := Load()
	assert.Equal(t, 3, cfg.TaskWorkers)
	assert.Equal(t, 250*time.Millisecond, cfg.PeriodicTick)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.True(t, cfg.DockerEnabled)
}

func TestLoadIgnoresMalformedNumbers(t *testing.T) {
	t.Setenv("HUB_QUEUE_SIZE", "lots")
	t.Setenv("SHUTDOWN_GRACE", "soon")

	cfg := Load()
	assert.Equal(t, 256, cfg.HubQueueSize)
	assert.Equal(t, 10*time.Second, cfg.ShutdownGrace)
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"DEBUG":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		"WARN":    slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseLogLevel(in), in)
	}
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, SplitList(" a, ,b ,"))
	assert.Nil(t, SplitList(""))
}

func TestSetupLoggerWithWriters(t *testing.T) {
	var stderr, file bytes.Buffer
	logger := SetupLoggerWithWriters(&stderr, &file, slog.LevelInfo)

	logger.Debug("hidden")
	logger.Info("task completed", "task_id", "abc")

	assert.Contains(t, stderr.String(), "task completed")
	assert.NotContains(t, stderr.String(), "hidden")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(file.Bytes(), &rec))
	assert.Equal(t, "abc", rec["task_id"])
}

func TestSetupLoggerWritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flowhub.log")
	logger, cleanup := SetupLogger(LogOptions{File: path, Level: slog.LevelInfo, MaxSizeMB: 1})
	logger.Info("hello")
	require.NoError(t, cleanup())
	assert.FileExists(t, path)
}
