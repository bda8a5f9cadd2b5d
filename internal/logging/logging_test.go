package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewWithInvalidLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Level = "loud"

	_, _, err := New(cfg)
	if err == nil {
		t.Fatal("Expected error for invalid log level")
	}
	if !strings.Contains(err.Error(), "invalid log level") {
		t.Errorf("Expected 'invalid log level' error, got: %v", err)
	}
}

func TestNewWithInvalidFormat(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Format = "xml"

	if _, _, err := New(cfg); err == nil {
		t.Fatal("Expected error for invalid log format")
	}
}

func TestNewWritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "forecast.log")
	cfg := DefaultConfig()
	cfg.FilePath = path
	cfg.Compress = false

	logger, closeFn, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	logger.Info("forecast computed", zap.Int("history_days", 30))
	logger.Debug("dropped below level")
	if err := closeFn(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 {
		t.Fatalf("Expected 1 log line, got %d: %q", len(lines), data)
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["message"] != "forecast computed" {
		t.Errorf("Expected message 'forecast computed', got %v", entry["message"])
	}
	if entry["level"] != "info" {
		t.Errorf("Expected level 'info', got %v", entry["level"])
	}
	if entry["service"] != "kubilitics-forecast" {
		t.Errorf("Expected service field, got %v", entry["service"])
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Error("Expected timestamp field")
	}
}

func TestNewWithWriter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, zapcore.WarnLevel)

	logger.Info("hidden")
	logger.Warn("shown", zap.String("key", "forecast_daily_30_30"))

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info line should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, `"key":"forecast_daily_30_30"`) {
		t.Errorf("expected structured field in output: %s", out)
	}
}

func TestConsoleFormat(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Format = "console"
	cfg.FilePath = filepath.Join(t.TempDir(), "console.log")

	logger, closeFn, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	logger.Warn("queue pressure")
	_ = closeFn()

	data, _ := os.ReadFile(cfg.FilePath)
	if !strings.Contains(string(data), "WARN") {
		t.Errorf("expected capitalised level in console output, got %q", data)
	}
}
