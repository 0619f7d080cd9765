package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Stream.FrameTimeout != 120*time.Second {
		t.Errorf("expected 120s frame timeout, got %v", cfg.Stream.FrameTimeout)
	}
	if cfg.Stream.RetryInterval != 1500*time.Millisecond {
		t.Errorf("expected 1.5s retry, got %v", cfg.Stream.RetryInterval)
	}
	if cfg.Capture.ConfidenceThreshold != 0.75 {
		t.Errorf("expected threshold 0.75, got %v", cfg.Capture.ConfidenceThreshold)
	}
	if cfg.Capture.LateMinutes != 10 {
		t.Errorf("expected 10 late minutes, got %d", cfg.Capture.LateMinutes)
	}
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("POSTGRES_HOST", "db")
	t.Setenv("POSTGRES_USER", "u")
	t.Setenv("POSTGRES_PASSWORD", "p")
	t.Setenv("POSTGRES_DB", "rollcall")
	t.Setenv("STREAM_RETRY_INTERVAL", "2.5")
	t.Setenv("STREAM_FRAME_TIMEOUT", "10s")
	t.Setenv("CAPTURE_CONFIDENCE_THRESHOLD", "0.8")
	t.Setenv("WEB_PORT", "9090")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Database.URL != "postgres://u:p@db:5432/rollcall" {
		t.Errorf("unexpected database url %q", cfg.Database.URL)
	}
	if cfg.Stream.RetryInterval != 2500*time.Millisecond {
		t.Errorf("expected 2.5s retry, got %v", cfg.Stream.RetryInterval)
	}
	// Below the floor, clamped
	if cfg.Stream.FrameTimeout != MinFrameTimeout {
		t.Errorf("expected frame timeout clamped to %v, got %v", MinFrameTimeout, cfg.Stream.FrameTimeout)
	}
	if cfg.Capture.ConfidenceThreshold != 0.8 {
		t.Errorf("expected threshold 0.8, got %v", cfg.Capture.ConfidenceThreshold)
	}
	if cfg.Web.Addr() != "0.0.0.0:9090" {
		t.Errorf("unexpected addr %q", cfg.Web.Addr())
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rollcall.yaml")
	content := `
worker:
  encoder: goface
  models: /opt/models
capture:
  late_minutes: 15
stream:
  stop_grace: 3s
  retention: 10m
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CAPTURE_LATE_MINUTES", "20")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Worker.Encoder != "goface" || cfg.Worker.Models != "/opt/models" {
		t.Errorf("file values not applied: %+v", cfg.Worker)
	}
	if cfg.Stream.StopGrace != 3*time.Second {
		t.Errorf("expected 3s grace, got %v", cfg.Stream.StopGrace)
	}
	if cfg.Stream.Retention != 10*time.Minute {
		t.Errorf("expected 10m retention, got %v", cfg.Stream.Retention)
	}
	if cfg.Capture.LateMinutes != 20 {
		t.Errorf("env should override file, got %d", cfg.Capture.LateMinutes)
	}
	// Untouched keys keep defaults
	if cfg.Worker.Python != "python3" {
		t.Errorf("expected default interpreter, got %q", cfg.Worker.Python)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"threshold too low", "CAPTURE_CONFIDENCE_THRESHOLD", "0.2"},
		{"threshold not a number", "CAPTURE_CONFIDENCE_THRESHOLD", "high"},
		{"late minutes too high", "CAPTURE_LATE_MINUTES", "121"},
		{"unknown encoder", "FACE_ENCODER", "magic"},
		{"bad duration", "STREAM_STOP_GRACE", "soon"},
		{"negative retention", "STREAM_RETENTION", "-5m"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			if _, err := Load(""); !errors.Is(err, ErrInvalid) {
				t.Errorf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestCheckLocator(t *testing.T) {
	tests := []struct {
		locator string
		ok      bool
	}{
		{"rtsp://cam", true},
		{"short", false},
		{"   short   ", false},
		{strings.Repeat("a", 1024), true},
		{strings.Repeat("a", 1025), false},
	}
	for _, tt := range tests {
		err := CheckLocator(tt.locator)
		if (err == nil) != tt.ok {
			t.Errorf("CheckLocator(len=%d) err=%v, want ok=%v", len(tt.locator), err, tt.ok)
		}
	}
}

func TestCheckBounds(t *testing.T) {
	if err := CheckThreshold(0.4); err != nil {
		t.Errorf("0.4 should be accepted: %v", err)
	}
	if err := CheckThreshold(0.99); err != nil {
		t.Errorf("0.99 should be accepted: %v", err)
	}
	if err := CheckThreshold(0.995); err == nil {
		t.Error("0.995 should be rejected")
	}
	if err := CheckLateMinutes(1); err != nil {
		t.Errorf("1 should be accepted: %v", err)
	}
	if err := CheckLateMinutes(0); err == nil {
		t.Error("0 should be rejected")
	}
}
