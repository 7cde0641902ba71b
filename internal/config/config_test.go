package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error loading defaults: %v", err)
	}
	if cfg.Address != DefaultAddr {
		t.Fatalf("expected default address %q, got %q", DefaultAddr, cfg.Address)
	}
	if cfg.HeartbeatInterval != DefaultHeartbeatInterval {
		t.Fatalf("expected default heartbeat interval, got %v", cfg.HeartbeatInterval)
	}
	if cfg.QueueCapacity != DefaultQueueCapacity {
		t.Fatalf("expected default queue capacity, got %d", cfg.QueueCapacity)
	}
	if cfg.ReconnectionWindow != DefaultReconnectionWindow {
		t.Fatalf("expected default reconnection window, got %v", cfg.ReconnectionWindow)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SYNCD_ADDR", ":9000")
	t.Setenv("SYNCD_HEARTBEAT_INTERVAL", "10s")
	t.Setenv("SYNCD_QUEUE_CAPACITY", "25")
	t.Setenv("SYNCD_ALLOWED_ORIGINS", "https://pos.example.com, https://kds.example.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Address != ":9000" {
		t.Fatalf("address override ignored: %q", cfg.Address)
	}
	if cfg.HeartbeatInterval != 10*time.Second {
		t.Fatalf("heartbeat override ignored: %v", cfg.HeartbeatInterval)
	}
	if cfg.QueueCapacity != 25 {
		t.Fatalf("queue capacity override ignored: %d", cfg.QueueCapacity)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://kds.example.com" {
		t.Fatalf("unexpected origins: %v", cfg.AllowedOrigins)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("SYNCD_HEARTBEAT_INTERVAL", "soon")
	t.Setenv("SYNCD_QUEUE_CAPACITY", "-1")

	if _, err := Load(); err == nil {
		t.Fatalf("expected validation error for invalid overrides")
	}
}
