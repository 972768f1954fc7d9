package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if !cfg.Call.NotifyDecline || cfg.Call.RingTimeoutSeconds != 45 {
		t.Fatalf("call defaults = %+v", cfg.Call)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*Config)
		want string
	}{
		{"transport kind", func(c *Config) { c.Transport.Kind = "carrier-pigeon" }, "transport.kind"},
		{"redis without user id", func(c *Config) { c.Transport.Kind = TransportRedis }, "identity.user_id"},
		{"redis addr", func(c *Config) {
			c.Transport.Kind = TransportRedis
			c.Identity.UserID = "alice"
			c.Transport.RedisAddr = "nohost"
		}, "transport.redis_addr"},
		{"heartbeat over ttl", func(c *Config) { c.Presence.HeartbeatSec = 30 }, "heartbeat_seconds"},
		{"stun scheme", func(c *Config) { c.Call.STUNServers = []string{"turn:example.org"} }, "stun_servers"},
		{"ice order", func(c *Config) { c.Call.ICEDisconnectedMs = 30000 }, "ice_disconnected_ms"},
		{"ice failed zero", func(c *Config) {
			c.Call.ICEDisconnectedMs = 0
			c.Call.ICEFailedMs = 0
		}, "call.ice_failed_ms"},
		{"retry attempts", func(c *Config) { c.Call.Retry.MaxAttempts = 0 }, "call.retry.max_attempts"},
		{"retry backoff", func(c *Config) { c.Call.Retry.InitialBackoffMs = 5000 }, "initial_backoff_ms"},
		{"pion level", func(c *Config) { c.Call.PionLogLevel = "loud" }, "pion_log_level"},
		{"bitrate", func(c *Config) { c.Media.VideoBitrate = 10 }, "video_bitrate"},
		{"http addr", func(c *Config) { c.Viewer.HTTPAddr = "8788" }, "viewer.http_addr"},
		{"db path", func(c *Config) { c.Storage.DBPath = " " }, "storage.db_path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mod(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestLoadKeepsDefaultsAndStripsBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	body := "\xEF\xBB\xBF" + `{"call":{"notify_decline":false},"profile":{"label":"desk"}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Call.NotifyDecline {
		t.Fatal("notify_decline not overridden")
	}
	if cfg.Profile.Label != "desk" {
		t.Fatalf("label = %q", cfg.Profile.Label)
	}
	if cfg.Call.Retry.MaxAttempts != Default().Call.Retry.MaxAttempts {
		t.Fatal("missing field lost its default")
	}
}

func TestEnsureCreatesThenLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	cfg, created, err := Ensure(path)
	if err != nil || !created {
		t.Fatalf("Ensure = %v, %v", created, err)
	}
	cfg.Profile.Label = "kitchen"
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	again, created, err := Ensure(path)
	if err != nil || created {
		t.Fatalf("second Ensure = %v, %v", created, err)
	}
	if again.Profile.Label != "kitchen" {
		t.Fatalf("label = %q", again.Profile.Label)
	}
}

func TestSaveRefusesInvalid(t *testing.T) {
	cfg := Default()
	cfg.Transport.Kind = ""
	if err := Save(filepath.Join(t.TempDir(), FileName), cfg); err == nil {
		t.Fatal("saved an invalid config")
	}
}

func TestWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	if _, _, err := Ensure(path); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Config, 4)
	if err := Watch(ctx, path, func(c Config) { got <- c }); err != nil {
		t.Fatal(err)
	}

	// An invalid edit is skipped.
	if err := os.WriteFile(path, []byte(`{"transport":{"kind":"nope"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(2 * reloadDelay)

	cfg := Default()
	cfg.Call.RingTimeoutSeconds = 7
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	select {
	case c := <-got:
		if c.Call.RingTimeoutSeconds != 7 {
			t.Fatalf("ring timeout = %d", c.Call.RingTimeoutSeconds)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload")
	}
}
