package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestLoad_EnvOverridesDefaults(t *testing.T) {
	t.Setenv(ConfigPathEnvVar, filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("JWT_SECRET", testSecret)
	t.Setenv("LISTEN_ADDR", ":9999")
	t.Setenv("BROADCAST_MODE", "nats")
	t.Setenv("SEND_LIMIT", "7")
	t.Setenv("READ_TIMEOUT", "3s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.ListenAddr != ":9999" {
		t.Errorf("listen_addr = %q, want :9999", cfg.Server.ListenAddr)
	}
	if cfg.Broadcast.Mode != BroadcastNATS {
		t.Errorf("broadcast.mode = %q, want nats", cfg.Broadcast.Mode)
	}
	if cfg.Chat.SendLimit != 7 {
		t.Errorf("send_limit = %d, want 7", cfg.Chat.SendLimit)
	}
	if cfg.Server.ReadTimeout != 3*time.Second {
		t.Errorf("read_timeout = %v, want 3s", cfg.Server.ReadTimeout)
	}
	// Untouched values keep their defaults.
	if cfg.Chat.MaxContentChars != 2000 {
		t.Errorf("max_content_chars = %d, want 2000", cfg.Chat.MaxContentChars)
	}
}

func TestLoad_YAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := strings.Join([]string{
		"auth:",
		"  secret: " + testSecret,
		"chat:",
		"  block_policy: both",
		"  history_limit: 50",
		"",
	}, "\n")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(ConfigPathEnvVar, path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Chat.BlockPolicy != BlockBoth {
		t.Errorf("block_policy = %q, want both", cfg.Chat.BlockPolicy)
	}
	if !cfg.Chat.BlocksOnCreate() || !cfg.Chat.BlocksOnSend() {
		t.Error("policy both should block on create and send")
	}
	if cfg.Chat.HistoryLimit != 50 {
		t.Errorf("history_limit = %d, want 50", cfg.Chat.HistoryLimit)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"ok", func(c *Config) {}, ""},
		{"short secret", func(c *Config) { c.Auth.Secret = "short" }, "at least"},
		{"bad broadcast", func(c *Config) { c.Broadcast.Mode = "kafka" }, "broadcast.mode"},
		{"bad block policy", func(c *Config) { c.Chat.BlockPolicy = "sometimes" }, "block_policy"},
		{"block without redis", func(c *Config) {
			c.Chat.BlockPolicy = BlockSend
			c.Redis.Enabled = false
		}, "requires redis"},
		{"zero workers", func(c *Config) { c.Server.WorkerPoolSize = 0 }, "worker_pool_size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Auth.Secret = testSecret
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestEnvTransformIgnoresUnknown(t *testing.T) {
	if got := envTransform("PATH"); got != "" {
		t.Errorf("envTransform(PATH) = %q, want empty", got)
	}
	if got := envTransform("REDIS_ADDR"); got != "redis.addr" {
		t.Errorf("envTransform(REDIS_ADDR) = %q", got)
	}
}
