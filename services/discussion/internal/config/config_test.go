package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaultsAndEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "sqlite:/tmp/discussion.db")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("DISCUSSION_PORT", "9090")
	t.Setenv("DISCUSSION_SCORING_MODE", "Queue")
	t.Setenv("DISCUSSION_INVITE_RATE_LIMIT_PER_MINUTE", "12")
	t.Setenv("DISCUSSION_TOPIC_CACHE_TTL", "45s")
	t.Setenv("DISCUSSION_TRUSTED_PROXY_CIDRS", "10.0.0.0/8, 127.0.0.1")

	path := writeConfig(t, `
port: "8086"
logLevel: "debug"
databaseURL: "memory"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Port != "9090" || cfg.DatabaseURL != "sqlite:/tmp/discussion.db" || cfg.RedisAddr != "redis:6379" {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if cfg.ScoringMode != ScoringModeQueue {
		t.Fatalf("scoringMode = %q, want queue", cfg.ScoringMode)
	}
	if cfg.InviteRateLimitPerMinute != 12 {
		t.Fatalf("inviteRateLimitPerMinute = %d, want 12", cfg.InviteRateLimitPerMinute)
	}
	if len(cfg.TrustedProxyCIDRs) != 2 || cfg.TrustedProxyCIDRs[1] != "127.0.0.1" {
		t.Fatalf("trustedProxyCidrs = %v", cfg.TrustedProxyCIDRs)
	}
	if cfg.QueueName != "discussion:awards" || cfg.QueueConcurrency != 2 || cfg.QueueMaxRetries != 3 {
		t.Fatalf("queue defaults not applied: %+v", cfg)
	}
	ttl, err := ParseTopicCacheTTL(cfg.TopicCacheTTL)
	if err != nil || ttl != 45*time.Second {
		t.Fatalf("topic cache ttl = %v, %v", ttl, err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected missing file error")
	}
}

func TestValidateConfig(t *testing.T) {
	base := FileConfig{Port: "8086", DatabaseURL: "memory", ScoringMode: ScoringModeInline}
	tests := []struct {
		name    string
		mutate  func(*FileConfig)
		wantErr string
	}{
		{name: "valid", mutate: func(*FileConfig) {}},
		{name: "missing port", mutate: func(c *FileConfig) { c.Port = "" }, wantErr: "port is required"},
		{name: "missing database", mutate: func(c *FileConfig) { c.DatabaseURL = "" }, wantErr: "databaseURL is required"},
		{name: "unknown mode", mutate: func(c *FileConfig) { c.ScoringMode = "batch" }, wantErr: "scoringMode"},
		{name: "queue without redis", mutate: func(c *FileConfig) { c.ScoringMode = ScoringModeQueue }, wantErr: "redisAddr is required"},
		{name: "rate limit without redis", mutate: func(c *FileConfig) { c.InviteRateLimitPerMinute = 5 }, wantErr: "redisAddr is required"},
		{name: "negative rate limit", mutate: func(c *FileConfig) { c.InviteRateLimitPerMinute = -1 }, wantErr: ">= 0"},
		{name: "negative retries", mutate: func(c *FileConfig) { c.QueueMaxRetries = -1 }, wantErr: "queue settings"},
		{name: "bad ttl", mutate: func(c *FileConfig) { c.TopicCacheTTL = "soon" }, wantErr: "topicCacheTTL"},
		{name: "bad verify keys", mutate: func(c *FileConfig) { c.InternalJWTVerifyPublicKeys = "nokid" }, wantErr: "internalJwtVerifyPublicKeys"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			err := validateConfig(cfg)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}
