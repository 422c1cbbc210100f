package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"discussmatch/internal/servicetoken"
)

const (
	ScoringModeInline = "inline"
	ScoringModeQueue  = "queue"
)

// ConfigPath is the config file read when Load is given an empty path.
var ConfigPath = envOr("DISCUSSION_CONFIG", "config.yaml")

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port                        string   `yaml:"port"`
	LogLevel                    string   `yaml:"logLevel"`
	DatabaseURL                 string   `yaml:"databaseURL"`
	RedisAddr                   string   `yaml:"redisAddr"`
	RedisPassword               string   `yaml:"redisPassword"`
	TopicCacheTTL               string   `yaml:"topicCacheTTL"`
	InviteRateLimitPerMinute    int      `yaml:"inviteRateLimitPerMinute"`
	ScoringMode                 string   `yaml:"scoringMode"`
	QueueName                   string   `yaml:"queueName"`
	QueueGroup                  string   `yaml:"queueGroup"`
	QueueConcurrency            int      `yaml:"queueConcurrency"`
	QueueMaxRetries             int      `yaml:"queueMaxRetries"`
	QueueRetryDelaySeconds      int      `yaml:"queueRetryDelaySeconds"`
	TrustedProxyCIDRs           []string `yaml:"trustedProxyCidrs"`
	InternalJWTKeyID            string   `yaml:"internalJwtKeyId"`
	InternalJWTPublicKeyPath    string   `yaml:"internalJwtPublicKeyPath"`
	InternalJWTVerifyPublicKeys string   `yaml:"internalJwtVerifyPublicKeys"`
	InternalJWTAllowedIssuers   []string `yaml:"internalJwtAllowedIssuers"`
}

// Load reads config from path (defaults to ConfigPath), applies environment
// overrides and validates the result.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("DISCUSSION_PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("DISCUSSION_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DISCUSSION_SCORING_MODE"); v != "" {
		cfg.ScoringMode = v
	}
	if v := os.Getenv("DISCUSSION_INVITE_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.InviteRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("DISCUSSION_TOPIC_CACHE_TTL"); v != "" {
		cfg.TopicCacheTTL = v
	}
	if v := os.Getenv("DISCUSSION_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
	if v := os.Getenv("DISCUSSION_INTERNAL_JWT_PUBLIC_KEY_PATH"); v != "" {
		cfg.InternalJWTPublicKeyPath = v
	}
	if v := os.Getenv("DISCUSSION_INTERNAL_JWT_VERIFY_PUBLIC_KEYS"); v != "" {
		cfg.InternalJWTVerifyPublicKeys = v
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *FileConfig) {
	cfg.ScoringMode = strings.ToLower(strings.TrimSpace(cfg.ScoringMode))
	if cfg.ScoringMode == "" {
		cfg.ScoringMode = ScoringModeInline
	}
	if cfg.QueueName == "" {
		cfg.QueueName = "discussion:awards"
	}
	if cfg.QueueGroup == "" {
		cfg.QueueGroup = "discussion-scoring"
	}
	if cfg.QueueConcurrency == 0 {
		cfg.QueueConcurrency = 2
	}
	if cfg.QueueMaxRetries == 0 {
		cfg.QueueMaxRetries = 3
	}
	if cfg.QueueRetryDelaySeconds == 0 {
		cfg.QueueRetryDelaySeconds = 5
	}
	if len(cfg.InternalJWTAllowedIssuers) == 0 {
		cfg.InternalJWTAllowedIssuers = []string{"achievements-service", "feedback-service"}
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml)")
	}
	switch cfg.ScoringMode {
	case ScoringModeInline, ScoringModeQueue:
	default:
		return fmt.Errorf("config: scoringMode must be %q or %q, got %q", ScoringModeInline, ScoringModeQueue, cfg.ScoringMode)
	}
	if cfg.InviteRateLimitPerMinute < 0 {
		return errors.New("config: inviteRateLimitPerMinute must be >= 0")
	}
	if cfg.QueueConcurrency < 0 || cfg.QueueMaxRetries < 0 || cfg.QueueRetryDelaySeconds < 0 {
		return errors.New("config: queue settings must be >= 0")
	}
	if cfg.RedisAddr == "" {
		if cfg.ScoringMode == ScoringModeQueue {
			return errors.New("config: redisAddr is required for scoringMode queue (set in config.yaml or REDIS_ADDR)")
		}
		if cfg.InviteRateLimitPerMinute > 0 {
			return errors.New("config: redisAddr is required for inviteRateLimitPerMinute (set in config.yaml or REDIS_ADDR)")
		}
	}
	if _, err := ParseTopicCacheTTL(cfg.TopicCacheTTL); err != nil {
		return err
	}
	if _, err := servicetoken.ParseVerifyPublicKeys(cfg.InternalJWTVerifyPublicKeys); err != nil {
		return fmt.Errorf("config: internalJwtVerifyPublicKeys: %w", err)
	}
	return nil
}

// ParseTopicCacheTTL parses the topic cache TTL; empty disables caching.
func ParseTopicCacheTTL(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	ttl, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config: invalid topicCacheTTL %q: %w", raw, err)
	}
	if ttl < 0 {
		return 0, fmt.Errorf("config: topicCacheTTL must be >= 0, got %s", raw)
	}
	return ttl, nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
