package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr     string
	LogLevel string
	LogFile  string

	// Upstream cookies, either inline or through a Secrets Manager secret.
	SecurePSID       string
	SecurePSIDTS     string
	CookieSecretName string
	AWSRegion        string

	// How long cookies read from the secret are reused. Zero re-reads the
	// secret on every upstream client initialisation.
	CookieCacheTTL time.Duration

	UpstreamBaseURL     string
	UpstreamProxy       string
	UpstreamTimeout     time.Duration
	UpstreamInitTimeout time.Duration

	// Consecutive init failures before attempts are suspended for
	// UpstreamInitCooldown. Zero disables suspension.
	UpstreamInitFailureThreshold int
	UpstreamInitCooldown         time.Duration

	AllowedAPIKeys []string

	DefaultModel string
	ModelMap     map[string]string

	SessionIdleTTL time.Duration
	SessionMax     int

	RateLimitRPM int
	RedisURL     string
	DatabaseURL  string
	OTLPEndpoint string
	SNSTopicARN  string

	// Repeats of the same alert type inside this window are dropped.
	AlertDedupWindow time.Duration

	ShutdownTimeout time.Duration
}

// Load reads the configuration from the environment. A .env file in the
// working directory is loaded first; variables already set take precedence.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env file", "error", err)
	}

	cfg := &Config{
		Addr:                         getEnv("ADDR", ":8080"),
		LogLevel:                     strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFile:                      getEnv("LOG_FILE", ""),
		SecurePSID:                   getEnv("GEMINI_SECURE_1PSID", ""),
		SecurePSIDTS:                 getEnv("GEMINI_SECURE_1PSIDTS", ""),
		CookieSecretName:             getEnv("GEMINI_COOKIE_SECRET", ""),
		AWSRegion:                    getEnv("AWS_REGION", ""),
		CookieCacheTTL:               getDurationEnv("GEMINI_COOKIE_CACHE_TTL", 5*time.Minute),
		UpstreamBaseURL:              getEnv("UPSTREAM_BASE_URL", "https://gemini.google.com"),
		UpstreamProxy:                getEnv("UPSTREAM_PROXY", ""),
		UpstreamTimeout:              getDurationEnv("UPSTREAM_TIMEOUT", 120*time.Second),
		UpstreamInitTimeout:          getDurationEnv("UPSTREAM_INIT_TIMEOUT", 30*time.Second),
		UpstreamInitFailureThreshold: getIntEnv("UPSTREAM_INIT_FAILURE_THRESHOLD", 3),
		UpstreamInitCooldown:         getDurationEnv("UPSTREAM_INIT_COOLDOWN", 30*time.Second),
		AllowedAPIKeys:               parseList(getEnv("ALLOWED_API_KEYS", "")),
		DefaultModel:                 getEnv("DEFAULT_GEMINI_MODEL_NAME", "unspecified"),
		ModelMap:                     parseModelMap(getEnv("OPENAI_TO_GEMINI_MODEL_MAP_JSON", "{}")),
		SessionIdleTTL:               getDurationEnv("SESSION_IDLE_TTL", time.Hour),
		SessionMax:                   getIntEnv("SESSION_MAX", 10000),
		RateLimitRPM:                 getIntEnv("RATE_LIMIT_RPM", 0),
		RedisURL:                     getEnv("REDIS_URL", ""),
		DatabaseURL:                  getEnv("DATABASE_URL", ""),
		OTLPEndpoint:                 getEnv("OTLP_ENDPOINT", ""),
		SNSTopicARN:                  getEnv("SNS_TOPIC_ARN", ""),
		AlertDedupWindow:             getDurationEnv("ALERT_DEDUP_WINDOW", 10*time.Minute),
		ShutdownTimeout:              getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	if path := getEnv("MODEL_MAP_FILE", ""); path != "" {
		fileMap, err := LoadModelMapFile(path)
		if err != nil {
			return nil, err
		}
		for k, v := range fileMap {
			cfg.ModelMap[k] = v
		}
	}

	return cfg, nil
}

// Validate reports configuration that would leave the gateway unusable.
func (c *Config) Validate() error {
	var errs []error
	if c.SecurePSID == "" && c.CookieSecretName == "" {
		errs = append(errs, errors.New("GEMINI_SECURE_1PSID or GEMINI_COOKIE_SECRET is required"))
	}
	if c.CookieSecretName != "" && c.AWSRegion == "" {
		errs = append(errs, errors.New("AWS_REGION is required with GEMINI_COOKIE_SECRET"))
	}
	if len(c.AllowedAPIKeys) == 0 {
		errs = append(errs, errors.New("ALLOWED_API_KEYS must list at least one key"))
	}
	if c.UpstreamTimeout <= 0 {
		errs = append(errs, errors.New("UPSTREAM_TIMEOUT must be positive"))
	}
	return errors.Join(errs...)
}

// LoadModelMapFile reads a YAML document mapping advertised model names to
// upstream model names.
func LoadModelMapFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model map file: %w", err)
	}

	var doc struct {
		Models map[string]string `yaml:"models"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse model map file %s: %w", path, err)
	}
	if doc.Models == nil {
		return map[string]string{}, nil
	}
	return doc.Models, nil
}

func parseModelMap(raw string) map[string]string {
	m := make(map[string]string)
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		slog.Warn("OPENAI_TO_GEMINI_MODEL_MAP_JSON is not valid JSON, using an empty map", "error", err)
		return make(map[string]string)
	}
	return m
}

// parseList accepts a JSON array or a comma-separated list.
func parseList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	if strings.HasPrefix(raw, "[") {
		var list []string
		if err := json.Unmarshal([]byte(raw), &list); err == nil {
			return compact(list)
		}
	}
	return compact(strings.Split(raw, ","))
}

func compact(items []string) []string {
	out := items[:0]
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}
