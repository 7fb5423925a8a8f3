package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	maxWindowMonths = 120

	defaultAPIPort          = 8090
	defaultHealthPort       = 8080
	defaultLatencyMinMS     = 1000
	defaultLatencyMaxMS     = 2000
	defaultWindowMonths     = 12
	defaultCacheSize        = 256
	defaultCacheTTLSec      = 300
	defaultAlertCooldownSec = 300
	defaultStreamName       = "custody:history"
	defaultStreamMaxLen     = 10000
)

type Config struct {
	Server         ServerConfig
	Log            LogConfig
	Approval       ApprovalConfig
	Reconstruction ReconstructionConfig
	Reconcile      ReconcileConfig
	History        HistoryConfig
	Tracing        TracingConfig
	Alert          AlertConfig
	SeedFile       string
}

type ServerConfig struct {
	APIPort    int
	HealthPort int
}

type LogConfig struct {
	Level string
}

// ApprovalConfig bounds the simulated latency applied at every workflow
// transition.
type ApprovalConfig struct {
	LatencyMin time.Duration
	LatencyMax time.Duration
}

type ReconstructionConfig struct {
	WindowMonths int
	CacheSize    int
	CacheTTL     time.Duration
}

// ReconcileConfig controls the background reconciliation loop. A zero
// interval disables it; POST /v1/reconcile still works.
type ReconcileConfig struct {
	Interval time.Duration
}

// HistoryConfig selects the history feed backend. With the stream disabled
// the feed is kept in process memory.
type HistoryConfig struct {
	StreamEnabled bool
	RedisURL      string
	StreamName    string
	StreamMaxLen  int
}

type TracingConfig struct {
	Enabled     bool
	Endpoint    string
	Insecure    bool
	SampleRatio float64
}

type AlertConfig struct {
	SlackWebhookURL string
	WebhookURL      string
	Cooldown        time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			APIPort:    getEnvInt("API_PORT", defaultAPIPort),
			HealthPort: getEnvInt("HEALTH_PORT", defaultHealthPort),
		},
		Log: LogConfig{
			Level: strings.ToLower(getEnv("LOG_LEVEL", "info")),
		},
		Approval: ApprovalConfig{
			LatencyMin: time.Duration(getEnvInt("APPROVAL_LATENCY_MIN_MS", defaultLatencyMinMS)) * time.Millisecond,
			LatencyMax: time.Duration(getEnvInt("APPROVAL_LATENCY_MAX_MS", defaultLatencyMaxMS)) * time.Millisecond,
		},
		Reconstruction: ReconstructionConfig{
			WindowMonths: getEnvInt("RECONSTRUCTION_WINDOW_MONTHS", defaultWindowMonths),
			CacheSize:    getEnvInt("SNAPSHOT_CACHE_SIZE", defaultCacheSize),
			CacheTTL:     time.Duration(getEnvInt("SNAPSHOT_CACHE_TTL_SEC", defaultCacheTTLSec)) * time.Second,
		},
		Reconcile: ReconcileConfig{
			Interval: time.Duration(getEnvInt("RECONCILE_INTERVAL_SEC", 0)) * time.Second,
		},
		History: HistoryConfig{
			StreamEnabled: getEnvBool("HISTORY_STREAM_ENABLED", false),
			RedisURL:      getEnv("REDIS_URL", ""),
			StreamName:    getEnv("HISTORY_STREAM_NAME", defaultStreamName),
			StreamMaxLen:  getEnvInt("HISTORY_STREAM_MAXLEN", defaultStreamMaxLen),
		},
		Tracing: TracingConfig{
			Enabled:     getEnvBool("TRACING_ENABLED", false),
			Endpoint:    getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getEnvBool("TRACING_INSECURE", true),
			SampleRatio: getEnvFloat("TRACING_SAMPLE_RATIO", 1.0),
		},
		Alert: AlertConfig{
			SlackWebhookURL: getEnv("ALERT_SLACK_WEBHOOK_URL", ""),
			WebhookURL:      getEnv("ALERT_WEBHOOK_URL", ""),
			Cooldown:        time.Duration(getEnvInt("ALERT_COOLDOWN_SEC", defaultAlertCooldownSec)) * time.Second,
		},
		SeedFile: getEnv("SEED_FILE", ""),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Approval.LatencyMin < 0 || c.Approval.LatencyMax < 0 {
		return fmt.Errorf("APPROVAL_LATENCY_MIN_MS and APPROVAL_LATENCY_MAX_MS must be non-negative")
	}
	if c.Approval.LatencyMin > c.Approval.LatencyMax {
		return fmt.Errorf("APPROVAL_LATENCY_MIN_MS (%s) must not exceed APPROVAL_LATENCY_MAX_MS (%s)",
			c.Approval.LatencyMin, c.Approval.LatencyMax)
	}
	if c.Reconstruction.WindowMonths < 1 || c.Reconstruction.WindowMonths > maxWindowMonths {
		return fmt.Errorf("RECONSTRUCTION_WINDOW_MONTHS must be between 1 and %d, got %d",
			maxWindowMonths, c.Reconstruction.WindowMonths)
	}
	if c.Reconstruction.CacheSize < 0 {
		return fmt.Errorf("SNAPSHOT_CACHE_SIZE must be non-negative")
	}
	if c.Reconcile.Interval < 0 {
		return fmt.Errorf("RECONCILE_INTERVAL_SEC must be non-negative")
	}
	if c.History.StreamMaxLen < 0 {
		return fmt.Errorf("HISTORY_STREAM_MAXLEN must be non-negative")
	}
	if c.History.StreamEnabled {
		if c.History.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when HISTORY_STREAM_ENABLED is true")
		}
		if c.History.StreamName == "" {
			return fmt.Errorf("HISTORY_STREAM_NAME must not be empty")
		}
	}
	if c.Server.APIPort == c.Server.HealthPort {
		return fmt.Errorf("API_PORT and HEALTH_PORT must differ")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
