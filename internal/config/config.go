package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the margin-service runtime configuration, loaded from the
// environment.
type Config struct {
	Addr        string
	DatabaseURL string

	KafkaBrokers []string
	KafkaTopic   string
	S3Bucket     string
	S3Prefix     string

	AuthKeysFile string
	WriteScope   string

	DefaultOrganisation string
	MarginEnabled       bool
	RetentionDays       int

	StreamBatchSize      int
	StreamPollInterval   time.Duration
	StreamMaxConcurrency int
}

const (
	defaultAddr          = ":8060"
	defaultKafkaTopic    = "margin-events"
	defaultWriteScope    = "margin:write"
	defaultOrganisation  = "default"
	defaultRetentionDays = 30
	defaultBatchSize     = 10
	defaultPollInterval  = 3 * time.Second
	defaultConcurrency   = 5
)

// Load reads the service configuration from environment variables.
// DATABASE_URL (or MARGIN_SERVICE_DATABASE_URL) is required; everything else
// has a default. Kafka/S3 settings may be empty, in which case event
// streaming is disabled.
func Load() (Config, error) {
	cfg := Config{
		Addr:                 getEnv("MARGIN_SERVICE_ADDR", defaultAddr),
		DatabaseURL:          firstNonEmpty(os.Getenv("MARGIN_SERVICE_DATABASE_URL"), os.Getenv("DATABASE_URL")),
		KafkaBrokers:         parseCSV(os.Getenv("MARGIN_EVENTS_KAFKA_BROKERS")),
		KafkaTopic:           getEnv("MARGIN_EVENTS_KAFKA_TOPIC", defaultKafkaTopic),
		S3Bucket:             os.Getenv("MARGIN_EVENTS_S3_BUCKET"),
		S3Prefix:             os.Getenv("MARGIN_EVENTS_S3_PREFIX"),
		AuthKeysFile:         os.Getenv("MARGIN_AUTH_KEYS_FILE"),
		WriteScope:           getEnv("MARGIN_WRITE_SCOPE", defaultWriteScope),
		DefaultOrganisation:  getEnv("MARGIN_DEFAULT_ORG", defaultOrganisation),
		MarginEnabled:        getBool("MARGIN_ENABLED", true),
		RetentionDays:        getInt("MARGIN_RETENTION_DAYS", defaultRetentionDays),
		StreamBatchSize:      getInt("MARGIN_STREAM_BATCH_SIZE", defaultBatchSize),
		StreamPollInterval:   getDuration("MARGIN_STREAM_POLL_INTERVAL", defaultPollInterval),
		StreamMaxConcurrency: getInt("MARGIN_STREAM_CONCURRENCY", defaultConcurrency),
	}
	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL or MARGIN_SERVICE_DATABASE_URL required")
	}
	return cfg, nil
}

// StreamingConfigured reports whether both Kafka and S3 targets are set.
func (c Config) StreamingConfigured() bool {
	return len(c.KafkaBrokers) > 0 && c.S3Bucket != ""
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func getInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return fallback
}

func parseCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}
