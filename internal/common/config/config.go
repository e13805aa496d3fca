package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Database  DatabaseConfig
	Ingest    IngestConfig
	Aggregate AggregateConfig
	Retention RetentionConfig
	Blob      BlobConfig
	Logging   LoggingConfig
	Metrics   MetricsConfig
	NATS      NATSConfig
	Ops       OpsConfig
}

type DatabaseConfig struct {
	Host     string // empty disables Postgres; catalog and rollups stay process-local
	Port     string
	User     string
	Password string
	DBName   string
}

// Enabled reports whether a Postgres connection is configured.
func (c *DatabaseConfig) Enabled() bool {
	return c.Host != ""
}

// IngestConfig for the realtime snapshot poller
type IngestConfig struct {
	PollInterval    time.Duration
	FetchTimeout    time.Duration
	SourcesFile     string
	DefaultTimezone string
}

// AggregateConfig for the rollup engine and its schedule
type AggregateConfig struct {
	HotWindow       time.Duration
	RunInterval     time.Duration
	LookbackDays    int
	OnTimeThreshold time.Duration
}

// RetentionConfig for pruning raw snapshots. Rollups are never pruned.
type RetentionConfig struct {
	Days     int // <= 0 keeps everything
	Interval time.Duration
}

type BlobConfig struct {
	Dir      string
	Compress bool
}

type LoggingConfig struct {
	Level    string
	FilePath string
}

type MetricsConfig struct {
	Addr string // empty disables the /metrics endpoint
}

type NATSConfig struct {
	URL           string // empty disables publishing
	SubjectPrefix string
}

type OpsConfig struct {
	WebhookURL    string // empty disables ops notifications
	WebhookSecret string
}

func Load() (*Config, error) {
	cfg := &Config{
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", ""),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "transitlake"),
		},
		Ingest: IngestConfig{
			PollInterval:    getDurationEnv("INGEST_POLL_INTERVAL", 30*time.Second),
			FetchTimeout:    getDurationEnv("INGEST_FETCH_TIMEOUT", 30*time.Second),
			SourcesFile:     getEnv("SOURCES_FILE", "sources.yml"),
			DefaultTimezone: getEnv("INGEST_DEFAULT_TZ", "America/Montreal"),
		},
		Aggregate: AggregateConfig{
			HotWindow:       getDurationEnv("AGG_HOT_WINDOW", 24*time.Hour),
			RunInterval:     getDurationEnv("AGG_RUN_INTERVAL", time.Hour),
			LookbackDays:    getIntEnv("AGG_LOOKBACK_DAYS", 3),
			OnTimeThreshold: getDurationEnv("ON_TIME_THRESHOLD", 5*time.Minute),
		},
		Retention: RetentionConfig{
			Days:     getIntEnv("RETENTION_DAYS", 30),
			Interval: getDurationEnv("RETENTION_INTERVAL", 24*time.Hour),
		},
		Blob: BlobConfig{
			Dir:      getEnv("BLOB_DIR", "data/snapshots"),
			Compress: getBoolEnv("BLOB_COMPRESS", false),
		},
		Logging: LoggingConfig{
			Level:    getEnv("LOG_LEVEL", "info"),
			FilePath: getEnv("LOG_FILE", "transitlake.log"),
		},
		Metrics: MetricsConfig{
			Addr: getEnv("METRICS_ADDR", ""),
		},
		NATS: NATSConfig{
			URL:           getEnv("NATS_URL", ""),
			SubjectPrefix: getEnv("NATS_SUBJECT_PREFIX", "transitlake"),
		},
		Ops: OpsConfig{
			WebhookURL:    getEnv("OPS_WEBHOOK_URL", ""),
			WebhookSecret: getEnv("OPS_WEBHOOK_SECRET", ""),
		},
	}

	return cfg, nil
}

// FeedSource is one pollable realtime origin, read-only to the pipeline.
type FeedSource struct {
	SourceKey    string `yaml:"source_key" validate:"required"`
	FeedKind     string `yaml:"feed_kind" validate:"required,oneof=gtfsrt_trip_updates gtfsrt_vehicle_positions"`
	URL          string `yaml:"url" validate:"required,url"`
	APIKey       string `yaml:"api_key"`
	APIKeyHeader string `yaml:"api_key_header"`
	Timezone     string `yaml:"timezone"`
	Enabled      bool   `yaml:"enabled"`
}

type sourcesFile struct {
	Sources []FeedSource `yaml:"sources"`
}

// LoadSources reads and validates the feed source list from a YAML file.
// Environment references like ${STM_API_KEY} are expanded before parsing,
// so credentials stay out of the file itself.
func LoadSources(path string) ([]FeedSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading sources file: %w", err)
	}
	expanded := os.ExpandEnv(string(data))
	var f sourcesFile
	if err := yaml.Unmarshal([]byte(expanded), &f); err != nil {
		return nil, fmt.Errorf("parsing sources file: %w", err)
	}
	v := validator.New()
	for i, s := range f.Sources {
		if err := v.Struct(s); err != nil {
			return nil, fmt.Errorf("source %d (%s): %w", i, s.SourceKey, err)
		}
	}
	return f.Sources, nil
}

func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		c.Host, c.Port, c.User, c.Password, c.DBName)
}

// Location resolves an IANA zone name. When the name is unknown or no
// tzdata is installed it falls back to a fixed UTC-5 zone so that date
// partitioning still lands near the eastern home zone of the default feeds.
func Location(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.FixedZone("UTC-5", -5*60*60)
	}
	return loc
}

// HomeLocation returns the zone snapshots from this source are dated in,
// using def when the source does not set its own.
func (s FeedSource) HomeLocation(def string) *time.Location {
	name := s.Timezone
	if name == "" {
		name = def
	}
	return Location(name)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
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

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
