// Package config loads relay configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Relay     RelayConfig     `yaml:"relay"`
	Sync      SyncConfig      `yaml:"sync"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Worker    WorkerConfig    `yaml:"worker"`
	Snapshot  SnapshotConfig  `yaml:"snapshot"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig contains database settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig contains token settings.
type AuthConfig struct {
	Secret        string   `yaml:"-"` // env-only, never in YAML
	SessionTTL    Duration `yaml:"session_ttl"`
	CapabilityTTL Duration `yaml:"capability_ttl"`
}

// RelayConfig bounds relay requests.
type RelayConfig struct {
	IdempotencyTTL   Duration `yaml:"idempotency_ttl"`
	DefaultPullLimit int      `yaml:"default_pull_limit"`
	MaxPullLimit     int      `yaml:"max_pull_limit"`
	MaxPushRecords   int      `yaml:"max_push_records"`
	EventQueueSize   int      `yaml:"event_queue_size"`
}

// SyncConfig tunes the client sync engine.
type SyncConfig struct {
	Timeout      Duration `yaml:"timeout"`
	PullLimit    int      `yaml:"pull_limit"`
	MaxPushBatch int      `yaml:"max_push_batch"`
	Concurrency  int      `yaml:"concurrency"`
}

// RateLimitConfig limits push and pull requests per capability.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// WorkerConfig contains background worker settings.
type WorkerConfig struct {
	SnapshotInterval Duration `yaml:"snapshot_interval"`
	CleanupInterval  Duration `yaml:"cleanup_interval"`
	SnapshotDir      string   `yaml:"snapshot_dir"`
}

// SnapshotConfig contains S3-compatible snapshot storage settings.
// An empty bucket keeps snapshots local.
type SnapshotConfig struct {
	Bucket    string   `yaml:"bucket"`
	Endpoint  string   `yaml:"endpoint"`
	Region    string   `yaml:"region"`
	AccessKey string   `yaml:"-"` // env-only
	SecretKey string   `yaml:"-"` // env-only
	UseSSL    *bool    `yaml:"use_ssl"`
	URLExpiry Duration `yaml:"url_expiry"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Load loads configuration with precedence:
// defaults → .env → YAML file → env vars.
// Variables already set in the environment win over .env entries.
func Load() (*Config, error) {
	return load(true)
}

// LoadForMaintenance loads configuration like Load but does not require the
// auth secret. Maintenance commands never issue or verify tokens.
func LoadForMaintenance() (*Config, error) {
	return load(false)
}

func load(requireSecret bool) (*Config, error) {
	if err := loadDotEnv(getEnv("BETTERBASE_DOTENV_PATH", ".env")); err != nil {
		return nil, err
	}

	cfg := newDefaults()
	configPath := getEnv("BETTERBASE_CONFIG_PATH", "config/betterbase.yaml")
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(requireSecret); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and explicit path specification.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(true); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Database: DatabaseConfig{
			Path: "data/relay.db",
		},
		Auth: AuthConfig{
			SessionTTL:    Duration(30 * 24 * time.Hour),
			CapabilityTTL: Duration(time.Hour),
		},
		Relay: RelayConfig{
			IdempotencyTTL:   Duration(24 * time.Hour),
			DefaultPullLimit: 500,
			MaxPullLimit:     1000,
			MaxPushRecords:   1000,
			EventQueueSize:   64,
		},
		Sync: SyncConfig{
			Timeout:      Duration(30 * time.Second),
			PullLimit:    500,
			MaxPushBatch: 500,
			Concurrency:  4,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: 5,
			Burst:             10,
		},
		Worker: WorkerConfig{
			SnapshotInterval: Duration(time.Hour),
			CleanupInterval:  Duration(10 * time.Minute),
			SnapshotDir:      "data/snapshots",
		},
		Snapshot: SnapshotConfig{
			URLExpiry: Duration(15 * time.Minute),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// loadDotEnv loads a .env file into the process environment.
// A missing file is not an error.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// loadYAMLFile loads configuration from a YAML file if it exists.
// Missing file is not an error; we just use defaults.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

func envDuration(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true" || v == "1"
	}
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Server
	envInt("BETTERBASE_PORT", &cfg.Server.Port)
	envDuration("BETTERBASE_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	envDuration("BETTERBASE_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	envDuration("BETTERBASE_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)

	envString("BETTERBASE_DB_PATH", &cfg.Database.Path)

	// Auth
	envString("BETTERBASE_AUTH_SECRET", &cfg.Auth.Secret)
	envDuration("BETTERBASE_SESSION_TTL", &cfg.Auth.SessionTTL)
	envDuration("BETTERBASE_CAPABILITY_TTL", &cfg.Auth.CapabilityTTL)

	// Relay
	envDuration("BETTERBASE_IDEMPOTENCY_TTL", &cfg.Relay.IdempotencyTTL)
	envInt("BETTERBASE_MAX_PULL_LIMIT", &cfg.Relay.MaxPullLimit)
	envInt("BETTERBASE_MAX_PUSH_RECORDS", &cfg.Relay.MaxPushRecords)
	envInt("BETTERBASE_EVENT_QUEUE_SIZE", &cfg.Relay.EventQueueSize)

	// Sync
	envDuration("BETTERBASE_SYNC_TIMEOUT", &cfg.Sync.Timeout)
	envInt("BETTERBASE_SYNC_PULL_LIMIT", &cfg.Sync.PullLimit)
	envInt("BETTERBASE_SYNC_MAX_PUSH_BATCH", &cfg.Sync.MaxPushBatch)
	envInt("BETTERBASE_SYNC_CONCURRENCY", &cfg.Sync.Concurrency)

	// Rate limiting
	envBool("BETTERBASE_RATELIMIT_ENABLED", &cfg.RateLimit.Enabled)
	if v := os.Getenv("BETTERBASE_RATELIMIT_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.RateLimit.RequestsPerSecond = f
		}
	}
	envInt("BETTERBASE_RATELIMIT_BURST", &cfg.RateLimit.Burst)

	// Worker
	envDuration("BETTERBASE_SNAPSHOT_INTERVAL", &cfg.Worker.SnapshotInterval)
	envDuration("BETTERBASE_CLEANUP_INTERVAL", &cfg.Worker.CleanupInterval)
	envString("BETTERBASE_SNAPSHOT_DIR", &cfg.Worker.SnapshotDir)

	// Snapshot storage
	envString("BETTERBASE_SNAPSHOT_BUCKET", &cfg.Snapshot.Bucket)
	envString("BETTERBASE_S3_ENDPOINT", &cfg.Snapshot.Endpoint)
	envString("BETTERBASE_S3_REGION", &cfg.Snapshot.Region)
	envString("BETTERBASE_S3_ACCESS_KEY", &cfg.Snapshot.AccessKey)
	envString("BETTERBASE_S3_SECRET_KEY", &cfg.Snapshot.SecretKey)
	envDuration("BETTERBASE_S3_URL_EXPIRY", &cfg.Snapshot.URLExpiry)
	if v := os.Getenv("BETTERBASE_S3_USE_SSL"); v != "" {
		useSSL := v == "true" || v == "1"
		cfg.Snapshot.UseSSL = &useSSL
	}

	// Log
	envString("BETTERBASE_LOG_LEVEL", &cfg.Log.Level)
	envString("BETTERBASE_LOG_FORMAT", &cfg.Log.Format)
}

// DevMode reports whether BETTERBASE_DEV_MODE is set.
func DevMode() bool {
	return os.Getenv("BETTERBASE_DEV_MODE") == "true"
}

// validate checks that configuration values are usable.
// In dev mode the auth secret is not required.
func (c *Config) validate(requireSecret bool) error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Relay.MaxPullLimit < 1 {
		errs = append(errs, errors.New("relay.max_pull_limit must be positive"))
	}
	if c.Sync.MaxPushBatch < 1 || c.Sync.PullLimit < 1 || c.Sync.Concurrency < 1 {
		errs = append(errs, errors.New("sync limits must be positive"))
	}
	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst < 1) {
		errs = append(errs, errors.New("ratelimit requires positive requests_per_second and burst"))
	}
	if c.Snapshot.Bucket != "" && c.Snapshot.Endpoint == "" {
		errs = append(errs, errors.New("snapshot.endpoint is required when a bucket is set"))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	if requireSecret && !DevMode() && c.Auth.Secret == "" {
		errs = append(errs, errors.New("BETTERBASE_AUTH_SECRET is required"))
	}
	return errors.Join(errs...)
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
