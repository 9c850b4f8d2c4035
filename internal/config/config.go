// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sentryal/sentryal-insar/internal/queue"
	"gopkg.in/yaml.v3"
)

// DefaultFile is read when no config path is given. It may be absent.
const DefaultFile = "sentryal.yaml"

// Config is the full process configuration. Values come from Default,
// then the YAML file, then the environment; command flags are applied last
// by the caller.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Processor ProcessorConfig `yaml:"processor"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Worker    WorkerConfig    `yaml:"worker"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Sweep     SweepConfig     `yaml:"sweep"`
	HTTP      HTTPConfig      `yaml:"http"`
	Usage     UsageConfig     `yaml:"usage"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
}

// DatabaseConfig selects the relational store.
type DatabaseConfig struct {
	// Driver is "postgres" or "sqlite"
	Driver string `yaml:"driver"`

	// DSN is the driver-specific connection string
	DSN string `yaml:"dsn"`

	// MaxOpenConns caps the postgres pool
	MaxOpenConns int `yaml:"max_open_conns"`

	// ConnectAttempts is how many times to try the initial connection
	ConnectAttempts int `yaml:"connect_attempts"`
}

// RedisConfig locates the dispatch stream.
type RedisConfig struct {
	URL           string `yaml:"url"`
	Password      string `yaml:"password"`
	Stream        string `yaml:"stream"`
	ConsumerGroup string `yaml:"consumer_group"`
}

// ProcessorConfig configures the external radar-processing service client.
type ProcessorConfig struct {
	URL               string        `yaml:"url"`
	APIKey            string        `yaml:"api_key"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
}

// DispatchConfig bounds redelivery of a single job.
type DispatchConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	FixedDelay  time.Duration `yaml:"fixed_delay"`
}

// WorkerConfig tunes the worker runtime.
type WorkerConfig struct {
	Concurrency       int           `yaml:"concurrency"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	Block             time.Duration `yaml:"block"`
	ReclaimInterval   time.Duration `yaml:"reclaim_interval"`
}

// IngestConfig tunes measurement ingestion.
type IngestConfig struct {
	ChunkSize int `yaml:"chunk_size"`
}

// SweepConfig tunes the recovery sweep.
type SweepConfig struct {
	StaleAfter time.Duration `yaml:"stale_after"`
	Interval   time.Duration `yaml:"interval"`
	BatchSize  int           `yaml:"batch_size"`
}

// HTTPConfig configures the API server.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// UsageConfig locates the local delivery journal.
type UsageConfig struct {
	Path         string        `yaml:"path"`
	SyncInterval time.Duration `yaml:"sync_interval"`
	Stream       string        `yaml:"stream"`
}

// HeartbeatConfig tunes worker liveness reporting.
type HeartbeatConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// Default returns a Config with sensible defaults for local development.
func Default() *Config {
	policy := queue.DefaultRetryPolicy()
	return &Config{
		Database: DatabaseConfig{
			Driver:          "sqlite",
			DSN:             "sentryal.db",
			MaxOpenConns:    10,
			ConnectAttempts: 5,
		},
		Redis: RedisConfig{
			URL:           "redis://localhost:6379",
			Stream:        queue.DefaultStream,
			ConsumerGroup: queue.DefaultConsumerGroup,
		},
		Processor: ProcessorConfig{
			Timeout:           30 * time.Second,
			RequestsPerSecond: 5,
			Burst:             1,
		},
		Dispatch: DispatchConfig{
			MaxAttempts: policy.MaxAttempts,
			FixedDelay:  policy.FixedDelay,
		},
		Worker: WorkerConfig{
			Concurrency:       4,
			VisibilityTimeout: 10 * time.Minute,
			Block:             5 * time.Second,
			ReclaimInterval:   30 * time.Second,
		},
		Ingest: IngestConfig{ChunkSize: 1000},
		Sweep: SweepConfig{
			StaleAfter: 15 * time.Minute,
			Interval:   5 * time.Minute,
			BatchSize:  100,
		},
		HTTP: HTTPConfig{Addr: ":8080"},
		Usage: UsageConfig{
			Path:         "sentryal-usage.db",
			SyncInterval: 60 * time.Second,
		},
		Heartbeat: HeartbeatConfig{Interval: 10 * time.Second},
	}
}

// Load builds the configuration from defaults, the YAML file at path and the
// environment. A .env file in the working directory is loaded first; it never
// overrides variables that are already set. An empty path reads DefaultFile
// if it exists.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("could not parse config %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("could not read config %s: %w", path, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("could not load %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.Database.Driver = getEnvOrDefault("DATABASE_DRIVER", c.Database.Driver)
	c.Database.DSN = getEnvOrDefault("DATABASE_URL", c.Database.DSN)
	c.Redis.URL = getEnvOrDefault("REDIS_URL", c.Redis.URL)
	c.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", c.Redis.Password)
	c.Processor.URL = getEnvOrDefault("PROCESSOR_URL", c.Processor.URL)
	c.Processor.APIKey = getEnvOrDefault("PROCESSOR_API_KEY", c.Processor.APIKey)
	c.HTTP.Addr = getEnvOrDefault("HTTP_ADDR", c.HTTP.Addr)

	var err error
	if c.Dispatch.MaxAttempts, err = getEnvInt("DISPATCH_MAX_ATTEMPTS", c.Dispatch.MaxAttempts); err != nil {
		return err
	}
	if c.Dispatch.FixedDelay, err = getEnvDuration("DISPATCH_FIXED_DELAY", c.Dispatch.FixedDelay); err != nil {
		return err
	}
	if c.Worker.Concurrency, err = getEnvInt("WORKER_CONCURRENCY", c.Worker.Concurrency); err != nil {
		return err
	}
	return nil
}

// RetryPolicy returns the redelivery policy attached to new dispatches.
func (c *Config) RetryPolicy() queue.RetryPolicy {
	return queue.RetryPolicy{
		MaxAttempts: c.Dispatch.MaxAttempts,
		FixedDelay:  c.Dispatch.FixedDelay,
	}
}

// Validate checks that the configuration is usable. Presence of service
// URLs is left to the commands that need them.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return ErrInvalidDriver
	}
	if c.Database.DSN == "" {
		return ErrMissingDSN
	}
	if c.Dispatch.MaxAttempts < 1 {
		return ErrInvalidMaxAttempts
	}
	if c.Dispatch.FixedDelay <= 0 {
		return ErrInvalidFixedDelay
	}
	if c.Worker.Concurrency < 1 || c.Worker.Concurrency > 256 {
		return ErrInvalidConcurrency
	}
	if c.Worker.VisibilityTimeout < time.Minute {
		return ErrInvalidVisibility
	}
	if c.Ingest.ChunkSize < 1 {
		return ErrInvalidChunkSize
	}
	if c.Processor.RequestsPerSecond <= 0 {
		return ErrInvalidRate
	}
	if c.Sweep.StaleAfter <= 0 || c.Sweep.Interval <= 0 {
		return ErrInvalidSweep
	}
	return nil
}

// getEnvOrDefault returns the environment variable value or a default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q", ErrInvalidEnv, key, value)
	}
	return n, nil
}

// getEnvDuration accepts Go durations ("45s") or a bare number of seconds.
func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q", ErrInvalidEnv, key, value)
	}
	return d, nil
}
