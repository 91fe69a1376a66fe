// Package config loads server and worker settings from the environment, an
// optional .env file, and an optional YAML toolchain file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/dontdude/buildbox/internal/domain"
)

// Executors
const (
	ExecutorProcess = "process"
	ExecutorDocker  = "docker"
)

// Docker holds the container limits for EXECUTOR=docker.
type Docker struct {
	MemoryMB  int64  `env:"MEMORY_MB" envDefault:"512"`
	NanoCPUs  int64  `env:"NANO_CPUS" envDefault:"1000000000"`
	PidsLimit int64  `env:"PIDS_LIMIT" envDefault:"128"`
	User      string `env:"USER"`
	Pull      bool   `env:"PULL" envDefault:"false"`
}

type Config struct {
	Port              int           `env:"PORT" envDefault:"3000"`
	MaxConcurrentJobs int           `env:"MAX_CONCURRENT_JOBS" envDefault:"4"`
	QueueWait         time.Duration `env:"QUEUE_WAIT" envDefault:"0s"`
	JobTimeoutMs      int           `env:"JOB_TIMEOUT_MS" envDefault:"30000"`
	MaxArtifactBytes  int64         `env:"MAX_ARTIFACT_BYTES" envDefault:"67108864"`
	MaxUploadBytes    int64         `env:"MAX_UPLOAD_BYTES" envDefault:"33554432"`
	MaxFiles          int           `env:"MAX_FILES" envDefault:"64"`
	MaxOutputBytes    int64         `env:"MAX_OUTPUT_BYTES" envDefault:"1048576"`
	ShutdownGrace     time.Duration `env:"SHUTDOWN_GRACE" envDefault:"60s"`

	WorkspaceRoot  string `env:"WORKSPACE_ROOT"`
	ToolchainsFile string `env:"TOOLCHAINS_FILE"`
	Executor       string `env:"EXECUTOR" envDefault:"process"`
	Docker         Docker `envPrefix:"DOCKER_"`

	RedisAddr      string        `env:"REDIS_ADDR"`
	EventRetention time.Duration `env:"EVENT_RETENTION" envDefault:"24h"`

	NatsURL     string `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	NatsSubject string `env:"NATS_SUBJECT" envDefault:"build.request"`
	NatsQueue   string `env:"NATS_QUEUE" envDefault:"buildbox-workers"`

	JobDBPath    string        `env:"JOB_DB_PATH"`
	JobRetention time.Duration `env:"JOB_RETENTION" envDefault:"168h"`

	RateLimit float64 `env:"RATE_LIMIT" envDefault:"2"`
	RateBurst int     `env:"RATE_BURST" envDefault:"10"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	registry *domain.Registry
}

// Load reads .env from the working directory when present, then the process
// environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("Error loading .env file", "error", err)
	}
	return Parse(env.Options{})
}

// Parse builds a Config from opts (opts.Environment replaces the process
// environment when set), loads the toolchains and validates the result.
func Parse(opts env.Options) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	if cfg.WorkspaceRoot == "" {
		cfg.WorkspaceRoot = filepath.Join(os.TempDir(), "buildbox")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	specs := domain.DefaultToolchains()
	if cfg.ToolchainsFile != "" {
		var err error
		if specs, err = LoadToolchains(cfg.ToolchainsFile); err != nil {
			return nil, err
		}
	}
	reg, err := domain.NewRegistry(specs)
	if err != nil {
		return nil, fmt.Errorf("invalid toolchain configuration: %w", err)
	}
	cfg.registry = reg
	return &cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	positive := func(name string, v int64) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	positive("PORT", int64(c.Port))
	positive("MAX_CONCURRENT_JOBS", int64(c.MaxConcurrentJobs))
	positive("JOB_TIMEOUT_MS", int64(c.JobTimeoutMs))
	positive("MAX_ARTIFACT_BYTES", c.MaxArtifactBytes)
	positive("MAX_UPLOAD_BYTES", c.MaxUploadBytes)
	positive("MAX_FILES", int64(c.MaxFiles))
	positive("MAX_OUTPUT_BYTES", c.MaxOutputBytes)
	if c.QueueWait < 0 {
		errs = append(errs, fmt.Errorf("QUEUE_WAIT must not be negative, got %v", c.QueueWait))
	}
	if c.RateLimit <= 0 || c.RateBurst <= 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT and RATE_BURST must be positive"))
	}
	if c.Executor != ExecutorProcess && c.Executor != ExecutorDocker {
		errs = append(errs, fmt.Errorf("EXECUTOR must be %q or %q, got %q", ExecutorProcess, ExecutorDocker, c.Executor))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Registry is the toolchain registry loaded with the configuration.
func (c *Config) Registry() *domain.Registry { return c.registry }

// JobTimeout is the default per-job wall-clock limit.
func (c *Config) JobTimeout() time.Duration {
	return time.Duration(c.JobTimeoutMs) * time.Millisecond
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string { return fmt.Sprintf(":%d", c.Port) }

// LoadToolchains reads a YAML map of toolchain key to spec.
func LoadToolchains(path string) (map[string]domain.ToolchainSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading toolchains file: %w", err)
	}
	var specs map[string]domain.ToolchainSpec
	if err := yaml.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("error unmarshaling toolchains file %s: %w", path, err)
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("toolchains file %s defines no toolchains", path)
	}
	return specs, nil
}

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func (c *Config) NewLogger() *slog.Logger {
	level, _ := parseLevel(c.LogLevel)
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL %q is not one of debug, info, warn, error", s)
	}
	return level, nil
}
