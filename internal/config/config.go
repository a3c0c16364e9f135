// Package config provides configuration loading from environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

// Static errors for configuration validation.
var (
	// ErrAPIKeysRequired is returned when API_KEYS is not set.
	ErrAPIKeysRequired = errors.New("config: API_KEYS is required")
	// ErrNoProviderConfigured is returned when neither RunPod nor Veo is configured.
	ErrNoProviderConfigured = errors.New("config: at least one provider must be configured (RUNPOD_* or VEO_*)")
	// ErrInvalidJobStore is returned when JOB_STORE names an unknown backend.
	ErrInvalidJobStore = errors.New("config: JOB_STORE must be one of memory, sqlite, postgres")
	// ErrDatabaseURLRequired is returned when JOB_STORE=postgres without DATABASE_URL.
	ErrDatabaseURLRequired = errors.New("config: DATABASE_URL is required for the postgres job store")
	// ErrInvalidInterval is returned when a worker or polling interval is not positive.
	ErrInvalidInterval = errors.New("config: intervals and timeouts must be positive")
	// ErrInvalidOutputLimit is returned when MAX_OUTPUT_BYTES is not positive.
	ErrInvalidOutputLimit = errors.New("config: MAX_OUTPUT_BYTES must be positive")
)

// Job store backends.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	Port           int      `env:"PORT, default=8080" json:"port"`
	PublicBaseURL  string   `env:"PUBLIC_BASE_URL, default=http://localhost:8080" json:"public_base_url"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS, default=*" json:"allowed_origins"`

	// Auth settings
	APIKeys     map[string]string `env:"API_KEYS, required" json:"-"` // key:user pairs, masked in JSON
	AdminAPIKey string            `env:"ADMIN_API_KEY" json:"-"`

	// Job store settings
	JobStore    string `env:"JOB_STORE, default=sqlite" json:"job_store"`
	SQLitePath  string `env:"SQLITE_PATH, default=vividflow.db" json:"sqlite_path"`
	DatabaseURL string `env:"DATABASE_URL" json:"-"`

	// RunPod (wan2.1) settings
	RunPodAPIKey     string `env:"RUNPOD_API_KEY" json:"-"`
	RunPodEndpointID string `env:"RUNPOD_ENDPOINT_ID" json:"runpod_endpoint_id,omitempty"`
	RunPodBaseURL    string `env:"RUNPOD_BASE_URL, default=https://api.runpod.ai/v2" json:"runpod_base_url"`

	// Vertex AI (veo3.1) settings
	VeoProjectID          string   `env:"VEO_PROJECT_ID" json:"veo_project_id,omitempty"`
	VeoLocation           string   `env:"VEO_LOCATION, default=us-central1" json:"veo_location"`
	VeoModel              string   `env:"VEO_MODEL, default=veo-3.1-fast-generate-001" json:"veo_model"`
	VeoAccessToken        string   `env:"VEO_ACCESS_TOKEN" json:"-"`
	VeoAllowedDurations   []int    `env:"VEO_ALLOWED_DURATIONS, default=4,6,8" json:"veo_allowed_durations"`
	VeoAllowedResolutions []string `env:"VEO_ALLOWED_RESOLUTIONS, default=720p,1080p" json:"veo_allowed_resolutions"`

	// Storage settings
	TempDir         string        `env:"TEMP_DIR, default=/tmp/vividflow" json:"temp_dir"`
	OutputDir       string        `env:"OUTPUT_DIR, default=./data/media" json:"output_dir"`
	UploadTTL       time.Duration `env:"UPLOAD_TTL, default=24h" json:"upload_ttl"`
	JanitorSchedule string        `env:"JANITOR_SCHEDULE, default=0 */15 * * * *" json:"janitor_schedule"`

	// Optional S3 settings
	S3Bucket           string `env:"S3_BUCKET" json:"s3_bucket,omitempty"`
	S3Region           string `env:"S3_REGION" json:"s3_region,omitempty"`
	S3Endpoint         string `env:"S3_ENDPOINT" json:"s3_endpoint,omitempty"`
	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID" json:"-"`     // Masked in JSON
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY" json:"-"` // Masked in JSON

	// Admission settings
	RateLimitRPS   float64 `env:"RATE_LIMIT_RPS, default=5" json:"rate_limit_rps"`
	RateLimitBurst int     `env:"RATE_LIMIT_BURST, default=10" json:"rate_limit_burst"`
	DailyJobQuota  int     `env:"DAILY_JOB_QUOTA, default=500" json:"daily_job_quota"`
	MaxQueueDepth  int     `env:"MAX_QUEUE_DEPTH, default=100" json:"max_queue_depth"`

	// Worker settings
	WorkerIdleInterval time.Duration `env:"WORKER_IDLE_INTERVAL, default=2s" json:"worker_idle_interval"`
	WorkerErrorBackoff time.Duration `env:"WORKER_ERROR_BACKOFF, default=5s" json:"worker_error_backoff"`
	PollInterval       time.Duration `env:"POLL_INTERVAL, default=5s" json:"poll_interval"`
	OperationTimeout   time.Duration `env:"OPERATION_TIMEOUT, default=10m" json:"operation_timeout"`

	// Provider transport settings. Completed RunPod and Veo responses can
	// carry the whole video inline as base64.
	MaxOutputBytes      int64         `env:"MAX_OUTPUT_BYTES, default=209715200" json:"max_output_bytes"`
	ProviderHTTPTimeout time.Duration `env:"PROVIDER_HTTP_TIMEOUT, default=5m" json:"provider_http_timeout"`

	// Output probing
	FFprobePath string `env:"FFPROBE_PATH, default=ffprobe" json:"ffprobe_path"`
	ProbeOutput bool   `env:"PROBE_OUTPUT, default=false" json:"probe_output"`

	// Logging settings
	LogFormat string `env:"LOG_FORMAT, default=text" json:"log_format"` // "json" or "text"
	LogLevel  string `env:"LOG_LEVEL, default=info" json:"log_level"`   // "debug", "info", "warn", "error"
}

// S3Enabled returns true if S3 configuration is provided.
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != "" && c.S3Region != ""
}

// RunPodEnabled reports whether the wan2.1 provider can be constructed.
func (c *Config) RunPodEnabled() bool {
	return c.RunPodAPIKey != "" && c.RunPodEndpointID != ""
}

// VeoEnabled reports whether the veo3.1 provider can be constructed.
func (c *Config) VeoEnabled() bool {
	return c.VeoProjectID != ""
}

// Load reads an optional .env file from the working directory and then
// processes environment variables using go-envconfig.
func Load() (*Config, error) {
	return LoadFile(".env")
}

// LoadFile is Load with an explicit dotenv path. A missing file is not an
// error; variables already present in the environment win over the file.
func LoadFile(dotenv string) (*Config, error) {
	if dotenv != "" {
		if err := godotenv.Load(dotenv); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: load %s: %w", dotenv, err)
		}
	}

	cfg := &Config{}
	if err := envconfig.Process(context.Background(), cfg); err != nil {
		if strings.Contains(err.Error(), "API_KEYS") {
			return nil, ErrAPIKeysRequired
		}
		return nil, fmt.Errorf("config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate performs cross-field checks that struct tags cannot express.
func (c *Config) Validate() error {
	if len(c.APIKeys) == 0 {
		return ErrAPIKeysRequired
	}
	switch c.JobStore {
	case StoreMemory, StoreSQLite:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return ErrDatabaseURLRequired
		}
	default:
		return fmt.Errorf("%w: got %q", ErrInvalidJobStore, c.JobStore)
	}
	if !c.RunPodEnabled() && !c.VeoEnabled() {
		return ErrNoProviderConfigured
	}
	if c.WorkerIdleInterval <= 0 || c.WorkerErrorBackoff <= 0 || c.PollInterval <= 0 || c.OperationTimeout <= 0 || c.ProviderHTTPTimeout <= 0 {
		return ErrInvalidInterval
	}
	if c.MaxOutputBytes <= 0 {
		return ErrInvalidOutputLimit
	}
	return nil
}

// NewLogger creates a structured logger based on the configuration.
// When LogFormat is "json", it outputs JSON logs suitable for production.
// Otherwise, it outputs human-readable text logs.
func (c *Config) NewLogger() *slog.Logger {
	level := parseLogLevel(c.LogLevel)

	var handler slog.Handler
	if strings.ToLower(c.LogFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}

	return slog.New(handler)
}

// String returns a string representation of the config with sensitive values masked.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Port: %d, JobStore: %s, RunPodEndpointID: %s, VeoProjectID: %s, VeoModel: %s, TempDir: %s, S3Bucket: %s, S3Region: %s, APIKeys: %d, LogFormat: %s, LogLevel: %s}",
		c.Port,
		c.JobStore,
		c.RunPodEndpointID,
		c.VeoProjectID,
		c.VeoModel,
		c.TempDir,
		c.S3Bucket,
		c.S3Region,
		len(c.APIKeys),
		c.LogFormat,
		c.LogLevel,
	)
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
