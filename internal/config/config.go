package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the segment worker
type Config struct {
	Log        LogConfig        `yaml:"log"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Snowflake  SnowflakeConfig  `yaml:"snowflake"`
	AWS        AWSConfig        `yaml:"aws"`
	Evaluation EvaluationConfig `yaml:"evaluation"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level     string `yaml:"level"`
	RedactPII bool   `yaml:"redact_pii"`
}

// DatabaseConfig holds the PostgreSQL segment store settings.
type DatabaseConfig struct {
	URL                    string `yaml:"url"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `yaml:"conn_max_lifetime_seconds"`
	UsersTable             string `yaml:"users_table"`
	// Fixtures seeds in-memory stores when URL is empty.
	Fixtures string `yaml:"fixtures"`
}

// ConnMaxLifetime returns the pool connection lifetime as a duration
func (c DatabaseConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetimeSeconds) * time.Second
}

// RedisConfig holds Redis settings for the membership cache and refresh lock.
type RedisConfig struct {
	Enabled           bool   `yaml:"enabled"`
	Addr              string `yaml:"addr"`
	Password          string `yaml:"password"`
	DB                int    `yaml:"db"`
	KeyPrefix         string `yaml:"key_prefix"`
	MembersTTLSeconds int    `yaml:"members_ttl_seconds"`
}

// MembersTTL returns how long cached member sets live
func (c RedisConfig) MembersTTL() time.Duration {
	return time.Duration(c.MembersTTLSeconds) * time.Second
}

// SnowflakeConfig holds the behavior warehouse connection
type SnowflakeConfig struct {
	ConnectionString string `yaml:"connection_string"`
	Account          string `yaml:"account"`
	User             string `yaml:"user"`
	Password         string `yaml:"password"`
	Database         string `yaml:"database"`
	Schema           string `yaml:"schema"`
	Warehouse        string `yaml:"warehouse"`
	EventsTable      string `yaml:"events_table"`
	Enabled          bool   `yaml:"enabled"`
}

// AWSConfig holds the evaluation history table and member archive bucket.
type AWSConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Region         string `yaml:"region"`
	Profile        string `yaml:"profile"` // Empty string uses default credential chain (IAM role on ECS)
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	HistoryTable   string `yaml:"history_table"`
	ArchiveBucket  string `yaml:"archive_bucket"`
	HistoryTTLDays int    `yaml:"history_ttl_days"`
}

// GetProfile returns the AWS profile, with environment variable override
func (c AWSConfig) GetProfile() string {
	if envProfile := os.Getenv("AWS_PROFILE_OVERRIDE"); envProfile != "" {
		if envProfile == "none" || envProfile == "iam" {
			return ""
		}
		return envProfile
	}
	// On ECS/Lambda, don't use a profile - use IAM role
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return ""
	}
	return c.Profile
}

// HistoryTTL returns how long history items are retained
func (c AWSConfig) HistoryTTL() time.Duration {
	return time.Duration(c.HistoryTTLDays) * 24 * time.Hour
}

// EvaluationConfig tunes the evaluation coordinator and refresh loop.
type EvaluationConfig struct {
	Workers                int  `yaml:"workers"`
	QueueSize              int  `yaml:"queue_size"`
	PageSize               int  `yaml:"page_size"`
	TimeoutSeconds         int  `yaml:"timeout_seconds"`
	RefreshIntervalSeconds int  `yaml:"refresh_interval_seconds"`
	StaleAfterSeconds      int  `yaml:"stale_after_seconds"`
	PreviewLimit           int  `yaml:"preview_limit"`
	BatchConcurrency       int  `yaml:"batch_concurrency"`
	LockTTLSeconds         int  `yaml:"lock_ttl_seconds"`
	MaterializeMembers     bool `yaml:"materialize_members"`
}

// Timeout returns the per-evaluation timeout as a duration
func (c EvaluationConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// RefreshInterval returns how often stale segments are scanned
func (c EvaluationConfig) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalSeconds) * time.Second
}

// StaleAfter returns the age past which a segment is re-evaluated
func (c EvaluationConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterSeconds) * time.Second
}

// LockTTL returns the refresh lock lifetime
func (c EvaluationConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 20
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetimeSeconds == 0 {
		cfg.Database.ConnMaxLifetimeSeconds = 300
	}
	if cfg.Database.UsersTable == "" {
		cfg.Database.UsersTable = "audience_users"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = "audience"
	}
	if cfg.Snowflake.EventsTable == "" {
		cfg.Snowflake.EventsTable = "USER_EVENTS"
	}
	if cfg.AWS.Region == "" {
		cfg.AWS.Region = "us-west-2"
	}
	if cfg.AWS.HistoryTTLDays == 0 {
		cfg.AWS.HistoryTTLDays = 90
	}
	if cfg.Evaluation.Workers == 0 {
		cfg.Evaluation.Workers = 4
	}
	if cfg.Evaluation.QueueSize == 0 {
		cfg.Evaluation.QueueSize = 256
	}
	if cfg.Evaluation.PageSize == 0 {
		cfg.Evaluation.PageSize = 1000
	}
	if cfg.Evaluation.TimeoutSeconds == 0 {
		cfg.Evaluation.TimeoutSeconds = 300
	}
	if cfg.Evaluation.RefreshIntervalSeconds == 0 {
		cfg.Evaluation.RefreshIntervalSeconds = 300
	}
	if cfg.Evaluation.StaleAfterSeconds == 0 {
		cfg.Evaluation.StaleAfterSeconds = 3600
	}
	if cfg.Evaluation.PreviewLimit == 0 {
		cfg.Evaluation.PreviewLimit = 100
	}
	if cfg.Evaluation.BatchConcurrency == 0 {
		cfg.Evaluation.BatchConcurrency = 4
	}
	if cfg.Evaluation.LockTTLSeconds == 0 {
		cfg.Evaluation.LockTTLSeconds = 240
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9090"
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars on ECS.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}

	// Database override (critical for ECS deployment where config.yaml has local defaults)
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.Database.URL = dbURL
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}

	if v := os.Getenv("SNOWFLAKE_CONNECTION_STRING"); v != "" {
		cfg.Snowflake.ConnectionString = v
		cfg.Snowflake.Enabled = true
	}
	if v := os.Getenv("SNOWFLAKE_PASSWORD"); v != "" {
		cfg.Snowflake.Password = v
	}

	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.AWS.Region = v
	}
	if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
		cfg.AWS.AccessKey = v
	}
	if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
		cfg.AWS.SecretKey = v
	}

	if v := os.Getenv("EVALUATION_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Evaluation.Workers = n
		}
	}
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}

	return cfg, nil
}
