package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"`
	LogLevel    string `koanf:"log_level"`

	Server    ServerConfig    `koanf:"server"`
	Redis     RedisConfig     `koanf:"redis"`
	Database  DatabaseConfig  `koanf:"database"`
	Telemetry TelemetryConfig `koanf:"telemetry"`

	Scheduler SchedulerConfig `koanf:"scheduler"`
	Context   ContextConfig   `koanf:"context"`
	Security  SecurityConfig  `koanf:"security"`
	ETL       ETLConfig       `koanf:"etl"`
	Audit     AuditConfig     `koanf:"audit"`
}

type ServerConfig struct {
	Port            int           `koanf:"port" validate:"gt=0"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	RateLimitRPS    int           `koanf:"rate_limit_rps"`
	RateLimitBurst  int           `koanf:"rate_limit_burst"`
}

type RedisConfig struct {
	URL          string        `koanf:"url"`
	Password     string        `koanf:"password"`
	DB           int           `koanf:"db"`
	PoolSize     int           `koanf:"pool_size"`
	MinIdleConns int           `koanf:"min_idle_conns"`
	MaxRetries   int           `koanf:"max_retries"`
	DialTimeout  time.Duration `koanf:"dial_timeout"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
}

type TelemetryConfig struct {
	Enabled      bool          `koanf:"enabled"`
	OTLPEndpoint string        `koanf:"otlp_endpoint"`
	SamplingRate float64       `koanf:"sampling_rate"`
	BatchTimeout time.Duration `koanf:"batch_timeout"`
}

type SchedulerConfig struct {
	MaxConcurrentTasksPerAgent int           `koanf:"max_concurrent_tasks_per_agent" validate:"gt=0"`
	GlobalConcurrencyCap       int           `koanf:"global_concurrency_cap" validate:"gt=0"`
	DefaultTaskTimeout         time.Duration `koanf:"default_task_timeout"`
	RetryMaxAttempts           int           `koanf:"retry_max_attempts" validate:"gte=0"`
	RetryBaseDelay             time.Duration `koanf:"retry_base_delay"`
	RetryMaxDelay              time.Duration `koanf:"retry_max_delay"`
	QueueCapacity              int           `koanf:"queue_capacity" validate:"gt=0"`
	TickInterval               time.Duration `koanf:"tick_interval"`
	ResultRetention            time.Duration `koanf:"result_retention"`
}

type ContextConfig struct {
	CacheMaxEntries int           `koanf:"cache_max_entries" validate:"gt=0"`
	CacheTTL        time.Duration `koanf:"cache_ttl"`
	CleanupInterval time.Duration `koanf:"cleanup_interval"`
	DefaultTTL      time.Duration `koanf:"default_ttl"`
}

type SecurityConfig struct {
	EncryptionEnabled bool   `koanf:"encryption_enabled"`
	IntegrityKey      string `koanf:"integrity_key"`
	// EncryptionKeyRing maps key IDs to base64-encoded 256-bit keys.
	// The highest lexicographic key ID is the current write key.
	EncryptionKeyRing map[string]string `koanf:"encryption_key_ring"`
	JWTSecret         string            `koanf:"jwt_secret"`
	TokenExpiry       time.Duration     `koanf:"token_expiry"`
}

type ETLConfig struct {
	BatchDefaultSize int           `koanf:"batch_default_size" validate:"gt=0"`
	BatchTimeout     time.Duration `koanf:"batch_timeout"`
	WorkerCount      int           `koanf:"worker_count" validate:"gt=0"`
	ScheduleInterval time.Duration `koanf:"schedule_interval"`
}

type AuditConfig struct {
	RetentionDays int           `koanf:"retention_days" validate:"gt=0"`
	FlushInterval time.Duration `koanf:"flush_interval"`
	ShardCount    int           `koanf:"shard_count" validate:"gt=0"`
}

// Load builds configuration from defaults, an optional YAML file, and
// CAB_-prefixed environment variables, in increasing precedence.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	defaults := &Config{
		Version:     "dev",
		Environment: "development",
		LogLevel:    "info",
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			RateLimitRPS:    100,
			RateLimitBurst:  200,
		},
		Redis: RedisConfig{
			URL:          "localhost:6379",
			PoolSize:     10,
			MinIdleConns: 2,
			MaxRetries:   3,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Telemetry: TelemetryConfig{
			SamplingRate: 0.1,
			BatchTimeout: 5 * time.Second,
		},
		Scheduler: SchedulerConfig{
			MaxConcurrentTasksPerAgent: 5,
			GlobalConcurrencyCap:       50,
			DefaultTaskTimeout:         5 * time.Minute,
			RetryMaxAttempts:           3,
			RetryBaseDelay:             2 * time.Second,
			RetryMaxDelay:              5 * time.Minute,
			QueueCapacity:              1000,
			TickInterval:               100 * time.Millisecond,
			ResultRetention:            24 * time.Hour,
		},
		Context: ContextConfig{
			CacheMaxEntries: 1000,
			CacheTTL:        time.Hour,
			CleanupInterval: 5 * time.Minute,
			DefaultTTL:      24 * time.Hour,
		},
		Security: SecurityConfig{
			EncryptionEnabled: true,
			TokenExpiry:       24 * time.Hour,
		},
		ETL: ETLConfig{
			BatchDefaultSize: 100,
			BatchTimeout:     500 * time.Millisecond,
			WorkerCount:      4,
			ScheduleInterval: time.Minute,
		},
		Audit: AuditConfig{
			RetentionDays: 2555,
			FlushInterval: time.Second,
			ShardCount:    16,
		},
	}

	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if configPath == "" {
		configPath = "configs/config.yaml"
	}
	// Config file is optional.
	_ = k.Load(file.Provider(configPath), yaml.Parser())

	if err := k.Load(env.Provider("CAB_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "CAB_")), "_", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks structural constraints on the loaded configuration.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Security.EncryptionEnabled && len(c.Security.EncryptionKeyRing) == 0 && c.Environment == "production" {
		return fmt.Errorf("invalid configuration: encryption enabled without a key ring")
	}
	return nil
}
