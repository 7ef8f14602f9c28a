// Package config loads recordkit client settings.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("recordkit.yaml").
//	    Load()
//	opts := cfg.ClientOptions()
//
// Precedence: defaults, then the YAML file, then RECORDKIT_* environment variables.
package config

import (
	"os"
	"time"

	"github.com/dan-strohschein/recordkit/batch"
	"github.com/dan-strohschein/recordkit/client"
)

// Config is the complete recordkit configuration.
type Config struct {
	// Connection is the recordkit://host:port/tenant string used by Connect.
	Connection string `yaml:"connection" env:"CONNECTION" validate:"omitempty,startswith=recordkit://"`

	Client  ClientConfig  `yaml:"client" env:"CLIENT"`
	Pool    PoolConfig    `yaml:"pool" env:"POOL"`
	TLS     TLSConfig     `yaml:"tls" env:"TLS"`
	Batch   BatchConfig   `yaml:"batch" env:"BATCH"`
	Log     LogConfig     `yaml:"log" env:"LOG"`
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`
}

// ClientConfig holds request-level settings.
type ClientConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout" env:"DEFAULT_TIMEOUT" validate:"gt=0"`
	RequestTimeout time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT" validate:"gte=0"`
	MaxRetries     int           `yaml:"max_retries" env:"MAX_RETRIES" validate:"gte=0,lte=10"`
	RetryDelay     time.Duration `yaml:"retry_delay" env:"RETRY_DELAY" validate:"gte=0"`
	Debug          bool          `yaml:"debug" env:"DEBUG"`
	TemplateCache  int           `yaml:"template_cache" env:"TEMPLATE_CACHE" validate:"gte=0"`
	SchemaCacheTTL time.Duration `yaml:"schema_cache_ttl" env:"SCHEMA_CACHE_TTL" validate:"gte=0"`
	LogRequests    bool          `yaml:"log_requests" env:"LOG_REQUESTS"`
	TraceRequests  bool          `yaml:"trace_requests" env:"TRACE_REQUESTS"`

	// HealthInterval enables the background ping monitor when non-zero.
	HealthInterval  time.Duration `yaml:"health_interval" env:"HEALTH_INTERVAL" validate:"gte=0"`
	HealthThreshold int           `yaml:"health_threshold" env:"HEALTH_THRESHOLD" validate:"gte=1"`
}

// PoolConfig sizes the TCP connection pool.
type PoolConfig struct {
	MinSize             int           `yaml:"min_size" env:"MIN_SIZE" validate:"gte=0,ltefield=MaxSize"`
	MaxSize             int           `yaml:"max_size" env:"MAX_SIZE" validate:"gte=1"`
	IdleTimeout         time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT" validate:"gte=0"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval" env:"HEALTH_CHECK_INTERVAL" validate:"gte=0"`
}

// TLSConfig enables TLS on the TCP transport.
type TLSConfig struct {
	Enabled            bool   `yaml:"enabled" env:"ENABLED"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify" env:"INSECURE_SKIP_VERIFY"`
	CertFile           string `yaml:"cert_file" env:"CERT_FILE" validate:"required_with=KeyFile"`
	KeyFile            string `yaml:"key_file" env:"KEY_FILE" validate:"required_with=CertFile"`
}

// BatchConfig holds the engine defaults applied to every run.
type BatchConfig struct {
	Size            int           `yaml:"size" env:"SIZE" validate:"gte=0,ltefield=MaxSize"`
	MaxSize         int           `yaml:"max_size" env:"MAX_SIZE" validate:"gte=1,lte=1000"`
	MaxRetries      int           `yaml:"max_retries" env:"MAX_RETRIES" validate:"gte=0,lte=10"`
	RetryDelay      time.Duration `yaml:"retry_delay" env:"RETRY_DELAY" validate:"gte=0"`
	MaxRetryDelay   time.Duration `yaml:"max_retry_delay" env:"MAX_RETRY_DELAY" validate:"gte=0"`
	Concurrency     int           `yaml:"concurrency" env:"CONCURRENCY" validate:"gte=1,lte=64"`
	RateLimit       float64       `yaml:"rate_limit" env:"RATE_LIMIT" validate:"gte=0"`
	ContinueOnError bool          `yaml:"continue_on_error" env:"CONTINUE_ON_ERROR"`
}

// LogConfig selects the log level and an optional rotating file.
type LogConfig struct {
	Level      string `yaml:"level" env:"LEVEL" validate:"oneof=DEBUG INFO WARN ERROR debug info warn error"`
	File       string `yaml:"file" env:"FILE"`
	MaxSizeMB  int    `yaml:"max_size_mb" env:"MAX_SIZE_MB" validate:"gte=0"`
	MaxBackups int    `yaml:"max_backups" env:"MAX_BACKUPS" validate:"gte=0"`
	MaxAgeDays int    `yaml:"max_age_days" env:"MAX_AGE_DAYS" validate:"gte=0"`
	Compress   bool   `yaml:"compress" env:"COMPRESS"`
}

// MetricsConfig controls the Prometheus collector.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" env:"ENABLED"`
	Namespace string `yaml:"namespace" env:"NAMESPACE" validate:"omitempty,max=64"`
}

// DefaultConfig returns the configuration matching client.DefaultOptions.
func DefaultConfig() *Config {
	opts := client.DefaultOptions()
	std := batch.StandardDefaults()
	return &Config{
		Client: ClientConfig{
			DefaultTimeout: opts.DefaultTimeout,
			RequestTimeout: opts.RequestTimeout,
			MaxRetries:     opts.MaxRetries,
			RetryDelay:     opts.RetryDelay,
			TemplateCache:  opts.TemplateCacheSize,
			SchemaCacheTTL: opts.SchemaCacheTTL,

			HealthThreshold: opts.HealthFailureThreshold,
		},
		Pool: PoolConfig{
			MinSize:             opts.PoolMinSize,
			MaxSize:             opts.PoolMaxSize,
			IdleTimeout:         opts.PoolIdleTimeout,
			HealthCheckInterval: opts.HealthCheckInterval,
		},
		Batch: BatchConfig{
			Size:            std.BatchSize,
			MaxSize:         std.MaxBatchSize,
			MaxRetries:      std.MaxRetries,
			RetryDelay:      std.RetryDelay,
			MaxRetryDelay:   std.MaxRetryDelay,
			Concurrency:     std.Concurrency,
			ContinueOnError: true,
		},
		Log: LogConfig{
			Level:      opts.LogLevel,
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Metrics: MetricsConfig{
			Namespace: "recordkit",
		},
	}
}

// BatchDefaults converts the batch section into engine defaults.
func (c *Config) BatchDefaults() batch.Defaults {
	return batch.Defaults{
		BatchSize:     c.Batch.Size,
		MaxBatchSize:  c.Batch.MaxSize,
		MaxRetries:    c.Batch.MaxRetries,
		RetryDelay:    c.Batch.RetryDelay,
		MaxRetryDelay: c.Batch.MaxRetryDelay,
		Concurrency:   c.Batch.Concurrency,
		RateLimit:     c.Batch.RateLimit,
	}
}

// RunConfig returns the per-run settings that the configuration pins.
func (c *Config) RunConfig() *batch.Config {
	continueOnError := c.Batch.ContinueOnError
	return &batch.Config{ContinueOnError: &continueOnError}
}

// Logger builds the logger described by the log section. Without a file,
// logs go to stderr.
func (c *Config) Logger() client.Logger {
	if c.Log.File == "" {
		return client.NewLogger(c.Log.Level, os.Stderr)
	}
	return client.NewFileLogger(c.Log.Level, client.LogFileOptions{
		Path:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
		Compress:   c.Log.Compress,
	})
}

// ClientOptions converts the configuration into client options. The
// logger is built from the log section.
func (c *Config) ClientOptions() client.ClientOptions {
	opts := client.DefaultOptions()

	opts.DefaultTimeout = c.Client.DefaultTimeout
	opts.RequestTimeout = c.Client.RequestTimeout
	opts.MaxRetries = c.Client.MaxRetries
	opts.RetryDelay = c.Client.RetryDelay
	opts.DebugMode = c.Client.Debug
	opts.TemplateCacheSize = c.Client.TemplateCache
	opts.SchemaCacheTTL = c.Client.SchemaCacheTTL
	opts.LogRequests = c.Client.LogRequests
	opts.TraceRequests = c.Client.TraceRequests
	opts.HealthMonitorInterval = c.Client.HealthInterval
	opts.HealthFailureThreshold = c.Client.HealthThreshold

	opts.PoolMinSize = c.Pool.MinSize
	opts.PoolMaxSize = c.Pool.MaxSize
	opts.PoolIdleTimeout = c.Pool.IdleTimeout
	opts.HealthCheckInterval = c.Pool.HealthCheckInterval

	opts.TLSEnabled = c.TLS.Enabled
	opts.TLSInsecureSkipVerify = c.TLS.InsecureSkipVerify
	opts.TLSCertFile = c.TLS.CertFile
	opts.TLSKeyFile = c.TLS.KeyFile

	opts.LogLevel = c.Log.Level
	opts.Logger = c.Logger()
	opts.BatchDefaults = c.BatchDefaults()

	return opts
}
