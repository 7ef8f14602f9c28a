package batch

import (
	"time"

	"go.uber.org/zap"
)

const (
	// FallbackBatchSize is used when neither the run nor the engine sets a batch size.
	FallbackBatchSize = 100
	// PlatformMaxBatchSize is the largest compound request the record service accepts.
	PlatformMaxBatchSize = 1000

	DefaultMaxRetries    = 3
	DefaultRetryDelay    = 500 * time.Millisecond
	DefaultMaxRetryDelay = 30 * time.Second
	DefaultMultiplier    = 2.0
	DefaultConcurrency   = 1
)

// Defaults are the engine-wide settings a run falls back to. They are
// read-only once the engine is built.
type Defaults struct {
	BatchSize     int           `json:"batchSize" yaml:"batch_size"`
	MaxBatchSize  int           `json:"maxBatchSize" yaml:"max_batch_size"`
	MaxRetries    int           `json:"maxRetries" yaml:"max_retries"`
	RetryDelay    time.Duration `json:"retryDelay" yaml:"retry_delay"`
	MaxRetryDelay time.Duration `json:"maxRetryDelay" yaml:"max_retry_delay"`
	Concurrency   int           `json:"concurrency" yaml:"concurrency"`
	RateLimit     float64       `json:"rateLimit" yaml:"rate_limit"`
}

// StandardDefaults returns the built-in engine defaults.
func StandardDefaults() Defaults {
	return Defaults{
		BatchSize:     FallbackBatchSize,
		MaxBatchSize:  PlatformMaxBatchSize,
		MaxRetries:    DefaultMaxRetries,
		RetryDelay:    DefaultRetryDelay,
		MaxRetryDelay: DefaultMaxRetryDelay,
		Concurrency:   DefaultConcurrency,
	}
}

// normalize fills zero fields from StandardDefaults. MaxRetries is taken as
// given; negative values become zero.
func (d Defaults) normalize() Defaults {
	std := StandardDefaults()
	if d.MaxBatchSize <= 0 {
		d.MaxBatchSize = std.MaxBatchSize
	}
	if d.BatchSize <= 0 {
		d.BatchSize = std.BatchSize
	}
	if d.MaxRetries < 0 {
		d.MaxRetries = 0
	}
	if d.RetryDelay <= 0 {
		d.RetryDelay = std.RetryDelay
	}
	if d.MaxRetryDelay <= 0 {
		d.MaxRetryDelay = std.MaxRetryDelay
	}
	if d.MaxRetryDelay < d.RetryDelay {
		d.MaxRetryDelay = d.RetryDelay
	}
	if d.Concurrency <= 0 {
		d.Concurrency = std.Concurrency
	}
	if d.RateLimit < 0 {
		d.RateLimit = 0
	}
	return d
}

// ProgressFunc receives progress snapshots. It runs on a dedicated goroutine
// and may miss intermediate snapshots when it falls behind.
type ProgressFunc func(Progress)

// Config tunes a single run. A nil Config uses the engine defaults.
type Config struct {
	// BatchSize is the number of operations per compound request. Zero uses
	// the engine default; otherwise it must be 1..MaxBatchSize.
	BatchSize int
	// MaxRetries overrides the engine default when set.
	MaxRetries *int
	// RetryDelay is the first backoff delay. Zero uses the engine default.
	RetryDelay time.Duration
	// MaxRetryDelay caps backoff growth. Zero uses the engine default.
	MaxRetryDelay time.Duration
	// ContinueOnError keeps dispatching after a chunk fails as a whole.
	// Defaults to true.
	ContinueOnError *bool
	// ReportProgress enables OnProgress.
	ReportProgress bool
	OnProgress     ProgressFunc
	// Concurrency is the number of chunks in flight. Zero uses the engine default.
	Concurrency int
	// RateLimit caps chunk submissions per second. Zero uses the engine default.
	RateLimit float64
	// Metadata is copied onto the result untouched.
	Metadata map[string]interface{}
}

// IntPtr returns a pointer to v, for Config.MaxRetries.
func IntPtr(v int) *int { return &v }

// BoolPtr returns a pointer to v, for Config.ContinueOnError.
func BoolPtr(v bool) *bool { return &v }

// settings are the effective values of one run.
type settings struct {
	batchSize       int
	maxBatchSize    int
	policy          RetryPolicy
	continueOnError bool
	concurrency     int
	rateLimit       float64
	progress        ProgressFunc
	metadata        map[string]interface{}
}

// resolve merges cfg over d. An explicit batch size above the maximum is
// rejected; a default above the maximum is clamped.
func (d Defaults) resolve(cfg *Config, logger *zap.Logger) (settings, error) {
	d = d.normalize()
	if cfg == nil {
		cfg = &Config{}
	}

	s := settings{
		batchSize:       d.BatchSize,
		maxBatchSize:    d.MaxBatchSize,
		continueOnError: true,
		concurrency:     d.Concurrency,
		rateLimit:       d.RateLimit,
		policy: RetryPolicy{
			MaxRetries: d.MaxRetries,
			BaseDelay:  d.RetryDelay,
			MaxDelay:   d.MaxRetryDelay,
			Multiplier: DefaultMultiplier,
		},
	}

	switch {
	case cfg.BatchSize < 0:
		return settings{}, ErrInvalidBatchSize(cfg.BatchSize, d.MaxBatchSize)
	case cfg.BatchSize > d.MaxBatchSize:
		return settings{}, ErrInvalidBatchSize(cfg.BatchSize, d.MaxBatchSize)
	case cfg.BatchSize > 0:
		s.batchSize = cfg.BatchSize
	case s.batchSize > d.MaxBatchSize:
		logger.Warn("default batch size exceeds platform maximum, clamping",
			zap.Int("batch_size", s.batchSize),
			zap.Int("max_batch_size", d.MaxBatchSize))
		s.batchSize = d.MaxBatchSize
	}

	if cfg.MaxRetries != nil {
		if *cfg.MaxRetries < 0 {
			return settings{}, ErrInvalidConfig("maxRetries", *cfg.MaxRetries, "must not be negative")
		}
		s.policy.MaxRetries = *cfg.MaxRetries
	}
	if cfg.RetryDelay < 0 {
		return settings{}, ErrInvalidConfig("retryDelay", cfg.RetryDelay.String(), "must not be negative")
	}
	if cfg.RetryDelay > 0 {
		s.policy.BaseDelay = cfg.RetryDelay
	}
	if cfg.MaxRetryDelay < 0 {
		return settings{}, ErrInvalidConfig("maxRetryDelay", cfg.MaxRetryDelay.String(), "must not be negative")
	}
	if cfg.MaxRetryDelay > 0 {
		s.policy.MaxDelay = cfg.MaxRetryDelay
	}
	if s.policy.MaxDelay < s.policy.BaseDelay {
		s.policy.MaxDelay = s.policy.BaseDelay
	}

	if cfg.ContinueOnError != nil {
		s.continueOnError = *cfg.ContinueOnError
	}

	if cfg.Concurrency < 0 {
		return settings{}, ErrInvalidConfig("concurrency", cfg.Concurrency, "must not be negative")
	}
	if cfg.Concurrency > 0 {
		s.concurrency = cfg.Concurrency
	}

	if cfg.RateLimit < 0 {
		return settings{}, ErrInvalidConfig("rateLimit", cfg.RateLimit, "must not be negative")
	}
	if cfg.RateLimit > 0 {
		s.rateLimit = cfg.RateLimit
	}

	if cfg.ReportProgress && cfg.OnProgress != nil {
		s.progress = cfg.OnProgress
	}

	if len(cfg.Metadata) > 0 {
		s.metadata = make(map[string]interface{}, len(cfg.Metadata))
		for k, v := range cfg.Metadata {
			s.metadata[k] = v
		}
	}

	return s, nil
}
