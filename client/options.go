package client

import (
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/dan-strohschein/recordkit/batch"
	"github.com/dan-strohschein/recordkit/transport"
)

// ClientOptions configures the record client behavior.
type ClientOptions struct {
	// DefaultTimeout bounds Connect and metadata calls.
	// Default: 10s
	DefaultTimeout time.Duration

	// RequestTimeout bounds a single round trip, including one batch chunk.
	// Zero leaves the caller's context in charge.
	// Default: 30s
	RequestTimeout time.Duration

	// DebugMode enables verbose error serialization with full cause chains.
	// Default: false
	DebugMode bool

	// MaxRetries is the retry budget for connection attempts and single-record
	// calls. Batch runs take theirs from BatchDefaults.
	// Default: 3
	MaxRetries int

	// RetryDelay is the first backoff delay for connection attempts and
	// single-record calls. It doubles per attempt.
	// Default: 100ms
	RetryDelay time.Duration

	// PoolMinSize is the minimum number of idle connections to maintain.
	// Default: 1
	PoolMinSize int

	// PoolMaxSize is the maximum number of open connections. Batch runs with
	// Concurrency above one need a pool at least that large to overlap chunks.
	// Default: 4
	PoolMaxSize int

	// PoolIdleTimeout is the duration after which idle connections are closed.
	// Default: 5m
	PoolIdleTimeout time.Duration

	// HealthCheckInterval is how often to ping idle connections.
	// Default: 30s
	HealthCheckInterval time.Duration

	// TLSEnabled enables TLS on the default transport. The connection string
	// parameter tls=true has the same effect.
	TLSEnabled bool

	// TLSInsecureSkipVerify skips certificate validation (for development only).
	TLSInsecureSkipVerify bool

	// TLSCertFile is the path to the client certificate file.
	TLSCertFile string

	// TLSKeyFile is the path to the client private key file.
	TLSKeyFile string

	// Logger is the logger implementation to use.
	// If nil, a JSON logger on stdout is created at LogLevel.
	Logger Logger

	// LogLevel sets the minimum log level (DEBUG, INFO, WARN, ERROR).
	// Default: "INFO"
	LogLevel string

	// BatchDefaults are applied to every batch run before per-run Config.
	BatchDefaults batch.Defaults

	// TransportFactory opens the transport for Connect. If nil, the pooled
	// TCP transport is used.
	TransportFactory transport.Factory

	// Metrics receives batch run, chunk and retry observations.
	Metrics batch.MetricsRecorder

	// TracerProvider supplies spans for batch runs. If nil, the global provider is used.
	TracerProvider trace.TracerProvider

	// TemplateCacheSize is the maximum number of compiled query templates to cache.
	// Default: 100
	TemplateCacheSize int

	// SchemaCacheTTL is the duration for which table definitions are cached.
	// Default: 5m
	SchemaCacheTTL time.Duration

	// Hooks are registered in order when the client is created.
	Hooks []Hook

	// LogRequests registers a LoggingHook that logs every request with its
	// duration at DEBUG and failures at ERROR.
	LogRequests bool

	// TraceRequests registers a TracingHook that opens a client span per
	// request on TracerProvider.
	TraceRequests bool

	// HealthMonitorInterval enables a HealthMonitor that pings the service
	// while connected. Zero disables it.
	HealthMonitorInterval time.Duration

	// HealthFailureThreshold is how many transient ping failures in a row
	// mark the client unhealthy.
	// Default: 3
	HealthFailureThreshold int

	// OnUnhealthy is called from the monitor goroutine when the client is
	// marked unhealthy.
	OnUnhealthy func(err error)

	// OnConnected is called when a connection is successfully established.
	OnConnected func(StateTransition)

	// OnDisconnected is called when a connection is closed or fails to open.
	OnDisconnected func(StateTransition)
}

// DefaultOptions returns ClientOptions with default values.
func DefaultOptions() ClientOptions {
	return ClientOptions{
		DefaultTimeout:      10 * time.Second,
		RequestTimeout:      30 * time.Second,
		MaxRetries:          3,
		RetryDelay:          100 * time.Millisecond,
		PoolMinSize:         1,
		PoolMaxSize:         4,
		PoolIdleTimeout:     5 * time.Minute,
		HealthCheckInterval: 30 * time.Second,
		LogLevel:            "INFO",
		BatchDefaults:       batch.StandardDefaults(),
		TemplateCacheSize:   100,
		SchemaCacheTTL:      5 * time.Minute,

		HealthFailureThreshold: 3,
	}
}
