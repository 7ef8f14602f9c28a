package client

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dan-strohschein/recordkit/batch"
	"github.com/dan-strohschein/recordkit/protocol"
	"github.com/dan-strohschein/recordkit/transport"
	"github.com/dan-strohschein/recordkit/transport/tcp"
)

// Scheme is the connection string scheme.
const Scheme = "recordkit"

// Client talks to one record service tenant. It is safe for concurrent use
// once connected.
type Client struct {
	opts      ClientOptions
	stateMgr  *StateManager
	logger    Logger
	debugMode atomic.Bool
	codec     protocol.Codec

	mu        sync.RWMutex
	transport transport.Transport
	target    Target
	identity  map[string]interface{}

	templates *TemplateCache
	schemas   *SchemaCache

	hooks  hookChain
	health *HealthMonitor

	engineOnce sync.Once
	engine     *batch.Engine

	// sleep is the backoff wait for connection and record retries.
	sleep batch.SleepFunc
}

// Target is a parsed connection string.
type Target struct {
	Address string
	Tenant  string
	Params  url.Values
}

// ParseConnectionString parses recordkit://host:port/tenant[?tls=true].
func ParseConnectionString(connStr string) (Target, error) {
	u, err := url.Parse(connStr)
	if err != nil {
		return Target{}, ErrInvalidConnectionString(connStr, err.Error())
	}
	if u.Scheme != Scheme {
		return Target{}, ErrInvalidConnectionString(connStr, fmt.Sprintf("scheme must be %q", Scheme))
	}
	if u.Host == "" || u.Port() == "" {
		return Target{}, ErrInvalidConnectionString(connStr, "host and port are required")
	}
	tenant := strings.Trim(u.Path, "/")
	if tenant == "" || strings.Contains(tenant, "/") {
		return Target{}, ErrInvalidConnectionString(connStr, "exactly one tenant path segment is required")
	}
	return Target{Address: u.Host, Tenant: tenant, Params: u.Query()}, nil
}

// New creates a client. If opts is nil, default options are used.
func New(opts *ClientOptions) *Client {
	if opts == nil {
		defaultOpts := DefaultOptions()
		opts = &defaultOpts
	}

	logger := opts.Logger
	if logger == nil {
		logger = NewLogger(opts.LogLevel, nil)
	}

	cacheSize := opts.TemplateCacheSize
	if cacheSize <= 0 {
		cacheSize = 100
	}

	c := &Client{
		opts:      *opts,
		stateMgr:  NewStateManager(),
		logger:    logger,
		codec:     protocol.NewCodec(),
		templates: NewTemplateCache(cacheSize),
		sleep:     batch.SleepContext,
	}
	c.schemas = NewSchemaCache(c, opts.SchemaCacheTTL)
	c.debugMode.Store(opts.DebugMode)

	if opts.LogRequests {
		c.RegisterHook(NewLoggingHook(logger, true, true))
	}
	if opts.TraceRequests {
		c.RegisterHook(NewTracingHook(opts.TracerProvider))
	}
	for _, h := range opts.Hooks {
		c.RegisterHook(h)
	}
	if opts.HealthMonitorInterval > 0 {
		c.health = NewHealthMonitor(c, opts.HealthMonitorInterval, opts.HealthFailureThreshold, opts.OnUnhealthy)
	}

	if opts.OnConnected != nil || opts.OnDisconnected != nil {
		c.stateMgr.OnStateChange(func(transition StateTransition) {
			switch transition.To {
			case CONNECTED:
				if opts.OnConnected != nil {
					opts.OnConnected(transition)
				}
			case DISCONNECTED:
				if opts.OnDisconnected != nil {
					opts.OnDisconnected(transition)
				}
			}
		})
	}

	return c
}

// Connect opens the transport and checks the tenant identity. Transient
// failures are retried with exponential backoff up to MaxRetries times.
func (c *Client) Connect(ctx context.Context, connStr string) error {
	target, err := ParseConnectionString(connStr)
	if err != nil {
		return err
	}

	c.logger.Info("connecting to record service",
		String("address", target.Address),
		String("tenant", target.Tenant))

	if err := c.stateMgr.TransitionTo(CONNECTING, nil, map[string]interface{}{
		"reason":  "user_initiated",
		"address": target.Address,
		"tenant":  target.Tenant,
		"attempt": 1,
	}); err != nil {
		return err
	}

	if c.opts.DefaultTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.DefaultTimeout)
		defer cancel()
	}

	retrier := batch.NewRetrier(c.retryPolicy(),
		batch.WithSleepFunc(c.sleep),
		batch.WithRetryLogger(c.logger.Zap()),
		batch.WithRetryHook(func(attempt int, err error, _ batch.ErrorCategory, delay time.Duration) {
			c.logger.Warn("connection attempt failed",
				Int("attempt", attempt),
				Duration("backoff", delay),
				Error("error", err))
		}))

	factory := c.transportFactory(target)
	outcome := batch.Execute(ctx, retrier, func(ctx context.Context) (transport.Transport, error) {
		return c.open(ctx, factory, target)
	})
	if !outcome.OK() {
		connErr := ErrConnectionFailed(target.Address, outcome.Err)
		c.logger.Error("all connection attempts failed",
			Int("attempts", outcome.Attempts),
			Error("error", outcome.Err))
		c.stateMgr.TransitionTo(DISCONNECTED, connErr, map[string]interface{}{
			"reason":  "error",
			"attempt": outcome.Attempts,
		})
		return connErr
	}

	c.mu.Lock()
	c.transport = outcome.Value
	c.target = target
	c.mu.Unlock()

	c.logger.Info("connection established",
		String("address", target.Address),
		Int("attempts", outcome.Attempts))
	c.stateMgr.TransitionTo(CONNECTED, nil, map[string]interface{}{
		"reason":  "user_initiated",
		"address": target.Address,
		"tenant":  target.Tenant,
		"attempt": outcome.Attempts,
	})
	if c.health != nil {
		c.health.Start()
	}
	return nil
}

// open creates one transport and verifies the tenant. The transport is
// closed again when verification fails.
func (c *Client) open(ctx context.Context, factory transport.Factory, target Target) (transport.Transport, error) {
	t, err := factory(ctx, target.Address)
	if err != nil {
		return nil, err
	}

	resp, err := c.roundTrip(ctx, t, &protocol.Request{ID: uuid.NewString(), Op: protocol.OpWhoAmI})
	if err != nil {
		t.Close()
		return nil, err
	}

	identity, _ := resp.Data.(map[string]interface{})
	if tenant, ok := identity["tenant"].(string); ok && tenant != target.Tenant {
		t.Close()
		return nil, batch.MarkPermanent(fmt.Errorf("server identifies as tenant %q, expected %q", tenant, target.Tenant))
	}

	c.mu.Lock()
	c.identity = identity
	c.mu.Unlock()
	return t, nil
}

func (c *Client) transportFactory(target Target) transport.Factory {
	if c.opts.TransportFactory != nil {
		return c.opts.TransportFactory
	}

	useTLS := c.opts.TLSEnabled
	if v := target.Params.Get("tls"); v == "true" || v == "require" {
		useTLS = true
	}
	skipVerify := c.opts.TLSInsecureSkipVerify || target.Params.Get("tlsInsecureSkipVerify") == "true"
	if skipVerify {
		c.logger.Warn("TLS certificate verification disabled - USE ONLY FOR TESTING")
	}

	return tcp.Factory(tcp.Options{
		DialTimeout:         c.opts.DefaultTimeout,
		UseTLS:              useTLS,
		CertPath:            c.opts.TLSCertFile,
		KeyPath:             c.opts.TLSKeyFile,
		SkipVerify:          skipVerify,
		PoolSize:            c.opts.PoolMaxSize,
		PoolMinSize:         c.opts.PoolMinSize,
		PoolIdleTimeout:     c.opts.PoolIdleTimeout,
		HealthCheckInterval: c.opts.HealthCheckInterval,
	})
}

func (c *Client) retryPolicy() batch.RetryPolicy {
	policy := batch.DefaultRetryPolicy()
	policy.MaxRetries = c.opts.MaxRetries
	if c.opts.RetryDelay > 0 {
		policy.BaseDelay = c.opts.RetryDelay
	}
	return policy
}

// Disconnect closes the transport.
func (c *Client) Disconnect(ctx context.Context) error {
	if state := c.stateMgr.GetState(); state != CONNECTED {
		return ErrInvalidState("Disconnect", CONNECTED, state)
	}

	c.logger.Info("disconnecting from record service")
	if c.health != nil {
		c.health.halt()
	}
	if err := c.stateMgr.TransitionTo(DISCONNECTING, nil, map[string]interface{}{
		"reason": "user_initiated",
	}); err != nil {
		return err
	}

	c.mu.Lock()
	t := c.transport
	c.transport = nil
	c.identity = nil
	c.mu.Unlock()

	c.schemas.Invalidate()
	if err := c.templates.Clear(); err != nil {
		c.logger.Warn("failed to clear template cache", Error("error", err))
	}

	closed := make(chan error, 1)
	go func() { closed <- t.Close() }()

	var closeErr error
	select {
	case closeErr = <-closed:
	case <-ctx.Done():
		c.logger.Warn("disconnect context cancelled before transport closed")
		closeErr = ctx.Err()
	}

	if closeErr != nil {
		c.logger.Error("error during disconnect", Error("error", closeErr))
	} else {
		c.logger.Info("disconnected successfully")
	}

	c.stateMgr.TransitionTo(DISCONNECTED, closeErr, map[string]interface{}{
		"reason": "user_initiated",
	})
	return closeErr
}

// GetState returns the current connection state.
func (c *Client) GetState() ConnectionState {
	return c.stateMgr.GetState()
}

// GetLastTransition returns the most recent state transition.
func (c *Client) GetLastTransition() StateTransition {
	return c.stateMgr.GetLastTransition()
}

// OnStateChange registers a handler to be called on state transitions.
func (c *Client) OnStateChange(handler StateChangeHandler) {
	c.stateMgr.OnStateChange(handler)
}

// GetVersion returns the build version of the client.
func (c *Client) GetVersion() string {
	return Version
}

// Identity returns the whoami payload from the last successful Connect.
func (c *Client) Identity() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]interface{}, len(c.identity))
	for k, v := range c.identity {
		out[k] = v
	}
	return out
}

// Ping checks that the service still answers for this tenant.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Execute(ctx, &protocol.Request{Op: protocol.OpWhoAmI})
	return err
}

// Execute sends a single request. A response with Success=false is
// returned as a *RecordError wrapping the platform fault.
func (c *Client) Execute(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	if state := c.stateMgr.GetState(); state != CONNECTED {
		return nil, ErrInvalidState("Execute", CONNECTED, state)
	}
	if req == nil {
		return nil, ErrMalformedResponse("", "nil request")
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	c.mu.RLock()
	t, address := c.transport, c.target.Address
	c.mu.RUnlock()
	if t == nil {
		return nil, ErrConnectionFailed(address, fmt.Errorf("no active transport"))
	}

	if c.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.RequestTimeout)
		defer cancel()
	}

	hookCtx := &HookContext{
		Request:   req,
		StartTime: time.Now(),
		Metadata:  make(map[string]interface{}),
		TraceID:   req.ID,
	}
	if err := c.executeBeforeHooks(ctx, hookCtx); err != nil {
		return nil, err
	}

	resp, err := c.roundTrip(ctx, t, hookCtx.Request)
	hookCtx.Response = resp
	hookCtx.Error = err
	hookCtx.Duration = time.Since(hookCtx.StartTime)

	if hookErr := c.executeAfterHooks(ctx, hookCtx); hookErr != nil {
		err = hookErr
	}
	if err != nil {
		c.logger.Debug("request failed",
			String("op", string(req.Op)),
			String("trace_id", hookCtx.TraceID),
			Duration("duration", hookCtx.Duration),
			Error("error", err))
		return nil, err
	}

	if req.Op == protocol.OpCreateTable || req.Op == protocol.OpDeleteTable {
		c.schemas.Invalidate()
	}
	return resp, nil
}

// ExecuteBatch sends a compound request and returns its sub-responses.
func (c *Client) ExecuteBatch(ctx context.Context, compound *protocol.Request) ([]protocol.SubResponse, error) {
	if compound == nil || compound.Op != protocol.OpBatch {
		return nil, ErrInvalidQuery("", "ExecuteBatch requires a batch request")
	}
	resp, err := c.Execute(ctx, compound)
	if err != nil {
		return nil, err
	}
	return resp.Responses, nil
}

// roundTrip encodes, sends and decodes one request without state checks.
func (c *Client) roundTrip(ctx context.Context, t transport.Transport, req *protocol.Request) (*protocol.Response, error) {
	debugMode := c.IsDebugMode()

	frame, err := c.codec.EncodeRequest(req)
	if err != nil {
		return nil, &ProtocolError{errorBody: errorBody{
			Code:      "E_ENCODE",
			Type:      "PROTOCOL_ERROR",
			Message:   "failed to encode request",
			Cause:     err,
			Timestamp: time.Now(),
		}}
	}
	if debugMode {
		c.logRequestDetail(req, frame)
	}

	raw, err := t.RoundTrip(ctx, frame)
	if err != nil {
		return nil, ErrRequestFailed(req, err)
	}

	resp, err := c.codec.Decode(raw)
	if err != nil {
		return nil, ErrRequestFailed(req, err)
	}
	if debugMode {
		c.logResponseDetail(req, raw)
	}

	if resp.RequestID != "" && resp.RequestID != req.ID {
		return nil, ErrMalformedResponse(req.Op,
			fmt.Sprintf("response for request %q, expected %q", resp.RequestID, req.ID))
	}

	if !resp.Success {
		message := resp.Error
		if message == "" {
			message = resp.Message
		}
		fault := &protocol.Fault{Code: resp.Code, Message: message, Details: resp.Details}
		return nil, ErrRequestFailed(req, protocol.FaultError(fault))
	}
	return resp, nil
}

// SetLogLevel replaces the default logger with one at the given level.
// A caller-supplied logger is left untouched.
func (c *Client) SetLogLevel(level string) {
	c.opts.LogLevel = level
	if c.opts.Logger == nil {
		c.logger = NewLogger(level, nil)
		c.logger.Info("log level changed", String("newLevel", level))
	}
}
