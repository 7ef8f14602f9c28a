package client

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dan-strohschein/recordkit/protocol"
)

// previewLimit caps logged frame sizes in debug mode.
const previewLimit = 1000

// EnableDebugMode enables debug mode with verbose logging and stack traces.
func (c *Client) EnableDebugMode() {
	c.debugMode.Store(true)
	c.logger.Info("debug mode enabled")
}

// DisableDebugMode disables debug mode.
func (c *Client) DisableDebugMode() {
	c.debugMode.Store(false)
	c.logger.Info("debug mode disabled")
}

// IsDebugMode returns whether debug mode is currently enabled.
func (c *Client) IsDebugMode() bool {
	return c.debugMode.Load()
}

// GetDebugInfo returns a snapshot of client state for debugging.
func (c *Client) GetDebugInfo() map[string]interface{} {
	info := map[string]interface{}{
		"version":   Version,
		"state":     c.GetState().String(),
		"debugMode": c.IsDebugMode(),
	}

	c.mu.RLock()
	t, target := c.transport, c.target
	c.mu.RUnlock()

	if t != nil {
		m := t.Metrics()
		transportInfo := map[string]interface{}{
			"address":            target.Address,
			"tenant":             target.Tenant,
			"healthy":            t.IsHealthy(),
			"totalRequests":      m.TotalRequests,
			"totalErrors":        m.TotalErrors,
			"averageLatency":     m.AverageLatency.String(),
			"bytesSent":          m.BytesSent,
			"bytesReceived":      m.BytesReceived,
			"connectionsCreated": m.ConnectionsCreated,
			"connectionsActive":  m.ConnectionsActive,
			"healthChecksPassed": m.HealthChecksPassed,
			"healthChecksFailed": m.HealthChecksFailed,
		}
		if m.LastError != nil {
			transportInfo["lastError"] = m.LastError.Error()
			transportInfo["lastErrorTime"] = m.LastErrorTime.Format(time.RFC3339Nano)
		}
		info["transport"] = transportInfo
	}

	info["options"] = map[string]interface{}{
		"defaultTimeout":      c.opts.DefaultTimeout.String(),
		"requestTimeout":      c.opts.RequestTimeout.String(),
		"maxRetries":          c.opts.MaxRetries,
		"retryDelay":          c.opts.RetryDelay.String(),
		"poolMinSize":         c.opts.PoolMinSize,
		"poolMaxSize":         c.opts.PoolMaxSize,
		"poolIdleTimeout":     c.opts.PoolIdleTimeout.String(),
		"healthCheckInterval": c.opts.HealthCheckInterval.String(),
		"tlsEnabled":          c.opts.TLSEnabled,
		"batchSize":           c.opts.BatchDefaults.BatchSize,
		"batchConcurrency":    c.opts.BatchDefaults.Concurrency,
	}

	info["templateCache"] = c.templates.Stats()
	info["schemaCache"] = map[string]interface{}{
		"size": c.schemas.Len(),
		"ttl":  c.schemas.TTL().String(),
	}

	last := c.GetLastTransition()
	lastInfo := map[string]interface{}{
		"from":      last.From.String(),
		"to":        last.To.String(),
		"timestamp": last.Timestamp.Format(time.RFC3339Nano),
		"duration":  last.Duration.String(),
	}
	if last.Error != nil {
		lastInfo["error"] = last.Error.Error()
	}
	info["lastTransition"] = lastInfo

	return info
}

// DumpDebugInfoJSON returns debug info as formatted JSON string.
func (c *Client) DumpDebugInfoJSON() string {
	bytes, err := json.MarshalIndent(c.GetDebugInfo(), "", "  ")
	if err != nil {
		return fmt.Sprintf(`{"error": "failed to marshal debug info: %s"}`, err.Error())
	}
	return string(bytes)
}

func (c *Client) logRequestDetail(req *protocol.Request, frame []byte) {
	fields := []Field{
		String("requestId", req.ID),
		String("op", string(req.Op)),
		Int("frameLength", len(frame)),
	}
	if req.Table != "" {
		fields = append(fields, String("table", req.Table))
	}
	if n := len(req.Requests); n > 0 {
		fields = append(fields, Int("subRequests", n))
	}
	fields = append(fields, previewField("frame", frame))
	c.logger.Debug("request detail", fields...)
}

func (c *Client) logResponseDetail(req *protocol.Request, raw []byte) {
	c.logger.Debug("response detail",
		String("requestId", req.ID),
		String("op", string(req.Op)),
		Int("frameLength", len(raw)),
		previewField("frame", raw))
}

// previewField logs frame, truncated to previewLimit bytes.
func previewField(key string, frame []byte) Field {
	if len(frame) > previewLimit {
		return String(key+"Preview", string(frame[:previewLimit])+"...")
	}
	return String(key, string(frame))
}
