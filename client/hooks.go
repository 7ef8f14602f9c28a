package client

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dan-strohschein/recordkit/protocol"
)

// HookContext travels with one request through Before and After.
type HookContext struct {
	// Request may be swapped by a Before hook.
	Request *protocol.Request

	StartTime time.Time

	// Metadata is scratch space shared by a hook's Before and After.
	Metadata map[string]interface{}

	// TraceID mirrors Request.ID.
	TraceID string

	// Response, Error and Duration are filled in before After runs.
	Response *protocol.Response
	Error    error
	Duration time.Duration
}

// Op returns the request op, or "" before a request is attached.
func (h *HookContext) Op() protocol.Op {
	if h.Request == nil {
		return ""
	}
	return h.Request.Op
}

// Hook intercepts requests. A Before error aborts the request; an After
// error becomes the request's error.
type Hook interface {
	Name() string
	Before(ctx context.Context, hookCtx *HookContext) error
	After(ctx context.Context, hookCtx *HookContext) error
}

// hookChain is copy-on-write: readers load the current slice without
// locking, writers serialize on mu and publish a fresh slice.
type hookChain struct {
	mu    sync.Mutex
	hooks atomic.Pointer[[]Hook]
}

func (hc *hookChain) load() []Hook {
	if p := hc.hooks.Load(); p != nil {
		return *p
	}
	return nil
}

// put adds h, or replaces the hook of the same name in place. It reports
// whether a hook was replaced and h's position.
func (hc *hookChain) put(h Hook) (replaced bool, pos int) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	next := slices.Clone(hc.load())
	pos = slices.IndexFunc(next, func(x Hook) bool { return x.Name() == h.Name() })
	if pos >= 0 {
		next[pos] = h
		replaced = true
	} else {
		pos = len(next)
		next = append(next, h)
	}
	hc.hooks.Store(&next)
	return replaced, pos
}

func (hc *hookChain) remove(name string) bool {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	cur := hc.load()
	i := slices.IndexFunc(cur, func(x Hook) bool { return x.Name() == name })
	if i < 0 {
		return false
	}
	next := slices.Delete(slices.Clone(cur), i, i+1)
	hc.hooks.Store(&next)
	return true
}

// RegisterHook adds hook to the end of the chain. Registering a name that
// is already present swaps the hook without changing its position.
func (c *Client) RegisterHook(hook Hook) {
	if replaced, pos := c.hooks.put(hook); replaced {
		c.logger.Info("hook replaced", String("hook", hook.Name()), Int("order", pos))
	} else {
		c.logger.Info("hook registered", String("hook", hook.Name()), Int("order", pos))
	}
}

// UnregisterHook removes the named hook and reports whether it existed.
func (c *Client) UnregisterHook(name string) bool {
	if !c.hooks.remove(name) {
		return false
	}
	c.logger.Info("hook unregistered", String("hook", name))
	return true
}

// GetHooks lists hook names in the order they run.
func (c *Client) GetHooks() []string {
	hooks := c.hooks.load()
	names := make([]string, len(hooks))
	for i, h := range hooks {
		names[i] = h.Name()
	}
	return names
}

func (c *Client) executeBeforeHooks(ctx context.Context, hookCtx *HookContext) error {
	for _, h := range c.hooks.load() {
		if err := h.Before(ctx, hookCtx); err != nil {
			c.logger.Debug("request vetoed by hook",
				String("hook", h.Name()),
				String("op", string(hookCtx.Op())),
				Error("error", err))
			return err
		}
	}
	return nil
}

// executeAfterHooks runs the whole chain even when a hook fails; the last
// failure wins.
func (c *Client) executeAfterHooks(ctx context.Context, hookCtx *HookContext) error {
	var last error
	for _, h := range c.hooks.load() {
		if err := h.After(ctx, hookCtx); err != nil {
			c.logger.Debug("after hook failed",
				String("hook", h.Name()),
				String("op", string(hookCtx.Op())),
				Error("error", err))
			last = err
		}
	}
	return last
}
