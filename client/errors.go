package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/dan-strohschein/recordkit/protocol"
)

// errorBody is the shared shape of every client error.
type errorBody struct {
	Code       string                 `json:"code"`
	Type       string                 `json:"type"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Cause      error                  `json:"cause,omitempty"`
	StackTrace []string               `json:"stack_trace,omitempty"`
	Timestamp  time.Time              `json:"timestamp,omitempty"`
}

func (b *errorBody) short() string {
	if b.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %s)", b.Code, b.Message, b.Cause.Error())
	}
	return fmt.Sprintf("%s: %s", b.Code, b.Message)
}

func (b *errorBody) debug(extra map[string]interface{}) string {
	errorData := map[string]interface{}{
		"code":    b.Code,
		"type":    b.Type,
		"message": b.Message,
	}
	for k, v := range extra {
		errorData[k] = v
	}

	if len(b.Details) > 0 {
		errorData["details"] = b.Details
	}

	if b.Cause != nil {
		cause := map[string]interface{}{"message": b.Cause.Error()}
		var te *protocol.TransportError
		if errors.As(b.Cause, &te) {
			cause["code"] = te.Code.FaultCode()
			cause["retryable"] = te.IsRetryable
		}
		errorData["cause"] = cause
	}

	if len(b.StackTrace) > 0 {
		errorData["stack_trace"] = b.StackTrace
	}

	if !b.Timestamp.IsZero() {
		errorData["timestamp"] = b.Timestamp.Format(time.RFC3339Nano)
	}

	out, _ := json.MarshalIndent(errorData, "", "  ")
	return string(out)
}

// ConnectionError is a dial, handshake or identity failure.
type ConnectionError struct {
	errorBody
	Address     string `json:"address,omitempty"`
	GoroutineID int    `json:"goroutine_id,omitempty"`
}

func (e *ConnectionError) Error() string { return e.FormatError(false) }

// FormatError returns "CODE: message" normally, and an indented JSON
// document with stack, timestamp and goroutine in debug mode.
func (e *ConnectionError) FormatError(debugMode bool) string {
	if !debugMode {
		return e.short()
	}
	extra := map[string]interface{}{}
	if e.Address != "" {
		extra["address"] = e.Address
	}
	if e.GoroutineID > 0 {
		extra["goroutine_id"] = e.GoroutineID
	}
	return e.debug(extra)
}

func (e *ConnectionError) Unwrap() error { return e.Cause }

// ProtocolError is a reply the client could not interpret.
type ProtocolError struct {
	errorBody
}

func (e *ProtocolError) Error() string { return e.FormatError(false) }

func (e *ProtocolError) FormatError(debugMode bool) string {
	if !debugMode {
		return e.short()
	}
	return e.debug(nil)
}

func (e *ProtocolError) Unwrap() error { return e.Cause }

// StateError is an operation attempted in the wrong connection state.
type StateError struct {
	errorBody
}

func (e *StateError) Error() string { return e.FormatError(false) }

func (e *StateError) FormatError(debugMode bool) string {
	if !debugMode {
		return e.short()
	}
	return e.debug(nil)
}

// RecordError is a failed single-record or metadata request.
type RecordError struct {
	errorBody
	Op       protocol.Op `json:"op"`
	Table    string      `json:"table,omitempty"`
	RecordID string      `json:"record_id,omitempty"`
}

func (e *RecordError) Error() string { return e.FormatError(false) }

func (e *RecordError) FormatError(debugMode bool) string {
	if !debugMode {
		target := e.Table
		if e.RecordID != "" {
			target += "/" + e.RecordID
		}
		if target != "" {
			return fmt.Sprintf("%s: %s %s: %s", e.Code, e.Op, target, e.Message)
		}
		return e.short()
	}
	return e.debug(map[string]interface{}{
		"op":        e.Op,
		"table":     e.Table,
		"record_id": e.RecordID,
	})
}

func (e *RecordError) Unwrap() error { return e.Cause }

// QueryError is a failed query, carrying the text and parameters sent.
type QueryError struct {
	errorBody
	Query  string                 `json:"query,omitempty"`
	Params map[string]interface{} `json:"params,omitempty"`
}

func (e *QueryError) Error() string { return e.FormatError(false) }

func (e *QueryError) FormatError(debugMode bool) string {
	if !debugMode {
		return e.short()
	}
	extra := map[string]interface{}{}
	if e.Query != "" {
		extra["query"] = e.Query
	}
	if len(e.Params) > 0 {
		extra["params"] = e.Params
	}
	return e.debug(extra)
}

func (e *QueryError) Unwrap() error { return e.Cause }

// ErrInvalidConnectionString creates an error for unparseable connection strings.
func ErrInvalidConnectionString(connStr, reason string) *ConnectionError {
	return &ConnectionError{
		errorBody: errorBody{
			Code:       "E_INVALID_CONN_STRING",
			Type:       "CONNECTION_ERROR",
			Message:    fmt.Sprintf("invalid connection string: %s", reason),
			Details:    map[string]interface{}{"expected": "recordkit://host:port/tenant"},
			StackTrace: captureStackTrace(),
			Timestamp:  time.Now(),
		},
	}
}

// ErrConnectionFailed creates an error for a failed dial, handshake or identity check.
func ErrConnectionFailed(address string, cause error) *ConnectionError {
	return &ConnectionError{
		errorBody: errorBody{
			Code:       "E_CONNECTION_FAILED",
			Type:       "CONNECTION_ERROR",
			Message:    "failed to connect to record service",
			Cause:      cause,
			StackTrace: captureStackTrace(),
			Timestamp:  time.Now(),
		},
		Address:     address,
		GoroutineID: getGoroutineID(),
	}
}

// ErrInvalidState creates a StateError for operations attempted in wrong state.
func ErrInvalidState(operation string, required, actual ConnectionState) error {
	return &StateError{
		errorBody: errorBody{
			Code:    "INVALID_STATE",
			Type:    "STATE_ERROR",
			Message: fmt.Sprintf("%s requires %s state, currently %s", operation, required, actual),
			Details: map[string]interface{}{
				"operation":     operation,
				"requiredState": required.String(),
				"currentState":  actual.String(),
			},
			StackTrace: captureStackTrace(),
		},
	}
}

// ErrMalformedResponse creates an error for a response that does not have the expected shape.
func ErrMalformedResponse(op protocol.Op, reason string) *ProtocolError {
	return &ProtocolError{
		errorBody: errorBody{
			Code:       "E_MALFORMED_RESPONSE",
			Type:       "PROTOCOL_ERROR",
			Message:    fmt.Sprintf("malformed %s response: %s", op, reason),
			Details:    map[string]interface{}{"op": string(op)},
			StackTrace: captureStackTrace(),
			Timestamp:  time.Now(),
		},
	}
}

// ErrRequestFailed wraps a failed request. The cause keeps its transport
// classification so retry decisions still see it.
func ErrRequestFailed(req *protocol.Request, cause error) *RecordError {
	code := "E_REQUEST_FAILED"
	message := "request failed"
	var te *protocol.TransportError
	if errors.As(cause, &te) {
		code = te.Code.FaultCode()
		message = te.Message
	}
	return &RecordError{
		errorBody: errorBody{
			Code:       code,
			Type:       "RECORD_ERROR",
			Message:    message,
			Cause:      cause,
			StackTrace: captureStackTrace(),
			Timestamp:  time.Now(),
		},
		Op:       req.Op,
		Table:    req.Table,
		RecordID: req.RecordID,
	}
}

// ErrInvalidRecord creates an error for a record rejected before submission.
func ErrInvalidRecord(table string, problems []string) *RecordError {
	return &RecordError{
		errorBody: errorBody{
			Code:       "E_INVALID_RECORD",
			Type:       "RECORD_ERROR",
			Message:    fmt.Sprintf("record does not match table %s", table),
			Details:    map[string]interface{}{"problems": problems},
			StackTrace: captureStackTrace(),
			Timestamp:  time.Now(),
		},
		Table: table,
	}
}

// ErrMissingParameter creates an error for a template placeholder without a value.
func ErrMissingParameter(query, name string) *QueryError {
	return &QueryError{
		errorBody: errorBody{
			Code:       "E_MISSING_PARAM",
			Type:       "QUERY_ERROR",
			Message:    fmt.Sprintf("no value for parameter %q", name),
			Details:    map[string]interface{}{"parameter": name},
			StackTrace: captureStackTrace(),
			Timestamp:  time.Now(),
		},
		Query: query,
	}
}

// ErrInvalidQuery creates an error for a query rejected before submission.
func ErrInvalidQuery(query, reason string) *QueryError {
	return &QueryError{
		errorBody: errorBody{
			Code:       "E_INVALID_QUERY",
			Type:       "QUERY_ERROR",
			Message:    reason,
			StackTrace: captureStackTrace(),
			Timestamp:  time.Now(),
		},
		Query: query,
	}
}

// captureStackTrace captures the current stack trace for error reporting.
func captureStackTrace() []string {
	const maxDepth = 32
	pcs := make([]uintptr, maxDepth)
	n := runtime.Callers(3, pcs) // Skip captureStackTrace, the error constructor, and runtime.Callers

	frames := make([]string, 0, n)
	callersFrames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := callersFrames.Next()
		frames = append(frames, fmt.Sprintf("%s (%s:%d)", frame.Function, frame.File, frame.Line))
		if !more {
			break
		}
	}
	return frames
}

// getGoroutineID extracts the goroutine ID for debugging.
// Note: This uses runtime stack parsing and is intended for debug purposes only.
func getGoroutineID() int {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id int
	fmt.Sscanf(string(buf[:n]), "goroutine %d ", &id)
	return id
}

// FormatError is a helper to format any error with debug mode support.
func FormatError(err error, debugMode bool) string {
	if err == nil {
		return ""
	}

	type debugFormatter interface {
		FormatError(bool) string
	}

	var formatter debugFormatter
	if errors.As(err, &formatter) {
		return formatter.FormatError(debugMode)
	}
	return err.Error()
}
