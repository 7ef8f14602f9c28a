// Package protocol provides error codes and types for the record service protocol
package protocol

import (
	"encoding/json"
	"fmt"
)

// ErrorCode represents standardized error codes across transport layers
type ErrorCode int

const (
	// Connection errors (1000-1099)
	ErrorCodeConnectionRefused       ErrorCode = 1001
	ErrorCodeTimeout                 ErrorCode = 1002
	ErrorCodeUnauthorized            ErrorCode = 1003
	ErrorCodeProtocolVersionMismatch ErrorCode = 1004
	ErrorCodeThrottled               ErrorCode = 1010
	ErrorCodeServerBusy              ErrorCode = 1011

	// Protocol errors (2000-2099)
	ErrorCodeProtocolError ErrorCode = 2001

	// Record errors (3000-3099)
	ErrorCodeValidation ErrorCode = 3001
	ErrorCodeNotFound   ErrorCode = 3002
	ErrorCodeConflict   ErrorCode = 3003
	ErrorCodeForbidden  ErrorCode = 3004

	// Platform faults (4000-4099)
	ErrorCodeTryAgain ErrorCode = 4001
	ErrorCodeInternal ErrorCode = 4002
)

// Platform fault codes as they appear on the wire.
const (
	FaultTimeout         = "TIMEOUT"
	FaultThrottled       = "THROTTLED"
	FaultServerBusy      = "SERVER_BUSY"
	FaultTryAgain        = "TRY_AGAIN"
	FaultValidation      = "VALIDATION_FAILED"
	FaultNotFound        = "RECORD_NOT_FOUND"
	FaultConflict        = "CONFLICT"
	FaultUnauthorized    = "UNAUTHORIZED"
	FaultForbidden       = "FORBIDDEN"
	FaultProtocol        = "PROTOCOL_ERROR"
	FaultVersionMismatch = "PROTOCOL_VERSION_MISMATCH"
	FaultInternal        = "INTERNAL"
)

var faultCodes = map[string]ErrorCode{
	FaultTimeout:         ErrorCodeTimeout,
	FaultThrottled:       ErrorCodeThrottled,
	FaultServerBusy:      ErrorCodeServerBusy,
	FaultTryAgain:        ErrorCodeTryAgain,
	FaultValidation:      ErrorCodeValidation,
	FaultNotFound:        ErrorCodeNotFound,
	FaultConflict:        ErrorCodeConflict,
	FaultUnauthorized:    ErrorCodeUnauthorized,
	FaultForbidden:       ErrorCodeForbidden,
	FaultProtocol:        ErrorCodeProtocolError,
	FaultVersionMismatch: ErrorCodeProtocolVersionMismatch,
	FaultInternal:        ErrorCodeInternal,
}

// ParseFaultCode maps a wire fault code to an ErrorCode.
// Unknown codes map to ErrorCodeInternal.
func ParseFaultCode(code string) ErrorCode {
	if ec, ok := faultCodes[code]; ok {
		return ec
	}
	return ErrorCodeInternal
}

// FaultCode returns the wire fault code for the error code.
func (c ErrorCode) FaultCode() string {
	for fault, ec := range faultCodes {
		if ec == c {
			return fault
		}
	}
	if c == ErrorCodeConnectionRefused {
		return "CONNECTION_REFUSED"
	}
	return FaultInternal
}

// TransportError represents an error with structured error code
type TransportError struct {
	Code        ErrorCode              `json:"code"`
	Message     string                 `json:"message"`
	Details     map[string]interface{} `json:"details,omitempty"`
	IsRetryable bool                   `json:"isRetryable"`
}

// Error implements the error interface
func (e *TransportError) Error() string {
	if len(e.Details) > 0 {
		detailsJSON, _ := json.Marshal(e.Details)
		return fmt.Sprintf("[%d] %s (details: %s)", e.Code, e.Message, string(detailsJSON))
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// NewTransportError creates a new transport error
func NewTransportError(code ErrorCode, message string, details map[string]interface{}) *TransportError {
	return &TransportError{
		Code:        code,
		Message:     message,
		Details:     details,
		IsRetryable: IsRetryable(code),
	}
}

// IsRetryable reports whether the platform expects a retry of the same request to succeed.
func IsRetryable(code ErrorCode) bool {
	switch code {
	case ErrorCodeTimeout,
		ErrorCodeThrottled,
		ErrorCodeServerBusy,
		ErrorCodeTryAgain:
		return true
	default:
		return false
	}
}

// FaultError converts a sub-operation or response fault into a TransportError.
func FaultError(f *Fault) *TransportError {
	if f == nil {
		return nil
	}
	return NewTransportError(ParseFaultCode(f.Code), f.Message, f.Details)
}

// ConnectionError creates a connection-related transport error
func ConnectionError(message string, details map[string]interface{}) *TransportError {
	return NewTransportError(ErrorCodeConnectionRefused, message, details)
}

// TimeoutError creates a timeout transport error
func TimeoutError(message string, details map[string]interface{}) *TransportError {
	return NewTransportError(ErrorCodeTimeout, message, details)
}

// ThrottledError creates a throttling error carrying the server's retry hint.
func ThrottledError(retryAfterMs int) *TransportError {
	return NewTransportError(ErrorCodeThrottled, "request throttled", map[string]interface{}{
		"retryAfterMs": retryAfterMs,
	})
}

// ProtocolError creates a malformed-message transport error
func ProtocolError(message string, details map[string]interface{}) *TransportError {
	return NewTransportError(ErrorCodeProtocolError, message, details)
}

// NotFoundError creates a record-not-found transport error
func NotFoundError(table, id string) *TransportError {
	return NewTransportError(ErrorCodeNotFound, "record not found", map[string]interface{}{
		"table": table,
		"id":    id,
	})
}
