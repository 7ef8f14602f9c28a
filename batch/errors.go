package batch

import (
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/dan-strohschein/recordkit/protocol"
)

// ErrorCategory classifies every failure the engine reports.
type ErrorCategory string

const (
	CategoryInvalidArgument ErrorCategory = "INVALID_ARGUMENT"
	CategoryRecordNotFound  ErrorCategory = "RECORD_NOT_FOUND"
	CategoryTransient       ErrorCategory = "TRANSIENT"
	CategoryPermanent       ErrorCategory = "PERMANENT"
	CategoryTimeout         ErrorCategory = "TIMEOUT"
	CategoryCancelled       ErrorCategory = "CANCELLED"
	CategoryChunkFatal      ErrorCategory = "CHUNK_FATAL"
)

// Sentinels for errors.Is. Any EngineError matches the sentinel of its category.
var (
	ErrInvalidArgument = &EngineError{Category: CategoryInvalidArgument}
	ErrRecordNotFound  = &EngineError{Category: CategoryRecordNotFound}
	ErrTransient       = &EngineError{Category: CategoryTransient}
	ErrPermanent       = &EngineError{Category: CategoryPermanent}
	ErrTimeout         = &EngineError{Category: CategoryTimeout}
	ErrCancelled       = &EngineError{Category: CategoryCancelled}
	ErrChunkFatal      = &EngineError{Category: CategoryChunkFatal}
)

// EngineError is a run-level failure.
type EngineError struct {
	Code       string                 `json:"code"`
	Type       string                 `json:"type"`
	Category   ErrorCategory          `json:"category"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Cause      error                  `json:"cause,omitempty"`
	StackTrace []string               `json:"stack_trace,omitempty"`
	Timestamp  time.Time              `json:"timestamp,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	return e.FormatError(false)
}

// FormatError formats the error based on debug mode.
func (e *EngineError) FormatError(debugMode bool) string {
	if !debugMode {
		if e.Cause != nil {
			return fmt.Sprintf("%s: %s (caused by: %s)", e.Code, e.Message, e.Cause.Error())
		}
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}

	errorData := map[string]interface{}{
		"code":     e.Code,
		"type":     e.Type,
		"category": e.Category,
		"message":  e.Message,
	}

	if len(e.Details) > 0 {
		errorData["details"] = e.Details
	}

	if e.Cause != nil {
		errorData["cause"] = map[string]interface{}{"message": e.Cause.Error()}
	}

	if len(e.StackTrace) > 0 {
		errorData["stack_trace"] = e.StackTrace
	}

	if !e.Timestamp.IsZero() {
		errorData["timestamp"] = e.Timestamp.Format(time.RFC3339Nano)
	}

	b, _ := json.MarshalIndent(errorData, "", "  ")
	return string(b)
}

// Unwrap returns the underlying cause error.
func (e *EngineError) Unwrap() error {
	return e.Cause
}

// Is matches category sentinels.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	return ok && t.Code == "" && t.Category == e.Category
}

func newEngineError(code string, category ErrorCategory, message string, details map[string]interface{}, cause error) *EngineError {
	return &EngineError{
		Code:       code,
		Type:       "BATCH_ERROR",
		Category:   category,
		Message:    message,
		Details:    details,
		Cause:      cause,
		StackTrace: captureStackTrace(),
		Timestamp:  time.Now(),
	}
}

// ErrEmptyOperations is returned when a run is started with nothing to do.
func ErrEmptyOperations() *EngineError {
	return newEngineError("E_EMPTY_OPERATIONS", CategoryInvalidArgument, "at least one operation is required", nil, nil)
}

// ErrInvalidBatchSize is returned for a batch size outside 1..max.
func ErrInvalidBatchSize(size, maxSize int) *EngineError {
	return newEngineError("E_INVALID_BATCH_SIZE", CategoryInvalidArgument,
		fmt.Sprintf("batch size must be between 1 and %d, got %d", maxSize, size),
		map[string]interface{}{"batchSize": size, "maxBatchSize": maxSize}, nil)
}

// ErrInvalidConfig is returned for an out-of-range configuration field.
func ErrInvalidConfig(field string, value interface{}, reason string) *EngineError {
	return newEngineError("E_INVALID_CONFIG", CategoryInvalidArgument,
		fmt.Sprintf("invalid %s: %s", field, reason),
		map[string]interface{}{"field": field, "value": value}, nil)
}

// ErrInvalidOperation is returned when the operation at position cannot be submitted.
func ErrInvalidOperation(position int, reason string) *EngineError {
	return newEngineError("E_INVALID_OPERATION", CategoryInvalidArgument,
		fmt.Sprintf("operation %d: %s", position, reason),
		map[string]interface{}{"position": position}, nil)
}

// ErrRetriesExhausted is returned when every attempt failed transiently.
func ErrRetriesExhausted(attempts int, cause error) *EngineError {
	return newEngineError("E_RETRIES_EXHAUSTED", CategoryTimeout,
		fmt.Sprintf("gave up after %d attempts", attempts),
		map[string]interface{}{"attempts": attempts}, cause)
}

// ErrRunCancelled is returned when the caller's context ends the run.
func ErrRunCancelled(cause error) *EngineError {
	return newEngineError("E_CANCELLED", CategoryCancelled, "batch run cancelled", nil, cause)
}

// ErrChunkFailed is returned when a whole chunk could not be submitted.
func ErrChunkFailed(chunkIndex int, category ErrorCategory, cause error) *EngineError {
	return newEngineError("E_CHUNK_FATAL", CategoryChunkFatal,
		fmt.Sprintf("chunk %d could not be submitted", chunkIndex),
		map[string]interface{}{"chunkIndex": chunkIndex, "cause_category": string(category)}, cause)
}

// BatchError describes one failed record.
type BatchError struct {
	BatchIndex   int           `json:"batchIndex"`
	RequestIndex int           `json:"requestIndex"`
	Position     int           `json:"position"`
	Table        string        `json:"table,omitempty"`
	RecordID     string        `json:"recordId,omitempty"`
	Category     ErrorCategory `json:"category"`
	Code         string        `json:"code"`
	Message      string        `json:"message"`
}

// Error implements the error interface.
func (e BatchError) Error() string {
	ref := e.RecordID
	if ref == "" {
		ref = fmt.Sprintf("#%d", e.Position)
	}
	return fmt.Sprintf("batch %d request %d (%s): %s: %s", e.BatchIndex, e.RequestIndex, ref, e.Code, e.Message)
}

// classifiedError pins a category onto an error from outside the protocol package.
type classifiedError struct {
	category ErrorCategory
	err      error
}

func (e *classifiedError) Error() string { return e.err.Error() }
func (e *classifiedError) Unwrap() error { return e.err }

// MarkTransient marks err as eligible for retry.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{category: CategoryTransient, err: err}
}

// MarkPermanent marks err as not eligible for retry.
func MarkPermanent(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{category: CategoryPermanent, err: err}
}

// errorCode extracts a short machine-readable code from err.
func errorCode(err error, category ErrorCategory) string {
	var ee *EngineError
	if errors.As(err, &ee) && ee.Code != "" {
		return ee.Code
	}
	var te *protocol.TransportError
	if errors.As(err, &te) {
		return te.Code.FaultCode()
	}
	return string(category)
}

// captureStackTrace captures the current stack trace for error reporting.
func captureStackTrace() []string {
	const maxDepth = 32
	pcs := make([]uintptr, maxDepth)
	n := runtime.Callers(4, pcs) // skip Callers, captureStackTrace, newEngineError and the constructor

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
