package batch

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/dan-strohschein/recordkit/protocol"
)

// Classify maps err to an ErrorCategory. Unknown errors are permanent.
func Classify(err error) ErrorCategory {
	if err == nil {
		return ""
	}

	var marked *classifiedError
	if errors.As(err, &marked) {
		return marked.category
	}

	var engineErr *EngineError
	if errors.As(err, &engineErr) && engineErr.Category != "" {
		return engineErr.Category
	}

	if errors.Is(err, context.Canceled) {
		return CategoryCancelled
	}
	// A per-attempt deadline; the retrier checks the caller's context separately.
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTransient
	}

	var te *protocol.TransportError
	if errors.As(err, &te) {
		switch {
		case te.Code == protocol.ErrorCodeNotFound:
			return CategoryRecordNotFound
		case te.IsRetryable, protocol.IsRetryable(te.Code):
			return CategoryTransient
		case te.Code == protocol.ErrorCodeConnectionRefused:
			return CategoryTransient
		default:
			return CategoryPermanent
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CategoryTransient
	}

	if isConnectionDrop(err) {
		return CategoryTransient
	}

	return CategoryPermanent
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return Classify(err) == CategoryTransient
}

// isConnectionDrop checks if an error indicates a dropped connection.
func isConnectionDrop(err error) bool {
	if errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{"connection reset", "broken pipe", "connection refused", "connection closed"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
