package remote

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies an OperationError
type Kind int

const (
	// KindTransport is a non-2xx response or a failed round trip
	KindTransport Kind = iota + 1
	// KindTimeout is a client-side abort after the configured duration
	KindTimeout
	// KindRejected is a well-formed response with success=false
	KindRejected
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindTimeout:
		return "timeout"
	case KindRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// OperationError is returned by Invoke for every failed remote operation
type OperationError struct {
	Kind    Kind
	Op      Operation
	Status  int           // HTTP status for transport failures, 0 when no response arrived
	Message string        // server supplied reason for rejections
	Timeout time.Duration // configured duration for timeouts
	Err     error
}

func (e *OperationError) Error() string {
	switch e.Kind {
	case KindTimeout:
		return fmt.Sprintf("%s: request timeout after %s", e.Op, e.Timeout)
	case KindRejected:
		if e.Message == "" {
			return fmt.Sprintf("%s: rejected by server", e.Op)
		}
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	default:
		if e.Status > 0 {
			return fmt.Sprintf("%s: HTTP %d %s", e.Op, e.Status, http.StatusText(e.Status))
		}
		return fmt.Sprintf("%s: transport error: %v", e.Op, e.Err)
	}
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

// Retryable reports whether repeating the operation is reasonable:
// timeouts and 5xx responses, never rejections.
func (e *OperationError) Retryable() bool {
	switch e.Kind {
	case KindTimeout:
		return true
	case KindTransport:
		return e.Status == 0 || e.Status >= http.StatusInternalServerError
	default:
		return false
	}
}

// KindOf returns the kind of err, or 0 when err is not an OperationError
func KindOf(err error) Kind {
	var opErr *OperationError
	if errors.As(err, &opErr) {
		return opErr.Kind
	}
	return 0
}

// Retryable reports whether err is an OperationError worth repeating
func Retryable(err error) bool {
	var opErr *OperationError
	return errors.As(err, &opErr) && opErr.Retryable()
}

// Message returns the user-facing text for err. Rejections are shown
// verbatim, timeouts as "Request timeout".
func Message(err error) string {
	var opErr *OperationError
	if !errors.As(err, &opErr) {
		return err.Error()
	}
	switch opErr.Kind {
	case KindTimeout:
		return "Request timeout"
	case KindRejected:
		if opErr.Message == "" {
			return "The server rejected the request"
		}
		return opErr.Message
	default:
		if opErr.Status > 0 {
			return fmt.Sprintf("HTTP error! status: %d", opErr.Status)
		}
		return fmt.Sprintf("Network error: %v", opErr.Err)
	}
}
