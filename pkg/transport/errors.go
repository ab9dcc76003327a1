package transport

import (
	"errors"
	"fmt"
)

// Kind classifies a transport failure.
type Kind string

const (
	KindTimeout          Kind = "timeout"
	KindConnectionFailed Kind = "connection_failed"
	KindCircuitOpen      Kind = "circuit_open"
	KindHTTPError        Kind = "http_error"
	KindExhausted        Kind = "transport_exhausted"
)

// ErrCircuitOpen is returned without attempting a connection while the
// host's circuit is open.
var ErrCircuitOpen = &Error{Kind: KindCircuitOpen}

// Error is the single terminal outcome the client returns to callers.
// Retries are fully handled internally.
type Error struct {
	Kind   Kind
	Status int    // set for KindHTTPError
	Body   string // set for KindHTTPError, truncated
	Host   string
	Err    error // underlying cause, set for KindExhausted wrapping
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindHTTPError:
		return fmt.Sprintf("http error %d from %s: %s", e.Status, e.Host, e.Body)
	case KindCircuitOpen:
		if e.Host == "" {
			return "circuit open"
		}
		return fmt.Sprintf("circuit open for %s", e.Host)
	case KindExhausted:
		return fmt.Sprintf("transport exhausted for %s: %v", e.Host, e.Err)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s for %s: %v", e.Kind, e.Host, e.Err)
		}
		return fmt.Sprintf("%s for %s", e.Kind, e.Host)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match on kind, so ErrCircuitOpen works as a sentinel.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return te.Kind == e.Kind
	}
	return false
}

// IsRetryable reports whether a failure kind may be retried: connection
// errors, timeouts and 5xx responses. 4xx responses and open circuits are
// terminal.
func IsRetryable(err error) bool {
	var te *Error
	if !errors.As(err, &te) {
		return false
	}
	switch te.Kind {
	case KindTimeout, KindConnectionFailed:
		return true
	case KindHTTPError:
		return te.Status >= 500
	default:
		return false
	}
}
