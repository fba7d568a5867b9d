package player

import (
	"errors"
	"fmt"
)

var (
	ErrGraphUnavailable = errors.New("analysis graph unavailable")
	ErrEmptyURL         = errors.New("stream url is empty")
	ErrSourceDisposed   = errors.New("stream source disposed")
	ErrAlreadyAttached  = errors.New("stream source already attached to graph")
	ErrNotAttached      = errors.New("stream source not attached to graph")
	ErrStreamEnded      = errors.New("stream ended unexpectedly")
	ErrControllerClosed = errors.New("playback controller closed")
)

// SetupError means no connection could be established at all. It is terminal
// for the attempt that produced it.
type SetupError struct {
	URL string
	Err error
}

func (e *SetupError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("stream setup failed: %v", e.Err)
	}
	return fmt.Sprintf("stream setup failed for %s: %v", e.URL, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// GraphError reports a misuse of the graph tap of a source.
type GraphError struct {
	Err error
}

func (e *GraphError) Error() string {
	return fmt.Sprintf("graph attach failed: %v", e.Err)
}

func (e *GraphError) Unwrap() error { return e.Err }

// TransientStreamError is a mid-flight error or stall of an open connection.
type TransientStreamError struct {
	Op  string
	Err error
}

func (e *TransientStreamError) Error() string {
	return fmt.Sprintf("stream %s: %v", e.Op, e.Err)
}

func (e *TransientStreamError) Unwrap() error { return e.Err }

// TimeoutError is returned when setup or start confirmation exceeds its window.
type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("stream %s timed out: %v", e.Op, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// SwapConflictError is returned when a prepared standby no longer matches the
// tracked reference, usually because a newer cycle superseded it.
type SwapConflictError struct {
	Generation uint64
	Current    uint64
}

func (e *SwapConflictError) Error() string {
	return fmt.Sprintf("swap conflict: cycle %d superseded (current %d)", e.Generation, e.Current)
}

type httpStatusError struct {
	StatusCode int
	Status     string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("stream returned status %d: %s", e.StatusCode, e.Status)
}

func isNonRetryableError(err error) bool {
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		switch statusErr.StatusCode {
		case 401, 403, 404, 410:
			return true
		}
	}
	return false
}

// IsRecoverable reports whether err belongs to a category that is absorbed by
// a retry rather than surfaced to the listener.
func IsRecoverable(err error) bool {
	if err == nil {
		return true
	}
	var (
		setupErr    *SetupError
		graphErr    *GraphError
		transient   *TransientStreamError
		timeoutErr  *TimeoutError
		conflictErr *SwapConflictError
	)
	switch {
	case errors.As(err, &setupErr), errors.As(err, &graphErr):
		return false
	case errors.As(err, &transient), errors.As(err, &timeoutErr), errors.As(err, &conflictErr):
		return true
	default:
		return false
	}
}

func failureReason(err error) string {
	var (
		setupErr    *SetupError
		timeoutErr  *TimeoutError
		conflictErr *SwapConflictError
	)
	switch {
	case errors.As(err, &setupErr):
		return "setup"
	case errors.As(err, &timeoutErr):
		return "timeout"
	case errors.As(err, &conflictErr):
		return "conflict"
	default:
		return "transient"
	}
}
