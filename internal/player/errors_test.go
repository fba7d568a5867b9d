package player

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestIsRecoverable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, true},
		{"setup", &SetupError{URL: "x", Err: ErrEmptyURL}, false},
		{"graph", &GraphError{Err: ErrNotAttached}, false},
		{"transient", &TransientStreamError{Op: "read", Err: ErrStreamEnded}, true},
		{"timeout", &TimeoutError{Op: "setup", Err: context.DeadlineExceeded}, true},
		{"conflict", &SwapConflictError{Generation: 1, Current: 2}, true},
		{"wrapped transient", fmt.Errorf("reload: %w", &TransientStreamError{Op: "connect", Err: errors.New("refused")}), true},
		{"unknown", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRecoverable(tt.err); got != tt.want {
				t.Errorf("IsRecoverable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestFailureReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&SetupError{Err: ErrEmptyURL}, "setup"},
		{&TimeoutError{Op: "start", Err: context.DeadlineExceeded}, "timeout"},
		{&SwapConflictError{}, "conflict"},
		{&TransientStreamError{Op: "read", Err: ErrStreamEnded}, "transient"},
		{errors.New("other"), "transient"},
	}

	for _, tt := range tests {
		if got := failureReason(tt.err); got != tt.want {
			t.Errorf("failureReason(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestIsNonRetryableError(t *testing.T) {
	tests := []struct {
		code int
		want bool
	}{
		{401, true},
		{403, true},
		{404, true},
		{410, true},
		{500, false},
		{503, false},
	}

	for _, tt := range tests {
		err := &TransientStreamError{Op: "connect", Err: &httpStatusError{StatusCode: tt.code, Status: fmt.Sprint(tt.code)}}
		if got := isNonRetryableError(err); got != tt.want {
			t.Errorf("isNonRetryableError(%d) = %v, want %v", tt.code, got, tt.want)
		}
	}

	if isNonRetryableError(errors.New("plain")) {
		t.Error("isNonRetryableError(plain error) = true, want false")
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	tests := []error{
		&SetupError{Err: cause},
		&GraphError{Err: cause},
		&TransientStreamError{Op: "read", Err: cause},
		&TimeoutError{Op: "setup", Err: cause},
	}

	for _, err := range tests {
		if !errors.Is(err, cause) {
			t.Errorf("%T does not unwrap to its cause", err)
		}
		if err.Error() == "" {
			t.Errorf("%T has an empty message", err)
		}
	}
}
