package mcpclient

import (
	"errors"
	"fmt"
	"strings"
)

// ErrStackClosed is returned by Stack.Acquire and Stack.PushCallback once
// teardown has begun. Acquisition is never silently ignored after Close.
var ErrStackClosed = errors.New("resource stack closed")

// ConnectionError reports that the transport is unavailable or was lost.
// It covers connection refusal, mid-stream disconnects, and writes attempted
// after the channel is gone.
type ConnectionError struct {
	// Op names the operation that observed the failure, e.g. "dial" or "send".
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("connection error: %s", e.Op)
	}
	return fmt.Sprintf("connection error: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError reports a malformed or out-of-sequence protocol message, such
// as a bad handshake response or a request issued before initialization.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("protocol error: %s", e.Reason)
	}
	return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ToolError carries a failure reported by the server for a specific request.
// The fields mirror the JSON-RPC error object the server returned.
type ToolError struct {
	Code    int
	Message string
	Data    map[string]any
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool error, code: %d, message: %s", e.Code, e.Message)
}

// ValidationError reports invalid caller-supplied arguments, caught before any
// network I/O takes place.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// TeardownError aggregates the failures encountered while a Stack released its
// entries. Every entry is attempted regardless of earlier failures, so the
// slice may contain one error per failed entry.
type TeardownError struct {
	Errs []error
}

func (e *TeardownError) Error() string {
	msgs := make([]string, 0, len(e.Errs))
	for _, err := range e.Errs {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("teardown failed with %d error(s): %s", len(e.Errs), strings.Join(msgs, "; "))
}

// Unwrap makes the individual failures visible to errors.Is and errors.As.
func (e *TeardownError) Unwrap() []error { return e.Errs }
