package mcp

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned by operations that need an established
// session when none exists.
var ErrNotConnected = errors.New("not connected")

// ConnectionError reports an unreachable server, a handshake timeout or
// a transport failure on an established session.
type ConnectionError struct {
	Server string
	Op     string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("mcp server %s: %s: %v", e.Server, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError reports a malformed or mismatched JSON-RPC envelope.
type ProtocolError struct {
	Server string
	Method string
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("mcp server %s: %s: protocol error: %s", e.Server, e.Method, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ToolExecutionError reports a failure the server attributed to one
// specific tool call: a JSON-RPC error envelope, a non-success HTTP
// status, or a result flagged isError.
type ToolExecutionError struct {
	Server  string
	Tool    string
	Code    int
	Message string
}

func (e *ToolExecutionError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("tool %s on %s failed (code %d): %s", e.Tool, e.Server, e.Code, e.Message)
	}
	return fmt.Sprintf("tool %s on %s failed: %s", e.Tool, e.Server, e.Message)
}

// StatusError is returned by [HTTPTransport] when the server answers
// with a non-success HTTP status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("server returned HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned HTTP %d: %s", e.StatusCode, e.Body)
}

// IsConnectionError reports whether err is or wraps a [ConnectionError].
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}
