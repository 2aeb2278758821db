// Package llm provides chat-completion clients for the backends Tadpole
// talks to. Every provider failure is returned as a [ModelBackendError].
package llm

import (
	"context"
	"errors"
	"fmt"
)

// Client is the interface that all LLM providers must implement.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	// A nil tools slice omits tool definitions entirely, forcing a
	// plain-text answer.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}

// ModelBackendError reports a failed or unparseable chat completion.
type ModelBackendError struct {
	Provider   string
	Model      string
	StatusCode int // HTTP status, 0 when the request never got one
	Err        error
}

func (e *ModelBackendError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s model %s: HTTP %d: %v", e.Provider, e.Model, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s model %s: %v", e.Provider, e.Model, e.Err)
}

func (e *ModelBackendError) Unwrap() error { return e.Err }

// IsModelBackendError reports whether err is or wraps a ModelBackendError.
func IsModelBackendError(err error) bool {
	var mbe *ModelBackendError
	return errors.As(err, &mbe)
}
