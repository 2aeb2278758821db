package mcp

import "context"

// Transport is the interface for tool server communication.
// Implementations handle encoding, framing and delivery of JSON-RPC
// messages over a specific medium.
type Transport interface {
	// Send sends a JSON-RPC request and returns the decoded response.
	Send(ctx context.Context, req *Request) (*Response, error)

	// Notify sends a JSON-RPC notification (no response expected).
	Notify(ctx context.Context, notif *Notification) error

	// Close releases transport resources.
	Close() error
}

// SessionTransport is implemented by transports that carry a
// server-issued session token.
type SessionTransport interface {
	Transport

	// SessionID returns the current session token, or "" when none
	// has been negotiated.
	SessionID() string

	// ResetSession forgets the session token.
	ResetSession()
}
