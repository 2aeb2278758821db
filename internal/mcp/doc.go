// Package mcp is the client side of the tool server protocol: JSON-RPC
// 2.0 over streamable HTTP with an optional session token.
//
// A [Client] owns one server connection. It performs the initialize
// handshake, discovers tools via tools/list and invokes them via
// tools/call. Responses may arrive as plain JSON or as a single-event
// server-sent-events stream; both are handled by [HTTPTransport].
//
// Connection failures during the first connect may trigger a local
// [Launcher] that starts a companion process and retries the handshake
// once. After a session exists, failures are returned to the caller
// without any implicit retry.
package mcp
