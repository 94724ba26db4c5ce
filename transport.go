package mcpclient

import (
	"context"
	"iter"
)

// Transport provides the client-side communication channel to a remote MCP
// endpoint. It owns the underlying network handle exclusively.
//
// A Transport satisfies Resource, so it can be acquired through a Stack and
// released in order with everything built on top of it.
type Transport interface {
	// Open establishes the streaming channel. Connection refusal fails with a
	// *ConnectionError.
	Open(ctx context.Context) error

	// Messages returns an iterator over inbound messages. The sequence is
	// lazy and ends without an error on clean close; a mid-stream disconnect
	// ends it by yielding a terminal *ConnectionError. The sequence cannot be
	// restarted other than by reconnecting.
	Messages() iter.Seq2[JSONRPCMessage, error]

	// Send transmits one message. It may block under backpressure, and fails
	// with a *ConnectionError once the channel is lost.
	Send(ctx context.Context, msg JSONRPCMessage) error

	// Close tears down the channel. The caller is guaranteed to call Close at
	// most once, after a successful Open.
	Close(ctx context.Context) error
}
