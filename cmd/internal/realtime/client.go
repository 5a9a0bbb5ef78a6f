package realtime

import (
	"sync"

	v1 "courier/shared/contracts/session/v1"

	"github.com/coder/websocket"
)

// Outbound is one queued server frame.
type Outbound struct {
	Envelope v1.Envelope

	// CloseCode, when non-zero, closes the connection once Envelope is written.
	CloseCode   websocket.StatusCode
	CloseReason string
}

// Client represents one connected websocket session.
//
// Send is never closed by the server: the fence's force-logout callback may
// enqueue from its own goroutine while the connection is shutting down.
// done signals goroutines to stop and Close is idempotent.
type Client struct {
	ConnectionID string
	Send         chan Outbound

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(connectionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		ConnectionID: connectionID,
		Send:         make(chan Outbound, sendQueueSize),
		done:         make(chan struct{}),
	}
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
