package room

import (
	"sync"

	"bazaar/cmd/identity"
	v1 "bazaar/shared/contracts/realtime/v1"
)

// Client is one connection inside a room.
//
// Send is never closed by the server so concurrent broadcasters cannot panic;
// done signals shutdown instead.
type Client struct {
	ConnID string
	UserID string
	Role   identity.Role
	Send   chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(connID, userID string, role identity.Role, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = minSendQueueSize
	}
	return &Client{
		ConnID: connID,
		UserID: userID,
		Role:   role,
		Send:   make(chan v1.Envelope, sendQueueSize),
		done:   make(chan struct{}),
	}
}

// Done is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals shutdown (idempotent).
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// offer enqueues env without blocking. It reports false when the queue is full
// or the client is closing.
func (c *Client) offer(env v1.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Send <- env:
		return true
	default:
		return false
	}
}
