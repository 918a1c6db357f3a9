package realtime

import "sync"

// Client is one connected live-code stream.
//
// Send is never closed by the server; done signals the stream's goroutines
// to stop. nudge carries "push now" requests from the Hub and coalesces
// bursts into a single pending push.
type Client struct {
	StreamID string
	UserID   string
	Send     chan Frame

	nudge     chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(userID, streamID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 8
	}
	return &Client{
		StreamID: streamID,
		UserID:   userID,
		Send:     make(chan Frame, sendQueueSize),
		nudge:    make(chan struct{}, 1),
		done:     make(chan struct{}),
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

// Nudge asks the stream to push fresh codes. It never blocks.
func (c *Client) Nudge() {
	select {
	case c.nudge <- struct{}{}:
	default:
	}
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
