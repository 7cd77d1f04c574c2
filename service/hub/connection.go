package hub

import (
	"context"
	"sync"
)

// Connection abstracts a live subscriber transport (SSE response, websocket,
// in-process channel in tests). Implementations need not be safe for
// concurrent Send calls; the hub serializes writes per subscriber.
type Connection interface {
	// Send writes one message to the peer.
	Send(msg *Message) error

	// Ping probes connection liveness. It must return before ctx expires;
	// a non-nil error marks the connection dead.
	Ping(ctx context.Context) error

	// Close releases the underlying transport. Close is idempotent.
	Close() error
}

// ChanConnection is a channel-backed Connection used by in-process consumers
// and tests.
type ChanConnection struct {
	C         chan *Message
	closed    chan struct{}
	closeOnce sync.Once
}

// NewChanConnection creates a connection buffering up to size messages.
func NewChanConnection(size int) *ChanConnection {
	if size <= 0 {
		size = 16
	}
	return &ChanConnection{
		C:      make(chan *Message, size),
		closed: make(chan struct{}),
	}
}

// Send delivers the message to the channel, failing when the consumer lags
// behind or the connection is closed.
func (c *ChanConnection) Send(msg *Message) error {
	select {
	case <-c.closed:
		return ErrDeliveryFailure
	default:
	}
	select {
	case c.C <- msg:
		return nil
	case <-c.closed:
		return ErrDeliveryFailure
	default:
		return ErrDeliveryFailure
	}
}

// Ping succeeds while the connection is open.
func (c *ChanConnection) Ping(ctx context.Context) error {
	select {
	case <-c.closed:
		return ErrDeliveryFailure
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// Close marks the connection closed. Idempotent.
func (c *ChanConnection) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}
