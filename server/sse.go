package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/retailops/demandflow/service/hub"
)

type flushWriter interface {
	io.Writer
	http.Flusher
}

// sseConnection adapts an HTTP response into a hub.Connection. The hub
// serializes Send calls per subscriber but heartbeat probes run concurrently,
// hence the write lock.
type sseConnection struct {
	mu        sync.Mutex
	w         flushWriter
	done      chan struct{}
	closeOnce sync.Once
}

func newSSEConnection(w flushWriter) *sseConnection {
	return &sseConnection{w: w, done: make(chan struct{})}
}

// Send writes one event in SSE framing: the message kind as the event name,
// the JSON envelope as the data line.
func (c *sseConnection) Send(msg *hub.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return hub.ErrDeliveryFailure
	default:
	}
	if _, err = fmt.Fprintf(c.w, "event: %s\ndata: %s\n\n", msg.Type, data); err != nil {
		return fmt.Errorf("%w: %v", hub.ErrDeliveryFailure, err)
	}
	c.w.Flush()
	return nil
}

// Ping emits an SSE comment line; a broken pipe surfaces here and gets the
// subscriber evicted.
func (c *sseConnection) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return hub.ErrDeliveryFailure
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if _, err := io.WriteString(c.w, ": ping\n\n"); err != nil {
		return fmt.Errorf("%w: %v", hub.ErrDeliveryFailure, err)
	}
	c.w.Flush()
	return nil
}

// Close releases the stream. Idempotent.
func (c *sseConnection) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// Done is closed once the hub evicts this subscriber.
func (c *sseConnection) Done() <-chan struct{} {
	return c.done
}
