package hub

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retailops/demandflow/model/session"
)

type staticChecker map[string]bool

func (c staticChecker) Exists(_ context.Context, id string) bool { return c[id] }

func testConfig() Config {
	return Config{
		SubscriberBuffer:  8,
		HeartbeatInterval: 10 * time.Millisecond,
		HeartbeatTimeout:  10 * time.Millisecond,
	}
}

func receive(t *testing.T, conn *ChanConnection) *Message {
	t.Helper()
	select {
	case msg := <-conn.C:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestSubscribeUnknownWorkflow(t *testing.T) {
	service := New(staticChecker{}, testConfig())
	_, err := service.Subscribe(context.Background(), "missing", NewChanConnection(4))
	require.ErrorIs(t, err, session.ErrNotFound)
}

func TestConnectedAckPrecedesBusinessEvents(t *testing.T) {
	service := New(staticChecker{"wf-1": true}, testConfig())
	conn := NewChanConnection(8)
	_, err := service.Subscribe(context.Background(), "wf-1", conn)
	require.NoError(t, err)

	service.Publish("wf-1", NewMessage(KindStageStarted, "wf-1", nil))

	first := receive(t, conn)
	assert.Equal(t, KindConnected, first.Type)
	second := receive(t, conn)
	assert.Equal(t, KindStageStarted, second.Type)
}

func TestPublishOrderPerSubscriber(t *testing.T) {
	service := New(staticChecker{"wf-1": true}, testConfig())
	conn := NewChanConnection(16)
	_, err := service.Subscribe(context.Background(), "wf-1", conn)
	require.NoError(t, err)
	receive(t, conn) // connected ack

	for i := 0; i < 5; i++ {
		service.Publish("wf-1", NewMessage(KindStageProgress, "wf-1", i))
	}
	for i := 0; i < 5; i++ {
		msg := receive(t, conn)
		assert.Equal(t, i, msg.Payload)
	}
}

func TestPublishWithoutSubscribersIsNoop(t *testing.T) {
	service := New(staticChecker{"wf-1": true}, testConfig())
	done := make(chan struct{})
	go func() {
		service.Publish("wf-1", NewMessage(KindStageStarted, "wf-1", nil))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("publish with zero subscribers blocked")
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	service := New(staticChecker{"wf-1": true}, testConfig())
	conn := NewChanConnection(8)
	id, err := service.Subscribe(context.Background(), "wf-1", conn)
	require.NoError(t, err)

	service.Unsubscribe(id)
	service.Unsubscribe(id)
	service.Unsubscribe("unknown")
	assert.Equal(t, 0, service.SubscriberCount("wf-1"))
}

func TestSlowSubscriberIsDroppedOthersUnaffected(t *testing.T) {
	config := testConfig()
	config.SubscriberBuffer = 1
	service := New(staticChecker{"wf-1": true}, config)

	// slow: never drained and with a full transport so the write loop stalls
	slow := NewChanConnection(1)
	_, err := service.Subscribe(context.Background(), "wf-1", slow)
	require.NoError(t, err)

	healthy := NewChanConnection(32)
	_, err = service.Subscribe(context.Background(), "wf-1", healthy)
	require.NoError(t, err)
	receive(t, healthy)

	for i := 0; i < 10; i++ {
		service.Publish("wf-1", NewMessage(KindStageProgress, "wf-1", i))
	}
	assert.Eventually(t, func() bool { return service.SubscriberCount("wf-1") == 1 },
		time.Second, 5*time.Millisecond, "slow subscriber should be evicted")

	service.Publish("wf-1", NewMessage(KindStageCompleted, "wf-1", nil))
	seen := map[Kind]bool{}
	deadline := time.After(time.Second)
	for !seen[KindStageCompleted] {
		select {
		case msg := <-healthy.C:
			seen[msg.Type] = true
		case <-deadline:
			t.Fatal("healthy subscriber stopped receiving")
		}
	}
}

type flakyConn struct {
	mu       sync.Mutex
	failPing bool
	sent     []*Message
}

func (c *flakyConn) Send(msg *Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func (c *flakyConn) Ping(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failPing {
		return fmt.Errorf("peer gone")
	}
	return nil
}

func (c *flakyConn) Close() error { return nil }

func TestHeartbeatEvictsOnlyDeadSubscriber(t *testing.T) {
	service := New(staticChecker{"wf-1": true}, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dead := &flakyConn{failPing: true}
	alive := NewChanConnection(32)

	_, err := service.Subscribe(ctx, "wf-1", dead)
	require.NoError(t, err)
	_, err = service.Subscribe(ctx, "wf-1", alive)
	require.NoError(t, err)
	receive(t, alive)

	service.StartHeartbeat(ctx)
	assert.Eventually(t, func() bool { return service.SubscriberCount("wf-1") == 1 },
		time.Second, 5*time.Millisecond)

	service.Publish("wf-1", NewMessage(KindWorkflowCompleted, "wf-1", nil))
	msg := receive(t, alive)
	assert.Equal(t, KindWorkflowCompleted, msg.Type)
}
