// Package hub fans workflow events out to live subscribers. Delivery is
// best-effort with no replay; a subscriber that joins late starts from the
// next published event. A slow or dead subscriber is dropped, never allowed
// to block the engine or its peers.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/retailops/demandflow/internal/idgen"
	"github.com/retailops/demandflow/model/session"
)

// ErrDeliveryFailure marks a subscriber connection that could not be written
// to. It is contained to this package: the offending subscriber is evicted
// and the failure is logged, never propagated to the workflow.
var ErrDeliveryFailure = errors.New("delivery failure")

// WorkflowChecker validates workflow identity on subscribe. The hub never
// holds a reference to a workflow the registry does not know about.
type WorkflowChecker interface {
	Exists(ctx context.Context, id string) bool
}

// Config tunes per-subscriber buffering and the heartbeat loop.
type Config struct {
	// SubscriberBuffer bounds the per-subscriber send queue; on overflow
	// the subscriber is dropped.
	SubscriberBuffer int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		SubscriberBuffer:  64,
		HeartbeatInterval: 15 * time.Second,
		HeartbeatTimeout:  5 * time.Second,
	}
}

type subscriber struct {
	id         string
	workflowID string
	conn       Connection
	buffer     chan *Message
	done       chan struct{}
	evictOnce  sync.Once
}

// Service is the broadcast hub.
type Service struct {
	config   Config
	checker  WorkflowChecker
	mu       sync.RWMutex
	byFlow   map[string]map[string]*subscriber
	byID     map[string]*subscriber
	stopOnce sync.Once
	stopped  chan struct{}
}

// New creates a hub validating workflow ids against checker.
func New(checker WorkflowChecker, config Config) *Service {
	if config.SubscriberBuffer <= 0 {
		config.SubscriberBuffer = DefaultConfig().SubscriberBuffer
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = DefaultConfig().HeartbeatInterval
	}
	if config.HeartbeatTimeout <= 0 {
		config.HeartbeatTimeout = DefaultConfig().HeartbeatTimeout
	}
	return &Service{
		config:  config,
		checker: checker,
		byFlow:  make(map[string]map[string]*subscriber),
		byID:    make(map[string]*subscriber),
		stopped: make(chan struct{}),
	}
}

// Subscribe registers a connection as a live observer of workflowID and
// queues the connection-established acknowledgment ahead of any business
// event. It returns the subscriber id used for Unsubscribe.
func (s *Service) Subscribe(ctx context.Context, workflowID string, conn Connection) (string, error) {
	if s.checker != nil && !s.checker.Exists(ctx, workflowID) {
		return "", fmt.Errorf("%w: workflow %s", session.ErrNotFound, workflowID)
	}
	sub := &subscriber{
		id:         idgen.New(),
		workflowID: workflowID,
		conn:       conn,
		buffer:     make(chan *Message, s.config.SubscriberBuffer),
		done:       make(chan struct{}),
	}
	sub.buffer <- NewMessage(KindConnected, workflowID, nil)

	s.mu.Lock()
	flow, ok := s.byFlow[workflowID]
	if !ok {
		flow = make(map[string]*subscriber)
		s.byFlow[workflowID] = flow
	}
	flow[sub.id] = sub
	s.byID[sub.id] = sub
	s.mu.Unlock()

	go s.writeLoop(sub)
	return sub.id, nil
}

// Unsubscribe removes a subscriber. Idempotent; unknown ids are a no-op.
func (s *Service) Unsubscribe(subscriberID string) {
	s.mu.RLock()
	sub := s.byID[subscriberID]
	s.mu.RUnlock()
	if sub != nil {
		s.evict(sub, nil)
	}
}

// Publish delivers msg to every current subscriber of workflowID in publish
// order per subscriber. Publishing to a workflow with zero subscribers is a
// cheap no-op. Publish never blocks: a subscriber whose queue is full is
// evicted instead.
func (s *Service) Publish(workflowID string, msg *Message) {
	s.mu.RLock()
	flow := s.byFlow[workflowID]
	if len(flow) == 0 {
		s.mu.RUnlock()
		return
	}
	subs := make([]*subscriber, 0, len(flow))
	for _, sub := range flow {
		subs = append(subs, sub)
	}
	s.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.buffer <- msg:
		default:
			s.evict(sub, fmt.Errorf("%w: send queue overflow", ErrDeliveryFailure))
		}
	}
}

// SubscriberCount returns the number of live subscribers for a workflow.
func (s *Service) SubscriberCount(workflowID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byFlow[workflowID])
}

// StartHeartbeat runs the liveness loop until ctx is cancelled or Stop is
// called. Each tick probes every live connection; one that fails to answer
// within the configured timeout is evicted exactly once, without affecting
// other subscribers.
func (s *Service) StartHeartbeat(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.config.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopped:
				return
			case <-ticker.C:
				s.probeAll(ctx)
			}
		}
	}()
}

// Stop terminates the heartbeat loop and evicts all subscribers.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopped) })
	s.mu.RLock()
	subs := make([]*subscriber, 0, len(s.byID))
	for _, sub := range s.byID {
		subs = append(subs, sub)
	}
	s.mu.RUnlock()
	for _, sub := range subs {
		s.evict(sub, nil)
	}
}

func (s *Service) probeAll(ctx context.Context) {
	s.mu.RLock()
	subs := make([]*subscriber, 0, len(s.byID))
	for _, sub := range s.byID {
		subs = append(subs, sub)
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(sub *subscriber) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, s.config.HeartbeatTimeout)
			defer cancel()
			if err := sub.conn.Ping(probeCtx); err != nil {
				s.evict(sub, fmt.Errorf("%w: heartbeat: %v", ErrDeliveryFailure, err))
			}
		}(sub)
	}
	wg.Wait()
}

// writeLoop drains the subscriber buffer onto the connection, preserving
// enqueue order. A write failure evicts the subscriber.
func (s *Service) writeLoop(sub *subscriber) {
	for {
		select {
		case <-sub.done:
			return
		case msg := <-sub.buffer:
			if err := sub.conn.Send(msg); err != nil {
				s.evict(sub, fmt.Errorf("%w: %v", ErrDeliveryFailure, err))
				return
			}
		}
	}
}

// evict removes the subscriber exactly once, closing its connection. A nil
// reason means a voluntary unsubscribe.
func (s *Service) evict(sub *subscriber, reason error) {
	sub.evictOnce.Do(func() {
		s.mu.Lock()
		if flow, ok := s.byFlow[sub.workflowID]; ok {
			delete(flow, sub.id)
			if len(flow) == 0 {
				delete(s.byFlow, sub.workflowID)
			}
		}
		delete(s.byID, sub.id)
		s.mu.Unlock()

		close(sub.done)
		_ = sub.conn.Close()
		if reason != nil {
			log.Printf("hub: evicted subscriber %s of workflow %s: %v", sub.id, sub.workflowID, reason)
		}
	})
}
