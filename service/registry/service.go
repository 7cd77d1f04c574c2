package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/retailops/demandflow/internal/idgen"
	"github.com/retailops/demandflow/model/session"
	"github.com/retailops/demandflow/service/dao"
	"github.com/retailops/demandflow/tracing"
)

// TransitionListener observes committed transitions. Listeners receive a
// snapshot and are invoked in commit order for a given workflow id; they must
// not call back into the registry for the same id.
type TransitionListener func(snapshot session.Session, event session.Event)

// Service owns the canonical state of every workflow session. All mutation
// goes through Transition, serialized per workflow id so that concurrent
// writers (approval commit, variance trigger) cannot interleave.
type Service struct {
	store dao.Service[string, session.Session]

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	listenersMu sync.RWMutex
	listeners   []TransitionListener
}

// New creates a registry backed by the supplied session store.
func New(store dao.Service[string, session.Session]) *Service {
	return &Service{
		store: store,
		locks: make(map[string]*sync.Mutex),
	}
}

// Option customises session creation.
type Option func(s *session.Session)

// WithParent links a session to the workflow that spawned it.
func WithParent(parentID string) Option {
	return func(s *session.Session) {
		s.ParentID = parentID
	}
}

// WithRemainingPeriods records how many periods a reforecast session covers.
func WithRemainingPeriods(periods int) Option {
	return func(s *session.Session) {
		s.RemainingPeriods = periods
	}
}

// OnTransition registers listeners invoked after every committed transition.
func (s *Service) OnTransition(listeners ...TransitionListener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, listeners...)
}

// Create allocates a new session in StatusPending and returns its snapshot.
func (s *Service) Create(ctx context.Context, kind session.Kind, params map[string]interface{}, options ...Option) (session.Session, error) {
	switch kind {
	case session.KindForecast, session.KindReforecast:
	default:
		return session.Session{}, fmt.Errorf("%w: unknown workflow kind %q", session.ErrValidation, kind)
	}
	ret := session.New(string(kind)+"-"+idgen.New(), kind, params)
	for _, option := range options {
		option(ret)
	}
	if ret.Kind == session.KindReforecast && ret.RemainingPeriods < 0 {
		return session.Session{}, fmt.Errorf("%w: negative remaining periods", session.ErrValidation)
	}
	if err := s.store.Save(ctx, ret); err != nil {
		return session.Session{}, fmt.Errorf("failed to save session %s: %w", ret.ID, err)
	}
	return ret.Snapshot(), nil
}

// Transition applies event to the identified workflow. The transition is
// atomic: either the session moves to the successor status and listeners are
// notified, or the call fails and the stored state is untouched.
func (s *Service) Transition(ctx context.Context, id string, event session.Event, payload *session.Payload) (status session.Status, err error) {
	ctx, span := tracing.StartSpan(ctx, "registry.Transition", "INTERNAL")
	defer func() { tracing.EndSpan(span, err) }()
	span.WithAttributes(map[string]string{"workflow.id": id, "workflow.event": string(event)})

	if id == "" {
		return "", fmt.Errorf("%w: empty workflow id", session.ErrValidation)
	}
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	current, err := s.load(ctx, id)
	if err != nil {
		return "", err
	}
	// Work on a copy so readers holding the previous snapshot never observe
	// partial mutation, and a rejected transition leaves storage untouched.
	working := current.Snapshot()
	status, err = working.Apply(event, payload)
	if err != nil {
		if current.Status.IsTerminal() {
			s.releaseLock(id)
		}
		return current.Status, err
	}
	if err = s.store.Save(ctx, &working); err != nil {
		return current.Status, fmt.Errorf("failed to save session %s: %w", id, err)
	}
	s.notify(working.Snapshot(), event)
	if status.IsTerminal() {
		s.releaseLock(id)
	}
	return status, nil
}

// Status returns a point-in-time snapshot of the identified workflow.
func (s *Service) Status(ctx context.Context, id string) (session.Session, error) {
	ret, err := s.load(ctx, id)
	if err != nil {
		return session.Session{}, err
	}
	return ret.Snapshot(), nil
}

// Exists reports whether the registry knows the workflow id.
func (s *Service) Exists(ctx context.Context, id string) bool {
	_, err := s.load(ctx, id)
	return err == nil
}

// List returns snapshots of all known sessions.
func (s *Service) List(ctx context.Context) ([]session.Session, error) {
	all, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]session.Session, 0, len(all))
	for _, item := range all {
		out = append(out, item.Snapshot())
	}
	return out, nil
}

func (s *Service) load(ctx context.Context, id string) (*session.Session, error) {
	ret, err := s.store.Load(ctx, id)
	if err != nil {
		if errors.Is(err, dao.ErrNotFound) || errors.Is(err, dao.ErrInvalidID) {
			return nil, fmt.Errorf("%w: workflow %s", session.ErrNotFound, id)
		}
		return nil, err
	}
	return ret, nil
}

// releaseLock drops the per-id mutex entry once a session is terminal, so
// the lock map does not grow with every completed workflow. Terminal
// sessions accept no further mutation, making a fresh mutex for a late
// caller harmless.
func (s *Service) releaseLock(id string) {
	s.locksMu.Lock()
	delete(s.locks, id)
	s.locksMu.Unlock()
}

func (s *Service) lockFor(id string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	lock, ok := s.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[id] = lock
	}
	return lock
}

func (s *Service) notify(snapshot session.Session, event session.Event) {
	s.listenersMu.RLock()
	listeners := append([]TransitionListener(nil), s.listeners...)
	s.listenersMu.RUnlock()
	for _, listener := range listeners {
		listener(snapshot, event)
	}
}
