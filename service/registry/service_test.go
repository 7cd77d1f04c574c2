package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retailops/demandflow/internal/idgen"
	"github.com/retailops/demandflow/model/session"
	"github.com/retailops/demandflow/service/dao/store"
)

func newTestRegistry() *Service {
	return New(store.NewMemoryStore[string, session.Session](func(s *session.Session) string {
		return s.ID
	}))
}

func TestService_Create(t *testing.T) {
	prev := idgen.NewFunc
	idgen.NewFunc = func() string { return "0001" }
	defer func() { idgen.NewFunc = prev }()

	registry := newTestRegistry()
	ctx := context.Background()

	created, err := registry.Create(ctx, session.KindForecast, map[string]interface{}{"category": "apparel"})
	require.NoError(t, err)
	assert.Equal(t, "forecast-0001", created.ID)
	assert.Equal(t, session.StatusPending, created.Status)
	assert.Equal(t, "apparel", created.Params["category"])

	_, err = registry.Create(ctx, session.Kind("budget"), nil)
	assert.True(t, errors.Is(err, session.ErrValidation))
}

func TestService_Create_Reforecast(t *testing.T) {
	registry := newTestRegistry()
	ctx := context.Background()

	child, err := registry.Create(ctx, session.KindReforecast, nil,
		WithParent("forecast-1"), WithRemainingPeriods(4))
	require.NoError(t, err)
	assert.Equal(t, "forecast-1", child.ParentID)
	assert.Equal(t, 4, child.RemainingPeriods)
}

func TestService_Transition(t *testing.T) {
	registry := newTestRegistry()
	ctx := context.Background()

	created, err := registry.Create(ctx, session.KindForecast, nil)
	require.NoError(t, err)

	status, err := registry.Transition(ctx, created.ID, session.EventStart, &session.Payload{Stage: session.StageDemand})
	require.NoError(t, err)
	assert.Equal(t, session.StatusRunning, status)

	// rejected transition leaves stored state untouched
	_, err = registry.Transition(ctx, created.ID, session.EventApprovalCommitted, nil)
	assert.True(t, errors.Is(err, session.ErrInvalidTransition))
	snapshot, err := registry.Status(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusRunning, snapshot.Status)
	assert.Equal(t, session.StageDemand, snapshot.Stage)

	_, err = registry.Transition(ctx, "forecast-missing", session.EventStart, nil)
	assert.True(t, errors.Is(err, session.ErrNotFound))
}

func TestService_Transition_ConcurrentCommits(t *testing.T) {
	registry := newTestRegistry()
	ctx := context.Background()

	created, err := registry.Create(ctx, session.KindForecast, nil)
	require.NoError(t, err)
	_, err = registry.Transition(ctx, created.ID, session.EventStart, &session.Payload{Stage: session.StageDemand})
	require.NoError(t, err)
	_, err = registry.Transition(ctx, created.ID, session.EventRequireApproval, nil)
	require.NoError(t, err)

	var succeeded, rejected int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := registry.Transition(ctx, created.ID, session.EventApprovalCommitted, nil)
			if err == nil {
				atomic.AddInt32(&succeeded, 1)
				return
			}
			if errors.Is(err, session.ErrInvalidTransition) {
				atomic.AddInt32(&rejected, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), succeeded)
	assert.Equal(t, int32(7), rejected)
	snapshot, err := registry.Status(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusRunning, snapshot.Status)
}

func TestService_OnTransition_CommitOrder(t *testing.T) {
	registry := newTestRegistry()
	ctx := context.Background()

	var mu sync.Mutex
	var observed []session.Event
	registry.OnTransition(func(snapshot session.Session, event session.Event) {
		mu.Lock()
		observed = append(observed, event)
		mu.Unlock()
	})

	created, err := registry.Create(ctx, session.KindForecast, nil)
	require.NoError(t, err)
	for _, event := range []session.Event{session.EventStart, session.EventStageComplete, session.EventComplete} {
		_, err = registry.Transition(ctx, created.ID, event, nil)
		require.NoError(t, err)
	}
	// rejected transitions never reach listeners
	_, _ = registry.Transition(ctx, created.ID, session.EventStart, nil)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []session.Event{session.EventStart, session.EventStageComplete, session.EventComplete}, observed)
}

func TestService_Status_SnapshotIsolation(t *testing.T) {
	registry := newTestRegistry()
	ctx := context.Background()

	created, err := registry.Create(ctx, session.KindForecast, map[string]interface{}{"periods": 6})
	require.NoError(t, err)

	snapshot, err := registry.Status(ctx, created.ID)
	require.NoError(t, err)
	snapshot.Params["periods"] = 99

	fresh, err := registry.Status(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, 6, fresh.Params["periods"])
}

func TestService_Transition_ReleasesLockOnTerminal(t *testing.T) {
	registry := newTestRegistry()
	ctx := context.Background()

	created, err := registry.Create(ctx, session.KindForecast, nil)
	require.NoError(t, err)
	_, err = registry.Transition(ctx, created.ID, session.EventStart, nil)
	require.NoError(t, err)

	registry.locksMu.Lock()
	_, held := registry.locks[created.ID]
	registry.locksMu.Unlock()
	assert.True(t, held)

	_, err = registry.Transition(ctx, created.ID, session.EventComplete, nil)
	require.NoError(t, err)

	registry.locksMu.Lock()
	_, held = registry.locks[created.ID]
	registry.locksMu.Unlock()
	assert.False(t, held, "terminal session must not pin a lock entry")

	// a late transition attempt is still rejected and leaves no entry behind
	_, err = registry.Transition(ctx, created.ID, session.EventStart, nil)
	assert.True(t, errors.Is(err, session.ErrInvalidTransition))
	registry.locksMu.Lock()
	_, held = registry.locks[created.ID]
	registry.locksMu.Unlock()
	assert.False(t, held)
}

func TestService_Exists(t *testing.T) {
	registry := newTestRegistry()
	ctx := context.Background()
	created, err := registry.Create(ctx, session.KindForecast, nil)
	require.NoError(t, err)
	assert.True(t, registry.Exists(ctx, created.ID))
	assert.False(t, registry.Exists(ctx, "forecast-unknown"))
}
