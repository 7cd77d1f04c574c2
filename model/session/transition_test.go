package session

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/retailops/demandflow/internal/clock"
)

func TestNext(t *testing.T) {
	testCases := []struct {
		description string
		current     Status
		event       Event
		expect      Status
		expectErr   bool
	}{
		{
			description: "pending accepts start",
			current:     StatusPending,
			event:       EventStart,
			expect:      StatusRunning,
		},
		{
			description: "pending accepts fail",
			current:     StatusPending,
			event:       EventFail,
			expect:      StatusFailed,
		},
		{
			description: "running accepts stage complete and stays running",
			current:     StatusRunning,
			event:       EventStageComplete,
			expect:      StatusRunning,
		},
		{
			description: "running accepts require approval",
			current:     StatusRunning,
			event:       EventRequireApproval,
			expect:      StatusAwaitingApproval,
		},
		{
			description: "running accepts complete",
			current:     StatusRunning,
			event:       EventComplete,
			expect:      StatusCompleted,
		},
		{
			description: "awaiting approval accepts commit",
			current:     StatusAwaitingApproval,
			event:       EventApprovalCommitted,
			expect:      StatusRunning,
		},
		{
			description: "awaiting approval accepts fail",
			current:     StatusAwaitingApproval,
			event:       EventFail,
			expect:      StatusFailed,
		},
		{
			description: "pending rejects complete",
			current:     StatusPending,
			event:       EventComplete,
			expectErr:   true,
		},
		{
			description: "running rejects approval commit",
			current:     StatusRunning,
			event:       EventApprovalCommitted,
			expectErr:   true,
		},
		{
			description: "completed rejects everything",
			current:     StatusCompleted,
			event:       EventStart,
			expectErr:   true,
		},
		{
			description: "failed rejects everything",
			current:     StatusFailed,
			event:       EventApprovalCommitted,
			expectErr:   true,
		},
	}

	for _, testCase := range testCases {
		next, err := Next(testCase.current, testCase.event)
		if testCase.expectErr {
			assert.True(t, errors.Is(err, ErrInvalidTransition), testCase.description)
			continue
		}
		require.NoError(t, err, testCase.description)
		assert.Equal(t, testCase.expect, next, testCase.description)
	}
}

func TestSession_Apply_NoPartialMutation(t *testing.T) {
	sess := New("forecast-1", KindForecast, map[string]interface{}{"category": "apparel"})
	before := sess.Snapshot()

	_, err := sess.Apply(EventComplete, &Payload{
		Stage:    StageDemand,
		Progress: 50,
		Result:   map[string]interface{}{"x": 1},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	after := sess.Snapshot()
	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, before.Stage, after.Stage)
	assert.Equal(t, before.Progress, after.Progress)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
	assert.Empty(t, after.Result)
}

func TestSession_Apply_GuardRejectsDisabledStage(t *testing.T) {
	sess := New("forecast-2", KindForecast, nil)
	_, err := sess.Apply(EventStart, &Payload{Stage: StageDemand})
	require.NoError(t, err)

	// pricing is disabled unless markdownCheckpoint is set
	_, err = sess.Apply(EventStageComplete, &Payload{Stage: StagePricing})
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Equal(t, StageDemand, sess.Stage)

	sess.Params[ParamMarkdownCheckpoint] = true
	_, err = sess.Apply(EventStageComplete, &Payload{Stage: StagePricing})
	assert.NoError(t, err)
	assert.Equal(t, StagePricing, sess.Stage)
}

func TestSession_Apply_Timestamps(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	prev := clock.NowFunc
	clock.NowFunc = func() time.Time { return fixed }
	defer func() { clock.NowFunc = prev }()

	sess := New("forecast-3", KindForecast, nil)
	_, err := sess.Apply(EventStart, &Payload{Stage: StageDemand})
	require.NoError(t, err)
	require.NotNil(t, sess.StartedAt)
	assert.Equal(t, fixed, *sess.StartedAt)
	assert.Nil(t, sess.CompletedAt)

	_, err = sess.Apply(EventComplete, nil)
	require.NoError(t, err)
	require.NotNil(t, sess.CompletedAt)
	assert.Equal(t, fixed, *sess.CompletedAt)
	assert.Equal(t, 100, sess.Progress)
}

func TestSession_Stages(t *testing.T) {
	forecast := New("f", KindForecast, nil)
	assert.Equal(t, []string{StageDemand, StageAllocation}, forecast.Stages())

	withMarkdown := New("f", KindForecast, map[string]interface{}{ParamMarkdownCheckpoint: true})
	assert.Equal(t, []string{StageDemand, StageAllocation, StagePricing}, withMarkdown.Stages())

	// pricing never applies to reforecast, even with the checkpoint set
	reforecast := New("r", KindReforecast, map[string]interface{}{ParamMarkdownCheckpoint: true})
	assert.Equal(t, []string{StageDemand, StageAllocation}, reforecast.Stages())
}

// Replaying any accepted event sequence from pending is deterministic: two
// sessions fed the same events always agree on status, stage and progress.
func TestSession_ReplayDeterminism(t *testing.T) {
	events := []Event{
		EventStart, EventStageComplete, EventRequireApproval,
		EventApprovalCommitted, EventFail, EventComplete,
	}
	rapid.Check(t, func(t *rapid.T) {
		a := New("wf", KindForecast, map[string]interface{}{ParamMarkdownCheckpoint: true})
		b := New("wf", KindForecast, map[string]interface{}{ParamMarkdownCheckpoint: true})

		count := rapid.IntRange(1, 12).Draw(t, "count")
		for i := 0; i < count; i++ {
			event := rapid.SampledFrom(events).Draw(t, "event")
			_, errA := a.Apply(event, nil)
			_, errB := b.Apply(event, nil)
			if (errA == nil) != (errB == nil) {
				t.Fatalf("replay diverged on %s: %v vs %v", event, errA, errB)
			}
		}
		if a.Status != b.Status {
			t.Fatalf("status diverged: %s vs %s", a.Status, b.Status)
		}
		if a.Status.IsTerminal() {
			// terminal states accept nothing further
			_, err := a.Apply(EventStart, nil)
			if !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("terminal status %s accepted start", a.Status)
			}
		}
	})
}
