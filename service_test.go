package demandflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retailops/demandflow/model/session"
	"github.com/retailops/demandflow/policy"
	"github.com/retailops/demandflow/service/approval"
	"github.com/retailops/demandflow/service/hub"
)

func forecastParams() map[string]interface{} {
	return map[string]interface{}{
		"category":    "apparel",
		"periods":     4,
		"baseline":    1000.0,
		"supplyUnits": 3000.0,
		"storeCount":  10,
	}
}

func startedRuntime(t *testing.T, options ...Option) *Runtime {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	runtime := New(options...).Runtime()
	require.NoError(t, runtime.Start(ctx))
	t.Cleanup(func() {
		cancel()
		_ = runtime.Shutdown(context.Background())
	})
	return runtime
}

func TestRuntime_ForecastLifecycle(t *testing.T) {
	runtime := startedRuntime(t)
	ctx := context.Background()

	created, err := runtime.StartWorkflow(ctx, session.KindForecast, forecastParams())
	require.NoError(t, err)

	conn := hub.NewChanConnection(32)
	subscriberID, err := runtime.Subscribe(ctx, created.ID, conn)
	require.NoError(t, err)
	defer runtime.Unsubscribe(subscriberID)

	// pipeline parks on the approval gate after allocation
	snapshot, err := runtime.WaitForWorkflow(ctx, created.ID, 3*time.Second)
	require.NoError(t, err)
	require.Equal(t, session.StatusAwaitingApproval, snapshot.Status)
	assert.InDelta(t, 0.25, snapshot.Result["demandGap"].(float64), 1e-9)

	preview, err := runtime.Approve(ctx, &approval.Request{
		WorkflowID: created.ID, Action: approval.ActionPreview, Sensitivity: 2,
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, preview.Recommendation, 1e-9)
	assert.False(t, preview.Committed)

	committed, err := runtime.Approve(ctx, &approval.Request{
		WorkflowID: created.ID, Action: approval.ActionCommit, Sensitivity: 2,
	})
	require.NoError(t, err)
	assert.True(t, committed.Committed)

	snapshot, err = runtime.WaitForWorkflow(ctx, created.ID, 3*time.Second)
	require.NoError(t, err)
	require.Equal(t, session.StatusCompleted, snapshot.Status)
	assert.Equal(t, 100, snapshot.Progress)
	assert.InDelta(t, 0.5, snapshot.Result[approval.ResultKeyRecommendation].(float64), 1e-9)

	// the subscriber saw the connection ack before any business event
	first := <-conn.C
	assert.Equal(t, hub.KindConnected, first.Type)
}

func TestRuntime_VarianceBreachSpawnsReforecast(t *testing.T) {
	runtime := startedRuntime(t)
	ctx := context.Background()

	params := forecastParams()
	params["autoApprove"] = true
	created, err := runtime.StartWorkflow(ctx, session.KindForecast, params)
	require.NoError(t, err)
	snapshot, err := runtime.WaitForWorkflow(ctx, created.ID, 3*time.Second)
	require.NoError(t, err)
	require.Equal(t, session.StatusCompleted, snapshot.Status)

	// within threshold: no reforecast
	record, err := runtime.IngestActuals(ctx, created.ID, 1, 1100)
	require.NoError(t, err)
	assert.False(t, record.ThresholdExceeded)
	assert.Empty(t, record.ReforecastID)

	// 30% cumulative deviation through period 2 breaches the 20% threshold
	record, err = runtime.IngestActuals(ctx, created.ID, 2, 1500)
	require.NoError(t, err)
	require.True(t, record.ThresholdExceeded)
	require.NotEmpty(t, record.ReforecastID)

	child, err := runtime.WaitForWorkflow(ctx, record.ReforecastID, 3*time.Second)
	require.NoError(t, err)
	assert.Equal(t, session.KindReforecast, child.Kind)
	assert.Equal(t, created.ID, child.ParentID)
	assert.Equal(t, 2, child.RemainingPeriods)
	// inherits the parent snapshot, autoApprove included, so it runs through
	assert.Equal(t, session.StatusCompleted, child.Status)
	assert.Contains(t, child.Result, "forecastByPeriod")

	records, err := runtime.VarianceRecords(ctx, created.ID)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestRuntime_ManualPolicyHoldsReforecast(t *testing.T) {
	runtime := startedRuntime(t, WithPolicy(&policy.Policy{Mode: policy.ModeManual}))
	ctx := context.Background()

	params := forecastParams()
	params["autoApprove"] = true
	created, err := runtime.StartWorkflow(ctx, session.KindForecast, params)
	require.NoError(t, err)
	_, err = runtime.WaitForWorkflow(ctx, created.ID, 3*time.Second)
	require.NoError(t, err)

	record, err := runtime.IngestActuals(ctx, created.ID, 1, 1500)
	require.NoError(t, err)
	assert.True(t, record.ThresholdExceeded)
	assert.Empty(t, record.ReforecastID)
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.Variance.Threshold = 1.5
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.Policy.Mode = "never"
	assert.Error(t, bad.Validate())
}
