package demandflow

import (
	"context"
	"fmt"
	"time"

	"github.com/retailops/demandflow/model/session"
	"github.com/retailops/demandflow/policy"
	"github.com/retailops/demandflow/service/approval"
	"github.com/retailops/demandflow/service/hub"
	"github.com/retailops/demandflow/service/orchestrator"
	"github.com/retailops/demandflow/service/registry"
	"github.com/retailops/demandflow/service/variance"
)

// Runtime is the assembled workflow engine runtime.
type Runtime struct {
	registry     *registry.Service
	hub          *hub.Service
	orchestrator *orchestrator.Service
	approval     *approval.Service
	variance     *variance.Service
	policy       *policy.Policy
}

// Start launches the orchestrator workers and the hub heartbeat loop.
func (r *Runtime) Start(ctx context.Context) error {
	r.orchestrator.Start(ctx)
	r.hub.StartHeartbeat(ctx)
	return nil
}

// Shutdown stops the workers and evicts all hub subscribers.
func (r *Runtime) Shutdown(_ context.Context) error {
	r.orchestrator.Shutdown()
	r.hub.Stop()
	return nil
}

// StartWorkflow creates a session of the given kind and submits its first
// stage for execution. The returned snapshot reflects the running state.
func (r *Runtime) StartWorkflow(ctx context.Context, kind session.Kind, params map[string]interface{}, options ...registry.Option) (session.Session, error) {
	created, err := r.registry.Create(ctx, kind, params, options...)
	if err != nil {
		return session.Session{}, err
	}
	if err = r.orchestrator.StartWorkflow(ctx, created.ID); err != nil {
		return session.Session{}, err
	}
	return r.registry.Status(ctx, created.ID)
}

// Status returns a point-in-time snapshot of a workflow.
func (r *Runtime) Status(ctx context.Context, workflowID string) (session.Session, error) {
	return r.registry.Status(ctx, workflowID)
}

// Workflows returns snapshots of all known workflows.
func (r *Runtime) Workflows(ctx context.Context) ([]session.Session, error) {
	return r.registry.List(ctx)
}

// Subscribe attaches a connection as a live observer of the workflow event
// stream and returns the subscriber id used for Unsubscribe.
func (r *Runtime) Subscribe(ctx context.Context, workflowID string, conn hub.Connection) (string, error) {
	return r.hub.Subscribe(ctx, workflowID, conn)
}

// Unsubscribe detaches a subscriber. Idempotent.
func (r *Runtime) Unsubscribe(subscriberID string) {
	r.hub.Unsubscribe(subscriberID)
}

// Approve previews or commits a human approval decision.
func (r *Runtime) Approve(ctx context.Context, request *approval.Request) (*approval.Response, error) {
	return r.approval.Decide(ctx, request)
}

// IngestActuals records actual sales for one period. When the variance breach
// spawned a reforecast session, that session is started immediately.
func (r *Runtime) IngestActuals(ctx context.Context, workflowID string, period int, actualQty float64) (*variance.Record, error) {
	ctx = policy.WithPolicy(ctx, r.policy)
	record, err := r.variance.Ingest(ctx, workflowID, period, actualQty)
	if err != nil {
		return nil, err
	}
	if record.ReforecastID != "" {
		if err = r.orchestrator.StartWorkflow(ctx, record.ReforecastID); err != nil {
			return record, fmt.Errorf("reforecast %s created but not started: %w", record.ReforecastID, err)
		}
	}
	return record, nil
}

// VarianceRecords returns all variance records of a workflow.
func (r *Runtime) VarianceRecords(ctx context.Context, workflowID string) ([]*variance.Record, error) {
	return r.variance.Records(ctx, workflowID)
}

// WaitForWorkflow polls until the workflow reaches a terminal status or the
// awaiting-approval hold, or the timeout elapses.
func (r *Runtime) WaitForWorkflow(ctx context.Context, workflowID string, timeout time.Duration) (session.Session, error) {
	deadline := time.Now().Add(timeout)
	for {
		snapshot, err := r.registry.Status(ctx, workflowID)
		if err != nil {
			return session.Session{}, err
		}
		if snapshot.Status.IsTerminal() || snapshot.Status == session.StatusAwaitingApproval {
			return snapshot, nil
		}
		if time.Now().After(deadline) {
			return snapshot, fmt.Errorf("timeout waiting for workflow %q", workflowID)
		}
		select {
		case <-ctx.Done():
			return snapshot, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}
