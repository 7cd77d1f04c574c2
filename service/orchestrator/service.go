// Package orchestrator drives workflow sessions through their stage plan.
// Workers consume stage jobs from a queue, invoke the collaborator engine
// for the stage under a bounded timeout and advance the registry; a failed
// or timed-out collaborator forces the workflow into the failed state so no
// session is ever left stuck.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"reflect"
	"sync"
	"time"

	"github.com/viant/structology/conv"
	"golang.org/x/sync/errgroup"

	"github.com/retailops/demandflow/extension"
	"github.com/retailops/demandflow/model/session"
	"github.com/retailops/demandflow/progress"
	"github.com/retailops/demandflow/service/hub"
	"github.com/retailops/demandflow/service/messaging"
	"github.com/retailops/demandflow/tracing"
)

// ErrCollaborator marks a forecasting/allocation/pricing call that errored
// or timed out. It forces the owning workflow into the failed state and is
// broadcast as an error event.
var ErrCollaborator = errors.New("external collaborator failure")

// ParamAutoApprove disables the human approval gate after the allocation
// stage when set to true in the parameter snapshot.
const ParamAutoApprove = "autoApprove"

// StageJob instructs a worker to run one stage of one workflow.
type StageJob struct {
	WorkflowID string `json:"workflowId"`
	// Stage empty means: finalize the workflow.
	Stage string `json:"stage,omitempty"`
}

// Registry is the subset of the workflow registry the orchestrator needs.
type Registry interface {
	Status(ctx context.Context, id string) (session.Session, error)
	Transition(ctx context.Context, id string, event session.Event, payload *session.Payload) (session.Status, error)
}

// Publisher mirrors stage lifecycle onto the broadcast hub.
type Publisher interface {
	Publish(workflowID string, msg *hub.Message)
}

// Config tunes the worker pool.
type Config struct {
	// WorkerCount is the number of concurrent stage workers.
	WorkerCount int

	// StageTimeout bounds a single collaborator call. Exceeding it fails
	// the workflow with a timeout error.
	StageTimeout time.Duration
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		WorkerCount:  5,
		StageTimeout: 30 * time.Second,
	}
}

// Service executes stage jobs.
type Service struct {
	config    Config
	registry  Registry
	publisher Publisher
	engines   *extension.Engines
	queue     messaging.Queue[StageJob]
	converter *conv.Converter

	trackersMu sync.Mutex
	trackers   map[string]*progress.Progress

	group  *errgroup.Group
	cancel context.CancelFunc
}

// stageActions maps stage names onto engine service/method pairs.
var stageActions = map[string][2]string{
	session.StageDemand:     {"demand", "generate"},
	session.StageAllocation: {"allocation", "plan"},
	session.StagePricing:    {"pricing", "markdown"},
}

// New creates an orchestrator.
func New(reg Registry, publisher Publisher, engines *extension.Engines, queue messaging.Queue[StageJob], config Config) *Service {
	if config.WorkerCount <= 0 {
		config.WorkerCount = DefaultConfig().WorkerCount
	}
	if config.StageTimeout <= 0 {
		config.StageTimeout = DefaultConfig().StageTimeout
	}
	options := conv.DefaultOptions()
	options.ClonePointerData = true
	options.IgnoreUnmapped = true
	options.AccessUnexported = true
	return &Service{
		config:    config,
		registry:  reg,
		publisher: publisher,
		engines:   engines,
		queue:     queue,
		converter: conv.NewConverter(options),
		trackers:  make(map[string]*progress.Progress),
	}
}

// Start launches the worker pool. Workers run until ctx is cancelled or
// Shutdown is called.
func (s *Service) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.group, ctx = errgroup.WithContext(ctx)
	for i := 0; i < s.config.WorkerCount; i++ {
		s.group.Go(func() error {
			s.run(ctx)
			return nil
		})
	}
}

// Shutdown stops the workers and waits for them to drain.
func (s *Service) Shutdown() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.group != nil {
		_ = s.group.Wait()
	}
}

// StartWorkflow moves a pending session into the running state and enqueues
// its first stage.
func (s *Service) StartWorkflow(ctx context.Context, workflowID string) error {
	snapshot, err := s.registry.Status(ctx, workflowID)
	if err != nil {
		return err
	}
	stages := snapshot.Stages()
	if _, err = s.registry.Transition(ctx, workflowID, session.EventStart, &session.Payload{Stage: stages[0]}); err != nil {
		return err
	}
	s.trackerFor(workflowID, len(stages))
	return s.queue.Publish(ctx, &StageJob{WorkflowID: workflowID, Stage: stages[0]})
}

// enqueueTimeout bounds a listener-side publish so a full queue cannot hold
// the registry's per-id transition lock.
const enqueueTimeout = 250 * time.Millisecond

// HandleTransition is registered as a registry transition listener. On an
// approval commit it enqueues the stage following the gate. Listeners run
// under the per-id transition lock, so this only enqueues, never calls back
// into the registry, and gives up on a saturated queue instead of blocking.
func (s *Service) HandleTransition(snapshot session.Session, event session.Event) {
	if event != session.EventApprovalCommitted {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), enqueueTimeout)
	defer cancel()
	job := &StageJob{WorkflowID: snapshot.ID, Stage: nextStage(&snapshot, snapshot.Stage)}
	if err := s.queue.Publish(ctx, job); err != nil {
		log.Printf("orchestrator: failed to enqueue post-approval stage for %s: %v", snapshot.ID, err)
	}
}

func (s *Service) run(ctx context.Context) {
	for {
		msg, err := s.queue.Consume(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}
		job := msg.T()
		if err := s.process(ctx, job); err != nil {
			// infrastructure trouble only: domain failures are absorbed by
			// the fail transition, so a redelivery can still make progress
			log.Printf("orchestrator: workflow %s stage %q: %v", job.WorkflowID, job.Stage, err)
			_ = msg.Nack(err)
			continue
		}
		_ = msg.Ack()
	}
}

func (s *Service) process(ctx context.Context, job *StageJob) (err error) {
	if job.Stage == "" {
		return s.complete(ctx, job.WorkflowID)
	}
	ctx, span := tracing.StartSpan(ctx, "orchestrator.RunStage "+job.Stage, "INTERNAL")
	defer func() { tracing.EndSpan(span, err) }()
	span.WithAttributes(map[string]string{"workflow.id": job.WorkflowID, "workflow.stage": job.Stage})

	snapshot, err := s.registry.Status(ctx, job.WorkflowID)
	if err != nil {
		return err
	}
	if snapshot.Status != session.StatusRunning {
		// stale job, e.g. the workflow failed meanwhile
		return nil
	}

	s.publish(job.WorkflowID, hub.KindStageStarted, map[string]interface{}{"stage": job.Stage})

	output, runErr := s.invoke(ctx, &snapshot, job.Stage)
	if runErr != nil {
		span.SetStatus(runErr)
		return s.fail(ctx, job, runErr)
	}
	return s.advance(ctx, &snapshot, job, output)
}

// invoke dispatches the stage to its collaborator engine with a bounded
// timeout. The merged parameter/result state is converted into the method's
// typed input.
func (s *Service) invoke(ctx context.Context, snapshot *session.Session, stage string) (interface{}, error) {
	action, ok := stageActions[stage]
	if !ok {
		return nil, fmt.Errorf("%w: no engine action for stage %q", ErrCollaborator, stage)
	}
	engine := s.engines.Lookup(action[0])
	if engine == nil {
		return nil, fmt.Errorf("%w: engine %q not registered", ErrCollaborator, action[0])
	}
	signature := engine.Methods().Lookup(action[1])
	if signature == nil {
		return nil, fmt.Errorf("%w: engine %q has no method %q", ErrCollaborator, action[0], action[1])
	}
	method, err := engine.Method(action[1])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCollaborator, err)
	}

	input := newInstance(signature.Input)
	if err = s.converter.Convert(mergedState(snapshot), input); err != nil {
		return nil, fmt.Errorf("%w: failed to build %s input: %v", ErrCollaborator, stage, err)
	}
	output := newInstance(signature.Output)

	stageCtx, cancel := context.WithTimeout(ctx, s.config.StageTimeout)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- method(stageCtx, input, output) }()
	select {
	case err = <-done:
		if err != nil {
			return nil, fmt.Errorf("%w: stage %s: %v", ErrCollaborator, stage, err)
		}
		return output, nil
	case <-stageCtx.Done():
		return nil, fmt.Errorf("%w: stage %s timed out after %s", ErrCollaborator, stage, s.config.StageTimeout)
	}
}

func (s *Service) advance(ctx context.Context, snapshot *session.Session, job *StageJob, output interface{}) error {
	result, err := toMap(output)
	if err != nil {
		return s.fail(ctx, job, fmt.Errorf("%w: unserialisable %s output: %v", ErrCollaborator, job.Stage, err))
	}
	tracker := s.trackerFor(job.WorkflowID, len(snapshot.Stages()))
	tracker.StageCompleted()
	pct := tracker.Percent()

	if _, err = s.registry.Transition(ctx, job.WorkflowID, session.EventStageComplete, &session.Payload{
		Stage:    job.Stage,
		Progress: pct,
		Result:   result,
	}); err != nil {
		return err
	}
	s.publish(job.WorkflowID, hub.KindStageCompleted, map[string]interface{}{"stage": job.Stage, "result": result})
	s.publish(job.WorkflowID, hub.KindStageProgress, map[string]interface{}{"stage": job.Stage, "progressPercent": pct})

	if job.Stage == session.StageAllocation && !autoApprove(snapshot.Params) {
		if _, err = s.registry.Transition(ctx, job.WorkflowID, session.EventRequireApproval, nil); err != nil {
			return err
		}
		s.publish(job.WorkflowID, hub.KindApprovalNeeded, map[string]interface{}{
			"stage":     job.Stage,
			"demandGap": result["demandGap"],
		})
		return nil
	}
	next := nextStage(snapshot, job.Stage)
	return s.queue.Publish(ctx, &StageJob{WorkflowID: job.WorkflowID, Stage: next})
}

func (s *Service) complete(ctx context.Context, workflowID string) error {
	if _, err := s.registry.Transition(ctx, workflowID, session.EventComplete, nil); err != nil {
		return err
	}
	snapshot, err := s.registry.Status(ctx, workflowID)
	if err != nil {
		return err
	}
	s.forgetTracker(workflowID)
	s.publish(workflowID, hub.KindWorkflowCompleted, map[string]interface{}{"result": snapshot.Result})
	return nil
}

// fail moves the workflow into the failed state. Once the failure is durably
// recorded it returns nil so the job is acknowledged rather than redelivered;
// only an error from the transition itself surfaces to the worker for retry.
func (s *Service) fail(ctx context.Context, job *StageJob, cause error) error {
	s.trackerFor(job.WorkflowID, 1).StageFailed()
	s.forgetTracker(job.WorkflowID)
	if _, err := s.registry.Transition(ctx, job.WorkflowID, session.EventFail, &session.Payload{Error: cause.Error()}); err != nil {
		return errors.Join(cause, err)
	}
	s.publish(job.WorkflowID, hub.KindError, map[string]interface{}{"stage": job.Stage, "error": cause.Error()})
	log.Printf("orchestrator: workflow %s failed at stage %q: %v", job.WorkflowID, job.Stage, cause)
	return nil
}

func (s *Service) publish(workflowID string, kind hub.Kind, payload map[string]interface{}) {
	if s.publisher != nil {
		s.publisher.Publish(workflowID, hub.NewMessage(kind, workflowID, payload))
	}
}

func (s *Service) trackerFor(workflowID string, totalStages int) *progress.Progress {
	s.trackersMu.Lock()
	defer s.trackersMu.Unlock()
	tracker, ok := s.trackers[workflowID]
	if !ok {
		tracker = progress.New(workflowID, totalStages, nil)
		s.trackers[workflowID] = tracker
	}
	return tracker
}

func (s *Service) forgetTracker(workflowID string) {
	s.trackersMu.Lock()
	defer s.trackersMu.Unlock()
	delete(s.trackers, workflowID)
}

// nextStage returns the stage after current in the session plan, or empty
// when current is the last one.
func nextStage(snapshot *session.Session, current string) string {
	stages := snapshot.Stages()
	for i, stage := range stages {
		if stage == current && i+1 < len(stages) {
			return stages[i+1]
		}
	}
	return ""
}

func autoApprove(params map[string]interface{}) bool {
	enabled, _ := params[ParamAutoApprove].(bool)
	return enabled
}

func mergedState(snapshot *session.Session) map[string]interface{} {
	merged := make(map[string]interface{}, len(snapshot.Params)+len(snapshot.Result)+1)
	for k, v := range snapshot.Params {
		merged[k] = v
	}
	for k, v := range snapshot.Result {
		merged[k] = v
	}
	// a reforecast re-plans only the remaining horizon, not the parent's
	// full period count
	if snapshot.Kind == session.KindReforecast && snapshot.RemainingPeriods > 0 {
		merged["periods"] = snapshot.RemainingPeriods
	}
	return merged
}

func toMap(output interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(output)
	if err != nil {
		return nil, err
	}
	ret := make(map[string]interface{})
	if err = json.Unmarshal(data, &ret); err != nil {
		return nil, err
	}
	return ret, nil
}

func newInstance(t reflect.Type) interface{} {
	if t == nil {
		return nil
	}
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return reflect.New(t).Interface()
}
