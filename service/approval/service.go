// Package approval implements the human-in-the-loop coordinator gating the
// allocation adjustment. Preview is pure and repeatable; commit is the only
// path that mutates the workflow, and only from the awaiting-approval state.
package approval

import (
	"context"
	"fmt"
	"math"

	"github.com/retailops/demandflow/model/session"
	"github.com/retailops/demandflow/service/hub"
)

// Registry is the subset of the workflow registry the coordinator needs.
type Registry interface {
	Status(ctx context.Context, id string) (session.Session, error)
	Transition(ctx context.Context, id string, event session.Event, payload *session.Payload) (session.Status, error)
}

// Publisher announces approval outcomes to live observers.
type Publisher interface {
	Publish(workflowID string, msg *hub.Message)
}

// Config tunes the recommendation formula.
type Config struct {
	// Cap bounds the recommendation from above.
	Cap float64
	// Granularity rounds the recommendation, e.g. 0.01 for whole percents.
	Granularity float64
	// MaxSensitivity bounds the knob; values outside [0, MaxSensitivity]
	// are a validation failure.
	MaxSensitivity float64
}

// DefaultConfig returns the production formula bounds.
func DefaultConfig() Config {
	return Config{
		Cap:            0.5,
		Granularity:    0.01,
		MaxSensitivity: 10,
	}
}

// Service is the approval coordinator.
type Service struct {
	config    Config
	registry  Registry
	publisher Publisher
}

// New creates an approval coordinator.
func New(registry Registry, publisher Publisher, config Config) *Service {
	if config.Cap <= 0 {
		config.Cap = DefaultConfig().Cap
	}
	if config.Granularity <= 0 {
		config.Granularity = DefaultConfig().Granularity
	}
	if config.MaxSensitivity <= 0 {
		config.MaxSensitivity = DefaultConfig().MaxSensitivity
	}
	return &Service{config: config, registry: registry, publisher: publisher}
}

// Decide dispatches an approval request to preview or commit.
func (s *Service) Decide(ctx context.Context, request *Request) (*Response, error) {
	if request == nil || request.WorkflowID == "" {
		return nil, fmt.Errorf("%w: missing workflow id", session.ErrValidation)
	}
	if request.Sensitivity < 0 || request.Sensitivity > s.config.MaxSensitivity {
		return nil, fmt.Errorf("%w: sensitivity %v outside [0, %v]",
			session.ErrValidation, request.Sensitivity, s.config.MaxSensitivity)
	}
	switch request.Action {
	case ActionPreview:
		return s.preview(ctx, request)
	case ActionCommit:
		return s.commit(ctx, request)
	default:
		return nil, fmt.Errorf("%w: unknown approval action %q", session.ErrValidation, request.Action)
	}
}

func (s *Service) preview(ctx context.Context, request *Request) (*Response, error) {
	snapshot, err := s.registry.Status(ctx, request.WorkflowID)
	if err != nil {
		return nil, err
	}
	recommendation, rationale := s.recommend(demandGap(snapshot.Result), request.Sensitivity)
	return &Response{
		WorkflowID:     request.WorkflowID,
		Action:         ActionPreview,
		Recommendation: recommendation,
		Rationale:      rationale,
	}, nil
}

func (s *Service) commit(ctx context.Context, request *Request) (*Response, error) {
	snapshot, err := s.registry.Status(ctx, request.WorkflowID)
	if err != nil {
		return nil, err
	}
	recommendation, rationale := s.recommend(demandGap(snapshot.Result), request.Sensitivity)

	// Transition enforces the awaiting-approval precondition under the
	// per-id lock; of two concurrent commits exactly one passes.
	_, err = s.registry.Transition(ctx, request.WorkflowID, session.EventApprovalCommitted, &session.Payload{
		Result: map[string]interface{}{
			ResultKeyRecommendation: recommendation,
			ResultKeyRationale:      rationale,
			ResultKeySensitivity:    request.Sensitivity,
		},
	})
	if err != nil {
		return nil, err
	}
	if s.publisher != nil {
		s.publisher.Publish(request.WorkflowID, hub.NewMessage(hub.KindStageCompleted, request.WorkflowID, map[string]interface{}{
			"stage":          "approval",
			"recommendation": recommendation,
			"rationale":      rationale,
		}))
	}
	return &Response{
		WorkflowID:     request.WorkflowID,
		Action:         ActionCommit,
		Recommendation: recommendation,
		Rationale:      rationale,
		Committed:      true,
	}, nil
}

// recommend applies clamp(gap × sensitivity, 0, cap) rounded to the
// configured granularity and reports which branch fired.
func (s *Service) recommend(gap, sensitivity float64) (float64, string) {
	raw := gap * sensitivity
	switch {
	case raw <= 0:
		return 0, fmt.Sprintf("no demand gap (gap=%.4f, sensitivity=%.2f); floor of 0 applied", gap, sensitivity)
	case raw >= s.config.Cap:
		return s.round(s.config.Cap), fmt.Sprintf("gap %.4f × sensitivity %.2f = %.4f exceeds cap; capped at %.2f",
			gap, sensitivity, raw, s.config.Cap)
	default:
		return s.round(raw), fmt.Sprintf("gap %.4f × sensitivity %.2f = %.4f within [0, %.2f]",
			gap, sensitivity, raw, s.config.Cap)
	}
}

func (s *Service) round(value float64) float64 {
	return math.Round(value/s.config.Granularity) * s.config.Granularity
}

// demandGap extracts the allocation stage gap from the result snapshot.
func demandGap(result map[string]interface{}) float64 {
	switch v := result["demandGap"].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}
