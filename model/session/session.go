package session

import (
	"time"

	"github.com/retailops/demandflow/internal/clock"
)

// Kind discriminates the two workflow pipelines.
type Kind string

const (
	KindForecast   Kind = "forecast"
	KindReforecast Kind = "reforecast"
)

// Status represents the lifecycle state of a workflow session.
type Status string

const (
	StatusPending          Status = "pending"
	StatusRunning          Status = "running"
	StatusAwaitingApproval Status = "awaitingApproval"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
)

// IsTerminal reports whether no further transition can leave this status.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Stage names used by the forecast/reforecast pipelines.
const (
	StageDemand     = "demand"
	StageAllocation = "allocation"
	StagePricing    = "pricing"
)

// ParamMarkdownCheckpoint gates the pricing stage. The pricing/markdown stage
// is only planned when the parameter snapshot sets this key to true.
const ParamMarkdownCheckpoint = "markdownCheckpoint"

// Session is a single execution instance of the forecast/reforecast pipeline.
// It is owned exclusively by the registry; all mutation goes through
// registry.Transition so that per-id writes stay serialized.
type Session struct {
	ID       string `json:"id"`
	ParentID string `json:"parentId,omitempty"`
	Kind     Kind   `json:"kind"`
	Status   Status `json:"status"`
	Stage    string `json:"stage,omitempty"`

	// Progress percent in [0,100], updated on stage boundaries.
	Progress int `json:"progress"`

	// Params is the opaque parameter snapshot handed to collaborator engines.
	Params map[string]interface{} `json:"params,omitempty"`

	// Result accumulates stage outputs and the committed approval outcome.
	Result map[string]interface{} `json:"result,omitempty"`

	// RemainingPeriods is carried by reforecast sessions only.
	RemainingPeriods int `json:"remainingPeriods,omitempty"`

	Error string `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// New creates a session in StatusPending.
func New(id string, kind Kind, params map[string]interface{}) *Session {
	now := clock.Now()
	if params == nil {
		params = make(map[string]interface{})
	}
	return &Session{
		ID:        id,
		Kind:      kind,
		Status:    StatusPending,
		Params:    params,
		Result:    make(map[string]interface{}),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Stages returns the planned stage sequence for the session kind, applying
// guard conditions from the parameter snapshot. Guards are evaluated each
// time the plan is consulted, never cached.
func (s *Session) Stages() []string {
	switch s.Kind {
	case KindReforecast:
		return []string{StageDemand, StageAllocation}
	default:
		stages := []string{StageDemand, StageAllocation}
		if s.StageAllowed(StagePricing) {
			stages = append(stages, StagePricing)
		}
		return stages
	}
}

// StageAllowed evaluates the guard condition for the given stage against the
// parameter snapshot.
func (s *Session) StageAllowed(stage string) bool {
	if stage != StagePricing {
		return true
	}
	if s.Kind == KindReforecast {
		return false
	}
	enabled, _ := s.Params[ParamMarkdownCheckpoint].(bool)
	return enabled
}

// Snapshot returns a value copy with deep-copied mutable collections so
// readers never observe in-flight mutation.
func (s *Session) Snapshot() Session {
	ret := *s
	ret.Params = copyMap(s.Params)
	ret.Result = copyMap(s.Result)
	return ret
}

func copyMap(src map[string]interface{}) map[string]interface{} {
	if src == nil {
		return nil
	}
	dst := make(map[string]interface{}, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
