package session

import (
	"errors"
	"fmt"

	"github.com/retailops/demandflow/internal/clock"
)

// Event is a state machine input applied via registry.Transition.
type Event string

const (
	EventStart             Event = "start"
	EventStageComplete     Event = "stageComplete"
	EventRequireApproval   Event = "requireApproval"
	EventApprovalCommitted Event = "approvalCommitted"
	EventFail              Event = "fail"
	EventComplete          Event = "complete"
)

// Sentinel errors shared by every component that touches session state.
var (
	// ErrNotFound is returned when the requested workflow, subscriber or
	// approval target does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition indicates a state machine rule violation. The
	// session is guaranteed to be unchanged when this error is returned.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrValidation indicates malformed input, e.g. an out-of-range knob
	// value or a zero forecast denominator.
	ErrValidation = errors.New("validation failure")
)

// transitions is the complete edge table. Absent edges are invalid.
var transitions = map[Status]map[Event]Status{
	StatusPending: {
		EventStart: StatusRunning,
		EventFail:  StatusFailed,
	},
	StatusRunning: {
		EventStageComplete:   StatusRunning,
		EventRequireApproval: StatusAwaitingApproval,
		EventComplete:        StatusCompleted,
		EventFail:            StatusFailed,
	},
	StatusAwaitingApproval: {
		EventApprovalCommitted: StatusRunning,
		EventFail:              StatusFailed,
	},
}

// Next resolves the successor status for (current, event) without mutating
// anything. It returns ErrInvalidTransition when no such edge exists.
func Next(current Status, event Event) (Status, error) {
	if edges, ok := transitions[current]; ok {
		if next, ok := edges[event]; ok {
			return next, nil
		}
	}
	return current, fmt.Errorf("%w: %s does not accept %s", ErrInvalidTransition, current, event)
}

// Payload carries optional transition side data. All fields are optional;
// zero values leave the corresponding session field untouched.
type Payload struct {
	Stage    string
	Progress int
	Result   map[string]interface{}
	Error    string
}

// Apply validates and performs a transition in place. On error the session is
// left untouched; there is no partial mutation.
func (s *Session) Apply(event Event, payload *Payload) (Status, error) {
	next, err := Next(s.Status, event)
	if err != nil {
		return s.Status, err
	}
	if payload != nil && payload.Stage != "" && !s.StageAllowed(payload.Stage) {
		return s.Status, fmt.Errorf("%w: stage %s not enabled by parameter snapshot", ErrInvalidTransition, payload.Stage)
	}

	now := clock.Now()
	s.Status = next
	s.UpdatedAt = now
	switch event {
	case EventStart:
		s.StartedAt = &now
	case EventComplete:
		s.Progress = 100
		s.CompletedAt = &now
	case EventFail:
		s.CompletedAt = &now
	}
	if payload == nil {
		return next, nil
	}
	if payload.Stage != "" {
		s.Stage = payload.Stage
	}
	if payload.Progress > 0 {
		s.Progress = min(payload.Progress, 100)
	}
	if payload.Error != "" {
		s.Error = payload.Error
	}
	for k, v := range payload.Result {
		if s.Result == nil {
			s.Result = make(map[string]interface{})
		}
		s.Result[k] = v
	}
	return next, nil
}
