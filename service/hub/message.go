package hub

import (
	"time"

	"github.com/retailops/demandflow/internal/clock"
)

// Kind identifies a broadcast message type.
type Kind string

// Business event kinds delivered to subscribers.
const (
	KindStageStarted      Kind = "stage-started"
	KindStageProgress     Kind = "stage-progress"
	KindStageCompleted    Kind = "stage-completed"
	KindApprovalNeeded    Kind = "approval-needed"
	KindWorkflowCompleted Kind = "workflow-completed"
	KindError             Kind = "error"

	// KindConnected is the protocol-level acknowledgment delivered to a
	// subscriber before its first business event.
	KindConnected Kind = "connected"
)

// Message is the streaming event envelope.
type Message struct {
	Type       Kind        `json:"type"`
	WorkflowID string      `json:"workflowId"`
	Payload    interface{} `json:"payload,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}

// NewMessage stamps an envelope with the current time.
func NewMessage(kind Kind, workflowID string, payload interface{}) *Message {
	return &Message{
		Type:       kind,
		WorkflowID: workflowID,
		Payload:    payload,
		Timestamp:  clock.Now(),
	}
}
