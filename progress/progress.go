// Package progress tracks stage completion counters for a single workflow
// run. The orchestrator updates the tracker on stage boundaries and the
// resulting percentage feeds both the session snapshot and the
// stage-progress broadcast events.
package progress

import (
	"sync"
	"time"

	"github.com/retailops/demandflow/internal/clock"
)

// Progress keeps aggregated stage counters for one workflow. Safe for
// concurrent use.
type Progress struct {
	WorkflowID string
	StartedAt  time.Time

	TotalStages     int
	CompletedStages int
	FailedStages    int

	mu       sync.Mutex
	onChange func(Progress)
}

// New creates a tracker for a workflow with the given stage count.
func New(workflowID string, totalStages int, onChange func(Progress)) *Progress {
	return &Progress{
		WorkflowID:  workflowID,
		StartedAt:   clock.Now(),
		TotalStages: totalStages,
		onChange:    onChange,
	}
}

// StageCompleted records a finished stage and fires the onChange callback
// with a copy of the tracker outside the critical section.
func (p *Progress) StageCompleted() {
	p.update(func() { p.CompletedStages++ })
}

// StageFailed records a failed stage.
func (p *Progress) StageFailed() {
	p.update(func() { p.FailedStages++ })
}

func (p *Progress) update(apply func()) {
	if p == nil {
		return
	}
	p.mu.Lock()
	apply()
	snapshot := p.snapshotLocked()
	cb := p.onChange
	p.mu.Unlock()
	if cb != nil {
		cb(snapshot)
	}
}

// Percent returns completion as a value in [0,100].
func (p *Progress) Percent() int {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.TotalStages == 0 {
		return 0
	}
	pct := p.CompletedStages * 100 / p.TotalStages
	if pct > 100 {
		pct = 100
	}
	return pct
}

// Snapshot returns a copy suitable for read-only inspection.
func (p *Progress) Snapshot() Progress {
	if p == nil {
		return Progress{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

func (p *Progress) snapshotLocked() Progress {
	return Progress{
		WorkflowID:      p.WorkflowID,
		StartedAt:       p.StartedAt,
		TotalStages:     p.TotalStages,
		CompletedStages: p.CompletedStages,
		FailedStages:    p.FailedStages,
	}
}
