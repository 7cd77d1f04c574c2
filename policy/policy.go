// Package policy controls whether a variance breach spawns a re-forecast
// workflow automatically or waits for an explicit human confirmation. It is
// attached to a run via context; the zero-cost default (no policy) behaves
// as ModeAuto.
package policy

import "context"

// Re-forecast trigger modes.
const (
	ModeAuto   = "auto"   // breach creates the reforecast session immediately (default)
	ModeManual = "manual" // breach only announces; a human must create the reforecast
)

// Policy represents the variance trigger settings for the current run.
type Policy struct {
	Mode string `json:"mode,omitempty" yaml:"mode,omitempty"`
}

// IsManual reports whether reforecast creation requires confirmation.
func (p *Policy) IsManual() bool {
	return p != nil && p.Mode == ModeManual
}

type policyKeyT struct{}

var policyKey policyKeyT

// WithPolicy embeds the policy in a derived context.
func WithPolicy(ctx context.Context, p *Policy) context.Context {
	if p == nil {
		return ctx
	}
	return context.WithValue(ctx, policyKey, p)
}

// FromContext extracts the policy from ctx, or nil when absent.
func FromContext(ctx context.Context) *Policy {
	if ctx == nil {
		return nil
	}
	p, _ := ctx.Value(policyKey).(*Policy)
	return p
}
