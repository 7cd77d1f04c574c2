// Package variance ingests actual sales quantities, compares them against
// the cumulative forecast and spawns a re-forecast workflow when the
// deviation breaches the threshold. Ingestion is idempotent per
// (workflow, period), which bounds reforecast creation to at most one per
// exceeding record.
package variance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/retailops/demandflow/internal/clock"
	"github.com/retailops/demandflow/model/session"
	"github.com/retailops/demandflow/policy"
	"github.com/retailops/demandflow/service/dao"
	"github.com/retailops/demandflow/service/hub"
	"github.com/retailops/demandflow/service/registry"
)

// Registry is the subset of the workflow registry the monitor needs.
type Registry interface {
	Status(ctx context.Context, id string) (session.Session, error)
	Create(ctx context.Context, kind session.Kind, params map[string]interface{}, options ...registry.Option) (session.Session, error)
}

// Publisher announces variance outcomes on the parent workflow stream.
type Publisher interface {
	Publish(workflowID string, msg *hub.Message)
}

// Config tunes the breach threshold.
type Config struct {
	// Threshold is the variance ratio above which a re-forecast is
	// triggered.
	Threshold float64
}

// DefaultConfig returns the production threshold.
func DefaultConfig() Config {
	return Config{Threshold: 0.20}
}

// Service is the variance monitor.
type Service struct {
	config    Config
	store     dao.Service[string, Record]
	registry  Registry
	publisher Publisher

	// serializes duplicate check + persist per ingestion call
	mu sync.Mutex
}

// New creates a variance monitor backed by the supplied record store.
func New(store dao.Service[string, Record], reg Registry, publisher Publisher, config Config) *Service {
	if config.Threshold <= 0 {
		config.Threshold = DefaultConfig().Threshold
	}
	return &Service{config: config, store: store, registry: reg, publisher: publisher}
}

// Ingest records actual quantities for one period of a workflow. Periods
// must arrive in order: the cumulative actual over 1..period is only defined
// once every earlier period has a record, so ingesting period N before N-1
// is a validation failure. When the cumulative variance exceeds the
// threshold it creates a reforecast session carrying the parent's parameter
// snapshot plus the remaining period count, unless the run policy demands
// manual confirmation.
func (s *Service) Ingest(ctx context.Context, workflowID string, period int, actualQty float64) (*Record, error) {
	if workflowID == "" {
		return nil, fmt.Errorf("%w: empty workflow id", session.ErrValidation)
	}
	if period < 1 {
		return nil, fmt.Errorf("%w: period index must be >= 1, got %d", session.ErrValidation, period)
	}
	if actualQty < 0 {
		return nil, fmt.Errorf("%w: negative actual quantity %v", session.ErrValidation, actualQty)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := RecordID(workflowID, period)
	if _, err := s.store.Load(ctx, id); err == nil {
		return nil, fmt.Errorf("%w: actuals for workflow %s period %d already ingested",
			session.ErrValidation, workflowID, period)
	} else if !errors.Is(err, dao.ErrNotFound) {
		return nil, err
	}

	snapshot, err := s.registry.Status(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	series := forecastSeries(snapshot.Result)
	if len(series) == 0 {
		return nil, fmt.Errorf("%w: workflow %s has no forecast series", session.ErrValidation, workflowID)
	}
	if period > len(series) {
		return nil, fmt.Errorf("%w: period %d beyond forecast horizon %d", session.ErrValidation, period, len(series))
	}

	var cumulativeForecast float64
	for _, qty := range series[:period] {
		cumulativeForecast += qty
	}
	if cumulativeForecast == 0 {
		return nil, fmt.Errorf("%w: cumulative forecast is zero through period %d", session.ErrValidation, period)
	}
	prior, err := s.Records(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	var cumulativeActual float64
	ingested := make(map[int]bool, len(prior))
	for _, rec := range prior {
		if rec.Period < period {
			cumulativeActual += rec.ActualQty
			ingested[rec.Period] = true
		}
	}
	for p := 1; p < period; p++ {
		if !ingested[p] {
			return nil, fmt.Errorf("%w: period %d cannot be ingested before period %d",
				session.ErrValidation, period, p)
		}
	}
	cumulativeActual += actualQty

	variancePct := math.Abs(cumulativeActual-cumulativeForecast) / cumulativeForecast
	record := &Record{
		ID:                 id,
		WorkflowID:         workflowID,
		Period:             period,
		ActualQty:          actualQty,
		CumulativeForecast: cumulativeForecast,
		CumulativeActual:   cumulativeActual,
		VariancePct:        variancePct,
		ThresholdExceeded:  variancePct > s.config.Threshold,
		CreatedAt:          clock.Now(),
	}
	if err = s.store.Save(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to persist variance record %s: %w", id, err)
	}
	if !record.ThresholdExceeded {
		return record, nil
	}
	return s.triggerReforecast(ctx, &snapshot, record, len(series)-period)
}

// Records returns all variance records of a workflow.
func (s *Service) Records(ctx context.Context, workflowID string) ([]*Record, error) {
	all, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Record, 0, len(all))
	for _, record := range all {
		if record.WorkflowID == workflowID {
			out = append(out, record)
		}
	}
	return out, nil
}

func (s *Service) triggerReforecast(ctx context.Context, parent *session.Session, record *Record, remainingPeriods int) (*Record, error) {
	if policy.FromContext(ctx).IsManual() {
		if s.publisher != nil {
			s.publisher.Publish(parent.ID, hub.NewMessage(hub.KindApprovalNeeded, parent.ID, map[string]interface{}{
				"reason":      "variance threshold exceeded, reforecast awaiting confirmation",
				"period":      record.Period,
				"variancePct": record.VariancePct,
			}))
		}
		return record, nil
	}

	child, err := s.registry.Create(ctx, session.KindReforecast, parent.Params,
		registry.WithParent(parent.ID),
		registry.WithRemainingPeriods(remainingPeriods))
	if err != nil {
		return nil, fmt.Errorf("failed to create reforecast for %s: %w", parent.ID, err)
	}
	record.ReforecastID = child.ID
	if err = s.store.Save(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to persist variance record %s: %w", record.ID, err)
	}
	if s.publisher != nil {
		s.publisher.Publish(parent.ID, hub.NewMessage(hub.KindWorkflowCompleted, parent.ID, map[string]interface{}{
			"reforecastTriggered": true,
			"reforecastId":        child.ID,
			"period":              record.Period,
			"variancePct":         record.VariancePct,
			"remainingPeriods":    remainingPeriods,
		}))
	}
	return record, nil
}

// forecastSeries extracts the per-period forecast from a result snapshot,
// tolerating the []interface{} shape produced by a JSON round trip.
func forecastSeries(result map[string]interface{}) []float64 {
	switch v := result["forecastByPeriod"].(type) {
	case []float64:
		return v
	case []interface{}:
		out := make([]float64, 0, len(v))
		for _, item := range v {
			switch qty := item.(type) {
			case float64:
				out = append(out, qty)
			case int:
				out = append(out, float64(qty))
			}
		}
		return out
	default:
		return nil
	}
}
