// Package allocation implements the allocation collaborator: it spreads the
// forecast over stores and quantifies the gap between forecast demand and
// available supply.
package allocation

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/retailops/demandflow/model/types"
)

const name = "allocation"

// Service plans store allocation from a completed forecast.
type Service struct{}

// Input combines the demand stage output with allocation parameters.
type Input struct {
	TotalForecast  float64 `json:"totalForecast"`
	SupplyUnits    float64 `json:"supplyUnits"`
	StoreCount     int     `json:"storeCount"`
	SafetyStockPct float64 `json:"safetyStockPct"`
}

// Output is the structured allocation result.
type Output struct {
	UnitsPerStore float64 `json:"unitsPerStore"`
	DemandGap     float64 `json:"demandGap"`
}

// New creates a new allocation engine.
func New() *Service {
	return &Service{}
}

// Name returns the service name.
func (s *Service) Name() string {
	return name
}

// Methods returns the service methods.
func (s *Service) Methods() types.Signatures {
	return []types.Signature{
		{
			Name:        "plan",
			Description: "Plans per-store allocation and computes the demand/supply gap.",
			Input:       reflect.TypeOf(&Input{}),
			Output:      reflect.TypeOf(&Output{}),
		},
	}
}

// Method returns the specified method.
func (s *Service) Method(name string) (types.Executable, error) {
	switch strings.ToLower(name) {
	case "plan":
		return s.plan, nil
	default:
		return nil, types.NewMethodNotFoundError(name)
	}
}

func (s *Service) plan(_ context.Context, in, out interface{}) error {
	input, ok := in.(*Input)
	if !ok {
		return types.NewInvalidInputError(in)
	}
	output, ok := out.(*Output)
	if !ok {
		return types.NewInvalidOutputError(out)
	}
	if input.TotalForecast <= 0 {
		return fmt.Errorf("total forecast must be positive, got %v", input.TotalForecast)
	}
	stores := input.StoreCount
	if stores <= 0 {
		stores = 1
	}

	buffered := input.TotalForecast * (1 + input.SafetyStockPct)
	output.UnitsPerStore = buffered / float64(stores)
	if input.SupplyUnits > 0 && input.SupplyUnits < buffered {
		output.DemandGap = (buffered - input.SupplyUnits) / buffered
	}
	return nil
}
