// Package demand implements the forecasting collaborator. The built-in
// implementation is deterministic so pipelines can run end-to-end without an
// external model; applications replace it by registering their own engine
// under the same name.
package demand

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/retailops/demandflow/model/types"
)

const name = "demand"

// Service generates per-period demand forecasts.
type Service struct{}

// Input is the forecast request derived from the parameter snapshot.
type Input struct {
	Category    string    `json:"category,omitempty"`
	Periods     int       `json:"periods"`
	Baseline    float64   `json:"baseline"`
	Seasonality []float64 `json:"seasonality,omitempty"`
}

// Output is the structured forecast result.
type Output struct {
	ForecastByPeriod []float64 `json:"forecastByPeriod"`
	TotalForecast    float64   `json:"totalForecast"`
}

// New creates a new demand engine.
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
			Name:        "generate",
			Description: "Generates a per-period demand forecast from the parameter snapshot.",
			Input:       reflect.TypeOf(&Input{}),
			Output:      reflect.TypeOf(&Output{}),
		},
	}
}

// Method returns the specified method.
func (s *Service) Method(name string) (types.Executable, error) {
	switch strings.ToLower(name) {
	case "generate":
		return s.generate, nil
	default:
		return nil, types.NewMethodNotFoundError(name)
	}
}

func (s *Service) generate(_ context.Context, in, out interface{}) error {
	input, ok := in.(*Input)
	if !ok {
		return types.NewInvalidInputError(in)
	}
	output, ok := out.(*Output)
	if !ok {
		return types.NewInvalidOutputError(out)
	}
	if input.Periods <= 0 {
		return fmt.Errorf("periods must be positive, got %d", input.Periods)
	}
	if input.Baseline < 0 {
		return fmt.Errorf("baseline cannot be negative, got %v", input.Baseline)
	}

	output.ForecastByPeriod = make([]float64, input.Periods)
	for i := 0; i < input.Periods; i++ {
		factor := 1.0
		if i < len(input.Seasonality) && input.Seasonality[i] > 0 {
			factor = input.Seasonality[i]
		}
		output.ForecastByPeriod[i] = input.Baseline * factor
		output.TotalForecast += output.ForecastByPeriod[i]
	}
	return nil
}
