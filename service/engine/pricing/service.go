// Package pricing implements the markdown collaborator. It is only invoked
// when the markdown checkpoint parameter enables the pricing stage.
package pricing

import (
	"context"
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/retailops/demandflow/model/types"
)

const name = "pricing"

// markdown depth is never allowed past 70% of base price
const maxMarkdownPct = 0.7

// Service derives a markdown plan from the allocation gap.
type Service struct{}

// Input combines the allocation stage output with pricing parameters.
type Input struct {
	DemandGap  float64 `json:"demandGap"`
	Elasticity float64 `json:"elasticity"`
	BasePrice  float64 `json:"basePrice"`
}

// Output is the structured markdown result.
type Output struct {
	MarkdownPct    float64 `json:"markdownPct"`
	ProjectedPrice float64 `json:"projectedPrice"`
}

// New creates a new pricing engine.
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
			Name:        "markdown",
			Description: "Derives a markdown percentage and projected price from the demand gap.",
			Input:       reflect.TypeOf(&Input{}),
			Output:      reflect.TypeOf(&Output{}),
		},
	}
}

// Method returns the specified method.
func (s *Service) Method(name string) (types.Executable, error) {
	switch strings.ToLower(name) {
	case "markdown":
		return s.markdown, nil
	default:
		return nil, types.NewMethodNotFoundError(name)
	}
}

func (s *Service) markdown(_ context.Context, in, out interface{}) error {
	input, ok := in.(*Input)
	if !ok {
		return types.NewInvalidInputError(in)
	}
	output, ok := out.(*Output)
	if !ok {
		return types.NewInvalidOutputError(out)
	}
	if input.BasePrice < 0 {
		return fmt.Errorf("base price cannot be negative, got %v", input.BasePrice)
	}
	elasticity := input.Elasticity
	if elasticity <= 0 {
		elasticity = 1
	}

	output.MarkdownPct = math.Min(math.Max(input.DemandGap*elasticity, 0), maxMarkdownPct)
	output.MarkdownPct = math.Round(output.MarkdownPct*100) / 100
	output.ProjectedPrice = input.BasePrice * (1 - output.MarkdownPct)
	return nil
}
