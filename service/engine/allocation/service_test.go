package allocation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestService_Plan(t *testing.T) {
	service := New()
	method, err := service.Method("plan")
	require.NoError(t, err)

	testCases := []struct {
		description string
		input       Input
		expectUnits float64
		expectGap   float64
	}{
		{
			description: "supply shortfall yields a proportional gap",
			input:       Input{TotalForecast: 4000, SupplyUnits: 3000, StoreCount: 10},
			expectUnits: 400,
			expectGap:   0.25,
		},
		{
			description: "ample supply leaves no gap",
			input:       Input{TotalForecast: 1000, SupplyUnits: 5000, StoreCount: 4},
			expectUnits: 250,
			expectGap:   0,
		},
		{
			description: "safety stock inflates the buffered demand",
			input:       Input{TotalForecast: 1000, SupplyUnits: 1000, StoreCount: 1, SafetyStockPct: 0.25},
			expectUnits: 1250,
			expectGap:   0.2,
		},
	}
	for _, testCase := range testCases {
		output := &Output{}
		err = method(context.Background(), &testCase.input, output)
		require.NoError(t, err, testCase.description)
		assert.InDelta(t, testCase.expectUnits, output.UnitsPerStore, 1e-9, testCase.description)
		assert.InDelta(t, testCase.expectGap, output.DemandGap, 1e-9, testCase.description)
	}

	err = method(context.Background(), &Input{TotalForecast: 0}, &Output{})
	assert.Error(t, err)
}
