package pricing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestService_Markdown(t *testing.T) {
	service := New()
	method, err := service.Method("markdown")
	require.NoError(t, err)

	output := &Output{}
	err = method(context.Background(), &Input{DemandGap: 0.25, Elasticity: 1, BasePrice: 20}, output)
	require.NoError(t, err)
	assert.InDelta(t, 0.25, output.MarkdownPct, 1e-9)
	assert.InDelta(t, 15.0, output.ProjectedPrice, 1e-9)

	// markdown depth is capped at 70%
	output = &Output{}
	err = method(context.Background(), &Input{DemandGap: 0.5, Elasticity: 2, BasePrice: 10}, output)
	require.NoError(t, err)
	assert.InDelta(t, 0.7, output.MarkdownPct, 1e-9)

	// no gap, no markdown
	output = &Output{}
	err = method(context.Background(), &Input{DemandGap: 0, Elasticity: 2, BasePrice: 10}, output)
	require.NoError(t, err)
	assert.Zero(t, output.MarkdownPct)
	assert.InDelta(t, 10.0, output.ProjectedPrice, 1e-9)

	err = method(context.Background(), &Input{BasePrice: -1}, &Output{})
	assert.Error(t, err)
}
