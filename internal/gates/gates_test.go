package gates

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skein-dev/skein/internal/types"
)

func TestAutoPolicyAlwaysProceeds(t *testing.T) {
	d, err := AutoPolicy{}.EvaluateGate(context.Background(), WaveResult{StoryID: "s1", Wave: 1})
	require.NoError(t, err)
	assert.Equal(t, Proceed, d)
}

func TestConfirmPolicyHoldsUntilConfirmed(t *testing.T) {
	p := NewConfirmPolicy()
	ctx := context.Background()
	result := WaveResult{StoryID: "s1", Wave: 1, Completed: 2}

	d, err := p.EvaluateGate(ctx, result)
	require.NoError(t, err)
	assert.Equal(t, Hold, d)

	p.Confirm("s1", 1)
	d, err = p.EvaluateGate(ctx, result)
	require.NoError(t, err)
	assert.Equal(t, Proceed, d)

	// The signal was consumed: the same wave holds again
	d, err = p.EvaluateGate(ctx, result)
	require.NoError(t, err)
	assert.Equal(t, Hold, d)

	// Confirmation is scoped to a story/wave pair
	p.Confirm("s1", 1)
	d, err = p.EvaluateGate(ctx, WaveResult{StoryID: "s1", Wave: 2})
	require.NoError(t, err)
	assert.Equal(t, Hold, d)
}

func TestConfirmPolicyDeny(t *testing.T) {
	p := NewConfirmPolicy()
	p.Deny("s1", 3)

	d, err := p.EvaluateGate(context.Background(), WaveResult{StoryID: "s1", Wave: 3})
	require.NoError(t, err)
	assert.Equal(t, Abort, d)
}

func TestForMode(t *testing.T) {
	confirm := NewConfirmPolicy()

	p, err := ForMode(types.GateModeNone, nil)
	require.NoError(t, err)
	assert.IsType(t, AutoPolicy{}, p)

	p, err = ForMode(types.GateModePerStep, nil)
	require.NoError(t, err)
	assert.IsType(t, AutoPolicy{}, p)

	p, err = ForMode(types.GateModePerWave, confirm)
	require.NoError(t, err)
	assert.Equal(t, confirm, p)

	_, err = ForMode(types.GateModePerWave, nil)
	require.Error(t, err)

	_, err = ForMode("bogus", nil)
	require.Error(t, err)
}
