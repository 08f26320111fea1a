package orchestrator

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skein-dev/skein/internal/types"
)

// awaiting drives one step of an assisted story to needs_approval
func (h *harness) awaiting(t *testing.T) (*types.Story, []*types.Step) {
	t.Helper()
	ctx := context.Background()

	story, steps := h.planned(t, &CreateOptions{AutomationMode: types.ModeAssisted})
	_, err := h.orch.ExecuteStep(ctx, story.ID, steps[0].ID, "")
	require.NoError(t, err)
	return story, steps
}

func TestApproveCompletesStep(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	story, steps := h.awaiting(t)

	approved, err := h.orch.Approve(ctx, story.ID, steps[0].ID)
	require.NoError(t, err)
	assert.Equal(t, types.StepCompleted, approved.Status)
	assert.Equal(t, types.VerdictApproved, approved.Verdict)
	assert.False(t, approved.NeedsRework)

	// Approving twice is an invalid state, not a no-op
	_, err = h.orch.Approve(ctx, story.ID, steps[0].ID)
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindInvalidState))
}

func TestApproveRequiresAwaitingStep(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	story, steps := h.planned(t, &CreateOptions{AutomationMode: types.ModeAssisted})

	_, err := h.orch.Approve(ctx, story.ID, steps[0].ID)
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindInvalidState))
}

func TestRejectSendsStepBackForRework(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	story, steps := h.awaiting(t)

	rejected, err := h.orch.Reject(ctx, story.ID, steps[0].ID, "missing error handling")
	require.NoError(t, err)
	assert.Equal(t, types.StepPending, rejected.Status)
	assert.Equal(t, types.VerdictRejected, rejected.Verdict)
	assert.Equal(t, "missing error handling", rejected.Feedback)
	assert.True(t, rejected.NeedsRework)
	assert.Nil(t, rejected.Output)
	assert.JSONEq(t, `{"result":"ok"}`, string(rejected.PreviousOutput))
	// Rejection itself doesn't consume an attempt
	assert.Equal(t, 1, rejected.Attempts)

	// Re-execution consumes a second attempt and clears the verdict
	redone, err := h.orch.ExecuteStep(ctx, story.ID, steps[0].ID, "")
	require.NoError(t, err)
	assert.Equal(t, types.StepNeedsApproval, redone.Status)
	assert.Equal(t, 2, redone.Attempts)
	assert.Equal(t, types.VerdictNone, redone.Verdict)
	assert.NotNil(t, redone.Output)
}

func TestSkipCountsAsDone(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	story, steps := h.awaiting(t)

	skipped, err := h.orch.Skip(ctx, story.ID, steps[0].ID, "obsoleted by step 2")
	require.NoError(t, err)
	assert.Equal(t, types.StepSkipped, skipped.Status)
	assert.Equal(t, "obsoleted by step 2", skipped.Feedback)

	// Finish and approve the sibling; the wave then advances
	_, err = h.orch.ExecuteStep(ctx, story.ID, steps[1].ID, "")
	require.NoError(t, err)
	_, err = h.orch.Approve(ctx, story.ID, steps[1].ID)
	require.NoError(t, err)

	loaded, err := h.orch.Get(ctx, story.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.CurrentWave)
}

func TestConcurrentApprovalsSameStory(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	story, steps := h.planned(t, &CreateOptions{AutomationMode: types.ModeAssisted})
	_, err := h.orch.ExecuteStep(ctx, story.ID, steps[0].ID, "")
	require.NoError(t, err)
	_, err = h.orch.ExecuteStep(ctx, story.ID, steps[1].ID, "")
	require.NoError(t, err)

	// Simultaneous approvals of sibling wave-1 steps: the per-story lock
	// serializes the writes so neither transition is lost
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.orch.Approve(ctx, story.ID, steps[i].ID)
		}(i)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	loaded, err := h.orch.Get(ctx, story.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.CurrentWave)
	for i := 0; i < 2; i++ {
		step, err := h.store.GetStep(ctx, steps[i].ID)
		require.NoError(t, err)
		assert.Equal(t, types.StepCompleted, step.Status)
	}
}

func TestCompleteReportsBlockingSteps(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	story, steps := h.planned(t, &CreateOptions{AutomationMode: types.ModeAutonomous})
	_, err := h.orch.ExecuteStep(ctx, story.ID, steps[0].ID, "")
	require.NoError(t, err)

	_, err = h.orch.Complete(ctx, story.ID)
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindIncompleteSteps))

	var typed *types.Error
	require.ErrorAs(t, err, &typed)
	assert.ElementsMatch(t, []string{steps[1].ID, steps[2].ID}, typed.BlockingSteps)
}

func TestCompleteRequiresExecutingStory(t *testing.T) {
	h := newHarness(t, nil)

	story, _ := h.planned(t, nil)
	_, err := h.orch.Complete(context.Background(), story.ID)
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindInvalidState))
}

func TestCancelFromAnyNonTerminalState(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	story, err := h.orch.Create(ctx, "Cancel me", "", "/repo", nil)
	require.NoError(t, err)

	cancelled, err := h.orch.Cancel(ctx, story.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StoryCancelled, cancelled.Status)

	_, err = h.orch.Cancel(ctx, story.ID)
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindInvalidState))
}

func TestPerWaveGateHoldsUntilConfirmed(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	story, steps := h.planned(t, &CreateOptions{
		AutomationMode: types.ModeAutonomous,
		GateMode:       types.GateModePerWave,
	})

	_, err := h.orch.ExecuteStep(ctx, story.ID, steps[0].ID, "")
	require.NoError(t, err)
	_, err = h.orch.ExecuteStep(ctx, story.ID, steps[1].ID, "")
	require.NoError(t, err)

	// Wave 1 is done but the gate holds
	loaded, err := h.orch.Get(ctx, story.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.CurrentWave)
	assert.Equal(t, types.GateResultHold, loaded.LastGateResult)

	// Wave-2 work stays blocked while held
	_, err = h.orch.ExecuteStep(ctx, story.ID, steps[2].ID, "")
	require.Error(t, err)

	confirmed, err := h.orch.ConfirmWave(ctx, story.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, confirmed.CurrentWave)
	assert.Equal(t, types.GateResultProceed, confirmed.LastGateResult)

	_, err = h.orch.ExecuteStep(ctx, story.ID, steps[2].ID, "")
	require.NoError(t, err)
}

func TestDenyWaveFailsStory(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	story, steps := h.planned(t, &CreateOptions{
		AutomationMode: types.ModeAutonomous,
		GateMode:       types.GateModePerWave,
	})

	_, err := h.orch.ExecuteStep(ctx, story.ID, steps[0].ID, "")
	require.NoError(t, err)
	_, err = h.orch.ExecuteStep(ctx, story.ID, steps[1].ID, "")
	require.NoError(t, err)

	denied, err := h.orch.DenyWave(ctx, story.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, types.StoryFailed, denied.Status)
	assert.Equal(t, types.GateResultAbort, denied.LastGateResult)
}

func TestConfirmWaveRequiresMatchingWave(t *testing.T) {
	h := newHarness(t, nil)

	story, _ := h.planned(t, &CreateOptions{
		AutomationMode: types.ModeAutonomous,
		GateMode:       types.GateModePerWave,
	})

	_, err := h.orch.ConfirmWave(context.Background(), story.ID, 3)
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindInvalidState))
}
