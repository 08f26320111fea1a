package orchestrator

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skein-dev/skein/internal/types"
)

func TestChatAppliesDelta(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	story, steps := h.planned(t, nil)

	// Swap the pending review step for a security audit in the same wave
	h.chat.fn = func(transcript []types.ChatMessage) (string, types.PlanDelta, error) {
		return "swapped review for a security audit", types.PlanDelta{
			StepsAdded: []types.StepDescriptor{
				{Name: "security audit", Capability: "review", Wave: 2},
			},
			StepsRemoved: []string{steps[2].ID},
		}, nil
	}

	reply, delta, err := h.orch.Chat(ctx, story.ID, "drop the review, audit security instead")
	require.NoError(t, err)
	assert.Equal(t, "swapped review for a security audit", reply)
	assert.Len(t, delta.StepsAdded, 1)

	after, err := h.orch.Steps(ctx, story.ID)
	require.NoError(t, err)
	require.Len(t, after, 3)
	assert.Equal(t, "security audit", after[2].Name)
	assert.Equal(t, 2, after[2].Wave)
	assert.Equal(t, types.StepPending, after[2].Status)
	// New steps continue the order sequence
	assert.Greater(t, after[2].Order, after[1].Order)

	loaded, err := h.orch.Get(ctx, story.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Chat, 2)
	assert.Equal(t, "user", loaded.Chat[0].Role)
	assert.Equal(t, "assistant", loaded.Chat[1].Role)
}

func TestChatRejectsRemovalOfNonPendingStep(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	story, steps := h.planned(t, &CreateOptions{AutomationMode: types.ModeAutonomous})
	_, err := h.orch.ExecuteStep(ctx, story.ID, steps[0].ID, "")
	require.NoError(t, err)

	h.chat.fn = func(transcript []types.ChatMessage) (string, types.PlanDelta, error) {
		return "removing finished work", types.PlanDelta{
			StepsRemoved: []string{steps[0].ID},
		}, nil
	}

	_, _, err = h.orch.Chat(ctx, story.ID, "undo the first step")
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindInvalidState))

	// The whole delta is discarded; the plan is untouched
	after, err := h.orch.Steps(ctx, story.ID)
	require.NoError(t, err)
	assert.Len(t, after, 3)
	done, err := h.store.GetStep(ctx, steps[0].ID)
	require.NoError(t, err)
	assert.Equal(t, types.StepCompleted, done.Status)
}

func TestChatRejectsAdditionsBeforeLastWave(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	story, _ := h.planned(t, nil)

	h.chat.fn = func(transcript []types.ChatMessage) (string, types.PlanDelta, error) {
		return "sneaking one in early", types.PlanDelta{
			StepsAdded: []types.StepDescriptor{
				{Name: "too early", Capability: "code", Wave: 1},
			},
		}, nil
	}

	_, _, err := h.orch.Chat(ctx, story.ID, "add a step to wave 1")
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindInvalidPlan))

	after, err := h.orch.Steps(ctx, story.ID)
	require.NoError(t, err)
	assert.Len(t, after, 3)
}

func TestChatDuringExecutionReturnsToPlanned(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	story, steps := h.planned(t, &CreateOptions{AutomationMode: types.ModeAutonomous})
	_, err := h.orch.ExecuteStep(ctx, story.ID, steps[0].ID, "")
	require.NoError(t, err)

	h.chat.fn = func(transcript []types.ChatMessage) (string, types.PlanDelta, error) {
		return "added a docs pass", types.PlanDelta{
			StepsAdded: []types.StepDescriptor{
				{Name: "update docs", Capability: "code", Wave: 3},
			},
		}, nil
	}

	_, _, err = h.orch.Chat(ctx, story.ID, "also update the docs")
	require.NoError(t, err)

	loaded, err := h.orch.Get(ctx, story.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StoryPlanned, loaded.Status)

	after, err := h.orch.Steps(ctx, story.ID)
	require.NoError(t, err)
	assert.Len(t, after, 4)
}

func TestChatWithoutDeltaLeavesPlanAlone(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	story, _ := h.planned(t, nil)

	reply, delta, err := h.orch.Chat(ctx, story.ID, "what's the plan?")
	require.NoError(t, err)
	assert.Equal(t, "no changes", reply)
	assert.True(t, delta.IsEmpty())

	loaded, err := h.orch.Get(ctx, story.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StoryPlanned, loaded.Status)
	assert.Len(t, loaded.Chat, 2)
}

func TestChatPlannerFailure(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	story, _ := h.planned(t, nil)

	h.chat.fn = func(transcript []types.ChatMessage) (string, types.PlanDelta, error) {
		return "", types.PlanDelta{}, fmt.Errorf("model overloaded")
	}

	_, _, err := h.orch.Chat(ctx, story.ID, "hello?")
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindUnavailable))
}

func TestChatRequiresPlan(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	story, err := h.orch.Create(ctx, "No plan yet", "", "/repo", nil)
	require.NoError(t, err)

	_, _, err = h.orch.Chat(ctx, story.ID, "change the plan")
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindInvalidState))
}

func TestChatUnavailableWithoutPlanner(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.ChatPlanner = nil
	})

	story, _ := h.planned(t, nil)
	_, _, err := h.orch.Chat(context.Background(), story.ID, "hi")
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindUnavailable))
}
