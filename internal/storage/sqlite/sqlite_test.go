package sqlite

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skein-dev/skein/internal/types"
)

func newTestStore(t *testing.T) *SQLiteStorage {
	t.Helper()
	store, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestStory() *types.Story {
	return &types.Story{
		ID:             uuid.New().String(),
		Title:          "Add endpoint",
		Description:    "Add a health endpoint",
		RepoPath:       "/repo",
		Status:         types.StoryCreated,
		AutomationMode: types.ModeAssisted,
		Source:         types.SourceManual,
		GateMode:       types.GateModeNone,
		Priority:       2,
		MaxParallel:    1,
	}
}

func TestStoryRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	story := newTestStory()
	story.Context = json.RawMessage(`{"files":["main.go"]}`)
	story.Chat = []types.ChatMessage{{Role: "user", Text: "hello"}}

	require.NoError(t, store.CreateStory(ctx, story))
	assert.Equal(t, int64(1), story.Version)

	got, err := store.GetStory(ctx, story.ID)
	require.NoError(t, err)
	assert.Equal(t, story.Title, got.Title)
	assert.Equal(t, types.StoryCreated, got.Status)
	assert.JSONEq(t, `{"files":["main.go"]}`, string(got.Context))
	require.Len(t, got.Chat, 1)
	assert.Equal(t, "hello", got.Chat[0].Text)
}

func TestGetStoryNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetStory(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, types.KindNotFound, types.KindOf(err))
}

func TestSaveStoryOptimisticConflict(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	story := newTestStory()
	require.NoError(t, store.CreateStory(ctx, story))

	// Two loads of the same version
	a, err := store.GetStory(ctx, story.ID)
	require.NoError(t, err)
	b, err := store.GetStory(ctx, story.ID)
	require.NoError(t, err)

	a.Status = types.StoryAnalyzing
	require.NoError(t, store.SaveStory(ctx, a))
	assert.Equal(t, int64(2), a.Version)

	// The second save carries a stale version
	b.Status = types.StoryCancelled
	err = store.SaveStory(ctx, b)
	require.Error(t, err)
	assert.Equal(t, types.KindConflict, types.KindOf(err))

	// The first write won
	got, err := store.GetStory(ctx, story.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StoryAnalyzing, got.Status)
}

func TestListStoriesFilter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	s1 := newTestStory()
	require.NoError(t, store.CreateStory(ctx, s1))

	s2 := newTestStory()
	s2.Source = types.SourceGuardian
	s2.TriggerID = "nightly"
	require.NoError(t, store.CreateStory(ctx, s2))

	all, err := store.ListStories(ctx, types.StoryFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	guardian := types.SourceGuardian
	spawned, err := store.ListStories(ctx, types.StoryFilter{Source: &guardian})
	require.NoError(t, err)
	require.Len(t, spawned, 1)
	assert.Equal(t, "nightly", spawned[0].TriggerID)

	created := types.StoryCreated
	limited, err := store.ListStories(ctx, types.StoryFilter{Status: &created, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestStepsRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	story := newTestStory()
	require.NoError(t, store.CreateStory(ctx, story))

	steps := []*types.Step{
		{ID: uuid.New().String(), StoryID: story.ID, Order: 0, Wave: 1, Capability: "implement", Status: types.StepPending},
		{ID: uuid.New().String(), StoryID: story.ID, Order: 1, Wave: 2, Capability: "code-review", Status: types.StepPending},
	}
	require.NoError(t, store.CreateSteps(ctx, steps))

	loaded, err := store.GetSteps(ctx, story.ID)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "implement", loaded[0].Capability)
	assert.Equal(t, 2, loaded[1].Wave)

	// Story loads see the plan order
	got, err := store.GetStory(ctx, story.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{steps[0].ID, steps[1].ID}, got.StepIDs)

	// Update one step
	loaded[0].Status = types.StepCompleted
	loaded[0].Output = json.RawMessage(`{"ok":true}`)
	loaded[0].Attempts = 1
	require.NoError(t, store.SaveStep(ctx, loaded[0]))

	step, err := store.GetStep(ctx, loaded[0].ID)
	require.NoError(t, err)
	assert.Equal(t, types.StepCompleted, step.Status)
	assert.Equal(t, 1, step.Attempts)
	assert.JSONEq(t, `{"ok":true}`, string(step.Output))
}

func TestApplyPlanDeltaAtomic(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	story := newTestStory()
	require.NoError(t, store.CreateStory(ctx, story))

	original := &types.Step{ID: uuid.New().String(), StoryID: story.ID, Order: 0, Wave: 1, Capability: "implement", Status: types.StepPending}
	require.NoError(t, store.CreateSteps(ctx, []*types.Step{original}))

	added := &types.Step{ID: uuid.New().String(), StoryID: story.ID, Order: 1, Wave: 1, Capability: "test", Status: types.StepPending}

	// Removal of an unknown step fails the whole delta
	err := store.ApplyPlanDelta(ctx, story.ID, []*types.Step{added}, []string{"missing"})
	require.Error(t, err)
	assert.Equal(t, types.KindNotFound, types.KindOf(err))

	steps, err := store.GetSteps(ctx, story.ID)
	require.NoError(t, err)
	assert.Len(t, steps, 1, "failed delta must not leave the plan half-patched")

	// A valid delta applies both sides
	require.NoError(t, store.ApplyPlanDelta(ctx, story.ID, []*types.Step{added}, []string{original.ID}))
	steps, err = store.GetSteps(ctx, story.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "test", steps[0].Capability)
}

func TestDeleteStoryCascades(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	story := newTestStory()
	require.NoError(t, store.CreateStory(ctx, story))
	step := &types.Step{ID: uuid.New().String(), StoryID: story.ID, Order: 0, Wave: 1, Capability: "implement", Status: types.StepPending}
	require.NoError(t, store.CreateSteps(ctx, []*types.Step{step}))

	require.NoError(t, store.DeleteStory(ctx, story.ID))

	_, err := store.GetStep(ctx, step.ID)
	require.Error(t, err)
	assert.Equal(t, types.KindNotFound, types.KindOf(err))

	err = store.DeleteStory(ctx, story.ID)
	require.Error(t, err)
	assert.Equal(t, types.KindNotFound, types.KindOf(err))
}
