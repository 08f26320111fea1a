package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skein-dev/skein/internal/router"
	"github.com/skein-dev/skein/internal/types"
)

func TestExecuteStepAutonomousCompletesAndAdvances(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	story, steps := h.planned(t, &CreateOptions{AutomationMode: types.ModeAutonomous})

	// First wave-1 step: completes, but the wave isn't done yet
	done, err := h.orch.ExecuteStep(ctx, story.ID, steps[0].ID, "")
	require.NoError(t, err)
	assert.Equal(t, types.StepCompleted, done.Status)
	assert.Equal(t, "agent-1", done.AgentID)
	assert.Equal(t, 1, done.Attempts)
	assert.JSONEq(t, `{"result":"ok"}`, string(done.Output))

	loaded, err := h.orch.Get(ctx, story.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StoryExecuting, loaded.Status)
	assert.Equal(t, 1, loaded.CurrentWave)

	// Second wave-1 step finishes the wave; the gate auto-proceeds
	_, err = h.orch.ExecuteStep(ctx, story.ID, steps[1].ID, "")
	require.NoError(t, err)

	loaded, err = h.orch.Get(ctx, story.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.CurrentWave)
	assert.Equal(t, types.GateResultProceed, loaded.LastGateResult)

	// Finish wave 2 and complete the story
	_, err = h.orch.ExecuteStep(ctx, story.ID, steps[2].ID, "")
	require.NoError(t, err)

	completed, err := h.orch.Complete(ctx, story.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StoryCompleted, completed.Status)
	require.NotNil(t, completed.CompletedAt)
}

func TestExecuteStepAssistedNeedsApproval(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	story, steps := h.planned(t, &CreateOptions{AutomationMode: types.ModeAssisted})

	done, err := h.orch.ExecuteStep(ctx, story.ID, steps[0].ID, "")
	require.NoError(t, err)
	assert.Equal(t, types.StepNeedsApproval, done.Status)
	assert.Equal(t, types.VerdictNone, done.Verdict)
	assert.NotNil(t, done.Output)

	// Awaiting approval blocks the wave
	loaded, err := h.orch.Get(ctx, story.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.CurrentWave)

	// A step awaiting approval cannot be re-executed
	_, err = h.orch.ExecuteStep(ctx, story.ID, steps[0].ID, "")
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindInvalidState))
}

func TestExecuteStepRejectsFutureWave(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	story, steps := h.planned(t, &CreateOptions{AutomationMode: types.ModeAutonomous})

	// steps[2] is wave 2; the story is on wave 1
	_, err := h.orch.ExecuteStep(ctx, story.ID, steps[2].ID, "")
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindInvalidState))

	var typed *types.Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, 1, typed.CurrentWave)
	assert.ElementsMatch(t, []string{steps[0].ID, steps[1].ID}, typed.BlockingSteps)
}

func TestExecuteStepOverride(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	special := &stubExecutor{output: json.RawMessage(`{"by":"special"}`)}
	require.NoError(t, h.registry.Register(router.Registration{
		ID:           "special",
		Capabilities: []string{"code"},
		Priority:     99, // Would never win routing
		Enabled:      true,
	}, special))

	story, steps := h.planned(t, &CreateOptions{AutomationMode: types.ModeAutonomous})

	done, err := h.orch.ExecuteStep(ctx, story.ID, steps[0].ID, "special")
	require.NoError(t, err)
	assert.Equal(t, "special", done.AgentID)
	assert.JSONEq(t, `{"by":"special"}`, string(done.Output))
	assert.Equal(t, int64(1), special.calls.Load())

	// Unknown override fails before touching the step
	_, err = h.orch.ExecuteStep(ctx, story.ID, steps[1].ID, "missing")
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindUnavailable))

	step, err := h.store.GetStep(ctx, steps[1].ID)
	require.NoError(t, err)
	assert.Equal(t, types.StepPending, step.Status)
	assert.Equal(t, 0, step.Attempts)
}

func TestExecuteStepNoCapableExecutor(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.planner.descriptors = []types.StepDescriptor{
		{Name: "deploy", Capability: "deploy", Wave: 1},
	}
	story, steps := h.planned(t, &CreateOptions{AutomationMode: types.ModeAutonomous})

	_, err := h.orch.ExecuteStep(ctx, story.ID, steps[0].ID, "")
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindUnavailable))
}

func TestRetryBudgetFailsStory(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.MaxStepAttempts = 2
	})
	ctx := context.Background()

	h.executor.err = fmt.Errorf("agent crashed")
	story, steps := h.planned(t, &CreateOptions{AutomationMode: types.ModeAutonomous})

	// First failure consumes one attempt; the story keeps going
	_, err := h.orch.ExecuteStep(ctx, story.ID, steps[0].ID, "")
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindExecutionFailed))

	step, err := h.store.GetStep(ctx, steps[0].ID)
	require.NoError(t, err)
	assert.Equal(t, types.StepFailed, step.Status)
	assert.Equal(t, 1, step.Attempts)
	assert.Contains(t, step.Error, "agent crashed")

	loaded, err := h.orch.Get(ctx, story.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StoryExecuting, loaded.Status)

	// Second failure exhausts the budget and fails the story
	_, err = h.orch.ExecuteStep(ctx, story.ID, steps[0].ID, "")
	require.Error(t, err)

	loaded, err = h.orch.Get(ctx, story.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StoryFailed, loaded.Status)

	// No further execution once the story is terminal
	_, err = h.orch.ExecuteStep(ctx, story.ID, steps[1].ID, "")
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindInvalidState))
}

func TestExecuteWaveRunsWholeWaveConcurrently(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	var inFlight, peak atomic.Int64
	slow := &trackingExecutor{inFlight: &inFlight, peak: &peak}
	require.NoError(t, h.registry.Register(router.Registration{
		ID:           "tracker",
		Capabilities: []string{"code", "review"},
		Priority:     -1, // Outranks the default harness agent
		Enabled:      true,
	}, slow))

	story, _ := h.planned(t, &CreateOptions{
		AutomationMode: types.ModeAutonomous,
		MaxParallel:    2,
	})

	results, err := h.orch.ExecuteWave(ctx, story.ID)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, s := range results {
		assert.Equal(t, types.StepCompleted, s.Status)
	}
	assert.LessOrEqual(t, peak.Load(), int64(2))

	loaded, err := h.orch.Get(ctx, story.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.CurrentWave)
}

func TestExecuteWaveNothingPending(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	story, steps := h.planned(t, &CreateOptions{AutomationMode: types.ModeAutonomous})
	_, err := h.orch.ExecuteStep(ctx, story.ID, steps[0].ID, "")
	require.NoError(t, err)
	_, err = h.orch.ExecuteStep(ctx, story.ID, steps[1].ID, "")
	require.NoError(t, err)
	_, err = h.orch.ExecuteStep(ctx, story.ID, steps[2].ID, "")
	require.NoError(t, err)

	_, err = h.orch.ExecuteWave(ctx, story.ID)
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindInvalidState))
}

func TestCancelStoryInterruptsRunningStep(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.executor.blockCh = make(chan struct{})
	story, steps := h.planned(t, &CreateOptions{AutomationMode: types.ModeAutonomous})

	execDone := make(chan error, 1)
	go func() {
		_, err := h.orch.ExecuteStep(ctx, story.ID, steps[0].ID, "")
		execDone <- err
	}()

	// Wait for the executor to actually be in flight
	require.Eventually(t, func() bool {
		return h.executor.calls.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancelled, err := h.orch.Cancel(ctx, story.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StoryCancelled, cancelled.Status)

	select {
	case execErr := <-execDone:
		require.Error(t, execErr)
		assert.True(t, types.IsKind(execErr, types.KindCancelled))
	case <-time.After(2 * time.Second):
		t.Fatal("execution did not unwind after cancellation")
	}

	step, err := h.store.GetStep(ctx, steps[0].ID)
	require.NoError(t, err)
	assert.Equal(t, types.StepFailed, step.Status)
}

func TestConcurrentStepExecutionsSameStory(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	story, steps := h.planned(t, &CreateOptions{AutomationMode: types.ModeAutonomous})

	// Both wave-1 steps executed in parallel; the per-story lock keeps
	// story writes serialized so neither call sees a version conflict
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.orch.ExecuteStep(ctx, story.ID, steps[i].ID, "")
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	loaded, err := h.orch.Get(ctx, story.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.CurrentWave)
}

// trackingExecutor records peak concurrent executions
type trackingExecutor struct {
	inFlight *atomic.Int64
	peak     *atomic.Int64
}

func (e *trackingExecutor) Execute(ctx context.Context, input, storyContext json.RawMessage) (json.RawMessage, error) {
	n := e.inFlight.Add(1)
	defer e.inFlight.Add(-1)
	for {
		p := e.peak.Load()
		if n <= p || e.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	return json.RawMessage(`{"result":"ok"}`), nil
}
