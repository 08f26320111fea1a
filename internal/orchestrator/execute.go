package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"golang.org/x/sync/semaphore"

	"github.com/skein-dev/skein/internal/router"
	"github.com/skein-dev/skein/internal/types"
)

// ExecuteStep routes a step to an executor and runs it. The step must
// belong to the story's current wave; steps within a wave execute
// independently of each other. The story lock is released for the
// duration of the executor call so sibling steps can run concurrently,
// then retaken to record the result and re-evaluate wave advancement.
func (o *Orchestrator) ExecuteStep(ctx context.Context, storyID, stepID, agentOverride string) (*types.Step, error) {
	story, step, agent, err := o.beginExecution(ctx, storyID, stepID, agentOverride)
	if err != nil {
		return nil, err
	}

	// Long-running, cancellable invocation outside the story lock
	execCtx, cancel := context.WithCancel(ctx)
	o.registerCancel(step.ID, cancel)

	var output json.RawMessage
	var execErr error
	if waitErr := o.limiter.Wait(execCtx); waitErr != nil {
		execErr = waitErr
	} else {
		output, execErr = agent.Executor.Execute(execCtx, step.Input, story.Context)
	}

	o.clearCancel(step.ID)
	cancel()

	return o.finishExecution(ctx, storyID, stepID, output, execErr)
}

// beginExecution validates the call, routes to an executor, and marks
// the step running. Runs under the story lock.
func (o *Orchestrator) beginExecution(ctx context.Context, storyID, stepID, agentOverride string) (*types.Story, *types.Step, *router.Agent, error) {
	unlock := o.lockStory(storyID)
	defer unlock()

	story, err := o.store.GetStory(ctx, storyID)
	if err != nil {
		return nil, nil, nil, err
	}
	if story.Status.IsTerminal() {
		return nil, nil, nil, invalidState(story, "story %s is %s", storyID, story.Status)
	}
	if story.Status != types.StoryPlanned && story.Status != types.StoryExecuting {
		return nil, nil, nil, invalidState(story, "story %s has no executable plan in status %s", storyID, story.Status)
	}

	step, err := o.store.GetStep(ctx, stepID)
	if err != nil {
		return nil, nil, nil, err
	}
	if step.StoryID != storyID {
		return nil, nil, nil, types.E(types.KindInvalidInput, "step %s does not belong to story %s", stepID, storyID)
	}

	if step.Status.IsTerminal() || step.Status == types.StepRunning || step.Status == types.StepNeedsApproval {
		return nil, nil, nil, invalidState(story, "step %s is %s and cannot be executed", stepID, step.Status)
	}
	if step.Wave != story.CurrentWave {
		err := invalidState(story, "step %s is in wave %d but the story is executing wave %d", stepID, step.Wave, story.CurrentWave)
		var typed *types.Error
		if errors.As(err, &typed) {
			typed.BlockingSteps = o.blockingStepIDs(ctx, story)
		}
		return nil, nil, nil, err
	}

	// Resolve the executor: an explicit override bypasses routing and
	// is used verbatim if it exists and is enabled
	override := agentOverride
	if override == "" {
		override = step.AgentOverride
	}
	var agent *router.Agent
	if override != "" {
		a, ok := o.registry.Get(override)
		if !ok {
			return nil, nil, nil, types.E(types.KindUnavailable, "override executor %s is not available", override)
		}
		agent = a
	} else {
		a, ok := o.registry.Route(step.Capability, step.Language)
		if !ok {
			return nil, nil, nil, types.E(types.KindUnavailable, "no executor advertises capability %q", step.Capability)
		}
		agent = a
	}

	step.Status = types.StepRunning
	step.AgentID = agent.ID
	step.Attempts++
	step.Error = ""
	if err := o.store.SaveStep(ctx, step); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to mark step running: %w", err)
	}

	if story.Status == types.StoryPlanned {
		story.Status = types.StoryExecuting
		if err := o.store.SaveStory(ctx, story); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to mark story executing: %w", err)
		}
	}

	return story, step, agent, nil
}

// finishExecution records the executor result and re-evaluates wave
// advancement. Runs under the story lock.
func (o *Orchestrator) finishExecution(ctx context.Context, storyID, stepID string, output json.RawMessage, execErr error) (*types.Step, error) {
	unlock := o.lockStory(storyID)
	defer unlock()

	story, err := o.store.GetStory(ctx, storyID)
	if err != nil {
		return nil, err
	}
	step, err := o.store.GetStep(ctx, stepID)
	if err != nil {
		return nil, err
	}

	if execErr != nil {
		// Cancellation leaves the step in a well-defined failed state
		// so a client can retry that exact step
		kind := types.KindExecutionFailed
		if types.KindOf(execErr) == types.KindCancelled {
			kind = types.KindCancelled
		}
		step.Status = types.StepFailed
		step.Error = execErr.Error()
		if err := o.store.SaveStep(ctx, step); err != nil {
			return nil, fmt.Errorf("failed to record step failure: %w", err)
		}
		if err := o.advanceWave(ctx, story); err != nil {
			return nil, err
		}
		return step, types.WrapE(kind, execErr, "step %s failed", stepID)
	}

	step.Output = output
	step.Error = ""
	if story.AutomationMode == types.ModeAssisted || story.GateMode == types.GateModePerStep {
		step.Status = types.StepNeedsApproval
		step.Verdict = types.VerdictNone
	} else {
		step.Status = types.StepCompleted
		step.NeedsRework = false
	}
	if err := o.store.SaveStep(ctx, step); err != nil {
		return nil, fmt.Errorf("failed to record step result: %w", err)
	}

	if err := o.advanceWave(ctx, story); err != nil {
		return nil, err
	}
	return step, nil
}

// CancelStep cancels an in-flight execution of a step, if any. The
// step surfaces as failed with a cancelled error kind.
func (o *Orchestrator) CancelStep(stepID string) bool {
	o.cancelsMu.Lock()
	defer o.cancelsMu.Unlock()
	cancel, ok := o.cancels[stepID]
	if ok {
		cancel()
	}
	return ok
}

func (o *Orchestrator) registerCancel(stepID string, cancel context.CancelFunc) {
	o.cancelsMu.Lock()
	defer o.cancelsMu.Unlock()
	o.cancels[stepID] = cancel
}

func (o *Orchestrator) clearCancel(stepID string) {
	o.cancelsMu.Lock()
	defer o.cancelsMu.Unlock()
	delete(o.cancels, stepID)
}

// ExecuteWave runs every pending step of the story's current wave,
// concurrently up to the story's parallelism cap. Individual step
// failures are recorded on their steps; ExecuteWave itself only fails
// on orchestration errors.
func (o *Orchestrator) ExecuteWave(ctx context.Context, storyID string) ([]*types.Step, error) {
	story, err := o.store.GetStory(ctx, storyID)
	if err != nil {
		return nil, err
	}
	steps, err := o.store.GetSteps(ctx, storyID)
	if err != nil {
		return nil, err
	}

	var eligible []*types.Step
	for _, s := range steps {
		if s.Wave == story.CurrentWave && s.Status == types.StepPending {
			eligible = append(eligible, s)
		}
	}
	if len(eligible) == 0 {
		return nil, invalidState(story, "story %s has no pending steps in wave %d", storyID, story.CurrentWave)
	}

	maxParallel := story.MaxParallel
	if maxParallel < 1 {
		maxParallel = 1
	}
	sem := semaphore.NewWeighted(int64(maxParallel))

	results := make([]*types.Step, len(eligible))
	done := make(chan int, len(eligible))
	for i, s := range eligible {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		go func(i int, stepID string) {
			defer sem.Release(1)
			defer func() { done <- i }()
			result, execErr := o.ExecuteStep(ctx, storyID, stepID, "")
			if execErr != nil {
				fmt.Fprintf(os.Stderr, "Warning: step %s failed: %v\n", stepID, execErr)
			}
			if result != nil {
				results[i] = result
			}
		}(i, s.ID)
	}
	for range eligible {
		<-done
	}

	// Fill in any slots whose execution never produced a snapshot
	for i, s := range eligible {
		if results[i] == nil {
			if reloaded, err := o.store.GetStep(ctx, s.ID); err == nil {
				results[i] = reloaded
			} else {
				results[i] = s
			}
		}
	}
	return results, nil
}

// blockingStepIDs lists the non-terminal steps of the story's current
// wave, for error reporting
func (o *Orchestrator) blockingStepIDs(ctx context.Context, story *types.Story) []string {
	steps, err := o.store.GetSteps(ctx, story.ID)
	if err != nil {
		return nil
	}
	var blocking []string
	for _, s := range steps {
		if s.Wave == story.CurrentWave && !s.Status.IsTerminal() {
			blocking = append(blocking, s.ID)
		}
	}
	return blocking
}
