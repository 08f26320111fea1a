package orchestrator

import (
	"context"
	"fmt"
	"os"

	"github.com/skein-dev/skein/internal/gates"
	"github.com/skein-dev/skein/internal/types"
)

// advanceWave re-evaluates the story's current wave after a step
// changed state. Caller must hold the story lock.
//
// Three outcomes: a failed step that exhausted its retry budget fails
// the story; an incomplete wave leaves everything as is; a finished
// wave goes through the gate policy, which decides whether the story
// moves to the next wave, holds, or aborts.
func (o *Orchestrator) advanceWave(ctx context.Context, story *types.Story) error {
	if story.Status != types.StoryExecuting && story.Status != types.StoryPlanned {
		return nil
	}

	steps, err := o.store.GetSteps(ctx, story.ID)
	if err != nil {
		return fmt.Errorf("failed to load steps for wave evaluation: %w", err)
	}

	result := gates.WaveResult{StoryID: story.ID, Wave: story.CurrentWave}
	waveDone := true
	for _, s := range steps {
		if s.Wave != story.CurrentWave {
			continue
		}
		switch s.Status {
		case types.StepCompleted:
			result.Completed++
		case types.StepSkipped:
			result.Skipped++
		case types.StepFailed:
			result.Failed++
			if s.Attempts >= o.maxAttempts {
				story.Status = types.StoryFailed
				if err := o.store.SaveStory(ctx, story); err != nil {
					return fmt.Errorf("failed to record story failure: %w", err)
				}
				fmt.Fprintf(os.Stderr, "Warning: story %s failed: step %s exhausted its retry budget (%d attempts)\n",
					story.ID, s.ID, s.Attempts)
				return nil
			}
			waveDone = false
		default:
			waveDone = false
		}
	}
	if !waveDone {
		return nil
	}

	next, ok := nextWave(steps, story.CurrentWave)
	if !ok {
		// Final wave finished; completion stays an explicit operation
		return nil
	}

	decision, err := o.policyFor(story).EvaluateGate(ctx, result)
	if err != nil {
		return fmt.Errorf("gate evaluation failed: %w", err)
	}

	switch decision {
	case gates.Proceed:
		story.CurrentWave = next
		story.LastGateResult = types.GateResultProceed
	case gates.Hold:
		if story.LastGateResult == types.GateResultHold {
			return nil // Already parked, nothing changed
		}
		story.LastGateResult = types.GateResultHold
	case gates.Abort:
		story.LastGateResult = types.GateResultAbort
		story.Status = types.StoryFailed
	default:
		return fmt.Errorf("gate policy returned unknown decision %q", decision)
	}

	if err := o.store.SaveStory(ctx, story); err != nil {
		return fmt.Errorf("failed to persist wave advancement: %w", err)
	}
	return nil
}

// policyFor picks the gate policy for a story's gate mode. Per-wave
// stories route through the confirmation policy when one is wired;
// everything else uses the configured default.
func (o *Orchestrator) policyFor(story *types.Story) gates.Policy {
	if story.GateMode == types.GateModePerWave && o.confirm != nil {
		return o.confirm
	}
	return o.gatePolicy
}

// nextWave returns the lowest wave number strictly greater than the
// current one, or false when the current wave is the last
func nextWave(steps []*types.Step, current int) (int, bool) {
	next := 0
	found := false
	for _, s := range steps {
		if s.Wave > current && (!found || s.Wave < next) {
			next = s.Wave
			found = true
		}
	}
	return next, found
}

// ConfirmWave records the proceed signal for a story's held wave and
// re-evaluates advancement
func (o *Orchestrator) ConfirmWave(ctx context.Context, storyID string, wave int) (*types.Story, error) {
	if o.confirm == nil {
		return nil, types.E(types.KindUnavailable, "no confirmation policy is configured")
	}

	unlock := o.lockStory(storyID)
	defer unlock()

	story, err := o.store.GetStory(ctx, storyID)
	if err != nil {
		return nil, err
	}
	if story.Status.IsTerminal() {
		return nil, invalidState(story, "story %s is %s", storyID, story.Status)
	}
	if wave != story.CurrentWave {
		return nil, invalidState(story, "story %s is on wave %d, not %d", storyID, story.CurrentWave, wave)
	}

	o.confirm.Confirm(storyID, wave)
	if err := o.advanceWave(ctx, story); err != nil {
		return nil, err
	}
	return story, nil
}

// DenyWave records an abort signal for a story's held wave and
// re-evaluates advancement, failing the story
func (o *Orchestrator) DenyWave(ctx context.Context, storyID string, wave int) (*types.Story, error) {
	if o.confirm == nil {
		return nil, types.E(types.KindUnavailable, "no confirmation policy is configured")
	}

	unlock := o.lockStory(storyID)
	defer unlock()

	story, err := o.store.GetStory(ctx, storyID)
	if err != nil {
		return nil, err
	}
	if story.Status.IsTerminal() {
		return nil, invalidState(story, "story %s is %s", storyID, story.Status)
	}
	if wave != story.CurrentWave {
		return nil, invalidState(story, "story %s is on wave %d, not %d", storyID, story.CurrentWave, wave)
	}

	o.confirm.Deny(storyID, wave)
	if err := o.advanceWave(ctx, story); err != nil {
		return nil, err
	}
	return story, nil
}
