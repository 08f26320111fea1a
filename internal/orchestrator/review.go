package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/skein-dev/skein/internal/types"
)

// Approve accepts a step awaiting review. The step completes and the
// wave is re-evaluated.
func (o *Orchestrator) Approve(ctx context.Context, storyID, stepID string) (*types.Step, error) {
	unlock := o.lockStory(storyID)
	defer unlock()

	story, step, err := o.loadForReview(ctx, storyID, stepID)
	if err != nil {
		return nil, err
	}

	step.Status = types.StepCompleted
	step.Verdict = types.VerdictApproved
	step.NeedsRework = false
	if err := o.store.SaveStep(ctx, step); err != nil {
		return nil, fmt.Errorf("failed to persist approval: %w", err)
	}

	if err := o.advanceWave(ctx, story); err != nil {
		return nil, err
	}
	return step, nil
}

// Reject sends a step back for rework with reviewer feedback. The
// rejected output is retained on the step so a later attempt can diff
// against it; attempts are not consumed by the rejection itself.
func (o *Orchestrator) Reject(ctx context.Context, storyID, stepID, feedback string) (*types.Step, error) {
	unlock := o.lockStory(storyID)
	defer unlock()

	_, step, err := o.loadForReview(ctx, storyID, stepID)
	if err != nil {
		return nil, err
	}

	step.Status = types.StepPending
	step.Verdict = types.VerdictRejected
	step.Feedback = feedback
	step.NeedsRework = true
	step.PreviousOutput = step.Output
	step.Output = nil
	if err := o.store.SaveStep(ctx, step); err != nil {
		return nil, fmt.Errorf("failed to persist rejection: %w", err)
	}
	return step, nil
}

// Skip marks a step awaiting review as skipped, recording the reason.
// The wave is re-evaluated since skipped steps count as done.
func (o *Orchestrator) Skip(ctx context.Context, storyID, stepID, reason string) (*types.Step, error) {
	unlock := o.lockStory(storyID)
	defer unlock()

	story, step, err := o.loadForReview(ctx, storyID, stepID)
	if err != nil {
		return nil, err
	}

	step.Status = types.StepSkipped
	step.Feedback = reason
	if err := o.store.SaveStep(ctx, step); err != nil {
		return nil, fmt.Errorf("failed to persist skip: %w", err)
	}

	if err := o.advanceWave(ctx, story); err != nil {
		return nil, err
	}
	return step, nil
}

// loadForReview fetches the story and step and checks the step is
// actually awaiting review. Caller must hold the story lock.
func (o *Orchestrator) loadForReview(ctx context.Context, storyID, stepID string) (*types.Story, *types.Step, error) {
	story, err := o.store.GetStory(ctx, storyID)
	if err != nil {
		return nil, nil, err
	}
	if story.Status.IsTerminal() {
		return nil, nil, invalidState(story, "story %s is %s", storyID, story.Status)
	}

	step, err := o.store.GetStep(ctx, stepID)
	if err != nil {
		return nil, nil, err
	}
	if step.StoryID != storyID {
		return nil, nil, types.E(types.KindInvalidInput, "step %s does not belong to story %s", stepID, storyID)
	}
	if step.Status != types.StepNeedsApproval {
		return nil, nil, invalidState(story, "step %s is %s, not awaiting approval", stepID, step.Status)
	}
	return story, step, nil
}

// Complete marks a story completed. Every step must be terminal; the
// ids of any that aren't are reported on the error.
func (o *Orchestrator) Complete(ctx context.Context, storyID string) (*types.Story, error) {
	unlock := o.lockStory(storyID)
	defer unlock()

	story, err := o.store.GetStory(ctx, storyID)
	if err != nil {
		return nil, err
	}
	if story.Status != types.StoryExecuting {
		return nil, invalidState(story, "story %s cannot be completed from status %s", storyID, story.Status)
	}

	steps, err := o.store.GetSteps(ctx, storyID)
	if err != nil {
		return nil, err
	}
	var blocking []string
	for _, s := range steps {
		if !s.Status.IsTerminal() {
			blocking = append(blocking, s.ID)
		}
	}
	if len(blocking) > 0 {
		incompleteErr := types.E(types.KindIncompleteSteps, "story %s has %d unfinished steps", storyID, len(blocking))
		incompleteErr.StoryStatus = story.Status
		incompleteErr.CurrentWave = story.CurrentWave
		incompleteErr.BlockingSteps = blocking
		return nil, incompleteErr
	}

	now := time.Now()
	story.Status = types.StoryCompleted
	story.CompletedAt = &now
	if err := o.store.SaveStory(ctx, story); err != nil {
		return nil, fmt.Errorf("failed to persist completion: %w", err)
	}
	return story, nil
}

// Cancel cancels a story from any non-terminal state, interrupting any
// in-flight step executions
func (o *Orchestrator) Cancel(ctx context.Context, storyID string) (*types.Story, error) {
	unlock := o.lockStory(storyID)
	defer unlock()

	story, err := o.store.GetStory(ctx, storyID)
	if err != nil {
		return nil, err
	}
	if story.Status.IsTerminal() {
		return nil, invalidState(story, "story %s is already %s", storyID, story.Status)
	}

	steps, err := o.store.GetSteps(ctx, storyID)
	if err != nil {
		return nil, err
	}
	for _, s := range steps {
		if s.Status == types.StepRunning {
			o.CancelStep(s.ID)
		}
	}

	story.Status = types.StoryCancelled
	if err := o.store.SaveStory(ctx, story); err != nil {
		return nil, fmt.Errorf("failed to persist cancellation: %w", err)
	}
	return story, nil
}
