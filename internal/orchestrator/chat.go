package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/skein-dev/skein/internal/types"
)

// Chat sends a user message to the conversational planner and applies
// whatever plan delta it returns. Removals may only name pending steps;
// added steps land at the end of the plan in the current or a later
// wave. A delta that violates either rule is discarded whole and the
// plan is left untouched, though the transcript still records the
// exchange attempt's user message.
func (o *Orchestrator) Chat(ctx context.Context, storyID, message string) (string, *types.PlanDelta, error) {
	if o.chatPlanner == nil {
		return "", nil, types.E(types.KindUnavailable, "no chat planner is configured")
	}

	unlock := o.lockStory(storyID)
	defer unlock()

	story, err := o.store.GetStory(ctx, storyID)
	if err != nil {
		return "", nil, err
	}
	if story.Status != types.StoryPlanned && story.Status != types.StoryExecuting {
		return "", nil, invalidState(story, "story %s cannot be replanned from status %s", storyID, story.Status)
	}

	story.Chat = append(story.Chat, types.ChatMessage{
		Role:      "user",
		Text:      message,
		Timestamp: time.Now(),
	})
	if err := o.store.SaveStory(ctx, story); err != nil {
		return "", nil, fmt.Errorf("failed to record chat message: %w", err)
	}

	reply, delta, chatErr := o.chatPlanner.Replan(ctx, story.Context, story.Chat)
	if chatErr != nil {
		return "", nil, types.WrapE(types.KindUnavailable, chatErr, "chat planner failed for story %s", storyID)
	}

	if !delta.IsEmpty() {
		if err := o.applyDelta(ctx, story, &delta); err != nil {
			return "", nil, err
		}
	}

	story.Chat = append(story.Chat, types.ChatMessage{
		Role:      "assistant",
		Text:      reply,
		Timestamp: time.Now(),
	})
	if err := o.store.SaveStory(ctx, story); err != nil {
		return "", nil, fmt.Errorf("failed to record chat reply: %w", err)
	}

	return reply, &delta, nil
}

// applyDelta validates and transactionally applies a plan delta.
// Caller must hold the story lock and have a fresh story snapshot.
func (o *Orchestrator) applyDelta(ctx context.Context, story *types.Story, delta *types.PlanDelta) error {
	steps, err := o.store.GetSteps(ctx, story.ID)
	if err != nil {
		return err
	}

	byID := make(map[string]*types.Step, len(steps))
	maxWave := 0
	maxOrder := -1
	for _, s := range steps {
		byID[s.ID] = s
		if s.Wave > maxWave {
			maxWave = s.Wave
		}
		if s.Order > maxOrder {
			maxOrder = s.Order
		}
	}

	// Only pending steps may be removed: work that ran or is running
	// stays in the record
	for _, id := range delta.StepsRemoved {
		s, ok := byID[id]
		if !ok {
			return types.E(types.KindNotFound, "delta removes unknown step %s", id)
		}
		if s.Status != types.StepPending {
			return invalidState(story, "delta removes step %s which is %s, not pending", id, s.Status)
		}
	}

	// Additions append to the end of the plan, so they cannot predate
	// the latest existing wave
	for i, d := range delta.StepsAdded {
		if err := d.Validate(); err != nil {
			return types.WrapE(types.KindInvalidPlan, err, "delta step %d is invalid", i)
		}
		if d.Wave < maxWave {
			return types.E(types.KindInvalidPlan,
				"delta step %d has wave %d, below the plan's last wave %d", i, d.Wave, maxWave)
		}
	}
	if err := wavesNonDecreasing(delta.StepsAdded); err != nil {
		return types.WrapE(types.KindInvalidPlan, err, "delta steps are mis-ordered")
	}

	added := make([]*types.Step, len(delta.StepsAdded))
	for i, d := range delta.StepsAdded {
		added[i] = &types.Step{
			ID:          uuid.New().String(),
			StoryID:     story.ID,
			Order:       maxOrder + 1 + i,
			Wave:        d.Wave,
			Capability:  d.Capability,
			Language:    d.Language,
			Name:        d.Name,
			Description: d.Description,
			Status:      types.StepPending,
			Input:       d.Input,
		}
	}

	if err := o.store.ApplyPlanDelta(ctx, story.ID, added, delta.StepsRemoved); err != nil {
		return fmt.Errorf("failed to apply plan delta: %w", err)
	}

	// A reshaped plan drops the story back to planned; execution resumes
	// explicitly against the new shape
	if story.Status == types.StoryExecuting {
		story.Status = types.StoryPlanned
		if err := o.store.SaveStory(ctx, story); err != nil {
			return fmt.Errorf("failed to persist replanned state: %w", err)
		}
	}

	// Removing the tail of the current wave may have finished it
	if len(delta.StepsRemoved) > 0 {
		if err := o.advanceWave(ctx, story); err != nil {
			return err
		}
	}
	return nil
}

func wavesNonDecreasing(descriptors []types.StepDescriptor) error {
	prev := 0
	for i, d := range descriptors {
		if d.Wave < prev {
			return fmt.Errorf("step %d: wave %d is lower than preceding wave %d", i, d.Wave, prev)
		}
		prev = d.Wave
	}
	return nil
}
