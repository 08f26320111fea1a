package orchestrator

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/skein-dev/skein/internal/types"
)

// Analyze runs context enrichment for a story. The analyzing state is
// persisted while the collaborator runs; an enrichment failure rolls
// the story back to its prior stable state with no partial result.
func (o *Orchestrator) Analyze(ctx context.Context, storyID string) (*types.Story, error) {
	unlock := o.lockStory(storyID)
	defer unlock()

	story, err := o.store.GetStory(ctx, storyID)
	if err != nil {
		return nil, err
	}

	if story.Status != types.StoryCreated && story.Status != types.StoryAnalyzed {
		return nil, invalidState(story, "story %s cannot be analyzed from status %s", storyID, story.Status)
	}

	prior := story.Status
	story.Status = types.StoryAnalyzing
	if err := o.store.SaveStory(ctx, story); err != nil {
		return nil, fmt.Errorf("failed to persist analyzing state: %w", err)
	}

	blob, enrichErr := o.enricher.Enrich(ctx, story.Description, story.RepoPath)
	if enrichErr != nil {
		story.Status = prior
		if err := o.store.SaveStory(ctx, story); err != nil {
			return nil, fmt.Errorf("failed to roll back after enrichment failure: %w", err)
		}
		return nil, types.WrapE(types.KindAnalysisFailed, enrichErr, "context enrichment failed for story %s", storyID)
	}

	story.Context = blob
	story.Status = types.StoryAnalyzed
	if err := o.store.SaveStory(ctx, story); err != nil {
		return nil, fmt.Errorf("failed to persist analysis result: %w", err)
	}
	return story, nil
}

// Plan asks the planning collaborator for an ordered, wave-grouped
// step list and persists it. A malformed plan leaves the story
// analyzed with no steps created.
func (o *Orchestrator) Plan(ctx context.Context, storyID string) (*types.Story, []*types.Step, error) {
	unlock := o.lockStory(storyID)
	defer unlock()

	story, err := o.store.GetStory(ctx, storyID)
	if err != nil {
		return nil, nil, err
	}

	if story.Status != types.StoryAnalyzed {
		return nil, nil, invalidState(story, "story %s cannot be planned from status %s", storyID, story.Status)
	}

	story.Status = types.StoryPlanning
	if err := o.store.SaveStory(ctx, story); err != nil {
		return nil, nil, fmt.Errorf("failed to persist planning state: %w", err)
	}

	rollback := func() error {
		story.Status = types.StoryAnalyzed
		return o.store.SaveStory(ctx, story)
	}

	descriptors, planErr := o.planner.Plan(ctx, story.Context)
	if planErr != nil {
		if err := rollback(); err != nil {
			return nil, nil, fmt.Errorf("failed to roll back after planning failure: %w", err)
		}
		return nil, nil, types.WrapE(types.KindUnavailable, planErr, "planner failed for story %s", storyID)
	}

	if err := types.ValidatePlan(descriptors); err != nil {
		if rbErr := rollback(); rbErr != nil {
			return nil, nil, fmt.Errorf("failed to roll back after invalid plan: %w", rbErr)
		}
		return nil, nil, types.WrapE(types.KindInvalidPlan, err, "planner returned a malformed plan for story %s", storyID)
	}

	steps := make([]*types.Step, len(descriptors))
	for i, d := range descriptors {
		steps[i] = &types.Step{
			ID:          uuid.New().String(),
			StoryID:     story.ID,
			Order:       i,
			Wave:        d.Wave,
			Capability:  d.Capability,
			Language:    d.Language,
			Name:        d.Name,
			Description: d.Description,
			Status:      types.StepPending,
			Input:       d.Input,
		}
	}

	if err := o.store.CreateSteps(ctx, steps); err != nil {
		if rbErr := rollback(); rbErr != nil {
			return nil, nil, fmt.Errorf("failed to roll back after step persistence failure: %w", rbErr)
		}
		return nil, nil, fmt.Errorf("failed to persist plan: %w", err)
	}

	story.CurrentWave = steps[0].Wave // Lowest wave: numbers are non-decreasing in order
	story.Status = types.StoryPlanned
	if err := o.store.SaveStory(ctx, story); err != nil {
		return nil, nil, fmt.Errorf("failed to persist planned state: %w", err)
	}
	return story, steps, nil
}
