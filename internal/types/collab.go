package types

import (
	"context"
	"encoding/json"
)

// Enricher analyzes a story description against a repository and
// returns an opaque context blob. Implementations must be idempotent:
// repeated calls with the same inputs are safe.
type Enricher interface {
	Enrich(ctx context.Context, description, repoPath string) (json.RawMessage, error)
}

// Planner turns analyzed context into an ordered step list. It must
// return at least one step or fail explicitly, and wave numbers must be
// non-decreasing in plan order.
type Planner interface {
	Plan(ctx context.Context, storyContext json.RawMessage) ([]StepDescriptor, error)
}

// ChatPlanner handles conversational replanning. Returned deltas may
// only reference currently-pending steps for removal.
type ChatPlanner interface {
	Replan(ctx context.Context, storyContext json.RawMessage, transcript []ChatMessage) (reply string, delta PlanDelta, err error)
}

// Spawner creates stories on behalf of triggers. The resulting story is
// always in the created state, attributed with SourceGuardian and the
// originating trigger id.
type Spawner interface {
	Spawn(ctx context.Context, pattern StoryPattern, triggerID string) (storyID string, err error)
}

// StoryPattern is the story template a trigger action instantiates
type StoryPattern struct {
	Title          string         `json:"title" yaml:"title"`
	Description    string         `json:"description,omitempty" yaml:"description,omitempty"`
	RepoPath       string         `json:"repo_path" yaml:"repo_path"`
	Priority       int            `json:"priority" yaml:"priority"`
	AutomationMode AutomationMode `json:"automation_mode,omitempty" yaml:"automation_mode,omitempty"`
	GateMode       GateMode       `json:"gate_mode,omitempty" yaml:"gate_mode,omitempty"`
}

// Workspaces provisions isolated workspaces for stories. Paths and
// branch names are opaque to the orchestration core.
type Workspaces interface {
	Provision(ctx context.Context, storyID, repoPath string) (workspacePath, branchName string, err error)
	Cleanup(ctx context.Context, storyID string) error
}
