// Package orchestrator drives stories through intake, analysis,
// planning, wave-gated step execution, chat-driven replanning, and
// completion. All mutating operations are serialized per story; calls
// against different stories proceed independently.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/skein-dev/skein/internal/gates"
	"github.com/skein-dev/skein/internal/router"
	"github.com/skein-dev/skein/internal/storage"
	"github.com/skein-dev/skein/internal/types"
)

// Config holds orchestrator configuration
type Config struct {
	Store       storage.Storage
	Enricher    types.Enricher
	Planner     types.Planner
	ChatPlanner types.ChatPlanner // Optional: Chat fails with unavailable when nil
	Registry    *router.Registry
	Workspaces  types.Workspaces // Optional: stories proceed without isolation when nil
	GatePolicy  gates.Policy     // Optional: defaults to gates.AutoPolicy
	Confirm     *gates.ConfirmPolicy

	// MaxStepAttempts is the retry budget: a failed step with this many
	// attempts halts its wave and fails the story (default: 3)
	MaxStepAttempts int
	// DefaultMaxParallel caps concurrent step execution per story when
	// the story doesn't set its own (default: 2)
	DefaultMaxParallel int
	// Limiter throttles executor invocations (default: unlimited)
	Limiter *rate.Limiter
}

// Orchestrator is the story state machine
type Orchestrator struct {
	store       storage.Storage
	enricher    types.Enricher
	planner     types.Planner
	chatPlanner types.ChatPlanner
	registry    *router.Registry
	workspaces  types.Workspaces
	gatePolicy  gates.Policy
	confirm     *gates.ConfirmPolicy
	maxAttempts int
	maxParallel int
	limiter     *rate.Limiter

	// Per-story locks: a story is the unit of isolation
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	// Cancel functions for in-flight step executions
	cancelsMu sync.Mutex
	cancels   map[string]context.CancelFunc // stepID -> cancel
}

// New creates a new orchestrator
func New(cfg *Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if cfg.Enricher == nil {
		return nil, fmt.Errorf("enricher is required")
	}
	if cfg.Planner == nil {
		return nil, fmt.Errorf("planner is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("executor registry is required")
	}

	gatePolicy := cfg.GatePolicy
	if gatePolicy == nil {
		gatePolicy = gates.AutoPolicy{}
	}
	maxAttempts := cfg.MaxStepAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	maxParallel := cfg.DefaultMaxParallel
	if maxParallel == 0 {
		maxParallel = 2
	}
	limiter := cfg.Limiter
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 0)
	}

	return &Orchestrator{
		store:       cfg.Store,
		enricher:    cfg.Enricher,
		planner:     cfg.Planner,
		chatPlanner: cfg.ChatPlanner,
		registry:    cfg.Registry,
		workspaces:  cfg.Workspaces,
		gatePolicy:  gatePolicy,
		confirm:     cfg.Confirm,
		maxAttempts: maxAttempts,
		maxParallel: maxParallel,
		limiter:     limiter,
		locks:       make(map[string]*sync.Mutex),
		cancels:     make(map[string]context.CancelFunc),
	}, nil
}

// lockStory serializes mutating operations on one story. The returned
// function releases the lock.
func (o *Orchestrator) lockStory(id string) func() {
	o.locksMu.Lock()
	l, ok := o.locks[id]
	if !ok {
		l = &sync.Mutex{}
		o.locks[id] = l
	}
	o.locksMu.Unlock()

	l.Lock()
	return l.Unlock
}

// CreateOptions carries the optional knobs of story creation
type CreateOptions struct {
	AutomationMode types.AutomationMode
	GateMode       types.GateMode
	Priority       int
	MaxParallel    int
	Source         types.Source
	TriggerID      string
}

// Create validates the request, provisions an isolated workspace, and
// persists a new story in the created state.
func (o *Orchestrator) Create(ctx context.Context, title, description, repoPath string, opts *CreateOptions) (*types.Story, error) {
	if strings.TrimSpace(title) == "" {
		return nil, types.E(types.KindInvalidInput, "title is required")
	}

	if opts == nil {
		opts = &CreateOptions{}
	}
	mode := opts.AutomationMode
	if mode == "" {
		mode = types.ModeAssisted
	}
	gateMode := opts.GateMode
	if gateMode == "" {
		gateMode = types.GateModeNone
	}
	source := opts.Source
	if source == "" {
		source = types.SourceManual
	}
	maxParallel := opts.MaxParallel
	if maxParallel == 0 {
		maxParallel = o.maxParallel
	}

	story := &types.Story{
		ID:             uuid.New().String(),
		Title:          title,
		Description:    description,
		RepoPath:       repoPath,
		Status:         types.StoryCreated,
		AutomationMode: mode,
		Source:         source,
		TriggerID:      opts.TriggerID,
		Priority:       opts.Priority,
		GateMode:       gateMode,
		MaxParallel:    maxParallel,
	}

	if o.workspaces != nil {
		path, branch, err := o.workspaces.Provision(ctx, story.ID, repoPath)
		if err != nil {
			// Isolation is best-effort at creation time; the story can
			// still be analyzed and planned without it
			fmt.Fprintf(os.Stderr, "Warning: failed to provision workspace for story %s: %v\n", story.ID, err)
		} else {
			story.WorkspacePath = path
			story.BranchName = branch
		}
	}

	if err := o.store.CreateStory(ctx, story); err != nil {
		return nil, fmt.Errorf("failed to persist story: %w", err)
	}
	return story, nil
}

// Spawn implements types.Spawner for trigger actions. The resulting
// story is always created-state, guardian-sourced, and attributed to
// the originating trigger.
func (o *Orchestrator) Spawn(ctx context.Context, pattern types.StoryPattern, triggerID string) (string, error) {
	story, err := o.Create(ctx, pattern.Title, pattern.Description, pattern.RepoPath, &CreateOptions{
		AutomationMode: pattern.AutomationMode,
		GateMode:       pattern.GateMode,
		Priority:       pattern.Priority,
		Source:         types.SourceGuardian,
		TriggerID:      triggerID,
	})
	if err != nil {
		return "", err
	}
	return story.ID, nil
}

// Get returns the current story snapshot
func (o *Orchestrator) Get(ctx context.Context, storyID string) (*types.Story, error) {
	return o.store.GetStory(ctx, storyID)
}

// Steps returns the story's steps in plan order
func (o *Orchestrator) Steps(ctx context.Context, storyID string) ([]*types.Step, error) {
	return o.store.GetSteps(ctx, storyID)
}

// List returns stories matching the filter
func (o *Orchestrator) List(ctx context.Context, filter types.StoryFilter) ([]*types.Story, error) {
	return o.store.ListStories(ctx, filter)
}

// invalidState builds an InvalidState error carrying enough story
// state for the caller to decide what to do next
func invalidState(story *types.Story, format string, args ...interface{}) error {
	err := types.E(types.KindInvalidState, format, args...)
	err.StoryStatus = story.Status
	err.CurrentWave = story.CurrentWave
	return err
}
