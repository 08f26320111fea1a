package storage

import (
	"context"

	"github.com/skein-dev/skein/internal/storage/sqlite"
	"github.com/skein-dev/skein/internal/types"
)

// Storage defines the interface for story repository backends.
// Stories carry an optimistic concurrency version: SaveStory fails with
// a conflict error when the stored version has advanced since the load.
type Storage interface {
	// Stories
	CreateStory(ctx context.Context, story *types.Story) error
	SaveStory(ctx context.Context, story *types.Story) error
	GetStory(ctx context.Context, id string) (*types.Story, error)
	DeleteStory(ctx context.Context, id string) error
	ListStories(ctx context.Context, filter types.StoryFilter) ([]*types.Story, error)

	// Steps
	CreateSteps(ctx context.Context, steps []*types.Step) error
	SaveStep(ctx context.Context, step *types.Step) error
	GetStep(ctx context.Context, id string) (*types.Step, error)
	GetSteps(ctx context.Context, storyID string) ([]*types.Step, error)

	// ApplyPlanDelta atomically appends steps and removes steps for a
	// story. A failed apply leaves the plan untouched.
	ApplyPlanDelta(ctx context.Context, storyID string, added []*types.Step, removedIDs []string) error

	// Lifecycle
	Close() error
}

// Config holds database configuration
type Config struct {
	// Path is the SQLite database file path
	// Default: ".skein/skein.db"
	// Special value ":memory:" creates an in-memory database (useful for tests)
	Path string
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Path: ".skein/skein.db",
	}
}

// NewStorage creates a new SQLite storage backend
func NewStorage(ctx context.Context, cfg *Config) (Storage, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Path == "" {
		cfg.Path = ".skein/skein.db"
	}

	return sqlite.New(cfg.Path)
}
