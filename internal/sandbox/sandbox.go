// Package sandbox provisions isolated workspaces for stories. Each
// story gets its own directory under the sandbox root and a dedicated
// branch name; the orchestration core treats both as opaque strings
// and leaves the actual worktree mechanics to outer tooling.
package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Config holds sandbox manager configuration
type Config struct {
	// Root is the directory workspaces are created under (default: ".sandboxes")
	Root string
	// BranchPrefix prefixes generated branch names (default: "skein/")
	BranchPrefix string
}

// DefaultConfig returns default sandbox configuration
func DefaultConfig() *Config {
	return &Config{
		Root:         ".sandboxes",
		BranchPrefix: "skein/",
	}
}

// Manager provisions and cleans up story workspaces
type Manager struct {
	root         string
	branchPrefix string

	mu    sync.Mutex
	paths map[string]string // storyID -> workspace path
}

// NewManager creates a sandbox manager, creating the root if needed
func NewManager(cfg *Config) (*Manager, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	root := cfg.Root
	if root == "" {
		root = ".sandboxes"
	}
	prefix := cfg.BranchPrefix
	if prefix == "" {
		prefix = "skein/"
	}

	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create sandbox root: %w", err)
	}

	return &Manager{
		root:         root,
		branchPrefix: prefix,
		paths:        make(map[string]string),
	}, nil
}

// Provision creates an isolated workspace directory and branch name for
// a story. Calling it twice for the same story returns the existing
// workspace.
func (m *Manager) Provision(ctx context.Context, storyID, repoPath string) (string, string, error) {
	if storyID == "" {
		return "", "", fmt.Errorf("story id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if path, ok := m.paths[storyID]; ok {
		return path, m.branchFor(storyID), nil
	}

	// A short uuid suffix keeps paths unique across reprovisioning of
	// the same story id after cleanup
	suffix := strings.Split(uuid.New().String(), "-")[0]
	path := filepath.Join(m.root, fmt.Sprintf("%s-%s", storyID, suffix))
	if err := os.MkdirAll(path, 0755); err != nil {
		return "", "", fmt.Errorf("failed to create workspace: %w", err)
	}

	m.paths[storyID] = path
	return path, m.branchFor(storyID), nil
}

// Cleanup removes a story's workspace directory
func (m *Manager) Cleanup(ctx context.Context, storyID string) error {
	m.mu.Lock()
	path, ok := m.paths[storyID]
	delete(m.paths, storyID)
	m.mu.Unlock()

	if !ok {
		return nil
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to remove workspace %s: %w", path, err)
	}
	return nil
}

func (m *Manager) branchFor(storyID string) string {
	return m.branchPrefix + storyID
}
