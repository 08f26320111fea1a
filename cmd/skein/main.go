// skein orchestrates AI coding agents: stories move through analysis,
// planning, and wave-gated step execution, with triggers spawning work
// autonomously.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/skein-dev/skein/internal/ai"
	"github.com/skein-dev/skein/internal/config"
	"github.com/skein-dev/skein/internal/gates"
	"github.com/skein-dev/skein/internal/orchestrator"
	"github.com/skein-dev/skein/internal/router"
	"github.com/skein-dev/skein/internal/sandbox"
	"github.com/skein-dev/skein/internal/storage"
)

const defaultConfigPath = ".skein/skein.yaml"

var (
	cfgPath string
	cfg     *config.Config
	store   storage.Storage
)

var rootCmd = &cobra.Command{
	Use:   "skein",
	Short: "Orchestrate AI coding agents through planned, gated stories",
	Long: `skein drives development stories through a persisted state machine:
intake, AI analysis, wave-grouped planning, parallel step execution with
approval gates, and chat-driven replanning. Trigger files spawn stories
autonomously on cron schedules.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// init creates the config and database; nothing to open yet
		if cmd.Name() == "init" || cmd.Name() == "help" {
			return nil
		}

		var err error
		cfg, err = loadConfig()
		if err != nil {
			return err
		}

		store, err = storage.NewStorage(cmd.Context(), &storage.Config{Path: cfg.Database.Path})
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if store != nil {
			_ = store.Close()
		}
	},
}

func loadConfig() (*config.Config, error) {
	path := cfgPath
	if path == "" {
		path = defaultConfigPath
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if cfgPath != "" {
			return nil, fmt.Errorf("config file not found: %s", cfgPath)
		}
		return config.DefaultConfig(), nil
	}
	return config.Load(path)
}

// buildOrchestrator wires the full orchestration stack: Anthropic
// collaborators, sandbox workspaces, the executor registry, and the
// per-wave confirmation gate.
func buildOrchestrator() (*orchestrator.Orchestrator, *gates.ConfirmPolicy, error) {
	collab, err := ai.NewCollaborator(&ai.Config{Model: cfg.AI.Model})
	if err != nil {
		return nil, nil, err
	}

	workspaces, err := sandbox.NewManager(&sandbox.Config{
		Root:         cfg.Sandbox.Root,
		BranchPrefix: cfg.Sandbox.BranchPrefix,
	})
	if err != nil {
		return nil, nil, err
	}

	registry := router.NewRegistry()
	for _, capability := range []string{"code", "review", "test"} {
		err := registry.Register(router.Registration{
			ID:           "claude-" + capability,
			Capabilities: []string{capability},
			Priority:     10, // Leaves room for outranking external agents
			Enabled:      true,
		}, ai.NewStepExecutor(collab, capability))
		if err != nil {
			return nil, nil, err
		}
	}

	confirm := gates.NewConfirmPolicy()
	orch, err := orchestrator.New(&orchestrator.Config{
		Store:              store,
		Enricher:           collab,
		Planner:            collab,
		ChatPlanner:        collab,
		Registry:           registry,
		Workspaces:         workspaces,
		Confirm:            confirm,
		MaxStepAttempts:    cfg.Execution.MaxStepAttempts,
		DefaultMaxParallel: cfg.Execution.DefaultMaxParallel,
	})
	if err != nil {
		return nil, nil, err
	}
	return orch, confirm, nil
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "Config file path (default: .skein/skein.yaml)")

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
