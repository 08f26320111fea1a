package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/skein-dev/skein/internal/orchestrator"
	"github.com/skein-dev/skein/internal/types"
)

var (
	createDescription string
	createRepo        string
	createMode        string
	createGateMode    string
	createPriority    int
	createParallel    int
)

var createCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Create a new story",
	Long: `Create a new story in the created state. Analyze and plan it next,
or let the daemon pick it up.

Example:
  skein create "Add rate limiting" --description "Limit API calls per client" --mode autonomous`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		orch, _, err := buildOrchestrator()
		if err != nil {
			fatal("%v", err)
		}

		repo := createRepo
		if repo == "" {
			repo, _ = os.Getwd()
		}

		mode := types.AutomationMode(createMode)
		if createMode != "" && !mode.IsValid() {
			fatal("invalid mode %q (want assisted or autonomous)", createMode)
		}
		gateMode := types.GateMode(createGateMode)
		if createGateMode != "" && !gateMode.IsValid() {
			fatal("invalid gate mode %q (want none, per_wave, or per_step)", createGateMode)
		}

		story, err := orch.Create(cmd.Context(), args[0], createDescription, repo, &orchestrator.CreateOptions{
			AutomationMode: mode,
			GateMode:       gateMode,
			Priority:       createPriority,
			MaxParallel:    createParallel,
		})
		if err != nil {
			fatal("%v", err)
		}

		green := color.New(color.FgGreen).SprintFunc()
		cyan := color.New(color.FgCyan).SprintFunc()
		fmt.Printf("%s Created story %s\n", green("✓"), cyan(story.ID))
		fmt.Printf("  Mode: %s, gates: %s\n", story.AutomationMode, story.GateMode)
		if story.WorkspacePath != "" {
			fmt.Printf("  Workspace: %s (%s)\n", story.WorkspacePath, story.BranchName)
		}
	},
}

func init() {
	rootCmd.AddCommand(createCmd)
	createCmd.Flags().StringVarP(&createDescription, "description", "d", "", "Story description")
	createCmd.Flags().StringVar(&createRepo, "repo", "", "Repository path (default: current directory)")
	createCmd.Flags().StringVar(&createMode, "mode", "", "Automation mode: assisted or autonomous (default: assisted)")
	createCmd.Flags().StringVar(&createGateMode, "gates", "", "Gate mode: none, per_wave, or per_step (default: none)")
	createCmd.Flags().IntVar(&createPriority, "priority", 0, "Priority 0 (highest) to 4")
	createCmd.Flags().IntVar(&createParallel, "max-parallel", 0, "Max concurrent steps (default: from config)")
}
