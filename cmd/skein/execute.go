package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/skein-dev/skein/internal/types"
)

var executeAgent string

var executeCmd = &cobra.Command{
	Use:   "execute <story-id> [step-id]",
	Short: "Execute a step, or the whole current wave",
	Long: `Execute one step of a story, or every pending step of the story's
current wave in parallel when no step id is given.

Example:
  skein execute st-123              # Run the current wave
  skein execute st-123 sp-456       # Run one step
  skein execute st-123 sp-456 --agent my-runner`,
	Args: cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {
		orch, _, err := buildOrchestrator()
		if err != nil {
			fatal("%v", err)
		}
		ctx := cmd.Context()
		green := color.New(color.FgGreen).SprintFunc()
		yellow := color.New(color.FgYellow).SprintFunc()

		if len(args) == 2 {
			step, err := orch.ExecuteStep(ctx, args[0], args[1], executeAgent)
			if err != nil {
				fatal("%v", err)
			}
			printStepResult(step, green, yellow)
			return
		}

		steps, err := orch.ExecuteWave(ctx, args[0])
		if err != nil {
			fatal("%v", err)
		}
		for _, step := range steps {
			printStepResult(step, green, yellow)
		}

		story, err := orch.Get(ctx, args[0])
		if err != nil {
			fatal("%v", err)
		}
		if story.LastGateResult == types.GateResultHold {
			fmt.Printf("%s Wave %d is held; confirm with: skein confirm %s %d\n",
				yellow("⚠"), story.CurrentWave, story.ID, story.CurrentWave)
		}
	},
}

func printStepResult(step *types.Step, green, yellow func(a ...interface{}) string) {
	switch step.Status {
	case types.StepCompleted:
		fmt.Printf("%s %s completed (agent %s)\n", green("✓"), step.Name, step.AgentID)
	case types.StepNeedsApproval:
		fmt.Printf("%s %s awaiting approval: skein approve <story-id> %s\n", yellow("?"), step.Name, step.ID)
	case types.StepFailed:
		fmt.Printf("%s %s failed: %s\n", color.RedString("✗"), step.Name, step.Error)
	default:
		fmt.Printf("  %s is %s\n", step.Name, step.Status)
	}
}

func init() {
	rootCmd.AddCommand(executeCmd)
	executeCmd.Flags().StringVar(&executeAgent, "agent", "", "Route to a specific executor, bypassing capability matching")
}
