package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/skein-dev/skein/internal/types"
)

var listStatus string

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List stories",
	Run: func(cmd *cobra.Command, args []string) {
		filter := types.StoryFilter{}
		if listStatus != "" {
			status := types.StoryStatus(listStatus)
			if !status.IsValid() {
				fatal("invalid status %q", listStatus)
			}
			filter.Status = &status
		}

		stories, err := store.ListStories(cmd.Context(), filter)
		if err != nil {
			fatal("%v", err)
		}

		gray := color.New(color.FgHiBlack).SprintFunc()
		if len(stories) == 0 {
			fmt.Printf("%s\n", gray("No stories"))
			return
		}
		for _, s := range stories {
			fmt.Printf("%s %s %s\n", statusBadge(s.Status), s.ID, s.Title)
		}
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <story-id>",
	Short: "Show a story's state, waves, and steps",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		story, err := store.GetStory(ctx, args[0])
		if err != nil {
			fatal("%v", err)
		}
		steps, err := store.GetSteps(ctx, story.ID)
		if err != nil {
			fatal("%v", err)
		}

		cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
		yellow := color.New(color.FgYellow).SprintFunc()
		gray := color.New(color.FgHiBlack).SprintFunc()

		fmt.Printf("\n%s %s\n", cyan(story.Title), gray("("+story.ID+")"))
		fmt.Printf("  Status: %s", statusBadge(story.Status))
		if story.Status == types.StoryExecuting || story.Status == types.StoryPlanned {
			fmt.Printf("  wave %d", story.CurrentWave)
		}
		if story.LastGateResult != types.GateResultNone {
			fmt.Printf("  gate: %s", story.LastGateResult)
		}
		fmt.Println()
		fmt.Printf("  Mode: %s, gates: %s, source: %s\n", story.AutomationMode, story.GateMode, story.Source)
		if story.TriggerID != "" {
			fmt.Printf("  Trigger: %s\n", story.TriggerID)
		}

		if len(steps) > 0 {
			fmt.Printf("\n%s\n", yellow("Steps:"))
			wave := 0
			for _, s := range steps {
				if s.Wave != wave {
					wave = s.Wave
					marker := " "
					if wave == story.CurrentWave {
						marker = "▶"
					}
					fmt.Printf("  %s Wave %d\n", marker, wave)
				}
				line := fmt.Sprintf("    %s %s %s", stepBadge(s.Status), s.ID, s.Name)
				if s.Attempts > 1 {
					line += gray(fmt.Sprintf(" (attempt %d)", s.Attempts))
				}
				fmt.Println(line)
				if s.Error != "" {
					fmt.Printf("      %s\n", gray(s.Error))
				}
			}
		}
		fmt.Println()
	},
}

func statusBadge(s types.StoryStatus) string {
	switch s {
	case types.StoryCompleted:
		return color.GreenString("%-10s", s)
	case types.StoryFailed, types.StoryCancelled:
		return color.RedString("%-10s", s)
	case types.StoryExecuting:
		return color.YellowString("%-10s", s)
	default:
		return fmt.Sprintf("%-10s", s)
	}
}

func stepBadge(s types.StepStatus) string {
	switch s {
	case types.StepCompleted:
		return color.GreenString("●")
	case types.StepFailed:
		return color.RedString("✗")
	case types.StepRunning:
		return color.YellowString("◐")
	case types.StepNeedsApproval:
		return color.YellowString("?")
	case types.StepSkipped:
		return color.New(color.FgHiBlack).Sprint("○")
	default:
		return "○"
	}
}

func init() {
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(statusCmd)
	listCmd.Flags().StringVar(&listStatus, "status", "", "Filter by story status")
}
