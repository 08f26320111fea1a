package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <story-id>",
	Short: "Run AI context enrichment for a story",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		orch, _, err := buildOrchestrator()
		if err != nil {
			fatal("%v", err)
		}

		fmt.Println("Analyzing story...")
		story, err := orch.Analyze(cmd.Context(), args[0])
		if err != nil {
			fatal("%v", err)
		}

		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s Story analyzed\n", green("✓"))
		fmt.Printf("  Context: %d bytes\n", len(story.Context))
	},
}

var planCmd = &cobra.Command{
	Use:   "plan <story-id>",
	Short: "Generate the wave-grouped step plan for an analyzed story",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		orch, _, err := buildOrchestrator()
		if err != nil {
			fatal("%v", err)
		}

		fmt.Println("Planning story...")
		story, steps, err := orch.Plan(cmd.Context(), args[0])
		if err != nil {
			fatal("%v", err)
		}

		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s Planned %d steps starting at wave %d\n", green("✓"), len(steps), story.CurrentWave)
		wave := 0
		for _, s := range steps {
			if s.Wave != wave {
				wave = s.Wave
				fmt.Printf("  Wave %d:\n", wave)
			}
			fmt.Printf("    %s  %s [%s]\n", s.ID, s.Name, s.Capability)
		}
	},
}

func init() {
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(planCmd)
}
