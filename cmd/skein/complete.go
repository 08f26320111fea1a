package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var completeCmd = &cobra.Command{
	Use:   "complete <story-id>",
	Short: "Mark an executing story completed",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		orch, _, err := buildOrchestrator()
		if err != nil {
			fatal("%v", err)
		}
		story, err := orch.Complete(cmd.Context(), args[0])
		if err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s Story completed at %s\n", color.GreenString("✓"),
			story.CompletedAt.Format("2006-01-02 15:04:05"))
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <story-id>",
	Short: "Cancel a story, interrupting any running steps",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		orch, _, err := buildOrchestrator()
		if err != nil {
			fatal("%v", err)
		}
		story, err := orch.Cancel(cmd.Context(), args[0])
		if err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s Story %s cancelled\n", color.YellowString("○"), story.ID)
	},
}

func init() {
	rootCmd.AddCommand(completeCmd)
	rootCmd.AddCommand(cancelCmd)
}
