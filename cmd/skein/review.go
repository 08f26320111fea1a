package main

import (
	"fmt"
	"strconv"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var approveCmd = &cobra.Command{
	Use:   "approve <story-id> <step-id>",
	Short: "Approve a step awaiting review",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		orch, _, err := buildOrchestrator()
		if err != nil {
			fatal("%v", err)
		}
		step, err := orch.Approve(cmd.Context(), args[0], args[1])
		if err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s Approved %s\n", color.GreenString("✓"), step.Name)
	},
}

var rejectFeedback string

var rejectCmd = &cobra.Command{
	Use:   "reject <story-id> <step-id>",
	Short: "Reject a step with feedback; it returns to pending for rework",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		if rejectFeedback == "" {
			fatal("rejection requires --feedback")
		}
		orch, _, err := buildOrchestrator()
		if err != nil {
			fatal("%v", err)
		}
		step, err := orch.Reject(cmd.Context(), args[0], args[1], rejectFeedback)
		if err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s Rejected %s; re-run it with: skein execute %s %s\n",
			color.YellowString("↩"), step.Name, args[0], step.ID)
	},
}

var skipReason string

var skipCmd = &cobra.Command{
	Use:   "skip <story-id> <step-id>",
	Short: "Skip a step awaiting review",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		orch, _, err := buildOrchestrator()
		if err != nil {
			fatal("%v", err)
		}
		step, err := orch.Skip(cmd.Context(), args[0], args[1], skipReason)
		if err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s Skipped %s\n", color.New(color.FgHiBlack).Sprint("○"), step.Name)
	},
}

var confirmCmd = &cobra.Command{
	Use:   "confirm <story-id> <wave>",
	Short: "Confirm a held wave so the story advances",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		wave, err := strconv.Atoi(args[1])
		if err != nil {
			fatal("invalid wave number %q", args[1])
		}
		orch, _, err := buildOrchestrator()
		if err != nil {
			fatal("%v", err)
		}
		story, err := orch.ConfirmWave(cmd.Context(), args[0], wave)
		if err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s Wave confirmed; story is on wave %d\n", color.GreenString("✓"), story.CurrentWave)
	},
}

var denyCmd = &cobra.Command{
	Use:   "deny <story-id> <wave>",
	Short: "Deny a held wave, failing the story",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		wave, err := strconv.Atoi(args[1])
		if err != nil {
			fatal("invalid wave number %q", args[1])
		}
		orch, _, err := buildOrchestrator()
		if err != nil {
			fatal("%v", err)
		}
		story, err := orch.DenyWave(cmd.Context(), args[0], wave)
		if err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s Wave denied; story is %s\n", color.RedString("✗"), story.Status)
	},
}

func init() {
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(rejectCmd)
	rootCmd.AddCommand(skipCmd)
	rootCmd.AddCommand(confirmCmd)
	rootCmd.AddCommand(denyCmd)
	rejectCmd.Flags().StringVarP(&rejectFeedback, "feedback", "f", "", "Why the step is rejected (given to the agent on rework)")
	skipCmd.Flags().StringVarP(&skipReason, "reason", "r", "", "Why the step is skipped")
}
