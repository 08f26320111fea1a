package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var chatCmd = &cobra.Command{
	Use:   "chat <story-id> [message]",
	Short: "Adjust a story's plan through conversation",
	Long: `Talk to the planner about a planned or executing story. The planner
can append steps to the end of the plan or remove steps that haven't
started. With no message, starts an interactive session.`,
	Args: cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {
		orch, _, err := buildOrchestrator()
		if err != nil {
			fatal("%v", err)
		}
		ctx := cmd.Context()
		storyID := args[0]

		send := func(message string) error {
			reply, delta, err := orch.Chat(ctx, storyID, message)
			if err != nil {
				return err
			}
			fmt.Printf("\n%s\n", reply)
			if !delta.IsEmpty() {
				gray := color.New(color.FgHiBlack).SprintFunc()
				fmt.Printf("%s\n", gray(fmt.Sprintf("Plan updated: +%d steps, -%d steps",
					len(delta.StepsAdded), len(delta.StepsRemoved))))
			}
			return nil
		}

		if len(args) == 2 {
			if err := send(args[1]); err != nil {
				fatal("%v", err)
			}
			return
		}

		// Interactive session
		cyan := color.New(color.FgCyan).SprintFunc()
		rl, err := readline.NewEx(&readline.Config{
			Prompt:          cyan("skein> "),
			InterruptPrompt: "^C",
			EOFPrompt:       "exit",
		})
		if err != nil {
			fatal("failed to start interactive session: %v", err)
		}
		defer rl.Close()

		fmt.Println("Chatting about the plan. Ctrl+D to exit.")
		for {
			line, err := rl.Readline()
			if err == readline.ErrInterrupt {
				continue
			}
			if err == io.EOF {
				return
			}
			if err != nil {
				fatal("%v", err)
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if err := send(line); err != nil {
				fmt.Printf("%s %v\n", color.RedString("Error:"), err)
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(chatCmd)
}
