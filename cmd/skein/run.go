package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/skein-dev/skein/internal/trigger"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the trigger daemon",
	Long: `Run the daemon: watch the trigger directories for YAML trigger files,
evaluate cron conditions every tick, and spawn stories for due
triggers. Edits to trigger files take effect without a restart.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		orch, _, err := buildOrchestrator()
		if err != nil {
			fatal("%v", err)
		}

		debounce, err := cfg.DebounceDuration()
		if err != nil {
			fatal("%v", err)
		}
		tick, err := cfg.TickDuration()
		if err != nil {
			fatal("%v", err)
		}

		triggers, err := trigger.NewStore(&trigger.StoreConfig{Debounce: debounce})
		if err != nil {
			fatal("failed to create trigger store: %v", err)
		}
		defer triggers.Close()

		for _, dir := range cfg.Triggers.Dirs {
			if err := triggers.AddWatchDirectory(dir); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: cannot watch trigger directory %s: %v\n", dir, err)
			}
		}

		scheduler, err := trigger.NewScheduler(&trigger.SchedulerConfig{
			Store:        triggers,
			Spawner:      orch,
			TickInterval: tick,
		})
		if err != nil {
			fatal("failed to create scheduler: %v", err)
		}
		if err := scheduler.Start(cmd.Context()); err != nil {
			fatal("failed to start scheduler: %v", err)
		}
		defer scheduler.Stop()

		green := color.New(color.FgGreen).SprintFunc()
		gray := color.New(color.FgHiBlack).SprintFunc()
		fmt.Printf("%s Daemon running: %d triggers loaded, tick every %v\n",
			green("✓"), len(triggers.All()), tick)
		for _, st := range scheduler.Status() {
			fmt.Printf("  %s next fire %s\n", st.ID, gray(st.Next.Format(time.RFC3339)))
		}
		fmt.Printf("%s\n", gray("Ctrl+C to stop"))

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		fmt.Printf("\nReceived %v, shutting down\n", sig)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
