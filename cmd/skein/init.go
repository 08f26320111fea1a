package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/skein-dev/skein/internal/config"
	"github.com/skein-dev/skein/internal/storage"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize skein in the current directory",
	Long: `Initialize skein by creating a .skein/ directory with a default
config file, the story database, and an empty triggers directory.

Example:
  cd ~/myproject
  skein init
  skein create "Add rate limiting to the API"`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		defaults := config.DefaultConfig()

		if err := os.MkdirAll(filepath.Dir(defaultConfigPath), 0755); err != nil {
			fatal("failed to create .skein directory: %v", err)
		}
		for _, dir := range defaults.Triggers.Dirs {
			if err := os.MkdirAll(dir, 0755); err != nil {
				fatal("failed to create triggers directory: %v", err)
			}
		}

		if err := config.SaveDefault(defaultConfigPath); err != nil {
			fatal("%v", err)
		}

		// Opening the database once creates the schema
		db, err := storage.NewStorage(context.Background(), &storage.Config{Path: defaults.Database.Path})
		if err != nil {
			fatal("failed to initialize database: %v", err)
		}
		_ = db.Close()

		green := color.New(color.FgGreen).SprintFunc()
		cyan := color.New(color.FgCyan).SprintFunc()
		gray := color.New(color.FgHiBlack).SprintFunc()

		fmt.Printf("\n%s Initialized skein\n\n", green("✓"))
		fmt.Printf("  Config:   %s\n", cyan(defaultConfigPath))
		fmt.Printf("  Database: %s\n", cyan(defaults.Database.Path))
		fmt.Printf("  Triggers: %s\n", cyan(defaults.Triggers.Dirs[0]))
		fmt.Println()
		fmt.Printf("%s Next steps:\n", gray("→"))
		fmt.Printf("  %s\n", gray(`skein create "My first story"`))
		fmt.Printf("  %s\n", gray("skein run    # Start the trigger daemon"))
		fmt.Println()
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
