package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "unify",
		Short: "OpenUnify - integration unification engine",
		Long: `OpenUnify executes declarative connection definitions against third-party
platforms and normalizes their responses into common models.

Features:
  - Versioned connection, model and OAuth definitions in SQLite
  - Two-tier read-through cache (in-process LRU plus Redis or SQLite)
  - OAuth credential lifecycle with sandboxed Starlark scripts
  - Rego admission policies for definition writes
  - Common model expansion`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (.cue, .yaml or .json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newImportCommand())
	rootCmd.AddCommand(newWatchCommand())
	rootCmd.AddCommand(newExecuteCommand())
	rootCmd.AddCommand(newTestCommand())
	rootCmd.AddCommand(newExpandCommand())
	rootCmd.AddCommand(newOAuthCommand())
	rootCmd.AddCommand(newPolicyCommand())

	return rootCmd
}

// printJSON writes v to w as indented JSON.
func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
