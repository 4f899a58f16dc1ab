// Package cli implements orc's command surface (specification §6),
// built with spf13/cobra exactly as the teacher's cmd/line/main.go +
// internal/cli/root.go: a root command with persistent flags and a
// handful of subcommands (status, resume, version), rather than the
// multi-verb subcommand tree some CLIs use.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var Version = "dev"

var (
	flagRepo        string
	flagResumeRunID string
	flagConfigPath  string
)

var rootCmd = &cobra.Command{
	Use:   "orc <task-or-repo>",
	Short: "Orchestrate reviewer/executor coding agents to a task",
	Long: `orc drives one or more reviewer agents and executor agents through a
plan -> execute -> test -> review -> promote loop until a candidate is
approved by consensus or an admin, then hands off and applies or merges
the winning change.

If the first positional argument is an existing directory (or "."), it
is interpreted as --repo and no task is inferred, matching the original
tool's UI-first behavior: orc waits on the broker for a task.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runMain,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagRepo, "repo", "", "Repository path (default: current directory)")
	rootCmd.Flags().StringVar(&flagResumeRunID, "resume-run-id", "", "Resume a specific run id instead of scanning logs_root")
	rootCmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "Explicit config file path (overrides the .orc/config.* search)")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("orc %s\n", Version)
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
