package cli

import (
	"github.com/spf13/cobra"
)

// resumeCmd is a thin convenience wrapper over the root command: "orc
// resume <run-id>" is equivalent to "orc --resume-run-id <run-id>", so
// an operator doesn't have to remember the flag name to pick a crashed
// run back up (specification §4.8, §6).
var resumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "Resume a specific run from its last persisted stage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		flagResumeRunID = args[0]
		return runMain(cmd, nil)
	},
}
