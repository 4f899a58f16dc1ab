package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/fission-ai/orc/internal/fileutil"
	"github.com/fission-ai/orc/internal/model"
)

var (
	statusRunID  string
	statusFollow bool
)

func init() {
	statusCmd.Flags().StringVar(&statusRunID, "run-id", "", "Show a specific run instead of the most recently updated one")
	statusCmd.Flags().BoolVarP(&statusFollow, "follow", "f", false, "Live-update status (like watch)")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show a run's status_message and candidate counts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		repoPath, _, err := resolveRepoAndTask(nil)
		if err != nil {
			return err
		}
		logsRoot := fileutil.LogsRoot(repoPath)

		if statusFollow {
			return followStatus(logsRoot)
		}
		return showStatus(os.Stdout, logsRoot)
	},
}

var (
	styleLabel   = lipgloss.NewStyle().Bold(true)
	styleRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	styleDone    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	styleFailed  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	styleDim     = lipgloss.NewStyle().Faint(true)
)

func followStatus(logsRoot string) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		fmt.Print("\033[H\033[2J")
		if err := showStatus(os.Stdout, logsRoot); err != nil {
			fmt.Fprintf(os.Stderr, "error: %s\n", err)
		}
		select {
		case <-sigCh:
			fmt.Println()
			return nil
		case <-ticker.C:
		}
	}
}

func showStatus(w io.Writer, logsRoot string) error {
	run, err := loadStatusRun(logsRoot)
	if err != nil {
		return err
	}
	if run == nil {
		fmt.Fprintln(w, styleDim.Render("no runs found under "+logsRoot))
		return nil
	}

	fmt.Fprintln(w, styleLabel.Render("run ")+run.RunID)
	fmt.Fprintln(w, statusMessage(*run))

	running, done, failed := candidateCounts(*run)
	if running+done+failed > 0 {
		fmt.Fprintf(w, "candidates: %s  %s  %s\n",
			styleRunning.Render(fmt.Sprintf("%d running", running)),
			styleDone.Render(fmt.Sprintf("%d done", done)),
			styleFailed.Render(fmt.Sprintf("%d failed", failed)))
	}
	return nil
}

// loadStatusRun reads the run named by --run-id, or the most recently
// updated run under logsRoot if --run-id was not given.
func loadStatusRun(logsRoot string) (*model.Run, error) {
	if statusRunID != "" {
		return readState(filepath.Join(logsRoot, statusRunID, "state.json"))
	}

	entries, err := os.ReadDir(logsRoot)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var best *model.Run
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		run, err := readState(filepath.Join(logsRoot, e.Name(), "state.json"))
		if err != nil || run == nil {
			continue
		}
		if best == nil || run.UpdatedAt.After(best.UpdatedAt) {
			best = run
		}
	}
	return best, nil
}

func readState(path string) (*model.Run, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var run model.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &run, nil
}

// statusMessage implements the dashboard's derived status_message
// priority order (specification §6): admin decision pending > user input
// pending > initial task pending > any agent runtime marked Running
// (describe its phase) > otherwise map stage to a sentence.
func statusMessage(run model.Run) string {
	switch {
	case run.AwaitingAdminDecision:
		return styleRunning.Render("waiting on an admin decision")
	case run.AwaitingUserInput:
		return styleRunning.Render("waiting on user clarification")
	case run.AwaitingInitialTask:
		return styleRunning.Render("waiting for a task prompt")
	}

	ids := make([]string, 0, len(run.AgentRuntime))
	for id := range run.AgentRuntime {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		rt := run.AgentRuntime[id]
		if rt != nil && rt.Running {
			return styleRunning.Render(fmt.Sprintf("%s: %s in progress", id, rt.Phase))
		}
	}

	return stageSentence(run.Stage)
}

func stageSentence(stage model.Stage) string {
	switch stage {
	case model.StagePlanning:
		return "planning"
	case model.StagePlanReady:
		return "plan ready, assigning executors"
	case model.StageExecuting:
		return "executing candidates"
	case model.StageTestsReady:
		return "tests complete, preparing review"
	case model.StageReviewing:
		return "reviewing candidates"
	case model.StageReviewReady:
		return "review complete"
	case model.StageMerging:
		return "merging winning candidate"
	case model.StageComplete:
		return styleDone.Render("complete")
	case model.StageFailed:
		return styleFailed.Render("failed")
	case model.StagePersistenceFailed:
		return styleFailed.Render("failed to persist the winning candidate")
	case model.StageAwaitingUserInput:
		return "awaiting user input"
	case model.StageAwaitingInitialTask:
		return "awaiting initial task"
	case model.StageIdle:
		return styleDim.Render("idle")
	default:
		return string(stage)
	}
}

func candidateCounts(run model.Run) (running, done, failed int) {
	for _, c := range run.Candidates {
		if c == nil {
			continue
		}
		switch c.Status {
		case model.CandidateRunning:
			running++
		case model.CandidateDone:
			done++
		case model.CandidateFailed:
			failed++
		}
	}
	return running, done, failed
}
