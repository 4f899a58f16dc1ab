// Package resume implements the Resume Engine (specification §4.8): it
// scans the logs root for a run to re-enter when the user starts `orc`
// with no task prompt, validates an explicit --resume-run-id against
// path traversal, and infers which stage to re-enter at from the
// persisted run's stage and content. Grounded on
// internal/state.Store's state.json layout and loadStateFile's
// tolerate-a-missing-file read discipline, reimplemented read-only here
// so scanning candidates never creates a run directory as a side effect.
package resume

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fission-ai/orc/internal/model"
)

// ErrInvalidResumeID is returned by ValidateResumeID for any id that
// could escape logsRoot or does not correspond to an existing run.
type ErrInvalidResumeID struct {
	ID     string
	Reason string
}

func (e *ErrInvalidResumeID) Error() string {
	return fmt.Sprintf("invalid resume run id %q: %s", e.ID, e.Reason)
}

// ValidateResumeID rejects traversal-like ids and requires the resolved
// path to live inside logsRoot and contain a state.json whose repo_path
// matches repoPath (specification §4.8).
func ValidateResumeID(logsRoot, resumeID, repoPath string) (string, error) {
	if resumeID == "" || strings.Contains(resumeID, "..") || strings.ContainsAny(resumeID, `/\`) || filepath.IsAbs(resumeID) {
		return "", &ErrInvalidResumeID{ID: resumeID, Reason: "must be a bare run id with no path separators"}
	}

	absLogsRoot, err := filepath.Abs(logsRoot)
	if err != nil {
		return "", err
	}
	runDir := filepath.Join(absLogsRoot, resumeID)
	if !strings.HasPrefix(runDir, absLogsRoot+string(filepath.Separator)) {
		return "", &ErrInvalidResumeID{ID: resumeID, Reason: "resolves outside logs_root"}
	}

	run, err := readRunState(filepath.Join(runDir, "state.json"))
	if err != nil {
		return "", &ErrInvalidResumeID{ID: resumeID, Reason: err.Error()}
	}
	if run == nil {
		return "", &ErrInvalidResumeID{ID: resumeID, Reason: "no state.json found"}
	}
	if run.RepoPath != repoPath {
		return "", &ErrInvalidResumeID{ID: resumeID, Reason: fmt.Sprintf("belongs to repo_path %q, not %q", run.RepoPath, repoPath)}
	}

	return runDir, nil
}

// FindResumable scans logsRoot for the most recently updated run whose
// repo_path matches, run_status is "running", and whose workspace is
// still live on disk, for the no-task-prompt startup path (specification
// §4.8). Returns "" if nothing qualifies.
func FindResumable(logsRoot, repoPath string) (string, error) {
	entries, err := os.ReadDir(logsRoot)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	type candidate struct {
		runID   string
		updated string
	}
	var candidates []candidate

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		statePath := filepath.Join(logsRoot, entry.Name(), "state.json")
		run, err := readRunState(statePath)
		if err != nil || run == nil {
			continue
		}
		if run.RepoPath != repoPath || run.RunStatus != model.RunStatusRunning {
			continue
		}
		if !workspaceLive(run) {
			continue
		}
		candidates = append(candidates, candidate{runID: run.RunID, updated: run.UpdatedAt.Format("20060102150405.000000000")})
	}

	if len(candidates) == 0 {
		return "", nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].updated > candidates[j].updated })
	return candidates[0].runID, nil
}

// workspaceLive reports whether a run's last-known workspace still exists
// on disk — for a copy-strategy workspace, both the baseline snapshot and
// the working copy must exist.
func workspaceLive(run *model.Run) bool {
	if run.WorkspacePath == "" {
		return true // nothing materialized yet, e.g. still planning
	}
	if _, err := os.Stat(run.WorkspacePath); err != nil {
		return false
	}
	return true
}

func readRunState(path string) (*model.Run, error) {
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

// Entry is one step of the re-entry table (specification §4.8).
type Entry string

const (
	EntryPlan     Entry = "plan"
	EntryExecute  Entry = "execute"
	EntryReview   Entry = "review"
	EntryPersist  Entry = "persist"
	EntrySeedNext Entry = "seed_next_iteration"
	EntryReReview Entry = "re_review"
)

// InferEntry maps a persisted run's stage to a re-entry point, and
// reports whether the iteration counter must be rolled back by one so the
// controller re-enters the same in-flight iteration instead of starting a
// new one. Only plan_ready/executing and tests_ready/reviewing roll back:
// those stages persist a plan or a candidate set produced earlier in the
// very iteration that crashed, and runIteration increments the counter
// unconditionally at its own entry.
//
// A stage of review_ready with Approved already true can only have been
// written by promoteWinner's own Store.Update, which runs after the merge
// or apply-to-repo has already completed — so resuming there never risks
// redoing that side effect; it just needs to replay the handoff.
func InferEntry(run model.Run) (Entry, bool) {
	switch run.Stage {
	case model.StagePlanning:
		return EntryPlan, true
	case model.StagePlanReady, model.StageExecuting:
		return EntryExecute, true
	case model.StageTestsReady, model.StageReviewing:
		return EntryReview, true
	case model.StageReviewReady:
		if run.Approved {
			return EntryPersist, false
		}
		if run.NextPrompt != "" {
			return EntrySeedNext, false
		}
		return EntryReReview, true
	default:
		return EntryPlan, true
	}
}
