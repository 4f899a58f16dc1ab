// Package automerge implements the Auto-Merge Engine (specification
// §4.7): it checks out the merge target branch, applies the target's
// dirty-working-tree policy, merges the winning candidate's branch with
// --no-ff, and on conflict hands the conflicted files to the winning
// candidate's own executor for resolution, bounded by a retry cap.
// Grounded on internal/gitrepo (gitrepo.Repo.MergeNoFF/UnmergedFiles,
// generalized from the teacher's internal/engine.rebaseWorktree
// abort-and-retry discipline) and internal/workspace for the deterministic
// candidate branch name and post-merge cleanup.
package automerge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fission-ai/orc/internal/agent"
	"github.com/fission-ai/orc/internal/gitrepo"
	"github.com/fission-ai/orc/internal/model"
	"github.com/fission-ai/orc/internal/orchestrator"
	"github.com/fission-ai/orc/internal/prompt"
	"github.com/fission-ai/orc/internal/schema"
	"github.com/fission-ai/orc/internal/state"
	"github.com/fission-ai/orc/internal/workspace"
)

// DirtyPolicy governs what happens when the target branch's working tree
// has uncommitted changes right before a merge (specification §4.7).
type DirtyPolicy string

const (
	DirtyCommit DirtyPolicy = "commit"
	DirtyAbort  DirtyPolicy = "abort"
)

// Engine implements orchestrator.Merger.
type Engine struct {
	RepoPath              string
	TargetBranch          string
	Dirty                 DirtyPolicy
	DirtyCommitMessage    string // may contain a "{branch}" placeholder
	MergeCommitMessage    string // may contain "{branch}" and "{run_id}" placeholders
	DeleteBranchOnMerge   bool
	DeleteWorktreeOnMerge bool
	Workspaces            *workspace.Manager
	MaxConflictRounds     int
	Log                   io.Writer // merge-conflict executor turns are logged here
}

var _ orchestrator.Merger = (*Engine)(nil)

func (e *Engine) maxRounds() int {
	if e.MaxConflictRounds <= 0 {
		return 3
	}
	return e.MaxConflictRounds
}

// Merge runs the full auto-merge sequence for one approved candidate.
// merge_status follows specification §4.7: running -> merged | failed.
func (e *Engine) Merge(ctx context.Context, store *state.Store, req orchestrator.MergeRequest) error {
	if err := store.Update(func(r *model.Run) {
		r.MergeStatus = "running"
		r.MergeError = ""
		r.MergeConflictFiles = nil
	}); err != nil {
		return err
	}

	run := store.Run()
	repo := gitrepo.NewRepo(e.RepoPath)
	repo.EnsureIdentity()

	if !repo.BranchExists(e.TargetBranch) {
		return e.fail(store, fmt.Errorf("merge target branch %s does not exist", e.TargetBranch))
	}

	if err := e.applyDirtyPolicy(repo); err != nil {
		return e.fail(store, err)
	}

	if err := repo.Checkout(e.TargetBranch); err != nil {
		return e.fail(store, fmt.Errorf("checking out merge target %s: %w", e.TargetBranch, err))
	}
	if err := e.applyDirtyPolicy(repo); err != nil {
		return e.fail(store, err)
	}

	branch := e.Workspaces.CandidateBranch(run.RunID, req.Winner.Iteration, req.Winner.ID)
	commitMessage := e.mergeCommitMessage(branch, run.RunID)

	mergeOut, mergeErr := repo.MergeNoFF(branch, commitMessage)
	if mergeErr != nil {
		unmerged, _ := repo.UnmergedFiles()
		if len(unmerged) == 0 {
			return e.fail(store, fmt.Errorf("git merge --no-ff %s: %s", branch, mergeOut))
		}
		if err := e.resolveConflicts(ctx, store, repo, req, mergeOut, unmerged, commitMessage); err != nil {
			_, _ = repo.Run("merge", "--abort")
			return e.fail(store, err)
		}
	}

	sha, err := repo.HeadCommit("HEAD")
	if err != nil {
		return e.fail(store, err)
	}
	if !repo.IsAncestor(branch, e.TargetBranch) {
		return e.fail(store, fmt.Errorf("candidate branch %s is not an ancestor of %s after merge", branch, e.TargetBranch))
	}

	if err := store.Update(func(r *model.Run) {
		r.MergeStatus = "merged"
		r.MergeCommitSHA = sha
		r.MergeConflictFiles = nil
		r.MergeError = ""
	}); err != nil {
		return err
	}

	if e.DeleteWorktreeOnMerge {
		ws := &model.Workspace{Strategy: model.WorkspaceStrategy(req.Winner.WorkspaceStrategy), Path: req.Winner.WorkspacePath, Branch: branch, RepoPath: e.RepoPath}
		if err := e.Workspaces.Cleanup(ws); err != nil {
			return nil // merge already succeeded; cleanup failure is not a merge failure
		}
	}
	if e.DeleteBranchOnMerge {
		_ = repo.DeleteBranch(branch)
	}
	return nil
}

// mergeCommitMessage renders e.MergeCommitMessage with "{branch}" and
// "{run_id}" substituted, the same templating convention applyDirtyPolicy
// uses for e.DirtyCommitMessage.
func (e *Engine) mergeCommitMessage(branch, runID string) string {
	message := e.MergeCommitMessage
	if message == "" {
		message = "orc: merge {branch} ({run_id})"
	}
	message = strings.ReplaceAll(message, "{branch}", branch)
	message = strings.ReplaceAll(message, "{run_id}", runID)
	return message
}

func (e *Engine) applyDirtyPolicy(repo *gitrepo.Repo) error {
	dirty, err := repo.HasChanges()
	if err != nil {
		return err
	}
	if !dirty {
		return nil
	}
	if e.Dirty == DirtyAbort {
		return fmt.Errorf("target branch %s has uncommitted changes and dirty_policy=abort", e.TargetBranch)
	}
	if err := repo.StageAll(); err != nil {
		return err
	}
	message := e.DirtyCommitMessage
	if message == "" {
		message = "orc: auto-committed dirty target branch before merge"
	}
	message = strings.ReplaceAll(message, "{branch}", e.TargetBranch)
	return repo.Commit(message)
}

// resolveConflicts hands the conflicted files to the winning candidate's
// executor, bounded by e.maxRounds() attempts, re-checking for unresolved
// conflicts after every attempt (specification §4.7 conflict loop).
func (e *Engine) resolveConflicts(ctx context.Context, store *state.Store, repo *gitrepo.Repo, req orchestrator.MergeRequest, mergeOut string, unmerged []string, commitMessage string) error {
	if req.Executor == nil {
		return fmt.Errorf("merge conflict in %v but candidate has no resolvable executor", unmerged)
	}

	if err := store.Update(func(r *model.Run) {
		r.MergeStatus = "conflict"
		r.MergeConflictFiles = unmerged
	}); err != nil {
		return err
	}

	for round := 0; round < e.maxRounds(); round++ {
		statusPorcelain, _ := repo.StatusPorcelain()
		call := agent.Call{
			Phase:   "MERGE_CONFLICT",
			Prompt:  prompt.MergeConflict(req.PlanSummary, req.Decisions, req.RollUp, statusPorcelain, mergeOut, unmerged, commitMessage),
			Schema:  schema.ExecutorResult,
			WorkDir: e.RepoPath,
			// Conflict resolution only needs to read, edit and stage files.
			AllowedTools: []string{"Read", "Edit", "Write", "Bash"},
		}
		result, err := req.Executor.Client.Call(ctx, req.Executor.Spec, call, e.Log)
		if err != nil {
			return fmt.Errorf("invoking executor to resolve merge conflict: %w", err)
		}
		exec, err := remarshalExecutorResult(result.Raw)
		if err != nil {
			return err
		}
		if model.NormalizeExecutorOutcome(exec.Status) == model.ExecutorFailed {
			return fmt.Errorf("executor could not resolve merge conflict: %s", exec.Summary)
		}

		unmerged, err = repo.UnmergedFiles()
		if err != nil {
			return err
		}
		if len(unmerged) == 0 {
			if repo.MergeInProgress() {
				if err := repo.Commit(commitMessage); err != nil {
					return fmt.Errorf("completing merge commit after conflict resolution: %w", err)
				}
			}
			return store.Update(func(r *model.Run) {
				r.MergeResolutionSummary = exec.Summary
			})
		}
	}
	return fmt.Errorf("exceeded merge conflict resolution attempts, still conflicted: %v", unmerged)
}

func remarshalExecutorResult(raw map[string]any) (model.ExecutorResult, error) {
	var out model.ExecutorResult
	data, err := json.Marshal(raw)
	if err != nil {
		return out, err
	}
	err = json.Unmarshal(data, &out)
	return out, err
}

func (e *Engine) fail(store *state.Store, cause error) error {
	_ = store.Update(func(r *model.Run) {
		r.MergeStatus = "failed"
		r.MergeError = cause.Error()
	})
	return cause
}
