package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/fission-ai/orc/internal/agent"
	"github.com/fission-ai/orc/internal/gitrepo"
	"github.com/fission-ai/orc/internal/model"
	"github.com/fission-ai/orc/internal/prompt"
	"github.com/fission-ai/orc/internal/schema"
)

func agentHandoffCall(rollup prompt.CandidateRollup, decision model.ReviewerDecision) agent.Call {
	return agent.Call{
		Phase:  "HANDOFF",
		Prompt: prompt.Handoff(rollup, decision),
		Schema: schema.Handoff,
	}
}

// checkIterationCap enforces orchestrator.max_iterations (specification
// §4.6, §7): once the run's iteration counter exceeds the configured cap
// it escalates to an admin decision between accepting the best candidate
// seen so far or extending the cap.
func (c *Controller) checkIterationCap(ctx context.Context) (done bool, err error) {
	max := c.Cfg.Orchestrator.MaxIterations
	if max == nil {
		return false, nil
	}
	run := c.Store.Run()
	if run.Iteration <= *max {
		return false, nil
	}

	missing := missingWorkSummary(run)
	c.Broker.Notify(ctx, fmt.Sprintf("run %s hit max_iterations=%d. Outstanding work: %s", run.RunID, *max, missing))

	choice, notes, err := c.Broker.AskAdmin(ctx, []string{"accept_partial", "extend"})
	if err != nil {
		return false, fmt.Errorf("escalating iteration cap: %w", err)
	}
	if err := c.Store.AppendHistory("iteration_cap_reached", notes, map[string]any{
		"iteration":      run.Iteration,
		"max_iterations": *max,
		"missing_work":   missing,
		"admin_choice":   choice,
	}); err != nil {
		return false, err
	}

	if choice == 1 {
		extended := *max + 10
		if err := c.Store.Update(func(r *model.Run) {
			// The run's own copy of max_iterations lives only in Cfg; record
			// the extension in history/handoff rather than mutating Cfg so
			// concurrent iterations keep reading a consistent cap.
			r.NextPrompt = fmt.Sprintf("iteration cap extended to %d by admin", extended)
		}); err != nil {
			return false, err
		}
		c.Cfg.Orchestrator.MaxIterations = &extended
		return false, nil
	}

	if err := c.Store.Update(func(r *model.Run) {
		r.Approved = true
		r.ApprovedByAdmin = true
		r.HandoffSummary = missing
		if notes != "" {
			r.HandoffSummary = notes + "\n\nOutstanding work: " + missing
		}
	}); err != nil {
		return false, err
	}
	return true, nil
}

// missingWorkSummary pulls the best available description of what's left
// to do: the most recent rejection's feedback, else the next prompt the
// run would have retried with.
func missingWorkSummary(run model.Run) string {
	for _, d := range run.Decisions {
		if d != nil && d.Status == model.DecisionRejected && d.Feedback != "" {
			return d.Feedback
		}
	}
	if run.Task != "" {
		return run.Task
	}
	return "no reviewer feedback recorded"
}

// promoteOrReject implements specification §4.6 step 6: on APPROVED it
// promotes the winning candidate (handing worktree strategies to
// Auto-Merge, applying copy-strategy workspaces directly), on REJECTED it
// feeds next_prompt back into the run and optionally carries the winning
// workspace forward, and either way it destroys every losing candidate's
// workspace.
func (c *Controller) promoteOrReject(ctx context.Context, candidates []model.Candidate, decision model.ReviewerDecision) (bool, error) {
	var winner *model.Candidate
	for i := range candidates {
		if candidates[i].ID == decision.WinnerCandidateID {
			winner = &candidates[i]
			break
		}
	}
	if winner == nil {
		return false, fmt.Errorf("reviewer decision names unknown winner_candidate_id %q", decision.WinnerCandidateID)
	}

	carryForward := decision.Status == model.DecisionRejected && c.Cfg.Orchestrator.CarryForwardWorkspaceBetweenIters
	// The winner's workspace must survive this pass: promoteWinner still has
	// to merge or apply it, and a carried-forward workspace seeds the next
	// iteration. Losers are destroyed here either way.
	keepWinner := decision.Status == model.DecisionApproved || carryForward
	for i := range candidates {
		if keepWinner && candidates[i].ID == winner.ID {
			continue
		}
		ws := &model.Workspace{
			Strategy: model.WorkspaceStrategy(candidates[i].WorkspaceStrategy),
			Path:     candidates[i].WorkspacePath,
			RepoPath: c.Store.Run().RepoPath,
		}
		if err := c.Workspaces.Cleanup(ws); err != nil {
			c.logf("cleanup of candidate %s failed: %s", candidates[i].ID, err)
		}
	}

	switch decision.Status {
	case model.DecisionApproved:
		return true, c.promoteWinner(ctx, *winner, decision, candidates)
	case model.DecisionRejected:
		return false, c.rejectIteration(*winner, decision, carryForward)
	default:
		return false, fmt.Errorf("promoteOrReject: unexpected decision status %s", decision.Status)
	}
}

func (c *Controller) promoteWinner(ctx context.Context, winner model.Candidate, decision model.ReviewerDecision, candidates []model.Candidate) error {
	run := c.Store.Run()
	// ResumeCandidate rather than a bare Workspace literal: it re-derives
	// the copy strategy's baseline path, which apply-back needs to mirror
	// deletions into the repo.
	ws, err := c.Workspaces.ResumeCandidate(winner.WorkspacePath, model.WorkspaceStrategy(winner.WorkspaceStrategy), "")
	if err != nil {
		return err
	}

	if ws.Strategy == model.StrategyWorktree {
		// The worktree's edits must be committed onto the candidate branch
		// before anything can merge it; auto-merge implies the commit even
		// when commit_on_approval is off.
		if c.Cfg.Orchestrator.CommitOnApproval || c.Merge != nil {
			message := renderMessage(c.Cfg.Orchestrator.CommitMessage, run)
			if _, err := c.Workspaces.CommitChanges(ws, message); err != nil {
				_ = c.setStage(model.StagePersistenceFailed)
				return fmt.Errorf("committing winning worktree: %w", err)
			}
		}
		if c.Merge == nil {
			return fmt.Errorf("approved worktree candidate %s but no Auto-Merge engine is configured", winner.ID)
		}
		if err := c.setStage(model.StageMerging); err != nil {
			return err
		}
		req := MergeRequest{
			Winner:      winner,
			PlanSummary: decision.Summary,
			Decisions:   []model.ReviewerDecision{decision},
			RollUp: prompt.CandidateRollup{
				CandidateID:     winner.ID,
				ExecutorSummary: winner.ExecutorSummary,
				TestSummary:     winner.TestSummary,
				DiffPreview:     winner.DiffPreview,
			},
		}
		for i := range c.Executors {
			if c.Executors[i].Spec.ID == winner.ExecutorID {
				req.Executor = &c.Executors[i]
				break
			}
		}
		if err := c.Merge.Merge(ctx, c.Store, req); err != nil {
			_ = c.setStage(model.StagePersistenceFailed)
			return fmt.Errorf("auto-merge: %w", err)
		}
	} else if c.Cfg.Orchestrator.ApplyChangesOnSuccess {
		if err := c.Workspaces.ApplyToRepo(ws); err != nil {
			_ = c.setStage(model.StagePersistenceFailed)
			return fmt.Errorf("applying winning workspace to repo: %w", err)
		}
		if c.Cfg.Orchestrator.CommitOnApproval {
			repo := gitrepo.NewRepo(ws.RepoPath)
			repo.EnsureIdentity()
			if err := repo.StageAll(); err != nil {
				_ = c.setStage(model.StagePersistenceFailed)
				return fmt.Errorf("staging applied changes: %w", err)
			}
			if err := repo.Commit(renderMessage(c.Cfg.Orchestrator.CommitMessage, run)); err != nil {
				_ = c.setStage(model.StagePersistenceFailed)
				return fmt.Errorf("committing applied changes: %w", err)
			}
		}
	}

	persisted := ws.Strategy == model.StrategyWorktree || c.Cfg.Orchestrator.ApplyChangesOnSuccess
	return c.Store.Update(func(r *model.Run) {
		r.Approved = true
		r.Persisted = persisted
		r.WinnerCandidateID = winner.ID
		r.HandoffSummary = decision.Summary
	})
}

// renderMessage fills the commit-message template's {task} and {run_id}
// placeholders.
func renderMessage(template string, run model.Run) string {
	message := strings.ReplaceAll(template, "{task}", run.Task)
	return strings.ReplaceAll(message, "{run_id}", run.RunID)
}

func (c *Controller) rejectIteration(winner model.Candidate, decision model.ReviewerDecision, carryForward bool) error {
	return c.Store.Update(func(r *model.Run) {
		if decision.NextPrompt != nil {
			r.Task = *decision.NextPrompt
		}
		if carryForward {
			r.WorkspacePath = winner.WorkspacePath
		} else {
			r.WorkspacePath = ""
		}
	})
}

// handoff reruns every reviewer in HANDOFF mode on the winning candidate
// so the admin gets each reviewer's own summary, then relays the winning
// reviewer's one over the broker's side channel (specification §4.6 final
// step). The fan-out mirrors planPhase/reviewPhase: one failed reviewer
// never blocks the others' summaries.
func (c *Controller) handoff(ctx context.Context) error {
	run := c.Store.Run()
	cand, ok := run.Candidates[run.WinnerCandidateID]
	if !ok || len(c.Reviewers) == 0 {
		c.Broker.Notify(ctx, fmt.Sprintf("run %s finished: %s", run.RunID, run.HandoffSummary))
		return nil
	}

	rollup := prompt.CandidateRollup{
		CandidateID:     cand.ID,
		ExecutorSummary: cand.ExecutorSummary,
		TestSummary:     cand.TestSummary,
		DiffPreview:     cand.DiffPreview,
	}
	finalDecision := model.ReviewerDecision{
		ReviewerID:        cand.ReviewerID,
		Status:            model.DecisionApproved,
		WinnerCandidateID: cand.ID,
		Summary:           run.HandoffSummary,
	}

	var mu sync.Mutex
	summaries := make(map[string]string, len(c.Reviewers))

	g, gctx := errgroup.WithContext(ctx)
	for _, reviewer := range c.Reviewers {
		reviewer := reviewer
		g.Go(func() error {
			result, err := c.callAgent(gctx, reviewer, agentHandoffCall(rollup, finalDecision))
			if err != nil {
				c.logf("handoff by %s failed: %s", reviewer.Spec.ID, err)
				return nil
			}
			summary, _ := result.Raw["summary"].(string)
			if summary == "" {
				return nil
			}
			mu.Lock()
			summaries[reviewer.Spec.ID] = summary
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	display := displaySummary(summaries, cand.ReviewerID, run.HandoffSummary)
	if err := c.Store.Update(func(r *model.Run) {
		r.HandoffSummaries = summaries
		r.HandoffSummary = display
	}); err != nil {
		return err
	}
	c.Broker.Notify(ctx, display)
	return nil
}

// displaySummary picks the one summary HandoffSummary/Notify surface: the
// winning candidate's own reviewer wins, then the lexicographically first
// reviewer id that produced one, then whatever the run already held.
func displaySummary(summaries map[string]string, winnerReviewerID, fallback string) string {
	if s := summaries[winnerReviewerID]; s != "" {
		return s
	}
	ids := make([]string, 0, len(summaries))
	for id := range summaries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if summaries[id] != "" {
			return summaries[id]
		}
	}
	return fallback
}
