package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/fission-ai/orc/internal/agent"
	"github.com/fission-ai/orc/internal/model"
	"github.com/fission-ai/orc/internal/prompt"
	"github.com/fission-ai/orc/internal/schema"
	"github.com/fission-ai/orc/internal/testrun"
	"github.com/fission-ai/orc/internal/workspace"
)

// assignment is one (plan, executor) pairing produced by the round-robin
// rule in specification §4.6 step 2.
type assignment struct {
	plan       model.Plan
	reviewerID string
	executor   AgentHandle
	index      int // k in iter{N}-{reviewer}-{executor}-{k}, disambiguates executors_per_plan>1
}

func (c *Controller) buildAssignments(plans map[string]model.Plan) []assignment {
	reviewerIDs := make([]string, 0, len(plans))
	for id := range plans {
		reviewerIDs = append(reviewerIDs, id)
	}
	sort.Strings(reviewerIDs)

	perPlan := c.Cfg.Agents.Assignment.ExecutorsPerPlan
	if perPlan <= 0 {
		perPlan = 1
	}

	var out []assignment
	cursor := 0
	for _, rid := range reviewerIDs {
		for k := 0; k < perPlan; k++ {
			if len(c.Executors) == 0 {
				break
			}
			exec := c.Executors[cursor%len(c.Executors)]
			cursor++
			out = append(out, assignment{plan: plans[rid], reviewerID: rid, executor: exec, index: k})
		}
	}
	return out
}

// executePhase materializes one workspace per assignment, runs the
// executor (looping through reviewer-feedback on NEEDS_REVIEWER), runs
// tests, and computes the diff — specification §4.6 steps 2-3.
func (c *Controller) executePhase(ctx context.Context, plans map[string]model.Plan) ([]model.Candidate, error) {
	if err := c.setStage(model.StageExecuting); err != nil {
		return nil, err
	}

	assignments := c.buildAssignments(plans)
	if len(assignments) == 0 {
		return nil, fmt.Errorf("no executors configured; cannot execute any plan")
	}
	multiCandidate := len(assignments) > 1

	run := c.Store.Run()
	source := run.RepoPath
	strategy := model.WorkspaceStrategy(c.Cfg.Orchestrator.WorkspaceStrategy)
	if c.Cfg.Orchestrator.CarryForwardWorkspaceBetweenIters && run.WorkspacePath != "" {
		source = run.WorkspacePath
	}

	var mu sync.Mutex
	var candidates []model.Candidate

	g, gctx := errgroup.WithContext(ctx)
	for i, a := range assignments {
		i, a := i, a
		g.Go(func() error {
			cand, err := c.executeOne(gctx, run.RunID, run.Iteration, i, a, source, strategy, multiCandidate)
			if err != nil {
				return err
			}
			mu.Lock()
			candidates = append(candidates, *cand)
			mu.Unlock()
			return c.Store.Update(func(r *model.Run) {
				if r.Candidates == nil {
					r.Candidates = map[string]*model.Candidate{}
				}
				r.Candidates[cand.ID] = cand
			})
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := c.setStage(model.StageTestsReady); err != nil {
		return nil, err
	}
	return candidates, nil
}

func (c *Controller) executeOne(ctx context.Context, runID string, iteration, idx int, a assignment, source string, strategy model.WorkspaceStrategy, multiCandidate bool) (*model.Candidate, error) {
	candidateID := fmt.Sprintf("iter%d-%s-%s-%d", iteration, a.reviewerID, a.executor.Spec.ID, a.index)

	ws, err := c.Workspaces.CreateCandidate(runID, iteration, candidateID, source, strategy, multiCandidate)
	if err != nil {
		return nil, fmt.Errorf("creating workspace for %s: %w", candidateID, err)
	}

	cand := &model.Candidate{
		ID:                candidateID,
		Iteration:         iteration,
		ReviewerID:        a.reviewerID,
		ExecutorID:        a.executor.Spec.ID,
		WorkspacePath:     ws.Path,
		WorkspaceStrategy: string(ws.Strategy),
		Status:            model.CandidateRunning,
	}

	result, resErr := c.callAgent(ctx, a.executor, agent.Call{
		Phase:        "EXECUTE",
		Prompt:       prompt.Execute(a.plan),
		Schema:       schema.ExecutorResult,
		WorkDir:      ws.Path,
		AllowedTools: a.executor.Spec.AllowedTools,
		MaxTurns:     a.executor.Spec.MaxTurns,
	})
	if resErr != nil {
		cand.Status = model.CandidateFailed
		cand.FailureReason = resErr.Error()
		return cand, nil
	}
	exec, err := remarshal[model.ExecutorResult](result.Raw)
	if err != nil {
		cand.Status = model.CandidateFailed
		cand.FailureReason = err.Error()
		return cand, nil
	}
	cand.ExecutorSessionID = result.SessionID

	for round := 0; model.NormalizeExecutorOutcome(exec.Status) == model.ExecutorNeedsReviewer; round++ {
		if round >= c.Cfg.Orchestrator.MaxClaudeQuestionRounds {
			cand.Status = model.CandidateFailed
			cand.FailureReason = "exceeded max_claude_question_rounds answering executor questions"
			return cand, nil
		}
		cand.QuestionRounds++

		answer, err := c.answerExecutorQuestions(ctx, exec.Questions, cand.ExecutorSummary)
		if err != nil {
			cand.Status = model.CandidateFailed
			cand.FailureReason = err.Error()
			return cand, nil
		}

		result, resErr = c.callAgent(ctx, a.executor, agent.Call{
			Phase:           "EXECUTE",
			Prompt:          answer,
			Schema:          schema.ExecutorResult,
			WorkDir:         ws.Path,
			ResumeSessionID: cand.ExecutorSessionID,
			AllowedTools:    a.executor.Spec.AllowedTools,
			MaxTurns:        a.executor.Spec.MaxTurns,
		})
		if resErr != nil {
			cand.Status = model.CandidateFailed
			cand.FailureReason = resErr.Error()
			return cand, nil
		}
		exec, err = remarshal[model.ExecutorResult](result.Raw)
		if err != nil {
			cand.Status = model.CandidateFailed
			cand.FailureReason = err.Error()
			return cand, nil
		}
		cand.ExecutorSessionID = result.SessionID
	}

	cand.ExecutorSummary = exec.Summary
	if model.NormalizeExecutorOutcome(exec.Status) == model.ExecutorFailed {
		cand.Status = model.CandidateFailed
		cand.FailureReason = exec.Summary
		return cand, nil
	}

	report := testrun.RunTests(ctx, ws.Path, c.Cfg.Testing, a.plan.TestCommands)
	if report.InstalledDeps != nil {
		cand.TestResults = append(cand.TestResults, *report.InstalledDeps)
	}
	cand.TestResults = append(cand.TestResults, report.Commands...)
	cand.TestSummary = summarizeTests(cand.TestResults)

	diff, err := c.Workspaces.GetDiff(ws)
	if err != nil {
		cand.FailureReason = fmt.Sprintf("computing diff: %s", err)
	}
	cand.Diff = diff
	cand.DiffPreview = workspace.DiffPreview(diff)

	cand.Status = model.CandidateDone
	return cand, nil
}

// answerExecutorQuestions asks every reviewer (in order) to answer the
// executor's questions and concatenates their answers into one
// continuation prompt, per specification §4.6 step 3.
func (c *Controller) answerExecutorQuestions(ctx context.Context, questions []string, candidateSummary string) (string, error) {
	var parts []string
	for _, reviewer := range c.Reviewers {
		result, err := c.callAgent(ctx, reviewer, agent.Call{
			Phase:  "ANSWER_EXECUTOR",
			Prompt: prompt.AnswerExecutor(questions, candidateSummary),
			Schema: schema.Plan,
		})
		if err != nil {
			continue // a single reviewer's failure to answer doesn't abort the round
		}
		p, err := remarshal[model.Plan](result.Raw)
		if err != nil {
			continue
		}
		parts = append(parts, p.ClaudePrompt)
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("no reviewer could answer the executor's questions")
	}
	return strings.Join(parts, "\n\n"), nil
}

func summarizeTests(results []model.TestResult) string {
	passed, failed := 0, 0
	for _, r := range results {
		if r.ExitCode == 0 {
			passed++
		} else {
			failed++
		}
	}
	if failed == 0 {
		return fmt.Sprintf("%d/%d commands passed", passed, passed+failed)
	}
	return fmt.Sprintf("%d/%d commands passed, %d failed", passed, passed+failed, failed)
}
