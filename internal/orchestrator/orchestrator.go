// Package orchestrator implements the Iteration Controller (specification
// §4.6): the pipeline that drives a run through plan -> assign -> execute
// -> test -> review -> consensus -> promote/reject, the clarification
// loops that pause and resume it, the iteration-cap escalation, and the
// final handoff. Grounded on the teacher's internal/engine.RunOnceWithLogs
// fan-out-by-level pattern (sync.WaitGroup over independent concerns),
// generalized to dynamic reviewer/executor fan-out via
// golang.org/x/sync/errgroup, the dependency the rest of the example pack
// reaches for over a bare WaitGroup once a phase needs to propagate the
// first error.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/fission-ai/orc/internal/agent"
	"github.com/fission-ai/orc/internal/broker"
	"github.com/fission-ai/orc/internal/config"
	"github.com/fission-ai/orc/internal/model"
	"github.com/fission-ai/orc/internal/prompt"
	"github.com/fission-ai/orc/internal/resume"
	"github.com/fission-ai/orc/internal/state"
	"github.com/fission-ai/orc/internal/workspace"
)

// AgentHandle pairs a configured AgentSpec with the Client for its family.
type AgentHandle struct {
	Spec   model.AgentSpec
	Client agent.Client
}

// MergeRequest carries what the Auto-Merge Engine needs to finish a
// worktree-strategy approval.
type MergeRequest struct {
	Winner      model.Candidate
	PlanSummary string
	Decisions   []model.ReviewerDecision
	RollUp      prompt.CandidateRollup
	Executor    *AgentHandle
}

// Merger is the subset of the Auto-Merge Engine the controller invokes on
// approval of a worktree-strategy candidate. Declared here (rather than
// importing internal/automerge directly) so automerge's dependency on
// workspace/agent doesn't create a cycle back into orchestrator.
type Merger interface {
	Merge(ctx context.Context, store *state.Store, req MergeRequest) error
}

// Controller owns one run's pipeline. It is never a singleton: callers
// construct one per run and pass it explicitly, so tests can supply a fake
// Store/Broker/Merger (specification §9 "Global state").
type Controller struct {
	Store      *state.Store
	Workspaces *workspace.Manager
	Broker     *broker.Broker
	Reviewers  []AgentHandle
	Executors  []AgentHandle
	Cfg        *config.Config
	Log        *log.Logger
	Merge      Merger // nil: promote falls back to apply-to-repo/commit only

	// ResumeEntry, when non-empty, tells the first call to Run to re-enter
	// an in-flight iteration at the point resume.InferEntry inferred from
	// the persisted stage, instead of starting iteration 1 from scratch
	// (specification §4.8). Run clears it after the first iteration.
	ResumeEntry resume.Entry

	logMu       sync.Mutex
	reviewerLog *os.File
	executorLog *os.File
}

func (c *Controller) familyLog(h AgentHandle) (io.Writer, error) {
	c.logMu.Lock()
	defer c.logMu.Unlock()

	name, slot := "reviewer_family.log", &c.reviewerLog
	if h.Spec.Role == model.RoleExecutor {
		name, slot = "executor_family.log", &c.executorLog
	}
	if *slot == nil {
		f, err := os.OpenFile(filepath.Join(c.Store.Dir(), name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, err
		}
		*slot = f
	}
	return *slot, nil
}

// Close releases the controller's open family log files.
func (c *Controller) Close() error {
	c.logMu.Lock()
	defer c.logMu.Unlock()
	var firstErr error
	if c.reviewerLog != nil {
		if err := c.reviewerLog.Close(); err != nil {
			firstErr = err
		}
	}
	if c.executorLog != nil {
		if err := c.executorLog.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// callAgent invokes one agent turn through its family's shared log and
// maintains agent_runtime[agent_id] across the call so the dashboard's
// status_message can describe which agent is running which phase
// (specification §5 "Shared-resource policy").
func (c *Controller) callAgent(ctx context.Context, h AgentHandle, call agent.Call) (*agent.Result, error) {
	logW, err := c.familyLog(h)
	if err != nil {
		return nil, err
	}
	c.setAgentRuntime(h.Spec.ID, call.Phase, true)
	result, callErr := h.Client.Call(ctx, h.Spec, call, logW)
	c.setAgentRuntime(h.Spec.ID, call.Phase, false)
	return result, callErr
}

func (c *Controller) setAgentRuntime(id, phase string, running bool) {
	_ = c.Store.Update(func(r *model.Run) {
		if r.AgentRuntime == nil {
			r.AgentRuntime = map[string]*model.AgentRuntime{}
		}
		r.AgentRuntime[id] = &model.AgentRuntime{AgentID: id, Phase: phase, Running: running}
	})
}

func (c *Controller) logf(format string, args ...any) {
	if c.Log != nil {
		c.Log.Infof(format, args...)
	}
}

func (c *Controller) setStage(stage model.Stage) error {
	return c.Store.Update(func(r *model.Run) { r.Stage = stage })
}

// Run drives the run to completion: it loops iterations until a reviewed
// candidate is approved (by consensus or admin), the run fails, or an
// iteration-cap escalation accepts a partial result. It ends every path
// (approved or not) with a handoff pass.
func (c *Controller) Run(ctx context.Context, task string) error {
	if err := c.Store.Update(func(r *model.Run) {
		if task != "" {
			r.Task = task
		}
		r.RunStatus = model.RunStatusRunning
	}); err != nil {
		return fmt.Errorf("persisting initial task: %w", err)
	}

	for {
		run := c.Store.Run()
		if run.Task == "" {
			if err := c.setStage(model.StageAwaitingInitialTask); err != nil {
				return err
			}
			if err := c.Store.Update(func(r *model.Run) { r.AwaitingInitialTask = true }); err != nil {
				return err
			}
			task, err := c.Broker.AskInitialTask(ctx)
			if err != nil {
				return fmt.Errorf("awaiting initial task: %w", err)
			}
			if err := c.Store.Update(func(r *model.Run) {
				r.Task = task
				r.AwaitingInitialTask = false
			}); err != nil {
				return err
			}
		}

		var approved bool
		var err error
		if c.ResumeEntry != "" {
			entry := c.ResumeEntry
			c.ResumeEntry = ""
			approved, err = c.resumeIteration(ctx, entry)
		} else {
			approved, err = c.runIteration(ctx)
		}
		if err != nil {
			if c.Store.Run().Stage != model.StagePersistenceFailed {
				_ = c.setStage(model.StageFailed)
			}
			_ = c.Store.Update(func(r *model.Run) { r.RunStatus = model.RunStatusStopped })
			return err
		}
		if approved {
			break
		}
		// REJECTED: loop again with run.Task already updated to next_prompt
		// by promoteOrReject.
	}

	if err := c.handoff(ctx); err != nil {
		c.logf("handoff failed: %s", err)
	}

	if err := c.setStage(model.StageComplete); err != nil {
		return err
	}
	return c.Store.Update(func(r *model.Run) { r.RunStatus = model.RunStatusIdle })
}

// runIteration executes one plan -> assign -> execute -> review ->
// consensus -> promote/reject cycle and reports whether the run is now
// approved.
func (c *Controller) runIteration(ctx context.Context) (bool, error) {
	if err := c.Store.Update(func(r *model.Run) { r.Iteration++ }); err != nil {
		return false, err
	}

	if done, err := c.checkIterationCap(ctx); err != nil || done {
		return done, err
	}

	plans, retry, err := c.planPhase(ctx)
	if err != nil {
		return false, err
	}
	if retry {
		return false, nil
	}

	return c.continueFromExecute(ctx, plans)
}

// continueFromExecute runs execute -> review -> promote/reject given an
// already-available plan set, the entry point for a fresh iteration and
// for a resume that re-enters at resume.EntryExecute.
func (c *Controller) continueFromExecute(ctx context.Context, plans map[string]model.Plan) (bool, error) {
	candidates, err := c.executePhase(ctx, plans)
	if err != nil {
		return false, err
	}
	if len(candidates) == 0 {
		return false, fmt.Errorf("iteration %d produced zero candidates", c.Store.Run().Iteration)
	}

	return c.continueFromReview(ctx, candidates)
}

// continueFromReview runs review -> promote/reject given an already
// materialized candidate set, the entry point for resume.EntryReview,
// resume.EntrySeedNext and resume.EntryReReview.
func (c *Controller) continueFromReview(ctx context.Context, candidates []model.Candidate) (bool, error) {
	decision, err := c.reviewPhase(ctx, candidates)
	if err != nil {
		return false, err
	}

	return c.promoteOrReject(ctx, candidates, decision)
}

// resumeIteration re-enters an in-flight iteration after a crash, skipping
// the phases entry says already produced durable artifacts and rebuilding
// them from the persisted run state instead of re-invoking agents
// (specification §4.8).
func (c *Controller) resumeIteration(ctx context.Context, entry resume.Entry) (bool, error) {
	run := c.Store.Run()

	switch entry {
	case resume.EntryPlan:
		if err := c.Store.Update(func(r *model.Run) { r.Iteration-- }); err != nil {
			return false, err
		}
		return c.runIteration(ctx)

	case resume.EntryExecute:
		// Unlike EntryPlan, this re-enters via continueFromExecute directly
		// rather than through runIteration, which is the only place that
		// increments r.Iteration — so the counter is left untouched here.
		plans := plansFromRun(run)
		if len(plans) == 0 {
			c.logf("resume: no persisted plans for run %s, replanning iteration %d", run.RunID, run.Iteration)
			return c.runIteration(ctx)
		}
		return c.continueFromExecute(ctx, plans)

	case resume.EntryReview, resume.EntrySeedNext, resume.EntryReReview:
		// Same reasoning as EntryExecute: continueFromReview never
		// increments r.Iteration, so resuming here must not decrement it.
		candidates := candidatesFromRun(run)
		if len(candidates) == 0 {
			c.logf("resume: no persisted candidates for run %s, replanning iteration %d", run.RunID, run.Iteration)
			return c.runIteration(ctx)
		}
		return c.continueFromReview(ctx, candidates)

	case resume.EntryPersist:
		// promoteWinner already committed the merge/apply and set Approved
		// before the crash; only the handoff in Controller.Run remains.
		return true, nil

	default:
		return c.runIteration(ctx)
	}
}

func plansFromRun(run model.Run) map[string]model.Plan {
	plans := make(map[string]model.Plan, len(run.Plans))
	for id, p := range run.Plans {
		if p != nil {
			plans[id] = *p
		}
	}
	return plans
}

func candidatesFromRun(run model.Run) []model.Candidate {
	candidates := make([]model.Candidate, 0, len(run.Candidates))
	for _, cand := range run.Candidates {
		if cand != nil {
			candidates = append(candidates, *cand)
		}
	}
	return candidates
}
