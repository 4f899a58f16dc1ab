package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/fission-ai/orc/internal/agent"
	"github.com/fission-ai/orc/internal/model"
	"github.com/fission-ai/orc/internal/prompt"
	"github.com/fission-ai/orc/internal/schema"
)

// planPhase runs the plan fan-out (specification §4.6 step 1): every
// reviewer plans in parallel, each NEEDS_USER_INPUT plan loops through the
// user broker until it resolves to OK, and invalid plans are dropped and
// recorded under plan_errors. If every reviewer's plan is invalid it
// escalates to an admin decision and reports retry=true so the caller
// starts a fresh iteration rather than proceeding with zero plans.
func (c *Controller) planPhase(ctx context.Context) (plans map[string]model.Plan, retry bool, err error) {
	if err := c.setStage(model.StagePlanning); err != nil {
		return nil, false, err
	}

	var mu sync.Mutex
	plans = make(map[string]model.Plan)
	var planErrors []string

	g, gctx := errgroup.WithContext(ctx)
	for _, reviewer := range c.Reviewers {
		reviewer := reviewer
		g.Go(func() error {
			plan, planErr := c.planOne(gctx, reviewer)
			mu.Lock()
			defer mu.Unlock()
			if planErr != nil {
				planErrors = append(planErrors, fmt.Sprintf("%s: %s", reviewer.Spec.ID, planErr))
				return nil // a single reviewer's failure never aborts the barrier
			}
			plans[reviewer.Spec.ID] = *plan
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, false, err
	}

	if err := c.Store.Update(func(r *model.Run) {
		r.PlanErrors = planErrors
		r.Plans = make(map[string]*model.Plan, len(plans))
		for id, p := range plans {
			p := p
			r.Plans[id] = &p
		}
	}); err != nil {
		return nil, false, err
	}

	if len(plans) > 0 {
		if err := c.setStage(model.StagePlanReady); err != nil {
			return nil, false, err
		}
		return plans, false, nil
	}

	return nil, true, c.escalateAllPlansInvalid(ctx, planErrors)
}

// planOne runs PLAN, then REFINE_PLAN rounds while the reviewer returns
// NEEDS_USER_INPUT, bounded by orchestrator.max_claude_question_rounds.
func (c *Controller) planOne(ctx context.Context, reviewer AgentHandle) (*model.Plan, error) {
	run := c.Store.Run()

	call := agent.Call{
		Phase:  "PLAN",
		Prompt: prompt.Plan(run.Task, run.UserQnA),
		Schema: schema.Plan,
	}
	result, callErr := c.callAgent(ctx, reviewer, call)
	if callErr != nil {
		return nil, callErr
	}
	p, err := decodePlan(result.Raw, reviewer.Spec.ID)
	if err != nil {
		return nil, err
	}

	maxRounds := c.Cfg.Orchestrator.MaxClaudeQuestionRounds
	for round := 0; p.Status == model.PlanStatusNeedsUserInput; round++ {
		if round >= maxRounds {
			return nil, fmt.Errorf("exceeded max_claude_question_rounds resolving NEEDS_USER_INPUT")
		}
		answers, err := c.Broker.AskUser(ctx, p.Questions)
		if err != nil {
			return nil, fmt.Errorf("awaiting user clarification: %w", err)
		}
		if err := c.appendQnA(p.Questions, answers); err != nil {
			return nil, err
		}

		run = c.Store.Run()
		call = agent.Call{
			Phase:           "REFINE_PLAN",
			Prompt:          prompt.RefinePlan(*p, run.UserQnA),
			Schema:          schema.Plan,
			ResumeSessionID: result.SessionID,
		}
		result, callErr = c.callAgent(ctx, reviewer, call)
		if callErr != nil {
			return nil, callErr
		}
		p, err = decodePlan(result.Raw, reviewer.Spec.ID)
		if err != nil {
			return nil, err
		}
	}

	return p, nil
}

func (c *Controller) appendQnA(questions, answers []string) error {
	return c.Store.Update(func(r *model.Run) {
		for i, q := range questions {
			a := ""
			if i < len(answers) {
				a = answers[i]
			}
			r.UserQnA = append(r.UserQnA, model.QnA{Question: q, Answer: a})
		}
	})
}

func decodePlan(raw map[string]any, reviewerID string) (*model.Plan, error) {
	p, err := remarshal[model.Plan](raw)
	if err != nil {
		return nil, fmt.Errorf("decoding plan: %w", err)
	}
	p.ReviewerID = reviewerID
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// escalateAllPlansInvalid asks the admin to choose which failed plan
// attempt to seed a retry from, per specification §4.6 step 1 and the
// open-question decision in SPEC_FULL.md (default REJECTED for safety).
func (c *Controller) escalateAllPlansInvalid(ctx context.Context, planErrors []string) error {
	choice, notes, err := c.Broker.AskAdmin(ctx, planErrors)
	if err != nil {
		return fmt.Errorf("escalating all-plans-invalid: %w", err)
	}
	return c.Store.AppendHistory("all_plans_invalid", notes, map[string]any{
		"admin_choice": choice,
		"plan_errors":  planErrors,
	})
}
