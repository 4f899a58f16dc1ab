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

func buildRollups(candidates []model.Candidate) []prompt.CandidateRollup {
	rollups := make([]prompt.CandidateRollup, 0, len(candidates))
	for _, c := range candidates {
		rollups = append(rollups, prompt.CandidateRollup{
			CandidateID:     c.ID,
			ExecutorSummary: c.ExecutorSummary,
			TestSummary:     c.TestSummary,
			DiffPreview:     c.DiffPreview,
		})
	}
	return rollups
}

// reviewPhase runs the review fan-out (specification §4.6 step 4) and the
// consensus check (step 5): every reviewer judges the iteration's
// candidates in parallel, NEEDS_USER_INPUT loops through the broker same
// as planning, and the agreed-upon decision (by unanimous consensus or
// admin tie-break) is returned for promoteOrReject to act on.
func (c *Controller) reviewPhase(ctx context.Context, candidates []model.Candidate) (model.ReviewerDecision, error) {
	if err := c.setStage(model.StageReviewing); err != nil {
		return model.ReviewerDecision{}, err
	}

	candidateIDs := make(map[string]bool, len(candidates))
	for _, cand := range candidates {
		candidateIDs[cand.ID] = true
	}
	rollups := buildRollups(candidates)

	var mu sync.Mutex
	var decisions []model.ReviewerDecision
	var reviewErrors []string

	g, gctx := errgroup.WithContext(ctx)
	for _, reviewer := range c.Reviewers {
		reviewer := reviewer
		g.Go(func() error {
			decision, err := c.reviewOne(gctx, reviewer, rollups, candidateIDs)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				reviewErrors = append(reviewErrors, fmt.Sprintf("%s: %s", reviewer.Spec.ID, err))
				return nil
			}
			decisions = append(decisions, *decision)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return model.ReviewerDecision{}, err
	}

	if err := c.Store.Update(func(r *model.Run) {
		r.ReviewErrors = reviewErrors
		r.Decisions = make(map[string]*model.ReviewerDecision, len(decisions))
		for _, d := range decisions {
			d := d
			r.Decisions[d.ReviewerID] = &d
		}
	}); err != nil {
		return model.ReviewerDecision{}, err
	}

	if err := c.setStage(model.StageReviewReady); err != nil {
		return model.ReviewerDecision{}, err
	}

	if len(decisions) == 0 {
		return c.escalateAllReviewsInvalid(ctx, candidates, reviewErrors)
	}

	consensus := model.Consensus(decisions)
	if consensus.Consensus {
		return decisionMatching(decisions, consensus), nil
	}

	return c.escalateReviewDisagreement(ctx, decisions)
}

// decisionMatching returns the decision object matching the consensus
// tuple (every decision agrees on status/winner/next_prompt, so any one
// of them carries the summary/feedback to act on).
func decisionMatching(decisions []model.ReviewerDecision, consensus model.ConsensusResult) model.ReviewerDecision {
	for _, d := range decisions {
		if d.Status == consensus.Status && d.WinnerCandidateID == consensus.Winner {
			return d
		}
	}
	return decisions[0]
}

// reviewOne runs REVIEW_CANDIDATES, then loops the reviewer's own
// NEEDS_USER_INPUT through the broker, bounded by
// orchestrator.max_claude_question_rounds, exactly like planOne.
func (c *Controller) reviewOne(ctx context.Context, reviewer AgentHandle, rollups []prompt.CandidateRollup, candidateIDs map[string]bool) (*model.ReviewerDecision, error) {
	run := c.Store.Run()

	call := agent.Call{
		Phase:  "REVIEW_CANDIDATES",
		Prompt: prompt.ReviewCandidates(rollups, run.UserQnA),
		Schema: schema.ReviewerDecision,
	}
	result, callErr := c.callAgent(ctx, reviewer, call)
	if callErr != nil {
		return nil, callErr
	}
	d, err := decodeDecision(result.Raw, reviewer.Spec.ID, candidateIDs)
	if err != nil {
		return nil, err
	}

	maxRounds := c.Cfg.Orchestrator.MaxClaudeQuestionRounds
	for round := 0; d.Status == model.DecisionNeedsUserInput; round++ {
		if round >= maxRounds {
			return nil, fmt.Errorf("exceeded max_claude_question_rounds resolving reviewer NEEDS_USER_INPUT")
		}
		answers, err := c.Broker.AskUser(ctx, d.Questions)
		if err != nil {
			return nil, fmt.Errorf("awaiting user clarification: %w", err)
		}
		if err := c.appendQnA(d.Questions, answers); err != nil {
			return nil, err
		}

		run = c.Store.Run()
		call = agent.Call{
			Phase:           "REVIEW_CANDIDATES",
			Prompt:          prompt.ReviewCandidates(rollups, run.UserQnA),
			Schema:          schema.ReviewerDecision,
			ResumeSessionID: result.SessionID,
		}
		result, callErr = c.callAgent(ctx, reviewer, call)
		if callErr != nil {
			return nil, callErr
		}
		d, err = decodeDecision(result.Raw, reviewer.Spec.ID, candidateIDs)
		if err != nil {
			return nil, err
		}
	}

	return d, nil
}

func decodeDecision(raw map[string]any, reviewerID string, candidateIDs map[string]bool) (*model.ReviewerDecision, error) {
	d, err := remarshal[model.ReviewerDecision](raw)
	if err != nil {
		return nil, fmt.Errorf("decoding reviewer decision: %w", err)
	}
	d.ReviewerID = reviewerID
	if err := d.Validate(candidateIDs); err != nil {
		return nil, err
	}
	return &d, nil
}

// escalateReviewDisagreement asks the admin to pick the winning decision
// when reviewers produced valid but conflicting verdicts (specification
// §4.6 step 5).
func (c *Controller) escalateReviewDisagreement(ctx context.Context, decisions []model.ReviewerDecision) (model.ReviewerDecision, error) {
	options := make([]string, 0, len(decisions))
	for _, d := range decisions {
		options = append(options, fmt.Sprintf("%s: %s winner=%s — %s", d.ReviewerID, d.Status, d.WinnerCandidateID, d.Summary))
	}
	choice, notes, err := c.Broker.AskAdmin(ctx, options)
	if err != nil {
		return model.ReviewerDecision{}, fmt.Errorf("escalating review disagreement: %w", err)
	}
	if choice < 0 || choice >= len(decisions) {
		choice = 0
	}
	chosen := decisions[choice]
	if err := c.Store.AppendHistory("review_disagreement", notes, map[string]any{
		"admin_choice": choice,
		"decisions":    decisions,
	}); err != nil {
		return model.ReviewerDecision{}, err
	}
	return chosen, nil
}

// escalateAllReviewsInvalid asks the admin to pick a fallback candidate
// when no reviewer produced a structurally valid decision, defaulting the
// synthesized decision to REJECTED for safety (SPEC_FULL.md open-question
// decision, mirroring escalateAllPlansInvalid).
func (c *Controller) escalateAllReviewsInvalid(ctx context.Context, candidates []model.Candidate, reviewErrors []string) (model.ReviewerDecision, error) {
	choice, notes, err := c.Broker.AskAdmin(ctx, reviewErrors)
	if err != nil {
		return model.ReviewerDecision{}, fmt.Errorf("escalating all-reviews-invalid: %w", err)
	}
	if err := c.Store.AppendHistory("all_reviews_invalid", notes, map[string]any{
		"admin_choice":  choice,
		"review_errors": reviewErrors,
	}); err != nil {
		return model.ReviewerDecision{}, err
	}

	winner := candidates[0].ID
	next := notes
	if next == "" {
		next = "Every reviewer failed to produce a valid decision; retry with the same task."
	}
	return model.ReviewerDecision{
		ReviewerID:        "admin",
		Status:            model.DecisionRejected,
		WinnerCandidateID: winner,
		Summary:           "escalated to admin: no reviewer produced a valid decision",
		Feedback:          notes,
		NextPrompt:        &next,
	}, nil
}
