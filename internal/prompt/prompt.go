// Package prompt builds the phase prompts the Agent Clients send to
// reviewers and executors: PLAN, REFINE_PLAN, REVIEW, REVIEW_CANDIDATES,
// HANDOFF, ANSWER_EXECUTOR, EXECUTE, and merge-conflict resolution
// (specification §4.4). Each template states its phase, forbids the
// agent from asking the human directly, and serializes the minimum
// context as JSON — grounded on original_source/codex_client.py's
// _plan_prompt / _refine_plan_prompt / _review_prompt /
// _answer_claude_prompt, each of which opens with a "PHASE: <NAME>"
// marker and an explicit NEEDS_USER_INPUT instruction.
package prompt

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fission-ai/orc/internal/model"
)

const noDirectAskInstruction = "Do not ask the human directly. If you need clarification, set status to NEEDS_USER_INPUT and list your questions."

func header(phase string) string {
	return fmt.Sprintf("PHASE: %s\n\n%s\n\n", phase, noDirectAskInstruction)
}

func jsonBlock(label string, v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		data = []byte(fmt.Sprintf("%v", v))
	}
	return fmt.Sprintf("## %s\n```json\n%s\n```\n\n", label, string(data))
}

// Plan builds the PLAN prompt: the task plus accumulated Q&A.
func Plan(task string, qna []model.QnA) string {
	var sb strings.Builder
	sb.WriteString(header("PLAN"))
	sb.WriteString("## Task\n" + task + "\n\n")
	if len(qna) > 0 {
		sb.WriteString(jsonBlock("Accumulated clarifications", qna))
	}
	sb.WriteString("Produce a plan: either {status:\"OK\", claude_prompt, tasks[], test_commands[]?, notes?} or {status:\"NEEDS_USER_INPUT\", questions[]}.\n")
	return sb.String()
}

// RefinePlan builds the REFINE_PLAN prompt: the prior plan plus new
// answers to its questions.
func RefinePlan(priorPlan model.Plan, qna []model.QnA) string {
	var sb strings.Builder
	sb.WriteString(header("REFINE_PLAN"))
	sb.WriteString(jsonBlock("Prior plan", priorPlan))
	sb.WriteString(jsonBlock("Accumulated clarifications", qna))
	sb.WriteString("Revise the plan using the new answers. Respond with the same schema as PLAN.\n")
	return sb.String()
}

// Execute builds the EXECUTE prompt handed to an executor for its first
// turn on a candidate.
func Execute(plan model.Plan) string {
	var sb strings.Builder
	sb.WriteString(header("EXECUTE"))
	sb.WriteString(plan.ClaudePrompt + "\n\n")
	sb.WriteString(jsonBlock("Tasks", plan.Tasks))
	if len(plan.TestCommands) > 0 {
		sb.WriteString(jsonBlock("Test commands you should expect to be run", plan.TestCommands))
	}
	sb.WriteString("Respond with {status:\"DONE\"|\"FAILED\"|\"NEEDS_REVIEWER\", summary, questions[]?}.\n")
	return sb.String()
}

// AnswerExecutor builds the ANSWER_EXECUTOR prompt asked of a reviewer
// when an executor returns NEEDS_REVIEWER/NEEDS_CODEX.
func AnswerExecutor(questions []string, candidateSummary string) string {
	var sb strings.Builder
	sb.WriteString(header("ANSWER_EXECUTOR"))
	sb.WriteString(jsonBlock("Executor's questions", questions))
	sb.WriteString("## Candidate context\n" + candidateSummary + "\n\n")
	sb.WriteString("Respond with {status:\"OK\", claude_prompt:\"<answers, concatenated into a continuation prompt>\", tasks:[{id:\"answer\",title:\"answer\",description:\"<answers>\"}]}.\n")
	return sb.String()
}

// CandidateRollup is the per-candidate summary fed into REVIEW_CANDIDATES.
type CandidateRollup struct {
	CandidateID     string `json:"candidate_id"`
	ExecutorSummary string `json:"executor_summary"`
	TestSummary     string `json:"test_summary"`
	DiffPreview     string `json:"diff_preview"`
}

// ReviewCandidates builds the REVIEW_CANDIDATES prompt: every candidate's
// rollup plus the approval guardrail instruction (specification §4.4
// point 4).
func ReviewCandidates(rollups []CandidateRollup, qna []model.QnA) string {
	var sb strings.Builder
	sb.WriteString(header("REVIEW_CANDIDATES"))
	sb.WriteString(jsonBlock("Candidates", rollups))
	if len(qna) > 0 {
		sb.WriteString(jsonBlock("Accumulated clarifications", qna))
	}
	sb.WriteString("APPROVED means the run stops and the candidate is persisted. " +
		"If any work remains — missing features, bugs, failing tests, unverified claims — " +
		"the decision must be REJECTED, never APPROVED. APPROVED requires next_prompt=null; " +
		"REJECTED requires a non-empty next_prompt.\n\n")
	sb.WriteString("Respond with {status, winner_candidate_id, summary, feedback, next_prompt}.\n")
	return sb.String()
}

// Handoff builds the HANDOFF prompt run on the winning candidate after
// the loop exits, to produce an admin-facing summary and suggested next
// prompt.
func Handoff(rollup CandidateRollup, decision model.ReviewerDecision) string {
	var sb strings.Builder
	sb.WriteString(header("HANDOFF"))
	sb.WriteString(jsonBlock("Winning candidate", rollup))
	sb.WriteString(jsonBlock("Final decision", decision))
	sb.WriteString("Summarize this run for the human operator and suggest a next prompt if more work remains.\n")
	return sb.String()
}

// MergeConflict builds the conflict-resolution prompt handed to an
// executor when Auto-Merge hits conflicts (specification §4.7).
func MergeConflict(planSummary string, decisions []model.ReviewerDecision, rollup CandidateRollup, statusPorcelain, mergeOutput string, conflictFiles []string, commitMessage string) string {
	var sb strings.Builder
	sb.WriteString(header("MERGE_CONFLICT"))
	sb.WriteString("## Plan summary\n" + planSummary + "\n\n")
	sb.WriteString(jsonBlock("Reviewer decisions", decisions))
	sb.WriteString(jsonBlock("Candidate", rollup))
	sb.WriteString("## git status --porcelain\n```\n" + statusPorcelain + "\n```\n\n")
	sb.WriteString("## merge output\n```\n" + truncateTail(mergeOutput, 4000) + "\n```\n\n")
	sb.WriteString(jsonBlock("Conflicted files", conflictFiles))
	sb.WriteString(fmt.Sprintf("Resolve every conflict marker in the files above. "+
		"Then stage your resolution and commit it with exactly this message:\n\n%q\n\n"+
		"Respond with {status:\"DONE\"|\"FAILED\", summary}.\n", commitMessage))
	return sb.String()
}

func truncateTail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "…" + s[len(s)-n:]
}
