// Package model defines the tagged-variant data model shared by every
// component of the orchestrator: runs, agent specs, plans, candidates,
// reviewer decisions and workspaces.
package model

import "time"

// RunStatus is the coarse lifecycle state of a Run.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusStopped RunStatus = "stopped"
	RunStatusIdle    RunStatus = "idle"
)

// OrchestratorMode selects single-agent vs multi-agent behavior. A resumed
// run always keeps the mode it was created with.
type OrchestratorMode string

const (
	ModeSingle OrchestratorMode = "single"
	ModeMulti  OrchestratorMode = "multi"
)

// Stage is the Iteration Controller's persisted position in the pipeline.
type Stage string

const (
	StagePlanning            Stage = "planning"
	StagePlanReady            Stage = "plan_ready"
	StageExecuting            Stage = "executing"
	StageTestsReady           Stage = "tests_ready"
	StageReviewing            Stage = "reviewing"
	StageReviewReady          Stage = "review_ready"
	StageMerging              Stage = "merging"
	StageComplete             Stage = "complete"
	StagePersistenceFailed    Stage = "persistence_failed"
	StageFailed               Stage = "failed"
	StageAwaitingUserInput    Stage = "awaiting_user_input"
	StageAwaitingInitialTask  Stage = "awaiting_initial_task"
	StageIdle                 Stage = "idle"
)

// QnA is one accumulated question/answer pair for a run.
type QnA struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// HistoryEvent is one timestamped entry in a run's append-only history.
type HistoryEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	Kind      string         `json:"kind"`
	Detail    string         `json:"detail,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// AgentRuntime tracks the live status of one agent for dashboard display.
type AgentRuntime struct {
	AgentID string `json:"agent_id"`
	Phase   string `json:"phase"`
	Running bool   `json:"running"`
}

// Run is the top-level persisted record for one orchestration session.
type Run struct {
	RunID                string           `json:"run_id"`
	RepoPath             string           `json:"repo_path"`
	ConfigPath           string           `json:"config_path,omitempty"`
	ProjectID            string           `json:"project_id,omitempty"`
	Task                 string           `json:"task"`
	Iteration            int              `json:"iteration"`
	Stage                Stage            `json:"stage"`
	Approved             bool             `json:"approved"`
	ApprovedByAdmin      bool             `json:"approved_by_admin,omitempty"`
	Persisted            bool             `json:"persisted"`
	RunStatus            RunStatus        `json:"run_status"`
	OrchestratorMode     OrchestratorMode `json:"orchestrator_mode"`
	History              []HistoryEvent   `json:"-"`
	UserQnA              []QnA            `json:"user_qna,omitempty"`
	TelegramUpdateOffset int64            `json:"telegram_update_offset,omitempty"`

	AwaitingUserInput     bool `json:"awaiting_user_input,omitempty"`
	AwaitingInitialTask   bool `json:"awaiting_initial_task,omitempty"`
	AwaitingAdminDecision bool `json:"awaiting_admin_decision,omitempty"`

	AgentRuntime map[string]*AgentRuntime `json:"agent_runtime,omitempty"`

	PlanErrors   []string `json:"plan_errors,omitempty"`
	ReviewErrors []string `json:"review_errors,omitempty"`

	Plans      map[string]*Plan       `json:"plans,omitempty"`
	Candidates map[string]*Candidate  `json:"candidates,omitempty"`
	Decisions  map[string]*ReviewerDecision `json:"decisions,omitempty"`

	WinnerCandidateID string `json:"winner_candidate_id,omitempty"`
	WorkspacePath     string `json:"workspace_path,omitempty"`

	MergeStatus          string   `json:"merge_status,omitempty"`
	MergeConflictFiles   []string `json:"merge_conflict_files,omitempty"`
	MergeResolutionSummary string `json:"merge_resolution_summary,omitempty"`
	MergeError           string   `json:"merge_error,omitempty"`
	MergeCommitSHA       string   `json:"merge_commit_sha,omitempty"`

	// HandoffSummary is the summary surfaced to the CLI and the Telegram
	// side channel; HandoffSummaries keeps every reviewer's own handoff
	// verbatim, keyed by reviewer id.
	HandoffSummary   string            `json:"handoff_summary,omitempty"`
	HandoffSummaries map[string]string `json:"handoff_summaries,omitempty"`
	NextPrompt       string            `json:"next_prompt,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AgentRole is what an AgentSpec is currently assigned to do. Either
// product family may fill either role.
type AgentRole string

const (
	RoleReviewer AgentRole = "reviewer"
	RoleExecutor AgentRole = "executor"
)

// AgentFamily identifies one of the two supported agent CLI product
// families. The wire format of each family's CLI is out of scope; only
// the contract in internal/agent is specified.
type AgentFamily string

const (
	FamilyA AgentFamily = "reviewer-family-A"
	FamilyB AgentFamily = "reviewer-family-B"
)

// AgentSpec is an immutable descriptor for one configured agent.
type AgentSpec struct {
	ID             string      `json:"id"`
	Family         AgentFamily `json:"family"`
	Role           AgentRole   `json:"role"`
	Command        string      `json:"command,omitempty"`
	Model          string      `json:"model,omitempty"`
	ReasoningLevel string      `json:"reasoning_level,omitempty"`
	Verbosity      string      `json:"verbosity,omitempty"`
	SandboxMode    string      `json:"sandbox_mode,omitempty"`
	ApprovalPolicy string      `json:"approval_policy,omitempty"`
	AllowedTools   []string    `json:"allowed_tools,omitempty"`
	MaxTurns       int         `json:"max_turns,omitempty"`
}

// ReadOnly reports whether the spec may only read, never write, the
// target workspace. Reviewers are always read-only; executors write.
func (a AgentSpec) ReadOnly() bool {
	return a.Role == RoleReviewer
}

// PlanStatus is the status of a reviewer-produced Plan.
type PlanStatus string

const (
	PlanStatusOK               PlanStatus = "OK"
	PlanStatusNeedsUserInput   PlanStatus = "NEEDS_USER_INPUT"
)

// PlanTask is one unit of work within a plan.
type PlanTask struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// TestCommand is one test command a plan asks the controller to run.
type TestCommand struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`
	Label   string `json:"label,omitempty"`
	Command string `json:"command"`
	Timeout *int   `json:"timeout,omitempty"`
}

// Plan is the tagged-variant reviewer planning output. Exactly one of the
// OK-branch or NeedsInput-branch fields is meaningful, selected by Status.
type Plan struct {
	Status       PlanStatus    `json:"status"`
	ReviewerID   string        `json:"reviewer_id,omitempty"`
	ClaudePrompt string        `json:"claude_prompt,omitempty"`
	Tasks        []PlanTask    `json:"tasks,omitempty"`
	TestCommands []TestCommand `json:"test_commands,omitempty"`
	Notes        string        `json:"notes,omitempty"`
	Questions    []string      `json:"questions,omitempty"`
}

// Validate enforces the Plan invariants from the specification: OK plans
// need a non-empty prompt and at least one task; NEEDS_USER_INPUT plans
// need at least one question.
func (p Plan) Validate() error {
	switch p.Status {
	case PlanStatusOK:
		if p.ClaudePrompt == "" {
			return errPlan("OK plan missing claude_prompt")
		}
		if len(p.Tasks) == 0 {
			return errPlan("OK plan has empty tasks[]")
		}
	case PlanStatusNeedsUserInput:
		if len(p.Questions) == 0 {
			return errPlan("NEEDS_USER_INPUT plan has empty questions[]")
		}
	default:
		return errPlan("unrecognized plan status " + string(p.Status))
	}
	return nil
}

type planError string

func (e planError) Error() string { return string(e) }
func errPlan(msg string) error    { return planError(msg) }

// CandidateStatus is the lifecycle status of a Candidate.
type CandidateStatus string

const (
	CandidatePending CandidateStatus = "PENDING"
	CandidateRunning CandidateStatus = "RUNNING"
	CandidateDone    CandidateStatus = "DONE"
	CandidateFailed  CandidateStatus = "FAILED"
)

// TestResult is the outcome of running one test command.
type TestResult struct {
	CommandID string `json:"command_id"`
	Command   string `json:"command"`
	ExitCode  int    `json:"exit_code"`
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
	TimedOut  bool   `json:"timed_out"`
	Duration  time.Duration `json:"duration_ns"`
}

// Candidate is one attempt to realize one plan.
type Candidate struct {
	ID               string          `json:"id"`
	Iteration        int             `json:"iteration"`
	ReviewerID       string          `json:"reviewer_id"`
	ExecutorID       string          `json:"executor_id"`
	PlanRef          string          `json:"plan_ref,omitempty"`
	WorkspacePath    string          `json:"workspace_path"`
	WorkspaceStrategy string         `json:"workspace_strategy"`
	Status           CandidateStatus `json:"status"`
	ExecutorSummary  string          `json:"executor_summary,omitempty"`
	QuestionRounds   int             `json:"question_rounds,omitempty"`
	TestResults      []TestResult    `json:"test_results,omitempty"`
	TestSummary      string          `json:"test_summary,omitempty"`
	Diff             string          `json:"diff,omitempty"`
	DiffPreview      string          `json:"diff_preview,omitempty"`
	ExecutorSessionID string         `json:"executor_session_id,omitempty"`
	FailureReason    string          `json:"failure_reason,omitempty"`
}

// DiffPreviewLines is the number of leading diff lines kept in DiffPreview
// and surfaced to prompts, per the specification's context budget.
const DiffPreviewLines = 40

// ExecutorOutcome is the tagged-variant status an executor agent reports.
type ExecutorOutcome string

const (
	ExecutorDone          ExecutorOutcome = "DONE"
	ExecutorFailed        ExecutorOutcome = "FAILED"
	ExecutorNeedsReviewer ExecutorOutcome = "NEEDS_REVIEWER"
	// ExecutorNeedsCodex is a back-compat alias that must be treated
	// identically to ExecutorNeedsReviewer.
	ExecutorNeedsCodex ExecutorOutcome = "NEEDS_CODEX"
)

// NormalizeExecutorOutcome folds the NEEDS_CODEX back-compat alias into
// NEEDS_REVIEWER so callers only ever switch on one value.
func NormalizeExecutorOutcome(o ExecutorOutcome) ExecutorOutcome {
	if o == ExecutorNeedsCodex {
		return ExecutorNeedsReviewer
	}
	return o
}

// ExecutorResult is the structured payload returned by one executor turn.
type ExecutorResult struct {
	Status    ExecutorOutcome `json:"status"`
	Summary   string          `json:"summary"`
	Questions []string        `json:"questions,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
}

// DecisionStatus is the tagged-variant status of a ReviewerDecision.
type DecisionStatus string

const (
	DecisionApproved        DecisionStatus = "APPROVED"
	DecisionRejected        DecisionStatus = "REJECTED"
	DecisionNeedsUserInput  DecisionStatus = "NEEDS_USER_INPUT"
)

// ReviewerDecision is one reviewer's verdict on an iteration's candidates.
type ReviewerDecision struct {
	ReviewerID        string         `json:"reviewer_id"`
	Status            DecisionStatus `json:"status"`
	WinnerCandidateID string         `json:"winner_candidate_id,omitempty"`
	Summary           string         `json:"summary,omitempty"`
	Feedback          string         `json:"feedback,omitempty"`
	NextPrompt        *string        `json:"next_prompt"`
	Questions         []string       `json:"questions,omitempty"`
}

// Validate enforces the approval guardrail (invariant 5) and the
// structural requirements from specification §3/§9: APPROVED/REJECTED
// decisions must name one of the candidateIDs in this iteration,
// APPROVED must carry a null next_prompt, REJECTED must carry one.
func (d ReviewerDecision) Validate(candidateIDs map[string]bool) error {
	switch d.Status {
	case DecisionApproved:
		if d.NextPrompt != nil {
			return errPlan("APPROVED decision must have next_prompt=null")
		}
		if d.Summary == "" || d.Feedback == "" {
			return errPlan("APPROVED decision missing summary/feedback")
		}
		if !candidateIDs[d.WinnerCandidateID] {
			return errPlan("APPROVED decision winner_candidate_id not in this iteration")
		}
	case DecisionRejected:
		if d.NextPrompt == nil || *d.NextPrompt == "" {
			return errPlan("REJECTED decision must carry a non-empty next_prompt")
		}
		if d.Summary == "" || d.Feedback == "" {
			return errPlan("REJECTED decision missing summary/feedback")
		}
		if !candidateIDs[d.WinnerCandidateID] {
			return errPlan("REJECTED decision winner_candidate_id not in this iteration")
		}
	case DecisionNeedsUserInput:
		if len(d.Questions) == 0 {
			return errPlan("NEEDS_USER_INPUT decision has empty questions[]")
		}
	default:
		return errPlan("unrecognized decision status " + string(d.Status))
	}
	return nil
}

// ConsensusResult is the output of the consensus function (invariant 4).
type ConsensusResult struct {
	Consensus  bool           `json:"consensus"`
	Status     DecisionStatus `json:"status,omitempty"`
	Winner     string         `json:"winner,omitempty"`
	NextPrompt *string        `json:"next_prompt,omitempty"`
}

// Consensus reports exact agreement across every reviewer decision on
// (status, winner, next_prompt). Every decision must be present; a run
// with zero decisions is never in consensus.
func Consensus(decisions []ReviewerDecision) ConsensusResult {
	if len(decisions) == 0 {
		return ConsensusResult{Consensus: false}
	}
	first := decisions[0]
	for _, d := range decisions[1:] {
		if d.Status != first.Status || d.WinnerCandidateID != first.WinnerCandidateID {
			return ConsensusResult{Consensus: false}
		}
		if !samePrompt(d.NextPrompt, first.NextPrompt) {
			return ConsensusResult{Consensus: false}
		}
	}
	return ConsensusResult{
		Consensus:  true,
		Status:     first.Status,
		Winner:     first.WinnerCandidateID,
		NextPrompt: first.NextPrompt,
	}
}

func samePrompt(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// WorkspaceStrategy selects how a Workspace materializes its sandbox.
type WorkspaceStrategy string

const (
	StrategyAuto     WorkspaceStrategy = "auto"
	StrategyWorktree WorkspaceStrategy = "worktree"
	StrategyCopy     WorkspaceStrategy = "copy"
	StrategyInPlace  WorkspaceStrategy = "in_place"
)

// Workspace is the materialized sandbox backing one Run or Candidate.
type Workspace struct {
	Strategy    WorkspaceStrategy `json:"strategy"`
	Path        string            `json:"path"`
	BaselinePath string           `json:"baseline_path,omitempty"`
	Branch      string            `json:"branch,omitempty"`
	RepoPath    string            `json:"repo_path"`
}

// CleanupPolicy governs when workspaces are removed.
type CleanupPolicy string

const (
	CleanupAlways    CleanupPolicy = "always"
	CleanupOnSuccess CleanupPolicy = "on_success"
	CleanupNever     CleanupPolicy = "never"
)
