// Package config loads and validates the orchestrator's configuration
// file, following the precedence and option table in specification §6.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration for YAML/JSON unmarshaling from strings
// like "30s", the same convention the teacher's settings.poll_interval
// used.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

// Config is the root configuration object.
type Config struct {
	Orchestrator Orchestrator `yaml:"orchestrator" json:"orchestrator"`
	Telegram     Telegram     `yaml:"telegram" json:"telegram"`
	Testing      Testing      `yaml:"testing" json:"testing"`
	Agents       Agents       `yaml:"agents" json:"agents"`
	Codex        AgentDefaults `yaml:"codex" json:"codex"`
	ClaudeCode   AgentDefaults `yaml:"claude_code" json:"claude_code"`
}

// Orchestrator holds every orchestrator.* option from specification §6.
type Orchestrator struct {
	MaxIterations                      *int     `yaml:"max_iterations" json:"max_iterations"`
	MaxClaudeQuestionRounds            int      `yaml:"max_claude_question_rounds" json:"max_claude_question_rounds"`
	WorkspaceStrategy                  string   `yaml:"workspace_strategy" json:"workspace_strategy"`
	UseGitWorktree                     bool     `yaml:"use_git_worktree" json:"use_git_worktree"`
	Cleanup                            string   `yaml:"cleanup" json:"cleanup"`
	ApplyChangesOnSuccess              bool     `yaml:"apply_changes_on_success" json:"apply_changes_on_success"`
	CommitOnApproval                   bool     `yaml:"commit_on_approval" json:"commit_on_approval"`
	CommitMessage                      string   `yaml:"commit_message" json:"commit_message"`
	AutoMergeOnApproval                bool     `yaml:"auto_merge_on_approval" json:"auto_merge_on_approval"`
	MergeTargetBranch                  string   `yaml:"merge_target_branch" json:"merge_target_branch"`
	MergeStyle                         string   `yaml:"merge_style" json:"merge_style"`
	DirtyMainPolicy                    string   `yaml:"dirty_main_policy" json:"dirty_main_policy"`
	DirtyMainCommitMessage             string   `yaml:"dirty_main_commit_message" json:"dirty_main_commit_message"`
	MergeCommitMessage                 string   `yaml:"merge_commit_message" json:"merge_commit_message"`
	DeleteBranchOnMerge                *bool    `yaml:"delete_branch_on_merge" json:"delete_branch_on_merge"`
	DeleteWorktreeOnMerge              *bool    `yaml:"delete_worktree_on_merge" json:"delete_worktree_on_merge"`
	CarryForwardWorkspaceBetweenIters  bool     `yaml:"carry_forward_workspace_between_iterations" json:"carry_forward_workspace_between_iterations"`
	SessionMode                        bool     `yaml:"session_mode" json:"session_mode"`
	ResumeOnStart                      *bool    `yaml:"resume_on_start" json:"resume_on_start"`
	BranchPrefix                       string   `yaml:"branch_prefix" json:"branch_prefix"`
	BranchNameLength                   int      `yaml:"branch_name_length" json:"branch_name_length"`
	BranchSuffixLength                 int      `yaml:"branch_suffix_length" json:"branch_suffix_length"`
	ExecutorsPerPlan                   int      `yaml:"executors_per_plan" json:"executors_per_plan"`
	UI                                 UI       `yaml:"ui" json:"ui"`
}

// UI holds orchestrator.ui.* dashboard hand-off options. The dashboard
// itself is out of scope (specification §1); only these knobs are read.
type UI struct {
	Enabled      bool     `yaml:"enabled" json:"enabled"`
	Host         string   `yaml:"host" json:"host"`
	PortRange    [2]int   `yaml:"port_range" json:"port_range"`
	PollInterval Duration `yaml:"poll_interval" json:"poll_interval"`
}

// Telegram holds the telegram.* side-channel options.
type Telegram struct {
	Enabled        bool     `yaml:"enabled" json:"enabled"`
	BotToken       string   `yaml:"bot_token" json:"bot_token"`
	ChatID         string   `yaml:"chat_id" json:"chat_id"`
	AllowedUserIDs []int64  `yaml:"allowed_user_ids" json:"allowed_user_ids"`
	PollIntervalSec int     `yaml:"poll_interval_sec" json:"poll_interval_sec"`
}

// Testing holds the testing.* test-runner fallback options.
type Testing struct {
	InstallCommand  string `yaml:"install_command" json:"install_command"`
	UnitCommand     string `yaml:"unit_command" json:"unit_command"`
	E2ECommand      string `yaml:"e2e_command" json:"e2e_command"`
	InstallIfMissing bool  `yaml:"install_if_missing" json:"install_if_missing"`
	TimeoutSec      int    `yaml:"timeout_sec" json:"timeout_sec"`
}

// AgentDefaults holds per-family CLI defaults (codex.* / claude_code.*).
type AgentDefaults struct {
	Command        string `yaml:"command" json:"command"`
	Model          string `yaml:"model" json:"model"`
	ReasoningLevel string `yaml:"reasoning_level" json:"reasoning_level"`
	Verbosity      string `yaml:"verbosity" json:"verbosity"`
	Sandbox        string `yaml:"sandbox" json:"sandbox"`
}

// AgentEntry describes one configured reviewer or executor.
type AgentEntry struct {
	ID             string   `yaml:"id" json:"id"`
	Family         string   `yaml:"family" json:"family"`
	Command        string   `yaml:"command" json:"command"`
	Model          string   `yaml:"model" json:"model"`
	ReasoningLevel string   `yaml:"reasoning_level" json:"reasoning_level"`
	Verbosity      string   `yaml:"verbosity" json:"verbosity"`
	SandboxMode    string   `yaml:"sandbox_mode" json:"sandbox_mode"`
	AllowedTools   []string `yaml:"allowed_tools" json:"allowed_tools"`
	MaxTurns       int      `yaml:"max_turns" json:"max_turns"`
}

// Assignment controls how plans are mapped onto executors.
type Assignment struct {
	Mode             string `yaml:"mode" json:"mode"`
	ExecutorsPerPlan int    `yaml:"executors_per_plan" json:"executors_per_plan"`
}

// Agents is the agents.* roster.
type Agents struct {
	Reviewers  []AgentEntry `yaml:"reviewers" json:"reviewers"`
	Executors  []AgentEntry `yaml:"executors" json:"executors"`
	Assignment Assignment   `yaml:"assignment" json:"assignment"`
}

// CandidatePaths returns, in precedence order, the config file locations
// specification §6 names: an explicit --config flag (handled by the
// caller), then .orc/config.{json,yaml,yml} in the repo, then
// {repo}/orc.config.{json,yaml,yml}.
func CandidatePaths(repoDir string) []string {
	var paths []string
	for _, ext := range []string{"json", "yaml", "yml"} {
		paths = append(paths, filepath.Join(repoDir, ".orc", "config."+ext))
	}
	for _, ext := range []string{"json", "yaml", "yml"} {
		paths = append(paths, filepath.Join(repoDir, "orc.config."+ext))
	}
	return paths
}

// Resolve picks the effective config path: an explicit override if
// non-empty, else the first existing candidate, else "" (caller falls
// back to Default()).
func Resolve(repoDir, override string) string {
	if override != "" {
		return override
	}
	for _, p := range CandidatePaths(repoDir) {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Load reads and parses a config file, selecting YAML or JSON by
// extension, then applies defaults and returns the result. An empty path
// yields Default().
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config: %w", err)
		}
	}

	applyDefaults(cfg)
	return cfg, nil
}

// Default returns the shipped default configuration.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	o := &cfg.Orchestrator
	if o.MaxClaudeQuestionRounds == 0 {
		o.MaxClaudeQuestionRounds = 3
	}
	if o.WorkspaceStrategy == "" {
		o.WorkspaceStrategy = "auto"
	}
	if o.Cleanup == "" {
		o.Cleanup = "on_success"
	}
	if o.CommitMessage == "" {
		o.CommitMessage = "orc: {task}\n\nRun-Id: {run_id}"
	}
	if o.MergeTargetBranch == "" {
		o.MergeTargetBranch = "main"
	}
	if o.MergeStyle == "" {
		o.MergeStyle = "merge_commit"
	}
	if o.DirtyMainPolicy == "" {
		o.DirtyMainPolicy = "abort"
	}
	if o.DirtyMainCommitMessage == "" {
		o.DirtyMainCommitMessage = "orc: snapshot dirty {branch} before merge"
	}
	if o.MergeCommitMessage == "" {
		o.MergeCommitMessage = "orc: merge {branch} ({run_id})"
	}
	if o.DeleteBranchOnMerge == nil {
		deleteBranch := true
		o.DeleteBranchOnMerge = &deleteBranch
	}
	if o.DeleteWorktreeOnMerge == nil {
		deleteWorktree := true
		o.DeleteWorktreeOnMerge = &deleteWorktree
	}
	if o.BranchPrefix == "" {
		o.BranchPrefix = "orc/"
	}
	if o.BranchNameLength == 0 {
		o.BranchNameLength = 12
	}
	if o.BranchSuffixLength == 0 {
		o.BranchSuffixLength = 8
	}
	if o.ExecutorsPerPlan == 0 {
		o.ExecutorsPerPlan = 1
	}
	if o.ResumeOnStart == nil {
		resumeDefault := true
		o.ResumeOnStart = &resumeDefault
	}
	if o.UI.PollInterval == 0 {
		o.UI.PollInterval = Duration(2 * time.Second)
	}
	if o.UI.Host == "" {
		o.UI.Host = "127.0.0.1"
	}
	if o.UI.PortRange == ([2]int{}) {
		o.UI.PortRange = [2]int{8765, 8790}
	}

	t := &cfg.Testing
	if t.TimeoutSec == 0 {
		t.TimeoutSec = 300
	}

	if cfg.Telegram.PollIntervalSec == 0 {
		cfg.Telegram.PollIntervalSec = 5
	}

	if cfg.Agents.Assignment.Mode == "" {
		cfg.Agents.Assignment.Mode = "round_robin"
	}
	if cfg.Agents.Assignment.ExecutorsPerPlan == 0 {
		cfg.Agents.Assignment.ExecutorsPerPlan = o.ExecutorsPerPlan
	}
}

// Validate checks the structural invariants specification §6/§8 require:
// workspace strategy enum, merge style, dirty policy, and a non-empty
// agent roster.
func Validate(cfg *Config) []error {
	var errs []error

	switch cfg.Orchestrator.WorkspaceStrategy {
	case "auto", "worktree", "copy", "in_place":
	default:
		errs = append(errs, fmt.Errorf("orchestrator.workspace_strategy: invalid value %q", cfg.Orchestrator.WorkspaceStrategy))
	}

	switch cfg.Orchestrator.Cleanup {
	case "always", "on_success", "never":
	default:
		errs = append(errs, fmt.Errorf("orchestrator.cleanup: invalid value %q", cfg.Orchestrator.Cleanup))
	}

	if cfg.Orchestrator.AutoMergeOnApproval && cfg.Orchestrator.MergeStyle != "merge_commit" {
		errs = append(errs, fmt.Errorf("orchestrator.merge_style: only merge_commit is supported, got %q", cfg.Orchestrator.MergeStyle))
	}

	switch cfg.Orchestrator.DirtyMainPolicy {
	case "commit", "abort":
	default:
		errs = append(errs, fmt.Errorf("orchestrator.dirty_main_policy: invalid value %q", cfg.Orchestrator.DirtyMainPolicy))
	}

	if cfg.Orchestrator.MaxIterations != nil && *cfg.Orchestrator.MaxIterations <= 0 {
		errs = append(errs, fmt.Errorf("orchestrator.max_iterations: must be positive or null"))
	}

	if len(cfg.Agents.Reviewers) == 0 && len(cfg.Agents.Executors) == 0 {
		errs = append(errs, fmt.Errorf("agents: at least one reviewer or executor is required"))
	}

	ids := make(map[string]bool)
	for _, a := range append(append([]AgentEntry{}, cfg.Agents.Reviewers...), cfg.Agents.Executors...) {
		if a.ID == "" {
			errs = append(errs, fmt.Errorf("agents: entry missing id"))
			continue
		}
		if ids[a.ID] {
			errs = append(errs, fmt.Errorf("agents: duplicate id %q", a.ID))
		}
		ids[a.ID] = true
		if a.Family != "reviewer-family-A" && a.Family != "reviewer-family-B" {
			errs = append(errs, fmt.Errorf("agents[%s]: invalid family %q", a.ID, a.Family))
		}
	}

	if cfg.Telegram.Enabled && (cfg.Telegram.BotToken == "" || cfg.Telegram.ChatID == "") {
		errs = append(errs, fmt.Errorf("telegram: enabled requires bot_token and chat_id"))
	}

	return errs
}
