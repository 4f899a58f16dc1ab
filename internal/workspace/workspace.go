// Package workspace implements the Workspace Manager: it materializes
// candidate sandboxes using git worktrees or copy+baseline snapshots,
// computes diffs, and safely applies a workspace's changes back onto the
// target repository (specification §4.2).
//
// This generalizes the teacher's internal/engine worktree-per-concern
// logic (fixed one branch per named concern, rebase-and-reset on
// conflict) into a general-purpose sandbox allocator keyed by run id,
// iteration and candidate id, plus the copy/in_place strategies the
// teacher never needed.
package workspace

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/fission-ai/orc/internal/gitrepo"
	"github.com/fission-ai/orc/internal/model"
)

// defaultIgnorePatterns mirrors the fixed ignore list the original
// workspace manager prototype used for copy-strategy snapshots, now fed
// through sabhiram/go-gitignore instead of ad hoc string matching.
var defaultIgnorePatterns = []string{
	".git/",
	"node_modules/",
	".venv/",
	"venv/",
	"__pycache__/",
	".pytest_cache/",
	".mypy_cache/",
	".ruff_cache/",
	".DS_Store",
	"logs/",
	".orc/",
}

var branchSanitizePattern = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SanitizeBranchComponent replaces every run of characters outside
// [A-Za-z0-9._-] with a single dash, enforcing the branch-name safety
// invariant (specification §8 invariant 6) at construction time rather
// than by convention.
func SanitizeBranchComponent(s string) string {
	s = branchSanitizePattern.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if s == "" {
		s = "run"
	}
	return s
}

// ShortID truncates id to n characters for use in a branch name.
func ShortID(id string, n int) string {
	if n <= 0 {
		n = 12
	}
	if len(id) <= n {
		return id
	}
	return id[:n]
}

// CandidateHash returns a truncated SHA-256 hex digest of candidateID,
// used as the candidate branch suffix (specification §4.2).
func CandidateHash(candidateID string, n int) string {
	sum := sha256.Sum256([]byte(candidateID))
	h := hex.EncodeToString(sum[:])
	if n <= 0 || n > len(h) {
		n = 8
	}
	return h[:n]
}

// Options configures strategy selection and naming, sourced from
// Orchestrator config (specification §6).
type Options struct {
	WorkspaceBase       string // base dir all workspace paths must resolve under
	BranchPrefix        string
	BranchNameLength    int
	BranchSuffixLength  int
	UseGitWorktree      bool
}

// Manager materializes and tears down workspaces for a repo.
type Manager struct {
	RepoPath string
	Opts     Options
}

// NewManager creates a Manager rooted at repoPath.
func NewManager(repoPath string, opts Options) *Manager {
	if opts.WorkspaceBase == "" {
		opts.WorkspaceBase = filepath.Join(repoPath, ".orc", "runs")
	}
	return &Manager{RepoPath: repoPath, Opts: opts}
}

// resolveStrategy implements the `auto` selection rule from
// specification §4.2: worktree when the repo is a git repo with ≥1
// commit and worktrees are permitted, else copy.
func (m *Manager) resolveStrategy(requested model.WorkspaceStrategy, multiCandidate bool) model.WorkspaceStrategy {
	strategy := requested
	if strategy == model.StrategyAuto || strategy == "" {
		repo := gitrepo.NewRepo(m.RepoPath)
		if m.Opts.UseGitWorktree && repo.IsGitRepo() && repo.HasCommits() {
			strategy = model.StrategyWorktree
		} else {
			strategy = model.StrategyCopy
		}
	}
	// Multi-candidate iterations force non-in_place: concurrent candidates
	// in the same directory are forbidden (specification §4.2).
	if multiCandidate && strategy == model.StrategyInPlace {
		strategy = model.StrategyCopy
	}
	return strategy
}

// runBranch returns the run-level worktree branch name.
func (m *Manager) runBranch(runID string) string {
	prefix := SanitizeBranchComponent(strings.TrimSuffix(m.Opts.BranchPrefix, "/"))
	short := SanitizeBranchComponent(ShortID(runID, m.Opts.BranchNameLength))
	return fmt.Sprintf("%s/%s", prefix, short)
}

// candidateBranch returns the per-candidate worktree branch name.
func (m *Manager) candidateBranch(runID string, iteration int, candidateID string) string {
	base := m.runBranch(runID)
	suffix := CandidateHash(candidateID, m.Opts.BranchSuffixLength)
	return fmt.Sprintf("%s-i%d-%s", base, iteration, suffix)
}

// CandidateBranch exposes the deterministic per-candidate branch name so
// the Auto-Merge Engine can look up a worktree candidate's branch without
// threading it through model.Candidate.
func (m *Manager) CandidateBranch(runID string, iteration int, candidateID string) string {
	return m.candidateBranch(runID, iteration, candidateID)
}

func (m *Manager) runDir(runID string) string {
	return filepath.Join(m.Opts.WorkspaceBase, runID)
}

// underBase verifies a path resolves inside the configured workspace
// base directory (specification §3 invariant i).
func (m *Manager) underBase(path string) error {
	absBase, err := filepath.Abs(m.Opts.WorkspaceBase)
	if err != nil {
		return err
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if absPath != absBase && !strings.HasPrefix(absPath, absBase+string(filepath.Separator)) {
		return fmt.Errorf("workspace path %s escapes workspace base %s", path, m.Opts.WorkspaceBase)
	}
	return nil
}

// Create materializes the run-level workspace.
func (m *Manager) Create(runID string, strategy model.WorkspaceStrategy) (*model.Workspace, error) {
	strategy = m.resolveStrategy(strategy, false)
	return m.create(runID, 0, "", m.RepoPath, strategy)
}

// CreateCandidate materializes a candidate workspace. source lets the
// next iteration carry forward the previous winning candidate's tree
// instead of the original repo.
func (m *Manager) CreateCandidate(runID string, iteration int, candidateID, source string, strategy model.WorkspaceStrategy, multiCandidate bool) (*model.Workspace, error) {
	strategy = m.resolveStrategy(strategy, multiCandidate)
	// Carry-forward from outside the original repo path forces copy
	// (specification §4.6 assignment rule).
	if source != "" && source != m.RepoPath && strategy == model.StrategyWorktree {
		if absSrc, err := filepath.Abs(source); err == nil {
			if absRepo, err2 := filepath.Abs(m.RepoPath); err2 == nil && absSrc != absRepo {
				strategy = model.StrategyCopy
			}
		}
	}
	if source == "" {
		source = m.RepoPath
	}
	return m.create(runID, iteration, candidateID, source, strategy)
}

func (m *Manager) create(runID string, iteration int, candidateID, source string, strategy model.WorkspaceStrategy) (*model.Workspace, error) {
	switch strategy {
	case model.StrategyWorktree:
		return m.createWorktree(runID, iteration, candidateID)
	case model.StrategyCopy:
		return m.createCopy(runID, iteration, candidateID, source)
	case model.StrategyInPlace:
		return m.createInPlace(runID, iteration, candidateID)
	default:
		return nil, fmt.Errorf("unknown workspace strategy %q", strategy)
	}
}

func (m *Manager) createWorktree(runID string, iteration int, candidateID string) (*model.Workspace, error) {
	repo := gitrepo.NewRepo(m.RepoPath)
	branch := m.runBranch(runID)
	subdir := "run"
	if candidateID != "" {
		branch = m.candidateBranch(runID, iteration, candidateID)
		subdir = fmt.Sprintf("iter%d-%s", iteration, candidateID)
	}
	path := filepath.Join(m.runDir(runID), "worktrees", subdir)
	if err := m.underBase(path); err != nil {
		return nil, err
	}

	if err := m.ensureWorktree(repo, path, branch); err != nil {
		return nil, err
	}

	return &model.Workspace{Strategy: model.StrategyWorktree, Path: path, Branch: branch, RepoPath: m.RepoPath}, nil
}

// ensureWorktree implements the worktree creation-or-reuse rule from
// specification §4.2: reuse a live registered worktree, re-add after
// removing a dead one, add onto an existing branch, or create branch
// and worktree together.
func (m *Manager) ensureWorktree(repo *gitrepo.Repo, path, branch string) error {
	entries, err := repo.ListWorktrees()
	if err != nil {
		return fmt.Errorf("listing worktrees: %w", err)
	}
	for _, e := range entries {
		if e.Branch != branch {
			continue
		}
		if _, statErr := os.Stat(e.Path); statErr == nil {
			return nil // already registered at a live path — resume
		}
		if err := repo.RemoveWorktree(e.Path); err != nil {
			_ = err // best effort; prune below still cleans admin files
		}
		if err := repo.PruneWorktrees(); err != nil {
			return err
		}
		break
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating worktree parent dir: %w", err)
	}

	if repo.BranchExists(branch) {
		return repo.AddWorktree(path, branch)
	}
	return repo.AddWorktreeNewBranch(path, branch, "")
}

// ResumeCandidate rebuilds a Workspace value for a previously created
// candidate path without recreating it, used when the Resume Engine
// re-enters a stage whose workspace already exists on disk.
func (m *Manager) ResumeCandidate(path string, strategy model.WorkspaceStrategy, branch string) (*model.Workspace, error) {
	if err := m.underBase(path); strategy != model.StrategyInPlace && err != nil {
		return nil, err
	}
	ws := &model.Workspace{Strategy: strategy, Path: path, Branch: branch, RepoPath: m.RepoPath}
	if strategy == model.StrategyCopy {
		ws.BaselinePath = filepath.Join(filepath.Dir(path), "baseline")
	}
	return ws, nil
}

// Cleanup removes a workspace's on-disk state: for worktree strategy it
// unregisters the worktree before removing the directory tree.
func (m *Manager) Cleanup(ws *model.Workspace) error {
	if ws.Strategy == model.StrategyInPlace {
		return nil
	}
	if ws.Strategy == model.StrategyWorktree {
		repo := gitrepo.NewRepo(m.RepoPath)
		if err := repo.RemoveWorktree(ws.Path); err != nil {
			_ = os.RemoveAll(ws.Path)
		}
		_ = repo.PruneWorktrees()
		return nil
	}
	// A copy workspace lives at {candidate_dir}/workspace next to its
	// baseline snapshot; remove the whole candidate dir so the baseline
	// doesn't leak past cleanup.
	if ws.Strategy == model.StrategyCopy && filepath.Base(ws.Path) == "workspace" {
		if parent := filepath.Dir(ws.Path); m.underBase(parent) == nil {
			return os.RemoveAll(parent)
		}
	}
	return os.RemoveAll(ws.Path)
}

// CleanupRun removes every workspace under a run's directory, first
// unregistering any git worktrees nested inside it. Only workspace
// artifacts are removed — the run directory doubles as the persisted-state
// directory (state.json, history.log, family logs), which must outlive
// cleanup as the run's authoritative record.
func (m *Manager) CleanupRun(runID string) error {
	dir := m.runDir(runID)
	repo := gitrepo.NewRepo(m.RepoPath)
	if err := repo.RemoveWorktreesUnder(dir); err != nil {
		return fmt.Errorf("removing worktrees under %s: %w", dir, err)
	}

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var firstErr error
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		if name != "worktrees" && name != "run" && !strings.HasPrefix(name, "iter") {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, name)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
