package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fission-ai/orc/internal/gitrepo"
	"github.com/fission-ai/orc/internal/model"
)

// ErrSymlinkRefused is returned when ApplyToRepo would have to write
// through or over a symlink, enforcing invariant 7 (specification §8).
type ErrSymlinkRefused struct{ Path string }

func (e *ErrSymlinkRefused) Error() string {
	return fmt.Sprintf("refusing to write through symlinked path %s", e.Path)
}

// GetDiff computes a unified diff for ws. A git worktree prefers `git
// diff`; a copy workspace prefers `git diff --no-index` against its
// baseline when git is installed, else returns "" (specification §4.2).
func (m *Manager) GetDiff(ws *model.Workspace) (string, error) {
	switch ws.Strategy {
	case model.StrategyWorktree:
		repo := gitrepo.NewRepo(ws.Path)
		return repo.Diff("", "")
	case model.StrategyCopy, model.StrategyInPlace:
		if ws.BaselinePath == "" {
			return "", nil
		}
		if _, err := lookPath("git"); err != nil {
			return "", nil
		}
		out, err := gitrepo.DiffNoIndex(filepath.Dir(ws.Path), ws.BaselinePath, ws.Path)
		if err != nil {
			return "", err
		}
		return out, nil
	default:
		return "", nil
	}
}

// DiffPreview truncates a unified diff to its first DiffPreviewLines
// lines, the budget prompts are allowed to spend on diff context.
func DiffPreview(diff string) string {
	lines := strings.Split(diff, "\n")
	if len(lines) <= model.DiffPreviewLines {
		return diff
	}
	return strings.Join(lines[:model.DiffPreviewLines], "\n")
}

// ApplyToRepo copies every file from a copy-strategy workspace into
// repoPath, and deletes from repoPath every file present in the baseline
// but absent from the workspace (specification §4.2). Worktree and
// in_place workspaces have nothing to apply: a worktree is merged by the
// Auto-Merge Engine, and an in_place workspace already *is* the repo.
func (m *Manager) ApplyToRepo(ws *model.Workspace) error {
	if ws.Strategy != model.StrategyCopy {
		return nil
	}

	absRepo, err := filepath.Abs(m.RepoPath)
	if err != nil {
		return err
	}

	// Copy workspace -> repo.
	err = filepath.Walk(ws.Path, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(ws.Path, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		dest := filepath.Join(absRepo, rel)
		if err := checkNoSymlinkEscape(absRepo, dest); err != nil {
			return err
		}
		if info.IsDir() {
			return os.MkdirAll(dest, info.Mode())
		}
		return copyFile(path, dest, info.Mode())
	})
	if err != nil {
		return err
	}

	if ws.BaselinePath == "" {
		return nil
	}

	// Delete from repo every file present in baseline but absent from
	// workspace.
	return filepath.Walk(ws.BaselinePath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(ws.BaselinePath, path)
		if err != nil || rel == "." {
			return err
		}
		if info.IsDir() {
			return nil
		}
		wsCounterpart := filepath.Join(ws.Path, rel)
		if _, err := os.Stat(wsCounterpart); os.IsNotExist(err) {
			dest := filepath.Join(absRepo, rel)
			if err := checkNoSymlinkEscape(absRepo, dest); err != nil {
				return err
			}
			if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
		return nil
	})
}

// checkNoSymlinkEscape refuses to write through a symlinked parent
// directory component, and refuses to overwrite a destination that
// already exists as a symlink (invariant 7).
func checkNoSymlinkEscape(root, dest string) error {
	rel, err := filepath.Rel(root, dest)
	if err != nil {
		return err
	}
	cur := root
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if part == "" || part == "." {
			continue
		}
		cur = filepath.Join(cur, part)
		info, err := os.Lstat(cur)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return &ErrSymlinkRefused{Path: cur}
		}
	}
	return nil
}
