package workspace

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"

	"github.com/fission-ai/orc/internal/model"
)

// compileIgnore builds a go-gitignore matcher from the fixed default
// pattern list plus any .gitignore/.orcignore present at the root of the
// tree being copied, generalizing the teacher's ignore_test.go usage of
// sabhiram/go-gitignore from a fixed pattern list to a root-aware one.
func compileIgnore(root string) (*ignore.GitIgnore, error) {
	lines := append([]string{}, defaultIgnorePatterns...)
	for _, name := range []string{".gitignore", ".orcignore"} {
		data, err := os.ReadFile(filepath.Join(root, name))
		if err == nil {
			lines = append(lines, strings.Split(string(data), "\n")...)
		}
	}
	return ignore.CompileIgnoreLines(lines...), nil
}

func (m *Manager) createCopy(runID string, iteration int, candidateID, source string) (*model.Workspace, error) {
	subdir := "run"
	if candidateID != "" {
		subdir = fmt.Sprintf("iter%d-%s", iteration, candidateID)
	}
	base := filepath.Join(m.runDir(runID), subdir)
	if err := m.underBase(base); err != nil {
		return nil, err
	}

	baseline := filepath.Join(base, "baseline")
	wsPath := filepath.Join(base, "workspace")

	// Reuse both directories if already present (resume).
	baselineExists := dirExists(baseline)
	wsExists := dirExists(wsPath)

	matcher, err := compileIgnore(source)
	if err != nil {
		return nil, err
	}

	if !baselineExists {
		if err := copyTree(source, baseline, matcher, m.Opts.WorkspaceBase); err != nil {
			return nil, fmt.Errorf("snapshotting baseline: %w", err)
		}
	}
	if !wsExists {
		if err := copyTree(baseline, wsPath, nil, ""); err != nil {
			return nil, fmt.Errorf("mirroring workspace: %w", err)
		}
	}

	return &model.Workspace{
		Strategy:     model.StrategyCopy,
		Path:         wsPath,
		BaselinePath: baseline,
		RepoPath:     m.RepoPath,
	}, nil
}

// createInPlace runs the agent directly in the repo but still snapshots a
// baseline so a diff can be computed afterwards.
func (m *Manager) createInPlace(runID string, iteration int, candidateID string) (*model.Workspace, error) {
	subdir := "run"
	if candidateID != "" {
		subdir = fmt.Sprintf("iter%d-%s", iteration, candidateID)
	}
	baseline := filepath.Join(m.runDir(runID), subdir, "baseline")
	if err := m.underBase(baseline); err != nil {
		return nil, err
	}
	if !dirExists(baseline) {
		matcher, err := compileIgnore(m.RepoPath)
		if err != nil {
			return nil, err
		}
		if err := copyTree(m.RepoPath, baseline, matcher, m.Opts.WorkspaceBase); err != nil {
			return nil, fmt.Errorf("snapshotting in-place baseline: %w", err)
		}
	}
	return &model.Workspace{
		Strategy:     model.StrategyInPlace,
		Path:         m.RepoPath,
		BaselinePath: baseline,
		RepoPath:     m.RepoPath,
	}, nil
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// copyTree copies every file from src into dst, skipping paths matched by
// matcher (when non-nil) and skipping excludeBase (the workspace base dir
// itself, when it lives inside the repo being copied).
func copyTree(src, dst string, matcher *ignore.GitIgnore, excludeBase string) error {
	if err := os.MkdirAll(dst, 0755); err != nil {
		return err
	}
	var absExclude string
	if excludeBase != "" {
		absExclude, _ = filepath.Abs(excludeBase)
	}

	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if absExclude != "" {
			if absPath, _ := filepath.Abs(path); absPath == absExclude {
				if info.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
		}
		if matcher != nil {
			relSlash := filepath.ToSlash(rel)
			checkPath := relSlash
			if info.IsDir() {
				checkPath += "/"
			}
			if matcher.MatchesPath(checkPath) {
				if info.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
		}

		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		if info.Mode()&os.ModeSymlink != 0 {
			linkTarget, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(linkTarget, target)
		}
		return copyFile(path, target, info.Mode())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
