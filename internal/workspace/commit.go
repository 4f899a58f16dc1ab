package workspace

import (
	"os/exec"

	"github.com/fission-ai/orc/internal/gitrepo"
	"github.com/fission-ai/orc/internal/model"
)

func lookPath(name string) (string, error) {
	return exec.LookPath(name)
}

// CommitChanges stages and commits every change in a worktree-strategy
// workspace. It is a no-op (returns false, nil) when there is nothing to
// commit, mirroring the teacher's commitChanges helper.
func (m *Manager) CommitChanges(ws *model.Workspace, message string) (bool, error) {
	if ws.Strategy != model.StrategyWorktree {
		return false, nil
	}
	repo := gitrepo.NewRepo(ws.Path)
	changed, err := repo.HasChanges()
	if err != nil {
		return false, err
	}
	if !changed {
		return false, nil
	}
	if err := repo.StageAll(); err != nil {
		return false, err
	}
	if err := repo.Commit(message); err != nil {
		return false, err
	}
	return true, nil
}
