package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fission-ai/orc/internal/config"
)

// resolveRepoAndTask implements specification §6's positional-argument
// rule: an explicit --repo flag always wins; otherwise, if the single
// positional argument names an existing directory (or "."), it is the
// repo and no task is inferred (UI-first); otherwise the positional is
// the task prompt and the repo defaults to the current directory.
func resolveRepoAndTask(args []string) (repoPath, task string, err error) {
	if flagRepo != "" {
		repoPath, err = filepath.Abs(flagRepo)
		if err != nil {
			return "", "", err
		}
		if len(args) == 1 {
			task = args[0]
		}
		return repoPath, task, nil
	}

	if len(args) == 1 {
		candidate := args[0]
		if info, statErr := os.Stat(candidate); statErr == nil && info.IsDir() {
			repoPath, err = filepath.Abs(candidate)
			return repoPath, "", err
		}
		task = candidate
	}

	repoPath, err = os.Getwd()
	return repoPath, task, err
}

// loadAndValidateConfig resolves the config path per specification §6
// precedence, loads it, and validates it, printing errors to stderr in
// the teacher's loadAndValidateConfig style.
func loadAndValidateConfig(repoPath string) (*config.Config, string, error) {
	path := config.Resolve(repoPath, flagConfigPath)

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		return nil, "", err
	}

	errs := config.Validate(cfg)
	if len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "Error: %s\n", e)
		}
		return nil, "", fmt.Errorf("%d validation error(s)", len(errs))
	}

	return cfg, path, nil
}
