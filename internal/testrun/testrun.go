// Package testrun executes the test commands a plan asks for (or the
// config's fallback unit/e2e commands when the plan supplies none),
// synthesizing exit code 124 on timeout. Grounded on
// original_source/test_runner.py's run_command/run_tests, rebuilt on
// exec.CommandContext for timeout enforcement instead of subprocess's
// timeout= kwarg.
package testrun

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/fission-ai/orc/internal/config"
	"github.com/fission-ai/orc/internal/model"
)

const defaultMaxOutputChars = 8000

// CommandResult is the outcome of running a single shell command.
type CommandResult struct {
	Command    string
	ExitCode   int
	Stdout     string
	Stderr     string
	TimedOut   bool
	Duration   time.Duration
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "\n... [truncated] ..."
}

// RunCommand runs command (via "sh -c") in cwd, enforcing timeout if
// positive. A timeout synthesizes exit code 124, matching
// subprocess.TimeoutExpired handling in the original implementation.
func RunCommand(ctx context.Context, command, cwd string, timeout time.Duration) CommandResult {
	start := time.Now()

	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = cwd
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	duration := time.Since(start)

	if runCtx.Err() == context.DeadlineExceeded {
		label := "Timed out."
		if timeout > 0 {
			label = "Timed out after " + timeout.String() + "."
		}
		stderrText := stderr.String()
		if stderrText != "" {
			stderrText = label + "\n" + stderrText
		} else {
			stderrText = label
		}
		return CommandResult{
			Command:  command,
			ExitCode: 124,
			Stdout:   stdout.String(),
			Stderr:   stderrText,
			TimedOut: true,
			Duration: duration,
		}
	}

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	return CommandResult{
		Command:  command,
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: duration,
	}
}

func (r CommandResult) toModel(commandID string) model.TestResult {
	return model.TestResult{
		CommandID: commandID,
		Command:   r.Command,
		ExitCode:  r.ExitCode,
		Stdout:    truncate(r.Stdout, defaultMaxOutputChars),
		Stderr:    truncate(r.Stderr, defaultMaxOutputChars),
		TimedOut:  r.TimedOut,
		Duration:  r.Duration,
	}
}

// Report is the structured outcome of RunTests: dependency install
// result (if attempted) plus each command's result, in order.
type Report struct {
	Cwd            string
	InstalledDeps  *model.TestResult
	Commands       []model.TestResult
	SkippedInstall bool
}

// RunTests runs the plan's test_commands, or the config's fallback
// unit/e2e commands when the plan supplied none, optionally installing
// dependencies first when testing.install_if_missing is set and
// node_modules is absent (specification §4.6 step 3 / §7).
func RunTests(ctx context.Context, cwd string, cfg config.Testing, planCommands []model.TestCommand) Report {
	abs, err := filepath.Abs(cwd)
	if err != nil {
		abs = cwd
	}
	report := Report{Cwd: abs}

	timeout := time.Duration(cfg.TimeoutSec) * time.Second

	if cfg.InstallIfMissing {
		pkgJSON := filepath.Join(cwd, "package.json")
		nodeModules := filepath.Join(cwd, "node_modules")
		if fileExists(pkgJSON) && !fileExists(nodeModules) {
			installCmd := cfg.InstallCommand
			if installCmd == "" {
				installCmd = "npm install"
			}
			res := RunCommand(ctx, installCmd, cwd, timeout)
			modelRes := res.toModel("install")
			report.InstalledDeps = &modelRes
			if res.ExitCode != 0 {
				return report // deps failed to install; tests would fail too
			}
		}
	}

	commands := planCommands
	if commands == nil {
		commands = fallbackCommands(cfg)
	}

	for _, c := range commands {
		if c.Command == "" {
			continue
		}
		cmdTimeout := timeout
		if c.Timeout != nil {
			cmdTimeout = time.Duration(*c.Timeout) * time.Second
		}
		res := RunCommand(ctx, c.Command, cwd, cmdTimeout)
		modelRes := res.toModel(c.ID)
		report.Commands = append(report.Commands, modelRes)
	}

	return report
}

func fallbackCommands(cfg config.Testing) []model.TestCommand {
	unit := cfg.UnitCommand
	if unit == "" {
		unit = "npm test"
	}
	e2e := cfg.E2ECommand
	if e2e == "" {
		e2e = "npx playwright test"
	}
	return []model.TestCommand{
		{ID: "unit", Kind: "unit", Command: unit},
		{ID: "e2e", Kind: "e2e", Command: e2e},
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
