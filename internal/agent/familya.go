package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/fission-ai/orc/internal/model"
	"github.com/fission-ai/orc/internal/schema"
)

// FamilyAClient invokes a single-shot, schema-constrained CLI turn: the
// final JSON message is written to a temp file via --output-last-message
// and validated against a temp --output-schema file. Grounded on
// original_source/codex_client.py's _run_codex_json: never positional
// flags, approval_policy and sandbox are always passed as -c key=value
// overrides.
type FamilyAClient struct {
	DefaultCommand string
}

func (c *FamilyAClient) Family() model.AgentFamily { return model.FamilyA }

func (c *FamilyAClient) Call(ctx context.Context, spec model.AgentSpec, call Call, log io.Writer) (*Result, error) {
	command := spec.Command
	if command == "" {
		command = c.DefaultCommand
	}
	if command == "" {
		command = "codex"
	}

	schemaFile, err := os.CreateTemp("", "orc-schema-*.json")
	if err != nil {
		return nil, &ErrSpawnFailed{Cause: err}
	}
	defer os.Remove(schemaFile.Name())
	data, err := schema.WriteFile(call.Schema)
	if err != nil {
		return nil, &ErrStructuralFailure{Cause: err}
	}
	if _, err := schemaFile.Write(data); err != nil {
		return nil, &ErrSpawnFailed{Cause: err}
	}
	schemaFile.Close()

	outFile, err := os.CreateTemp("", "orc-last-message-*.json")
	if err != nil {
		return nil, &ErrSpawnFailed{Cause: err}
	}
	outPath := outFile.Name()
	outFile.Close()
	defer os.Remove(outPath)

	sandbox := spec.SandboxMode
	if sandbox == "" {
		if spec.ReadOnly() {
			sandbox = "read-only"
		} else {
			sandbox = "workspace-write"
		}
	}

	args := []string{
		"exec",
		"--color", "never",
		"--skip-git-repo-check",
		"--sandbox", sandbox,
	}
	if spec.Model != "" {
		args = append(args, "--model", spec.Model)
	}
	args = append(args, "--cd", call.WorkDir)
	args = append(args, "--output-schema", schemaFile.Name())
	args = append(args, "-c", "approval_policy=never")
	if spec.ReasoningLevel != "" {
		args = append(args, "-c", "model_reasoning_effort="+spec.ReasoningLevel)
	}
	if spec.Verbosity != "" {
		args = append(args, "-c", "model_verbosity="+spec.Verbosity)
	}
	args = append(args, "--output-last-message", outPath)
	if call.ResumeSessionID != "" {
		args = append(args, "resume", call.ResumeSessionID)
	}

	writeFramedHeader(log, model.FamilyA, call.Phase)
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = call.WorkDir
	cmd.Stdin = strings.NewReader(call.Prompt)
	cmd.Stdout = log
	cmd.Stderr = log

	runErr := cmd.Run()
	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			writeFramedFooter(log, model.FamilyA, -1)
			return nil, &ErrSpawnFailed{Cause: runErr}
		}
	}
	writeFramedFooter(log, model.FamilyA, exitCode)
	if exitCode != 0 {
		return nil, &ErrSpawnFailed{Cause: fmt.Errorf("%s exited %d", filepath.Base(command), exitCode)}
	}

	raw, err := os.ReadFile(outPath)
	if err != nil {
		return nil, &ErrStructuralFailure{Cause: fmt.Errorf("reading output-last-message: %w", err)}
	}

	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		fmt.Fprintf(log, "unparseable output: %s\n", truncate(string(raw), 2000))
		return nil, &ErrStructuralFailure{Cause: fmt.Errorf("parsing agent JSON: %w", err)}
	}

	// The last-message file is the structured payload itself; unwrap only
	// the structured_output envelope shape, never synthesize.
	payload := decoded
	if so, ok := decoded["structured_output"].(map[string]any); ok {
		payload = so
	}
	if err := schema.Validate(call.Schema, payload); err != nil {
		return nil, &ErrStructuralFailure{Cause: err}
	}

	return &Result{Raw: payload}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
