package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/fission-ai/orc/internal/model"
	"github.com/fission-ai/orc/internal/schema"
)

// HeartbeatInterval is how long the stream-json tailer waits without
// seeing a new line before it emits a heartbeat marker to the log
// (specification §4.3).
const HeartbeatInterval = 15 * time.Second

// FamilyBClient invokes a stream-json NDJSON CLI turn over a PTY, the
// same PTY-backed invocation strategy the teacher's invokeAgent uses for
// its own single agent call, generalized to tail line-by-line, parse each
// line, and keep the last JSON object plus the type=result event.
// Grounded on original_source/claude_code_client.py.
type FamilyBClient struct {
	DefaultCommand string
}

func (c *FamilyBClient) Family() model.AgentFamily { return model.FamilyB }

func (c *FamilyBClient) Call(ctx context.Context, spec model.AgentSpec, call Call, log io.Writer) (*Result, error) {
	command := spec.Command
	if command == "" {
		command = c.DefaultCommand
	}
	if command == "" {
		command = "claude"
	}

	args := []string{"-p", "--output-format", "stream-json", "--verbose"}
	if spec.Model != "" {
		args = append(args, "--model", spec.Model)
	}
	if len(call.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(call.AllowedTools, ","))
	}
	if call.MaxTurns > 0 {
		args = append(args, "--max-turns", fmt.Sprint(call.MaxTurns))
	}
	if call.ResumeSessionID != "" {
		args = append(args, "--resume", call.ResumeSessionID)
	}

	writeFramedHeader(log, model.FamilyB, call.Phase)

	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = call.WorkDir

	ptmx, pts, err := pty.Open()
	if err != nil {
		return nil, &ErrSpawnFailed{Cause: fmt.Errorf("opening pty: %w", err)}
	}
	defer ptmx.Close()

	cmd.Stdin = strings.NewReader(call.Prompt)
	cmd.Stdout = pts
	cmd.Stderr = pts

	if err := cmd.Start(); err != nil {
		pts.Close()
		writeFramedFooter(log, model.FamilyB, -1)
		return nil, &ErrSpawnFailed{Cause: fmt.Errorf("starting agent: %w", err)}
	}
	pts.Close()

	var mu sync.Mutex // serializes heartbeat vs stream-line writes to log
	lastActivity := time.Now()
	heartbeatDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeatDone:
				return
			case <-ticker.C:
				mu.Lock()
				idle := time.Since(lastActivity)
				if idle >= HeartbeatInterval {
					fmt.Fprintf(log, "=== heartbeat (%s idle) ===\n", idle.Round(time.Second))
				}
				mu.Unlock()
			}
		}
	}()

	var lastObj map[string]any
	var resultObj map[string]any
	var lastLine string
	scanner := bufio.NewScanner(ptmx)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		mu.Lock()
		lastActivity = time.Now()
		fmt.Fprintln(log, line)
		mu.Unlock()

		var obj map[string]any
		if err := json.Unmarshal([]byte(line), &obj); err != nil {
			continue
		}
		lastObj = obj
		lastLine = line
		if t, _ := obj["type"].(string); t == "result" {
			resultObj = obj
		}
	}
	if scanErr := scanner.Err(); scanErr != nil {
		var pathErr *os.PathError
		if !(errors.As(scanErr, &pathErr) && pathErr.Err == syscall.EIO) {
			close(heartbeatDone)
			_ = cmd.Wait()
			return nil, &ErrStructuralFailure{Cause: fmt.Errorf("reading agent stream: %w", scanErr)}
		}
	}

	waitErr := cmd.Wait()
	close(heartbeatDone)

	exitCode := 0
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			writeFramedFooter(log, model.FamilyB, -1)
			return nil, &ErrSpawnFailed{Cause: waitErr}
		}
	}
	writeFramedFooter(log, model.FamilyB, exitCode)
	if exitCode != 0 {
		return nil, &ErrSpawnFailed{Cause: fmt.Errorf("agent exited %d", exitCode)}
	}

	effective := resultObj
	if effective == nil {
		effective = lastObj
	}
	if effective == nil {
		return nil, &ErrStructuralFailure{Cause: fmt.Errorf("no JSON objects on stream-json output")}
	}

	normalized := NormalizeStructuredOutput(effective, lastLine)
	if err := schema.Validate(call.Schema, normalized); err != nil {
		return nil, &ErrStructuralFailure{Cause: err}
	}

	sessionID, _ := effective["session_id"].(string)
	return &Result{Raw: normalized, SessionID: sessionID}, nil
}
