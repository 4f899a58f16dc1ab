// Package agent spawns reviewer/executor CLIs, feeds them a prompt and a
// JSON Schema, and collects one structured JSON response, per the
// contract in specification §4.3. The two concrete families
// (reviewer-family-A, reviewer-family-B) share this Call/Result contract;
// their actual command-line wire formats are out of scope and are kept
// behind that contract.
package agent

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/fission-ai/orc/internal/model"
)

// Call is one structured request to an agent.
type Call struct {
	Phase           string // PLAN, REFINE_PLAN, REVIEW, REVIEW_CANDIDATES, HANDOFF, ANSWER_EXECUTOR, EXECUTE, MERGE_CONFLICT
	Prompt          string
	Schema          *jsonschema.Schema
	WorkDir         string
	ResumeSessionID string
	AllowedTools    []string
	MaxTurns        int
}

// Result is one agent turn's structured payload plus bookkeeping the
// controller needs to resume the same conversation later.
type Result struct {
	Raw       map[string]any
	SessionID string
}

// Client is implemented by each agent product family.
type Client interface {
	Family() model.AgentFamily
	Call(ctx context.Context, spec model.AgentSpec, call Call, log io.Writer) (*Result, error)
}

// ErrSpawnFailed wraps a subprocess start/exec failure (specification §7
// "Agent spawn failure").
type ErrSpawnFailed struct{ Cause error }

func (e *ErrSpawnFailed) Error() string { return fmt.Sprintf("agent spawn failed: %s", e.Cause) }
func (e *ErrSpawnFailed) Unwrap() error { return e.Cause }

// ErrStructuralFailure wraps a JSON-parse or schema-shape failure
// (specification §7 "Agent structural failure").
type ErrStructuralFailure struct{ Cause error }

func (e *ErrStructuralFailure) Error() string {
	return fmt.Sprintf("agent structural failure: %s", e.Cause)
}
func (e *ErrStructuralFailure) Unwrap() error { return e.Cause }

// writeFramedHeader writes the activity-log segment header the dashboard
// parser expects: "=== <iso-ts> <family> <phase> ===" (specification
// §4.3, §6 "Activity log framing").
func writeFramedHeader(w io.Writer, family model.AgentFamily, phase string) {
	fmt.Fprintf(w, "=== %s %s %s ===\n", time.Now().UTC().Format(time.RFC3339), family, phase)
}

func writeFramedFooter(w io.Writer, family model.AgentFamily, exitCode int) {
	fmt.Fprintf(w, "=== %s exit %d ===\n", family, exitCode)
}

// NormalizeStructuredOutput extracts the structured payload from a
// decoded stream-json event: the structured_output-wrapped shape wins,
// a top-level payload (recognized by its status field) is passed
// through, and anything else synthesizes the legacy DONE/raw-summary
// shape older agent versions produced.
func NormalizeStructuredOutput(decoded map[string]any, rawText string) map[string]any {
	if so, ok := decoded["structured_output"].(map[string]any); ok {
		return so
	}
	if _, hasStatus := decoded["status"]; hasStatus {
		return decoded
	}
	return map[string]any{
		"status":  string(model.ExecutorDone),
		"summary": rawText,
	}
}
