package acceptance_test

import (
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func s4Config(reviewerCmd, executorCmd string) string {
	return "orchestrator:\n" +
		"  workspace_strategy: copy\n" +
		"  apply_changes_on_success: true\n" +
		"  commit_on_approval: true\n" +
		"  max_claude_question_rounds: 1\n" +
		"  max_iterations: 1\n" +
		"agents:\n" +
		"  reviewers:\n" +
		"    - id: reviewer-1\n" +
		"      family: reviewer-family-A\n" +
		"      command: " + reviewerCmd + "\n" +
		"  executors:\n" +
		"    - id: executor-1\n" +
		"      family: reviewer-family-A\n" +
		"      command: " + executorCmd + "\n" +
		"testing:\n" +
		"  timeout_sec: 30\n"
}

// writeMockAlwaysRejectingReviewer always rejects its candidate with a
// next_prompt asking for more work, so the run never converges within one
// iteration and runs into orchestrator.max_iterations (specification §4.6
// "Iteration-cap decision").
func writeMockAlwaysRejectingReviewer(path string) {
	writeMockAgentScript(path, map[string]string{
		"PLAN": `{
  "status": "OK",
  "claude_prompt": "Guard divide against division by zero.",
  "tasks": [{"id": "t1", "title": "Guard divide", "description": "Raise when b is zero"}],
  "test_commands": [{"id": "unit", "kind": "unit", "command": "true"}]
}`,
		"REVIEW_CANDIDATES": `{
  "status": "REJECTED",
  "winner_candidate_id": "$cand_id",
  "summary": "Guard is present but still missing an edge case.",
  "feedback": "Handle negative divisors too.",
  "next_prompt": "Also guard against negative divisors."
}`,
		"HANDOFF": `{"summary": "Accepted a partial result after the iteration cap was hit."}`,
	})
}

var _ = Describe("S4 iteration cap escalates to an admin accept-partial decision", func() {
	It("marks the run approved-by-admin on accept_partial without looping forever", func() {
		tmpDir, err := os.MkdirTemp("", "orc-s4-")
		Expect(err).NotTo(HaveOccurred())
		defer os.RemoveAll(tmpDir)

		repoDir := setupTestRepo(tmpDir)
		defer cleanupTestRepo(repoDir, tmpDir)

		reviewerScript := filepath.Join(tmpDir, "mock-reviewer.sh")
		writeMockAlwaysRejectingReviewer(reviewerScript)

		executorScript := filepath.Join(tmpDir, "mock-executor.sh")
		writeMockExecutorScript(executorScript, map[string]string{
			"EXECUTE": `{"status": "DONE", "summary": "Added a ZeroDivisionError guard to divide()."}`,
		}, `cat > math.py <<'PYEOF'
def divide(a, b):
    if b == 0:
        raise ZeroDivisionError("b must not be zero")
    return a / b
PYEOF
`)

		configPath := filepath.Join(tmpDir, "config.yaml")
		Expect(os.WriteFile(configPath, []byte(s4Config(reviewerScript, executorScript)), 0644)).To(Succeed())

		cmd := exec.Command(binaryPath,
			"--repo", repoDir,
			"--config", configPath,
			"replace divide(a, b) to throw when b is zero",
		)
		var out strings.Builder
		cmd.Stdout = &out
		cmd.Stderr = &out
		Expect(cmd.Start()).To(Succeed())

		runDir := findRunDir(repoDir, 30*time.Second)
		Expect(runDir).NotTo(BeEmpty(), "run directory never appeared")

		// max_iterations=1: the first iteration runs to REJECTED, the second
		// iteration's entry increments Iteration to 2 and immediately trips
		// checkIterationCap, which escalates with exactly these two options.
		answerAdminDecision(runDir, 0, "good enough, ship the first attempt")

		Expect(cmd.Wait()).To(Succeed(), "orc run failed: %s", out.String())

		statePath := filepath.Join(runDir, "state.json")
		data, err := os.ReadFile(statePath)
		Expect(err).NotTo(HaveOccurred())

		var run map[string]any
		Expect(json.Unmarshal(data, &run)).To(Succeed())

		Expect(run["approved"]).To(BeTrue())
		Expect(run["approved_by_admin"]).To(BeTrue())
		Expect(run["iteration"]).To(BeNumerically("==", 2))

		// accept_partial never applies a winning workspace (no candidate was
		// ever approved by a reviewer), so the repo's file is untouched.
		content, err := os.ReadFile(filepath.Join(repoDir, "math.py"))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(content)).NotTo(ContainSubstring("ZeroDivisionError"))

		history, err := os.ReadFile(filepath.Join(runDir, "history.log"))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(history)).To(ContainSubstring("iteration_cap_reached"))
	})
})
