package acceptance_test

import (
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// s1Config renders the minimal YAML config for the single-iteration happy
// path: one reviewer, one executor, both family A, copy workspace
// strategy, apply-back and commit-on-approval both enabled so the winning
// candidate actually lands in the repo.
func s1Config(reviewerCmd, executorCmd string) string {
	return "orchestrator:\n" +
		"  workspace_strategy: copy\n" +
		"  apply_changes_on_success: true\n" +
		"  commit_on_approval: true\n" +
		"  max_claude_question_rounds: 1\n" +
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

var _ = Describe("S1 single iteration happy path", func() {
	It("plans, executes, reviews, approves, and applies the winning candidate", func() {
		tmpDir, err := os.MkdirTemp("", "orc-s1-")
		Expect(err).NotTo(HaveOccurred())
		defer os.RemoveAll(tmpDir)

		repoDir := setupTestRepo(tmpDir)
		defer cleanupTestRepo(repoDir, tmpDir)

		reviewerScript := filepath.Join(tmpDir, "mock-reviewer.sh")
		writeMockAgentScript(reviewerScript, map[string]string{
			"PLAN": `{
  "status": "OK",
  "claude_prompt": "Guard divide against division by zero.",
  "tasks": [{"id": "t1", "title": "Guard divide", "description": "Raise when b is zero"}],
  "test_commands": [{"id": "unit", "kind": "unit", "command": "true"}]
}`,
			"REVIEW_CANDIDATES": `{
  "status": "APPROVED",
  "winner_candidate_id": "$cand_id",
  "summary": "Guard looks correct and covers the zero case.",
  "feedback": "Clean, minimal diff."
}`,
			"HANDOFF": `{
  "summary": "Guarded divide() against division by zero; approved on the first iteration."
}`,
		})

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
		Expect(os.WriteFile(configPath, []byte(s1Config(reviewerScript, executorScript)), 0644)).To(Succeed())

		cmd := exec.Command(binaryPath,
			"--repo", repoDir,
			"--config", configPath,
			"replace divide(a, b) to throw when b is zero",
		)
		out, err := cmd.CombinedOutput()
		Expect(err).NotTo(HaveOccurred(), "orc run failed: %s", string(out))

		runsDir := filepath.Join(repoDir, ".orc", "runs")
		entries, err := os.ReadDir(runsDir)
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(HaveLen(1), "expected exactly one run directory")

		statePath := filepath.Join(runsDir, entries[0].Name(), "state.json")
		data, err := os.ReadFile(statePath)
		Expect(err).NotTo(HaveOccurred())

		var run map[string]any
		Expect(json.Unmarshal(data, &run)).To(Succeed())

		Expect(run["stage"]).To(Equal("complete"))
		Expect(run["approved"]).To(BeTrue())
		Expect(run["persisted"]).To(BeTrue())

		plans, ok := run["plans"].(map[string]any)
		Expect(ok).To(BeTrue(), "state.json missing plans")
		Expect(plans).To(HaveLen(1))
		for _, p := range plans {
			plan := p.(map[string]any)
			tasks, _ := plan["tasks"].([]any)
			Expect(len(tasks)).To(BeNumerically(">=", 1))
		}

		candidates, ok := run["candidates"].(map[string]any)
		Expect(ok).To(BeTrue(), "state.json missing candidates")
		Expect(candidates).To(HaveLen(1))
		for _, c := range candidates {
			cand := c.(map[string]any)
			Expect(cand["status"]).To(Equal("DONE"))
			testResults, _ := cand["test_results"].([]any)
			Expect(testResults).NotTo(BeEmpty())
			last := testResults[len(testResults)-1].(map[string]any)
			Expect(last["exit_code"]).To(BeNumerically("==", 0))
		}

		content, err := os.ReadFile(filepath.Join(repoDir, "math.py"))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(content)).To(ContainSubstring("ZeroDivisionError"))

		log := runGitOutput(repoDir, "log", "--oneline", "-1")
		Expect(log).To(ContainSubstring("orc:"))
	})
})
