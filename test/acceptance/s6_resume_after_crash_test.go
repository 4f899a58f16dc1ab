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

// waitForStageIn polls state.json until it reports one of wantStages,
// returning "" if none appears within timeout.
func waitForStageIn(statePath string, wantStages []string, timeout time.Duration) string {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(statePath)
		if err == nil {
			var run map[string]any
			if json.Unmarshal(data, &run) == nil {
				if stage, _ := run["stage"].(string); stage != "" {
					for _, want := range wantStages {
						if stage == want {
							return stage
						}
					}
				}
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return ""
}

// writeMockCountingExecutor is the S1 happy-path executor, except it
// fails the test outright if invoked a second time — resuming at
// resume.EntryReview must replay from the persisted candidate set instead
// of re-running the executor (specification §4.8's "skip up to review").
func writeMockCountingExecutor(path, countFile string) {
	script := `#!/bin/sh
set -e
prompt=$(cat)
out=""
prev=""
for arg in "$@"; do
  if [ "$prev" = "--output-last-message" ]; then out="$arg"; fi
  prev="$arg"
done
if echo "$prompt" | grep -q 'PHASE: EXECUTE'; then
  if [ -f "` + countFile + `" ]; then
    echo "mock executor: EXECUTE invoked a second time, resume should not have replayed it" 1>&2
    exit 1
  fi
  touch "` + countFile + `"
  cat > math.py <<'PYEOF'
def divide(a, b):
    if b == 0:
        raise ZeroDivisionError("b must not be zero")
    return a / b
PYEOF
  cat > "$out" <<'EOF'
{"status": "DONE", "summary": "Added a ZeroDivisionError guard to divide()."}
EOF
else
  echo "mock executor: no canned response for this phase" 1>&2
  echo "$prompt" 1>&2
  exit 1
fi
`
	writeFile(path, script)
	ExpectWithOffset(1, os.Chmod(path, 0755)).To(Succeed())
}

var _ = Describe("S6 resume after a crash at tests_ready", func() {
	It("re-enters at review without replaying planning or execution", func() {
		tmpDir, err := os.MkdirTemp("", "orc-s6-")
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
			"HANDOFF": `{"summary": "Guarded divide() against division by zero, across a crash/resume."}`,
		})

		countFile := filepath.Join(tmpDir, "executor-ran-once")
		executorScript := filepath.Join(tmpDir, "mock-executor.sh")
		writeMockCountingExecutor(executorScript, countFile)

		configPath := filepath.Join(tmpDir, "config.yaml")
		Expect(os.WriteFile(configPath, []byte(s1Config(reviewerScript, executorScript)), 0644)).To(Succeed())

		firstRun := exec.Command(binaryPath,
			"--repo", repoDir,
			"--config", configPath,
			"replace divide(a, b) to throw when b is zero",
		)
		var firstOut strings.Builder
		firstRun.Stdout = &firstOut
		firstRun.Stderr = &firstOut
		Expect(firstRun.Start()).To(Succeed())

		runDir := findRunDir(repoDir, 30*time.Second)
		Expect(runDir).NotTo(BeEmpty(), "run directory never appeared")
		statePath := filepath.Join(runDir, "state.json")

		// Kill the process once execution has persisted its candidate and
		// test results but before (or just as) review starts — both
		// tests_ready and reviewing resume at resume.EntryReview, so either
		// is a valid crash point for this scenario.
		stage := waitForStageIn(statePath, []string{"tests_ready", "reviewing"}, 30*time.Second)
		Expect(stage).NotTo(BeEmpty(), "run never reached tests_ready/reviewing before timing out")
		Expect(firstRun.Process.Kill()).To(Succeed())
		_ = firstRun.Wait() // killed: expect a non-nil (signal) error, ignore it

		runIDEntries, err := os.ReadDir(filepath.Join(repoDir, ".orc", "runs"))
		Expect(err).NotTo(HaveOccurred())
		Expect(runIDEntries).To(HaveLen(1))
		runID := runIDEntries[0].Name()

		data, err := os.ReadFile(statePath)
		Expect(err).NotTo(HaveOccurred())
		var crashedRun map[string]any
		Expect(json.Unmarshal(data, &crashedRun)).To(Succeed())
		Expect(crashedRun["stage"]).To(BeElementOf("tests_ready", "reviewing"))
		Expect(crashedRun["approved"]).NotTo(BeTrue())

		secondRun := exec.Command(binaryPath,
			"--repo", repoDir,
			"--config", configPath,
			"--resume-run-id", runID,
		)
		secondOut, err := secondRun.CombinedOutput()
		Expect(err).NotTo(HaveOccurred(), "resumed orc run failed: %s", string(secondOut))
		Expect(string(secondOut)).To(ContainSubstring("resuming run"))

		finalData, err := os.ReadFile(statePath)
		Expect(err).NotTo(HaveOccurred())
		var run map[string]any
		Expect(json.Unmarshal(finalData, &run)).To(Succeed())

		Expect(run["stage"]).To(Equal("complete"))
		Expect(run["approved"]).To(BeTrue())
		Expect(run["persisted"]).To(BeTrue())
		Expect(run["candidates"]).To(HaveLen(1), "resume must not have started a second iteration's candidate set")

		content, err := os.ReadFile(filepath.Join(repoDir, "math.py"))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(content)).To(ContainSubstring("ZeroDivisionError"))
	})
})
