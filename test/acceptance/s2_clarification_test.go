package acceptance_test

import (
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// writeMockClarifyingExecutor writes an executor script that answers its
// first EXECUTE turn with NEEDS_REVIEWER and a question, then (once a
// marker file proves a second turn landed in the same workspace) makes the
// real edit and answers DONE — family A has no session id to branch on
// (internal/agent/familya.go never populates Result.SessionID), so the
// script tracks "have I already run here" through the workspace itself,
// exactly as a real multi-turn CLI would see its own prior edit.
func writeMockClarifyingExecutor(path string) {
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
  if [ -f .orc-clarified ]; then
    cat > math.py <<'PYEOF'
def divide(a, b):
    if b == 0:
        raise ZeroDivisionError("b must not be zero")
    return a / b
PYEOF
    cat > "$out" <<'EOF'
{"status": "DONE", "summary": "Raised ZeroDivisionError as the reviewer clarified."}
EOF
  else
    touch .orc-clarified
    cat > "$out" <<'EOF'
{"status": "NEEDS_REVIEWER", "questions": ["Which exception type should divide() raise when b is zero?"]}
EOF
  fi
else
  echo "mock executor: no canned response for this phase" 1>&2
  echo "$prompt" 1>&2
  exit 1
fi
`
	writeFile(path, script)
	ExpectWithOffset(1, os.Chmod(path, 0755)).To(Succeed())
}

var _ = Describe("S2 executor asks the reviewer for clarification", func() {
	It("answers the executor's question through ANSWER_EXECUTOR and still approves", func() {
		tmpDir, err := os.MkdirTemp("", "orc-s2-")
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
			"ANSWER_EXECUTOR": `{
  "status": "OK",
  "claude_prompt": "Raise ZeroDivisionError when b is zero.",
  "tasks": [{"id": "answer", "title": "answer", "description": "Raise ZeroDivisionError when b is zero."}]
}`,
			"REVIEW_CANDIDATES": `{
  "status": "APPROVED",
  "winner_candidate_id": "$cand_id",
  "summary": "Clarified exception type, guard looks correct.",
  "feedback": "Matches what we asked for."
}`,
			"HANDOFF": `{
  "summary": "Guarded divide() against division by zero after one clarification round."
}`,
		})

		executorScript := filepath.Join(tmpDir, "mock-executor.sh")
		writeMockClarifyingExecutor(executorScript)

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
		Expect(entries).To(HaveLen(1))

		statePath := filepath.Join(runsDir, entries[0].Name(), "state.json")
		data, err := os.ReadFile(statePath)
		Expect(err).NotTo(HaveOccurred())

		var run map[string]any
		Expect(json.Unmarshal(data, &run)).To(Succeed())

		Expect(run["stage"]).To(Equal("complete"))
		Expect(run["approved"]).To(BeTrue())
		Expect(run["persisted"]).To(BeTrue())

		candidates, ok := run["candidates"].(map[string]any)
		Expect(ok).To(BeTrue())
		Expect(candidates).To(HaveLen(1))
		for _, c := range candidates {
			cand := c.(map[string]any)
			Expect(cand["status"]).To(Equal("DONE"))
			Expect(cand["question_rounds"]).To(BeNumerically("==", 1))
		}

		content, err := os.ReadFile(filepath.Join(repoDir, "math.py"))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(content)).To(ContainSubstring("ZeroDivisionError"))
	})
})
