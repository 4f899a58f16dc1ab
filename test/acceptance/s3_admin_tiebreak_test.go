package acceptance_test

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// writeMockDisagreeingReviewer writes a reviewer-family-A script that plans
// identically regardless of which reviewer runs it, but on
// REVIEW_CANDIDATES always names the candidate whose id contains
// preferredSubstr as the winner — the fixture for forcing two reviewers to
// produce conflicting ReviewerDecisions (specification §4.6 step 5), since
// both reviewers are handed the exact same rollup prompt
// (internal/orchestrator/review.go's reviewOne builds one rollup shared by
// every reviewer) and can only be told apart by which candidate they each
// insist on.
func writeMockDisagreeingReviewer(path, preferredSubstr string) {
	script := `#!/bin/sh
set -e
prompt=$(cat)
out=""
prev=""
for arg in "$@"; do
  if [ "$prev" = "--output-last-message" ]; then out="$arg"; fi
  prev="$arg"
done
winner=$(echo "$prompt" | grep -o '"candidate_id": "[^"]*` + preferredSubstr + `[^"]*"' | head -1 | sed 's/.*: "\(.*\)"/\1/')
if echo "$prompt" | grep -q 'PHASE: PLAN'; then
  cat > "$out" <<EOF
{
  "status": "OK",
  "claude_prompt": "Guard divide against division by zero.",
  "tasks": [{"id": "t1", "title": "Guard divide", "description": "Raise when b is zero"}],
  "test_commands": [{"id": "unit", "kind": "unit", "command": "true"}]
}
EOF
elif echo "$prompt" | grep -q 'PHASE: REVIEW_CANDIDATES'; then
  cat > "$out" <<EOF
{
  "status": "APPROVED",
  "winner_candidate_id": "$winner",
  "summary": "This reviewer insists on its own candidate.",
  "feedback": "Prefers the ` + preferredSubstr + ` attempt."
}
EOF
elif echo "$prompt" | grep -q 'PHASE: HANDOFF'; then
  cat > "$out" <<EOF
{"summary": "Admin broke a reviewer tie in favor of one candidate."}
EOF
else
  echo "mock reviewer: no canned response for this phase" 1>&2
  echo "$prompt" 1>&2
  exit 1
fi
`
	writeFile(path, script)
	ExpectWithOffset(1, os.Chmod(path, 0755)).To(Succeed())
}

func s3Config(reviewer1Cmd, reviewer2Cmd, executorCmd string) string {
	return "orchestrator:\n" +
		"  workspace_strategy: copy\n" +
		"  apply_changes_on_success: true\n" +
		"  commit_on_approval: true\n" +
		"  max_claude_question_rounds: 1\n" +
		"agents:\n" +
		"  reviewers:\n" +
		"    - id: reviewer-1\n" +
		"      family: reviewer-family-A\n" +
		"      command: " + reviewer1Cmd + "\n" +
		"    - id: reviewer-2\n" +
		"      family: reviewer-family-A\n" +
		"      command: " + reviewer2Cmd + "\n" +
		"  executors:\n" +
		"    - id: executor-1\n" +
		"      family: reviewer-family-A\n" +
		"      command: " + executorCmd + "\n" +
		"testing:\n" +
		"  timeout_sec: 30\n"
}

// pollForGlob waits until exactly one file matching pattern exists and
// returns its path, polling rather than using inotify to stay portable
// (matching the broker's own poll-based rendezvous, specification §4.5).
func pollForGlob(pattern string, timeout time.Duration) string {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		matches, _ := filepath.Glob(pattern)
		if len(matches) == 1 {
			return matches[0]
		}
		time.Sleep(100 * time.Millisecond)
	}
	return ""
}

// answerAdminDecision waits for an admin_decision_request_*.json in dir and
// writes back the matching response file naming choice/notes, mirroring
// what the dashboard or a TTY responder would do per the broker's
// request/response file contract (specification §4.5 table).
func answerAdminDecision(dir string, choice int, notes string) {
	answerAdminDecisionChoosing(dir, func([]string) int { return choice }, notes)
}

// answerAdminDecisionChoosing is answerAdminDecision but picks the choice
// index from the request's actual options via pick, for escalations (like
// reviewer disagreement) whose option order depends on which reviewer's
// goroutine finished first and so can't be pinned to a fixed index.
func answerAdminDecisionChoosing(dir string, pick func(options []string) int, notes string) {
	reqPath := pollForGlob(filepath.Join(dir, "admin_decision_request_*.json"), 30*time.Second)
	ExpectWithOffset(1, reqPath).NotTo(BeEmpty(), "admin decision request never appeared in %s", dir)

	data, err := os.ReadFile(reqPath)
	ExpectWithOffset(1, err).NotTo(HaveOccurred())
	var req struct {
		RequestID string   `json:"request_id"`
		Options   []string `json:"options"`
	}
	ExpectWithOffset(1, json.Unmarshal(data, &req)).To(Succeed())

	choice := pick(req.Options)
	respPath := filepath.Join(dir, fmt.Sprintf("admin_decision_response_%s.json", req.RequestID))
	resp := fmt.Sprintf(`{"request_id": %q, "choice": %d, "notes": %q}`, req.RequestID, choice, notes)
	ExpectWithOffset(1, os.WriteFile(respPath, []byte(resp), 0644)).To(Succeed())
}

// findRunDir waits for exactly one run directory to appear under
// {repoDir}/.orc/runs and returns its path.
func findRunDir(repoDir string, timeout time.Duration) string {
	runsDir := filepath.Join(repoDir, ".orc", "runs")
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		entries, err := os.ReadDir(runsDir)
		if err == nil && len(entries) == 1 {
			return filepath.Join(runsDir, entries[0].Name())
		}
		time.Sleep(100 * time.Millisecond)
	}
	return ""
}

var _ = Describe("S3 reviewers disagree, admin breaks the tie", func() {
	It("escalates to an admin decision and adopts the chosen reviewer's verdict", func() {
		tmpDir, err := os.MkdirTemp("", "orc-s3-")
		Expect(err).NotTo(HaveOccurred())
		defer os.RemoveAll(tmpDir)

		repoDir := setupTestRepo(tmpDir)
		defer cleanupTestRepo(repoDir, tmpDir)

		reviewer1Script := filepath.Join(tmpDir, "mock-reviewer-1.sh")
		writeMockDisagreeingReviewer(reviewer1Script, "reviewer-1")
		reviewer2Script := filepath.Join(tmpDir, "mock-reviewer-2.sh")
		writeMockDisagreeingReviewer(reviewer2Script, "reviewer-2")

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
		Expect(os.WriteFile(configPath, []byte(s3Config(reviewer1Script, reviewer2Script, executorScript)), 0644)).To(Succeed())

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

		// Two reviewers, one each naming its own candidate as winner: no
		// consensus, so the controller must escalate. Fan-out order (and so
		// option order) isn't deterministic, so pick whichever option names
		// reviewer-2 rather than assuming a fixed index.
		answerAdminDecisionChoosing(runDir, func(options []string) int {
			for i, opt := range options {
				if strings.Contains(opt, "reviewer-2") {
					return i
				}
			}
			return 0
		}, "going with reviewer-2's pick")

		Expect(cmd.Wait()).To(Succeed(), "orc run failed: %s", out.String())

		statePath := filepath.Join(runDir, "state.json")
		data, err := os.ReadFile(statePath)
		Expect(err).NotTo(HaveOccurred())

		var run map[string]any
		Expect(json.Unmarshal(data, &run)).To(Succeed())

		Expect(run["stage"]).To(Equal("complete"))
		Expect(run["approved"]).To(BeTrue())

		winnerID, _ := run["winner_candidate_id"].(string)
		Expect(winnerID).To(ContainSubstring("reviewer-2"))

		history, err := os.ReadFile(filepath.Join(runDir, "history.log"))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(history)).To(ContainSubstring("review_disagreement"))
	})
})
