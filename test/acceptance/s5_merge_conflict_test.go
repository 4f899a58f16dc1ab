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

func s5Config(reviewerCmd, executorCmd string) string {
	return "orchestrator:\n" +
		"  workspace_strategy: worktree\n" +
		"  use_git_worktree: true\n" +
		"  auto_merge_on_approval: true\n" +
		"  merge_target_branch: main\n" +
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

// writeMockReviewerWaitingOnMarker is a reviewer-family-A script that plans
// and hands off normally, but on REVIEW_CANDIDATES blocks until
// markerPath exists before approving — the synchronization point that lets
// the test commit a conflicting change directly to the target branch
// between "the candidate's worktree was created" and "the merge runs",
// the only way a single-process acceptance test can force the git merge
// in specification §4.7's S5 scenario to actually conflict.
func writeMockReviewerWaitingOnMarker(path, markerPath string) {
	script := `#!/bin/sh
set -e
prompt=$(cat)
out=""
prev=""
for arg in "$@"; do
  if [ "$prev" = "--output-last-message" ]; then out="$arg"; fi
  prev="$arg"
done
cand_id=$(echo "$prompt" | grep -o '"candidate_id": "[^"]*"' | head -1 | sed 's/.*: "\(.*\)"/\1/')
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
  i=0
  while [ ! -f "` + markerPath + `" ] && [ "$i" -lt 150 ]; do
    sleep 0.2
    i=$((i + 1))
  done
  cat > "$out" <<EOF
{
  "status": "APPROVED",
  "winner_candidate_id": "$cand_id",
  "summary": "Guard looks correct and covers the zero case.",
  "feedback": "Clean, minimal diff."
}
EOF
elif echo "$prompt" | grep -q 'PHASE: HANDOFF'; then
  cat > "$out" <<EOF
{"summary": "Guarded divide() against division by zero; resolved one merge conflict."}
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

// writeMockMergeConflictExecutor writes an executor script that, on
// EXECUTE, edits the candidate worktree's math.py to guard against a zero
// divisor, and on MERGE_CONFLICT (run with cwd=repo root per
// automerge.Engine.resolveConflicts) resolves the conflict markers left
// by `git merge --no-ff` by writing a reconciled math.py and staging it,
// leaving the merge commit itself to automerge's own completion step.
func writeMockMergeConflictExecutor(path string) {
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
  cat > math.py <<'PYEOF'
def divide(a, b):
    if b == 0:
        raise ZeroDivisionError("b must not be zero")
    return a / b
PYEOF
  cat > "$out" <<'EOF'
{"status": "DONE", "summary": "Added a ZeroDivisionError guard to divide()."}
EOF
elif echo "$prompt" | grep -q 'PHASE: MERGE_CONFLICT'; then
  cat > math.py <<'PYEOF'
def divide(a, b):
    if b == 0:
        raise ZeroDivisionError("b must not be zero")
    return a / b
PYEOF
  git add math.py
  cat > "$out" <<'EOF'
{"status": "DONE", "summary": "Reconciled both divisor guards, keeping ZeroDivisionError."}
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

var _ = Describe("S5 auto-merge conflict resolved by the winning candidate's executor", func() {
	It("merges main with the candidate branch despite a conflicting concurrent edit", func() {
		tmpDir, err := os.MkdirTemp("", "orc-s5-")
		Expect(err).NotTo(HaveOccurred())
		defer os.RemoveAll(tmpDir)

		repoDir := setupTestRepo(tmpDir)
		defer cleanupTestRepo(repoDir, tmpDir)

		markerPath := filepath.Join(tmpDir, "conflict-ready")

		reviewerScript := filepath.Join(tmpDir, "mock-reviewer.sh")
		writeMockReviewerWaitingOnMarker(reviewerScript, markerPath)

		executorScript := filepath.Join(tmpDir, "mock-executor.sh")
		writeMockMergeConflictExecutor(executorScript)

		configPath := filepath.Join(tmpDir, "config.yaml")
		Expect(os.WriteFile(configPath, []byte(s5Config(reviewerScript, executorScript)), 0644)).To(Succeed())

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

		// Give executePhase time to create the worktree and make its commit
		// before diverging main: poll until the candidate's worktree branch
		// is registered.
		Eventually(func() string {
			return runGitOutput(repoDir, "worktree", "list")
		}, 30*time.Second, 200*time.Millisecond).Should(ContainSubstring("orc/"))

		// Commit a conflicting edit directly to main in the original repo
		// checkout (untouched by the candidate's worktree) before letting
		// the reviewer approve and the merge proceed.
		writeFile(filepath.Join(repoDir, "math.py"), "def divide(a, b):\n    if b == 0:\n        raise ValueError(\"cannot divide by zero\")\n    return a / b\n")
		runGit(repoDir, "add", "math.py")
		runGit(repoDir, "commit", "-m", "guard divide on main with a different exception")

		Expect(os.WriteFile(markerPath, []byte("go"), 0644)).To(Succeed())

		Expect(cmd.Wait()).To(Succeed(), "orc run failed: %s", out.String())

		statePath := filepath.Join(runDir, "state.json")
		data, err := os.ReadFile(statePath)
		Expect(err).NotTo(HaveOccurred())

		var run map[string]any
		Expect(json.Unmarshal(data, &run)).To(Succeed())

		Expect(run["stage"]).To(Equal("complete"))
		Expect(run["approved"]).To(BeTrue())
		Expect(run["merge_status"]).To(Equal("merged"))
		Expect(run["merge_commit_sha"]).NotTo(BeEmpty())

		content, err := os.ReadFile(filepath.Join(repoDir, "math.py"))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(content)).To(ContainSubstring("ZeroDivisionError"))

		status := runGitOutput(repoDir, "status", "--porcelain")
		Expect(status).To(BeEmpty(), "repo must be clean after a completed merge")

		log := runGitOutput(repoDir, "log", "--oneline", "-1")
		Expect(log).To(ContainSubstring("orc: merge"))
	})
})
