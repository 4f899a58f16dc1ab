package acceptance_test

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	. "github.com/onsi/gomega"
)

func runGit(dir string, args ...string) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=Test",
		"GIT_AUTHOR_EMAIL=test@test.com",
		"GIT_COMMITTER_NAME=Test",
		"GIT_COMMITTER_EMAIL=test@test.com",
	)
	out, err := cmd.CombinedOutput()
	ExpectWithOffset(1, err).NotTo(HaveOccurred(), "git %v: %s", args, string(out))
}

func runGitOutput(dir string, args ...string) string {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	ExpectWithOffset(1, err).NotTo(HaveOccurred(), "git %v: %s", args, string(out))
	return string(out)
}

func writeFile(path, content string) {
	dir := filepath.Dir(path)
	err := os.MkdirAll(dir, 0755)
	ExpectWithOffset(1, err).NotTo(HaveOccurred())
	err = os.WriteFile(path, []byte(content), 0644)
	ExpectWithOffset(1, err).NotTo(HaveOccurred())
}

// setupTestRepo creates a scratch git repo with one file and an initial
// commit on main, mirroring the teacher's own acceptance setup.
func setupTestRepo(tmpDir string) (repoDir string) {
	repoDir = filepath.Join(tmpDir, "repo")
	runGit(tmpDir, "init", repoDir)
	runGit(repoDir, "checkout", "-b", "main")
	writeFile(filepath.Join(repoDir, "math.py"), "def divide(a, b):\n    return a / b\n")
	runGit(repoDir, "add", "math.py")
	runGit(repoDir, "commit", "-m", "initial commit")
	return repoDir
}

// writeMockAgentScript writes a POSIX shell script standing in for a
// reviewer-family-A CLI turn: it reads the prompt from stdin, decides its
// phase from the "PHASE: <NAME>" marker prompt.go always opens with, and
// writes the canned JSON response named by phaseOutput to whatever path
// follows --output-last-message in its own argv — the same contract
// internal/agent/familya.go drives a real CLI through.
//
// phaseOutput maps a phase name ("PLAN", "EXECUTE", "REVIEW_CANDIDATES",
// ...) to the JSON body to write for that phase. A body may reference
// $cand_id, populated from the prompt's own "candidate_id" field (the
// review phase never knows a candidate's runtime-generated id ahead of
// time, so the script recovers it the same way a real reviewer reads it:
// out of the prompt's JSON-embedded candidate rollup).
func writeMockAgentScript(path string, phaseOutput map[string]string) {
	var script string
	script += "#!/bin/sh\n"
	script += "set -e\n"
	script += "prompt=$(cat)\n"
	script += "cand_id=$(echo \"$prompt\" | grep -o '\"candidate_id\": \"[^\"]*\"' | head -1 | sed 's/.*: \"\\(.*\\)\"/\\1/')\n"
	script += "out=\"\"\n"
	script += "prev=\"\"\n"
	script += "for arg in \"$@\"; do\n"
	script += "  if [ \"$prev\" = \"--output-last-message\" ]; then out=\"$arg\"; fi\n"
	script += "  prev=\"$arg\"\n"
	script += "done\n"
	first := true
	for phase, body := range phaseOutput {
		cond := "if"
		if !first {
			cond = "elif"
		}
		first = false
		script += fmt.Sprintf("%s echo \"$prompt\" | grep -q 'PHASE: %s'; then\n", cond, phase)
		script += fmt.Sprintf("  cat > \"$out\" <<EOF\n%s\nEOF\n", body)
	}
	script += "else\n"
	script += "  echo \"mock agent: no canned response for this phase\" 1>&2\n"
	script += "  echo \"$prompt\" 1>&2\n"
	script += "  exit 1\n"
	script += "fi\n"

	writeFile(path, script)
	ExpectWithOffset(1, os.Chmod(path, 0755)).To(Succeed())
}

// writeMockExecutorScript is writeMockAgentScript plus a shell preamble run
// before the canned response is written — an executor turn is expected to
// actually touch the workspace (internal/agent/familya.go sets the child
// process's cwd to the candidate workspace), so the mock needs a way to
// make that real edit rather than only describing it in JSON.
func writeMockExecutorScript(path string, phaseOutput map[string]string, preamble string) {
	var script string
	script += "#!/bin/sh\n"
	script += "set -e\n"
	script += "prompt=$(cat)\n"
	script += "out=\"\"\n"
	script += "prev=\"\"\n"
	script += "for arg in \"$@\"; do\n"
	script += "  if [ \"$prev\" = \"--output-last-message\" ]; then out=\"$arg\"; fi\n"
	script += "  prev=\"$arg\"\n"
	script += "done\n"
	first := true
	for phase, body := range phaseOutput {
		cond := "if"
		if !first {
			cond = "elif"
		}
		first = false
		script += fmt.Sprintf("%s echo \"$prompt\" | grep -q 'PHASE: %s'; then\n", cond, phase)
		script += preamble
		script += fmt.Sprintf("  cat > \"$out\" <<'EOF'\n%s\nEOF\n", body)
	}
	script += "else\n"
	script += "  echo \"mock agent: no canned response for this phase\" 1>&2\n"
	script += "  echo \"$prompt\" 1>&2\n"
	script += "  exit 1\n"
	script += "fi\n"

	writeFile(path, script)
	ExpectWithOffset(1, os.Chmod(path, 0755)).To(Succeed())
}
