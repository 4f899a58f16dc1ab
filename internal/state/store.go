// Package state implements the Run State Store: a durable JSON snapshot
// of a Run plus an append-only history log, written atomically and
// serialized by a single internal lock (specification §4.1).
package state

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fission-ai/orc/internal/fileutil"
	"github.com/fission-ai/orc/internal/model"
)

// Store owns one Run's persisted state. All mutation goes through its
// exported methods, which serialize via mu — callers never see a
// half-written state and never need their own locking. Per the design
// note in specification §9, this is never a package-level singleton: the
// Iteration Controller holds the one *Store for a run and hands it to
// leaves explicitly, so tests can supply a fake.
type Store struct {
	mu       sync.Mutex
	dir      string
	run      *model.Run
	histFile *os.File
}

// Open loads run_id's state from {logsRoot}/{run_id}/state.json if it
// exists, else creates a fresh Run for repoPath. It always returns a
// usable Store; callers check Run().Persisted / Run().RunStatus to tell
// "resumed" from "fresh".
func Open(logsRoot, runID, repoPath string) (*Store, error) {
	dir := fileutil.RunDir(logsRoot, runID)
	if err := fileutil.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("creating run dir: %w", err)
	}

	s := &Store{dir: dir}

	run, err := loadStateFile(filepath.Join(dir, "state.json"))
	if err != nil {
		return nil, err
	}
	if run == nil {
		now := time.Now().UTC()
		run = &model.Run{
			RunID:            runID,
			RepoPath:         repoPath,
			Stage:            model.StageIdle,
			RunStatus:        model.RunStatusRunning,
			OrchestratorMode: model.ModeMulti,
			Plans:            map[string]*model.Plan{},
			Candidates:       map[string]*model.Candidate{},
			Decisions:        map[string]*model.ReviewerDecision{},
			AgentRuntime:     map[string]*model.AgentRuntime{},
			CreatedAt:        now,
			UpdatedAt:        now,
		}
	}
	s.run = run

	hf, err := os.OpenFile(filepath.Join(dir, "history.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening history log: %w", err)
	}
	s.histFile = hf

	return s, nil
}

// loadStateFile reads state.json, falling back to state.json.bak on a
// parse failure, never mutating in-memory state on error (specification
// §4.1, invariant 8).
func loadStateFile(path string) (*model.Run, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading state file: %w", err)
	}

	var run model.Run
	if err := json.Unmarshal(data, &run); err == nil {
		return &run, nil
	}

	bak, err := os.ReadFile(path + ".bak")
	if err != nil {
		return nil, fmt.Errorf("state.json unparseable and no .bak available: %w", err)
	}
	if err := json.Unmarshal(bak, &run); err != nil {
		return nil, fmt.Errorf("state.json and state.json.bak both unparseable: %w", err)
	}
	return &run, nil
}

// Run returns a snapshot of the run's current state. Callers must treat
// it as read-only; mutate through Update instead.
func (s *Store) Run() model.Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.run
}

// Update applies fn to the run under lock, stamps UpdatedAt, and
// persists atomically. fn should mutate run in place.
func (s *Store) Update(fn func(run *model.Run)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fn(s.run)
	s.run.UpdatedAt = time.Now().UTC()
	return s.saveLocked()
}

// AppendHistory appends a timestamped event to both the in-memory run
// and the append-only history.log, flushing immediately.
func (s *Store) AppendHistory(kind, detail string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev := model.HistoryEvent{Timestamp: time.Now().UTC(), Kind: kind, Detail: detail, Fields: fields}
	s.run.History = append(s.run.History, ev)

	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling history event: %w", err)
	}
	if _, err := s.histFile.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("writing history event: %w", err)
	}
	return s.histFile.Sync()
}

// Save persists the current in-memory run unconditionally.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	statePath := filepath.Join(s.dir, "state.json")

	// Preserve the previous good version as .bak before overwriting, so a
	// parse failure on the next read can fall back to it.
	if existing, err := os.ReadFile(statePath); err == nil {
		_ = fileutil.AtomicWriteFile(statePath+".bak", existing, 0644)
	}

	data, err := json.MarshalIndent(s.run, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling run state: %w", err)
	}
	return fileutil.AtomicWriteFile(statePath, data, 0644)
}

// Close releases the history log file handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.histFile != nil {
		return s.histFile.Close()
	}
	return nil
}

// Dir returns the run's persisted-state directory.
func (s *Store) Dir() string { return s.dir }

// ProjectID derives a stable identifier for an invocation directory so an
// external dashboard can group runs by project even across different
// --repo values, folded back from the original prototype's
// compute_project_id (see SPEC_FULL.md §3).
func ProjectID(invocationDir string) string {
	abs, err := filepath.Abs(invocationDir)
	if err != nil {
		abs = invocationDir
	}
	sum := sha256.Sum256([]byte(filepath.Clean(abs)))
	return hex.EncodeToString(sum[:])[:16]
}
