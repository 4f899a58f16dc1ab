// Package broker implements the User/Admin Broker: a file-based
// request/response rendezvous for clarification questions and admin
// decisions, with an optional Telegram side channel (specification
// §4.5). Grounded on original_source/telegram_client.py for the Telegram
// polling/filtering behavior and on the teacher's atomic-write discipline
// (internal/fileutil.AtomicWriteFile) for the request/response files.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/fission-ai/orc/internal/fileutil"
	"github.com/fission-ai/orc/internal/model"
	"github.com/fission-ai/orc/internal/state"
)

// UserInputRequest/Response is the clarification-question rendezvous
// payload (specification §4.5 table).
type UserInputRequest struct {
	RequestID string   `json:"request_id"`
	Questions []string `json:"questions"`
}

type UserInputResponse struct {
	RequestID string   `json:"request_id"`
	Answers   []string `json:"answers"`
}

// InitialTaskRequest/Response is asked when the controller starts with
// no task prompt (UI-first invocation, specification §6).
type InitialTaskRequest struct {
	RequestID string `json:"request_id"`
}

type InitialTaskResponse struct {
	RequestID string `json:"request_id"`
	Task      string `json:"task"`
}

// AdminDecisionRequest/Response is the escalation rendezvous used when
// reviewers disagree, all plans/reviews are invalid, or the iteration cap
// is hit.
type AdminDecisionRequest struct {
	RequestID string   `json:"request_id"`
	Options   []string `json:"options"`
}

type AdminDecisionResponse struct {
	RequestID string `json:"request_id"`
	Choice    int    `json:"choice"`
	Notes     string `json:"notes"`
}

// ErrTimeout is returned when a broker wait exceeds its configured
// timeout (specification §7 "Broker timeout").
var ErrTimeout = fmt.Errorf("broker: timed out waiting for a response")

// Broker rendezvouses between a paused controller and an out-of-band
// responder (dashboard, Telegram, or TTY).
type Broker struct {
	Dir          string // the run's log directory
	PollInterval time.Duration
	Timeout      time.Duration // zero means wait forever
	Store        *state.Store
	Telegram     *TelegramClient // nil disables the side channel
}

func (b *Broker) pollInterval() time.Duration {
	if b.PollInterval <= 0 {
		return 2 * time.Second
	}
	return b.PollInterval
}

func newRequestID() string { return uuid.NewString() }

func (b *Broker) requestPath(kind, reqID string) string {
	return filepath.Join(b.Dir, fmt.Sprintf("%s_request_%s.json", kind, reqID))
}

func (b *Broker) responsePath(kind, reqID string) string {
	return filepath.Join(b.Dir, fmt.Sprintf("%s_response_%s.json", kind, reqID))
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return fileutil.AtomicWriteFile(path, data, 0644)
}

// waitForResponse polls for respPath to appear, checking Telegram updates
// each tick when configured, until ctx is done or b.Timeout elapses. On
// success it deletes both the request and response files, tolerating
// either already being gone.
func (b *Broker) waitForResponse(ctx context.Context, reqPath, respPath string, out any, tgCheck func() bool) error {
	var deadline <-chan time.Time
	if b.Timeout > 0 {
		timer := time.NewTimer(b.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	ticker := time.NewTicker(b.pollInterval())
	defer ticker.Stop()

	for {
		if data, err := os.ReadFile(respPath); err == nil {
			if err := json.Unmarshal(data, out); err != nil {
				return fmt.Errorf("broker: parsing response %s: %w", respPath, err)
			}
			os.Remove(respPath)
			os.Remove(reqPath)
			return nil
		}

		if tgCheck != nil && tgCheck() {
			continue // a Telegram reply may have just written the response file
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return ErrTimeout
		case <-ticker.C:
		}
	}
}

// AskUser runs the user-clarification rendezvous (specification §4.5).
func (b *Broker) AskUser(ctx context.Context, questions []string) ([]string, error) {
	reqID := newRequestID()
	reqPath := b.requestPath("user_input", reqID)
	respPath := b.responsePath("user_input", reqID)

	if err := writeJSON(reqPath, UserInputRequest{RequestID: reqID, Questions: questions}); err != nil {
		return nil, err
	}
	_ = b.Store.Update(func(r *model.Run) { r.AwaitingUserInput = true })
	defer b.Store.Update(func(r *model.Run) { r.AwaitingUserInput = false })

	var resp UserInputResponse
	tgCheck := b.telegramChecker(reqID, func(m ParsedMessage) {
		answer := m.FreeformAnswer
		if answer == "" {
			answer = m.Task
		}
		_ = writeJSON(respPath, UserInputResponse{RequestID: reqID, Answers: []string{answer}})
	})
	if err := b.waitForResponse(ctx, reqPath, respPath, &resp, tgCheck); err != nil {
		return nil, err
	}
	return resp.Answers, nil
}

// AskInitialTask runs the initial-task rendezvous used when the
// controller starts with no task prompt.
func (b *Broker) AskInitialTask(ctx context.Context) (string, error) {
	reqID := newRequestID()
	reqPath := b.requestPath("initial_task", reqID)
	respPath := b.responsePath("initial_task", reqID)

	if err := writeJSON(reqPath, InitialTaskRequest{RequestID: reqID}); err != nil {
		return "", err
	}
	_ = b.Store.Update(func(r *model.Run) { r.AwaitingInitialTask = true })
	defer b.Store.Update(func(r *model.Run) { r.AwaitingInitialTask = false })

	var resp InitialTaskResponse
	tgCheck := b.telegramChecker(reqID, func(m ParsedMessage) {
		_ = writeJSON(respPath, InitialTaskResponse{RequestID: reqID, Task: m.Task})
	})
	if err := b.waitForResponse(ctx, reqPath, respPath, &resp, tgCheck); err != nil {
		return "", err
	}
	return resp.Task, nil
}

// AskAdmin runs the admin-decision rendezvous used on reviewer
// disagreement, all-invalid escalation, and the iteration cap.
func (b *Broker) AskAdmin(ctx context.Context, options []string) (choice int, notes string, err error) {
	reqID := newRequestID()
	reqPath := b.requestPath("admin_decision", reqID)
	respPath := b.responsePath("admin_decision", reqID)

	if err := writeJSON(reqPath, AdminDecisionRequest{RequestID: reqID, Options: options}); err != nil {
		return 0, "", err
	}
	_ = b.Store.Update(func(r *model.Run) { r.AwaitingAdminDecision = true })
	defer b.Store.Update(func(r *model.Run) { r.AwaitingAdminDecision = false })

	if b.Telegram != nil {
		_ = b.Telegram.SendOptions(ctx, reqID, options)
	}

	var resp AdminDecisionResponse
	tgCheck := b.telegramChecker(reqID, func(m ParsedMessage) {
		// Telegram replies use the 1-based numbering SendOptions printed;
		// the response-file protocol is a 0-based index.
		choice := 0
		if m.Choice != nil && *m.Choice > 0 {
			choice = *m.Choice - 1
		}
		_ = writeJSON(respPath, AdminDecisionResponse{RequestID: reqID, Choice: choice, Notes: m.Notes})
	})
	if err := b.waitForResponse(ctx, reqPath, respPath, &resp, tgCheck); err != nil {
		return 0, "", err
	}
	return resp.Choice, resp.Notes, nil
}

// telegramChecker returns a poll function that fetches Telegram updates
// once, and for each update whose request_id matches reqID invokes
// onMatch so the caller can write the corresponding response file. It
// reports whether any matching update was seen this tick.
func (b *Broker) telegramChecker(reqID string, onMatch func(ParsedMessage)) func() bool {
	if b.Telegram == nil {
		return nil
	}
	return func() bool {
		found := false
		b.Telegram.PollOnce(context.Background(), b.Store, func(m ParsedMessage) {
			if m.RequestID != reqID {
				return
			}
			found = true
			onMatch(m)
		})
		return found
	}
}

// Notify sends a fire-and-forget Telegram message (handoff summaries,
// max-iteration summaries) when the side channel is configured.
func (b *Broker) Notify(ctx context.Context, text string) {
	if b.Telegram == nil {
		return
	}
	_ = b.Telegram.SendMessage(ctx, text)
}
