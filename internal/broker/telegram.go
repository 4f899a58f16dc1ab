package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/fission-ai/orc/internal/model"
	"github.com/fission-ai/orc/internal/state"
)

// TelegramClient implements the pull-style Telegram protocol from
// specification §6: getUpdates with a persisted offset, sendMessage for
// admin requests / handoff summaries / max-iteration summaries. Grounded
// on original_source/telegram_client.py's sendMessage/getUpdates/
// filter_messages, rebuilt on hashicorp/go-retryablehttp instead of bare
// urllib so transient network errors retry with backoff.
type TelegramClient struct {
	BotToken       string
	ChatID         string
	AllowedUserIDs map[int64]bool
	PollTimeoutSec int

	client *retryablehttp.Client
}

func (t *TelegramClient) httpClient() *retryablehttp.Client {
	if t.client == nil {
		t.client = retryablehttp.NewClient()
		t.client.HTTPClient = cleanhttp.DefaultPooledClient()
		t.client.RetryMax = 3
		t.client.Logger = nil
	}
	return t.client
}

func (t *TelegramClient) apiURL(method string) string {
	return fmt.Sprintf("https://api.telegram.org/bot%s/%s", t.BotToken, method)
}

// SendMessage sends free text to the configured chat.
func (t *TelegramClient) SendMessage(ctx context.Context, text string) error {
	form := url.Values{"chat_id": {t.ChatID}, "text": {text}}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, t.apiURL("sendMessage"), strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := t.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

// SendOptions sends an admin-decision prompt with its numbered options.
func (t *TelegramClient) SendOptions(ctx context.Context, requestID string, options []string) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Admin decision needed.\nrequest_id: %s\n\n", requestID)
	for i, opt := range options {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, opt)
	}
	sb.WriteString("\nReply with \"request_id: <id> choose <N>\" (optionally \"notes: ...\").")
	return t.SendMessage(ctx, sb.String())
}

// ParsedMessage is one inbound Telegram message, filtered by allowed
// chat/user and parsed for its request_id plus payload.
type ParsedMessage struct {
	RequestID      string
	Choice         *int
	Notes          string
	Task           string
	FreeformAnswer string
}

var (
	requestIDPattern = regexp.MustCompile(`request_id:\s*(\S+)`)
	choosePattern    = regexp.MustCompile(`choose\s+(\d+)`)
	notesPattern     = regexp.MustCompile(`notes:\s*(.+)`)
	taskPattern      = regexp.MustCompile(`task:\s*(.+)`)
)

func parseMessage(text string) ParsedMessage {
	m := ParsedMessage{}
	if match := requestIDPattern.FindStringSubmatch(text); match != nil {
		m.RequestID = match[1]
	}
	if match := choosePattern.FindStringSubmatch(text); match != nil {
		if n, err := strconv.Atoi(match[1]); err == nil {
			m.Choice = &n
		}
	}
	if match := notesPattern.FindStringSubmatch(text); match != nil {
		m.Notes = strings.TrimSpace(match[1])
	}
	if match := taskPattern.FindStringSubmatch(text); match != nil {
		m.Task = strings.TrimSpace(match[1])
	} else if m.RequestID == "" && m.Choice == nil {
		m.FreeformAnswer = strings.TrimSpace(text)
	}
	return m
}

type tgUpdate struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		Text string `json:"text"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		From struct {
			ID int64 `json:"id"`
		} `json:"from"`
	} `json:"message"`
}

type tgResponse struct {
	OK     bool       `json:"ok"`
	Result []tgUpdate `json:"result"`
}

// PollOnce fetches updates since the store's persisted offset, filters by
// allowed chat id and user ids, invokes handle for each parsed message,
// and persists the advanced offset so restarts don't replay old updates
// (specification §4.5, §6 "Telegram protocol").
func (t *TelegramClient) PollOnce(ctx context.Context, store *state.Store, handle func(ParsedMessage)) {
	offset := store.Run().TelegramUpdateOffset

	form := url.Values{
		"offset":  {fmt.Sprint(offset)},
		"timeout": {fmt.Sprint(t.timeoutSec())},
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, t.apiURL("getUpdates")+"?"+form.Encode(), nil)
	if err != nil {
		return
	}
	resp, err := t.httpClient().Do(req)
	if err != nil {
		return
	}
	defer resp.Body.Close()

	var decoded tgResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil || !decoded.OK {
		return
	}

	maxOffset := offset
	for _, u := range decoded.Result {
		if u.UpdateID >= maxOffset {
			maxOffset = u.UpdateID + 1
		}
		if u.Message == nil {
			continue
		}
		if fmt.Sprint(u.Message.Chat.ID) != t.ChatID {
			continue
		}
		if len(t.AllowedUserIDs) > 0 && !t.AllowedUserIDs[u.Message.From.ID] {
			continue
		}
		parsed := parseMessage(u.Message.Text)
		if parsed.RequestID == "" {
			continue // unrecognized or stale messages without a request_id are ignored
		}
		handle(parsed)
	}

	if maxOffset != offset {
		_ = store.Update(func(r *model.Run) { r.TelegramUpdateOffset = maxOffset })
	}
}

func (t *TelegramClient) timeoutSec() int {
	if t.PollTimeoutSec <= 0 {
		return 0
	}
	return t.PollTimeoutSec
}
