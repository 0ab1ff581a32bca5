package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/stupiduntilnot/chatrelay/internal/gateway"
)

// maxMessageRunes is the Bot API limit for a single sendMessage text.
const maxMessageRunes = 4096

var _ gateway.Gateway = (*Client)(nil)

// Client is a minimal Telegram Bot API client implementing gateway.Gateway.
type Client struct {
	apiBase    string
	httpClient *http.Client
}

// NewClient creates a Telegram client for the given bot API base URL
// (e.g. "https://api.telegram.org/bot<token>").
func NewClient(apiBase string, requestTimeout time.Duration) *Client {
	return &Client{
		apiBase: strings.TrimRight(apiBase, "/"),
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
	}
}

// APIBase joins the API host and bot token into the base URL NewClient expects.
func APIBase(host, token string) string {
	return strings.TrimRight(host, "/") + "/bot" + token
}

// Response is the generic Telegram API response wrapper.
type Response struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description,omitempty"`
	Result      json.RawMessage `json:"result"`
}

type tgUpdate struct {
	UpdateID int64      `json:"update_id"`
	Message  *tgMessage `json:"message,omitempty"`
}

type tgMessage struct {
	MessageID int64   `json:"message_id"`
	From      *tgUser `json:"from,omitempty"`
	Chat      tgChat  `json:"chat"`
	Text      *string `json:"text,omitempty"`
	Caption   *string `json:"caption,omitempty"`
}

type tgUser struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name,omitempty"`
}

type tgChat struct {
	ID int64 `json:"id"`
}

// Updates calls the getUpdates API. Every update is returned so the caller can
// advance its offset; non-message updates carry an empty Content.
func (c *Client) Updates(ctx context.Context, offset int64, timeoutSec int) ([]gateway.Event, error) {
	params := url.Values{}
	params.Set("offset", strconv.FormatInt(offset, 10))
	params.Set("timeout", strconv.Itoa(timeoutSec))
	params.Set("allowed_updates", `["message"]`)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBase+"/getUpdates?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("telegram getUpdates: %w", err)
	}
	raw, err := c.do(req, "getUpdates")
	if err != nil {
		return nil, err
	}

	var updates []tgUpdate
	if err := json.Unmarshal(raw, &updates); err != nil {
		return nil, fmt.Errorf("telegram getUpdates: parse result: %w", err)
	}
	events := make([]gateway.Event, 0, len(updates))
	for _, u := range updates {
		events = append(events, toEvent(u))
	}
	return events, nil
}

func toEvent(u tgUpdate) gateway.Event {
	ev := gateway.Event{UpdateID: u.UpdateID}
	m := u.Message
	if m == nil {
		return ev
	}
	ev.MessageID = m.MessageID
	ev.ChannelID = m.Chat.ID
	switch {
	case m.Text != nil:
		ev.Content = *m.Text
	case m.Caption != nil:
		ev.Content = *m.Caption
	}
	if m.From != nil {
		ev.AuthorID = m.From.ID
		ev.IsBot = m.From.IsBot
		ev.AuthorUsername = m.From.Username
		ev.AuthorDisplayName = strings.TrimSpace(m.From.FirstName + " " + m.From.LastName)
	}
	return ev
}

// SendText sends a text message to the given chat.
func (c *Client) SendText(ctx context.Context, channelID int64, text string) error {
	return c.post(ctx, "sendMessage", map[string]any{
		"chat_id": channelID,
		"text":    truncate(text, maxMessageRunes),
	})
}

// SendImage sends a photo by URL; Telegram fetches it.
func (c *Client) SendImage(ctx context.Context, channelID int64, imageURL string) error {
	return c.post(ctx, "sendPhoto", map[string]any{
		"chat_id": channelID,
		"photo":   imageURL,
	})
}

// SendTyping shows the typing indicator for a few seconds.
func (c *Client) SendTyping(ctx context.Context, channelID int64) error {
	return c.post(ctx, "sendChatAction", map[string]any{
		"chat_id": channelID,
		"action":  "typing",
	})
}

// React sets an emoji reaction on a message.
func (c *Client) React(ctx context.Context, channelID, messageID int64, emoji string) error {
	return c.post(ctx, "setMessageReaction", map[string]any{
		"chat_id":    channelID,
		"message_id": messageID,
		"reaction":   []map[string]string{{"type": "emoji", "emoji": emoji}},
	})
}

func (c *Client) post(ctx context.Context, method string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telegram %s: marshal: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/"+method, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	_, err = c.do(req, method)
	return err
}

func (c *Client) do(req *http.Request, method string) (json.RawMessage, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram %s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("telegram %s: read response: %w", method, err)
	}
	var tgResp Response
	if err := json.Unmarshal(body, &tgResp); err != nil {
		return nil, fmt.Errorf("telegram %s: parse response (status %d): %w", method, resp.StatusCode, err)
	}
	if !tgResp.OK {
		return nil, fmt.Errorf("telegram %s: %s (status %d)", method, emptyAs(tgResp.Description, "not ok"), resp.StatusCode)
	}
	return tgResp.Result, nil
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}

func emptyAs(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
