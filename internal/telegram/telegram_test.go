package telegram

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestUpdates_MapsMessages(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/getUpdates" {
			http.NotFound(w, r)
			return
		}
		gotQuery = r.URL.RawQuery
		_, _ = io.WriteString(w, `{"ok":true,"result":[
			{"update_id":11,"message":{"message_id":5,"from":{"id":42,"is_bot":false,"username":"alice","first_name":"Alice","last_name":"Liddell"},"chat":{"id":-100},"text":"hello"}},
			{"update_id":12,"message":{"message_id":6,"from":{"id":7,"is_bot":true,"first_name":"Bot"},"chat":{"id":-100},"caption":"look"}},
			{"update_id":13}
		]}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 2*time.Second)
	events, err := c.Updates(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("Updates failed: %v", err)
	}
	if !strings.Contains(gotQuery, "offset=10") {
		t.Fatalf("offset not forwarded: %s", gotQuery)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	first := events[0]
	if first.UpdateID != 11 || first.MessageID != 5 || first.ChannelID != -100 || first.AuthorID != 42 {
		t.Fatalf("unexpected ids: %+v", first)
	}
	if first.AuthorUsername != "alice" || first.AuthorDisplayName != "Alice Liddell" || first.Content != "hello" || first.IsBot {
		t.Fatalf("unexpected author mapping: %+v", first)
	}
	if !events[1].IsBot || events[1].Content != "look" || events[1].AuthorDisplayName != "Bot" {
		t.Fatalf("unexpected second event: %+v", events[1])
	}
	if events[2].UpdateID != 13 || events[2].Content != "" {
		t.Fatalf("non-message update should map to an empty event: %+v", events[2])
	}
}

func TestUpdates_NotOKIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = io.WriteString(w, `{"ok":false,"description":"Conflict: terminated by other getUpdates request"}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 2*time.Second)
	_, err := c.Updates(context.Background(), 0, 0)
	if err == nil || !strings.Contains(err.Error(), "Conflict") {
		t.Fatalf("expected conflict error, got %v", err)
	}
}

func TestSendMethods_Payloads(t *testing.T) {
	got := map[string]map[string]any{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		got[strings.TrimPrefix(r.URL.Path, "/")] = body
		_, _ = io.WriteString(w, `{"ok":true,"result":true}`)
	}))
	defer srv.Close()

	ctx := context.Background()
	c := NewClient(srv.URL, 2*time.Second)
	if err := c.SendText(ctx, 1, "hi"); err != nil {
		t.Fatal(err)
	}
	if err := c.SendImage(ctx, 1, "https://img/x.png"); err != nil {
		t.Fatal(err)
	}
	if err := c.SendTyping(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if err := c.React(ctx, 1, 99, "👀"); err != nil {
		t.Fatal(err)
	}

	if got["sendMessage"]["text"] != "hi" {
		t.Fatalf("unexpected sendMessage: %v", got["sendMessage"])
	}
	if got["sendPhoto"]["photo"] != "https://img/x.png" {
		t.Fatalf("unexpected sendPhoto: %v", got["sendPhoto"])
	}
	if got["sendChatAction"]["action"] != "typing" {
		t.Fatalf("unexpected sendChatAction: %v", got["sendChatAction"])
	}
	reaction, _ := got["setMessageReaction"]["reaction"].([]any)
	if got["setMessageReaction"]["message_id"] != float64(99) || len(reaction) != 1 {
		t.Fatalf("unexpected setMessageReaction: %v", got["setMessageReaction"])
	}
}

func TestSendText_TruncatesToLimit(t *testing.T) {
	var text string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Text string `json:"text"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		text = body.Text
		_, _ = io.WriteString(w, `{"ok":true,"result":{}}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 2*time.Second)
	if err := c.SendText(context.Background(), 1, strings.Repeat("é", 5000)); err != nil {
		t.Fatal(err)
	}
	if n := len([]rune(text)); n != maxMessageRunes {
		t.Fatalf("expected %d runes, got %d", maxMessageRunes, n)
	}
}

func TestAPIBase(t *testing.T) {
	if got := APIBase("https://api.telegram.org/", "123:abc"); got != "https://api.telegram.org/bot123:abc" {
		t.Fatalf("unexpected base %q", got)
	}
}
