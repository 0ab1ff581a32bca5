// Package dummy provides scripted gateway and backend implementations for
// local runs and end-to-end tests without network access.
//
// A script is a comma separated list of actions consumed one per call; the
// last action repeats once the script is exhausted.
package dummy

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	ctxpkg "github.com/stupiduntilnot/chatrelay/internal/context"
	"github.com/stupiduntilnot/chatrelay/internal/domain"
	"github.com/stupiduntilnot/chatrelay/internal/gateway"
	"github.com/stupiduntilnot/chatrelay/internal/model"
)

type action struct {
	kind string
	arg  string
}

var actionKinds = []string{"err", "sleep", "msg", "msgb64", "from", "image", "url", "profile", "ok"}

func parseScript(script string) ([]action, error) {
	if strings.TrimSpace(script) == "" {
		return []action{{kind: "ok"}}, nil
	}
	parts := strings.Split(script, ",")
	actions := make([]action, 0, len(parts))
	for _, p := range parts {
		token := strings.TrimSpace(p)
		if token == "" {
			continue
		}
		if token == "ok" || token == "ignore" {
			actions = append(actions, action{kind: token})
			continue
		}
		a, ok := parseAction(token)
		if !ok {
			return nil, fmt.Errorf("invalid dummy action: %s", token)
		}
		actions = append(actions, a)
	}
	if len(actions) == 0 {
		actions = append(actions, action{kind: "ok"})
	}
	return actions, nil
}

func parseAction(token string) (action, bool) {
	for _, kind := range actionKinds {
		if strings.HasPrefix(token, kind+":") {
			return action{kind: kind, arg: strings.TrimPrefix(token, kind+":")}, true
		}
	}
	return action{}, false
}

type scriptRunner struct {
	actions []action
	index   int
}

func newRunner(script string) (*scriptRunner, error) {
	actions, err := parseScript(script)
	if err != nil {
		return nil, err
	}
	return &scriptRunner{actions: actions}, nil
}

func (r *scriptRunner) next() action {
	if len(r.actions) == 0 {
		return action{kind: "ok"}
	}
	if r.index >= len(r.actions) {
		return r.actions[len(r.actions)-1]
	}
	a := r.actions[r.index]
	r.index++
	return a
}

func sleep(ctx context.Context, arg string) error {
	ms, _ := strconv.Atoi(arg)
	if ms <= 0 {
		return nil
	}
	t := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Sent is one outbound gateway call recorded by Gateway.
type Sent struct {
	Kind      string // text, image, typing or react
	ChannelID int64
	MessageID int64
	Body      string
}

// Gateway is a scripted gateway.Gateway. Poll actions: ok, err:<class>,
// sleep:<ms>, msg:<text>, msgb64:<base64>, from:<username>:<text>.
// Send actions: ok, err:<class>, sleep:<ms>.
type Gateway struct {
	mu        sync.Mutex
	poll      *scriptRunner
	send      *scriptRunner
	updateID  int64
	messageID int64
	channelID int64
	sent      []Sent
}

var _ gateway.Gateway = (*Gateway)(nil)

// NewGateway creates a scripted gateway whose messages arrive on channelID.
func NewGateway(pollScript, sendScript string, channelID int64) (*Gateway, error) {
	poll, err := newRunner(pollScript)
	if err != nil {
		return nil, err
	}
	send, err := newRunner(sendScript)
	if err != nil {
		return nil, err
	}
	return &Gateway{poll: poll, send: send, updateID: 1, channelID: channelID}, nil
}

func (g *Gateway) Updates(ctx context.Context, offset int64, timeoutSec int) ([]gateway.Event, error) {
	g.mu.Lock()
	a := g.poll.next()
	g.mu.Unlock()

	switch a.kind {
	case "err":
		return nil, fmt.Errorf("dummy gateway error class=%s", emptyAs(a.arg, "gateway_api"))
	case "sleep":
		return nil, sleep(ctx, a.arg)
	case "msg":
		return []gateway.Event{g.event("dummy", a.arg)}, nil
	case "msgb64":
		raw, err := base64.StdEncoding.DecodeString(a.arg)
		if err != nil {
			return nil, fmt.Errorf("dummy gateway msgb64 decode failed: %w", err)
		}
		return []gateway.Event{g.event("dummy", string(raw))}, nil
	case "from":
		user, text, _ := strings.Cut(a.arg, ":")
		return []gateway.Event{g.event(user, text)}, nil
	default:
		return nil, nil
	}
}

func (g *Gateway) event(username, text string) gateway.Event {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.updateID++
	g.messageID++
	return gateway.Event{
		UpdateID:          g.updateID,
		MessageID:         g.messageID,
		ChannelID:         g.channelID,
		AuthorID:          int64(len(username)),
		AuthorUsername:    username,
		AuthorDisplayName: username,
		Content:           text,
	}
}

func (g *Gateway) SendText(ctx context.Context, channelID int64, text string) error {
	return g.record(ctx, Sent{Kind: "text", ChannelID: channelID, Body: text})
}

func (g *Gateway) SendImage(ctx context.Context, channelID int64, url string) error {
	return g.record(ctx, Sent{Kind: "image", ChannelID: channelID, Body: url})
}

func (g *Gateway) SendTyping(ctx context.Context, channelID int64) error {
	return g.record(ctx, Sent{Kind: "typing", ChannelID: channelID})
}

func (g *Gateway) React(ctx context.Context, channelID, messageID int64, emoji string) error {
	return g.record(ctx, Sent{Kind: "react", ChannelID: channelID, MessageID: messageID, Body: emoji})
}

func (g *Gateway) record(ctx context.Context, s Sent) error {
	g.mu.Lock()
	a := g.send.next()
	g.mu.Unlock()

	switch a.kind {
	case "err":
		return fmt.Errorf("dummy gateway send error class=%s", emptyAs(a.arg, "gateway_api"))
	case "sleep":
		if err := sleep(ctx, a.arg); err != nil {
			return err
		}
	}
	g.mu.Lock()
	g.sent = append(g.sent, s)
	g.mu.Unlock()
	return nil
}

// Sent returns a copy of every successful outbound call so far.
func (g *Gateway) Sent() []Sent {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Sent(nil), g.sent...)
}

// Backend is a scripted model.Backend. Chat actions: ok[:text], err:<msg>,
// sleep:<ms>, msg:<text>, msgb64:<base64>, image:<prompt>,
// profile:<field>=<value>[;<field>=<value>], ignore. Image actions: ok,
// url:<url>, err:<msg>, sleep:<ms>.
type Backend struct {
	mu    sync.Mutex
	chat  *scriptRunner
	image *scriptRunner
	calls []bool
}

var _ model.Backend = (*Backend)(nil)

func NewBackend(chatScript, imageScript string) (*Backend, error) {
	chat, err := newRunner(chatScript)
	if err != nil {
		return nil, err
	}
	image, err := newRunner(imageScript)
	if err != nil {
		return nil, err
	}
	return &Backend{chat: chat, image: image}, nil
}

func (b *Backend) Chat(ctx context.Context, messages []ctxpkg.Message, allowFunctions bool) model.Outcome {
	b.mu.Lock()
	a := b.chat.next()
	b.calls = append(b.calls, allowFunctions)
	b.mu.Unlock()

	switch a.kind {
	case "ok":
		return model.Text(emptyAs(a.arg, "dummy-ok"))
	case "err":
		return model.Failure(fmt.Errorf("dummy backend error: %s", emptyAs(a.arg, "provider_api")))
	case "sleep":
		if err := sleep(ctx, a.arg); err != nil {
			return model.Failure(err)
		}
		return model.Text("dummy-after-sleep")
	case "msg":
		return model.Text(a.arg)
	case "msgb64":
		raw, err := base64.StdEncoding.DecodeString(a.arg)
		if err != nil {
			return model.Failure(fmt.Errorf("dummy backend msgb64 decode failed: %w", err))
		}
		return model.Text(string(raw))
	}
	if !allowFunctions {
		return model.Text("dummy-ok")
	}
	switch a.kind {
	case "image":
		return model.ImageRequest(emptyAs(a.arg, "a dummy picture"))
	case "profile":
		return model.ProfileUpdate(parseProfile(a.arg))
	case "ignore":
		return model.Suppress()
	default:
		return model.Text("dummy-ok")
	}
}

func (b *Backend) Image(ctx context.Context, prompt string) model.Outcome {
	b.mu.Lock()
	a := b.image.next()
	b.mu.Unlock()

	switch a.kind {
	case "url":
		return model.Image(a.arg)
	case "err":
		return model.Failure(fmt.Errorf("dummy image error: %s", emptyAs(a.arg, "provider_api")))
	case "sleep":
		if err := sleep(ctx, a.arg); err != nil {
			return model.Failure(err)
		}
	}
	return model.Image("https://example.invalid/dummy.png")
}

// ChatCalls reports the allowFunctions flag of every Chat call so far.
func (b *Backend) ChatCalls() []bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]bool(nil), b.calls...)
}

func parseProfile(arg string) domain.ProfileUpdate {
	var u domain.ProfileUpdate
	for _, pair := range strings.Split(arg, ";") {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		v := value
		switch strings.TrimSpace(key) {
		case "nickname":
			u.Nickname = &v
		case "pronouns":
			u.Pronouns = &v
		case "age":
			u.Age = &v
		case "likes":
			u.Likes = &v
		case "dislikes":
			u.Dislikes = &v
		}
	}
	return u
}

func emptyAs(v string, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
