// Package dispatch turns inbound chat events into model calls and replies.
//
// Controller handles one event end to end: it enriches the message with the
// speaker's profile and the conversation history, assembles the prompt, calls
// the backend and applies the resulting outcome. Listener feeds it from a
// polling gateway, one goroutine per event.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stupiduntilnot/chatrelay/internal/chunk"
	ctxpkg "github.com/stupiduntilnot/chatrelay/internal/context"
	"github.com/stupiduntilnot/chatrelay/internal/control"
	"github.com/stupiduntilnot/chatrelay/internal/db"
	"github.com/stupiduntilnot/chatrelay/internal/domain"
	"github.com/stupiduntilnot/chatrelay/internal/gateway"
	"github.com/stupiduntilnot/chatrelay/internal/metrics"
	"github.com/stupiduntilnot/chatrelay/internal/model"
	"github.com/stupiduntilnot/chatrelay/internal/persona"
)

// ProfileStore resolves and enriches participants.
type ProfileStore interface {
	FindOrCreate(ctx context.Context, username, displayName string) (domain.Participant, error)
	Update(ctx context.Context, username string, u domain.ProfileUpdate) (domain.Participant, error)
}

// ChatLog is the durable conversation history shared by the whole channel.
type ChatLog interface {
	Append(ctx context.Context, entries ...domain.LogEntry) error
	Recent(ctx context.Context, limit int) ([]domain.LogEntry, error)
}

// EventLog records audit events as a tree.
type EventLog interface {
	LogEvent(ctx context.Context, parentID *int64, eventType string, payload map[string]any) (int64, error)
}

// Mode selects where conversation history lives.
type Mode string

const (
	ModeDurable   Mode = "durable"
	ModeEphemeral Mode = "ephemeral"
)

// Result is the terminal state of one Handle call.
type Result string

const (
	ResultSkipped    Result = "skipped"
	ResultReplied    Result = "replied"
	ResultImage      Result = "image"
	ResultSuppressed Result = "suppressed"
	ResultError      Result = "error"
	ResultReset      Result = "reset"
	ResultPanic      Result = "panic"
)

// Options tunes a Controller. Zero values fall back to the defaults used by
// the relay command.
type Options struct {
	Mode          Mode
	ChannelID     int64 // 0 accepts every channel
	HistoryWindow int
	BotName       string

	SuppressReaction string
	ChunkSize        int
	ChunkDelay       time.Duration

	NewMarker   string
	ImageMarker string
	ChatMarker  string

	// ProcessEventID parents every audit event written by the controller.
	ProcessEventID *int64
}

// Deps are the collaborators of a Controller. Log is required in durable
// mode; Window defaults to a fresh in-memory store in ephemeral mode. Events
// and Metrics are optional.
type Deps struct {
	Sender    gateway.Sender
	Backend   model.Backend
	Profiles  ProfileStore
	Log       ChatLog
	Events    EventLog
	Window    ctxpkg.ConversationWindow
	Assembler ctxpkg.PromptAssembler
	Persona   persona.Source
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
}

// Controller runs the per-message state machine.
type Controller struct {
	opts Options
	deps Deps
	echo *regexp.Regexp
}

// New validates deps and fills option defaults.
func New(deps Deps, opts Options) (*Controller, error) {
	switch {
	case deps.Sender == nil:
		return nil, errors.New("dispatch: sender is required")
	case deps.Backend == nil:
		return nil, errors.New("dispatch: backend is required")
	case deps.Profiles == nil:
		return nil, errors.New("dispatch: profile store is required")
	case deps.Assembler == nil:
		return nil, errors.New("dispatch: assembler is required")
	case deps.Persona == nil:
		return nil, errors.New("dispatch: persona source is required")
	}

	if opts.Mode == "" {
		opts.Mode = ModeDurable
	}
	switch opts.Mode {
	case ModeDurable:
		if deps.Log == nil {
			return nil, errors.New("dispatch: durable mode needs a chat log")
		}
	case ModeEphemeral:
		if deps.Window == nil {
			deps.Window = ctxpkg.NewWindow()
		}
	default:
		return nil, fmt.Errorf("dispatch: unknown mode %q", opts.Mode)
	}
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = 20
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 2000
	}
	if strings.TrimSpace(opts.BotName) == "" {
		opts.BotName = domain.SentinelUsername
	}

	return &Controller{opts: opts, deps: deps, echo: echoPattern(opts.BotName)}, nil
}

// echoPattern matches "<name> said:" prefixes the model copies from the
// attributed prompt format, repeated or not.
func echoPattern(botName string) *regexp.Regexp {
	names := regexp.QuoteMeta(domain.SentinelUsername)
	if !strings.EqualFold(botName, domain.SentinelUsername) {
		names += "|" + regexp.QuoteMeta(botName)
	}
	return regexp.MustCompile(`^(?i:\s*(?:` + names + `)\s+said:\s*)+`)
}

// StripEcho removes leading self-attribution from a model reply. A reply that
// would become empty is returned unchanged.
func (c *Controller) StripEcho(text string) string {
	cleaned := c.echo.ReplaceAllString(text, "")
	if strings.TrimSpace(cleaned) == "" {
		return text
	}
	return cleaned
}

// turn carries the state of one dispatch between steps.
type turn struct {
	ev      gateway.Event
	log     zerolog.Logger
	eventID *int64

	key     string // ephemeral window key
	speaker domain.Participant
	text    string
	prompt  []ctxpkg.Message
}

// Handle processes one inbound event. It never panics and never returns an
// error: every failure is logged, counted and turned into a Result.
func (c *Controller) Handle(ctx context.Context, ev gateway.Event) (result Result) {
	start := time.Now()
	done := c.deps.Metrics.InFlight()
	t := &turn{
		ev: ev,
		log: c.deps.Logger.With().
			Str("request_id", uuid.NewString()).
			Int64("channel_id", ev.ChannelID).
			Int64("message_id", ev.MessageID).
			Logger(),
	}

	defer func() {
		if r := recover(); r != nil {
			t.log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("dispatch panicked")
			c.event(ctx, t.eventID, db.EventDispatchFailed, map[string]any{"panic": fmt.Sprint(r)})
			result = ResultPanic
		}
		done()
		c.deps.Metrics.RecordMessage(string(result), time.Since(start))
		if result != ResultSkipped {
			t.log.Info().Str("result", string(result)).Dur("elapsed", time.Since(start)).Msg("dispatch finished")
		}
	}()

	text, ok := c.accept(ev)
	if !ok {
		return ResultSkipped
	}
	t.text = text

	username := participantUsername(ev)
	t.key = windowKey(ev)
	t.log = t.log.With().Str("username", username).Logger()
	t.eventID = c.eventRef(c.event(ctx, c.opts.ProcessEventID, db.EventMessageReceived, map[string]any{
		"channel_id": ev.ChannelID,
		"message_id": ev.MessageID,
		"username":   username,
		"text":       truncate(ev.Content, 1000),
	}))

	if prompt, ok := cutMarker(t.text, c.opts.ImageMarker); ok {
		return c.handleImageCommand(ctx, t, prompt)
	}
	if seed, ok := cutMarker(t.text, c.opts.NewMarker); ok {
		if c.opts.Mode == ModeEphemeral {
			c.deps.Window.Reset(t.key)
			t.log.Debug().Str("key", t.key).Msg("conversation window reset")
		}
		if seed == "" {
			return ResultReset
		}
		t.text = seed
	}

	t.speaker = c.resolveSpeaker(ctx, t, username, displayName(ev))
	t.prompt = c.assemble(ctx, t)

	if err := c.deps.Sender.SendTyping(ctx, ev.ChannelID); err != nil {
		t.log.Debug().Err(err).Msg("typing indicator failed")
	}

	outcome := c.chat(ctx, t, true)
	if outcome.Kind == model.KindProfileUpdate {
		c.updateProfile(ctx, t, outcome.Profile)
		outcome = c.chat(ctx, t, false)
	}
	return c.apply(ctx, t, outcome)
}

// accept filters the event and returns the text to process with the chat
// marker removed.
func (c *Controller) accept(ev gateway.Event) (string, bool) {
	if ev.IsBot {
		return "", false
	}
	if c.opts.ChannelID != 0 && ev.ChannelID != c.opts.ChannelID {
		return "", false
	}
	text := strings.TrimSpace(ev.Content)
	if text == "" {
		return "", false
	}
	if c.opts.ChatMarker == "" {
		return text, true
	}
	// image and reset commands stand on their own
	for _, m := range []string{c.opts.ImageMarker, c.opts.NewMarker} {
		if _, ok := cutMarker(text, m); ok {
			return text, true
		}
	}
	rest, ok := cutMarker(text, c.opts.ChatMarker)
	if !ok || rest == "" {
		return "", false
	}
	return rest, true
}

func (c *Controller) resolveSpeaker(ctx context.Context, t *turn, username, display string) domain.Participant {
	p, err := c.deps.Profiles.FindOrCreate(ctx, username, display)
	c.deps.Metrics.RecordStore("find_or_create", err)
	if err != nil {
		t.log.Warn().Err(err).Msg("profile lookup failed, continuing without it")
		return domain.Participant{Username: username, DisplayName: display}
	}
	return p
}

func (c *Controller) assemble(ctx context.Context, t *turn) []ctxpkg.Message {
	text := c.deps.Persona.Persona()
	if c.opts.Mode == ModeEphemeral {
		window, _ := c.deps.Window.Get(t.key)
		return c.deps.Assembler.AssembleWindow(text, window, t.speaker, t.text)
	}

	entries, err := c.deps.Log.Recent(ctx, c.opts.HistoryWindow)
	c.deps.Metrics.RecordStore("recent", err)
	if err != nil {
		t.log.Warn().Err(err).Msg("history read failed, continuing without it")
		entries = nil
	}
	history := make([]ctxpkg.Turn, 0, len(entries))
	for _, e := range entries {
		history = append(history, ctxpkg.Turn{Participant: e.Participant, Text: e.Text})
	}
	return c.deps.Assembler.Assemble(text, history, t.speaker, t.text)
}

func (c *Controller) chat(ctx context.Context, t *turn, allowFunctions bool) model.Outcome {
	start := time.Now()
	out := c.deps.Backend.Chat(ctx, t.prompt, allowFunctions)
	c.deps.Metrics.RecordBackend("chat", backendStatus(out), time.Since(start))
	t.log.Debug().
		Str("outcome", out.Kind.String()).
		Bool("functions", allowFunctions).
		Int("messages", len(t.prompt)).
		Dur("latency", time.Since(start)).
		Msg("backend chat")
	return out
}

func (c *Controller) image(ctx context.Context, t *turn, prompt string) model.Outcome {
	start := time.Now()
	out := c.deps.Backend.Image(ctx, prompt)
	c.deps.Metrics.RecordBackend("image", backendStatus(out), time.Since(start))
	return out
}

func (c *Controller) updateProfile(ctx context.Context, t *turn, u domain.ProfileUpdate) {
	if u.IsEmpty() {
		return
	}
	p, err := c.deps.Profiles.Update(ctx, t.speaker.Username, u)
	c.deps.Metrics.RecordStore("update_profile", err)
	if err != nil {
		t.log.Warn().Err(err).Msg("profile update failed")
		return
	}
	t.speaker = p
	c.event(ctx, t.eventID, db.EventProfileUpdated, map[string]any{"username": p.Username})
}

// apply executes the branch for a chat outcome. After a profile update the
// backend is called without functions, so a second function outcome there is
// reported as an error rather than looped on.
func (c *Controller) apply(ctx context.Context, t *turn, out model.Outcome) Result {
	switch out.Kind {
	case model.KindText:
		reply := c.StripEcho(out.Text)
		c.remember(ctx, t, &reply)
		return c.sendText(ctx, t, reply)

	case model.KindImageRequest:
		img := c.image(ctx, t, out.Prompt)
		if img.Kind != model.KindImage {
			return c.fail(ctx, t, img)
		}
		// only the durable log keeps image URLs
		if c.opts.Mode == ModeDurable {
			c.remember(ctx, t, &img.URL)
		}
		return c.sendImage(ctx, t, img.URL)

	case model.KindSuppress:
		c.remember(ctx, t, nil)
		if r := c.opts.SuppressReaction; r != "" {
			if err := c.deps.Sender.React(ctx, t.ev.ChannelID, t.ev.MessageID, r); err != nil {
				t.log.Warn().Err(err).Msg("reaction failed")
			}
		}
		c.event(ctx, t.eventID, db.EventMessageSuppressed, nil)
		return ResultSuppressed

	case model.KindError:
		return c.fail(ctx, t, out)

	default:
		return c.fail(ctx, t, model.Failure(fmt.Errorf("unexpected %s outcome from chat", out.Kind)))
	}
}

// fail reports an error outcome to the channel. The user's message is still
// logged in durable mode; the error text never becomes an assistant turn.
func (c *Controller) fail(ctx context.Context, t *turn, out model.Outcome) Result {
	class := control.ClassifyError(out.Err)
	t.log.Warn().Err(out.Err).Str("error_class", class).Msg("backend failed")
	c.remember(ctx, t, nil)
	if err := c.deps.Sender.SendText(ctx, t.ev.ChannelID, out.ErrorText()); err != nil {
		t.log.Error().Err(err).Msg("error notice send failed")
	}
	c.event(ctx, t.eventID, db.EventDispatchFailed, map[string]any{
		"error":       truncate(out.ErrorText(), 1000),
		"error_class": class,
	})
	return ResultError
}

// remember persists the exchange. A nil reply records only the user's
// message in durable mode and nothing in ephemeral mode.
func (c *Controller) remember(ctx context.Context, t *turn, reply *string) {
	if c.opts.Mode == ModeEphemeral {
		if reply == nil || len(t.prompt) == 0 {
			return
		}
		c.deps.Window.RecordExchange(t.key,
			t.prompt[0],
			t.prompt[len(t.prompt)-1],
			ctxpkg.Message{Role: ctxpkg.RoleAssistant, Content: *reply},
		)
		return
	}

	entries := []domain.LogEntry{domain.NewEntry(t.speaker, t.text)}
	if reply != nil {
		entries = append(entries, domain.NewEntry(domain.Sentinel(), *reply))
	}
	err := c.deps.Log.Append(ctx, entries...)
	c.deps.Metrics.RecordStore("append", err)
	if err != nil {
		t.log.Warn().Err(err).Int("entries", len(entries)).Msg("chat log append failed")
	}
}

func (c *Controller) sendText(ctx context.Context, t *turn, reply string) Result {
	segments := chunk.Split(reply, c.opts.ChunkSize)
	n, err := chunk.Send(ctx, segments, c.opts.ChunkDelay, func(ctx context.Context, seg string) error {
		return c.deps.Sender.SendText(ctx, t.ev.ChannelID, seg)
	})
	c.deps.Metrics.RecordChunks(n)
	if err != nil {
		t.log.Error().Err(err).Int("sent", n).Int("segments", len(segments)).Msg("reply send failed")
	}
	c.event(ctx, t.eventID, db.EventReplySent, map[string]any{
		"segments": len(segments),
		"sent":     n,
		"text":     truncate(reply, 1000),
	})
	return ResultReplied
}

func (c *Controller) sendImage(ctx context.Context, t *turn, url string) Result {
	if err := c.deps.Sender.SendImage(ctx, t.ev.ChannelID, url); err != nil {
		t.log.Error().Err(err).Msg("image send failed")
	}
	c.event(ctx, t.eventID, db.EventImageSent, map[string]any{"url": url})
	return ResultImage
}

// handleImageCommand generates an image straight from the marker text,
// without touching history.
func (c *Controller) handleImageCommand(ctx context.Context, t *turn, prompt string) Result {
	if prompt == "" {
		return c.notify(ctx, t, model.Failure(errors.New("image prompt is empty")))
	}
	if err := c.deps.Sender.SendTyping(ctx, t.ev.ChannelID); err != nil {
		t.log.Debug().Err(err).Msg("typing indicator failed")
	}
	img := c.image(ctx, t, prompt)
	if img.Kind != model.KindImage {
		return c.notify(ctx, t, img)
	}
	return c.sendImage(ctx, t, img.URL)
}

// notify is fail without persistence.
func (c *Controller) notify(ctx context.Context, t *turn, out model.Outcome) Result {
	t.log.Warn().Err(out.Err).Msg("image command failed")
	if err := c.deps.Sender.SendText(ctx, t.ev.ChannelID, out.ErrorText()); err != nil {
		t.log.Error().Err(err).Msg("error notice send failed")
	}
	c.event(ctx, t.eventID, db.EventDispatchFailed, map[string]any{"error": truncate(out.ErrorText(), 1000)})
	return ResultError
}

// event writes an audit event and returns its id, or 0 when events are
// disabled or the write failed.
func (c *Controller) event(ctx context.Context, parentID *int64, eventType string, payload map[string]any) int64 {
	if c.deps.Events == nil {
		return 0
	}
	id, err := c.deps.Events.LogEvent(ctx, parentID, eventType, payload)
	if err != nil {
		c.deps.Logger.Debug().Err(err).Str("event", eventType).Msg("audit event dropped")
		return 0
	}
	return id
}

func (c *Controller) eventRef(id int64) *int64 {
	if id == 0 {
		return c.opts.ProcessEventID
	}
	return &id
}

// cutMarker reports whether text starts with marker and returns the rest.
func cutMarker(text, marker string) (string, bool) {
	if marker == "" {
		return "", false
	}
	rest, ok := strings.CutPrefix(text, marker)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(rest), true
}

// participantUsername maps the platform identity to a profile key. Authors
// without a username are keyed by id, and a user literally named like the
// bot's sentinel is moved out of its way.
func participantUsername(ev gateway.Event) string {
	name := strings.TrimSpace(ev.AuthorUsername)
	if name == "" {
		return "id:" + strconv.FormatInt(ev.AuthorID, 10)
	}
	if strings.EqualFold(name, domain.SentinelUsername) {
		return "user:" + name
	}
	return name
}

func displayName(ev gateway.Event) string {
	if v := strings.TrimSpace(ev.AuthorDisplayName); v != "" {
		return v
	}
	return strings.TrimSpace(ev.AuthorUsername)
}

func windowKey(ev gateway.Event) string {
	if ev.AuthorID != 0 {
		return strconv.FormatInt(ev.AuthorID, 10)
	}
	return participantUsername(ev)
}

func backendStatus(out model.Outcome) string {
	if out.Kind == model.KindError {
		return "error"
	}
	return "ok"
}

func truncate(s string, maxChars int) string {
	r := []rune(s)
	if len(r) <= maxChars {
		return s
	}
	return string(r[:maxChars]) + "..."
}
