package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stupiduntilnot/chatrelay/internal/control"
	"github.com/stupiduntilnot/chatrelay/internal/db"
	"github.com/stupiduntilnot/chatrelay/internal/gateway"
	"github.com/stupiduntilnot/chatrelay/internal/metrics"
)

// Handler processes one event. *Controller implements it.
type Handler interface {
	Handle(ctx context.Context, ev gateway.Event) Result
}

// ListenerConfig tunes the poll loop.
type ListenerConfig struct {
	PollTimeoutSec int
	Sleep          time.Duration
	// DropPending skips whatever the gateway queued before startup.
	DropPending bool
	Breaker     *control.CircuitBreaker

	Events         EventLog
	ProcessEventID *int64
	Metrics        *metrics.Metrics
	Logger         zerolog.Logger
}

// Listener polls a gateway and hands every event to its own goroutine.
type Listener struct {
	source  gateway.Source
	handler Handler
	cfg     ListenerConfig
	wg      sync.WaitGroup
}

func NewListener(source gateway.Source, handler Handler, cfg ListenerConfig) *Listener {
	if cfg.Sleep <= 0 {
		cfg.Sleep = time.Second
	}
	if cfg.PollTimeoutSec < 0 {
		cfg.PollTimeoutSec = 0
	}
	if cfg.Breaker == nil {
		cfg.Breaker = control.NewCircuitBreaker(5, 30*time.Second)
	}
	l := &Listener{source: source, handler: handler, cfg: cfg}
	cfg.Breaker.OnTransition = l.onTransition
	return l
}

// Run polls until ctx is cancelled, then waits for in-flight dispatches.
func (l *Listener) Run(ctx context.Context) error {
	defer l.wg.Wait()

	var offset int64
	if l.cfg.DropPending {
		offset = l.bootstrapOffset(ctx)
	}
	l.cfg.Logger.Info().Int64("offset", offset).Msg("listener running")

	for ctx.Err() == nil {
		if !l.cfg.Breaker.Allow(time.Now()) {
			l.pause(ctx, l.backoff())
			continue
		}

		events, err := l.source.Updates(ctx, offset, l.cfg.PollTimeoutSec)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			l.cfg.Metrics.RecordPollError()
			l.cfg.Breaker.RecordFailure(control.ClassifyError(err), time.Now())
			l.cfg.Logger.Warn().Err(err).Int64("offset", offset).Msg("poll failed")
			l.pause(ctx, l.backoff())
			continue
		}
		l.cfg.Breaker.RecordSuccess()

		for _, ev := range events {
			if ev.UpdateID >= offset {
				offset = ev.UpdateID + 1
			}
			l.wg.Add(1)
			go func(ev gateway.Event) {
				defer l.wg.Done()
				l.handler.Handle(ctx, ev)
			}(ev)
		}
		if len(events) == 0 {
			l.pause(ctx, l.cfg.Sleep)
		}
	}
	l.cfg.Logger.Info().Msg("listener stopping, waiting for in-flight dispatches")
	return nil
}

// bootstrapOffset asks for the newest pending update and starts after it.
// Failures leave the offset at zero so nothing is lost.
func (l *Listener) bootstrapOffset(ctx context.Context) int64 {
	events, err := l.source.Updates(ctx, -1, 0)
	if err != nil {
		l.cfg.Logger.Warn().Err(err).Msg("bootstrap offset failed")
		return 0
	}
	var offset int64
	for _, ev := range events {
		if ev.UpdateID >= offset {
			offset = ev.UpdateID + 1
		}
	}
	if offset > 0 {
		l.cfg.Logger.Info().Int64("offset", offset).Msg("dropped pending updates")
	}
	return offset
}

// backoff waits out the rest of the cooldown while the breaker is open and
// the configured sleep otherwise.
func (l *Listener) backoff() time.Duration {
	if l.cfg.Breaker.State() != control.CircuitOpen {
		return l.cfg.Sleep
	}
	if d := l.cfg.Breaker.RemainingCooldown(time.Now()); d > 0 {
		return d
	}
	return time.Millisecond
}

func (l *Listener) pause(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (l *Listener) onTransition(from, to control.CircuitState, class string) {
	l.cfg.Logger.Warn().Str("from", string(from)).Str("to", string(to)).Str("error_class", class).Msg("gateway circuit transition")
	if l.cfg.Events == nil {
		return
	}
	var eventType string
	payload := map[string]any{"error_class": class}
	switch to {
	case control.CircuitOpen:
		eventType = db.EventCircuitOpened
		payload["threshold"] = l.cfg.Breaker.Threshold
		payload["cooldown_seconds"] = int(l.cfg.Breaker.Cooldown.Seconds())
	case control.CircuitHalfOpen:
		eventType = db.EventCircuitHalfOpen
	case control.CircuitClosed:
		eventType = db.EventCircuitClosed
		payload = map[string]any{"recovered": true}
	}
	if _, err := l.cfg.Events.LogEvent(context.Background(), l.cfg.ProcessEventID, eventType, payload); err != nil {
		l.cfg.Logger.Debug().Err(err).Str("event", eventType).Msg("audit event dropped")
	}
}
