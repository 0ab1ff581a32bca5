package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/stupiduntilnot/chatrelay/internal/control"
	"github.com/stupiduntilnot/chatrelay/internal/db"
	"github.com/stupiduntilnot/chatrelay/internal/dummy"
	"github.com/stupiduntilnot/chatrelay/internal/gateway"
	"github.com/stupiduntilnot/chatrelay/internal/metrics"
)

type fakeSource struct {
	mu      sync.Mutex
	offsets []int64
	batches [][]gateway.Event
	err     error
	// fails limits err to the first calls when positive
	fails int
}

func (f *fakeSource) Updates(_ context.Context, offset int64, _ int) ([]gateway.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offsets = append(f.offsets, offset)
	if f.err != nil && (f.fails == 0 || len(f.offsets) <= f.fails) {
		return nil, f.err
	}
	if len(f.batches) == 0 {
		return nil, nil
	}
	b := f.batches[0]
	f.batches = f.batches[1:]
	return b, nil
}

func (f *fakeSource) calls() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.offsets...)
}

type recordingHandler struct {
	mu    sync.Mutex
	seen  []gateway.Event
	block bool
	done  atomic.Int32
}

func (h *recordingHandler) Handle(ctx context.Context, ev gateway.Event) Result {
	h.mu.Lock()
	h.seen = append(h.seen, ev)
	h.mu.Unlock()
	if h.block {
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond)
	}
	h.done.Add(1)
	return ResultReplied
}

func (h *recordingHandler) events() []gateway.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]gateway.Event(nil), h.seen...)
}

func runListener(t *testing.T, l *Listener) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- l.Run(ctx) }()
	return func() {
		stop()
		select {
		case err := <-errc:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("listener did not stop")
		}
	}
}

func TestListener_DispatchesScriptedMessages(t *testing.T) {
	defer goleak.VerifyNone(t)

	gw, err := dummy.NewGateway("from:alice:hi,from:bob:yo,ok", "ok", -100)
	require.NoError(t, err)
	h := &recordingHandler{}
	l := NewListener(gw, h, ListenerConfig{Sleep: 5 * time.Millisecond, Logger: zerolog.Nop()})

	stop := runListener(t, l)
	require.Eventually(t, func() bool { return len(h.events()) == 2 }, time.Second, 5*time.Millisecond)
	stop()

	var authors []string
	for _, ev := range h.events() {
		authors = append(authors, ev.AuthorUsername)
	}
	require.ElementsMatch(t, []string{"alice", "bob"}, authors)
}

func TestListener_WaitsForInFlightDispatches(t *testing.T) {
	defer goleak.VerifyNone(t)

	src := &fakeSource{batches: [][]gateway.Event{{{UpdateID: 1, Content: "slow"}}}}
	h := &recordingHandler{block: true}
	l := NewListener(src, h, ListenerConfig{Sleep: 5 * time.Millisecond, Logger: zerolog.Nop()})

	stop := runListener(t, l)
	require.Eventually(t, func() bool { return len(h.events()) == 1 }, time.Second, 5*time.Millisecond)
	stop()

	require.Equal(t, int32(1), h.done.Load(), "Run must return only after the dispatch finished")
}

func TestListener_AdvancesOffset(t *testing.T) {
	defer goleak.VerifyNone(t)

	src := &fakeSource{batches: [][]gateway.Event{
		{{UpdateID: 5}, {UpdateID: 6}},
		{{UpdateID: 7}},
	}}
	h := &recordingHandler{}
	l := NewListener(src, h, ListenerConfig{Sleep: 5 * time.Millisecond, Logger: zerolog.Nop()})

	stop := runListener(t, l)
	require.Eventually(t, func() bool { return len(src.calls()) >= 3 }, time.Second, 5*time.Millisecond)
	stop()

	calls := src.calls()
	require.Equal(t, []int64{0, 7, 8}, calls[:3])
	require.Len(t, h.events(), 3)
}

func TestListener_DropPending(t *testing.T) {
	defer goleak.VerifyNone(t)

	src := &fakeSource{batches: [][]gateway.Event{
		{{UpdateID: 9, Content: "stale"}},
		{{UpdateID: 10, Content: "fresh"}},
	}}
	h := &recordingHandler{}
	l := NewListener(src, h, ListenerConfig{DropPending: true, Sleep: 5 * time.Millisecond, Logger: zerolog.Nop()})

	stop := runListener(t, l)
	require.Eventually(t, func() bool { return len(h.events()) == 1 }, time.Second, 5*time.Millisecond)
	stop()

	require.Equal(t, "fresh", h.events()[0].Content)
	calls := src.calls()
	require.Equal(t, []int64{-1, 10}, calls[:2])
}

func TestListener_BreakerStopsPolling(t *testing.T) {
	defer goleak.VerifyNone(t)

	src := &fakeSource{err: errors.New("telegram getUpdates: Bad Gateway (status 502)")}
	events := &fakeEvents{}
	m := metrics.New()
	parent := int64(1)
	l := NewListener(src, &recordingHandler{}, ListenerConfig{
		Sleep:          5 * time.Millisecond,
		Breaker:        control.NewCircuitBreaker(2, time.Hour),
		Events:         events,
		ProcessEventID: &parent,
		Metrics:        m,
		Logger:         zerolog.Nop(),
	})

	stop := runListener(t, l)
	require.Eventually(t, func() bool { return l.cfg.Breaker.State() == control.CircuitOpen }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	stop()

	require.Len(t, src.calls(), 2, "an open breaker must stop polling")
	require.Equal(t, "upstream", l.cfg.Breaker.OpenedClass())
	require.Equal(t, 2.0, testutil.ToFloat64(m.GatewayPollErrors))
	events.mu.Lock()
	defer events.mu.Unlock()
	require.Equal(t, []string{db.EventCircuitOpened}, events.types)
}

func TestListener_ResumesAfterCooldown(t *testing.T) {
	defer goleak.VerifyNone(t)

	src := &fakeSource{
		err:     errors.New("telegram getUpdates: Bad Gateway (status 502)"),
		fails:   1,
		batches: [][]gateway.Event{{{UpdateID: 3, Content: "back"}}},
	}
	h := &recordingHandler{}
	l := NewListener(src, h, ListenerConfig{
		Sleep:   time.Hour,
		Breaker: control.NewCircuitBreaker(1, 30*time.Millisecond),
		Logger:  zerolog.Nop(),
	})

	stop := runListener(t, l)
	require.Eventually(t, func() bool { return len(h.events()) == 1 }, 2*time.Second, 5*time.Millisecond,
		"an open breaker must retry after its cooldown, not after the idle sleep")
	stop()

	require.Equal(t, control.CircuitClosed, l.cfg.Breaker.State())
	require.Equal(t, []int64{0, 0}, src.calls()[:2])
}
