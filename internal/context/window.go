package context

import "sync"

// Window keeps a short per-participant conversation in memory: the persona,
// the message that opened the session, and the most recent exchange.
//
// The map itself is safe for concurrent use. Callers that read a window, call
// the model and then record the exchange are not serialized, so two messages
// from the same participant in flight at once may interleave.
type Window struct {
	mu      sync.Mutex
	entries map[string][]Message
}

// NewWindow returns an empty window store.
func NewWindow() *Window {
	return &Window{entries: map[string][]Message{}}
}

// Get returns a copy of the participant's window.
func (w *Window) Get(participantID string) ([]Message, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	msgs, ok := w.entries[participantID]
	if !ok {
		return nil, false
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out, true
}

// Reset forgets the participant's window.
func (w *Window) Reset(participantID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.entries, participantID)
}

// RecordExchange stores a user/assistant pair. A new window is seeded with
// persona + pair. An existing one drops the previous pair (indexes 2 and 3)
// and appends the new one, so it never grows past four messages.
func (w *Window) RecordExchange(participantID string, persona, user, assistant Message) {
	w.mu.Lock()
	defer w.mu.Unlock()
	msgs, ok := w.entries[participantID]
	if !ok {
		w.entries[participantID] = []Message{persona, user, assistant}
		return
	}
	if len(msgs) > 2 {
		end := 4
		if end > len(msgs) {
			end = len(msgs)
		}
		msgs = append(msgs[:2:2], msgs[end:]...)
	}
	w.entries[participantID] = append(msgs, user, assistant)
}
