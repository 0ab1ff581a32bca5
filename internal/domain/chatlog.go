package domain

import "time"

// LogEntry is one row of the durable chat log. Participant is populated on
// read; on write only its ID or Username is needed, depending on the backend.
type LogEntry struct {
	ID          int64
	Participant Participant
	Text        string
	CreatedAt   time.Time
}

// NewEntry builds a LogEntry for writing.
func NewEntry(p Participant, text string) LogEntry {
	return LogEntry{Participant: p, Text: text, CreatedAt: time.Now().UTC()}
}

// Reverse reorders newest-first rows into chronological order in place.
func Reverse(entries []LogEntry) {
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
}
