// Package boltstore is an embedded durable backend on bbolt: participant
// profiles, the chat log and audit events live in separate buckets of one file.
package boltstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/stupiduntilnot/chatrelay/internal/domain"
)

var (
	bucketParticipants = []byte("participants")
	bucketChatLog      = []byte("chat_log")
	bucketEvents       = []byte("events")
)

// Store implements the participant, chat log and event interfaces.
type Store struct {
	db *bolt.DB
}

type participantRecord struct {
	ID          int64  `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Nickname    string `json:"nickname,omitempty"`
	Pronouns    string `json:"pronouns,omitempty"`
	Age         string `json:"age,omitempty"`
	Likes       string `json:"likes,omitempty"`
	Dislikes    string `json:"dislikes,omitempty"`
}

type entryRecord struct {
	Username  string `json:"username"`
	Text      string `json:"text"`
	CreatedAt int64  `json:"created_at"`
}

type eventRecord struct {
	ParentID  *int64         `json:"parent_id,omitempty"`
	EventType string         `json:"event_type"`
	Timestamp int64          `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Open opens (or creates) the bolt file at path and ensures every bucket and
// the sentinel participant exist.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("boltstore: create directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("boltstore: open %s: %w", path, err)
	}
	s := &Store{db: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketParticipants, bucketChatLog, bucketEvents} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("boltstore: create bucket %s: %w", name, err)
			}
		}
		sentinel := domain.Sentinel()
		_, err := findOrCreate(tx.Bucket(bucketParticipants), sentinel.Username, sentinel.DisplayName)
		return err
	})
}

// Close releases the file lock.
func (s *Store) Close() error {
	return s.db.Close()
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func getParticipant(b *bolt.Bucket, username string) (participantRecord, bool, error) {
	raw := b.Get([]byte(username))
	if raw == nil {
		return participantRecord{}, false, nil
	}
	var rec participantRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return participantRecord{}, false, fmt.Errorf("boltstore: decode participant %q: %w", username, err)
	}
	return rec, true, nil
}

func putParticipant(b *bolt.Bucket, rec participantRecord) error {
	enc, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.Put([]byte(rec.Username), enc)
}

func findOrCreate(b *bolt.Bucket, username, displayName string) (participantRecord, error) {
	rec, found, err := getParticipant(b, username)
	if err != nil || found {
		return rec, err
	}
	seq, err := b.NextSequence()
	if err != nil {
		return participantRecord{}, err
	}
	rec = participantRecord{ID: int64(seq), Username: username, DisplayName: displayName}
	if err := putParticipant(b, rec); err != nil {
		return participantRecord{}, fmt.Errorf("boltstore: put participant %q: %w", username, err)
	}
	return rec, nil
}

func (r participantRecord) participant() domain.Participant {
	return domain.Participant{
		ID:          r.ID,
		Username:    r.Username,
		DisplayName: r.DisplayName,
		Nickname:    r.Nickname,
		Pronouns:    r.Pronouns,
		Age:         r.Age,
		Likes:       r.Likes,
		Dislikes:    r.Dislikes,
	}
}

func recordOf(p domain.Participant) participantRecord {
	return participantRecord{
		ID:          p.ID,
		Username:    p.Username,
		DisplayName: p.DisplayName,
		Nickname:    p.Nickname,
		Pronouns:    p.Pronouns,
		Age:         p.Age,
		Likes:       p.Likes,
		Dislikes:    p.Dislikes,
	}
}

// FindOrCreate returns the participant for username, creating it on first sight.
func (s *Store) FindOrCreate(_ context.Context, username, displayName string) (domain.Participant, error) {
	if strings.TrimSpace(username) == "" {
		return domain.Participant{}, errors.New("boltstore: empty username")
	}
	var rec participantRecord
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		rec, err = findOrCreate(tx.Bucket(bucketParticipants), username, displayName)
		return err
	})
	if err != nil {
		return domain.Participant{}, err
	}
	return rec.participant(), nil
}

// Update merges u into the stored profile.
func (s *Store) Update(_ context.Context, username string, u domain.ProfileUpdate) (domain.Participant, error) {
	var merged domain.Participant
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketParticipants)
		rec, err := findOrCreate(b, username, username)
		if err != nil {
			return err
		}
		merged = domain.Merge(rec.participant(), u)
		return putParticipant(b, recordOf(merged))
	})
	if err != nil {
		return domain.Participant{}, err
	}
	return merged, nil
}

// Append writes all entries in one bolt transaction.
func (s *Store) Append(_ context.Context, entries ...domain.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		people := tx.Bucket(bucketParticipants)
		log := tx.Bucket(bucketChatLog)
		for _, e := range entries {
			if _, err := findOrCreate(people, e.Participant.Username, e.Participant.DisplayName); err != nil {
				return err
			}
			seq, err := log.NextSequence()
			if err != nil {
				return err
			}
			created := e.CreatedAt
			if created.IsZero() {
				created = time.Now()
			}
			enc, err := json.Marshal(entryRecord{Username: e.Participant.Username, Text: e.Text, CreatedAt: created.UnixNano()})
			if err != nil {
				return err
			}
			if err := log.Put(itob(seq), enc); err != nil {
				return fmt.Errorf("boltstore: put chat log row: %w", err)
			}
		}
		return nil
	})
}

// Recent returns the last limit rows in chronological order.
func (s *Store) Recent(_ context.Context, limit int) ([]domain.LogEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	var entries []domain.LogEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		people := tx.Bucket(bucketParticipants)
		c := tx.Bucket(bucketChatLog).Cursor()
		for k, v := c.Last(); k != nil && len(entries) < limit; k, v = c.Prev() {
			var rec entryRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("boltstore: decode chat log row: %w", err)
			}
			p, found, err := getParticipant(people, rec.Username)
			if err != nil {
				return err
			}
			if !found {
				p = participantRecord{Username: rec.Username}
			}
			entries = append(entries, domain.LogEntry{
				ID:          int64(binary.BigEndian.Uint64(k)),
				Participant: p.participant(),
				Text:        rec.Text,
				CreatedAt:   time.Unix(0, rec.CreatedAt).UTC(),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	domain.Reverse(entries)
	return entries, nil
}

// LogEvent appends an audit event and returns its sequence id.
func (s *Store) LogEvent(_ context.Context, parentID *int64, eventType string, payload map[string]any) (int64, error) {
	var id int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		enc, err := json.Marshal(eventRecord{ParentID: parentID, EventType: eventType, Timestamp: time.Now().Unix(), Payload: payload})
		if err != nil {
			return fmt.Errorf("boltstore: marshal event payload: %w", err)
		}
		id = int64(seq)
		return b.Put(itob(seq), enc)
	})
	if err != nil {
		return 0, fmt.Errorf("boltstore: log event %s: %w", eventType, err)
	}
	return id, nil
}
