package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stupiduntilnot/chatrelay/internal/domain"
)

// Store is the SQLite durable backend: participant profiles, the shared chat
// log and the audit events table.
type Store struct {
	DB *sql.DB
}

const participantColumns = `id, username, display_name, nickname, pronouns, age, likes, dislikes`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanParticipant(row rowScanner, extra ...any) (domain.Participant, error) {
	var p domain.Participant
	var nickname, pronouns, age, likes, dislikes sql.NullString
	dest := append([]any{&p.ID, &p.Username, &p.DisplayName, &nickname, &pronouns, &age, &likes, &dislikes}, extra...)
	if err := row.Scan(dest...); err != nil {
		return domain.Participant{}, err
	}
	p.Nickname = nickname.String
	p.Pronouns = pronouns.String
	p.Age = age.String
	p.Likes = likes.String
	p.Dislikes = dislikes.String
	return p, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func findOrCreate(ctx context.Context, q queryRower, username, displayName string) (domain.Participant, error) {
	if _, err := q.ExecContext(ctx,
		`INSERT INTO participants (username, display_name) VALUES (?, ?) ON CONFLICT(username) DO NOTHING`,
		username, displayName,
	); err != nil {
		return domain.Participant{}, fmt.Errorf("insert participant %s: %w", username, err)
	}
	p, err := scanParticipant(q.QueryRowContext(ctx,
		`SELECT `+participantColumns+` FROM participants WHERE username = ?`, username))
	if err != nil {
		return domain.Participant{}, fmt.Errorf("select participant %s: %w", username, err)
	}
	return p, nil
}

// FindOrCreate returns the participant row for username, inserting it on first
// sight. Identity fields of an existing row are never overwritten.
func (s *Store) FindOrCreate(ctx context.Context, username, displayName string) (domain.Participant, error) {
	if strings.TrimSpace(username) == "" {
		return domain.Participant{}, errors.New("find participant: empty username")
	}
	return findOrCreate(ctx, s.DB, username, displayName)
}

// Update merges u into the participant's profile in one transaction.
func (s *Store) Update(ctx context.Context, username string, u domain.ProfileUpdate) (domain.Participant, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Participant{}, fmt.Errorf("begin profile update: %w", err)
	}
	defer tx.Rollback()

	current, err := findOrCreate(ctx, tx, username, username)
	if err != nil {
		return domain.Participant{}, err
	}
	merged := domain.Merge(current, u)
	if _, err := tx.ExecContext(ctx, `
		UPDATE participants
		SET nickname = ?, pronouns = ?, age = ?, likes = ?, dislikes = ?, updated_at = unixepoch()
		WHERE id = ?`,
		nullIfEmpty(merged.Nickname), nullIfEmpty(merged.Pronouns), nullIfEmpty(merged.Age),
		nullIfEmpty(merged.Likes), nullIfEmpty(merged.Dislikes), merged.ID,
	); err != nil {
		return domain.Participant{}, fmt.Errorf("update participant %s: %w", username, err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Participant{}, fmt.Errorf("commit profile update: %w", err)
	}
	return merged, nil
}

// Append writes all entries in a single transaction. Entries are matched to
// participants by username.
func (s *Store) Append(ctx context.Context, entries ...domain.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin chat log append: %w", err)
	}
	defer tx.Rollback()

	for _, e := range entries {
		p, err := findOrCreate(ctx, tx, e.Participant.Username, e.Participant.DisplayName)
		if err != nil {
			return err
		}
		created := e.CreatedAt
		if created.IsZero() {
			created = time.Now()
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chat_log (participant_id, message, created_at) VALUES (?, ?, ?)`,
			p.ID, e.Text, created.Unix(),
		); err != nil {
			return fmt.Errorf("insert chat log row: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit chat log append: %w", err)
	}
	return nil
}

// Recent returns the last limit chat log rows in chronological order.
func (s *Store) Recent(ctx context.Context, limit int) ([]domain.LogEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT p.id, p.username, p.display_name, p.nickname, p.pronouns, p.age, p.likes, p.dislikes,
		       c.id, c.message, c.created_at
		FROM chat_log c
		JOIN participants p ON p.id = c.participant_id
		ORDER BY c.id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query chat log: %w", err)
	}
	defer rows.Close()

	var entries []domain.LogEntry
	for rows.Next() {
		var (
			e       domain.LogEntry
			created int64
		)
		p, err := scanParticipant(rows, &e.ID, &e.Text, &created)
		if err != nil {
			return nil, fmt.Errorf("scan chat log row: %w", err)
		}
		e.Participant = p
		e.CreatedAt = time.Unix(created, 0).UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat log: %w", err)
	}
	domain.Reverse(entries)
	return entries, nil
}

// LogEvent records an audit event.
func (s *Store) LogEvent(_ context.Context, parentID *int64, eventType string, payload map[string]any) (int64, error) {
	return LogEvent(s.DB, parentID, eventType, payload)
}

func nullIfEmpty(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
