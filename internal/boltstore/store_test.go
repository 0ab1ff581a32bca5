package boltstore

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/stupiduntilnot/chatrelay/internal/domain"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state", "relay.bolt"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func strp(s string) *string { return &s }

func TestOpen_CreatesSentinel(t *testing.T) {
	s := testStore(t)
	p, err := s.FindOrCreate(context.Background(), domain.SentinelUsername, "ignored")
	require.NoError(t, err)
	require.Equal(t, int64(1), p.ID)
	require.True(t, p.IsSentinel())
}

func TestFindOrCreateAndUpdate(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	a, err := s.FindOrCreate(ctx, "alice", "Alice")
	require.NoError(t, err)
	again, err := s.FindOrCreate(ctx, "alice", "Changed")
	require.NoError(t, err)
	require.Equal(t, a, again)

	_, err = s.Update(ctx, "alice", domain.ProfileUpdate{Dislikes: strp("rain")})
	require.NoError(t, err)
	p, err := s.Update(ctx, "alice", domain.ProfileUpdate{Dislikes: strp("mondays"), Nickname: strp("Ali")})
	require.NoError(t, err)
	require.Equal(t, "rain, mondays", p.Dislikes)
	require.Equal(t, "Ali", p.Nickname)

	_, err = s.FindOrCreate(ctx, "", "x")
	require.Error(t, err)
}

func TestAppendAndRecent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	alice, err := s.FindOrCreate(ctx, "alice", "Alice")
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		require.NoError(t, s.Append(ctx,
			domain.NewEntry(alice, fmt.Sprintf("q%d", i)),
			domain.NewEntry(domain.Sentinel(), fmt.Sprintf("a%d", i)),
		))
	}
	entries, err := s.Recent(ctx, 3)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, "a2", entries[0].Text)
	require.Equal(t, "q3", entries[1].Text)
	require.Equal(t, "a3", entries[2].Text)
	require.Equal(t, "Alice", entries[1].Participant.DisplayName)
	require.True(t, entries[2].Participant.IsSentinel())
	require.Less(t, entries[0].ID, entries[2].ID)

	none, err := s.Recent(ctx, 0)
	require.NoError(t, err)
	require.Nil(t, none)
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.bolt")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	p, err := s.FindOrCreate(ctx, "bob", "Bob")
	require.NoError(t, err)
	require.NoError(t, s.Append(ctx, domain.NewEntry(p, "hello")))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	entries, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "bob", entries[0].Participant.Username)
}

func TestLogEvent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	root, err := s.LogEvent(ctx, nil, "message.received", map[string]any{"username": "alice"})
	require.NoError(t, err)
	child, err := s.LogEvent(ctx, &root, "reply.sent", nil)
	require.NoError(t, err)
	require.Greater(t, child, root)

	err = s.db.View(func(tx *bolt.Tx) error {
		var rec eventRecord
		require.NoError(t, json.Unmarshal(tx.Bucket(bucketEvents).Get(itob(uint64(child))), &rec))
		require.Equal(t, "reply.sent", rec.EventType)
		require.Equal(t, root, *rec.ParentID)
		return nil
	})
	require.NoError(t, err)
}
