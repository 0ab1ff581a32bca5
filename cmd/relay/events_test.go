package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/stupiduntilnot/chatrelay/internal/db"
)

func node(id int64, eventType string, children ...*db.Event) *db.Event {
	return &db.Event{ID: id, EventType: eventType, Children: children}
}

// sampleTree:
//
//	process.started          id=1
//	├── message.received     id=2
//	│   └── reply.sent       id=3
//	├── circuit.opened       id=4
//	└── message.received     id=5
//	    └── message.suppressed id=6
func sampleTree() *db.Event {
	return node(1, db.EventProcessStarted,
		node(2, db.EventMessageReceived, node(3, db.EventReplySent)),
		node(4, db.EventCircuitOpened),
		node(5, db.EventMessageReceived, node(6, db.EventMessageSuppressed)),
	)
}

func TestPrintTree(t *testing.T) {
	var buf bytes.Buffer
	printTree(&buf, sampleTree(), "", true, 1, 0, true)

	ts := "1970-01-01 00:00:00"
	want := strings.Join([]string{
		"[1] " + ts + "  process.started",
		"├── [2] " + ts + "  message.received",
		"│   └── [3] " + ts + "  reply.sent",
		"├── [4] " + ts + "  circuit.opened",
		"└── [5] " + ts + "  message.received",
		"    └── [6] " + ts + "  message.suppressed",
	}, "\n") + "\n"
	if buf.String() != want {
		t.Fatalf("unexpected tree:\n%s\nwant:\n%s", buf.String(), want)
	}
}

func TestPrintTree_DepthLimit(t *testing.T) {
	var buf bytes.Buffer
	printTree(&buf, sampleTree(), "", true, 1, 2, true)

	out := buf.String()
	if strings.Contains(out, "reply.sent") {
		t.Fatalf("depth limit not applied:\n%s", out)
	}
	if strings.Count(out, "[...]") != 2 {
		t.Fatalf("expected two truncation markers:\n%s", out)
	}
	if !strings.Contains(out, "│   └── [...]") || !strings.Contains(out, "    └── [...]") {
		t.Fatalf("truncation markers misaligned:\n%s", out)
	}
}

func TestFormatEvent_Payload(t *testing.T) {
	ev := &db.Event{
		ID:        7,
		EventType: db.EventReplySent,
		Payload:   sql.NullString{Valid: true, String: `{"segments":2,"text":"` + strings.Repeat("x", 100) + `","ratio":0.5}`},
	}
	line := formatEvent(ev, false)
	if !strings.Contains(line, "  ratio=0.5  segments=2  text=") {
		t.Fatalf("payload keys must be sorted and numbers compact: %s", line)
	}
	if !strings.Contains(line, `..."`) {
		t.Fatalf("long text must be truncated: %s", line)
	}
	if got := formatEvent(ev, true); strings.Contains(got, "segments") {
		t.Fatalf("no-payload must hide payload: %s", got)
	}
}

func TestBuildTree_FromDatabase(t *testing.T) {
	database, err := db.OpenDB(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer database.Close()
	if err := db.InitSchema(database); err != nil {
		t.Fatal(err)
	}

	root, _ := db.LogEvent(database, nil, db.EventProcessStarted, map[string]any{"pid": 1})
	msg, _ := db.LogEvent(database, &root, db.EventMessageReceived, map[string]any{"username": "alice"})
	db.LogEvent(database, &msg, db.EventReplySent, map[string]any{"segments": 1})
	db.LogEvent(database, nil, db.EventMessageReceived, nil) // unrelated root

	events, err := db.EventSubtree(context.Background(), database, root)
	if err != nil {
		t.Fatal(err)
	}
	tree := buildTree(events, root)
	if tree == nil || len(tree.Children) != 1 || len(tree.Children[0].Children) != 1 {
		t.Fatalf("unexpected tree shape: %+v", tree)
	}
	if buildTree(events, 999) != nil {
		t.Fatal("missing root must yield nil")
	}
}

func resetEventsFlags(t *testing.T) {
	t.Helper()
	t.Cleanup(func() {
		eventsRootID, eventsMaxDepth, eventsJSON, eventsNoPayload = 0, 0, false, false
	})
}

func TestRunEvents_JSON(t *testing.T) {
	resetEventsFlags(t)
	dbPath := filepath.Join(t.TempDir(), "relay.db")
	t.Setenv("RELAY_CONFIG_FILE", "")
	t.Setenv("DB_KIND", "sqlite")
	t.Setenv("DB_PATH", dbPath)

	database, err := db.OpenDB(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.InitSchema(database); err != nil {
		t.Fatal(err)
	}
	root, _ := db.LogEvent(database, nil, db.EventProcessStarted, map[string]any{"pid": 42})
	db.LogEvent(database, &root, db.EventMessageReceived, map[string]any{"username": "alice"})
	database.Close()

	eventsJSON = true
	var buf bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&buf)
	if err := runEvents(cmd, nil); err != nil {
		t.Fatal(err)
	}

	var got jsonEvent
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("invalid json output: %v\n%s", err, buf.String())
	}
	if got.EventType != db.EventProcessStarted || len(got.Children) != 1 {
		t.Fatalf("unexpected json tree: %+v", got)
	}
	if got.Children[0].EventType != db.EventMessageReceived {
		t.Fatalf("unexpected child: %+v", got.Children[0])
	}
}

func TestRunEvents_Errors(t *testing.T) {
	resetEventsFlags(t)
	t.Setenv("RELAY_CONFIG_FILE", "")
	t.Setenv("DB_KIND", "bolt")
	if err := runEvents(&cobra.Command{}, nil); err == nil || !strings.Contains(err.Error(), "sqlite") {
		t.Fatalf("expected sqlite-only error, got %v", err)
	}

	t.Setenv("DB_KIND", "sqlite")
	t.Setenv("DB_PATH", filepath.Join(t.TempDir(), "empty.db"))
	if err := runEvents(&cobra.Command{}, nil); err == nil || !strings.Contains(err.Error(), "process root") {
		t.Fatalf("expected missing root error, got %v", err)
	}
}
