package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/stupiduntilnot/chatrelay/internal/db"
)

var (
	eventsRootID    int64
	eventsMaxDepth  int
	eventsJSON      bool
	eventsNoPayload bool
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Print the audit event tree of the latest relay process (sqlite only)",
	RunE:  runEvents,
}

func runEvents(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd)
	cfg, err := loadConfig(ctx, false)
	if err != nil {
		return err
	}
	if cfg.DBKind != "sqlite" {
		return fmt.Errorf("events: audit tree is only available for DB_KIND=sqlite, got %s", cfg.DBKind)
	}

	database, err := db.OpenDB(cfg.DBPath)
	if err != nil {
		return err
	}
	defer database.Close()

	rootID := eventsRootID
	if rootID == 0 {
		rootID, err = db.LatestProcessRoot(ctx, database)
		if err != nil {
			return fmt.Errorf("find process root: %w", err)
		}
	}

	events, err := db.EventSubtree(ctx, database, rootID)
	if err != nil {
		return fmt.Errorf("query subtree: %w", err)
	}
	root := buildTree(events, rootID)
	if root == nil {
		return fmt.Errorf("event %d not found", rootID)
	}

	out := cmd.OutOrStdout()
	if eventsJSON {
		return printJSON(out, root, eventsMaxDepth, eventsNoPayload)
	}
	printTree(out, root, "", true, 1, eventsMaxDepth, eventsNoPayload)
	return nil
}

// buildTree organizes a flat list of events into a tree rooted at rootID.
func buildTree(events []*db.Event, rootID int64) *db.Event {
	byID := make(map[int64]*db.Event, len(events))
	for _, ev := range events {
		byID[ev.ID] = ev
	}
	for _, ev := range events {
		if ev.ParentID.Valid && ev.ParentID.Int64 != ev.ID {
			if parent, ok := byID[ev.ParentID.Int64]; ok {
				parent.Children = append(parent.Children, ev)
			}
		}
	}
	for _, ev := range events {
		sort.Slice(ev.Children, func(i, j int) bool {
			return ev.Children[i].ID < ev.Children[j].ID
		})
	}
	return byID[rootID]
}

// printTree renders the event tree using box-drawing characters.
func printTree(w io.Writer, ev *db.Event, prefix string, isLast bool, depth, maxDepth int, noPayload bool) {
	connector := "├── "
	if isLast {
		connector = "└── "
	}
	line := formatEvent(ev, noPayload)
	if depth == 1 {
		fmt.Fprintln(w, line)
	} else {
		fmt.Fprintln(w, prefix+connector+line)
	}

	childPrefix := prefix
	if depth > 1 {
		if isLast {
			childPrefix += "    "
		} else {
			childPrefix += "│   "
		}
	}

	if maxDepth > 0 && depth >= maxDepth {
		if len(ev.Children) > 0 {
			fmt.Fprintln(w, childPrefix+"└── [...]")
		}
		return
	}
	for i, child := range ev.Children {
		printTree(w, child, childPrefix, i == len(ev.Children)-1, depth+1, maxDepth, noPayload)
	}
}

// formatEvent formats a single event line: [id] timestamp  event_type  key=value ...
func formatEvent(ev *db.Event, noPayload bool) string {
	ts := time.Unix(ev.Timestamp, 0).UTC().Format("2006-01-02 15:04:05")
	line := fmt.Sprintf("[%d] %s  %s", ev.ID, ts, ev.EventType)

	if noPayload || !ev.Payload.Valid || ev.Payload.String == "" {
		return line
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(ev.Payload.String), &m); err != nil {
		return line
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		line += fmt.Sprintf("  %s=%s", k, formatValue(m[k]))
	}
	return line
}

// formatValue converts a payload value to a display string, truncating long text.
func formatValue(v any) string {
	switch val := v.(type) {
	case string:
		if len(val) > 80 {
			return fmt.Sprintf("%q", val[:80]+"...")
		}
		return val
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

type jsonEvent struct {
	ID        int64       `json:"id"`
	Timestamp int64       `json:"timestamp"`
	EventType string      `json:"event_type"`
	Payload   any         `json:"payload,omitempty"`
	Children  []jsonEvent `json:"children,omitempty"`
}

func toJSONEvent(ev *db.Event, depth, maxDepth int, noPayload bool) jsonEvent {
	je := jsonEvent{ID: ev.ID, Timestamp: ev.Timestamp, EventType: ev.EventType}
	if !noPayload && ev.Payload.Valid && ev.Payload.String != "" {
		var m map[string]any
		if err := json.Unmarshal([]byte(ev.Payload.String), &m); err == nil {
			je.Payload = m
		}
	}
	if maxDepth > 0 && depth >= maxDepth {
		return je
	}
	for _, child := range ev.Children {
		je.Children = append(je.Children, toJSONEvent(child, depth+1, maxDepth, noPayload))
	}
	return je
}

func printJSON(w io.Writer, root *db.Event, maxDepth int, noPayload bool) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(toJSONEvent(root, 1, maxDepth, noPayload)); err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	return nil
}
