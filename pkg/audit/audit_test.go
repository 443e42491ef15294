package audit

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func tempStore(t *testing.T) *FileStore {
	t.Helper()
	dir := t.TempDir()
	return NewFileStore(dir)
}

func TestFileStore_AppendAndQuery(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	// Append event
	event := &Event{
		Type:   EventRPCExec,
		User:   "alice",
		Action: "rpc.exec",
		Target: &EventTarget{Host: "h1", Command: "uptime"},
		Result: &EventResult{Status: "success"},
	}
	if err := store.Append(ctx, event); err != nil {
		t.Fatalf("Append: %v", err)
	}

	// ID and timestamp should be auto-populated
	if event.ID == "" {
		t.Error("expected event.ID to be set")
	}
	if event.Timestamp.IsZero() {
		t.Error("expected event.Timestamp to be set")
	}

	// Query all
	events, err := store.Query(ctx, QueryOptions{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].User != "alice" {
		t.Errorf("User = %q, want alice", events[0].User)
	}
	if events[0].Target.Command != "uptime" {
		t.Errorf("Target.Command = %q, want uptime", events[0].Target.Command)
	}
}

func TestFileStore_QueryFilterByUser(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	store.Append(ctx, &Event{User: "alice", Type: EventRPCExec, Action: "run"})
	store.Append(ctx, &Event{User: "bob", Type: EventRPCExec, Action: "run"})
	store.Append(ctx, &Event{User: "alice", Type: EventRPCEditFile, Action: "rpc.edit_file"})

	events, err := store.Query(ctx, QueryOptions{User: "alice"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events for alice, got %d", len(events))
	}
}

func TestFileStore_QueryFilterByType(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	store.Append(ctx, &Event{User: "alice", Type: EventRPCExec, Action: "run"})
	store.Append(ctx, &Event{User: "bob", Type: EventRPCEditFile, Action: "rpc.edit_file"})

	events, err := store.Query(ctx, QueryOptions{Type: EventRPCEditFile})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 edit_file event, got %d", len(events))
	}
	if events[0].User != "bob" {
		t.Errorf("User = %q, want bob", events[0].User)
	}
}

func TestFileStore_QueryFilterBySince(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	oldEvent := &Event{User: "alice", Type: EventRPCExec, Action: "old", Timestamp: time.Now().Add(-2 * time.Hour)}
	store.Append(ctx, oldEvent)
	store.Append(ctx, &Event{User: "alice", Type: EventRPCExec, Action: "new"})

	events, err := store.Query(ctx, QueryOptions{Since: time.Now().Add(-1 * time.Hour)})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 recent event, got %d", len(events))
	}
	if events[0].Action != "new" {
		t.Errorf("Action = %q, want new", events[0].Action)
	}
}

func TestFileStore_QueryLimit(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		store.Append(ctx, &Event{User: "alice", Type: EventRPCExec, Action: "run"})
	}

	events, err := store.Query(ctx, QueryOptions{Limit: 3})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
}

func TestFileStore_Export(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	store.Append(ctx, &Event{User: "alice", Type: EventRPCExec, Action: "run"})
	store.Append(ctx, &Event{User: "bob", Type: EventRPCEditFile, Action: "rpc.edit_file"})

	events, err := store.Export(ctx, time.Now().Add(-1*time.Hour))
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
}

func TestFileStore_EmptyLog(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	events, err := store.Query(ctx, QueryOptions{})
	if err != nil {
		t.Fatalf("Query empty: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected 0 events, got %d", len(events))
	}
}

func TestFileStore_ConcurrentAppend(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	n := 50
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(idx int) {
			defer wg.Done()
			store.Append(ctx, &Event{
				User:   "concurrent",
				Type:   EventRPCExec,
				Action: "run",
			})
		}(i)
	}
	wg.Wait()

	events, err := store.Query(ctx, QueryOptions{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != n {
		t.Fatalf("expected %d events, got %d", n, len(events))
	}
}

func TestFileStore_MalformedLines(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir)
	ctx := context.Background()

	// Write some valid events
	store.Append(ctx, &Event{User: "alice", Type: EventRPCExec, Action: "run"})

	// Corrupt the file with malformed JSON
	f, _ := os.OpenFile(filepath.Join(dir, "audit.jsonl"), os.O_APPEND|os.O_WRONLY, 0o644)
	f.Write([]byte("not-valid-json\n"))
	f.Close()

	store.Append(ctx, &Event{User: "bob", Type: EventRPCEditFile, Action: "rpc.edit_file"})

	// Should skip malformed line and return the valid ones
	events, err := store.Query(ctx, QueryOptions{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 valid events (skipping malformed), got %d", len(events))
	}
}

func TestLogger_LogRPCExec(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	logger := NewLogger(store, "admin")
	err := logger.LogRPCExec(ctx, "h1", "sess-1", "df -h", &EventResult{Status: "success"})
	if err != nil {
		t.Fatalf("LogRPCExec: %v", err)
	}

	events, _ := store.Query(ctx, QueryOptions{})
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Type != EventRPCExec {
		t.Errorf("Type = %q, want rpc.exec", events[0].Type)
	}
	if events[0].User != "admin" {
		t.Errorf("User = %q, want admin", events[0].User)
	}
}

func TestLogger_LogSessionDeploy(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	logger := NewLogger(store, "ops")
	logger.Log(EventSessionDeploy, "sess-1", "session.deploy", "h1", "ok", "")

	events, _ := store.Query(ctx, QueryOptions{})
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].SessionID != "sess-1" {
		t.Errorf("SessionID = %q, want sess-1", events[0].SessionID)
	}
	if events[0].Type != EventSessionDeploy {
		t.Errorf("Type = %q, want session.deploy", events[0].Type)
	}
}

func TestLogger_LogSessionRecoverFailure(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	logger := NewLogger(store, "ops")
	logger.Log(EventSessionRecover, "sess-1", "session.recover", "h1", "failed", "tunnel down")

	events, _ := store.Query(ctx, QueryOptions{})
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Result.Error != "tunnel down" {
		t.Errorf("Result.Error = %q, want tunnel down", events[0].Result.Error)
	}
	if events[0].Type != EventSessionRecover {
		t.Errorf("Type = %q, want session.recover", events[0].Type)
	}
}

func TestLogger_LogRPCEditFile(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	logger := NewLogger(store, "ops")
	err := logger.LogRPCEditFile(ctx, "h1", "sess-1", "/etc/motd", &EventResult{Status: "success"})
	if err != nil {
		t.Fatalf("LogRPCEditFile: %v", err)
	}

	events, _ := store.Query(ctx, QueryOptions{})
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Type != EventRPCEditFile {
		t.Errorf("Type = %q, want rpc.edit_file", events[0].Type)
	}
}

func TestFileStore_QueryFilterByUntil(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	store.Append(ctx, &Event{User: "alice", Type: EventRPCExec, Action: "old", Timestamp: time.Now().Add(-2 * time.Hour)})
	store.Append(ctx, &Event{User: "alice", Type: EventRPCExec, Action: "new"})

	events, err := store.Query(ctx, QueryOptions{Until: time.Now().Add(-1 * time.Hour)})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 old event, got %d", len(events))
	}
	if events[0].Action != "old" {
		t.Errorf("Action = %q, want old", events[0].Action)
	}
}

func TestFileStore_CustomID(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	event := &Event{ID: "custom-123", User: "alice", Type: EventRPCExec, Action: "run"}
	store.Append(ctx, event)

	events, _ := store.Query(ctx, QueryOptions{})
	if events[0].ID != "custom-123" {
		t.Errorf("ID = %q, want custom-123", events[0].ID)
	}
}
