package index

import (
	"path/filepath"
	"testing"

	"github.com/agentcompany/agentcompany/internal/journal"
)

func writeTestEnvelopes(t *testing.T, path string, n int, typ journal.EventType) {
	t.Helper()
	w, err := journal.OpenWriter(path)
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}
	defer w.Close()
	for i := 0; i < n; i++ {
		env, err := journal.NewEnvelope("run_1", "sess_1", "system", journal.VisibilityTeam, typ, map[string]int{"i": i}, nil)
		if err != nil {
			t.Fatalf("NewEnvelope: %v", err)
		}
		if _, err := w.AppendEnvelope(env); err != nil {
			t.Fatalf("AppendEnvelope: %v", err)
		}
	}
}

func TestSyncIndexesNewEvents(t *testing.T) {
	dir := t.TempDir()
	eventsPath := filepath.Join(dir, "run_1", "events.jsonl")
	writeTestEnvelopes(t, eventsPath, 3, journal.EventRunStarted)

	store, err := Open(filepath.Join(dir, "index.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	ref := RunRef{RunID: "run_1", Workspace: dir, EventsPath: eventsPath}
	result, err := store.Sync(ref)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if result.EventsSynced != 3 {
		t.Fatalf("EventsSynced = %d, want 3", result.EventsSynced)
	}

	var status string
	if err := store.db.QueryRow("SELECT status FROM runs WHERE run_id = ?", "run_1").Scan(&status); err != nil {
		t.Fatalf("query status: %v", err)
	}
	if status != "running" {
		t.Fatalf("status = %s, want running", status)
	}
}

func TestSyncIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	eventsPath := filepath.Join(dir, "run_1", "events.jsonl")
	writeTestEnvelopes(t, eventsPath, 2, journal.EventRunStarted)

	store, err := Open(filepath.Join(dir, "index.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	ref := RunRef{RunID: "run_1", Workspace: dir, EventsPath: eventsPath}
	if _, err := store.Sync(ref); err != nil {
		t.Fatalf("first Sync: %v", err)
	}
	result, err := store.Sync(ref)
	if err != nil {
		t.Fatalf("second Sync: %v", err)
	}
	if result.EventsSynced != 0 {
		t.Fatalf("second Sync EventsSynced = %d, want 0 (no new lines)", result.EventsSynced)
	}
}

func TestSyncAppendsIncrementally(t *testing.T) {
	dir := t.TempDir()
	eventsPath := filepath.Join(dir, "run_1", "events.jsonl")
	writeTestEnvelopes(t, eventsPath, 2, journal.EventRunStarted)

	store, err := Open(filepath.Join(dir, "index.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	ref := RunRef{RunID: "run_1", Workspace: dir, EventsPath: eventsPath}
	if _, err := store.Sync(ref); err != nil {
		t.Fatalf("first Sync: %v", err)
	}

	writeTestEnvelopes(t, eventsPath, 0, journal.EventRunStarted) // no-op, file already has 2 lines
	w, err := journal.OpenWriter(eventsPath)
	if err != nil {
		t.Fatalf("reopen writer: %v", err)
	}
	env, _ := journal.NewEnvelope("run_1", "sess_1", "system", journal.VisibilityTeam, journal.EventRunEnded, map[string]int{}, nil)
	if _, err := w.AppendEnvelope(env); err != nil {
		t.Fatalf("append: %v", err)
	}
	w.Close()

	result, err := store.Sync(ref)
	if err != nil {
		t.Fatalf("second Sync: %v", err)
	}
	if result.EventsSynced != 1 {
		t.Fatalf("EventsSynced = %d, want 1", result.EventsSynced)
	}

	var status string
	if err := store.db.QueryRow("SELECT status FROM runs WHERE run_id = ?", "run_1").Scan(&status); err != nil {
		t.Fatalf("query status: %v", err)
	}
	if status != "ended" {
		t.Fatalf("status = %s, want ended", status)
	}
}

func TestRebuildReindexesFromScratch(t *testing.T) {
	dir := t.TempDir()
	eventsPath := filepath.Join(dir, "run_1", "events.jsonl")
	writeTestEnvelopes(t, eventsPath, 4, journal.EventRunStarted)

	store, err := Open(filepath.Join(dir, "index.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	ref := RunRef{RunID: "run_1", Workspace: dir, EventsPath: eventsPath}
	if _, err := store.Sync(ref); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if err := store.Rebuild([]RunRef{ref}); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	var count int
	if err := store.db.QueryRow("SELECT COUNT(*) FROM events WHERE run_id = ?", "run_1").Scan(&count); err != nil {
		t.Fatalf("query count: %v", err)
	}
	if count != 4 {
		t.Fatalf("event count after rebuild = %d, want 4", count)
	}
}
