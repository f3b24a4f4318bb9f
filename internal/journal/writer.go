package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	. "github.com/agentcompany/agentcompany/internal/logging"
)

// Writer appends envelopes to a single run's events.jsonl. Grounded on the
// teacher's JSONLWriter (internal/session/jsonl.go): one append-only file
// per run, one writer goroutine-safe mutex per file, a line written whole
// or not at all.
type Writer struct {
	mu   sync.Mutex
	path string
	file *os.File
	seq  int
}

// OpenWriter opens (creating if needed) the events.jsonl at path for
// appending, and fast-forwards seq to the current line count so the next
// AppendEnvelope call assigns a contiguous sequence number (P1).
func OpenWriter(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("journal: mkdir for %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	seq, err := countLines(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("journal: count existing lines in %s: %w", path, err)
	}
	return &Writer{
		path: path,
		file: f,
		seq:  seq,
	}, nil
}

func countLines(f *os.File) (int, error) {
	if _, err := f.Seek(0, 0); err != nil {
		return 0, err
	}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	n := 0
	for scanner.Scan() {
		n++
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	if _, err := f.Seek(0, 2); err != nil {
		return 0, err
	}
	return n, nil
}

// AppendEnvelope serializes env as one JSON line, appends it, and flushes
// and fsyncs before returning — a run event is never reported as durable
// until it is actually on disk (spec §4.1). Returns the envelope's
// 1-based sequence number.
func (w *Writer) AppendEnvelope(env Envelope) (int, error) {
	line, err := json.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("journal: marshal envelope: %w", err)
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	// Pre-composed bytes, one underlying write: a line is either fully on
	// disk or not there at all, never torn mid-line (spec §4.1).
	if _, err := w.file.Write(line); err != nil {
		return 0, fmt.Errorf("journal: write line: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return 0, fmt.Errorf("journal: fsync: %w", err)
	}
	w.seq++
	L_debug("journal: appended envelope", "path", w.path, "seq", w.seq, "type", env.Type)
	return w.seq, nil
}

// Close closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// Path returns the journal file path this writer owns.
func (w *Writer) Path() string {
	return w.path
}
