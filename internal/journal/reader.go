package journal

import (
	"bufio"
	"fmt"
	"io"
	"os"
)

// maxLineBuffer matches the teacher's session watcher/reader buffer size
// (internal/session/jsonl.go, internal/session/watcher.go): provider
// transcripts can carry very long single-line tool outputs.
const maxLineBuffer = 10 * 1024 * 1024

// ReadAll parses every line of the journal at path from the start. A line
// that fails to parse is still returned, as a ParsedLine with Err set,
// rather than aborting the scan — the index layer decides whether to
// quarantine it (spec §4.3 event_parse_errors).
func ReadAll(path string) ([]ParsedLine, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	defer f.Close()
	return scanFrom(f, 0)
}

// TailFrom parses lines starting at the 1-based sequence number afterSeq+1
// through end of file. Used by the index sync worker to pick up where it
// left off (spec §4.4) instead of re-parsing the whole file on every tick.
func TailFrom(path string, afterSeq int) ([]ParsedLine, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	defer f.Close()
	return scanFrom(f, afterSeq)
}

func scanFrom(r io.Reader, afterSeq int) ([]ParsedLine, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBuffer)

	var out []ParsedLine
	seq := 0
	for scanner.Scan() {
		seq++
		if seq <= afterSeq {
			continue
		}
		line := append([]byte(nil), scanner.Bytes()...)
		if len(line) == 0 {
			continue
		}
		out = append(out, ParseLine(seq, line))
	}
	if err := scanner.Err(); err != nil {
		return out, fmt.Errorf("journal: scan: %w", err)
	}
	return out, nil
}

// LineCount returns the number of complete lines currently in the journal
// at path, used to detect truncation: if a previously observed seq is now
// greater than LineCount, the file was rewritten out from under the
// reader (spec §4.4 "IndexTailTruncated").
func LineCount(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()
	return countLines(f)
}
