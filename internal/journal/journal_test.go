package journal

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppendEnvelopeAssignsSequentialSeq(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")

	w, err := OpenWriter(path)
	require.NoError(t, err)
	defer w.Close()

	for i := 0; i < 3; i++ {
		env, err := NewEnvelope("run_1", "sess_1", "system", VisibilityTeam, EventRunStarted, map[string]int{"i": i}, nil)
		require.NoError(t, err)
		seq, err := w.AppendEnvelope(env)
		require.NoError(t, err)
		require.Equal(t, i+1, seq)
	}
}

func TestOpenWriterResumesSeqFromExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")

	w1, err := OpenWriter(path)
	require.NoError(t, err)
	env, _ := NewEnvelope("run_1", "sess_1", "system", VisibilityTeam, EventRunStarted, map[string]int{}, nil)
	_, err = w1.AppendEnvelope(env)
	require.NoError(t, err)
	_, err = w1.AppendEnvelope(env)
	require.NoError(t, err)
	w1.Close()

	w2, err := OpenWriter(path)
	require.NoError(t, err)
	defer w2.Close()
	seq, err := w2.AppendEnvelope(env)
	require.NoError(t, err)
	require.Equal(t, 3, seq)
}

func TestReadAllRoundTripsEnvelopes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")

	w, err := OpenWriter(path)
	require.NoError(t, err)
	env1, _ := NewEnvelope("run_1", "sess_1", "system", VisibilityTeam, EventRunStarted, map[string]string{"hello": "world"}, nil)
	env2, _ := NewEnvelope("run_1", "sess_1", "agent_a", VisibilityPrivateAgent, EventRunEnded, map[string]string{"status": "ok"}, nil)
	_, err = w.AppendEnvelope(env1)
	require.NoError(t, err)
	_, err = w.AppendEnvelope(env2)
	require.NoError(t, err)
	w.Close()

	lines, err := ReadAll(path)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	require.NoError(t, lines[0].Err)
	require.Equal(t, EventRunStarted, lines[0].Envelope.Type)
	require.Equal(t, "agent_a", lines[1].Envelope.Actor)
}

func TestParseLineRejectsMissingRequiredKeys(t *testing.T) {
	line := []byte(`{"schema_version":1,"ts_wallclock":"2026-01-01T00:00:00Z","run_id":"run_1"}`)
	parsed := ParseLine(1, line)
	require.Error(t, parsed.Err)
	require.Nil(t, parsed.Envelope)
	require.Equal(t, string(line), string(parsed.RawLine))
}

func TestParseLineAcceptsUnrecognizedEventType(t *testing.T) {
	raw, _ := json.Marshal(Envelope{
		SchemaVersion: 1,
		RunID:         "run_1",
		SessionRef:    "sess_1",
		Actor:         "system",
		Visibility:    VisibilityTeam,
		Type:          "some.future.event",
		Payload:       json.RawMessage(`{}`),
	})
	parsed := ParseLine(1, raw)
	require.NoError(t, parsed.Err)
	require.EqualValues(t, "some.future.event", parsed.Envelope.Type)
}

func TestTailFromSkipsAlreadySeenLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")
	w, err := OpenWriter(path)
	require.NoError(t, err)
	env, _ := NewEnvelope("run_1", "sess_1", "system", VisibilityTeam, EventRunStarted, map[string]int{}, nil)
	for i := 0; i < 5; i++ {
		_, err := w.AppendEnvelope(env)
		require.NoError(t, err)
	}
	w.Close()

	lines, err := TailFrom(path, 3)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	require.Equal(t, 4, lines[0].Seq)
	require.Equal(t, 5, lines[1].Seq)
}

func TestLineCountDetectsTruncation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")
	w, err := OpenWriter(path)
	require.NoError(t, err)
	env, _ := NewEnvelope("run_1", "sess_1", "system", VisibilityTeam, EventRunStarted, map[string]int{}, nil)
	for i := 0; i < 4; i++ {
		_, err := w.AppendEnvelope(env)
		require.NoError(t, err)
	}
	w.Close()

	n, err := LineCount(path)
	require.NoError(t, err)
	require.Equal(t, 4, n)

	observedSeq := 6
	require.Greater(t, observedSeq, n, "truncation should be detectable: observed seq exceeds current line count")
}
