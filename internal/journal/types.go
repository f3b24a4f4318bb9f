// Package journal implements the per-run append-only event log (spec §4.1)
// and its tagged-union event envelope (spec §3). The envelope format and
// parse-or-quarantine behavior are grounded on the teacher's OpenClaw-
// compatible JSONL records (internal/session/types.go, jsonl.go): a
// first-pass unmarshal of just the discriminator field, followed by a
// raw-bytes fallback so an unrecognized type never loses data.
package journal

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType enumerates the envelope types named in spec §3. The set is not
// closed: an event with an unrecognized type is still parsed successfully
// (Type holds the raw string, Payload holds the raw JSON) so a future
// consumer can upgrade without a schema migration.
type EventType string

const (
	EventRunStarted                 EventType = "run.started"
	EventRunExecuting               EventType = "run.executing"
	EventProviderRaw                EventType = "provider.raw"
	EventUsageReported              EventType = "usage.reported"
	EventUsageEstimated             EventType = "usage.estimated"
	EventUsageCostComputed          EventType = "usage.cost_computed"
	EventBudgetAlert                EventType = "budget.alert"
	EventBudgetExceeded             EventType = "budget.exceeded"
	EventBudgetDecision             EventType = "budget.decision"
	EventRunEnded                   EventType = "run.ended"
	EventRunFailed                  EventType = "run.failed"
	EventRunStopped                 EventType = "run.stopped"
	EventWorktreePrepared           EventType = "worktree.prepared"
	EventContextPackSnapshotWritten EventType = "context_pack.snapshot_written"
	EventContextPackSnapshotFailed  EventType = "context_pack.snapshot_failed"
	EventArtifactProduced           EventType = "artifact.produced"
	EventContextCycleDetected       EventType = "context.cycle.detected"
	EventMemoryCandidatesGenerated  EventType = "memory.candidates.generated"
)

// Visibility controls who in the workspace may read an event (spec §3).
type Visibility string

const (
	VisibilityPrivateAgent Visibility = "private_agent"
	VisibilityTeam         Visibility = "team"
	VisibilityManagers     Visibility = "managers"
	VisibilityOrg          Visibility = "org"
)

const SchemaVersion = 1

// Envelope is one line of a run's events.jsonl (spec §3, §6). Seq is not
// part of the serialized form — it is the envelope's 1-based position
// within the file (P1), returned by Writer.AppendEnvelope on write and
// recomputed as ParsedLine.Seq on read.
type Envelope struct {
	SchemaVersion  int             `json:"schema_version"`
	TsWallclock    time.Time       `json:"ts_wallclock"`
	TsMonotonicMs  *int64          `json:"ts_monotonic_ms,omitempty"`
	RunID          string          `json:"run_id"`
	SessionRef     string          `json:"session_ref"`
	Actor          string          `json:"actor"` // "system" or an agent id
	Visibility     Visibility      `json:"visibility"`
	Type           EventType       `json:"type"`
	Payload        json.RawMessage `json:"payload"`
}

// NewEnvelope builds an envelope with the schema version and wallclock
// timestamp filled in. payload is marshaled to JSON; callers pass a typed
// payload struct, not raw bytes, except when forwarding an already-decoded
// provider.raw chunk.
func NewEnvelope(runID, sessionRef, actor string, visibility Visibility, typ EventType, payload any, monotonicMs *int64) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal payload for %s: %w", typ, err)
	}
	return Envelope{
		SchemaVersion: SchemaVersion,
		TsWallclock:   time.Now().UTC(),
		TsMonotonicMs: monotonicMs,
		RunID:         runID,
		SessionRef:    sessionRef,
		Actor:         actor,
		Visibility:    visibility,
		Type:          typ,
		Payload:       raw,
	}, nil
}

// ParsedLine is the result of parsing one line of a journal: either a
// valid Envelope, or a parse error alongside the offending raw bytes.
// Both cases retain the full raw line so the index can populate either
// the events or event_parse_errors table without re-reading the file.
type ParsedLine struct {
	Seq      int
	Envelope *Envelope // nil if Err != nil
	Err      error
	RawLine  []byte
}

// ParseLine parses one JSONL line into an envelope. It validates the
// required keys named in spec §6 (schema_version, ts_wallclock, run_id,
// session_ref, actor, visibility, type, payload); a missing required key
// or malformed JSON is a parse error, not a panic.
func ParseLine(seq int, line []byte) ParsedLine {
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return ParsedLine{Seq: seq, Err: fmt.Errorf("malformed json: %w", err), RawLine: line}
	}
	if err := validateRequired(line, &env); err != nil {
		return ParsedLine{Seq: seq, Err: err, RawLine: line}
	}
	return ParsedLine{Seq: seq, Envelope: &env, RawLine: line}
}

func validateRequired(line []byte, env *Envelope) error {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(line, &probe); err != nil {
		return fmt.Errorf("not a json object: %w", err)
	}
	for _, key := range []string{"schema_version", "ts_wallclock", "run_id", "session_ref", "actor", "visibility", "type", "payload"} {
		if _, ok := probe[key]; !ok {
			return fmt.Errorf("missing required key %q", key)
		}
	}
	if env.RunID == "" {
		return fmt.Errorf("empty run_id")
	}
	if env.Type == "" {
		return fmt.Errorf("empty type")
	}
	return nil
}
