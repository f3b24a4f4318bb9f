package index

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/agentcompany/agentcompany/internal/apperr"
	"github.com/agentcompany/agentcompany/internal/fsmodel"
	"github.com/agentcompany/agentcompany/internal/journal"
	. "github.com/agentcompany/agentcompany/internal/logging"
)

// workspaceLocks serializes Sync/Rebuild calls per workspace (keyed by
// absolute path) so two goroutines never race on the same SQLite file.
var (
	workspaceLocks   = make(map[string]*sync.Mutex)
	workspaceLocksMu sync.Mutex
)

func lockFor(workspace string) *sync.Mutex {
	abs, _ := filepath.Abs(workspace)
	workspaceLocksMu.Lock()
	defer workspaceLocksMu.Unlock()
	l, ok := workspaceLocks[abs]
	if !ok {
		l = &sync.Mutex{}
		workspaceLocks[abs] = l
	}
	return l
}

// RunRef identifies a run to sync: its ID, workspace-relative metadata,
// and the path to its events.jsonl.
type RunRef struct {
	RunID      string
	Workspace  string
	Project    string
	JobID      string
	EventsPath string
}

// SyncResult summarizes one Sync call, used to populate
// /api/sync_worker_status (spec §4.4).
type SyncResult struct {
	RunID        string
	EventsSynced int
	ParseErrors  int
	Truncated    bool
}

// Sync brings the index up to date for a single run: it reads the run's
// last_synced_seq, detects tail truncation (the file got shorter than
// what was already indexed — spec §7 IndexTailTruncated), and appends any
// new lines as rows, deriving run status and artifacts along the way
// (reviews and help_requests come from SyncFilesystem). It is safe to call repeatedly and concurrently across different
// runs; the same run is serialized via the workspace lock.
func (s *Store) Sync(ref RunRef) (SyncResult, error) {
	lock := lockFor(ref.Workspace)
	lock.Lock()
	defer lock.Unlock()

	result := SyncResult{RunID: ref.RunID}

	var lastSeq int
	err := s.db.QueryRow("SELECT last_synced_seq FROM runs WHERE run_id = ?", ref.RunID).Scan(&lastSeq)
	if err == sql.ErrNoRows {
		if err := s.upsertRunRow(ref, 0); err != nil {
			return result, err
		}
		lastSeq = 0
	} else if err != nil {
		return result, fmt.Errorf("index: query run row: %w", err)
	}

	currentLines, err := journal.LineCount(ref.EventsPath)
	if err != nil {
		return result, fmt.Errorf("index: count lines: %w", err)
	}
	if currentLines < lastSeq {
		L_warn("index: events file truncated, rebuilding run from scratch", "run_id", ref.RunID, "had", lastSeq, "now", currentLines)
		result.Truncated = true
		if err := s.deleteRunRows(ref.RunID); err != nil {
			return result, err
		}
		lastSeq = 0
	}

	lines, err := journal.TailFrom(ref.EventsPath, lastSeq)
	if err != nil {
		return result, apperr.Wrap(apperr.KindIndexTailTruncated, "tail read failed after truncation check", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return result, fmt.Errorf("index: begin tx: %w", err)
	}
	defer tx.Rollback()

	maxSeq := lastSeq
	for _, line := range lines {
		if line.Err != nil {
			if err := insertParseError(tx, ref.RunID, line.Seq, string(line.RawLine), line.Err.Error()); err != nil {
				return result, err
			}
			result.ParseErrors++
			maxSeq = line.Seq
			continue
		}
		if err := insertEvent(tx, ref.RunID, line.Seq, line.Envelope); err != nil {
			return result, err
		}
		if err := deriveEntities(tx, ref, line.Envelope); err != nil {
			return result, err
		}
		result.EventsSynced++
		maxSeq = line.Seq
	}

	if _, err := tx.Exec(
		"UPDATE runs SET last_synced_seq = ?, updated_at = ? WHERE run_id = ?",
		maxSeq, time.Now().Unix(), ref.RunID,
	); err != nil {
		return result, fmt.Errorf("index: update run tail position: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("index: commit tx: %w", err)
	}
	return result, nil
}

// Rebuild drops and re-derives the entire index for the given runs. Each
// run is cleared in one transaction and re-indexed by Sync in a second
// one, so a run is not rebuilt atomically: a crash between the two leaves
// it cleared with last_synced_seq 0, and the next Sync re-indexes it from
// seq 1. Used for the "can always be deleted and rebuilt" property
// (spec §4.3).
func (s *Store) Rebuild(refs []RunRef) error {
	for _, ref := range refs {
		lock := lockFor(ref.Workspace)
		lock.Lock()
		err := func() error {
			defer lock.Unlock()
			if err := s.deleteRunRows(ref.RunID); err != nil {
				return err
			}
			return nil
		}()
		if err != nil {
			return err
		}
		if _, err := s.Sync(ref); err != nil {
			return fmt.Errorf("index: rebuild run %s: %w", ref.RunID, err)
		}
	}
	return nil
}

func (s *Store) upsertRunRow(ref RunRef, lastSeq int) error {
	_, err := s.db.Exec(`
		INSERT INTO runs (run_id, workspace, project, job_id, events_path, last_synced_seq, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 'unknown', ?)
		ON CONFLICT(run_id) DO UPDATE SET
			workspace = excluded.workspace,
			project = excluded.project,
			job_id = excluded.job_id,
			events_path = excluded.events_path
	`, ref.RunID, ref.Workspace, ref.Project, ref.JobID, ref.EventsPath, lastSeq, time.Now().Unix())
	return err
}

// deleteRunRows clears a run's event rows (and the artifacts it
// produced) so Sync/Rebuild can restart it from seq 1. reviews and
// help_requests are not run-scoped — they are owned by the filesystem
// walk pass in SyncFilesystem, not by any single run's event stream.
func (s *Store) deleteRunRows(runID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("index: begin clear tx: %w", err)
	}
	defer tx.Rollback()
	for _, table := range []string{"events", "event_parse_errors", "artifacts"} {
		if _, err := tx.Exec(fmt.Sprintf("DELETE FROM %s WHERE run_id = ?", table), runID); err != nil {
			return fmt.Errorf("index: clear %s for rebuild: %w", table, err)
		}
	}
	if _, err := tx.Exec("UPDATE runs SET last_synced_seq = 0 WHERE run_id = ?", runID); err != nil {
		return err
	}
	return tx.Commit()
}

func insertEvent(tx *sql.Tx, runID string, seq int, env *journal.Envelope) error {
	_, err := tx.Exec(`
		INSERT INTO events (run_id, seq, ts_wallclock, actor, visibility, type, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, seq) DO NOTHING
	`, runID, seq, env.TsWallclock.Unix(), env.Actor, string(env.Visibility), string(env.Type), string(env.Payload))
	return err
}

func insertParseError(tx *sql.Tx, runID string, seq int, rawLine, errMsg string) error {
	_, err := tx.Exec(`
		INSERT INTO event_parse_errors (run_id, seq, raw_line, error, detected_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_id, seq) DO NOTHING
	`, runID, seq, rawLine, errMsg, time.Now().Unix())
	return err
}

// deriveEntities updates the entity tables (runs.status, artifacts) from
// an envelope's type and payload. An artifact payload that does not
// unmarshal is logged and skipped rather than aborting the whole sync
// (spec §7 — a malformed payload degrades that one projection, not the
// run); a failed write is returned and aborts the sync.
func deriveEntities(tx *sql.Tx, ref RunRef, env *journal.Envelope) error {
	switch env.Type {
	case journal.EventRunStarted:
		_, err := tx.Exec("UPDATE runs SET status = 'running', started_at = ? WHERE run_id = ?", env.TsWallclock.Unix(), ref.RunID)
		return err

	case journal.EventRunEnded, journal.EventRunFailed, journal.EventRunStopped:
		status := map[journal.EventType]string{
			journal.EventRunEnded:   "ended",
			journal.EventRunFailed:  "failed",
			journal.EventRunStopped: "stopped",
		}[env.Type]
		_, err := tx.Exec("UPDATE runs SET status = ?, ended_at = ? WHERE run_id = ?", status, env.TsWallclock.Unix(), ref.RunID)
		return err

	case journal.EventArtifactProduced:
		var payload struct {
			ArtifactID    string `json:"artifact_id"`
			Path          string `json:"path"`
			Type          string `json:"type"`
			Title         string `json:"title"`
			Visibility    string `json:"visibility"`
			ProducedBy    string `json:"produced_by"`
			ContextPackID string `json:"context_pack_id"`
		}
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			L_warn("index: failed to derive artifact", "run_id", ref.RunID, "error", err)
			return nil
		}
		if payload.ArtifactID == "" {
			return nil
		}
		_, err := tx.Exec(`
			INSERT INTO artifacts (project_id, artifact_id, type, title, visibility, produced_by, run_id, context_pack_id, created_at, relpath)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(project_id, artifact_id) DO UPDATE SET
				type = excluded.type, title = excluded.title, visibility = excluded.visibility,
				produced_by = excluded.produced_by, context_pack_id = excluded.context_pack_id, relpath = excluded.relpath
		`, ref.Project, payload.ArtifactID, payload.Type, payload.Title, payload.Visibility,
			payload.ProducedBy, ref.RunID, payload.ContextPackID, env.TsWallclock.Unix(), payload.Path)
		return err

	default:
		return nil
	}
}

// upsertArtifactRecord upserts one artifacts row discovered by the
// filesystem walk (spec §4.3 sync: "For each (project, artifact md
// file), upsert the artifact row.").
func upsertArtifactRecord(tx *sql.Tx, projectID, relpath string, rec fsmodel.ArtifactRecord) error {
	var createdAt int64
	if !rec.CreatedAt.IsZero() {
		createdAt = rec.CreatedAt.Unix()
	}
	_, err := tx.Exec(`
		INSERT INTO artifacts (project_id, artifact_id, type, title, visibility, produced_by, run_id, context_pack_id, created_at, relpath)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id, artifact_id) DO UPDATE SET
			type = excluded.type, title = excluded.title, visibility = excluded.visibility,
			produced_by = excluded.produced_by, run_id = excluded.run_id,
			context_pack_id = excluded.context_pack_id, created_at = excluded.created_at, relpath = excluded.relpath
	`, projectID, rec.ArtifactID, rec.Type, rec.Title, rec.Visibility, rec.ProducedBy, rec.RunID, rec.ContextPackID, createdAt, relpath)
	return err
}

// upsertReviewRecord upserts one inbox/reviews/<id>.yaml row.
func upsertReviewRecord(tx *sql.Tx, rec fsmodel.ReviewRecord) error {
	var createdAt int64
	if !rec.CreatedAt.IsZero() {
		createdAt = rec.CreatedAt.Unix()
	}
	_, err := tx.Exec(`
		INSERT INTO reviews (review_id, created_at, decision, actor_id, actor_role, subject_kind, subject_artifact_id, project_id, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(review_id) DO UPDATE SET
			decision = excluded.decision, actor_id = excluded.actor_id, actor_role = excluded.actor_role,
			subject_kind = excluded.subject_kind, subject_artifact_id = excluded.subject_artifact_id,
			project_id = excluded.project_id, notes = excluded.notes
	`, rec.ReviewID, createdAt, rec.Decision, rec.ActorID, rec.ActorRole, rec.SubjectKind, rec.SubjectArtifactID, rec.ProjectID, rec.Notes)
	return err
}

// upsertHelpRequestRecord upserts one inbox/help_requests/<id>.md row.
func upsertHelpRequestRecord(tx *sql.Tx, rec fsmodel.HelpRequestRecord) error {
	var createdAt int64
	if !rec.CreatedAt.IsZero() {
		createdAt = rec.CreatedAt.Unix()
	}
	_, err := tx.Exec(`
		INSERT INTO help_requests (help_request_id, created_at, title, visibility, requester, target_manager, project_id, share_pack_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(help_request_id) DO UPDATE SET
			title = excluded.title, visibility = excluded.visibility, requester = excluded.requester,
			target_manager = excluded.target_manager, project_id = excluded.project_id, share_pack_id = excluded.share_pack_id
	`, rec.RequestID, createdAt, rec.Title, rec.Visibility, rec.Requester, rec.TargetManager, rec.ProjectID, rec.SharePackID)
	return err
}

// FSSyncResult summarizes one SyncFilesystem pass.
type FSSyncResult struct {
	ArtifactsUpserted    int
	ReviewsUpserted      int
	HelpRequestsUpserted int
	Deleted              int
}

// SyncFilesystem walks a workspace's artifacts/*.md, inbox/reviews/*.yaml
// and inbox/help_requests/*.md files, upserting each one's index row, then
// tombstones any previously-indexed key not seen during this pass (spec
// §4.3: "Any run/artifact/review/help-request key that existed in the
// index at the start and was not seen during this pass is deleted").
// Unlike Sync (per-run event tailing) this is a whole-workspace pass,
// run from the sync worker's backup tick (spec §4.4).
func (s *Store) SyncFilesystem(workspace string) (FSSyncResult, error) {
	lock := lockFor(workspace)
	lock.Lock()
	defer lock.Unlock()

	var result FSSyncResult

	tx, err := s.db.Begin()
	if err != nil {
		return result, fmt.Errorf("index: begin fs sync tx: %w", err)
	}
	defer tx.Rollback()

	seenArtifacts := make(map[[2]string]struct{})
	if err := fsmodel.WalkArtifactFiles(workspace, func(projectID, path string, rec fsmodel.ArtifactRecord) error {
		if err := upsertArtifactRecord(tx, projectID, path, rec); err != nil {
			return err
		}
		seenArtifacts[[2]string{projectID, rec.ArtifactID}] = struct{}{}
		result.ArtifactsUpserted++
		return nil
	}); err != nil {
		return result, fmt.Errorf("index: walk artifacts: %w", err)
	}

	seenReviews := make(map[string]struct{})
	if err := fsmodel.WalkReviewFiles(workspace, func(path string, rec fsmodel.ReviewRecord) error {
		if err := upsertReviewRecord(tx, rec); err != nil {
			return err
		}
		seenReviews[rec.ReviewID] = struct{}{}
		result.ReviewsUpserted++
		return nil
	}); err != nil {
		return result, fmt.Errorf("index: walk reviews: %w", err)
	}

	seenHelpRequests := make(map[string]struct{})
	if err := fsmodel.WalkHelpRequestFiles(workspace, func(path string, rec fsmodel.HelpRequestRecord) error {
		if err := upsertHelpRequestRecord(tx, rec); err != nil {
			return err
		}
		seenHelpRequests[rec.RequestID] = struct{}{}
		result.HelpRequestsUpserted++
		return nil
	}); err != nil {
		return result, fmt.Errorf("index: walk help requests: %w", err)
	}

	deleted, err := tombstoneUnseen(tx, "artifacts", "project_id || ':' || artifact_id", func(key string) bool {
		parts := strings.SplitN(key, ":", 2)
		if len(parts) != 2 {
			return false
		}
		_, ok := seenArtifacts[[2]string{parts[0], parts[1]}]
		return ok
	})
	if err != nil {
		return result, err
	}
	result.Deleted += deleted

	deleted, err = tombstoneUnseen(tx, "reviews", "review_id", func(key string) bool {
		_, ok := seenReviews[key]
		return ok
	})
	if err != nil {
		return result, err
	}
	result.Deleted += deleted

	deleted, err = tombstoneUnseen(tx, "help_requests", "help_request_id", func(key string) bool {
		_, ok := seenHelpRequests[key]
		return ok
	})
	if err != nil {
		return result, err
	}
	result.Deleted += deleted

	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("index: commit fs sync tx: %w", err)
	}
	return result, nil
}

// tombstoneUnseen deletes every row of table whose keyExpr value is not
// reported as seen, returning the delete count.
func tombstoneUnseen(tx *sql.Tx, table, keyExpr string, seen func(key string) bool) (int, error) {
	rows, err := tx.Query(fmt.Sprintf("SELECT %s FROM %s", keyExpr, table))
	if err != nil {
		return 0, fmt.Errorf("index: list %s keys: %w", table, err)
	}
	var stale []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return 0, err
		}
		if !seen(key) {
			stale = append(stale, key)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	rows.Close()

	for _, key := range stale {
		if _, err := tx.Exec(fmt.Sprintf("DELETE FROM %s WHERE %s = ?", table, keyExpr), key); err != nil {
			return 0, fmt.Errorf("index: delete stale %s row: %w", table, err)
		}
	}
	return len(stale), nil
}
