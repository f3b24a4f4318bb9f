package engine

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentcompany/agentcompany/internal/fsmodel"
	"github.com/agentcompany/agentcompany/internal/journal"
	. "github.com/agentcompany/agentcompany/internal/logging"
)

// PrepareWorktree creates an isolated git worktree for a run so concurrent
// runs against the same project never collide on the working tree (spec
// §4.5, §5). It shells out to `git worktree add` the same way the
// teacher's exec runner shells out to bash -c, capturing stdout/stderr
// and surfacing the exit code on failure.
func PrepareWorktree(ctx context.Context, repoDir, worktreesDir, runID, branch string) (string, error) {
	dir := filepath.Join(worktreesDir, runID)

	execCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	args := []string{"worktree", "add", "--detach", dir}
	if branch != "" {
		args = []string{"worktree", "add", "-b", branch, dir}
	}

	cmd := exec.CommandContext(execCtx, "git", args...)
	cmd.Dir = repoDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		L_error("engine: git worktree add failed", "run_id", runID, "stderr", stderr.String())
		return "", fmt.Errorf("engine: prepare worktree: %w: %s", err, stderr.String())
	}

	L_debug("engine: worktree prepared", "run_id", runID, "dir", dir)
	return dir, nil
}

// ContextPackManifest is the manifest written to
// context_packs/<ctx>/manifest.yaml before a run executes (spec §4.5,
// §6): the repo's HEAD SHA and dirty flag at the moment the run started,
// plus a reference to the captured working-tree diff when dirty.
type ContextPackManifest struct {
	RepoID         string    `yaml:"repo_id"`
	HeadSHA        string    `yaml:"head_sha"`
	Dirty          bool      `yaml:"dirty"`
	DirtyPatchPath string    `yaml:"dirty_patch_path,omitempty"`
	CreatedAt      time.Time `yaml:"created_at"`
}

// captureContextPack records spec.RepoID's HEAD SHA and dirty flag, and
// if dirty, a repo_dirty_patch artifact holding `git diff HEAD`, before
// the worker is launched (spec §4.5: "Before executing, if repo_id is
// set, record HEAD SHA and a dirty-flag; if dirty, capture git diff HEAD
// as a repo_dirty_patch artifact and reference it from the context-pack
// manifest"). It emits context_pack.snapshot_written on success or
// context_pack.snapshot_failed on any git error, and on success sets
// spec.ContextPackRef to the manifest path.
func captureContextPack(ctx context.Context, spec *Spec, w *journal.Writer) error {
	repoDir := spec.RepoDir
	if repoDir == "" {
		repoDir = spec.WorktreeDir
	}

	headSHA, err := gitOutput(ctx, repoDir, "rev-parse", "HEAD")
	if err != nil {
		journalContextPackFailed(spec, w, err)
		return err
	}
	statusOut, err := gitOutput(ctx, repoDir, "status", "--porcelain")
	if err != nil {
		journalContextPackFailed(spec, w, err)
		return err
	}
	dirty := strings.TrimSpace(statusOut) != ""

	manifest := ContextPackManifest{
		RepoID:    spec.RepoID,
		HeadSHA:   strings.TrimSpace(headSHA),
		Dirty:     dirty,
		CreatedAt: time.Now().UTC(),
	}

	packDir := spec.ContextPackDir
	if packDir == "" {
		packDir = filepath.Join(spec.Workspace, "work", "context_packs", spec.RunID)
	}
	if err := os.MkdirAll(packDir, 0o755); err != nil {
		journalContextPackFailed(spec, w, err)
		return err
	}

	if dirty {
		patch, perr := gitOutput(ctx, repoDir, "diff", "HEAD")
		if perr != nil {
			L_warn("engine: failed to capture repo_dirty_patch", "run_id", spec.RunID, "error", perr)
		} else {
			patchPath := filepath.Join(packDir, "repo_dirty_patch.diff")
			if werr := os.WriteFile(patchPath, []byte(patch), 0o644); werr != nil {
				L_warn("engine: failed to write repo_dirty_patch", "run_id", spec.RunID, "error", werr)
			} else {
				manifest.DirtyPatchPath = patchPath
			}
		}
	}

	manifestPath := filepath.Join(packDir, "manifest.yaml")
	if err := fsmodel.WriteYAML(manifestPath, manifest); err != nil {
		journalContextPackFailed(spec, w, err)
		return err
	}
	spec.ContextPackRef = manifestPath

	env, _ := journal.NewEnvelope(spec.RunID, spec.RunID, "system", journal.VisibilityTeam, journal.EventContextPackSnapshotWritten,
		map[string]any{"repo_id": spec.RepoID, "head_sha": manifest.HeadSHA, "dirty": dirty, "manifest_path": manifestPath}, nil)
	if _, err := w.AppendEnvelope(env); err != nil {
		L_warn("engine: failed to journal context_pack.snapshot_written", "run_id", spec.RunID, "error", err)
	}
	return nil
}

func journalContextPackFailed(spec *Spec, w *journal.Writer, cause error) {
	L_warn("engine: context pack snapshot failed", "run_id", spec.RunID, "repo_id", spec.RepoID, "error", cause)
	env, err := journal.NewEnvelope(spec.RunID, spec.RunID, "system", journal.VisibilityTeam, journal.EventContextPackSnapshotFailed,
		map[string]string{"repo_id": spec.RepoID, "error": cause.Error()}, nil)
	if err != nil {
		return
	}
	if _, err := w.AppendEnvelope(env); err != nil {
		L_warn("engine: failed to journal context_pack.snapshot_failed", "run_id", spec.RunID, "error", err)
	}
}

func gitOutput(ctx context.Context, dir string, args ...string) (string, error) {
	execCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	cmd := exec.CommandContext(execCtx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return string(out), nil
}

// RemoveWorktree tears down a run's worktree once the run is terminal.
func RemoveWorktree(ctx context.Context, repoDir, worktreeDir string) error {
	execCtx, cancel := context.WithTimeout(ctx, 1*time.Minute)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "git", "worktree", "remove", "--force", worktreeDir)
	cmd.Dir = repoDir

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("engine: remove worktree: %w: %s", err, stderr.String())
	}
	return nil
}
