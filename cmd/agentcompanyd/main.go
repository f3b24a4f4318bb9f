// Command agentcompanyd is the control plane daemon: it wires the
// journal, runtime bus, index store and sync worker, execution engine,
// job runner, heartbeat scheduler, snapshot composers and the RPC/HTTP
// transport into one running process for a single workspace.
//
// The CLI shape (kong subcommands, serve-in-foreground-by-default plus
// start/stop/status daemonization via go-daemon) is grounded on the
// teacher's cmd/goclaw/main.go.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/sevlyar/go-daemon"

	"github.com/agentcompany/agentcompany/internal/bus"
	"github.com/agentcompany/agentcompany/internal/config"
	"github.com/agentcompany/agentcompany/internal/engine"
	"github.com/agentcompany/agentcompany/internal/fsmodel"
	"github.com/agentcompany/agentcompany/internal/heartbeat"
	"github.com/agentcompany/agentcompany/internal/httpapi"
	"github.com/agentcompany/agentcompany/internal/index"
	"github.com/agentcompany/agentcompany/internal/jobrunner"
	"github.com/agentcompany/agentcompany/internal/journal"
	. "github.com/agentcompany/agentcompany/internal/logging"
	"github.com/agentcompany/agentcompany/internal/rpcapi"
	"github.com/agentcompany/agentcompany/internal/snapshot"
)

var version = "dev"

type CLI struct {
	Debug     bool   `help:"Enable debug logging" short:"d"`
	Trace     bool   `help:"Enable trace logging" short:"t"`
	Workspace string `help:"Workspace root directory" short:"w" type:"path" default:"."`

	Serve      ServeCmd      `cmd:"" default:"withargs" help:"Run the control plane in the foreground"`
	Start      StartCmd      `cmd:"" help:"Start the control plane as a background daemon"`
	Stop       StopCmd       `cmd:"" help:"Stop the background daemon"`
	Status     StatusCmd     `cmd:"" help:"Show daemon status"`
	IndexCmd   IndexCmd      `cmd:"index" help:"Index maintenance"`
	DoctorLite DoctorLiteCmd `cmd:"doctor-lite" help:"Run read-only consistency checks over the workspace"`
	Version    VersionCmd    `cmd:"" help:"Show version"`
}

type Context struct {
	Debug     bool
	Trace     bool
	Workspace string
}

// RuntimePaths holds the derived filesystem locations for one workspace's
// daemon state, mirroring the teacher's loadRuntimePaths.
type RuntimePaths struct {
	DataDir string
	PidFile string
	LogFile string
}

func loadRuntimePaths(workspace string) (*RuntimePaths, error) {
	abs, err := filepath.Abs(workspace)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace path: %w", err)
	}
	dataDir := filepath.Join(abs, ".local")
	return &RuntimePaths{
		DataDir: dataDir,
		PidFile: filepath.Join(dataDir, "agentcompanyd.pid"),
		LogFile: filepath.Join(dataDir, "agentcompanyd.log"),
	}, nil
}

func isRunningAt(pidFile string) bool {
	_, running := getPidFromFile(pidFile)
	return running
}

func getPidFromFile(pidFile string) (int, bool) {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, false
	}
	var pid int
	if _, err := fmt.Sscanf(strings.TrimSpace(string(data)), "%d", &pid); err != nil {
		return 0, false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return 0, false
	}
	if err := process.Signal(syscall.Signal(0)); err != nil {
		return 0, false
	}
	return pid, true
}

// ServeCmd runs the control plane in the foreground (agentcompanyd's
// default command).
type ServeCmd struct{}

func (s *ServeCmd) Run(ctx *Context) error {
	return runServe(ctx)
}

// StartCmd daemonizes the control plane via go-daemon, matching the
// teacher's fork-then-release supervisor pattern.
type StartCmd struct{}

func (s *StartCmd) Run(ctx *Context) error {
	paths, err := loadRuntimePaths(ctx.Workspace)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}
	if err := os.MkdirAll(paths.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	if isRunningAt(paths.PidFile) {
		return fmt.Errorf("agentcompanyd already running")
	}

	cntxt := &daemon.Context{
		PidFileName: paths.PidFile,
		PidFilePerm: 0o644,
		LogFileName: paths.LogFile,
		LogFilePerm: 0o640,
		WorkDir:     "./",
		Umask:       0o27,
	}

	d, err := cntxt.Reborn()
	if err != nil {
		L_fatal("daemonize failed", "error", err)
	}
	if d != nil {
		L_info("agentcompanyd started", "pid", d.Pid, "dataDir", paths.DataDir)
		return nil
	}
	defer cntxt.Release() //nolint:errcheck

	L_info("agentcompanyd: running as daemon", "pid", os.Getpid(), "dataDir", paths.DataDir)
	return runServe(ctx)
}

// StopCmd signals a running daemon to shut down.
type StopCmd struct{}

func (s *StopCmd) Run(ctx *Context) error {
	paths, err := loadRuntimePaths(ctx.Workspace)
	if err != nil {
		return err
	}
	pid, running := getPidFromFile(paths.PidFile)
	if !running {
		L_info("agentcompanyd not running")
		return nil
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("process not found: %w", err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to stop: %w", err)
	}
	L_info("agentcompanyd stopped", "pid", pid)
	os.Remove(paths.PidFile)
	return nil
}

// StatusCmd reports whether the daemon is running.
type StatusCmd struct{}

func (s *StatusCmd) Run(ctx *Context) error {
	paths, err := loadRuntimePaths(ctx.Workspace)
	if err != nil {
		return err
	}
	pid, running := getPidFromFile(paths.PidFile)
	if !running {
		fmt.Println("agentcompanyd: not running")
		return nil
	}
	fmt.Printf("agentcompanyd: running (pid %d)\n", pid)
	return nil
}

// IndexCmd groups index maintenance subcommands.
type IndexCmd struct {
	Rebuild IndexRebuildCmd `cmd:"" help:"Rebuild the SQLite index from every run's events.jsonl"`
}

// IndexRebuildCmd drops and re-derives the index for every known run.
type IndexRebuildCmd struct{}

func (c *IndexRebuildCmd) Run(ctx *Context) error {
	loadResult, err := config.Load(ctx.Workspace)
	if err != nil {
		return err
	}
	store, err := index.Open(loadResult.Config.Index.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	refs, err := discoverRunRefs(loadResult.Config.Workspace)
	if err != nil {
		return err
	}
	if err := store.Rebuild(refs); err != nil {
		return err
	}
	L_info("index: rebuild complete", "runs", len(refs))
	return nil
}

// DoctorLiteCmd runs cheap, read-only sanity checks over a workspace:
// that the config loads, the index opens, and every run directory has a
// parseable events.jsonl tail. It does not touch runs or journals, but
// loading the config writes the default one when none exists, and
// opening the index creates and migrates the database if it is absent.
type DoctorLiteCmd struct{}

func (c *DoctorLiteCmd) Run(ctx *Context) error {
	loadResult, err := config.Load(ctx.Workspace)
	if err != nil {
		fmt.Printf("config: FAIL (%v)\n", err)
		return err
	}
	fmt.Printf("config: OK (%s)\n", loadResult.SourcePath)

	store, err := index.Open(loadResult.Config.Index.DBPath)
	if err != nil {
		fmt.Printf("index: FAIL (%v)\n", err)
		return err
	}
	defer store.Close()
	fmt.Printf("index: OK (%s)\n", loadResult.Config.Index.DBPath)

	refs, err := discoverRunRefs(loadResult.Config.Workspace)
	if err != nil {
		fmt.Printf("runs: FAIL (%v)\n", err)
		return err
	}
	badRuns := 0
	for _, ref := range refs {
		if _, err := journal.ReadAll(ref.EventsPath); err != nil {
			badRuns++
			fmt.Printf("run %s: FAIL (%v)\n", ref.RunID, err)
		}
	}
	fmt.Printf("runs: %d checked, %d unreadable\n", len(refs), badRuns)
	return nil
}

// VersionCmd prints the build version.
type VersionCmd struct{}

func (v *VersionCmd) Run(ctx *Context) error {
	fmt.Println("agentcompanyd " + version)
	return nil
}

// discoverRunRefs walks <workspace>/.local/runs for run directories and
// builds the index.RunRef list Rebuild/Sync operate over. Each run
// directory's name is its run ID; project/job association is read back
// from run.yaml when present (spec §5 filesystem layout).
func discoverRunRefs(workspace string) ([]index.RunRef, error) {
	runsDir := filepath.Join(workspace, ".local", "runs")
	entries, err := os.ReadDir(runsDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list runs directory: %w", err)
	}

	refs := make([]index.RunRef, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		runID := e.Name()
		runDir := filepath.Join(runsDir, runID)
		ref := index.RunRef{
			RunID:      runID,
			Workspace:  workspace,
			EventsPath: filepath.Join(runDir, "events.jsonl"),
		}
		var rec fsmodel.RunRecord
		if err := fsmodel.ReadYAML(filepath.Join(runDir, "run.yaml"), &rec); err == nil {
			ref.Project = rec.Project
			ref.JobID = rec.JobID
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// engineExecutor adapts engine.Engine to jobrunner.Executor: it opens a
// run's journal writer, launches the worker process, waits for it to
// finish, and reports back the raw output or failure text the runner
// classifies and validates.
type engineExecutor struct {
	eng       *engine.Engine
	cfg       *config.Config
	nextRunID func(jobID string, attempt int) string
}

func (x *engineExecutor) RunAttempt(ctx context.Context, spec jobrunner.Spec, attemptNumber int, prompt string, contractMode string) (jobrunner.AttemptOutcome, error) {
	provider, ok := x.cfg.Execution.Providers[spec.WorkerKind]
	if !ok {
		return jobrunner.AttemptOutcome{Provider: spec.WorkerKind, FailureText: "unknown provider: " + spec.WorkerKind}, nil
	}

	runID := x.nextRunID(spec.JobID, attemptNumber)
	runDir := filepath.Join(spec.Workspace, ".local", "runs", runID)
	eventsPath := filepath.Join(runDir, "events.jsonl")
	w, err := journal.OpenWriter(eventsPath)
	if err != nil {
		return jobrunner.AttemptOutcome{}, fmt.Errorf("open run journal: %w", err)
	}
	defer w.Close()

	timeout := time.Duration(provider.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = time.Duration(x.cfg.Execution.DefaultTimeoutSeconds) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	engSpec := engine.Spec{
		RunID:        runID,
		Workspace:    spec.Workspace,
		RunDir:       runDir,
		WorktreeDir:  spec.Workspace,
		ProviderName: spec.WorkerKind,
		Provider:     provider,
		Prompt:       prompt,
		Timeout:      timeout,
	}

	var projectCfg fsmodel.ProjectConfig
	if spec.Project != "" {
		projectYAML := filepath.Join(spec.Workspace, "work", "projects", spec.Project, "project.yaml")
		if err := fsmodel.ReadYAML(projectYAML, &projectCfg); err == nil && projectCfg.RepoID != "" {
			repoDir := filepath.Join(spec.Workspace, "repos", projectCfg.RepoID)
			worktreesDir := filepath.Join(spec.Workspace, ".local", "worktrees", spec.Project, spec.JobID)
			if dir, err := engine.PrepareWorktree(runCtx, repoDir, worktreesDir, runID, ""); err != nil {
				L_warn("engineExecutor: failed to prepare worktree, running against repo checkout directly",
					"run_id", runID, "repo_id", projectCfg.RepoID, "error", err)
			} else {
				engSpec.WorktreeDir = dir
				env, _ := journal.NewEnvelope(runID, runID, "system", journal.VisibilityTeam, journal.EventWorktreePrepared,
					map[string]string{"repo_id": projectCfg.RepoID, "worktree_dir": dir}, nil)
				if _, err := w.AppendEnvelope(env); err != nil {
					L_warn("engineExecutor: failed to journal worktree.prepared", "run_id", runID, "error", err)
				}
			}
			engSpec.RepoID = projectCfg.RepoID
			engSpec.RepoDir = repoDir
			engSpec.ContextPackDir = filepath.Join(spec.Workspace, "work", "context_packs", runID)
		}
	}

	handle, err := x.eng.Execute(runCtx, engSpec, w)
	if err != nil {
		return jobrunner.AttemptOutcome{RunID: runID, Provider: spec.WorkerKind, FailureText: err.Error(), Canceled: ctx.Err() != nil}, nil
	}

	result, err := x.eng.Wait(handle, w)
	if err != nil {
		return jobrunner.AttemptOutcome{RunID: runID, Provider: spec.WorkerKind, FailureText: err.Error(), Canceled: ctx.Err() != nil}, nil
	}

	outcome := jobrunner.AttemptOutcome{
		RunID:     runID,
		Provider:  spec.WorkerKind,
		RawOutput: result.Output,
		Canceled:  result.Status == engine.StatusStopped && ctx.Err() != nil,
	}
	if result.Status == engine.StatusFailed {
		outcome.FailureText = result.FailureMsg
	}
	return outcome, nil
}

// yamlStateStore persists heartbeat.State to .local/heartbeat/state.yaml,
// implementing heartbeat.StateStore over internal/fsmodel.
type yamlStateStore struct{}

func (yamlStateStore) Load(workspace string) (heartbeat.State, error) {
	var state heartbeat.State
	path := filepath.Join(workspace, ".local", "heartbeat", "state.yaml")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return heartbeat.State{}, nil
	}
	if err := fsmodel.ReadYAML(path, &state); err != nil {
		return heartbeat.State{}, err
	}
	return state, nil
}

func (yamlStateStore) Save(workspace string, state heartbeat.State) error {
	path := filepath.Join(workspace, ".local", "heartbeat", "state.yaml")
	return fsmodel.WriteYAML(path, state)
}

// enumerateWorkers lists agents/*/agent.yaml under the workspace as
// heartbeat.Worker candidates (spec §5 filesystem layout).
func enumerateWorkers(ctx context.Context, workspace string) ([]heartbeat.Worker, error) {
	agentsDir := filepath.Join(workspace, "agents")
	entries, err := os.ReadDir(agentsDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	workers := make([]heartbeat.Worker, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var cfg fsmodel.AgentConfig
		if err := fsmodel.ReadYAML(filepath.Join(agentsDir, e.Name(), "agent.yaml"), &cfg); err != nil {
			continue
		}
		role := heartbeat.RoleWorker
		if cfg.Role == "manager" {
			role = heartbeat.RoleManager
		}
		workers = append(workers, heartbeat.Worker{AgentID: e.Name(), Role: role})
	}
	return workers, nil
}

// computeSignals returns a heartbeat.SignalsProvider closing over the
// index store and job runner (spec §4.7 step 2: task due/overdue, a
// stuck running job, a pending approval or help request, new run events
// since the last cursor, and the worker's last report status).
func computeSignals(store *index.Store, runner *jobrunner.Runner, dueHorizon, stuckAfter time.Duration) heartbeat.SignalsProvider {
	return func(ctx context.Context, workspace string, w heartbeat.Worker) (heartbeat.Signals, error) {
		var sig heartbeat.Signals
		now := time.Now()

		if err := fsmodel.WalkTaskFiles(workspace, func(projectID, path string, rec fsmodel.TaskRecord) error {
			if rec.Owner != w.AgentID || rec.Status == "done" || rec.DueAt.IsZero() {
				return nil
			}
			if rec.DueAt.Before(now) {
				sig.TaskOverdue = true
			} else if rec.DueAt.Before(now.Add(dueHorizon)) {
				sig.TaskDueWithinHorizon = true
			}
			return nil
		}); err != nil {
			L_warn("heartbeat: failed to walk tasks for signals", "agent_id", w.AgentID, "error", err)
		}

		runJobIDs := make([]string, 0)
		for _, job := range runner.List() {
			if job.Spec.WorkerAgentID != w.AgentID {
				continue
			}
			for _, a := range job.Attempts {
				runJobIDs = append(runJobIDs, a.RunID)
			}
			if job.Status != jobrunner.JobStatusRunning || len(job.Attempts) == 0 {
				continue
			}
			latest := job.Attempts[len(job.Attempts)-1]
			if latest.EndedAt.IsZero() && !latest.StartedAt.IsZero() && now.Sub(latest.StartedAt) > stuckAfter {
				sig.RunningJobOlderThan = true
			}
		}

		db := store.DB()

		var pendingApprovals int
		if err := db.QueryRow(`
			SELECT COUNT(*) FROM reviews WHERE decision = '' AND actor_id = ?
		`, w.AgentID).Scan(&pendingApprovals); err != nil {
			L_warn("heartbeat: failed to query pending reviews", "agent_id", w.AgentID, "error", err)
		}
		var pendingSubmissions int
		if err := db.QueryRow(`
			SELECT COUNT(*) FROM artifacts a
			WHERE a.produced_by = ?
			AND NOT EXISTS (SELECT 1 FROM reviews r WHERE r.subject_artifact_id = a.artifact_id)
		`, w.AgentID).Scan(&pendingSubmissions); err != nil {
			L_warn("heartbeat: failed to query pending submissions", "agent_id", w.AgentID, "error", err)
		}
		sig.HasPendingApproval = pendingApprovals > 0 || pendingSubmissions > 0

		var pendingHelp int
		if err := db.QueryRow(`
			SELECT COUNT(*) FROM help_requests WHERE target_manager = ? OR requester = ?
		`, w.AgentID, w.AgentID).Scan(&pendingHelp); err != nil {
			L_warn("heartbeat: failed to query help requests", "agent_id", w.AgentID, "error", err)
		}
		sig.HasPendingHelpRequest = pendingHelp > 0

		state, err := yamlStateStore{}.Load(workspace)
		if err != nil {
			L_warn("heartbeat: failed to load state for signals", "agent_id", w.AgentID, "error", err)
		}
		if ws, ok := state.Workers[w.AgentID]; ok {
			sig.LastReportStatus = ws.LastReportStatus
		} else {
			sig.LastReportStatus = heartbeat.ReportStatusUnknown
		}

		for _, runID := range runJobIDs {
			if runID == "" {
				continue
			}
			var maxSeq int
			if err := db.QueryRow(`SELECT COALESCE(MAX(seq), 0) FROM events WHERE run_id = ?`, runID).Scan(&maxSeq); err != nil {
				continue
			}
			if maxSeq > state.RunEventCursors[runID] {
				sig.NewRunEventsSinceLast = true
				break
			}
		}

		return sig, nil
	}
}

// dispatchHeartbeatJob submits a heartbeat job through the shared job
// runner after waiting out the dispatch jitter (spec §4.7 step 6).
func dispatchHeartbeatJob(runner *jobrunner.Runner) heartbeat.JobDispatcher {
	return func(ctx context.Context, workspace string, w heartbeat.Worker, jitter time.Duration) error {
		select {
		case <-time.After(jitter):
		case <-ctx.Done():
			return ctx.Err()
		}
		runner.Submit(ctx, jobrunner.Spec{
			Workspace:     workspace,
			JobID:         jobrunner.NewJobID(),
			JobKind:       jobrunner.JobKindHeartbeat,
			WorkerKind:    "codex",
			WorkerAgentID: w.AgentID,
			Goal:          "heartbeat check-in",
		})
		return nil
	}
}

func runServe(ctx *Context) error {
	L_info("agentcompanyd: starting", "version", version, "workspace", ctx.Workspace)

	loadResult, err := config.Load(ctx.Workspace)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := loadResult.Config

	store, err := index.Open(cfg.Index.DBPath)
	if err != nil {
		return fmt.Errorf("open index: %w", err)
	}
	defer store.Close()

	runsDir := filepath.Join(cfg.Workspace, ".local", "runs")
	watcher, err := journal.NewWatcher(runsDir)
	if err != nil {
		return fmt.Errorf("create journal watcher: %w", err)
	}

	resolveRun := func(runDir string) (index.RunRef, bool) {
		runID := filepath.Base(runDir)
		refs, err := discoverRunRefs(cfg.Workspace)
		if err != nil {
			return index.RunRef{}, false
		}
		for _, ref := range refs {
			if ref.RunID == runID {
				return ref, true
			}
		}
		return index.RunRef{}, false
	}
	listKnownRuns := func() []index.RunRef {
		refs, err := discoverRunRefs(cfg.Workspace)
		if err != nil {
			L_warn("agentcompanyd: failed to list runs", "error", err)
			return nil
		}
		return refs
	}

	syncWorker := index.NewSyncWorker(store, cfg.Workspace,
		time.Duration(cfg.Index.DebounceMs)*time.Millisecond,
		time.Duration(cfg.Index.MinIntervalMs)*time.Millisecond,
		resolveRun, listKnownRuns)

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := watcher.Start(rootCtx); err != nil {
		return fmt.Errorf("start journal watcher: %w", err)
	}
	defer watcher.Stop()
	syncWorker.Start(rootCtx)
	defer syncWorker.Stop()

	eng := engine.New(0)
	attemptCounter := map[string]int{}
	executor := &engineExecutor{
		eng: eng,
		cfg: cfg,
		nextRunID: func(jobID string, attempt int) string {
			attemptCounter[jobID]++
			return fmt.Sprintf("%s-attempt%d", jobID, attempt)
		},
	}
	runner := jobrunner.New(executor, jobrunner.BusBackpressureReporter{})

	heartbeatCfg := heartbeat.Config{
		Enabled:                cfg.Heartbeat.Enabled,
		TickCron:               cfg.Heartbeat.TickCron,
		TickIntervalMinutes:    cfg.Heartbeat.IntervalMinutes,
		TopKWorkers:            cfg.Heartbeat.MaxActionsPerTick,
		MinWakeScore:           cfg.Heartbeat.WakeScoreThreshold,
		OKSuppressionMinutes:   cfg.Heartbeat.SuppressionMinutes,
		DueHorizonMinutes:      60,
		MaxAutoActionsPerTick:  cfg.Heartbeat.MaxActionsPerTick,
		MaxAutoActionsPerHour:  cfg.Heartbeat.MaxActionsPerHour,
		StuckJobRunningMinutes: 60,
		IdempotencyTTLDays:     7,
		JitterMaxSeconds:       30,
	}
	if cfg.Heartbeat.QuietHoursStart != "" {
		heartbeatCfg.QuietHoursStartHour = parseHour(cfg.Heartbeat.QuietHoursStart)
		heartbeatCfg.QuietHoursEndHour = parseHour(cfg.Heartbeat.QuietHoursEnd)
	}

	dueHorizon := time.Duration(heartbeatCfg.DueHorizonMinutes) * time.Minute
	stuckAfter := time.Duration(heartbeatCfg.StuckJobRunningMinutes) * time.Minute
	hbService := heartbeat.NewService(cfg.Workspace, heartbeatCfg, enumerateWorkers,
		computeSignals(store, runner, dueHorizon, stuckAfter), dispatchHeartbeatJob(runner), yamlStateStore{})
	hbService.Start(rootCtx)
	defer hbService.Stop()

	router := rpcapi.NewRouter()
	rpcapi.RegisterJobMethods(router, runner)
	rpcapi.RegisterHeartbeatMethods(router, hbService)
	rpcapi.RegisterIndexMethods(router, store, func() []index.RunRef {
		refs, _ := discoverRunRefs(cfg.Workspace)
		return refs
	})
	rpcapi.RegisterSnapshotMethods(router, func(ctx context.Context) (snapshot.DesktopBootstrapSnapshot, error) {
		return composeDesktopBootstrap(cfg.Workspace, store)
	})
	rpcapi.RegisterSystemMethods(router)

	events := httpapi.NewEventBroker()
	bridgeBusToBroker(events)

	httpServer := httpapi.NewServer(httpapi.Config{Listen: cfg.HTTP.Listen}, router, events)
	if cfg.HTTP.Enabled {
		if err := httpServer.Start(); err != nil {
			return fmt.Errorf("start http server: %w", err)
		}
		defer httpServer.Stop()
	}

	L_info("agentcompanyd: ready", "workspace", cfg.Workspace, "listen", cfg.HTTP.Listen)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	L_info("agentcompanyd: shutting down")
	return nil
}

// composeDesktopBootstrap gathers the project task lists, run summaries,
// review inbox and provider rollups needed for one
// desktop.bootstrap.snapshot call from the filesystem model and the index
// store, then folds them through the pure snapshot composers (spec
// §4.8) — the composers themselves never touch disk or the database.
func composeDesktopBootstrap(workspace string, store *index.Store) (snapshot.DesktopBootstrapSnapshot, error) {
	projectIDs, err := fsmodel.WalkProjects(workspace)
	if err != nil {
		return snapshot.DesktopBootstrapSnapshot{}, fmt.Errorf("walk projects: %w", err)
	}

	tasksByProject := make(map[string][]snapshot.Task)
	if err := fsmodel.WalkTaskFiles(workspace, func(projectID, path string, rec fsmodel.TaskRecord) error {
		tasksByProject[projectID] = append(tasksByProject[projectID], snapshot.Task{
			TaskID:       rec.TaskID,
			Title:        rec.Title,
			Status:       snapshot.TaskStatus(rec.Status),
			DurationDays: rec.DurationDays,
			DependsOn:    rec.DependsOn,
			RiskFlag:     rec.RiskFlag,
		})
		return nil
	}); err != nil {
		L_warn("agentcompanyd: failed to walk tasks for bootstrap snapshot", "error", err)
	}

	projects := make([]snapshot.ProjectSummary, 0, len(projectIDs))
	for _, projectID := range projectIDs {
		projects = append(projects, snapshot.ComposeProjectSummary(projectID, tasksByProject[projectID]))
	}

	db := store.DB()

	runRefs, err := discoverRunRefs(workspace)
	if err != nil {
		L_warn("agentcompanyd: failed to discover runs for bootstrap snapshot", "error", err)
	}
	runs := make([]snapshot.RunSummary, 0, len(runRefs))
	for _, ref := range runRefs {
		summary := snapshot.RunSummary{RunID: ref.RunID}
		_ = db.QueryRow(`SELECT status FROM runs WHERE run_id = ?`, ref.RunID).Scan(&summary.Status)
		var lastEventAt int64
		if err := db.QueryRow(`SELECT type, ts_wallclock FROM events WHERE run_id = ? ORDER BY seq DESC LIMIT 1`, ref.RunID).
			Scan(&summary.LastEventType, &lastEventAt); err == nil {
			summary.LastEventAt = time.Unix(lastEventAt, 0)
		}
		_ = db.QueryRow(`SELECT COUNT(*) FROM event_parse_errors WHERE run_id = ?`, ref.RunID).Scan(&summary.ParseErrorCount)
		_ = db.QueryRow(`SELECT COUNT(*) FROM events WHERE run_id = ? AND type = ?`, ref.RunID, string(journal.EventBudgetAlert)).Scan(&summary.BudgetAlerts)
		_ = db.QueryRow(`SELECT COUNT(*) FROM events WHERE run_id = ? AND type = ?`, ref.RunID, string(journal.EventBudgetExceeded)).Scan(&summary.BudgetExceeds)
		_ = db.QueryRow(`SELECT COUNT(*) FROM events WHERE run_id = ? AND type = ?`, ref.RunID, string(journal.EventBudgetDecision)).Scan(&summary.BudgetDecisions)
		runs = append(runs, summary)
	}

	var pendingArtifacts []snapshot.PendingArtifact
	artifactRows, err := db.Query(`SELECT artifact_id, run_id, type, created_at FROM artifacts`)
	if err != nil {
		L_warn("agentcompanyd: failed to query artifacts for bootstrap snapshot", "error", err)
	} else {
		for artifactRows.Next() {
			var a snapshot.PendingArtifact
			var createdAt int64
			if err := artifactRows.Scan(&a.ArtifactID, &a.RunID, &a.Kind, &createdAt); err == nil {
				a.CreatedAt = time.Unix(createdAt, 0)
				pendingArtifacts = append(pendingArtifacts, a)
			}
		}
		artifactRows.Close()
	}

	decidedReviewIDs := map[string]bool{}
	var decisions []snapshot.DecidedReview
	reviewRows, err := db.Query(`SELECT review_id, decision, subject_artifact_id, created_at FROM reviews WHERE decision != ''`)
	if err != nil {
		L_warn("agentcompanyd: failed to query reviews for bootstrap snapshot", "error", err)
	} else {
		for reviewRows.Next() {
			var reviewID, decision, subjectArtifactID string
			var createdAt int64
			if err := reviewRows.Scan(&reviewID, &decision, &subjectArtifactID, &createdAt); err == nil {
				decidedReviewIDs[subjectArtifactID] = true
				decisions = append(decisions, snapshot.DecidedReview{ReviewID: reviewID, Verdict: decision, CreatedAt: time.Unix(createdAt, 0)})
			}
		}
		reviewRows.Close()
	}

	var openHelpRequestIDs []string
	helpRows, err := db.Query(`SELECT help_request_id FROM help_requests`)
	if err != nil {
		L_warn("agentcompanyd: failed to query help requests for bootstrap snapshot", "error", err)
	} else {
		for helpRows.Next() {
			var id string
			if err := helpRows.Scan(&id); err == nil {
				openHelpRequestIDs = append(openHelpRequestIDs, id)
			}
		}
		helpRows.Close()
	}

	inbox := snapshot.ComposeInboxSnapshot(pendingArtifacts, decidedReviewIDs, decisions, openHelpRequestIDs)
	resources := snapshot.ComposeResourcesSnapshot(resourceRollups(db, runRefs))

	return snapshot.ComposeDesktopBootstrap(projects, runs, inbox, resources), nil
}

// resourceRollups derives one ProviderRollup per run by pairing the
// run.executing event's provider name with its latest reported/estimated
// usage and computed cost (spec §4.8 resources snapshot).
func resourceRollups(db *sql.DB, refs []index.RunRef) []snapshot.ProviderRollup {
	rollups := make([]snapshot.ProviderRollup, 0, len(refs))
	for _, ref := range refs {
		var payload string
		if err := db.QueryRow(`SELECT payload FROM events WHERE run_id = ? AND type = ? ORDER BY seq ASC LIMIT 1`,
			ref.RunID, string(journal.EventRunExecuting)).Scan(&payload); err != nil {
			continue
		}
		var executing struct {
			Provider string `json:"provider"`
		}
		if err := json.Unmarshal([]byte(payload), &executing); err != nil || executing.Provider == "" {
			continue
		}

		rollup := snapshot.ProviderRollup{Provider: executing.Provider}

		var usagePayload string
		if err := db.QueryRow(`
			SELECT payload FROM events WHERE run_id = ? AND type IN (?, ?) ORDER BY seq DESC LIMIT 1
		`, ref.RunID, string(journal.EventUsageReported), string(journal.EventUsageEstimated)).Scan(&usagePayload); err == nil {
			var usage struct {
				InputTokens  int
				OutputTokens int
			}
			if json.Unmarshal([]byte(usagePayload), &usage) == nil {
				rollup.InputTokens = usage.InputTokens
				rollup.OutputTokens = usage.OutputTokens
			}
		}

		var costPayload string
		if err := db.QueryRow(`
			SELECT payload FROM events WHERE run_id = ? AND type = ? ORDER BY seq DESC LIMIT 1
		`, ref.RunID, string(journal.EventUsageCostComputed)).Scan(&costPayload); err == nil {
			var cost struct {
				TotalCost float64
			}
			if json.Unmarshal([]byte(costPayload), &cost) == nil {
				rollup.TotalCost = cost.TotalCost
			}
		}

		var cycleCount int
		_ = db.QueryRow(`SELECT COUNT(*) FROM events WHERE run_id = ? AND type = ?`,
			ref.RunID, string(journal.EventContextCycleDetected)).Scan(&cycleCount)
		rollup.ContextCycleCount = cycleCount

		rollups = append(rollups, rollup)
	}
	return rollups
}

// bridgeBusToBroker forwards runtime bus events onto the SSE broker so
// dashboard clients see heartbeat ticks and provider backpressure in
// real time (spec §4 supplemented feature: push runtime events to the
// desktop over SSE).
func bridgeBusToBroker(events *httpapi.EventBroker) {
	forward := func(topic string) {
		bus.SubscribeEvent(topic, func(ev bus.Event) {
			events.Publish(topic, ev.Data)
		})
	}
	forward(bus.TopicHeartbeatTick)
	forward(bus.TopicProviderBackpressure)
	forward(bus.TopicEventsFileChanged)
}

func parseHour(hhmm string) int {
	var h, m int
	if _, err := fmt.Sscanf(hhmm, "%d:%d", &h, &m); err != nil {
		return 0
	}
	return h
}

func main() {
	cli := CLI{}
	kctx := kong.Parse(&cli,
		kong.Name("agentcompanyd"),
		kong.Description("AgentCompany control plane daemon"),
		kong.UsageOnError(),
	)

	runCtx := &Context{Debug: cli.Debug, Trace: cli.Trace, Workspace: cli.Workspace}

	level := LevelInfo
	if cli.Trace {
		level = LevelTrace
	} else if cli.Debug {
		level = LevelDebug
	}
	Init(&Config{Level: level, ShowCaller: true})

	err := kctx.Run(runCtx)
	kctx.FatalIfErrorf(err)
}
