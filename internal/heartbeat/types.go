// Package heartbeat implements the periodic, workspace-scoped wake-score
// triage loop (spec §4.7): each tick ranks workers by how urgently they
// need attention and dispatches a bounded number of heartbeat jobs
// through the job runner.
//
// The tick loop's timer/backup-ticker/reschedule-channel shape is
// grounded wholesale on goclaw's internal/cron/service.go — this is the
// closest one-to-one match in the pack: goclaw already has a
// HeartbeatConfig, a heartbeatTimer, and suppression via lastHeartbeat.
// This package generalizes "one heartbeat for the one agent this
// process drives" into "triage N workers per tick, ranked by wake
// score, with per-worker suppression state."
package heartbeat

import "time"

// Config mirrors spec §4.7's tunables.
type Config struct {
	Enabled bool
	// TickCron, if set, is a standard five-field cron expression (parsed
	// with robfig/cron/v3) giving the scheduler's next-tick time instead
	// of a fixed interval — lets an operator run triage only during
	// business hours (e.g. "*/15 9-18 * * 1-5") without separately
	// maintaining QuietHoursStartHour/QuietHoursEndHour. Takes
	// precedence over TickIntervalMinutes when non-empty.
	TickCron               string
	TickIntervalMinutes    int
	TopKWorkers            int
	MinWakeScore           float64
	OKSuppressionMinutes   int
	DueHorizonMinutes      int
	MaxAutoActionsPerTick  int
	MaxAutoActionsPerHour  int
	QuietHoursStartHour    int
	QuietHoursEndHour      int
	StuckJobRunningMinutes int
	IdempotencyTTLDays     int
	JitterMaxSeconds       int
}

// Role is a worker's role within the company; only worker and manager
// roles are triaged (spec §4.7 step 1).
type Role string

const (
	RoleWorker  Role = "worker"
	RoleManager Role = "manager"
)

// ReportStatus is the worker-reported outcome of a dispatched heartbeat
// job (spec §4.7, "on ingesting a worker's heartbeat report").
type ReportStatus string

const (
	ReportStatusOK      ReportStatus = "ok"
	ReportStatusActions ReportStatus = "actions"
	ReportStatusUnknown ReportStatus = "unknown"
)

// Worker is the minimal view of a worker the scheduler needs to compute
// a wake score.
type Worker struct {
	AgentID string
	Role    Role
}

// Signals are the per-worker facts the wake-score function reads, all
// supplied by the caller (typically composed from the index + fsmodel
// layers) so this package stays a pure scorer with no I/O of its own.
type Signals struct {
	TaskDueWithinHorizon  bool
	TaskOverdue           bool
	RunningJobOlderThan   bool
	HasPendingApproval    bool
	HasPendingHelpRequest bool
	NewRunEventsSinceLast bool
	ContextHash           string
	LastReportStatus      ReportStatus
}

// WorkerState is the scheduler's persisted per-worker bookkeeping
// (spec §4.7 step 7; persisted under .local/heartbeat/state.yaml via
// internal/fsmodel).
type WorkerState struct {
	AgentID          string       `yaml:"agent_id"`
	LastOKAt         time.Time    `yaml:"last_ok_at"`
	SuppressedUntil  time.Time    `yaml:"suppressed_until"`
	LastReportStatus ReportStatus `yaml:"last_report_status"`
	LastContextHash  string       `yaml:"last_context_hash"`
}

// State is the scheduler's full persisted state for one workspace.
type State struct {
	RunEventCursors map[string]int         `yaml:"run_event_cursors"` // run_id -> last seen seq
	Workers         map[string]WorkerState `yaml:"workers"`           // agent_id -> state
	ActionsThisHour int                    `yaml:"actions_this_hour"`
	HourWindowStart time.Time              `yaml:"hour_window_start"`
}

// Candidate is a scored worker awaiting the rank/select step.
type Candidate struct {
	Worker     Worker
	Score      float64
	Suppressed bool
}
