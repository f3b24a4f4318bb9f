// Package snapshot composes read-model views over the index store and
// filesystem (spec §4.8). Every composer here is a pure function of its
// inputs — no I/O beyond what the caller already fetched — grounded on
// the read-only, deterministic shape of goclaw's
// internal/session/context.go context-window budget calculations.
package snapshot

import "time"

// TaskStatus mirrors the task states the PM snapshot rolls up.
type TaskStatus string

const (
	TaskStatusTodo    TaskStatus = "todo"
	TaskStatusBlocked TaskStatus = "blocked"
	TaskStatusDoing   TaskStatus = "doing"
	TaskStatusDone    TaskStatus = "done"
)

// Task is the minimal view the PM composer needs.
type Task struct {
	TaskID       string
	Title        string
	Status       TaskStatus
	DurationDays float64
	DependsOn    []string
	RiskFlag     string
}

// ProjectSummary is one project's entry in the PM/home snapshot.
type ProjectSummary struct {
	ProjectID       string
	TaskCount       int
	DoneCount       int
	BlockedCount    int
	ProgressPercent float64
	RiskFlags       []string
	CriticalPath    []string
	CPMStatus       string // "ok" | "dependency_cycle"
}

// RunSummary is one run's entry in the monitor snapshot.
type RunSummary struct {
	RunID           string
	LastEventType   string
	LastEventAt     time.Time
	Status          string
	ParseErrorCount int
	PolicyDenials   int
	BudgetAlerts    int
	BudgetExceeds   int
	BudgetDecisions int
}

// PendingArtifact is an artifact awaiting review in the inbox snapshot.
type PendingArtifact struct {
	ArtifactID string
	RunID      string
	JobID      string
	Kind       string
	CreatedAt  time.Time
}

// DecidedReview is a past review decision.
type DecidedReview struct {
	ReviewID  string
	Verdict   string
	CreatedAt time.Time
}

// InboxSnapshot is the review/help-request inbox view.
type InboxSnapshot struct {
	PendingArtifacts []PendingArtifact
	RecentDecisions  []DecidedReview
	OpenHelpRequests []string
}

// ProviderRollup is one provider/model's token+cost rollup.
type ProviderRollup struct {
	Provider          string
	InputTokens       int
	OutputTokens      int
	TotalCost         float64
	ContextCycleCount int
}

// ResourcesSnapshot is the per-provider usage/cost view.
type ResourcesSnapshot struct {
	Rollups []ProviderRollup
}

// DesktopBootstrapSnapshot unions the above for one (scope, project,
// view, conversation) request (spec §4.8).
type DesktopBootstrapSnapshot struct {
	Projects  []ProjectSummary
	Runs      []RunSummary
	Inbox     InboxSnapshot
	Resources ResourcesSnapshot
}
