// Package jobrunner implements the bounded retry wrapper around the
// execution engine: a job is submitted once and the runner drives up to
// three attempts, escalating worker selection and prompt strategy on
// each retry, until it reaches a terminal disposition.
//
// The active-jobs map and the sequential-attempts-within-one-task shape
// are grounded on goclaw's internal/cron/store.go in-memory job map, and
// failure classification reuses the substring-match idiom from
// internal/llm/errors.go's IsRateLimitError/IsAuthError/IsTimeoutError.
package jobrunner

import "time"

type JobKind string

const (
	JobKindExecution JobKind = "execution"
	JobKindHeartbeat JobKind = "heartbeat"
)

type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusCanceled  JobStatus = "canceled"
)

type ResultStatus string

const (
	ResultStatusOK         ResultStatus = "ok"
	ResultStatusNeedsInput ResultStatus = "needs_input"
	ResultStatusBlocked    ResultStatus = "blocked"
	ResultStatusCanceled   ResultStatus = "canceled"
)

type FailureClass string

const (
	FailureRateLimit   FailureClass = "rate_limit"
	FailureAuth        FailureClass = "auth"
	FailureInteractive FailureClass = "interactive"
	FailureTransient   FailureClass = "transient"
)

// Spec describes the work a job is asked to do, as handed in by
// job.submit.
type Spec struct {
	Workspace       string
	Project         string
	JobID           string
	JobKind         JobKind
	Goal            string
	Constraints     []string
	Deliverables    []string
	WorkerKind      string
	WorkerAgentID   string
	PermissionLevel string
	ContextRefs     []string
}

// Key identifies an active job slot.
type Key struct {
	Workspace string
	Project   string
	JobID     string
}

// Attempt is one execution-engine call made on behalf of a job.
type Attempt struct {
	Number    int
	RunID     string
	Provider  string
	Format    string // result_contract_mode: provider_schema | prompt_only
	StartedAt time.Time
	EndedAt   time.Time
	Status    string
	Error     string
}

// ValidationError is one entry in a result's accumulated errors list.
type ValidationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Result is the job's final, durable outcome.
type Result struct {
	Status ResultStatus      `json:"status"`
	Output map[string]any    `json:"output,omitempty"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// Job is the full record the runner maintains for one submission.
type Job struct {
	Spec                  Spec
	Status                JobStatus
	CancellationRequested bool
	CurrentAttempt        int
	Attempts              []Attempt
	Result                *Result
	FinalResultRelpath    string
}
