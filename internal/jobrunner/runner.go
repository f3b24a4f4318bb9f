package jobrunner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/agentcompany/agentcompany/internal/fsmodel"
	. "github.com/agentcompany/agentcompany/internal/logging"
)

const maxAttempts = 3

// AttemptOutcome is what one execution-engine call reports back to the
// runner.
type AttemptOutcome struct {
	RunID            string
	Provider         string
	RawOutput        string
	FailureText      string // stderr/error text, classified on a non-terminal attempt
	PreflightBlocked bool   // subscription_unverified: finalize as blocked immediately
	Canceled         bool
}

// Executor runs one job attempt via the execution engine. Implementations
// own worker resolution (spec §4.6 step 1) and provider selection;
// the runner only tells them the job, the attempt number, the composed
// prompt, and the contract mode to use.
type Executor interface {
	RunAttempt(ctx context.Context, spec Spec, attemptNumber int, prompt string, contractMode string) (AttemptOutcome, error)
}

// BackpressureReporter receives non-auth failure classifications so the
// engine's lane admission counters (spec §5) can react.
type BackpressureReporter interface {
	ReportProviderBackpressure(provider string, class FailureClass)
}

// Runner maintains the process-wide map of active jobs keyed by
// (workspace, project, job_id), grounded on goclaw's in-memory cron job
// map (internal/cron/store.go). Re-submission of an already-active key
// returns the existing status rather than starting a new attempt.
type Runner struct {
	executor     Executor
	backpressure BackpressureReporter

	mu      sync.Mutex
	jobs    map[Key]*Job
	cancels map[Key]context.CancelFunc
}

func New(executor Executor, backpressure BackpressureReporter) *Runner {
	return &Runner{
		executor:     executor,
		backpressure: backpressure,
		jobs:         make(map[Key]*Job),
		cancels:      make(map[Key]context.CancelFunc),
	}
}

// Submit registers a new job and launches its attempt loop in a
// background goroutine, unless the key is already active, in which case
// the existing job is returned unchanged (spec §4.6 opening paragraph).
// The job runs under a context derived from ctx so Cancel can deliver an
// abort signal straight into the in-flight execution engine call: the
// derived context is what flows through Executor.RunAttempt into
// engine.Execute/Wait, and canceling it tears down the worker subprocess
// (engine.startProcess derives its own exec context from the same one).
func (r *Runner) Submit(ctx context.Context, spec Spec) *Job {
	key := Key{Workspace: spec.Workspace, Project: spec.Project, JobID: spec.JobID}

	r.mu.Lock()
	if existing, ok := r.jobs[key]; ok {
		r.mu.Unlock()
		return existing
	}
	job := &Job{Spec: spec, Status: JobStatusQueued}
	r.jobs[key] = job
	runCtx, cancel := context.WithCancel(ctx)
	r.cancels[key] = cancel
	r.mu.Unlock()

	go r.run(runCtx, key, job)
	return job
}

// Poll returns a snapshot of the job's current state.
func (r *Runner) Poll(key Key) (Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[key]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// Collect returns the job's result if terminal.
func (r *Runner) Collect(key Key) (*Result, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[key]
	if !ok || j.Result == nil {
		return nil, false
	}
	return j.Result, true
}

// List returns a snapshot of every active or completed job still held
// in memory.
func (r *Runner) List() []Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, *j)
	}
	return out
}

// Cancel marks the job for cancellation and cancels its run context,
// delivering the abort signal straight into whatever execution engine
// call is currently in flight (spec §4.6: "Cancellation sends an abort
// signal into the currently-running execution engine call"). The runner
// finalizes the job as canceled once the in-flight attempt returns.
func (r *Runner) Cancel(key Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[key]
	if !ok || j.Status == JobStatusCompleted || j.Status == JobStatusCanceled {
		return false
	}
	j.CancellationRequested = true
	if cancel, ok := r.cancels[key]; ok {
		cancel()
	}
	return true
}

func (r *Runner) run(ctx context.Context, key Key, job *Job) {
	r.setStatus(job, JobStatusRunning)

	var lastRaw string
	var lastErrors []ValidationError

	for attemptNum := 1; attemptNum <= maxAttempts; attemptNum++ {
		r.mu.Lock()
		canceled := job.CancellationRequested
		r.mu.Unlock()
		if canceled {
			r.finalize(job, &Result{Status: ResultStatusCanceled, Errors: lastErrors}, JobStatusCanceled)
			return
		}

		providerFamily := job.Spec.WorkerKind
		if attemptNum == maxAttempts {
			if fam, ok := ReformatterFamily(map[string]bool{codexFamily: true, claudeFamily: true}); ok {
				providerFamily = fam
			}
		}

		prompt := ComposePrompt(job.Spec, attemptNum, lastRaw, lastErrors)
		contractMode := ContractMode(providerFamily)

		attempt := Attempt{Number: attemptNum, Provider: providerFamily, Format: contractMode, StartedAt: time.Now()}
		r.mu.Lock()
		job.CurrentAttempt = attemptNum
		job.Attempts = append(job.Attempts, attempt)
		r.mu.Unlock()

		outcome, err := r.executor.RunAttempt(ctx, job.Spec, attemptNum, prompt, contractMode)
		if err != nil {
			L_warn("jobrunner: attempt failed to run", "job_id", job.Spec.JobID, "attempt", attemptNum, "error", err)
			lastErrors = []ValidationError{{Code: "result_unparseable", Message: err.Error()}}
			continue
		}

		r.recordAttemptResult(job, attemptNum, outcome)

		if outcome.Canceled {
			r.finalize(job, &Result{Status: ResultStatusCanceled, Errors: lastErrors}, JobStatusCanceled)
			return
		}
		if outcome.PreflightBlocked {
			r.finalize(job, &Result{Status: ResultStatusBlocked, Errors: lastErrors}, JobStatusCompleted)
			return
		}

		if outcome.FailureText != "" {
			class := ClassifyFailure(outcome.FailureText)
			if r.backpressure != nil && class != FailureAuth {
				r.backpressure.ReportProviderBackpressure(outcome.Provider, class)
			}
			if !IsRetryable(class) {
				r.finalize(job, &Result{Status: ResultStatusBlocked, Errors: lastErrors}, JobStatusCompleted)
				return
			}
			lastRaw = outcome.RawOutput
			continue
		}

		candidate, ok := ExtractJSONCandidate(outcome.RawOutput)
		if !ok {
			lastRaw = outcome.RawOutput
			lastErrors = []ValidationError{{Code: "result_unparseable", Message: "no JSON object found in output"}}
			continue
		}

		obj, valErrs := ValidateAgainst(candidate, SchemaFor(job.Spec.JobKind))
		if valErrs != nil {
			lastRaw = outcome.RawOutput
			lastErrors = valErrs
			continue
		}

		r.finalize(job, &Result{Status: ResultStatusOK, Output: obj}, JobStatusCompleted)
		return
	}

	r.finalize(job, &Result{Status: ResultStatusNeedsInput, Errors: lastErrors}, JobStatusCompleted)
}

func (r *Runner) recordAttemptResult(job *Job, attemptNum int, outcome AttemptOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range job.Attempts {
		if job.Attempts[i].Number == attemptNum {
			job.Attempts[i].RunID = outcome.RunID
			job.Attempts[i].Error = outcome.FailureText
			job.Attempts[i].EndedAt = time.Now()
			if outcome.Provider != "" {
				job.Attempts[i].Provider = outcome.Provider
			}
		}
	}
}

func (r *Runner) setStatus(job *Job, status JobStatus) {
	r.mu.Lock()
	job.Status = status
	r.mu.Unlock()
}

// finalize records the job's terminal result, writes result.json and
// manager_digest.json under the job's directory (spec §4.6 terminal
// dispositions: "persist result.json and a manager_digest.json
// summarizing the outcome"), and releases the job's cancel func.
func (r *Runner) finalize(job *Job, result *Result, status JobStatus) {
	relpath := filepath.Join("work", "projects", job.Spec.Project, "jobs", job.Spec.JobID, "result.json")

	r.mu.Lock()
	job.Result = result
	job.Status = status
	job.FinalResultRelpath = relpath
	key := Key{Workspace: job.Spec.Workspace, Project: job.Spec.Project, JobID: job.Spec.JobID}
	delete(r.cancels, key)
	r.mu.Unlock()

	if err := writeJobArtifacts(job, relpath); err != nil {
		L_warn("jobrunner: failed to write job artifacts", "job_id", job.Spec.JobID, "error", err)
	}
}

// writeJobArtifacts persists result.json and manager_digest.json
// alongside it under the job's directory in the workspace.
func writeJobArtifacts(job *Job, resultRelpath string) error {
	dir := filepath.Join(job.Spec.Workspace, filepath.Dir(resultRelpath))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("jobrunner: create job directory: %w", err)
	}

	resultJSON, err := json.MarshalIndent(job.Result, "", "  ")
	if err != nil {
		return fmt.Errorf("jobrunner: marshal result: %w", err)
	}
	if err := os.WriteFile(filepath.Join(job.Spec.Workspace, resultRelpath), resultJSON, 0o644); err != nil {
		return fmt.Errorf("jobrunner: write result.json: %w", err)
	}

	digest := summarizeDigest(job)
	digestJSON, err := json.MarshalIndent(digest, "", "  ")
	if err != nil {
		return fmt.Errorf("jobrunner: marshal manager digest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "manager_digest.json"), digestJSON, 0o644); err != nil {
		return fmt.Errorf("jobrunner: write manager_digest.json: %w", err)
	}
	return nil
}

// summarizeDigest builds the manager-facing summary of a job's terminal
// result (spec §4.6).
func summarizeDigest(job *Job) fsmodel.ManagerDigest {
	digest := fsmodel.ManagerDigest{JobID: job.Spec.JobID, Status: string(job.Result.Status)}
	switch job.Result.Status {
	case ResultStatusOK:
		digest.Summary = "Completed successfully."
	case ResultStatusCanceled:
		digest.Summary = "Canceled before completion."
	case ResultStatusBlocked:
		digest.Summary = "Blocked: attempt failed in a way that cannot be retried."
	case ResultStatusNeedsInput:
		digest.Summary = "Exhausted all attempts without a valid result; needs input."
	default:
		digest.Summary = "Finished with an unrecognized status."
	}
	for _, e := range job.Result.Errors {
		digest.Issues = append(digest.Issues, fmt.Sprintf("%s: %s", e.Code, e.Message))
	}
	return digest
}

// NewJobID generates a job identifier (spec §4 job.submit).
func NewJobID() string {
	return "job_" + uuid.NewString()
}
