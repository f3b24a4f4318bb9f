package jobrunner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExtractJSONCandidateFromCodeFence(t *testing.T) {
	raw := "here is the result:\n```json\n{\"status\":\"ok\",\"n\":1}\n```\ndone"
	candidate, ok := ExtractJSONCandidate(raw)
	require.True(t, ok)
	require.JSONEq(t, `{"status":"ok","n":1}`, candidate)
}

func TestExtractJSONCandidateHeuristicBraceMatch(t *testing.T) {
	raw := `some preamble {"status":"ok","nested":{"a":1}} trailing text`
	candidate, ok := ExtractJSONCandidate(raw)
	require.True(t, ok)
	require.JSONEq(t, `{"status":"ok","nested":{"a":1}}`, candidate)
}

func TestExtractJSONCandidateNoObjectFound(t *testing.T) {
	_, ok := ExtractJSONCandidate("no json here at all")
	require.False(t, ok)
}

func TestValidateAgainstMissingRequiredField(t *testing.T) {
	_, errs := ValidateAgainst(`{"other":1}`, ExecutionResultSchema)
	require.Len(t, errs, 1)
	require.Equal(t, "result_schema_invalid", errs[0].Code)
}

func TestValidateAgainstUnparseable(t *testing.T) {
	_, errs := ValidateAgainst(`not json`, ExecutionResultSchema)
	require.Len(t, errs, 1)
	require.Equal(t, "result_unparseable", errs[0].Code)
}

func TestClassifyFailure(t *testing.T) {
	require.Equal(t, FailureRateLimit, ClassifyFailure("429 too many requests"))
	require.Equal(t, FailureAuth, ClassifyFailure("401 Unauthorized: invalid api key"))
	require.Equal(t, FailureInteractive, ClassifyFailure("needs approval before continuing"))
	require.Equal(t, FailureTransient, ClassifyFailure("connection reset by peer"))
}

func TestIsRetryable(t *testing.T) {
	require.True(t, IsRetryable(FailureRateLimit))
	require.True(t, IsRetryable(FailureTransient))
	require.False(t, IsRetryable(FailureAuth))
}

type fakeExecutor struct {
	outcomes []AttemptOutcome
	errs     []error
	calls    int
}

func (f *fakeExecutor) RunAttempt(ctx context.Context, spec Spec, attemptNumber int, prompt string, contractMode string) (AttemptOutcome, error) {
	idx := f.calls
	f.calls++
	var err error
	if idx < len(f.errs) {
		err = f.errs[idx]
	}
	return f.outcomes[idx], err
}

type fakeBackpressure struct {
	reports []FailureClass
}

func (f *fakeBackpressure) ReportProviderBackpressure(provider string, class FailureClass) {
	f.reports = append(f.reports, class)
}

func TestRunnerFinalizesOKOnFirstValidAttempt(t *testing.T) {
	exec := &fakeExecutor{
		outcomes: []AttemptOutcome{
			{RunID: "run_1", Provider: "codex", RawOutput: `{"status":"ok"}`},
		},
		errs: make([]error, 1),
	}
	r := New(exec, nil)
	spec := Spec{Workspace: "ws", Project: "proj", JobID: "job_1", JobKind: JobKindExecution, Goal: "do it"}
	r.Submit(context.Background(), spec)

	waitForTerminal(t, r, Key{Workspace: "ws", Project: "proj", JobID: "job_1"})

	result, ok := r.Collect(Key{Workspace: "ws", Project: "proj", JobID: "job_1"})
	require.True(t, ok)
	require.Equal(t, ResultStatusOK, result.Status)
}

func TestRunnerFallsBackToNeedsInputAfterThreeAttempts(t *testing.T) {
	exec := &fakeExecutor{
		outcomes: []AttemptOutcome{
			{RunID: "run_1", Provider: "codex", RawOutput: "not-json"},
			{RunID: "run_2", Provider: "codex", RawOutput: "not-json"},
			{RunID: "run_3", Provider: "codex", RawOutput: "not-json"},
		},
	}
	r := New(exec, nil)
	spec := Spec{Workspace: "ws", Project: "proj", JobID: "job_2", JobKind: JobKindExecution, Goal: "do it"}
	r.Submit(context.Background(), spec)

	waitForTerminal(t, r, Key{Workspace: "ws", Project: "proj", JobID: "job_2"})

	result, ok := r.Collect(Key{Workspace: "ws", Project: "proj", JobID: "job_2"})
	require.True(t, ok)
	require.Equal(t, ResultStatusNeedsInput, result.Status)
	require.NotEmpty(t, result.Errors)

	job, ok := r.Poll(Key{Workspace: "ws", Project: "proj", JobID: "job_2"})
	require.True(t, ok)
	require.Equal(t, JobStatusCompleted, job.Status)
	require.Len(t, job.Attempts, 3)
}

func TestRunnerResubmissionOfActiveKeyReturnsExisting(t *testing.T) {
	exec := &fakeExecutor{
		outcomes: []AttemptOutcome{{RunID: "run_1", Provider: "codex", RawOutput: `{"status":"ok"}`}},
	}
	r := New(exec, nil)
	spec := Spec{Workspace: "ws", Project: "proj", JobID: "job_3", JobKind: JobKindExecution, Goal: "do it"}
	first := r.Submit(context.Background(), spec)
	second := r.Submit(context.Background(), spec)
	require.Same(t, first, second)
}

func TestRunnerPreflightBlockedFinalizesImmediately(t *testing.T) {
	exec := &fakeExecutor{
		outcomes: []AttemptOutcome{{RunID: "run_1", Provider: "codex", PreflightBlocked: true}},
	}
	r := New(exec, nil)
	spec := Spec{Workspace: "ws", Project: "proj", JobID: "job_4", JobKind: JobKindExecution, Goal: "do it"}
	r.Submit(context.Background(), spec)

	waitForTerminal(t, r, Key{Workspace: "ws", Project: "proj", JobID: "job_4"})

	result, _ := r.Collect(Key{Workspace: "ws", Project: "proj", JobID: "job_4"})
	require.Equal(t, ResultStatusBlocked, result.Status)
}

func waitForTerminal(t *testing.T, r *Runner, key Key) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		job, ok := r.Poll(key)
		if ok && (job.Status == JobStatusCompleted || job.Status == JobStatusCanceled) {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("job did not reach a terminal status in time")
}
