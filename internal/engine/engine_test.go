package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentcompany/agentcompany/internal/config"
	"github.com/agentcompany/agentcompany/internal/journal"
)

func TestCalculateCost(t *testing.T) {
	rate := config.RateCardConfig{
		InputPerMillion:      3.0,
		OutputPerMillion:     15.0,
		CacheReadPerMillion:  0.3,
		CacheWritePerMillion: 3.75,
	}
	usage := Usage{InputTokens: 1_000_000, OutputTokens: 500_000, CacheReadTokens: 200_000, CacheCreationTokens: 100_000}

	cost := CalculateCost(rate, usage)
	if cost.InputCost != 3.0 {
		t.Fatalf("InputCost = %v, want 3.0", cost.InputCost)
	}
	if cost.OutputCost != 7.5 {
		t.Fatalf("OutputCost = %v, want 7.5", cost.OutputCost)
	}
	want := 3.0 + 7.5 + 0.06 + 0.375
	if diff := cost.TotalCost - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("TotalCost = %v, want %v", cost.TotalCost, want)
	}
}

func TestNotificationFilterMatchesExpression(t *testing.T) {
	f, err := NewNotificationFilter(`.type == "tool_use"`)
	if err != nil {
		t.Fatalf("NewNotificationFilter: %v", err)
	}
	if !f.Matches([]byte(`{"type":"tool_use","name":"bash"}`)) {
		t.Fatal("expected match for tool_use notification")
	}
	if f.Matches([]byte(`{"type":"heartbeat"}`)) {
		t.Fatal("expected no match for heartbeat notification")
	}
}

func TestNotificationFilterDefaultMatchesEverything(t *testing.T) {
	f, err := NewNotificationFilter("")
	if err != nil {
		t.Fatalf("NewNotificationFilter: %v", err)
	}
	if !f.Matches([]byte(`{"anything":true}`)) {
		t.Fatal("expected default filter to match everything")
	}
}

func TestJSONLineExtractorDedupsByID(t *testing.T) {
	e := &jsonLineExtractor{}
	line := `{"type":"usage","id":"req_1","usage":{"input_tokens":10,"output_tokens":5}}`

	u, ok := e.Extract(line)
	if !ok {
		t.Fatal("expected first occurrence to match")
	}
	if u.InputTokens != 10 || u.OutputTokens != 5 {
		t.Fatalf("unexpected usage: %+v", u)
	}

	_, ok = e.Extract(line)
	if ok {
		t.Fatal("expected duplicate id to be suppressed")
	}
}

func TestExecuteCommandModeRunToCompletion(t *testing.T) {
	script := writeExecutableScript(t, `#!/bin/sh
cat > /dev/null
echo "hello from worker"
exit 0
`)

	dir := t.TempDir()
	w, err := journal.OpenWriter(filepath.Join(dir, "events.jsonl"))
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}
	defer w.Close()

	eng := New(0)
	spec := Spec{
		RunID:        "run_1",
		ProviderName: "test-provider",
		Provider:     config.ProviderConfig{BinaryPath: script, Mode: string(ModeCommand)},
		Prompt:       "do the thing",
		Timeout:      5 * time.Second,
	}

	h, err := eng.Execute(context.Background(), spec, w)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	result, err := eng.Wait(h, w)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if result.Status != StatusEnded {
		t.Fatalf("Status = %s, want %s (failure: %s)", result.Status, StatusEnded, result.FailureMsg)
	}
}

func TestExecuteCommandModeNonZeroExitFails(t *testing.T) {
	script := writeExecutableScript(t, `#!/bin/sh
cat > /dev/null
exit 3
`)

	dir := t.TempDir()
	w, err := journal.OpenWriter(filepath.Join(dir, "events.jsonl"))
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}
	defer w.Close()

	eng := New(0)
	spec := Spec{
		RunID:        "run_1",
		ProviderName: "test-provider",
		Provider:     config.ProviderConfig{BinaryPath: script, Mode: string(ModeCommand)},
		Prompt:       "do the thing",
		Timeout:      5 * time.Second,
	}

	h, err := eng.Execute(context.Background(), spec, w)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	result, err := eng.Wait(h, w)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if result.Status != StatusFailed {
		t.Fatalf("Status = %s, want %s", result.Status, StatusFailed)
	}
	if result.ExitCode != 3 {
		t.Fatalf("ExitCode = %d, want 3", result.ExitCode)
	}
}

func writeExecutableScript(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.sh")
	if err := os.WriteFile(path, []byte(contents), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}
