// Package engine implements the subprocess execution engine (spec §4.5):
// launching a worker binary in either command mode (run to completion,
// parse final output) or app-server/JSON-RPC mode (long-lived process,
// request/response over stdio), tee-ing stdio to the run journal, tracking
// usage and cost, and supporting abort/stop. The process lifecycle and
// exit-code extraction are grounded on the teacher's tools/exec.Runner
// (internal/tools/exec/runner.go); the usage/cost attach logic is grounded
// on internal/llm/cost.go.
package engine

import (
	"time"

	"github.com/agentcompany/agentcompany/internal/config"
)

// Mode selects how a worker subprocess is driven.
type Mode string

const (
	ModeCommand   Mode = "command"
	ModeAppServer Mode = "app_server"
)

// Usage accumulates token counts observed for a run, whether reported
// directly by the provider or estimated from stdio when it doesn't
// report usage at all.
type Usage struct {
	InputTokens         int
	OutputTokens        int
	CacheReadTokens     int
	CacheCreationTokens int
	Estimated           bool // true if derived via the token estimator rather than provider-reported
}

// Cost is the USD cost breakdown for a run, computed from Usage and a
// RateCardConfig exactly as the teacher's CalculateRequestCost does.
type Cost struct {
	InputCost      float64
	OutputCost     float64
	CacheReadCost  float64
	CacheWriteCost float64
	TotalCost      float64
}

// CalculateCost mirrors the teacher's CalculateRequestCost (internal/llm/cost.go),
// generalized from a single chat response to a run's accumulated Usage.
func CalculateCost(rate config.RateCardConfig, u Usage) Cost {
	c := Cost{
		InputCost:      float64(u.InputTokens) * rate.InputPerMillion / 1_000_000,
		OutputCost:     float64(u.OutputTokens) * rate.OutputPerMillion / 1_000_000,
		CacheReadCost:  float64(u.CacheReadTokens) * rate.CacheReadPerMillion / 1_000_000,
		CacheWriteCost: float64(u.CacheCreationTokens) * rate.CacheWritePerMillion / 1_000_000,
	}
	c.TotalCost = c.InputCost + c.OutputCost + c.CacheReadCost + c.CacheWriteCost
	return c
}

// Status is a run's terminal or in-flight disposition.
type Status string

const (
	StatusPending   Status = "pending"
	StatusExecuting Status = "executing"
	StatusEnded     Status = "ended"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
)

// Spec describes one run to execute.
type Spec struct {
	RunID          string
	Workspace      string
	RunDir         string // run's own directory (parent of events.jsonl and outputs/)
	WorktreeDir    string // prepared git worktree the worker should operate in
	RepoID         string // non-empty if this run is associated with a git repo
	RepoDir        string // the repo's checkout, source for PrepareWorktree and captureContextPack
	ContextPackDir string // where the context-pack manifest/dirty-patch are written; defaults under Workspace
	ProviderName   string
	Provider       config.ProviderConfig
	Prompt         string
	ContextPackRef string // path to the context pack snapshot handed to the worker
	Timeout        time.Duration
}

// Result is what the engine reports back to the job runner once a run
// reaches a terminal status.
type Result struct {
	Status     Status
	Usage      Usage
	Cost       Cost
	ExitCode   int
	Output     string // worker's final textual output (command mode) or last response (app-server mode)
	FailureMsg string
}
