package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/agentcompany/agentcompany/internal/apperr"
	"github.com/agentcompany/agentcompany/internal/journal"
	. "github.com/agentcompany/agentcompany/internal/logging"
)

// Engine executes run specs. One Engine instance can drive many
// concurrent runs; per-run state lives in the Handle returned by
// Execute, not on the Engine itself.
type Engine struct {
	budgetUSD float64 // 0 = unlimited
}

// New creates an Engine. budgetUSD, if positive, is the per-run spending
// ceiling enforced during finalization (spec §7 BudgetExceeded).
func New(budgetUSD float64) *Engine {
	return &Engine{budgetUSD: budgetUSD}
}

// Handle represents one in-flight run.
type Handle struct {
	spec Spec
	proc *process
	app  *AppServerClient // non-nil only in app-server mode

	turnDone chan struct{} // closed once an app-server turn reaches a terminal notification

	mu               sync.Mutex
	usage            Usage
	output           strings.Builder
	threadID         string
	turnID           string
	completionStatus string // app-server mode only: completed | interrupted | failed
}

// Execute launches spec's worker process, tees its output to the run
// journal (via w), and returns a Handle for the caller to drive to
// completion with Wait, or to Stop early.
func (e *Engine) Execute(ctx context.Context, spec Spec, w *journal.Writer) (*Handle, error) {
	if spec.RepoID != "" {
		if err := captureContextPack(ctx, &spec, w); err != nil {
			L_warn("engine: context pack capture failed, continuing without snapshot", "run_id", spec.RunID, "error", err)
		}
	}

	p, err := startProcess(ctx, spec, w)
	if err != nil {
		return nil, err
	}

	h := &Handle{spec: spec, proc: p, turnDone: make(chan struct{})}

	env, _ := journal.NewEnvelope(spec.RunID, spec.RunID, "system", journal.VisibilityTeam, journal.EventRunExecuting,
		map[string]string{"provider": spec.ProviderName, "mode": spec.Provider.Mode}, nil)
	if _, err := w.AppendEnvelope(env); err != nil {
		L_warn("engine: failed to journal run.executing", "run_id", spec.RunID, "error", err)
	}

	stdoutFile, ferr := os.Create(filepath.Join(p.outDir, "stdout.txt"))
	if ferr != nil {
		L_warn("engine: failed to create stdout.txt", "run_id", spec.RunID, "error", ferr)
	}

	if Mode(spec.Provider.Mode) == ModeAppServer {
		h.app = newAppServerClient(p, spec.RunID, stdoutFile, w)
		go h.driveAppServerTurn(ctx, w)
	} else {
		close(h.turnDone) // command mode has no turn lifecycle to wait on
		if _, err := p.stdin.Write([]byte(spec.Prompt)); err != nil {
			L_warn("engine: failed to write prompt to worker stdin", "run_id", spec.RunID, "error", err)
		}
		_ = p.stdin.Close()
		go h.teeCommandStdout(w, stdoutFile)
	}

	return h, nil
}

// teeCommandStdout reads command-mode stdout chunk by chunk, journaling
// and persisting it raw while also reassembling lines to extract usage
// and accumulate the final textual output.
func (h *Handle) teeCommandStdout(w *journal.Writer, outFile *os.File) {
	extractor := NewExtractor(h.spec.ProviderName)

	teeRaw(h.spec.RunID, "stdout", h.proc.stdout, outFile, w, func(line string) {
		if strings.TrimSpace(line) == "" {
			return
		}

		if delta, ok := extractor.Extract(line); ok {
			h.mu.Lock()
			h.usage.InputTokens += delta.InputTokens
			h.usage.OutputTokens += delta.OutputTokens
			h.usage.CacheReadTokens += delta.CacheReadTokens
			h.usage.CacheCreationTokens += delta.CacheCreationTokens
			h.mu.Unlock()
			env, _ := journal.NewEnvelope(h.spec.RunID, h.spec.RunID, "system", journal.VisibilityTeam, journal.EventUsageReported, delta, nil)
			if _, err := w.AppendEnvelope(env); err != nil {
				L_warn("engine: failed to journal usage", "run_id", h.spec.RunID, "error", err)
			}
			return
		}

		h.mu.Lock()
		h.output.WriteString(line)
		h.output.WriteString("\n")
		h.mu.Unlock()
	})
}

// driveAppServerTurn sends initialize, thread/start and turn/start, then
// consumes notifications until turn/completed or the connection drops
// (spec §4.5 app-server mode).
func (h *Handle) driveAppServerTurn(ctx context.Context, w *journal.Writer) {
	defer func() {
		select {
		case <-h.turnDone:
		default:
			close(h.turnDone)
		}
	}()

	app := h.app

	if _, err := app.Call(ctx, "initialize", map[string]any{"runId": h.spec.RunID}); err != nil {
		L_warn("engine: app-server initialize failed", "run_id", h.spec.RunID, "error", err)
		return
	}

	startResult, err := app.Call(ctx, "thread/start", map[string]any{"workingDir": h.spec.WorktreeDir})
	if err != nil {
		L_warn("engine: app-server thread/start failed", "run_id", h.spec.RunID, "error", err)
		return
	}
	var started struct {
		ThreadID string `json:"threadId"`
	}
	_ = json.Unmarshal(startResult, &started)
	h.mu.Lock()
	h.threadID = started.ThreadID
	h.mu.Unlock()

	turnResult, err := app.Call(ctx, "turn/start", map[string]any{"threadId": started.ThreadID, "prompt": h.spec.Prompt})
	if err != nil {
		L_warn("engine: app-server turn/start failed", "run_id", h.spec.RunID, "error", err)
		return
	}
	var turn struct {
		TurnID string `json:"turnId"`
	}
	_ = json.Unmarshal(turnResult, &turn)
	h.mu.Lock()
	h.turnID = turn.TurnID
	h.mu.Unlock()

	seenCycleKinds := make(map[string]bool)

	for {
		select {
		case <-ctx.Done():
			return
		case note, ok := <-app.Notifications():
			if !ok {
				return
			}
			h.handleNotification(note, w, seenCycleKinds)
			if note.Method == "turn/completed" {
				return
			}
		}
	}
}

// handleNotification dispatches one app-server notification (spec §4.5
// "App-server protocol handling"): message deltas accumulate into the
// final output, token-usage updates replace the running Usage, and
// unrecognized provider-reported compaction signals are journaled as
// context.cycle.detected (one per distinct kind).
func (h *Handle) handleNotification(note rpcNotification, w *journal.Writer, seenCycleKinds map[string]bool) {
	switch note.Method {
	case "item/agentMessage/delta":
		var payload struct {
			Delta string `json:"delta"`
		}
		if err := json.Unmarshal(note.Params, &payload); err == nil {
			h.mu.Lock()
			h.output.WriteString(payload.Delta)
			h.mu.Unlock()
		}

	case "thread/tokenUsage/updated":
		var payload struct {
			InputTokens         int `json:"inputTokens"`
			OutputTokens        int `json:"outputTokens"`
			CacheReadTokens     int `json:"cacheReadTokens"`
			CacheCreationTokens int `json:"cacheCreationTokens"`
		}
		if err := json.Unmarshal(note.Params, &payload); err != nil {
			return
		}
		h.mu.Lock()
		h.usage = Usage{
			InputTokens:         payload.InputTokens,
			OutputTokens:        payload.OutputTokens,
			CacheReadTokens:     payload.CacheReadTokens,
			CacheCreationTokens: payload.CacheCreationTokens,
		}
		h.mu.Unlock()
		env, _ := journal.NewEnvelope(h.spec.RunID, h.spec.RunID, "system", journal.VisibilityTeam, journal.EventUsageReported, payload, nil)
		if _, err := w.AppendEnvelope(env); err != nil {
			L_warn("engine: failed to journal usage", "run_id", h.spec.RunID, "error", err)
		}

	case "turn/completed":
		var payload struct {
			Status string `json:"status"`
		}
		_ = json.Unmarshal(note.Params, &payload)
		h.mu.Lock()
		h.completionStatus = payload.Status
		h.mu.Unlock()

	case "error":
		var payload struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(note.Params, &payload)
		L_warn("engine: app-server reported error", "run_id", h.spec.RunID, "message", payload.Message)

	default:
		if isContextCycleSignal(note.Method) && !seenCycleKinds[note.Method] {
			seenCycleKinds[note.Method] = true
			env, _ := journal.NewEnvelope(h.spec.RunID, h.spec.RunID, "system", journal.VisibilityTeam, journal.EventContextCycleDetected,
				map[string]string{"kind": note.Method}, nil)
			if _, err := w.AppendEnvelope(env); err != nil {
				L_warn("engine: failed to journal context.cycle.detected", "run_id", h.spec.RunID, "error", err)
			}
		}
	}
}

// isContextCycleSignal recognizes provider-reported "compaction" style
// notifications (spec §4.5: "A separate pass scans notifications for
// context-cycle signals ... and emits context.cycle.detected for each
// new signal kind").
func isContextCycleSignal(method string) bool {
	m := strings.ToLower(method)
	return strings.Contains(m, "compact") || strings.Contains(m, "contextcycle") || strings.Contains(m, "context_cycle")
}

// Stop asks the run to terminate (spec §4.5 abort/stop): in app-server
// mode it first sends turn/interrupt and gives the worker 100ms to react
// before escalating, then SIGTERM/SIGKILL exactly as command mode does.
// Writing the stop marker (via proc.signalStop) makes the run's terminal
// status "stopped" regardless of exit code.
func (h *Handle) Stop(ctx context.Context) {
	if h.app != nil {
		h.mu.Lock()
		threadID, turnID := h.threadID, h.turnID
		h.mu.Unlock()
		if threadID != "" && turnID != "" {
			_, _ = h.app.Call(ctx, "turn/interrupt", map[string]string{"threadId": threadID, "turnId": turnID})
		}
		time.Sleep(100 * time.Millisecond)
		h.proc.signalStop(1400 * time.Millisecond)
		h.app.Close()
		return
	}
	h.proc.signalStop(1500 * time.Millisecond)
}

// App returns the app-server RPC client, or nil in command mode.
func (h *Handle) App() *AppServerClient {
	return h.app
}

// Wait blocks until the worker process exits and finalizes the run:
// computes usage/cost (estimating usage if the provider never reported
// any), checks the budget ceiling, writes the outputs/ artifacts, and
// returns the terminal Result. It also appends the corresponding
// run.ended/run.failed/run.stopped event to the journal.
func (e *Engine) Wait(h *Handle, w *journal.Writer) (Result, error) {
	<-h.turnDone
	if h.app != nil {
		// The run is scoped to one turn; once it completes, tear the
		// persistent app-server subprocess down so cmd.Wait() returns.
		h.proc.terminate(2 * time.Second)
	}
	exitCode, err := h.proc.wait()

	h.mu.Lock()
	usage := h.usage
	output := h.output.String()
	completionStatus := h.completionStatus
	h.mu.Unlock()

	if usage.InputTokens == 0 && usage.OutputTokens == 0 {
		usage = EstimateUsageFromText(h.spec.Prompt, output)
	}

	if usage.Estimated {
		estEnv, _ := journal.NewEnvelope(h.spec.RunID, h.spec.RunID, "system", journal.VisibilityTeam, journal.EventUsageEstimated, usage, nil)
		if _, appendErr := w.AppendEnvelope(estEnv); appendErr != nil {
			L_warn("engine: failed to journal estimated usage", "run_id", h.spec.RunID, "error", appendErr)
		}
	}

	cost := CalculateCost(h.spec.Provider.RateCard, usage)

	costEnv, _ := journal.NewEnvelope(h.spec.RunID, h.spec.RunID, "system", journal.VisibilityTeam, journal.EventUsageCostComputed, cost, nil)
	if _, appendErr := w.AppendEnvelope(costEnv); appendErr != nil {
		L_warn("engine: failed to journal cost", "run_id", h.spec.RunID, "error", appendErr)
	}

	result := Result{Usage: usage, Cost: cost, ExitCode: exitCode, Output: output}

	switch {
	case h.proc.stopRequested():
		result.Status = StatusStopped
	case e.budgetUSD > 0 && cost.TotalCost > e.budgetUSD:
		result.Status = StatusFailed
		result.FailureMsg = apperr.New(apperr.KindBudgetExceeded,
			fmt.Sprintf("run cost $%.4f exceeds budget $%.4f", cost.TotalCost, e.budgetUSD)).Error()
		exceedEnv, _ := journal.NewEnvelope(h.spec.RunID, h.spec.RunID, "system", journal.VisibilityTeam, journal.EventBudgetExceeded,
			map[string]any{"cost": cost.TotalCost, "budget": e.budgetUSD}, nil)
		if _, appendErr := w.AppendEnvelope(exceedEnv); appendErr != nil {
			L_warn("engine: failed to journal budget exceeded", "run_id", h.spec.RunID, "error", appendErr)
		}
	case err != nil:
		result.Status = StatusFailed
		result.FailureMsg = err.Error()
	case h.app != nil:
		if completionStatus == "completed" {
			result.Status = StatusEnded
		} else {
			result.Status = StatusFailed
			result.FailureMsg = fmt.Sprintf("app-server turn completed with status %q", completionStatus)
		}
	case exitCode != 0:
		result.Status = StatusFailed
		result.FailureMsg = fmt.Sprintf("worker exited with code %d", exitCode)
	default:
		result.Status = StatusEnded
	}

	writeOutputArtifacts(h, result, output)

	return finalizeResult(h.spec.RunID, w, result)
}

// writeOutputArtifacts persists outputs/token_usage.json and, in
// app-server mode, outputs/last_message.md from the assistant's
// accumulated message buffer (spec §4.5 finalization). stdout.txt,
// stderr.txt and stop_requested.flag are written incrementally as the
// run progresses (teeRaw, process.signalStop).
func writeOutputArtifacts(h *Handle, result Result, output string) {
	usageJSON, err := json.MarshalIndent(struct {
		Usage Usage
		Cost  Cost
	}{result.Usage, result.Cost}, "", "  ")
	if err == nil {
		if err := os.WriteFile(filepath.Join(h.proc.outDir, "token_usage.json"), usageJSON, 0o644); err != nil {
			L_warn("engine: failed to write token_usage.json", "run_id", h.spec.RunID, "error", err)
		}
	}

	if h.app != nil {
		if err := os.WriteFile(filepath.Join(h.proc.outDir, "last_message.md"), []byte(output), 0o644); err != nil {
			L_warn("engine: failed to write last_message.md", "run_id", h.spec.RunID, "error", err)
		}
	}
}

func finalizeResult(runID string, w *journal.Writer, result Result) (Result, error) {
	var evType journal.EventType
	payload := map[string]any{"exit_code": result.ExitCode}
	switch result.Status {
	case StatusFailed:
		evType = journal.EventRunFailed
		payload["error"] = result.FailureMsg
	case StatusStopped:
		evType = journal.EventRunStopped
	default:
		evType = journal.EventRunEnded
	}

	env, _ := journal.NewEnvelope(runID, runID, "system", journal.VisibilityTeam, evType, payload, nil)
	if _, err := w.AppendEnvelope(env); err != nil {
		L_warn("engine: failed to journal terminal event", "run_id", runID, "error", err)
	}
	return result, nil
}
