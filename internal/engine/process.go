package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/agentcompany/agentcompany/internal/journal"
	. "github.com/agentcompany/agentcompany/internal/logging"
)

// process wraps a running worker subprocess: its exec.Cmd, stdio pipes
// tee'd into both the run journal and outputs/ files, and the completion
// state needed by both command mode and app-server mode. The
// exec.CommandContext + timeout + exit-code extraction shape is grounded
// on the teacher's tools/exec.Runner.RunFull.
type process struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc

	stdin  io.WriteCloser
	stdout io.ReadCloser

	outDir string // spec.RunDir/outputs, home of stdout.txt/stderr.txt/stop_requested.flag

	mu       sync.Mutex
	started  time.Time
	finished bool
	exitCode int
	waitErr  error
}

// stopFlagName is the marker file signalStop creates before sending a
// termination signal, so Wait can tell an operator-requested stop apart
// from an ordinary process exit (spec §4.5: run.stopped is only emitted
// for an explicit abort, not for a worker that merely exits nonzero).
const stopFlagName = "stop_requested.flag"

// startProcess launches the worker binary for spec, tee-ing its stderr
// to outputs/stderr.txt and the journal as provider.raw events (stdout is
// tee'd by the caller, since command mode and app-server mode consume it
// differently).
func startProcess(ctx context.Context, spec Spec, w *journal.Writer) (*process, error) {
	execCtx, cancel := context.WithTimeout(ctx, spec.Timeout)

	cmd := exec.CommandContext(execCtx, spec.Provider.BinaryPath)
	cmd.Dir = spec.WorktreeDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("engine: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("engine: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("engine: stderr pipe: %w", err)
	}

	outDir := spec.RunDir
	if outDir == "" {
		outDir = spec.WorktreeDir
	}
	outDir = filepath.Join(outDir, "outputs")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		cancel()
		return nil, fmt.Errorf("engine: create outputs dir: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("engine: start worker: %w", err)
	}

	p := &process{cmd: cmd, cancel: cancel, stdin: stdin, stdout: stdout, outDir: outDir, started: time.Now()}

	stderrFile, ferr := os.Create(filepath.Join(outDir, "stderr.txt"))
	if ferr != nil {
		L_warn("engine: failed to create stderr.txt", "run_id", spec.RunID, "error", ferr)
	}
	go teeRaw(spec.RunID, "stderr", stderr, stderrFile, w, nil)

	return p, nil
}

// teeRaw copies r into outFile verbatim and into the run journal as
// provider.raw events, one per raw Read() chunk so chunk boundaries are
// preserved exactly as the provider emitted them (spec §4.5: "tee stdio
// to the journal as provider.raw events, per chunk, preserving chunk
// boundaries"). If onLine is non-nil, complete newline-terminated lines
// are additionally reassembled and handed to it, for callers that also
// need line-based parsing (usage extraction, JSON-RPC framing) layered
// on top of the raw tee.
func teeRaw(runID, stream string, r io.Reader, outFile *os.File, w *journal.Writer, onLine func(line string)) {
	buf := make([]byte, 32*1024)
	var lineBuf bytes.Buffer

	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			chunk := buf[:n]

			if outFile != nil {
				if _, werr := outFile.Write(chunk); werr != nil {
					L_warn("engine: failed to write output chunk", "run_id", runID, "stream", stream, "error", werr)
				}
			}

			env, err := journal.NewEnvelope(runID, runID, "system", journal.VisibilityTeam, journal.EventProviderRaw,
				map[string]string{"stream": stream, "chunk": string(chunk)}, nil)
			if err == nil {
				if _, werr := w.AppendEnvelope(env); werr != nil {
					L_warn("engine: failed to journal provider.raw chunk", "run_id", runID, "error", werr)
				}
			}

			if onLine != nil {
				lineBuf.Write(chunk)
				for {
					line, lerr := lineBuf.ReadString('\n')
					if lerr != nil {
						lineBuf.Reset()
						lineBuf.WriteString(line) // put back the unterminated remainder
						break
					}
					onLine(line[:len(line)-1])
				}
			}
		}
		if readErr != nil {
			break
		}
	}

	if onLine != nil && lineBuf.Len() > 0 {
		onLine(lineBuf.String())
	}
	if outFile != nil {
		_ = outFile.Close()
	}
}

// wait blocks until the subprocess exits, recording its exit code via
// *exec.ExitError the same way the teacher's runner does.
func (p *process) wait() (int, error) {
	err := p.cmd.Wait()
	p.cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.finished = true
	p.waitErr = err

	if err == nil {
		p.exitCode = 0
		return 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		p.exitCode = exitErr.ExitCode()
		return p.exitCode, nil
	}
	return -1, fmt.Errorf("engine: worker process error: %w", err)
}

// stopRequested reports whether signalStop marked this run as having
// been explicitly aborted, as opposed to exiting on its own.
func (p *process) stopRequested() bool {
	_, err := os.Stat(filepath.Join(p.outDir, stopFlagName))
	return err == nil
}

// signalStop writes the stop_requested.flag marker, then escalates from
// SIGTERM to SIGKILL (spec §4.5 abort/stop): a stopped run is first
// asked to exit cleanly, then killed outright if it doesn't within
// grace. The marker lets Wait later distinguish an explicit abort from
// a plain exit.
func (p *process) signalStop(grace time.Duration) {
	if f, err := os.Create(filepath.Join(p.outDir, stopFlagName)); err == nil {
		_ = f.Close()
	}
	p.terminate(grace)
}

// terminate escalates from SIGTERM to SIGKILL without marking the run as
// explicitly stopped — used to tear down a persistent app-server
// subprocess once its single turn completes normally.
func (p *process) terminate(grace time.Duration) {
	if p.cmd.Process == nil {
		return
	}
	_ = p.cmd.Process.Signal(processTerminateSignal())

	done := make(chan struct{})
	go func() {
		p.mu.Lock()
		finished := p.finished
		p.mu.Unlock()
		for !finished {
			time.Sleep(50 * time.Millisecond)
			p.mu.Lock()
			finished = p.finished
			p.mu.Unlock()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		L_warn("engine: worker did not exit after SIGTERM, sending SIGKILL")
		_ = p.cmd.Process.Kill()
	}
}
