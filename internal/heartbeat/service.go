package heartbeat

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/agentcompany/agentcompany/internal/bus"
	. "github.com/agentcompany/agentcompany/internal/logging"
)

const backupTickInterval = 5 * time.Minute

// WorkerEnumerator lists the workers in scope for one workspace's tick.
type WorkerEnumerator func(ctx context.Context, workspace string) ([]Worker, error)

// SignalsProvider computes the scoring signals for one worker.
type SignalsProvider func(ctx context.Context, workspace string, w Worker) (Signals, error)

// JobDispatcher enqueues a heartbeat job for a chosen worker (spec §4.7
// step 6); it is expected to wrap jobrunner.Runner.Submit.
type JobDispatcher func(ctx context.Context, workspace string, w Worker, jitter time.Duration) error

// StateStore persists and loads the per-workspace scheduler State
// (spec §4.7 step 7; backed by internal/fsmodel reading/writing
// .local/heartbeat/state.yaml).
type StateStore interface {
	Load(workspace string) (State, error)
	Save(workspace string, state State) error
}

// Service runs one cooperative tick loop per workspace, grounded on
// goclaw's internal/cron/service.go timer + backup-ticker +
// reschedule-channel shape: a time.Timer drives the next scheduled
// tick, a backupTicker guarantees forward progress even if the timer
// logic drifts, and a buffered rescheduleCh lets external callers
// (TriggerNow) nudge the loop without blocking.
type Service struct {
	workspace string
	cfg       Config

	enumerate WorkerEnumerator
	signals   SignalsProvider
	dispatch  JobDispatcher
	states    StateStore

	mu           sync.Mutex
	running      bool
	stopCh       chan struct{}
	doneCh       chan struct{}
	rescheduleCh chan struct{}

	schedule cron.Schedule // non-nil if cfg.TickCron parsed successfully

	lastTick time.Time
}

func NewService(workspace string, cfg Config, enumerate WorkerEnumerator, signals SignalsProvider, dispatch JobDispatcher, states StateStore) *Service {
	s := &Service{
		workspace:    workspace,
		cfg:          cfg,
		enumerate:    enumerate,
		signals:      signals,
		dispatch:     dispatch,
		states:       states,
		rescheduleCh: make(chan struct{}, 1),
	}
	if cfg.TickCron != "" {
		sched, err := cron.ParseStandard(cfg.TickCron)
		if err != nil {
			L_warn("heartbeat: invalid tick_cron, falling back to interval", "expr", cfg.TickCron, "error", err)
		} else {
			s.schedule = sched
		}
	}
	return s
}

// nextInterval returns the duration until the next tick: the cron
// schedule's next occurrence after now if cfg.TickCron parsed
// successfully, else the fixed TickIntervalMinutes.
func (s *Service) nextInterval(now time.Time) time.Duration {
	if s.schedule != nil {
		d := s.schedule.Next(now).Sub(now)
		if d > 0 {
			return d
		}
	}
	interval := time.Duration(s.cfg.TickIntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = time.Minute
	}
	return interval
}

// Start launches the tick loop. It is a no-op if the config disables
// the scheduler.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.loop(ctx)
}

// Stop halts the tick loop; in-flight ticks run to completion.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	done := s.doneCh
	s.mu.Unlock()
	<-done
}

// TriggerNow asks the loop to run a tick as soon as possible, without
// waiting for the timer (used by heartbeat.tick RPC).
func (s *Service) TriggerNow() {
	select {
	case s.rescheduleCh <- struct{}{}:
	default:
	}
}

func (s *Service) loop(ctx context.Context) {
	defer close(s.doneCh)

	timer := time.NewTimer(s.nextInterval(time.Now()))
	backupTicker := time.NewTicker(backupTickInterval)
	defer timer.Stop()
	defer backupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-s.rescheduleCh:
			s.runTick(ctx)
			timer.Reset(s.nextInterval(time.Now()))
		case <-timer.C:
			s.runTick(ctx)
			timer.Reset(s.nextInterval(time.Now()))
		case <-backupTicker.C:
			s.runTick(ctx)
		}
	}
}

// runTick is exported as Tick for direct invocation (heartbeat.tick
// RPC, and tests); ticks for the same workspace never overlap because
// the service loop is single-goroutine.
func (s *Service) Tick(ctx context.Context) error {
	return s.runTick(ctx)
}

func (s *Service) runTick(ctx context.Context) error {
	s.lastTick = time.Now()

	state, err := s.states.Load(s.workspace)
	if err != nil {
		L_warn("heartbeat: failed to load state", "workspace", s.workspace, "error", err)
		state = State{}
	}
	if state.Workers == nil {
		state.Workers = make(map[string]WorkerState)
	}
	if state.RunEventCursors == nil {
		state.RunEventCursors = make(map[string]int)
	}

	workers, err := s.enumerate(ctx, s.workspace)
	if err != nil {
		return err
	}

	now := time.Now()
	hour := now.Hour()
	quiet := InQuietHours(hour, s.cfg.QuietHoursStartHour, s.cfg.QuietHoursEndHour)
	minScore := s.cfg.MinWakeScore
	if quiet {
		minScore *= 2
	}

	candidates := make([]Candidate, 0, len(workers))
	for _, w := range workers {
		sig, err := s.signals(ctx, s.workspace, w)
		if err != nil {
			L_warn("heartbeat: failed to compute signals", "agent_id", w.AgentID, "error", err)
			continue
		}
		score := WakeScore(sig)
		ws := state.Workers[w.AgentID]
		suppressed := ShouldSuppress(ws, sig.ContextHash, now)
		candidates = append(candidates, Candidate{Worker: w, Score: score, Suppressed: suppressed})
		ws.LastContextHash = sig.ContextHash
		state.Workers[w.AgentID] = ws
	}

	chosen := RankAndSelect(candidates, s.cfg.TopKWorkers, minScore)

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range chosen {
		c := c
		g.Go(func() error {
			jitter := time.Duration(rand.Intn(s.cfg.JitterMaxSeconds+1)) * time.Second
			return s.dispatch(gctx, s.workspace, c.Worker, jitter)
		})
	}
	if err := g.Wait(); err != nil {
		L_warn("heartbeat: dispatch error", "workspace", s.workspace, "error", err)
	}

	if err := s.states.Save(s.workspace, state); err != nil {
		L_warn("heartbeat: failed to save state", "workspace", s.workspace, "error", err)
	}

	bus.PublishEventWithSource(bus.TopicHeartbeatTick, map[string]any{
		"workspace": s.workspace, "dispatched": len(chosen), "candidates": len(candidates),
	}, "heartbeat")

	return nil
}
