package index

import (
	"context"
	"sync"
	"time"

	"github.com/agentcompany/agentcompany/internal/bus"
	"github.com/agentcompany/agentcompany/internal/journal"
	. "github.com/agentcompany/agentcompany/internal/logging"
)

// backupTickInterval is how often the worker re-syncs every known run
// even without a fsnotify nudge, matching the teacher's cron service
// backup-ticker fallback (internal/cron/service.go BackupTickInterval).
const backupTickInterval = 2 * time.Minute

// SyncWorker debounces fsnotify-driven index syncs per run, with a
// minimum interval floor and a periodic backup tick so the index
// eventually converges even if an event is missed (spec §4.4). The
// timer + backup-ticker + reschedule-channel shape is grounded on the
// teacher's cron.Service.Start/watchLoop.
type SyncWorker struct {
	store         *Store
	workspace     string
	debounce      time.Duration
	minInterval   time.Duration
	resolveRun    func(runDir string) (RunRef, bool)
	listKnownRuns func() []RunRef

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	dirty     map[string]struct{} // run IDs pending sync
	lastSync  map[string]time.Time
	pendingCh chan struct{}

	statusMu sync.Mutex
	status   Status
}

// Status reports the worker's health for /api/sync_worker_status.
type Status struct {
	LastTickAt   time.Time
	RunsSynced   int
	EventsSynced int
	ParseErrors  int
	Truncations  int
	PendingRuns  int
}

// NewSyncWorker constructs a worker. resolveRun maps a run directory path
// (as reported by a journal.Notification) to a RunRef; listKnownRuns
// enumerates every run the backup tick should revisit. workspace is the
// root the backup tick also walks for artifacts/reviews/help_requests
// (spec §4.3 filesystem-walk sync pass).
func NewSyncWorker(store *Store, workspace string, debounce, minInterval time.Duration, resolveRun func(string) (RunRef, bool), listKnownRuns func() []RunRef) *SyncWorker {
	return &SyncWorker{
		store:         store,
		workspace:     workspace,
		debounce:      debounce,
		minInterval:   minInterval,
		resolveRun:    resolveRun,
		listKnownRuns: listKnownRuns,
		dirty:         make(map[string]struct{}),
		lastSync:      make(map[string]time.Time),
		pendingCh:     make(chan struct{}, 1),
	}
}

// Start subscribes to journal change notifications and begins the
// debounce/backup-tick loop.
func (w *SyncWorker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.mu.Unlock()

	subID := bus.SubscribeEvent(bus.TopicEventsFileChanged, func(ev bus.Event) {
		notif, ok := ev.Data.(journal.Notification)
		if !ok {
			return
		}
		ref, ok := w.resolveRun(notif.RunDir)
		if !ok {
			return
		}
		w.markDirty(ref.RunID)
	})

	go w.loop(ctx, subID)
}

func (w *SyncWorker) markDirty(runID string) {
	w.mu.Lock()
	w.dirty[runID] = struct{}{}
	w.mu.Unlock()

	select {
	case w.pendingCh <- struct{}{}:
	default:
	}
}

func (w *SyncWorker) loop(ctx context.Context, subID bus.SubscriptionID) {
	defer bus.UnsubscribeEvent(subID)

	debounceTimer := time.NewTimer(w.debounce)
	if !debounceTimer.Stop() {
		<-debounceTimer.C
	}
	backupTicker := time.NewTicker(backupTickInterval)
	defer backupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-w.pendingCh:
			debounceTimer.Reset(w.debounce)
		case <-debounceTimer.C:
			w.drainDirty()
		case <-backupTicker.C:
			w.syncAllKnown()
		}
	}
}

func (w *SyncWorker) drainDirty() {
	w.mu.Lock()
	runIDs := make([]string, 0, len(w.dirty))
	for id := range w.dirty {
		runIDs = append(runIDs, id)
	}
	w.dirty = make(map[string]struct{})
	w.mu.Unlock()

	for _, runID := range runIDs {
		if w.withinMinInterval(runID) {
			w.markDirty(runID) // reschedule for after the floor passes
			continue
		}
		w.syncByID(runID)
	}
}

func (w *SyncWorker) withinMinInterval(runID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	last, ok := w.lastSync[runID]
	return ok && time.Since(last) < w.minInterval
}

func (w *SyncWorker) syncByID(runID string) {
	for _, ref := range w.listKnownRuns() {
		if ref.RunID == runID {
			w.syncRef(ref)
			return
		}
	}
}

func (w *SyncWorker) syncAllKnown() {
	for _, ref := range w.listKnownRuns() {
		w.syncRef(ref)
	}
	w.syncFilesystem()
}

// syncFilesystem runs the workspace-level artifacts/reviews/help_requests
// walk-and-tombstone pass (spec §4.3) on the same backup-tick cadence as
// the per-run event sync.
func (w *SyncWorker) syncFilesystem() {
	if w.workspace == "" {
		return
	}
	result, err := w.store.SyncFilesystem(w.workspace)
	if err != nil {
		L_warn("index: filesystem sync failed", "workspace", w.workspace, "error", err)
		return
	}
	L_debug("index: filesystem sync complete", "workspace", w.workspace,
		"artifacts", result.ArtifactsUpserted, "reviews", result.ReviewsUpserted,
		"help_requests", result.HelpRequestsUpserted, "deleted", result.Deleted)
}

func (w *SyncWorker) syncRef(ref RunRef) {
	result, err := w.store.Sync(ref)
	w.mu.Lock()
	w.lastSync[ref.RunID] = time.Now()
	w.mu.Unlock()

	w.statusMu.Lock()
	w.status.LastTickAt = time.Now()
	if err != nil {
		L_warn("index: sync failed", "run_id", ref.RunID, "error", err)
	} else {
		w.status.RunsSynced++
		w.status.EventsSynced += result.EventsSynced
		w.status.ParseErrors += result.ParseErrors
		if result.Truncated {
			w.status.Truncations++
		}
	}
	w.statusMu.Unlock()
}

// Stop halts the worker loop.
func (w *SyncWorker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	close(w.stopCh)
	w.running = false
}

// GetStatus returns a snapshot of the worker's counters.
func (w *SyncWorker) GetStatus() Status {
	w.statusMu.Lock()
	defer w.statusMu.Unlock()

	w.mu.Lock()
	pending := len(w.dirty)
	w.mu.Unlock()

	s := w.status
	s.PendingRuns = pending
	return s
}
