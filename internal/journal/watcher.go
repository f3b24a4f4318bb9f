package journal

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/agentcompany/agentcompany/internal/bus"
	. "github.com/agentcompany/agentcompany/internal/logging"
)

// Notification is the payload published on bus.TopicEventsFileChanged
// whenever a run's events.jsonl grows. The index sync worker (spec §4.4)
// subscribes to this to trigger a debounced, targeted sync instead of
// polling every run directory on a timer.
type Notification struct {
	RunDir    string
	EventsFile string
}

// Watcher watches a workspace's runs directory tree for events.jsonl
// writes and new run directories, generalizing the teacher's single-file
// SessionWatcher (internal/session/watcher.go) to "watch an arbitrary,
// growing set of files under a root directory" — fsnotify itself has no
// recursive mode, so each run subdirectory is added to the watch set as
// it is discovered.
type Watcher struct {
	root    string
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	watched map[string]bool
}

const eventsFileName = "events.jsonl"

// NewWatcher creates a watcher rooted at root (a workspace's runs
// directory, e.g. ".local/runs").
func NewWatcher(root string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		root:    root,
		watcher: fw,
		stopCh:  make(chan struct{}),
		watched: make(map[string]bool),
	}, nil
}

// Start begins watching. It adds every existing subdirectory of root, and
// thereafter adds newly created subdirectories as they appear.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.addExistingDirs(); err != nil {
		return err
	}

	L_info("journal: watcher started", "root", w.root)
	go w.loop(ctx)
	return nil
}

func (w *Watcher) addExistingDirs() error {
	if err := os.MkdirAll(w.root, 0o755); err != nil {
		return err
	}
	if err := w.watcher.Add(w.root); err != nil {
		return err
	}
	w.watched[w.root] = true

	entries, err := os.ReadDir(w.root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(w.root, e.Name())
		if err := w.watcher.Add(dir); err == nil {
			w.watched[dir] = true
		} else {
			L_warn("journal: failed to watch run dir", "dir", dir, "error", err)
		}
	}
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	close(w.stopCh)
	w.watcher.Close()
	w.running = false
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			L_warn("journal: watcher error", "error", err)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	info, statErr := os.Stat(ev.Name)

	if ev.Op&fsnotify.Create == fsnotify.Create && statErr == nil && info.IsDir() {
		w.mu.Lock()
		already := w.watched[ev.Name]
		w.mu.Unlock()
		if !already {
			if err := w.watcher.Add(ev.Name); err == nil {
				w.mu.Lock()
				w.watched[ev.Name] = true
				w.mu.Unlock()
				L_debug("journal: now watching new run dir", "dir", ev.Name)
			}
		}
		return
	}

	if filepath.Base(ev.Name) != eventsFileName {
		return
	}
	if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}

	runDir := filepath.Dir(ev.Name)
	L_trace("journal: events file changed", "file", ev.Name)
	bus.PublishEventWithSource(bus.TopicEventsFileChanged, Notification{
		RunDir:     runDir,
		EventsFile: ev.Name,
	}, "journal")
}

// WaitQuiet blocks until d has elapsed with no further fsnotify events, or
// ctx is done. Index sync debouncing (spec §4.4) uses this shape rather
// than reacting to every single line append.
func WaitQuiet(ctx context.Context, ch <-chan struct{}, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			if !t.Stop() {
				<-t.C
			}
			t.Reset(d)
		case <-t.C:
			return
		}
	}
}
