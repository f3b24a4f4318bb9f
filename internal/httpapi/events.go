package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	. "github.com/agentcompany/agentcompany/internal/logging"
)

const replayBufferSize = 256

// BufferedEvent is one event held in the replay ring so a reconnecting
// client can catch up via Last-Event-ID (spec §4 supplemented feature:
// event replay for SSE reconnects).
type BufferedEvent struct {
	ID   int
	Name string
	Data any
}

// EventBroker fans a stream of named events out to any number of SSE
// subscribers, keeping the last replayBufferSize events so a
// reconnecting client can request a replay — grounded on goclaw's
// per-session event buffer + Last-Event-ID handling in handleEvents.
type EventBroker struct {
	mu     sync.Mutex
	nextID int
	buffer []BufferedEvent
	subs   map[chan BufferedEvent]struct{}
}

func NewEventBroker() *EventBroker {
	return &EventBroker{subs: make(map[chan BufferedEvent]struct{})}
}

// Publish appends event to the replay buffer and fans it out to all
// current subscribers (non-blocking: a slow subscriber drops the event
// rather than stalling the publisher).
func (b *EventBroker) Publish(name string, data any) {
	b.mu.Lock()
	b.nextID++
	ev := BufferedEvent{ID: b.nextID, Name: name, Data: data}
	b.buffer = append(b.buffer, ev)
	if len(b.buffer) > replayBufferSize {
		b.buffer = b.buffer[len(b.buffer)-replayBufferSize:]
	}
	subs := make([]chan BufferedEvent, 0, len(b.subs))
	for ch := range b.subs {
		subs = append(subs, ch)
	}
	b.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// subscribe registers a new subscriber channel and returns it along with
// the events strictly after lastEventID still held in the buffer.
func (b *EventBroker) subscribe(lastEventID int) (chan BufferedEvent, []BufferedEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan BufferedEvent, 64)
	b.subs[ch] = struct{}{}

	var replay []BufferedEvent
	if lastEventID > 0 {
		for _, ev := range b.buffer {
			if ev.ID > lastEventID {
				replay = append(replay, ev)
			}
		}
	}
	return ch, replay
}

func (b *EventBroker) unsubscribe(ch chan BufferedEvent) {
	b.mu.Lock()
	delete(b.subs, ch)
	b.mu.Unlock()
}

// handleEvents serves GET /api/events, matching goclaw's handleEvents:
// SSE headers, Last-Event-ID replay, then a select loop forwarding live
// events with a periodic heartbeat comment to keep the connection from
// being reaped by intermediaries.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	lastEventID := 0
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			lastEventID = parsed
		}
	}

	ch, replay := s.events.subscribe(lastEventID)
	defer s.events.unsubscribe(ch)

	for _, ev := range replay {
		writeSSE(w, ev)
		flusher.Flush()
	}
	if len(replay) > 0 {
		L_info("httpapi: replayed events", "count", len(replay))
	}

	ctx := r.Context()
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			writeSSE(w, ev)
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev BufferedEvent) {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		L_error("httpapi: failed to marshal sse event", "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\nid: %d\ndata: %s\n\n", ev.Name, ev.ID, data)
}
