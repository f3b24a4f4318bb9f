// Package httpapi is the HTTP transport for the RPC router (spec §4.9,
// §6): JSON-over-HTTP method dispatch at POST /api/rpc plus a
// reconnectable SSE stream at GET /api/events.
//
// Grounded wholesale on goclaw's internal/http/server.go + handlers.go:
// the route table built with http.NewServeMux, the
// logRequest->stripHeaders middleware chain (wrap), and the
// handleEvents SSE handler with Last-Event-ID replay + flusher keep-alive
// loop.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/agentcompany/agentcompany/internal/apperr"
	. "github.com/agentcompany/agentcompany/internal/logging"
	"github.com/agentcompany/agentcompany/internal/rpcapi"
)

// Config holds HTTP server configuration (mirrors config.HTTPConfig).
type Config struct {
	Listen string
}

// Server is the HTTP transport wrapping an rpcapi.Router and an
// EventBroker for SSE push.
type Server struct {
	cfg    Config
	router *rpcapi.Router
	events *EventBroker

	server *http.Server
	wg     sync.WaitGroup
}

func NewServer(cfg Config, router *rpcapi.Router, events *EventBroker) *Server {
	return &Server{cfg: cfg, router: router, events: events}
}

func (s *Server) setupRoutes() http.Handler {
	mux := http.NewServeMux()

	wrap := func(h http.HandlerFunc) http.HandlerFunc {
		return logRequest(stripHeaders(h))
	}

	mux.HandleFunc("/api/rpc", wrap(s.handleRPC))
	mux.HandleFunc("/api/events", wrap(s.handleEvents))

	return mux
}

// Start launches the server in the background, matching goclaw's
// Server.Start: spawn ListenAndServe in a goroutine, log a non-graceful
// exit as an error.
func (s *Server) Start() error {
	listen := s.cfg.Listen
	if listen == "" {
		listen = ":8080"
	}
	s.server = &http.Server{Addr: listen, Handler: s.setupRoutes()}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		L_info("httpapi: server starting", "addr", listen)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			L_error("httpapi: server error", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}
	s.wg.Wait()
	L_info("httpapi: server stopped")
	return nil
}

type rpcRequestBody struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body rpcRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperr.Wrap(apperr.KindUserError, "malformed request body", err))
		return
	}

	result, err := s.router.Dispatch(r.Context(), body.Method, body.Params)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if encodeErr := json.NewEncoder(w).Encode(map[string]any{"result": result}); encodeErr != nil {
		L_warn("httpapi: failed to encode rpc response", "method", body.Method, "error", encodeErr)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	kind := apperr.KindOf(err)
	switch kind {
	case apperr.KindUserError, apperr.KindStatePrecondition:
		status = http.StatusBadRequest
	case apperr.KindBudgetExceeded:
		status = http.StatusPaymentRequired
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"kind": string(kind), "message": err.Error()},
	})
}

func logRequest(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(lw, r)
		L_trace("httpapi: request", "method", r.Method, "path", r.URL.Path, "status", lw.statusCode, "duration", time.Since(start))
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lw *loggingResponseWriter) WriteHeader(code int) {
	lw.statusCode = code
	lw.ResponseWriter.WriteHeader(code)
}

func (lw *loggingResponseWriter) Flush() {
	if f, ok := lw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func stripHeaders(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Del("Server")
		w.Header().Del("X-Powered-By")
		handler(w, r)
	}
}
