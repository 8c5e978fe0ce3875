// Package web provides the HTTP status server for the EMS daemon.
package web

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/sweeney/solar-ems/internal/status"
	"github.com/sweeney/solar-ems/internal/store"
)

const (
	defaultHistory = 50
	maxHistory     = 500
)

// History reads the transition audit trail, newest first.
type History interface {
	History(limit int) ([]store.Transition, error)
}

// Options adds optional endpoints to the server.
type Options struct {
	// History backs /history.json. Nil serves 404.
	History History
	// Metrics backs /metrics. Nil serves 404.
	Metrics http.Handler
	// AccessLog, if set, receives one Apache combined log line per request.
	AccessLog io.Writer
}

// Server serves the status page over HTTP.
type Server struct {
	httpServer *http.Server
	tracker    *status.Tracker
	history    History
	handler    http.Handler
}

// New creates a Server that reads state from the given tracker.
func New(addr string, tracker *status.Tracker, opts Options) *Server {
	s := &Server{tracker: tracker, history: opts.History}

	r := mux.NewRouter()
	r.HandleFunc("/", s.handleIndex).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/index.html", s.handleIndex).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/index.json", s.handleJSON).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/history.json", s.handleHistory).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics).Methods(http.MethodGet)
	}

	var h http.Handler = r
	if opts.AccessLog != nil {
		h = handlers.CombinedLoggingHandler(opts.AccessLog, h)
	}
	s.handler = h

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the root handler, including access logging.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on the given listener. Useful for tests.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	renderHTML(w, snap)
}

func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	w.Write(status.FormatJSON(snap))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if !s.tracker.Snapshot().Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		io.WriteString(w, "telemetry unavailable\n")
		return
	}
	io.WriteString(w, "ok\n")
}

// TransitionJSON is one entry of /history.json.
type TransitionJSON struct {
	Timestamp string                   `json:"timestamp"`
	Load      string                   `json:"load"`
	Command   string                   `json:"command"`
	Reason    string                   `json:"reason"`
	Evidence  []status.MeasurementJSON `json:"evidence,omitempty"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.NotFound(w, r)
		return
	}

	limit := defaultHistory
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxHistory)
	}

	ts, err := s.history.History(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	out := make([]TransitionJSON, 0, len(ts))
	for _, t := range ts {
		tj := TransitionJSON{
			Timestamp: t.At.UTC().Format(time.RFC3339),
			Load:      t.Load,
			Command:   t.Command,
			Reason:    t.Reason,
		}
		for _, m := range t.Measurements() {
			tj.Evidence = append(tj.Evidence, status.MeasurementJSON{Name: m.Name, Value: m.Value, Limit: m.Limit})
		}
		out = append(out, tj)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}
