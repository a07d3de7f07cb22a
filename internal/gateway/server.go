// Package gateway serves a read-only HTTP and WebSocket view of a running
// integration: evaluation records, ledger history and live events.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/felix5572/DeepTI/internal/database"
	"github.com/felix5572/DeepTI/internal/events"
	"github.com/felix5572/DeepTI/internal/gateway/ws"
	"github.com/felix5572/DeepTI/internal/heartbeat"
	"github.com/felix5572/DeepTI/internal/ledger"
)

// staleAfter is how old a heartbeat may be before the run is reported stale.
const staleAfter = 2 * time.Minute

// Server is the monitoring HTTP server.
type Server struct {
	httpServer *http.Server
	hub        *ws.Hub
	bus        *events.Bus
	ledger     *ledger.Ledger
	dbDir      string
}

// NewServer creates a server bound to addr. dbDir is the database directory
// of the run; lg may be nil, in which case the ledger routes answer 503.
func NewServer(bus *events.Bus, dbDir string, lg *ledger.Ledger, addr string) *Server {
	s := &Server{
		bus:    bus,
		ledger: lg,
		dbDir:  dbDir,
	}
	s.hub = ws.NewHub(bus, s.records)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/ws", s.hub.ServeWS)
	r.Get("/api/events", s.handleEvents)
	r.Get("/api/records", s.handleRecords)
	r.Get("/api/status", s.handleStatus)

	r.Route("/api/runs", func(r chi.Router) {
		r.Get("/", s.handleRuns)
		r.Get("/{runID}/jobs", s.handleJobs)
		r.Get("/{runID}/evaluations", s.handleEvaluations)
	})

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: r,
	}

	return s
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start begins listening. It blocks until the server is stopped.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	slog.Info("monitor listening", "addr", ln.Addr().String())
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

// records re-reads the record file so the handler never shares the
// oracle's in-memory store.
func (s *Server) records() ([]database.Record, error) {
	store, err := database.Open(s.dbDir)
	if err != nil {
		return nil, err
	}
	return store.Records(), nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	history := s.bus.History(limit)

	type eventJSON struct {
		ID        string             `json:"id"`
		RunID     string             `json:"run_id,omitempty"`
		Type      string             `json:"type"`
		Timestamp string             `json:"timestamp"`
		Source    events.EventSource `json:"source"`
		Payload   map[string]any     `json:"payload"`
	}

	result := make([]eventJSON, len(history))
	for i, e := range history {
		result[i] = eventJSON{
			ID:        e.ID,
			RunID:     e.RunID,
			Type:      string(e.Type),
			Timestamp: e.Timestamp.Format(time.RFC3339Nano),
			Source:    e.Source,
			Payload:   e.Payload,
		}
	}

	writeJSON(w, result)
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	recs, err := s.records()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	type recordJSON struct {
		Task int     `json:"task"`
		Temp float64 `json:"temp"`
		Pres float64 `json:"pres"`
		DV   float64 `json:"dv"`
		DH   float64 `json:"dh"`
	}
	result := make([]recordJSON, len(recs))
	for i, rec := range recs {
		result[i] = recordJSON{Task: i, Temp: rec.Temp, Pres: rec.Pres, DV: rec.DV, DH: rec.DH}
	}
	writeJSON(w, result)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, hb, err := heartbeat.Check(filepath.Join(s.dbDir, heartbeat.File), staleAfter)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{
		"status":    status,
		"heartbeat": hb,
		"clients":   s.hub.Clients(),
	})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		http.Error(w, "ledger not available", http.StatusServiceUnavailable)
		return
	}
	runs, err := s.ledger.Runs(20)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, runs)
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		http.Error(w, "ledger not available", http.StatusServiceUnavailable)
		return
	}
	jobs, err := s.ledger.Jobs(chi.URLParam(r, "runID"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, jobs)
}

func (s *Server) handleEvaluations(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		http.Error(w, "ledger not available", http.StatusServiceUnavailable)
		return
	}
	evals, err := s.ledger.Evaluations(chi.URLParam(r, "runID"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, evals)
}
