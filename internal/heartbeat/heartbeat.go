// Package heartbeat provides liveness detection for a running integration.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/felix5572/DeepTI/internal/events"
	"github.com/felix5572/DeepTI/internal/storage/dirstore"
)

// File is the heartbeat file name inside the database directory.
const File = "heartbeat.json"

// Status represents the liveness state of a run.
type Status string

const (
	StatusAlive Status = "alive"
	StatusStale Status = "stale"
	StatusDead  Status = "dead"
)

// Heartbeat is the data written to the heartbeat file.
type Heartbeat struct {
	PID         int       `json:"pid"`
	RunID       string    `json:"run_id"`
	OutputDir   string    `json:"output_dir"`
	StartedAt   time.Time `json:"started_at"`
	Timestamp   time.Time `json:"timestamp"`
	Uptime      string    `json:"uptime"`
	Evaluations int       `json:"evaluations"`
	Cached      int       `json:"cached"`
	ActiveJobs  int       `json:"active_jobs"`
	LastTemp    float64   `json:"last_temp,omitempty"`
	LastPres    float64   `json:"last_pres,omitempty"`
}

// Writer periodically writes a heartbeat file to disk.
type Writer struct {
	path      string
	runID     string
	outputDir string
	interval  time.Duration
	started   time.Time

	mu       sync.Mutex
	progress Heartbeat
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewWriter creates a heartbeat writer that writes to path every 30s.
func NewWriter(path, runID, outputDir string) *Writer {
	return &Writer{
		path:      path,
		runID:     runID,
		outputDir: outputDir,
		interval:  30 * time.Second,
	}
}

// SetInterval changes the write period. It must be called before Start.
func (w *Writer) SetInterval(d time.Duration) {
	if d > 0 {
		w.interval = d
	}
}

// Attach counts evaluations and in-flight jobs published on bus.
func (w *Writer) Attach(bus *events.Bus) func() {
	return bus.Subscribe(w.observe,
		events.EventEvaluationCached, events.EventEvaluationComputed,
		events.EventJobSubmitted, events.EventJobFinished, events.EventJobTerminated,
	)
}

func (w *Writer) observe(e events.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch e.Type {
	case events.EventEvaluationComputed:
		if p, ok := events.ExtractPayload[events.EvaluationComputedPayload](e); ok {
			w.progress.Evaluations++
			w.progress.LastTemp, w.progress.LastPres = p.Temp, p.Pres
		}
	case events.EventEvaluationCached:
		if p, ok := events.ExtractPayload[events.EvaluationCachedPayload](e); ok {
			w.progress.Cached++
			w.progress.LastTemp, w.progress.LastPres = p.Temp, p.Pres
		}
	case events.EventJobSubmitted:
		w.progress.ActiveJobs++
	case events.EventJobFinished, events.EventJobTerminated:
		if w.progress.ActiveJobs > 0 {
			w.progress.ActiveJobs--
		}
	}
}

// Start begins writing heartbeat files in a background goroutine.
func (w *Writer) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel != nil {
		return // already running
	}

	w.started = time.Now()
	w.done = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	w.writeLocked()

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				w.mu.Lock()
				w.writeLocked()
				w.mu.Unlock()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops writing and removes the heartbeat file.
func (w *Writer) Stop() {
	w.mu.Lock()
	if w.cancel == nil {
		w.mu.Unlock()
		return
	}
	w.cancel()
	done := w.done
	w.cancel = nil
	w.mu.Unlock()

	<-done
	os.Remove(w.path)
}

func (w *Writer) writeLocked() {
	hb := w.progress
	hb.PID = os.Getpid()
	hb.RunID = w.runID
	hb.OutputDir = w.outputDir
	hb.StartedAt = w.started
	hb.Timestamp = time.Now()
	hb.Uptime = time.Since(w.started).Truncate(time.Second).String()

	// a missed beat only ages the file
	if err := dirstore.WriteJSON(w.path, hb); err != nil {
		slog.Debug("heartbeat write failed", "path", w.path, "error", err)
	}
}

// Check reads a heartbeat file and returns the liveness status.
// maxAge determines how old a heartbeat can be before it's considered stale.
func Check(path string, maxAge time.Duration) (Status, *Heartbeat, error) {
	var hb Heartbeat
	if err := dirstore.ReadJSON(path, &hb); err != nil {
		if errors.Is(err, dirstore.ErrNotFound) {
			return StatusDead, nil, nil
		}
		return StatusDead, nil, fmt.Errorf("read heartbeat: %w", err)
	}

	if time.Since(hb.Timestamp) > maxAge {
		return StatusStale, &hb, nil
	}
	return StatusAlive, &hb, nil
}
