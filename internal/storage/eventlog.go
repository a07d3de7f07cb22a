// Package storage persists run progress next to the record file.
package storage

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/felix5572/DeepTI/internal/events"
	"github.com/felix5572/DeepTI/internal/storage/dirstore"
)

// EventLogFile is the JSONL event log inside the database directory.
const EventLogFile = "events.jsonl"

// EventLogger persists bus events to a JSONL file.
type EventLogger struct {
	path        string
	unsubscribe func()
}

// NewEventLogger creates an EventLogger that subscribes to all bus events
// and appends them as JSON lines to path.
func NewEventLogger(path string, bus *events.Bus) *EventLogger {
	el := &EventLogger{path: path}
	el.unsubscribe = bus.Subscribe(el.handleEvent)
	return el
}

// Close unsubscribes the logger from the event bus.
func (el *EventLogger) Close() {
	if el.unsubscribe != nil {
		el.unsubscribe()
	}
}

// Path returns the log file path.
func (el *EventLogger) Path() string { return el.path }

func (el *EventLogger) handleEvent(e events.Event) {
	if err := el.writeEvent(e); err != nil {
		slog.Warn("event log write failed", "path", el.path, "type", e.Type, "error", err)
	}
}

func (el *EventLogger) writeEvent(e events.Event) error {
	if err := os.MkdirAll(filepath.Dir(el.path), 0o755); err != nil {
		return err
	}
	return dirstore.AppendJSONL(el.path, e)
}

// ReadEvents loads a JSONL event log, optionally keeping only the given run.
func ReadEvents(path, runID string) ([]events.Event, error) {
	all, err := dirstore.LoadJSONL[events.Event](path)
	if err != nil {
		return nil, err
	}
	if runID == "" {
		return all, nil
	}
	var out []events.Event
	for _, e := range all {
		if e.RunID == runID {
			out = append(out, e)
		}
	}
	return out, nil
}
