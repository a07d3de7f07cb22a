package heartbeat

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/felix5572/DeepTI/internal/events"
)

func TestWriteReadCycle(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, File)

	w := NewWriter(path, "run-1", "new_job")
	w.Start()
	defer w.Stop()

	status, hb, err := Check(path, 2*time.Minute)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if status != StatusAlive {
		t.Errorf("expected alive, got %s", status)
	}
	if hb == nil {
		t.Fatal("expected heartbeat, got nil")
	}
	if hb.PID != os.Getpid() {
		t.Errorf("PID: got %d, want %d", hb.PID, os.Getpid())
	}
	if hb.RunID != "run-1" || hb.OutputDir != "new_job" {
		t.Errorf("run fields: got %+v", hb)
	}
	if hb.Uptime == "" {
		t.Error("expected non-empty uptime")
	}
}

func TestProgressFromBus(t *testing.T) {
	path := filepath.Join(t.TempDir(), File)
	bus := events.NewBus(16)

	w := NewWriter(path, "run-2", "out")
	w.SetInterval(10 * time.Millisecond)
	unsubscribe := w.Attach(bus)
	defer unsubscribe()
	w.Start()
	defer w.Stop()

	eval := events.EvaluationPayload{TaskID: 3, Temp: 280, Pres: 1.5}
	bus.Publish(events.NewTypedEvent(events.SourceDispatcher, events.JobSubmittedPayload{JobPayload: events.JobPayload{JobID: "a"}}, "run-2"))
	bus.Publish(events.NewTypedEvent(events.SourceDispatcher, events.JobSubmittedPayload{JobPayload: events.JobPayload{JobID: "b"}}, "run-2"))
	bus.Publish(events.NewTypedEvent(events.SourceDispatcher, events.JobFinishedPayload{JobPayload: events.JobPayload{JobID: "a"}}, "run-2"))
	bus.Publish(events.NewTypedEvent(events.SourceOracle, events.EvaluationComputedPayload{EvaluationPayload: eval}, "run-2"))
	bus.Publish(events.NewTypedEvent(events.SourceOracle, events.EvaluationCachedPayload{EvaluationPayload: eval}, "run-2"))
	bus.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		_, hb, err := Check(path, time.Minute)
		if err != nil {
			t.Fatalf("Check: %v", err)
		}
		if hb != nil && hb.Evaluations == 1 && hb.Cached == 1 && hb.ActiveJobs == 1 {
			if hb.LastTemp != 280 || hb.LastPres != 1.5 {
				t.Errorf("last point: got (%g, %g)", hb.LastTemp, hb.LastPres)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("heartbeat never caught up: %+v", hb)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStaleDetection(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, File)

	old := Heartbeat{
		PID:       os.Getpid(),
		StartedAt: time.Now().Add(-2 * time.Hour),
		Timestamp: time.Now().Add(-1 * time.Hour),
		Uptime:    "1h0m0s",
	}
	data, _ := json.Marshal(old)
	os.WriteFile(path, data, 0o644)

	status, hb, err := Check(path, 30*time.Minute)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if status != StatusStale {
		t.Errorf("expected stale, got %s", status)
	}
	if hb == nil {
		t.Fatal("expected heartbeat, got nil")
	}
}

func TestDeadDetection(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, File)

	status, hb, err := Check(path, 2*time.Minute)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if status != StatusDead {
		t.Errorf("expected dead, got %s", status)
	}
	if hb != nil {
		t.Errorf("expected nil heartbeat, got %+v", hb)
	}
}

func TestStopRemovesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, File)

	w := NewWriter(path, "r", dir)
	w.Start()
	w.Stop()

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("expected heartbeat file to be removed after Stop")
	}
}

func TestWriteFailureIsLogged(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	defer slog.SetDefault(prev)

	// The parent of the heartbeat path is a regular file.
	parent := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(parent, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(parent, File)

	w := NewWriter(path, "run-1", "new_job")
	w.Start()
	w.Stop()

	if !strings.Contains(buf.String(), "heartbeat write failed") {
		t.Errorf("expected a debug log for the failed write, got %q", buf.String())
	}
	if status, _, _ := Check(path, time.Minute); status != StatusDead {
		t.Errorf("expected dead status, got %s", status)
	}
}
