package ledger

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/felix5572/DeepTI/internal/events"
)

func openTest(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), File))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestLedgerRecordsRunLifecycle(t *testing.T) {
	l := openTest(t)
	bus := events.NewBus(64)
	l.Attach(bus)

	bus.Publish(events.NewTypedEvent(events.SourceCLI, events.RunStartedPayload{
		OutputDir: "new_job", Direction: "t", Begin: 270, End: 300, Initial: 1,
	}, "run-1"))
	job := events.JobPayload{JobID: "job-a", Root: "/scratch/job-a", Tasks: []string{"0"}}
	bus.Publish(events.NewTypedEvent(events.SourceDispatcher, events.JobSubmittedPayload{JobPayload: job}, "run-1"))
	bus.Publish(events.NewTypedEvent(events.SourceDispatcher, events.JobFinishedPayload{JobPayload: job}, "run-1"))
	bus.Publish(events.NewTypedEvent(events.SourceOracle, events.EvaluationComputedPayload{
		EvaluationPayload: events.EvaluationPayload{TaskID: 0, Temp: 270, Pres: 1, DV: 0.1, DH: -0.2, Slope: -3, WarmStart: -1},
		Elapsed:           90 * time.Second,
	}, "run-1"))
	bus.Publish(events.NewTypedEvent(events.SourceOracle, events.EvaluationCachedPayload{
		EvaluationPayload: events.EvaluationPayload{TaskID: 0, Temp: 270, Pres: 1, DV: 0.1, DH: -0.2, Slope: -3, WarmStart: -1},
	}, "run-1"))
	bus.Publish(events.NewTypedEvent(events.SourceCLI, events.RunFinishedPayload{Points: 2, Evaluations: 1}, "run-1"))
	bus.Close()

	runs, err := l.Runs(10)
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
	if runs[0].Status != "finished" || runs[0].Direction != "t" || runs[0].End != 300 {
		t.Errorf("run: %+v", runs[0])
	}
	if runs[0].FinishedAt == 0 {
		t.Error("finished_at not set")
	}

	jobs, err := l.Jobs("run-1")
	if err != nil {
		t.Fatalf("Jobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Status != "finished" || jobs[0].Tasks != `["0"]` {
		t.Errorf("jobs: %+v", jobs)
	}

	evals, err := l.Evaluations("run-1")
	if err != nil {
		t.Fatalf("Evaluations: %v", err)
	}
	if len(evals) != 2 {
		t.Fatalf("expected 2 evaluations, got %d", len(evals))
	}
	if evals[0].Cached || !evals[1].Cached {
		t.Errorf("cached flags: %v, %v", evals[0].Cached, evals[1].Cached)
	}
	if evals[0].ElapsedMS != 90000 || evals[0].WarmStart != -1 {
		t.Errorf("computed evaluation: %+v", evals[0])
	}

	sum, err := l.Summary()
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum != (Summary{Runs: 1, Jobs: 1, Terminated: 0, Evaluations: 2, Cached: 1}) {
		t.Errorf("summary: %+v", sum)
	}
}

func TestLedgerTerminatedJobAndFailedRun(t *testing.T) {
	l := openTest(t)

	job := events.JobPayload{JobID: "job-b", Root: "/scratch/job-b", Tasks: []string{"0", "1"}}
	for _, e := range []events.Event{
		events.NewTypedEvent(events.SourceCLI, events.RunStartedPayload{Direction: "p"}, "run-2"),
		events.NewTypedEvent(events.SourceDispatcher, events.JobSubmittedPayload{JobPayload: job}, "run-2"),
		events.NewTypedEvent(events.SourceDispatcher, events.JobTerminatedPayload{JobPayload: events.JobPayload{
			JobID: job.JobID, Root: job.Root, Tasks: job.Tasks, Error: "job terminated",
		}}, "run-2"),
		events.NewTypedEvent(events.SourceCLI, events.RunFinishedPayload{Error: "job terminated"}, "run-2"),
	} {
		if err := l.Record(e); err != nil {
			t.Fatalf("Record %s: %v", e.Type, err)
		}
	}

	jobs, _ := l.Jobs("")
	if len(jobs) != 1 || jobs[0].Status != "terminated" || jobs[0].Error != "job terminated" {
		t.Errorf("jobs: %+v", jobs)
	}
	runs, _ := l.Runs(1)
	if len(runs) != 1 || runs[0].Status != "failed" {
		t.Errorf("runs: %+v", runs)
	}
	sum, _ := l.Summary()
	if sum.Terminated != 1 {
		t.Errorf("terminated: got %d", sum.Terminated)
	}
}

func TestLedgerReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), File)
	l, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Record(events.NewTypedEvent(events.SourceCLI, events.RunStartedPayload{Direction: "t"}, "r")); err != nil {
		t.Fatal(err)
	}
	l.Close()

	l, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer l.Close()
	runs, err := l.Runs(5)
	if err != nil || len(runs) != 1 {
		t.Errorf("runs after reopen: %v, %v", runs, err)
	}
}

func TestLedgerIgnoresOtherEvents(t *testing.T) {
	l := openTest(t)
	if err := l.Record(events.NewEvent("other", events.SourceCLI, nil)); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
