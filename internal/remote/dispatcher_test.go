package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/felix5572/DeepTI/internal/events"
)

// fakeClock returns immediately from After and advances its own time.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(0, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

// fakeJob reports the statuses in script one poll at a time, then repeats
// the last one.
type fakeJob struct {
	spec   JobSpec
	script []JobStatus

	mu            sync.Mutex
	polls         int
	uploads       int
	uploadErrs    int
	statusErrs    int
	submitted     bool
	downloaded    bool
	cleaned       bool
	downloadFiles []string
}

func (j *fakeJob) ID() string   { return j.spec.ID }
func (j *fakeJob) Root() string { return "/scratch/" + j.spec.ID }

func (j *fakeJob) Upload(context.Context, []string, []string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.uploads++
	if j.uploadErrs > 0 {
		j.uploadErrs--
		return errors.New("connection reset")
	}
	return nil
}

func (j *fakeJob) Submit(context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.submitted = true
	return nil
}

func (j *fakeJob) Status(context.Context) (JobStatus, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.statusErrs > 0 {
		j.statusErrs--
		return StatusUnknown, errors.New("squeue unavailable")
	}
	i := min(j.polls, len(j.script)-1)
	j.polls++
	return j.script[i], nil
}

func (j *fakeJob) Download(_ context.Context, files []string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.downloaded = true
	j.downloadFiles = files
	return nil
}

func (j *fakeJob) Clean(context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.cleaned = true
	return nil
}

type fakeBackend struct {
	mu     sync.Mutex
	jobs   []*fakeJob
	script func(n int) []JobStatus
	tweak  func(j *fakeJob)
}

func (b *fakeBackend) NewJob(_ context.Context, spec JobSpec) (Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	script := []JobStatus{StatusFinished}
	if b.script != nil {
		script = b.script(len(b.jobs))
	}
	j := &fakeJob{spec: spec, script: script}
	if b.tweak != nil {
		b.tweak(j)
	}
	b.jobs = append(b.jobs, j)
	return j, nil
}

func (b *fakeBackend) Close() error { return nil }

func testGroup(tasks ...string) Group {
	return Group{
		WorkPath:    "/tmp/work",
		Tasks:       tasks,
		GroupSize:   1,
		TaskFiles:   []string{"conf.lmp", "in.lammps", "graph.pb"},
		ResultFiles: []string{"log.lammps", "out.lmp"},
		Command:     "lmp -i in.lammps > /dev/null",
	}
}

func TestDispatcherChunksAndCollects(t *testing.T) {
	backend := &fakeBackend{}
	d := NewDispatcher(backend, Options{Clock: newFakeClock()})

	g := testGroup("0", "1", "2")
	g.GroupSize = 2
	if err := d.Run(context.Background(), g); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(backend.jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(backend.jobs))
	}
	if got := backend.jobs[0].spec.Tasks; len(got) != 2 || got[0] != "0" || got[1] != "1" {
		t.Errorf("first chunk: %v", got)
	}
	if got := backend.jobs[1].spec.Tasks; len(got) != 1 || got[0] != "2" {
		t.Errorf("second chunk: %v", got)
	}
	for i, j := range backend.jobs {
		if !j.submitted || !j.downloaded || !j.cleaned {
			t.Errorf("job %d: submitted=%v downloaded=%v cleaned=%v", i, j.submitted, j.downloaded, j.cleaned)
		}
		if j.spec.Command != g.Command {
			t.Errorf("job %d command: %q", i, j.spec.Command)
		}
	}
}

func TestDispatcherPollsUntilFinished(t *testing.T) {
	clock := newFakeClock()
	backend := &fakeBackend{script: func(int) []JobStatus {
		return []JobStatus{StatusSubmitted, StatusRunning, StatusRunning, StatusFinished}
	}}
	d := NewDispatcher(backend, Options{Clock: clock, PollInterval: 30 * time.Second})

	if err := d.Run(context.Background(), testGroup("0", "1")); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, j := range backend.jobs {
		if j.polls != 4 {
			t.Errorf("job %s polled %d times, want 4", j.spec.ID, j.polls)
		}
	}
	if elapsed := clock.Now().Sub(time.Unix(0, 0)); elapsed != 2*time.Minute {
		t.Errorf("expected 4 poll intervals, clock advanced %s", elapsed)
	}
}

func TestDispatcherTerminatedIsFatal(t *testing.T) {
	backend := &fakeBackend{script: func(n int) []JobStatus {
		if n == 1 {
			return []JobStatus{StatusRunning, StatusTerminated}
		}
		return []JobStatus{StatusRunning, StatusRunning, StatusFinished}
	}}
	bus := events.NewBus(16)
	ch := make(chan events.Event, 16)
	bus.Subscribe(func(e events.Event) { ch <- e }, events.EventJobTerminated)

	d := NewDispatcher(backend, Options{Clock: newFakeClock(), Bus: bus, RunID: "r"})
	err := d.Run(context.Background(), testGroup("0", "1"))

	var jerr *JobError
	if !errors.As(err, &jerr) {
		t.Fatalf("expected *JobError, got %v", err)
	}
	if !errors.Is(err, ErrJobTerminated) {
		t.Errorf("expected ErrJobTerminated, got %v", err)
	}
	if jerr.Root != backend.jobs[1].Root() {
		t.Errorf("error root %q, want %q", jerr.Root, backend.jobs[1].Root())
	}
	if backend.jobs[1].cleaned || backend.jobs[1].downloaded {
		t.Error("terminated job must be left in place")
	}
	if backend.jobs[0].cleaned {
		t.Error("unfinished job must not be cleaned")
	}

	bus.Close()
	select {
	case e := <-ch:
		p, ok := events.ExtractPayload[events.JobTerminatedPayload](e)
		if !ok || p.Root != jerr.Root {
			t.Errorf("terminated event: %+v", p)
		}
	default:
		t.Error("expected a job.terminated event")
	}
}

func TestDispatcherRetriesTransientErrors(t *testing.T) {
	backend := &fakeBackend{tweak: func(j *fakeJob) {
		j.uploadErrs = 2
		j.statusErrs = 1
	}}
	d := NewDispatcher(backend, Options{Clock: newFakeClock(), Retries: 3, RetryWait: time.Second})

	if err := d.Run(context.Background(), testGroup("0")); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if backend.jobs[0].uploads != 3 {
		t.Errorf("uploads: got %d, want 3", backend.jobs[0].uploads)
	}
}

func TestDispatcherRetriesExhausted(t *testing.T) {
	backend := &fakeBackend{tweak: func(j *fakeJob) { j.uploadErrs = 10 }}
	d := NewDispatcher(backend, Options{Clock: newFakeClock(), Retries: 2})

	err := d.Run(context.Background(), testGroup("0"))
	var jerr *JobError
	if !errors.As(err, &jerr) {
		t.Fatalf("expected *JobError, got %v", err)
	}
	if backend.jobs[0].uploads != 3 {
		t.Errorf("uploads: got %d, want 3", backend.jobs[0].uploads)
	}
	if backend.jobs[0].submitted {
		t.Error("job must not be submitted after failed upload")
	}
}

func TestDispatcherNoRetriesWhenNegative(t *testing.T) {
	backend := &fakeBackend{tweak: func(j *fakeJob) { j.uploadErrs = 1 }}
	d := NewDispatcher(backend, Options{Clock: newFakeClock(), Retries: -1})

	if err := d.Run(context.Background(), testGroup("0")); err == nil {
		t.Fatal("expected upload error")
	}
	if backend.jobs[0].uploads != 1 {
		t.Errorf("uploads: got %d, want 1", backend.jobs[0].uploads)
	}
}

func TestDispatcherTimeout(t *testing.T) {
	backend := &fakeBackend{script: func(int) []JobStatus { return []JobStatus{StatusRunning} }}
	d := NewDispatcher(backend, Options{
		Clock:        newFakeClock(),
		PollInterval: time.Minute,
		JobTimeout:   10 * time.Minute,
	})

	err := d.Run(context.Background(), testGroup("0"))
	if !errors.Is(err, ErrJobTimeout) {
		t.Fatalf("expected ErrJobTimeout, got %v", err)
	}
	if polls := backend.jobs[0].polls; polls != 11 {
		t.Errorf("polls: got %d, want 11", polls)
	}
}

func TestDispatcherContextCancel(t *testing.T) {
	backend := &fakeBackend{script: func(int) []JobStatus { return []JobStatus{StatusRunning} }}
	d := NewDispatcher(backend, Options{Clock: RealClock{}, PollInterval: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := d.Run(ctx, testGroup("0")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestDispatcherPublishesLifecycle(t *testing.T) {
	bus := events.NewBus(16)
	var mu sync.Mutex
	var got []events.EventType
	bus.Subscribe(func(e events.Event) {
		mu.Lock()
		got = append(got, e.Type)
		mu.Unlock()
	})

	d := NewDispatcher(&fakeBackend{}, Options{Clock: newFakeClock(), Bus: bus})
	if err := d.Run(context.Background(), testGroup("0", "1")); err != nil {
		t.Fatal(err)
	}
	bus.Close()

	want := []events.EventType{
		events.EventJobSubmitted, events.EventJobSubmitted,
		events.EventJobFinished, events.EventJobFinished,
	}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("events: got %v, want %v", got, want)
	}
}

func TestDispatcherTuneKeepsClock(t *testing.T) {
	backend := &fakeBackend{script: func(int) []JobStatus { return []JobStatus{StatusRunning} }}
	d := NewDispatcher(backend, Options{
		Clock:        newFakeClock(),
		PollInterval: time.Minute,
		JobTimeout:   10 * time.Minute,
	})
	d.Tune(Options{PollInterval: time.Minute, JobTimeout: 3 * time.Minute})

	err := d.Run(context.Background(), testGroup("0"))
	if !errors.Is(err, ErrJobTimeout) {
		t.Fatalf("expected ErrJobTimeout, got %v", err)
	}
	if polls := backend.jobs[0].polls; polls != 4 {
		t.Errorf("polls: got %d, want 4", polls)
	}
}
