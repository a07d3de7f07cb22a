package remote

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/felix5572/DeepTI/internal/config"
	"github.com/felix5572/DeepTI/internal/events"
)

// DefaultPollInterval is the wait between status checks.
const DefaultPollInterval = 30 * time.Second

// Group is a set of task directories sharing one command and file layout.
type Group struct {
	WorkPath    string   // local directory containing the tasks
	Tasks       []string // task directory names relative to WorkPath
	GroupSize   int      // tasks per job
	CommonFiles []string // relative to WorkPath, uploaded once per job
	TaskFiles   []string // relative to each task, uploaded
	ResultFiles []string // relative to each task, downloaded; may be globs
	Resources   config.Resources
	Command     string
}

// Options configures a Dispatcher.
type Options struct {
	PollInterval time.Duration
	JobTimeout   time.Duration // 0 waits forever
	Retries      int           // extra attempts for transfers and status checks
	RetryWait    time.Duration
	Clock        Clock
	Bus          *events.Bus
	RunID        string
}

// OptionsFromMachine maps the machine file onto dispatcher options.
func OptionsFromMachine(m *config.MachineConfig) Options {
	return Options{
		PollInterval: m.PollInterval.Duration(),
		JobTimeout:   m.JobTimeout.Duration(),
		Retries:      m.Retries,
		RetryWait:    m.RetryWait.Duration(),
	}
}

// Dispatcher runs task groups on a backend and blocks until every task's
// results are back locally.
type Dispatcher struct {
	backend Backend

	mu   sync.RWMutex
	opts Options
}

// NewDispatcher creates a dispatcher for backend.
func NewDispatcher(backend Backend, opts Options) *Dispatcher {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Clock == nil {
		opts.Clock = RealClock{}
	}
	return &Dispatcher{backend: backend, opts: opts}
}

// Tune replaces the polling, timeout and retry settings. Clock, Bus and
// RunID are kept. It is safe to call while Run is polling; the new values
// apply from the next poll.
func (d *Dispatcher) Tune(o Options) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	d.opts.PollInterval = o.PollInterval
	d.opts.JobTimeout = o.JobTimeout
	d.opts.Retries = o.Retries
	d.opts.RetryWait = o.RetryWait
}

func (d *Dispatcher) options() Options {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.opts
}

type pending struct {
	job   Job
	tasks []string
	done  bool
}

// Run splits g into jobs of g.GroupSize tasks, uploads and submits them, then
// polls until all are finished and downloaded. A terminated job aborts the
// run with a *JobError; jobs that finished are cleaned, the others are left
// on the compute resource for inspection.
func (d *Dispatcher) Run(ctx context.Context, g Group) error {
	if len(g.Tasks) == 0 {
		return nil
	}
	size := g.GroupSize
	if size <= 0 {
		size = 1
	}

	var jobs []*pending
	for start := 0; start < len(g.Tasks); start += size {
		end := min(start+size, len(g.Tasks))
		tasks := g.Tasks[start:end]
		job, err := d.backend.NewJob(ctx, JobSpec{
			ID:        uuid.NewString(),
			LocalDir:  g.WorkPath,
			Tasks:     tasks,
			Command:   g.Command,
			Resources: g.Resources,
		})
		if err != nil {
			return fmt.Errorf("create job: %w", err)
		}
		jobs = append(jobs, &pending{job: job, tasks: tasks})
	}

	eg, egCtx := errgroup.WithContext(ctx)
	for _, p := range jobs {
		eg.Go(func() error {
			err := d.retry(egCtx, "upload", func() error {
				return p.job.Upload(egCtx, g.CommonFiles, g.TaskFiles)
			})
			if err != nil {
				return d.jobError(p, fmt.Errorf("upload: %w", err))
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	for _, p := range jobs {
		if err := p.job.Submit(ctx); err != nil {
			return d.jobError(p, fmt.Errorf("submit: %w", err))
		}
		slog.Info("job submitted", "job", p.job.ID(), "root", p.job.Root(), "tasks", p.tasks)
		d.publish(events.JobSubmittedPayload{JobPayload: d.payload(p, nil)})
	}

	clock := d.options().Clock
	started := clock.Now()
	remaining := len(jobs)
	for remaining > 0 {
		opts := d.options()
		select {
		case <-clock.After(opts.PollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}

		for _, p := range jobs {
			if p.done {
				continue
			}
			var status JobStatus
			err := d.retry(ctx, "status", func() error {
				var err error
				status, err = p.job.Status(ctx)
				return err
			})
			if err != nil {
				return d.jobError(p, fmt.Errorf("check status: %w", err))
			}
			slog.Debug("job status", "job", p.job.ID(), "status", status)

			switch status {
			case StatusFinished:
				if err := d.collect(ctx, p, g.ResultFiles); err != nil {
					return err
				}
				p.done = true
				remaining--
			case StatusTerminated:
				jerr := d.jobError(p, ErrJobTerminated)
				slog.Error("job terminated", "job", p.job.ID(), "root", p.job.Root())
				d.publish(events.JobTerminatedPayload{JobPayload: d.payload(p, jerr)})
				return jerr
			}
		}

		if remaining > 0 && opts.JobTimeout > 0 && clock.Now().Sub(started) > opts.JobTimeout {
			for _, p := range jobs {
				if !p.done {
					return d.jobError(p, fmt.Errorf("%w after %s", ErrJobTimeout, opts.JobTimeout))
				}
			}
		}
	}
	return nil
}

func (d *Dispatcher) collect(ctx context.Context, p *pending, resultFiles []string) error {
	err := d.retry(ctx, "download", func() error {
		return p.job.Download(ctx, resultFiles)
	})
	if err != nil {
		return d.jobError(p, fmt.Errorf("download: %w", err))
	}
	if err := p.job.Clean(ctx); err != nil {
		slog.Warn("job clean failed", "job", p.job.ID(), "root", p.job.Root(), "error", err)
	}
	slog.Info("job finished", "job", p.job.ID(), "tasks", p.tasks)
	d.publish(events.JobFinishedPayload{JobPayload: d.payload(p, nil)})
	return nil
}

func (d *Dispatcher) retry(ctx context.Context, op string, fn func() error) error {
	opts := d.options()
	return withRetry(ctx, opts.Clock, opts.Retries, opts.RetryWait, op, fn)
}

func (d *Dispatcher) jobError(p *pending, err error) *JobError {
	return &JobError{JobID: p.job.ID(), Root: p.job.Root(), Tasks: p.tasks, Err: err}
}

func (d *Dispatcher) payload(p *pending, err error) events.JobPayload {
	jp := events.JobPayload{JobID: p.job.ID(), Root: p.job.Root(), Tasks: p.tasks}
	if err != nil {
		jp.Error = err.Error()
	}
	return jp
}

func (d *Dispatcher) publish(payload events.EventPayload) {
	opts := d.options()
	if opts.Bus == nil {
		return
	}
	opts.Bus.Publish(events.NewTypedEvent(events.SourceDispatcher, payload, opts.RunID))
}
