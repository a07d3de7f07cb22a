// Package remote runs groups of simulation tasks as batch jobs on a compute
// resource and brings their results back.
package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/felix5572/DeepTI/internal/config"
)

var (
	// ErrJobTerminated is returned when a job ends without finishing.
	ErrJobTerminated = errors.New("job terminated")
	// ErrJobTimeout is returned when a job does not finish within the
	// configured timeout.
	ErrJobTimeout = errors.New("job timed out")
)

// JobStatus is the state of a submitted job as seen by the poller.
type JobStatus int

const (
	StatusUnknown JobStatus = iota
	StatusSubmitted
	StatusRunning
	StatusFinished
	StatusTerminated
)

func (s JobStatus) String() string {
	switch s {
	case StatusSubmitted:
		return "submitted"
	case StatusRunning:
		return "running"
	case StatusFinished:
		return "finished"
	case StatusTerminated:
		return "terminated"
	}
	return "unknown"
}

// JobSpec describes one job: the tasks it runs and how.
type JobSpec struct {
	ID        string
	LocalDir  string   // local directory holding the task directories
	Tasks     []string // task directory names relative to LocalDir
	Command   string   // run inside each task directory
	Resources config.Resources
}

// Job is one submitted unit of work on a backend.
type Job interface {
	ID() string
	// Root is the job's working directory on the compute resource.
	Root() string
	Upload(ctx context.Context, commonFiles, taskFiles []string) error
	Submit(ctx context.Context) error
	Status(ctx context.Context) (JobStatus, error)
	Download(ctx context.Context, resultFiles []string) error
	Clean(ctx context.Context) error
}

// Backend creates jobs on one compute resource.
type Backend interface {
	NewJob(ctx context.Context, spec JobSpec) (Job, error)
	Close() error
}

// JobError reports a job that could not complete, with enough context to
// inspect it on the compute resource.
type JobError struct {
	JobID string
	Root  string
	Tasks []string
	Err   error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("job %s at %s (tasks %s): %v", e.JobID, e.Root, strings.Join(e.Tasks, ","), e.Err)
}

func (e *JobError) Unwrap() error { return e.Err }
