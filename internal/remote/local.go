package remote

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"github.com/felix5572/DeepTI/internal/storage/dirstore"
)

// LocalBackend runs jobs on this machine. Each job gets a private scratch
// copy of its tasks under root, and commands run through an embedded POSIX
// shell interpreter.
type LocalBackend struct {
	root string
}

// NewLocalBackend creates a backend using root as scratch space.
func NewLocalBackend(root string) *LocalBackend {
	return &LocalBackend{root: root}
}

func (b *LocalBackend) NewJob(_ context.Context, spec JobSpec) (Job, error) {
	if spec.Command == "" {
		return nil, fmt.Errorf("job %s: empty command", spec.ID)
	}
	prog, err := syntax.NewParser().Parse(strings.NewReader(spec.Command), "command")
	if err != nil {
		return nil, fmt.Errorf("parse command: %w", err)
	}
	return &localJob{
		spec: spec,
		root: filepath.Join(b.root, spec.ID),
		prog: prog,
	}, nil
}

func (b *LocalBackend) Close() error { return nil }

type localJob struct {
	spec JobSpec
	root string
	prog *syntax.File

	mu     sync.Mutex
	status JobStatus
	cancel context.CancelFunc
	done   chan struct{}
}

func (j *localJob) ID() string   { return j.spec.ID }
func (j *localJob) Root() string { return j.root }

func (j *localJob) Upload(_ context.Context, commonFiles, taskFiles []string) error {
	if err := os.MkdirAll(j.root, 0o755); err != nil {
		return fmt.Errorf("create job root: %w", err)
	}
	for _, f := range commonFiles {
		if err := dirstore.CopyFile(filepath.Join(j.spec.LocalDir, f), filepath.Join(j.root, f)); err != nil {
			return err
		}
	}
	for _, task := range j.spec.Tasks {
		if err := os.MkdirAll(filepath.Join(j.root, task), 0o755); err != nil {
			return fmt.Errorf("create task dir: %w", err)
		}
		for _, f := range taskFiles {
			// CopyFile follows links, so linked inputs arrive as regular files.
			src := filepath.Join(j.spec.LocalDir, task, f)
			if err := dirstore.CopyFile(src, filepath.Join(j.root, task, f)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (j *localJob) Submit(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.done != nil {
		return fmt.Errorf("job %s already submitted", j.spec.ID)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	j.cancel = cancel
	j.done = make(chan struct{})
	j.status = StatusRunning

	go func() {
		defer close(j.done)
		status := StatusFinished
		for _, task := range j.spec.Tasks {
			if err := j.runTask(runCtx, task); err != nil {
				slog.Error("local task failed", "job", j.spec.ID, "task", task, "error", err)
				status = StatusTerminated
				break
			}
		}
		j.mu.Lock()
		j.status = status
		j.mu.Unlock()
	}()
	return nil
}

func (j *localJob) runTask(ctx context.Context, task string) error {
	env := os.Environ()
	for k, v := range j.spec.Resources.Envs {
		env = append(env, k+"="+v)
	}

	var stderr bytes.Buffer
	runner, err := interp.New(
		interp.Dir(filepath.Join(j.root, task)),
		interp.Env(expand.ListEnviron(env...)),
		interp.StdIO(nil, &stderr, &stderr),
	)
	if err != nil {
		return fmt.Errorf("create shell: %w", err)
	}
	if err := runner.Run(ctx, j.prog); err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

func (j *localJob) Status(context.Context) (JobStatus, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.done == nil {
		return StatusUnknown, fmt.Errorf("job %s not submitted", j.spec.ID)
	}
	return j.status, nil
}

func (j *localJob) Download(_ context.Context, resultFiles []string) error {
	for _, task := range j.spec.Tasks {
		taskRoot := filepath.Join(j.root, task)
		for _, pattern := range resultFiles {
			matches, err := resultMatches(taskRoot, pattern)
			if err != nil {
				return fmt.Errorf("task %s: %w", task, err)
			}
			for _, m := range matches {
				dst := filepath.Join(j.spec.LocalDir, task, m)
				if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
					return err
				}
				if err := dirstore.CopyFile(filepath.Join(taskRoot, m), dst); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// resultMatches expands pattern inside dir. A plain name must exist; a
// glob may match nothing.
func resultMatches(dir, pattern string) ([]string, error) {
	if !isGlob(pattern) {
		if _, err := os.Stat(filepath.Join(dir, pattern)); err != nil {
			return nil, fmt.Errorf("result file %s: %w", pattern, err)
		}
		return []string{pattern}, nil
	}
	matches, err := doublestar.Glob(os.DirFS(dir), filepath.ToSlash(pattern), doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("result pattern %s: %w", pattern, err)
	}
	sort.Strings(matches)
	for i, m := range matches {
		matches[i] = filepath.FromSlash(m)
	}
	return matches, nil
}

func isGlob(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[{")
}

func (j *localJob) Clean(context.Context) error {
	j.mu.Lock()
	cancel, done := j.cancel, j.done
	j.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	return os.RemoveAll(j.root)
}
