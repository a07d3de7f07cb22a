package taskbuild

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"log/slog"
	"path/filepath"
	"strconv"
	"time"

	"github.com/felix5572/DeepTI/internal/config"
	"github.com/felix5572/DeepTI/internal/heartbeat"
	"github.com/felix5572/DeepTI/internal/lammps"
	"github.com/felix5572/DeepTI/internal/storage/dirstore"
)

// Files at the root of an output directory.
const (
	PhaseIConf   = "conf.0.lmp"
	PhaseIIConf  = "conf.1.lmp"
	SnapshotFile = "in.json"
	DatabaseDir  = "database"
	lockFile     = ".lock"
)

// staleLockAge is how long the heartbeat of a lock owner may go
// unrefreshed before the lock is considered abandoned.
const staleLockAge = 2 * time.Minute

// lockGrace is how long a lock file may stay without a PID.
const lockGrace = 10 * time.Second

var (
	// ErrSetupMismatch is returned when an existing output directory was
	// set up with a different run configuration.
	ErrSetupMismatch = errors.New("output directory does not match run configuration")
	// ErrLocked is returned when another run holds the output directory.
	ErrLocked = errors.New("output directory is in use")
)

// Layout names the files of one output directory.
type Layout struct {
	Root string
}

func (l Layout) PhaseConf(phase int) string {
	if phase == 0 {
		return filepath.Join(l.Root, PhaseIConf)
	}
	return filepath.Join(l.Root, PhaseIIConf)
}

func (l Layout) Model() string       { return filepath.Join(l.Root, lammps.ModelFile) }
func (l Layout) Snapshot() string    { return filepath.Join(l.Root, SnapshotFile) }
func (l Layout) DatabaseDir() string { return filepath.Join(l.Root, DatabaseDir) }

// Tasks returns the task directory store of the database.
func (l Layout) Tasks() *dirstore.DirStore {
	return dirstore.NewDirStore(l.DatabaseDir(), "task")
}

// Setup prepares root for a run of cfg. A new directory receives copies of
// both equilibrium configurations, the model and a snapshot of cfg. An
// existing directory is reused only if its snapshot equals cfg.
func Setup(root string, cfg *config.RunConfig) (Layout, error) {
	l := Layout{Root: root}

	want, err := canonicalJSON(cfg)
	if err != nil {
		return l, err
	}

	if _, err := os.Stat(root); err == nil {
		var snap map[string]any
		if err := dirstore.ReadJSON(l.Snapshot(), &snap); err != nil {
			if errors.Is(err, dirstore.ErrNotFound) {
				return l, fmt.Errorf("%w: %s has no %s", ErrSetupMismatch, root, SnapshotFile)
			}
			return l, err
		}
		have, err := canonicalJSON(snap)
		if err != nil {
			return l, err
		}
		if !bytes.Equal(have, want) {
			return l, fmt.Errorf("%w: %s", ErrSetupMismatch, l.Snapshot())
		}
		return l, nil
	} else if !os.IsNotExist(err) {
		return l, fmt.Errorf("stat %s: %w", root, err)
	}

	if err := os.MkdirAll(root, 0o755); err != nil {
		return l, fmt.Errorf("create output dir: %w", err)
	}
	copies := []struct{ src, dst string }{
		{cfg.PhaseI.EquiConf, l.PhaseConf(0)},
		{cfg.PhaseII.EquiConf, l.PhaseConf(1)},
		{cfg.Model, l.Model()},
	}
	for _, c := range copies {
		if err := dirstore.CopyFile(c.src, c.dst); err != nil {
			return l, fmt.Errorf("setup: %w", err)
		}
	}
	if err := dirstore.WriteJSON(l.Snapshot(), cfg); err != nil {
		return l, fmt.Errorf("setup: %w", err)
	}
	return l, nil
}

// canonicalJSON marshals v through a generic map so that key order and
// number formatting do not affect comparison.
func canonicalJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal run config: %w", err)
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("unmarshal run config: %w", err)
	}
	return json.Marshal(generic)
}

// Lock takes the advisory run lock of the output directory. The returned
// function releases it. A lock left by a run that died without releasing
// it is taken over: its PID no longer exists, or the heartbeat that PID
// wrote stopped beating more than staleLockAge ago.
func (l Layout) Lock() (func(), error) {
	if err := os.MkdirAll(l.DatabaseDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}
	path := filepath.Join(l.DatabaseDir(), lockFile)

	for attempt := 0; ; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return func() { os.Remove(path) }, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("lock %s: %w", l.Root, err)
		}

		owner, _ := os.ReadFile(path)
		pid, _ := strconv.Atoi(string(bytes.TrimSpace(owner)))
		var written time.Time
		if info, err := os.Stat(path); err == nil {
			written = info.ModTime()
		}
		reason := l.staleOwner(pid, written)
		if reason == "" || attempt > 0 {
			return nil, fmt.Errorf("%w: %s held by pid %s", ErrLocked, l.Root, bytes.TrimSpace(owner))
		}
		slog.Warn("taking over stale run lock", "dir", l.Root, "pid", pid, "reason", reason)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("remove stale lock: %w", err)
		}
	}
}

// staleOwner returns why the lock owner pid is gone, or "" if it may
// still be running. A lock without a PID may be one being written.
func (l Layout) staleOwner(pid int, written time.Time) string {
	if pid <= 0 {
		if time.Since(written) < lockGrace {
			return ""
		}
		return "unreadable lock file"
	}
	if !processAlive(pid) {
		return "process not running"
	}
	status, hb, err := heartbeat.Check(filepath.Join(l.DatabaseDir(), heartbeat.File), staleLockAge)
	if err == nil && status == heartbeat.StatusStale && hb.PID == pid {
		return "heartbeat stale since " + hb.Timestamp.Format(time.DateTime)
	}
	return ""
}
