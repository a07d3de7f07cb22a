package config

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Reloader re-reads the machine file during a run with atomic swap and
// listener notification.
type Reloader struct {
	machinePath string
	dotenvPath  string
	current     atomic.Pointer[MachineConfig]
	mu          sync.Mutex // serializes reload
	listeners   []func(*MachineConfig)
}

// NewReloader creates a Reloader with the given initial machine config.
func NewReloader(machinePath, dotenvPath string, initial *MachineConfig) *Reloader {
	r := &Reloader{
		machinePath: machinePath,
		dotenvPath:  dotenvPath,
	}
	r.current.Store(initial)
	return r
}

// Current returns the current config (lock-free atomic read).
func (r *Reloader) Current() *MachineConfig {
	return r.current.Load()
}

// OnReload registers a callback invoked after successful reload.
func (r *Reloader) OnReload(fn func(*MachineConfig)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Reload re-reads the .env file and the machine file, then notifies
// listeners. The connection settings cannot change under a running backend,
// so a reload that edits them is rejected and the current config is kept.
func (r *Reloader) Reload() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := LoadDotenv(r.dotenvPath); err != nil {
		return fmt.Errorf("reload dotenv: %w", err)
	}

	cfg, err := LoadMachine(r.machinePath)
	if err != nil {
		return fmt.Errorf("reload machine: %w", err)
	}
	if cfg.Machine != r.current.Load().Machine {
		return fmt.Errorf("reload machine: %w: connection settings changed, restart the run", ErrInvalid)
	}

	r.current.Store(cfg)
	slog.Info("machine config reloaded", "path", r.machinePath,
		"poll_interval", cfg.PollInterval.Duration(), "job_timeout", cfg.JobTimeout.Duration(), "retries", cfg.Retries)

	for _, fn := range r.listeners {
		fn(cfg)
	}
	return nil
}
