package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/felix5572/DeepTI/internal/config"
	"github.com/felix5572/DeepTI/internal/database"
	"github.com/felix5572/DeepTI/internal/events"
	"github.com/felix5572/DeepTI/internal/gateway"
	"github.com/felix5572/DeepTI/internal/heartbeat"
	"github.com/felix5572/DeepTI/internal/ledger"
	"github.com/felix5572/DeepTI/internal/oracle"
	"github.com/felix5572/DeepTI/internal/remote"
	"github.com/felix5572/DeepTI/internal/secrets"
	"github.com/felix5572/DeepTI/internal/storage"
	"github.com/felix5572/DeepTI/internal/taskbuild"
)

// envOptions selects how an output directory is opened.
type envOptions struct {
	ParamPath   string
	MachinePath string
	OutputDir   string
	Axis        database.Axis
	Water       bool
	Pref        float64
	Listen      string
}

// runEnv is everything one oracle needs, opened in dependency order and
// closed in reverse.
type runEnv struct {
	RunID   string
	Layout  taskbuild.Layout
	Run     *config.RunConfig
	Machine *config.MachineConfig
	Bus     *events.Bus
	Oracle  *oracle.Oracle

	closers []func()
}

// openEnv loads both config files before touching the output directory or
// the compute resource, then wires the bus sinks, the backend and the oracle.
func openEnv(opts envOptions) (_ *runEnv, err error) {
	run, err := config.LoadRun(opts.ParamPath)
	if err != nil {
		return nil, err
	}
	machine, err := config.LoadMachine(opts.MachinePath)
	if err != nil {
		return nil, err
	}

	env := &runEnv{
		RunID:   uuid.NewString(),
		Run:     run,
		Machine: machine,
	}
	defer func() {
		if err != nil {
			env.Close()
		}
	}()

	env.Layout, err = taskbuild.Setup(opts.OutputDir, run)
	if err != nil {
		return nil, err
	}
	unlock, err := env.Layout.Lock()
	if err != nil {
		return nil, err
	}
	env.push(unlock)

	dbDir := env.Layout.DatabaseDir()
	store, err := database.Open(dbDir)
	if err != nil {
		return nil, err
	}
	slog.Info("records loaded", "path", store.Path(), "count", store.Len())

	env.Bus = events.NewBus(1024)

	eventLog := storage.NewEventLogger(filepath.Join(dbDir, storage.EventLogFile), env.Bus)
	env.push(eventLog.Close)

	lg, err := ledger.Open(filepath.Join(dbDir, ledger.File))
	if err != nil {
		return nil, err
	}
	lg.Attach(env.Bus)
	env.push(func() { lg.Close() })

	hb := heartbeat.NewWriter(filepath.Join(dbDir, heartbeat.File), env.RunID, opts.OutputDir)
	hb.Attach(env.Bus)
	hb.Start()
	env.push(hb.Stop)

	// closed before its sinks so queued events still reach them
	env.push(env.Bus.Close)

	if opts.Listen != "" {
		srv := gateway.NewServer(env.Bus, dbDir, lg, opts.Listen)
		go func() {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("monitor stopped", "error", err)
			}
		}()
		env.push(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(ctx)
		})
	}

	backend, err := remote.NewBackend(machine, secrets.KeyPath())
	if err != nil {
		return nil, fmt.Errorf("open %s backend: %w", machine.Machine.Batch, err)
	}
	env.push(func() { backend.Close() })

	dopts := remote.OptionsFromMachine(machine)
	dopts.Bus = env.Bus
	dopts.RunID = env.RunID
	dispatcher := remote.NewDispatcher(backend, dopts)

	reloader := config.NewReloader(opts.MachinePath, config.DotenvPath(), machine)
	reloader.OnReload(func(m *config.MachineConfig) {
		dispatcher.Tune(remote.OptionsFromMachine(m))
	})
	env.push(reloadOnHangup(reloader))

	var counts []float64
	if opts.Water {
		c, err := oracle.AtomCounts(run.PhaseI.EquiConf, run.PhaseII.EquiConf, true)
		if err != nil {
			return nil, err
		}
		counts = c[:]
		slog.Info("using molecule counts", "phase_i", counts[0], "phase_ii", counts[1])
	}

	env.Oracle, err = oracle.New(env.Layout, run, store, dispatcher, oracle.Options{
		Axis:       opts.Axis,
		Pref:       opts.Pref,
		AtomCounts: counts,
		LmpCommand: machine.LmpCommand,
		GroupSize:  machine.GroupSize,
		Resources:  machine.Resources,
		Bus:        env.Bus,
		RunID:      env.RunID,
	})
	if err != nil {
		return nil, err
	}
	return env, nil
}

// reloadOnHangup re-reads the machine file on SIGHUP until the returned
// stop function is called.
func reloadOnHangup(r *config.Reloader) func() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGHUP)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-sig:
				if err := r.Reload(); err != nil {
					slog.Warn("machine reload failed", "error", err)
				}
			case <-done:
				return
			}
		}
	}()
	return func() {
		signal.Stop(sig)
		close(done)
	}
}

func (e *runEnv) push(fn func()) {
	e.closers = append(e.closers, fn)
}

// Publish sends a run-scoped event from the CLI.
func (e *runEnv) Publish(payload events.EventPayload) {
	e.Bus.Publish(events.NewTypedEvent(events.SourceCLI, payload, e.RunID))
}

// Close releases everything openEnv acquired, newest first.
func (e *runEnv) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	e.closers = nil
}
