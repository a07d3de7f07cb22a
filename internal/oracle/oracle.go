// Package oracle answers the integrator's slope requests, running new
// two-phase simulations only for points that have not been evaluated yet.
package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/felix5572/DeepTI/internal/config"
	"github.com/felix5572/DeepTI/internal/database"
	"github.com/felix5572/DeepTI/internal/events"
	"github.com/felix5572/DeepTI/internal/lammps"
	"github.com/felix5572/DeepTI/internal/remote"
	"github.com/felix5572/DeepTI/internal/taskbuild"
	"github.com/felix5572/DeepTI/internal/thermo"
)

// EV2Bar converts eV/Å³ to bar.
const EV2Bar = 1.602176634e6

// Phase task directory names inside a task.
var phases = [2]string{"0", "1"}

// Files moved to and from the compute resource for every phase task.
var (
	forwardFiles  = []string{lammps.ConfFile, lammps.InputFile, lammps.ModelFile}
	backwardFiles = []string{lammps.LogFile, lammps.OutConf}
)

// Dispatcher runs a task group to completion.
type Dispatcher interface {
	Run(ctx context.Context, g remote.Group) error
}

// Options configures an Oracle.
type Options struct {
	Axis database.Axis
	// Pref scales the slope along temperature and divides it along pressure.
	Pref float64
	// AtomCounts divides the extensive averages of phase i and ii. When nil
	// they are read from the output directory's starting configurations on
	// every evaluation.
	AtomCounts []float64
	LmpCommand string
	GroupSize  int
	Resources  config.Resources
	Bus        *events.Bus
	RunID      string
}

// Oracle evaluates dP/dT (or dT/dP) along the coexistence curve of one
// output directory. It is not safe for concurrent use.
type Oracle struct {
	layout     taskbuild.Layout
	run        *config.RunConfig
	store      *database.Store
	builder    *taskbuild.Builder
	dispatcher Dispatcher
	opts       Options
}

// New creates an oracle over an output directory prepared by
// taskbuild.Setup.
func New(layout taskbuild.Layout, run *config.RunConfig, store *database.Store, d Dispatcher, opts Options) (*Oracle, error) {
	if _, err := database.ParseAxis(string(opts.Axis)); err != nil {
		return nil, err
	}
	if opts.AtomCounts != nil && len(opts.AtomCounts) != 2 {
		return nil, fmt.Errorf("need 2 atom counts, got %d", len(opts.AtomCounts))
	}
	if opts.Pref == 0 {
		opts.Pref = 1
	}
	if opts.GroupSize <= 0 {
		opts.GroupSize = 1
	}
	return &Oracle{
		layout:     layout,
		run:        run,
		store:      store,
		builder:    taskbuild.NewBuilder(run),
		dispatcher: d,
		opts:       opts,
	}, nil
}

// Store returns the oracle's record store.
func (o *Oracle) Store() *database.Store { return o.store }

// Point maps integrator coordinates to a state point: x is the integration
// variable and y the dependent one.
func (o *Oracle) Point(x, y float64) database.Point {
	if o.opts.Axis == database.AlongTemperature {
		return database.Point{Temp: x, Pres: y}
	}
	return database.Point{Temp: y, Pres: x}
}

// Derivative returns the one-element slope vector at (x, y).
func (o *Oracle) Derivative(ctx context.Context, x, y float64) ([]float64, error) {
	rec, err := o.Evaluate(ctx, o.Point(x, y))
	if err != nil {
		return nil, err
	}
	return []float64{o.slope(x, y, rec)}, nil
}

// RHS adapts Derivative to a vector right-hand side.
func (o *Oracle) RHS(ctx context.Context, x float64, y []float64) ([]float64, error) {
	return o.Derivative(ctx, x, y[0])
}

func (o *Oracle) slope(x, y float64, r database.Record) float64 {
	if o.opts.Axis == database.AlongTemperature {
		return r.DH / (x * r.DV) * EV2Bar * o.opts.Pref
	}
	return (y * r.DV) / r.DH / EV2Bar / o.opts.Pref
}

// Evaluate returns the record of p, simulating both phases when p has not
// been evaluated before. Nothing is recorded when any step fails.
func (o *Oracle) Evaluate(ctx context.Context, p database.Point) (database.Record, error) {
	if idx := o.store.IndexOf(p); idx >= 0 {
		rec := o.store.Records()[idx]
		slog.Debug("dpdt: found matched record", "task", idx, "temp", rec.Temp, "pres", rec.Pres)
		o.publish(events.EvaluationCachedPayload{EvaluationPayload: o.payload(idx, -1, rec)})
		return rec, nil
	}

	started := time.Now()
	taskID := o.store.NextTaskID()
	confs, warm, err := o.startingConfs(p)
	if err != nil {
		return database.Record{}, err
	}
	slog.Info("dpdt: no matched record, run new task",
		"task", taskID, "temp", p.Temp, "pres", p.Pres, "warm_start", warm)

	workPath := o.store.TaskDir(taskID)
	for i, phase := range phases {
		err := o.builder.Build(p, confs[i], o.layout.Model(), filepath.Join(workPath, phase))
		if err != nil {
			return database.Record{}, err
		}
	}

	err = o.dispatcher.Run(ctx, remote.Group{
		WorkPath:    workPath,
		Tasks:       phases[:],
		GroupSize:   o.opts.GroupSize,
		TaskFiles:   forwardFiles,
		ResultFiles: backwardFiles,
		Resources:   o.opts.Resources,
		Command:     o.opts.LmpCommand + " -i " + lammps.InputFile + " > /dev/null",
	})
	if err != nil {
		return database.Record{}, err
	}

	natoms, err := o.atomCounts()
	if err != nil {
		return database.Record{}, err
	}
	var res [2]thermo.Result
	for i, phase := range phases {
		logFile := filepath.Join(workPath, phase, lammps.LogFile)
		res[i], err = thermo.Reduce(logFile, natoms[i], o.run.StatSkip, o.run.StatBSize)
		if err != nil {
			return database.Record{}, err
		}
	}

	rec := database.Record{
		Point: p,
		DV:    res[1].Volume - res[0].Volume,
		DH:    res[1].Enthalpy - res[0].Enthalpy,
	}
	idx, err := o.store.Append(rec)
	if err != nil {
		return database.Record{}, err
	}
	if idx != taskID {
		return database.Record{}, fmt.Errorf("record index %d does not match task %d", idx, taskID)
	}

	slog.Info("dpdt: task done", "task", taskID, "dv", rec.DV, "dh", rec.DH, "elapsed", time.Since(started).Truncate(time.Second))
	o.publish(events.EvaluationComputedPayload{
		EvaluationPayload: o.payload(taskID, warm, rec),
		Elapsed:           time.Since(started),
	})
	return rec, nil
}

// startingConfs picks the configurations to start both phases from: the
// setup configurations for the first evaluation, otherwise the final
// configurations of the record nearest along the integration axis. warm
// is that record's index, or -1.
func (o *Oracle) startingConfs(p database.Point) ([2]string, int, error) {
	if o.store.Len() == 0 {
		return [2]string{o.layout.PhaseConf(0), o.layout.PhaseConf(1)}, -1, nil
	}
	v, err := p.Along(o.opts.Axis)
	if err != nil {
		return [2]string{}, -1, err
	}
	_, idx, err := o.store.NearestAlong(o.opts.Axis, v)
	if err != nil {
		return [2]string{}, -1, err
	}
	dir := o.store.TaskDir(idx)
	return [2]string{
		filepath.Join(dir, phases[0], lammps.OutConf),
		filepath.Join(dir, phases[1], lammps.OutConf),
	}, idx, nil
}

func (o *Oracle) atomCounts() ([2]float64, error) {
	if o.opts.AtomCounts != nil {
		return [2]float64{o.opts.AtomCounts[0], o.opts.AtomCounts[1]}, nil
	}
	return AtomCounts(o.layout.PhaseConf(0), o.layout.PhaseConf(1), false)
}

// AtomCounts reads the atom counts of both phase configurations. With
// water set they are converted to molecule counts (three atoms each).
func AtomCounts(conf0, conf1 string, water bool) ([2]float64, error) {
	var out [2]float64
	for i, path := range []string{conf0, conf1} {
		n, err := lammps.NAtoms(path)
		if err != nil {
			return out, err
		}
		if water {
			n /= 3
		}
		out[i] = float64(n)
	}
	return out, nil
}

func (o *Oracle) payload(taskID, warm int, r database.Record) events.EvaluationPayload {
	return events.EvaluationPayload{
		TaskID:    taskID,
		Temp:      r.Temp,
		Pres:      r.Pres,
		DV:        r.DV,
		DH:        r.DH,
		Slope:     o.slopeOf(r),
		WarmStart: warm,
	}
}

// slopeOf evaluates the slope at the record's own coordinates.
func (o *Oracle) slopeOf(r database.Record) float64 {
	if o.opts.Axis == database.AlongTemperature {
		return o.slope(r.Temp, r.Pres, r)
	}
	return o.slope(r.Pres, r.Temp, r)
}

func (o *Oracle) publish(payload events.EventPayload) {
	if o.opts.Bus == nil {
		return
	}
	o.opts.Bus.Publish(events.NewTypedEvent(events.SourceOracle, payload, o.opts.RunID))
}
