// Package taskbuild lays out the output directory of a run and the
// simulation task directories inside it.
package taskbuild

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/felix5572/DeepTI/internal/config"
	"github.com/felix5572/DeepTI/internal/database"
	"github.com/felix5572/DeepTI/internal/lammps"
	"github.com/felix5572/DeepTI/internal/storage/dirstore"
)

// ErrMissingInput is returned when a starting configuration or the model
// cannot be read.
var ErrMissingInput = errors.New("missing task input")

// Builder materialises one phase's NPT equilibration task.
type Builder struct {
	run *config.RunConfig
}

// NewBuilder creates a Builder rendering inputs with the protocol of run.
func NewBuilder(run *config.RunConfig) *Builder {
	return &Builder{run: run}
}

// Build creates workDir with the starting configuration, the model, the
// rendered input script and the target state point file.
func (b *Builder) Build(p database.Point, startingConfig, modelFile, workDir string) error {
	for _, in := range []string{startingConfig, modelFile} {
		f, err := os.Open(in)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrMissingInput, err)
		}
		f.Close()
	}

	script, err := lammps.RenderNPT(lammps.NPTInput{
		Temp:     p.Temp,
		Pres:     p.Pres,
		NSteps:   b.run.NSteps,
		Dt:       b.run.Dt,
		StatFreq: b.run.StatFreq,
		DumpFreq: b.run.DumpFreq,
		TauT:     b.run.TauT,
		TauP:     b.run.TauP,
		Ensemble: b.run.Ensemble,
		Masses:   b.run.ModelMassMap,
	})
	if err != nil {
		return fmt.Errorf("build %s: %w", workDir, err)
	}

	if err := dirstore.Fresh(workDir); err != nil {
		return err
	}
	if err := dirstore.LinkOrCopy(startingConfig, filepath.Join(workDir, lammps.ConfFile)); err != nil {
		return fmt.Errorf("place %s: %w", lammps.ConfFile, err)
	}
	if err := dirstore.LinkOrCopy(modelFile, filepath.Join(workDir, lammps.ModelFile)); err != nil {
		return fmt.Errorf("place %s: %w", lammps.ModelFile, err)
	}
	if err := os.WriteFile(filepath.Join(workDir, lammps.InputFile), []byte(script), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", lammps.InputFile, err)
	}
	target := fmt.Sprintf("%.16e %.16e", p.Temp, p.Pres)
	if err := os.WriteFile(filepath.Join(workDir, lammps.TargetFile), []byte(target), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", lammps.TargetFile, err)
	}
	return nil
}
