package lammps

import (
	"bytes"
	"errors"
	"fmt"
	"text/template"
)

// Canonical file names shared by the task builder and the job dispatcher.
const (
	ConfFile   = "conf.lmp"
	ModelFile  = "graph.pb"
	InputFile  = "in.lammps"
	LogFile    = "log.lammps"
	OutConf    = "out.lmp"
	TargetFile = "thermo.out"
)

// ErrUnknownEnsemble is returned for an NPT flavour the renderer does not know.
var ErrUnknownEnsemble = errors.New("unknown ensemble")

// NPTInput describes one constant temperature and pressure equilibration run.
type NPTInput struct {
	Temp     float64
	Pres     float64
	NSteps   int
	Dt       float64
	StatFreq int
	DumpFreq int
	TauT     float64
	TauP     float64
	Ensemble string    // npt, npt-iso, npt-aniso, npt-tri
	Masses   []float64 // per atom type, in type order
}

var nptTmpl = template.Must(template.New("npt").
	Funcs(template.FuncMap{"inc": func(i int) int { return i + 1 }}).
	Parse(`clear
variable        NSTEPS          equal {{.NSteps}}
variable        THERMO_FREQ     equal {{.StatFreq}}
variable        DUMP_FREQ       equal {{.DumpFreq}}
variable        TEMP            equal {{printf "%.6f" .Temp}}
variable        PRES            equal {{printf "%.6f" .Pres}}
variable        TAU_T           equal {{printf "%.6f" .TauT}}
variable        TAU_P           equal {{printf "%.6f" .TauP}}

units           metal
boundary        p p p
atom_style      atomic

read_data       {{.Conf}}
{{range $i, $m := .Masses}}mass            {{inc $i}} {{$m}}
{{end}}
pair_style      deepmd {{.Model}}
pair_coeff      * *

thermo_style    custom step ke pe etotal enthalpy temp press vol lx ly lz xy xz yz pxx pyy pzz pxy pxz pyz
thermo          ${THERMO_FREQ}
dump            1 all custom ${DUMP_FREQ} dump.equi id type x y z vx vy vz

velocity        all create ${TEMP} {{.Seed}}
fix             1 all npt temp ${TEMP} ${TEMP} ${TAU_T} {{.Coupling}} ${PRES} ${PRES} ${TAU_P}

timestep        {{.Dt}}
run             ${NSTEPS}

write_data      {{.Out}}
`))

// BarostatCoupling maps an ensemble name to the fix npt coupling keyword.
func BarostatCoupling(ens string) (string, error) {
	switch ens {
	case "", "npt", "npt-iso":
		return "iso", nil
	case "npt-aniso":
		return "aniso", nil
	case "npt-tri":
		return "tri", nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownEnsemble, ens)
}

// RenderNPT renders the input script for in.
func RenderNPT(in NPTInput) (string, error) {
	coupling, err := BarostatCoupling(in.Ensemble)
	if err != nil {
		return "", err
	}
	if in.NSteps <= 0 {
		return "", fmt.Errorf("nsteps must be positive, got %d", in.NSteps)
	}
	if in.StatFreq <= 0 {
		return "", fmt.Errorf("stat_freq must be positive, got %d", in.StatFreq)
	}
	dumpFreq := in.DumpFreq
	if dumpFreq <= 0 {
		dumpFreq = in.NSteps
	}

	data := struct {
		NPTInput
		DumpFreq int
		Conf     string
		Model    string
		Out      string
		Coupling string
		Seed     int
	}{
		NPTInput: in,
		DumpFreq: dumpFreq,
		Conf:     ConfFile,
		Model:    ModelFile,
		Out:      OutConf,
		Coupling: coupling,
		Seed:     velocitySeed(in.Temp, in.Pres),
	}

	var buf bytes.Buffer
	if err := nptTmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render input: %w", err)
	}
	return buf.String(), nil
}

// velocitySeed derives a reproducible positive seed from the state point.
func velocitySeed(temp, pres float64) int {
	s := int(temp*1000+pres) % 900000
	if s < 0 {
		s = -s
	}
	return s + 10000
}
