package lammps

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleData = `LAMMPS data file

128 atoms
2 atom types

0.0 10.0 xlo xhi
0.0 10.0 ylo yhi
0.0 10.0 zlo zhi

Atoms # atomic

1 1 0.0 0.0 0.0
`

func TestNAtoms(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf.lmp")
	if err := os.WriteFile(path, []byte(sampleData), 0o644); err != nil {
		t.Fatal(err)
	}
	n, err := NAtoms(path)
	if err != nil {
		t.Fatalf("NAtoms: %v", err)
	}
	if n != 128 {
		t.Errorf("NAtoms: got %d, want 128", n)
	}
}

func TestNAtomsMissingHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf.lmp")
	os.WriteFile(path, []byte("LAMMPS data file\n\nAtoms\n\n1 1 0 0 0\n"), 0o644)
	if _, err := NAtoms(path); !errors.Is(err, ErrNoAtomCount) {
		t.Errorf("expected ErrNoAtomCount, got %v", err)
	}
}

func TestRenderNPT(t *testing.T) {
	out, err := RenderNPT(NPTInput{
		Temp:     300,
		Pres:     1000,
		NSteps:   50000,
		Dt:       0.002,
		StatFreq: 10,
		TauT:     0.1,
		TauP:     0.5,
		Ensemble: "npt",
		Masses:   []float64{16, 2},
	})
	if err != nil {
		t.Fatalf("RenderNPT: %v", err)
	}

	for _, want := range []string{
		"variable        TEMP            equal 300.000000",
		"variable        PRES            equal 1000.000000",
		"variable        DUMP_FREQ       equal 50000",
		"read_data       conf.lmp",
		"mass            1 16",
		"mass            2 2",
		"pair_style      deepmd graph.pb",
		"fix             1 all npt temp ${TEMP} ${TEMP} ${TAU_T} iso ${PRES} ${PRES} ${TAU_P}",
		"timestep        0.002",
		"write_data      out.lmp",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("rendered input missing %q\n%s", want, out)
		}
	}
}

func TestRenderNPTValidation(t *testing.T) {
	base := NPTInput{Temp: 300, Pres: 1, NSteps: 10, StatFreq: 1, Dt: 0.001}

	bad := base
	bad.Ensemble = "nvt"
	if _, err := RenderNPT(bad); !errors.Is(err, ErrUnknownEnsemble) {
		t.Errorf("expected ErrUnknownEnsemble, got %v", err)
	}

	bad = base
	bad.NSteps = 0
	if _, err := RenderNPT(bad); err == nil {
		t.Error("expected error for zero nsteps")
	}

	aniso := base
	aniso.Ensemble = "npt-aniso"
	out, err := RenderNPT(aniso)
	if err != nil {
		t.Fatalf("RenderNPT: %v", err)
	}
	if !strings.Contains(out, " aniso ${PRES}") {
		t.Error("expected aniso coupling")
	}
}

const sampleLog = `LAMMPS (29 Oct 2020)
units metal
Per MPI rank memory allocation (min/avg/max) = 3.2 | 3.2 | 3.2 Mbytes
Step KinEng PotEng TotEng Enthalpy Temp Press Volume
       0    1.0   -100.0    -99.0   -98.0    300    1.0    1000.0
      10    1.1   -100.1    -99.0   -97.5    301    2.0    1002.0
WARNING: something harmless (../fix.cpp:10)
      20    1.2   -100.2    -99.0   -97.0    302    3.0    1004.0
Loop time of 1.0 on 1 procs for 20 steps with 128 atoms

Step KinEng PotEng TotEng Enthalpy Temp Press Volume
      20    1.2   -100.2    -99.0   -97.0    302    3.0    1004.0
      30    1.3   -100.3    -99.0   -96.5    303    4.0    1006.0
Loop time of 1.0 on 1 procs for 10 steps with 128 atoms
Total wall time: 0:00:02
`

func TestParseThermo(t *testing.T) {
	th, err := ParseThermo(strings.NewReader(sampleLog))
	if err != nil {
		t.Fatalf("ParseThermo: %v", err)
	}
	if len(th.Rows) != 5 {
		t.Fatalf("rows: got %d, want 5", len(th.Rows))
	}
	vol, err := th.Column("Volume")
	if err != nil {
		t.Fatalf("Column: %v", err)
	}
	want := []float64{1000, 1002, 1004, 1004, 1006}
	for i := range want {
		if vol[i] != want[i] {
			t.Errorf("vol[%d]: got %g, want %g", i, vol[i], want[i])
		}
	}
	if _, err := th.Column("Missing"); err == nil {
		t.Error("expected error for missing column")
	}
}

func TestParseThermoEmpty(t *testing.T) {
	if _, err := ParseThermo(strings.NewReader("LAMMPS\nERROR: bad\n")); !errors.Is(err, ErrNoThermo) {
		t.Errorf("expected ErrNoThermo, got %v", err)
	}
}
