package commands

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/felix5572/DeepTI/internal/database"
	"github.com/felix5572/DeepTI/internal/integrate"
)

func TestWriteSolutionColumnsAreTP(t *testing.T) {
	sol := &integrate.Solution{
		X: []float64{1, 10},
		Y: [][]float64{{300}, {301.5}},
	}
	tests := []struct {
		axis  database.Axis
		first string
	}{
		{database.AlongTemperature, "1.000000000000000000e+00 3.000000000000000000e+02"},
		{database.AlongPressure, "3.000000000000000000e+02 1.000000000000000000e+00"},
	}
	for _, tt := range tests {
		t.Run(string(tt.axis), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), SolutionFile)
			if err := writeSolution(path, tt.axis, sol); err != nil {
				t.Fatalf("writeSolution: %v", err)
			}
			data, err := os.ReadFile(path)
			if err != nil {
				t.Fatal(err)
			}
			lines := strings.Split(strings.TrimSpace(string(data)), "\n")
			if len(lines) != 2 {
				t.Fatalf("expected 2 lines, got %d", len(lines))
			}
			if lines[0] != tt.first {
				t.Errorf("first line: got %q, want %q", lines[0], tt.first)
			}
		})
	}
}

func TestRootCommandWiring(t *testing.T) {
	root := NewRootCommand()
	want := map[string]bool{"init": false, "run": false, "eval": false, "records": false, "events": false, "status": false, "watch": false, "secret": false}
	for _, c := range root.Commands {
		if _, ok := want[c.Name]; ok {
			want[c.Name] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("missing subcommand %q", name)
		}
	}
}
