package remote

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestTarRoundTrip(t *testing.T) {
	src := t.TempDir()
	for _, name := range []string{"0/log.lammps", "0/out.lmp", "1/log.lammps"} {
		path := filepath.Join(src, name)
		os.MkdirAll(filepath.Dir(path), 0o755)
		if err := os.WriteFile(path, []byte(name), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	var buf bytes.Buffer
	if err := writeTar(&buf, src, []string{"0/log.lammps", "0/out.lmp", "1/log.lammps"}); err != nil {
		t.Fatalf("writeTar: %v", err)
	}

	dst := t.TempDir()
	if err := readTar(&buf, dst, []string{"*/log.lammps", "0/out.lmp"}); err != nil {
		t.Fatalf("readTar: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dst, "1", "log.lammps"))
	if err != nil || string(data) != "1/log.lammps" {
		t.Errorf("extracted: %q, %v", data, err)
	}
}

func TestReadTarRejectsUnexpectedEntries(t *testing.T) {
	src := t.TempDir()
	os.WriteFile(filepath.Join(src, "secret"), []byte("x"), 0o644)

	var buf bytes.Buffer
	if err := writeTar(&buf, src, []string{"secret"}); err != nil {
		t.Fatal(err)
	}
	if err := readTar(&buf, t.TempDir(), []string{"0/log.lammps"}); err == nil {
		t.Fatal("expected rejection")
	}
}

func TestAllowedEntry(t *testing.T) {
	patterns := []string{"0/log.lammps", "0/dump.*"}
	tests := map[string]bool{
		"0/log.lammps":  true,
		"0/dump.equi":   true,
		"1/log.lammps":  false,
		"../etc/passwd": false,
		"/etc/passwd":   false,
	}
	for name, want := range tests {
		if got := allowedEntry(name, patterns); got != want {
			t.Errorf("allowedEntry(%q) = %v, want %v", name, got, want)
		}
	}
}
