package database

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func mustAppend(t *testing.T, s *Store, temp, pres, dv, dh float64) {
	t.Helper()
	if _, err := s.Append(Record{Point: Point{Temp: temp, Pres: pres}, DV: dv, DH: dh}); err != nil {
		t.Fatalf("Append(%g, %g): %v", temp, pres, err)
	}
}

func TestOpenMissingFile(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "database"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("Len: got %d, want 0", s.Len())
	}
	if s.NextTaskID() != 0 {
		t.Errorf("NextTaskID: got %d, want 0", s.NextTaskID())
	}
}

func TestAppendAndReload(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	mustAppend(t, s, 300, 1, 0.123456789012345, -0.0375)
	mustAppend(t, s, 350, 1, 0.2, -0.05)
	mustAppend(t, s, 400.5, 1000.25, 1.0/3.0, 2.0/7.0)

	reloaded, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reloaded.Len() != 3 {
		t.Fatalf("Len after reload: got %d, want 3", reloaded.Len())
	}
	if reloaded.NextTaskID() != 3 {
		t.Errorf("NextTaskID after reload: got %d, want 3", reloaded.NextTaskID())
	}

	want := s.Records()
	got := reloaded.Records()
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("record %d: got %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestRecordFileFormat(t *testing.T) {
	dir := t.TempDir()
	s, _ := Open(dir)
	mustAppend(t, s, 300, 1, 0.5, -2)

	data, err := os.ReadFile(filepath.Join(dir, RecordFile))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := "3.0000000000000000e+02 1.0000000000000000e+00 5.0000000000000000e-01 -2.0000000000000000e+00\n"
	if string(data) != want {
		t.Errorf("file content:\n got %q\nwant %q", data, want)
	}
}

func TestLookupTolerance(t *testing.T) {
	s, _ := Open(t.TempDir())
	mustAppend(t, s, 300, 1, 0.1, 0.2)

	tests := []struct {
		name string
		p    Point
		hit  bool
	}{
		{"exact", Point{300, 1}, true},
		{"temperature jitter inside", Point{300.00005, 1}, true},
		{"temperature outside", Point{300.001, 1}, false},
		{"pressure jitter inside", Point{300, 1.005}, true},
		{"pressure outside", Point{300, 1.02}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := s.Lookup(tt.p)
			if ok != tt.hit {
				t.Errorf("Lookup(%v): got hit=%v, want %v", tt.p, ok, tt.hit)
			}
		})
	}
}

func TestAppendRejectsDuplicate(t *testing.T) {
	s, _ := Open(t.TempDir())
	mustAppend(t, s, 300, 1, 0.1, 0.2)

	_, err := s.Append(Record{Point: Point{Temp: 300.00001, Pres: 1}})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	if s.Len() != 1 {
		t.Errorf("Len: got %d, want 1", s.Len())
	}
}

func TestNearestAlong(t *testing.T) {
	s, _ := Open(t.TempDir())
	mustAppend(t, s, 300, 10, 0, 0)
	mustAppend(t, s, 350, 20, 0, 0)
	mustAppend(t, s, 400, 30, 0, 0)

	r, idx, err := s.NearestAlong(AlongTemperature, 340)
	if err != nil {
		t.Fatalf("NearestAlong: %v", err)
	}
	if idx != 1 || r.Temp != 350 {
		t.Errorf("temperature axis: got idx=%d T=%g, want idx=1 T=350", idx, r.Temp)
	}

	r, idx, err = s.NearestAlong(AlongPressure, 12)
	if err != nil {
		t.Fatalf("NearestAlong: %v", err)
	}
	if idx != 0 || r.Pres != 10 {
		t.Errorf("pressure axis: got idx=%d P=%g, want idx=0 P=10", idx, r.Pres)
	}

	// Equidistant: the first record wins.
	_, idx, _ = s.NearestAlong(AlongTemperature, 325)
	if idx != 0 {
		t.Errorf("tie: got idx=%d, want 0", idx)
	}
}

func TestNearestAlongEmptyAndInvalid(t *testing.T) {
	s, _ := Open(t.TempDir())
	_, idx, err := s.NearestAlong(AlongTemperature, 1)
	if err != nil || idx != -1 {
		t.Errorf("empty store: got idx=%d err=%v, want -1, nil", idx, err)
	}

	if _, _, err := s.NearestAlong(Axis("x"), 1); !errors.Is(err, ErrInvalidAxis) {
		t.Errorf("expected ErrInvalidAxis, got %v", err)
	}
}

func TestOpenCorrupt(t *testing.T) {
	tests := map[string]string{
		"not a number":  "300 1 abc 0.2\n",
		"wrong columns": "300 1 0.1\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			if err := os.WriteFile(filepath.Join(dir, RecordFile), []byte(content), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := Open(dir); !errors.Is(err, ErrCorrupt) {
				t.Errorf("expected ErrCorrupt, got %v", err)
			}
		})
	}
}

func TestTaskName(t *testing.T) {
	if got := TaskName(7); got != "task.000007" {
		t.Errorf("TaskName(7) = %q", got)
	}
}

func TestParseAxis(t *testing.T) {
	if a, err := ParseAxis("p"); err != nil || a != AlongPressure {
		t.Errorf("ParseAxis(p) = %q, %v", a, err)
	}
	if _, err := ParseAxis("v"); !errors.Is(err, ErrInvalidAxis) {
		t.Errorf("expected ErrInvalidAxis, got %v", err)
	}
}

func TestIndexOf(t *testing.T) {
	s, _ := Open(t.TempDir())
	mustAppend(t, s, 300, 1, 1, 1)
	mustAppend(t, s, 350, 1, 1, 1)

	if i := s.IndexOf(Point{Temp: 350.00001, Pres: 1.001}); i != 1 {
		t.Errorf("IndexOf: got %d, want 1", i)
	}
	if i := s.IndexOf(Point{Temp: 325, Pres: 1}); i != -1 {
		t.Errorf("IndexOf miss: got %d, want -1", i)
	}
}
