package lammps

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// ErrNoThermo is returned when a log contains no thermo table.
var ErrNoThermo = errors.New("no thermo output")

// Thermo is the thermo table of a log: one column per thermo_style keyword.
// Multiple run sections with the same header are concatenated.
type Thermo struct {
	Header []string
	Rows   [][]float64
}

// Column returns the series for the named thermo keyword (case sensitive,
// as LAMMPS prints it, e.g. "Vol" or "Enthalpy").
func (t *Thermo) Column(name string) ([]float64, error) {
	idx := -1
	for i, h := range t.Header {
		if h == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("thermo column %q not found in %v", name, t.Header)
	}
	out := make([]float64, len(t.Rows))
	for i, row := range t.Rows {
		out[i] = row[idx]
	}
	return out, nil
}

// ReadThermo parses the thermo table out of a LAMMPS log file.
func ReadThermo(path string) (*Thermo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	defer f.Close()

	th, err := ParseThermo(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return th, nil
}

// ParseThermo parses thermo rows from r. A table starts at a line whose
// first field is "Step" and ends at "Loop time" or at the first line that is
// not all numbers.
func ParseThermo(r io.Reader) (*Thermo, error) {
	th := &Thermo{}
	inTable := false

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		if fields[0] == "Step" {
			if th.Header != nil && !sameHeader(th.Header, fields) {
				return nil, fmt.Errorf("thermo header changed from %v to %v", th.Header, fields)
			}
			th.Header = fields
			inTable = true
			continue
		}
		if !inTable {
			continue
		}
		if fields[0] == "Loop" {
			inTable = false
			continue
		}

		row, ok := parseRow(fields, len(th.Header))
		if !ok {
			// Warnings can be interleaved with thermo output; anything
			// else closes the table.
			if fields[0] == "WARNING:" {
				continue
			}
			inTable = false
			continue
		}
		th.Rows = append(th.Rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan log: %w", err)
	}
	if len(th.Rows) == 0 {
		return nil, ErrNoThermo
	}
	return th, nil
}

func parseRow(fields []string, width int) ([]float64, bool) {
	if len(fields) != width {
		return nil, false
	}
	row := make([]float64, width)
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, false
		}
		row[i] = v
	}
	return row, true
}

func sameHeader(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
