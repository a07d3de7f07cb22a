package database

import (
	"bufio"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// File names inside the database directory.
const (
	RecordFile = "dpdt.out"
	taskPrefix = "task."
)

var (
	// ErrCorrupt is returned when the persisted record file cannot be parsed.
	ErrCorrupt = errors.New("corrupt record file")
	// ErrDuplicate is returned when appending a point that is already stored.
	ErrDuplicate = errors.New("point already recorded")
)

// Store is the in-memory view of dpdt.out. Records are only ever appended;
// the file is read once, in Open.
type Store struct {
	dir     string
	records []Record
}

// Open loads the record file under dir. A missing file yields an empty store.
func Open(dir string) (*Store, error) {
	s := &Store{dir: dir}

	f, err := os.Open(s.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("open records: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var fields []float64
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		for _, tok := range strings.Fields(text) {
			v, err := strconv.ParseFloat(tok, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: %v", ErrCorrupt, line, err)
			}
			fields = append(fields, v)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan records: %w", err)
	}

	// The file is a flat table reshaped to four columns.
	if len(fields)%4 != 0 {
		return nil, fmt.Errorf("%w: %d values is not a multiple of 4", ErrCorrupt, len(fields))
	}
	for i := 0; i < len(fields); i += 4 {
		s.records = append(s.records, Record{
			Point: Point{Temp: fields[i], Pres: fields[i+1]},
			DV:    fields[i+2],
			DH:    fields[i+3],
		})
	}
	return s, nil
}

// Dir returns the database directory.
func (s *Store) Dir() string { return s.dir }

// Path returns the record file path.
func (s *Store) Path() string { return filepath.Join(s.dir, RecordFile) }

// Len returns the number of stored records.
func (s *Store) Len() int { return len(s.records) }

// NextTaskID is the index the next new evaluation will be stored under.
func (s *Store) NextTaskID() int { return len(s.records) }

// Records returns a copy of the stored records in evaluation order.
func (s *Store) Records() []Record {
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// TaskName returns the directory name of the task with the given index.
func TaskName(idx int) string {
	return fmt.Sprintf("%s%06d", taskPrefix, idx)
}

// TaskDir returns the task directory for the given index.
func (s *Store) TaskDir(idx int) string {
	return filepath.Join(s.dir, TaskName(idx))
}

// Lookup returns the first record within tolerance of p.
func (s *Store) Lookup(p Point) (Record, bool) {
	if i := s.IndexOf(p); i >= 0 {
		return s.records[i], true
	}
	return Record{}, false
}

// IndexOf returns the index of the first record within tolerance of p, or -1.
func (s *Store) IndexOf(p Point) int {
	for i, r := range s.records {
		if r.Matches(p) {
			return i
		}
	}
	return -1
}

// NearestAlong returns the record closest to value on the given axis and
// its index. The first record wins ties.
func (s *Store) NearestAlong(axis Axis, value float64) (Record, int, error) {
	if axis != AlongTemperature && axis != AlongPressure {
		return Record{}, -1, fmt.Errorf("%w: %q", ErrInvalidAxis, string(axis))
	}

	best := -1
	bestDist := math.Inf(1)
	for i, r := range s.records {
		v, _ := r.Along(axis)
		if d := math.Abs(v - value); d < bestDist {
			bestDist = d
			best = i
		}
	}
	if best < 0 {
		return Record{}, -1, nil
	}
	return s.records[best], best, nil
}

// Append durably writes r and returns its index.
func (s *Store) Append(r Record) (int, error) {
	if _, ok := s.Lookup(r.Point); ok {
		return -1, fmt.Errorf("%w: %s", ErrDuplicate, r.Point)
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return -1, fmt.Errorf("create database dir: %w", err)
	}

	f, err := os.OpenFile(s.Path(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return -1, fmt.Errorf("open records: %w", err)
	}
	defer f.Close()

	line := fmt.Sprintf("%.16e %.16e %.16e %.16e\n", r.Temp, r.Pres, r.DV, r.DH)
	if _, err := f.WriteString(line); err != nil {
		return -1, fmt.Errorf("write record: %w", err)
	}
	if err := f.Sync(); err != nil {
		return -1, fmt.Errorf("sync records: %w", err)
	}

	s.records = append(s.records, r)
	return len(s.records) - 1, nil
}
