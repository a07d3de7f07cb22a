// Package lammps reads and writes the LAMMPS file formats the integration
// needs: data-file headers, rendered input scripts and thermo logs.
package lammps

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ErrNoAtomCount is returned when a data file has no "N atoms" header line.
var ErrNoAtomCount = errors.New("atom count not found")

// NAtoms returns the atom count declared in the header of a LAMMPS data file.
func NAtoms(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open data file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 2 && fields[1] == "atoms" {
			n, err := strconv.Atoi(fields[0])
			if err != nil {
				return 0, fmt.Errorf("parse atom count in %s: %w", path, err)
			}
			return n, nil
		}
		// Section keywords end the header.
		if len(fields) == 1 && (fields[0] == "Atoms" || fields[0] == "Masses") {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("scan data file: %w", err)
	}
	return 0, fmt.Errorf("%w in %s", ErrNoAtomCount, path)
}
