// Package thermo reduces simulation time series to equilibrium averages.
package thermo

import (
	"errors"
	"fmt"
	"math"

	"github.com/felix5572/DeepTI/internal/lammps"
)

// ErrNotEnoughSamples is returned when no full block remains after the
// equilibration skip.
var ErrNotEnoughSamples = errors.New("not enough samples for block average")

// Thermo keywords as LAMMPS prints them in the log header.
const (
	columnVolume   = "Volume"
	columnEnthalpy = "Enthalpy"
)

// Result holds per-atom (or per-molecule) equilibrium averages.
type Result struct {
	Volume      float64
	VolumeErr   float64
	Enthalpy    float64
	EnthalpyErr float64
}

// BlockAverage drops the first skip samples, averages each full window of
// blockSize samples and returns the mean of the window means with its
// standard error. A trailing partial window is discarded.
func BlockAverage(series []float64, skip, blockSize int) (mean, stderr float64, err error) {
	if blockSize <= 0 {
		return 0, 0, fmt.Errorf("block size must be positive, got %d", blockSize)
	}
	if skip < 0 {
		skip = 0
	}
	if skip >= len(series) {
		return 0, 0, fmt.Errorf("%w: skip %d of %d samples", ErrNotEnoughSamples, skip, len(series))
	}
	data := series[skip:]

	nblocks := len(data) / blockSize
	if nblocks == 0 {
		return 0, 0, fmt.Errorf("%w: %d samples, block size %d", ErrNotEnoughSamples, len(data), blockSize)
	}

	blocks := make([]float64, nblocks)
	for b := 0; b < nblocks; b++ {
		sum := 0.0
		for _, v := range data[b*blockSize : (b+1)*blockSize] {
			sum += v
		}
		blocks[b] = sum / float64(blockSize)
	}

	for _, v := range blocks {
		mean += v
	}
	mean /= float64(nblocks)

	if nblocks == 1 {
		return mean, 0, nil
	}
	variance := 0.0
	for _, v := range blocks {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(nblocks)
	return mean, math.Sqrt(variance) / math.Sqrt(float64(nblocks-1)), nil
}

// Reduce reads the thermo table in logFile and returns block-averaged volume
// and enthalpy divided by atomCount.
func Reduce(logFile string, atomCount float64, skip, blockSize int) (Result, error) {
	if atomCount <= 0 {
		return Result{}, fmt.Errorf("atom count must be positive, got %g", atomCount)
	}

	th, err := lammps.ReadThermo(logFile)
	if err != nil {
		return Result{}, err
	}

	vol, err := th.Column(columnVolume)
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", logFile, err)
	}
	enth, err := th.Column(columnEnthalpy)
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", logFile, err)
	}

	va, ve, err := BlockAverage(vol, skip, blockSize)
	if err != nil {
		return Result{}, fmt.Errorf("volume of %s: %w", logFile, err)
	}
	ha, he, err := BlockAverage(enth, skip, blockSize)
	if err != nil {
		return Result{}, fmt.Errorf("enthalpy of %s: %w", logFile, err)
	}

	return Result{
		Volume:      va / atomCount,
		VolumeErr:   ve / atomCount,
		Enthalpy:    ha / atomCount,
		EnthalpyErr: he / atomCount,
	}, nil
}
