// Package database holds the append-only record of every Gibbs-Duhem
// evaluation of one integration run.
package database

import (
	"errors"
	"fmt"
	"math"
)

// Tolerances under which two points are the same evaluation.
const (
	TempTolerance = 1e-4
	PresTolerance = 1e-2
)

// ErrInvalidAxis is returned for an integration direction other than t or p.
var ErrInvalidAxis = errors.New("invalid integration direction")

// Axis selects the independent variable of the integration.
type Axis string

const (
	AlongTemperature Axis = "t"
	AlongPressure    Axis = "p"
)

// ParseAxis validates a direction selector.
func ParseAxis(s string) (Axis, error) {
	switch Axis(s) {
	case AlongTemperature, AlongPressure:
		return Axis(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidAxis, s)
}

// Point is a coordinate on the coexistence curve.
type Point struct {
	Temp float64 `json:"temp"`
	Pres float64 `json:"pres"`
}

// Matches reports whether q is the same point as p within tolerance.
func (p Point) Matches(q Point) bool {
	return math.Abs(p.Temp-q.Temp) < TempTolerance &&
		math.Abs(p.Pres-q.Pres) < PresTolerance
}

// Along returns the coordinate of p on the given axis.
func (p Point) Along(axis Axis) (float64, error) {
	switch axis {
	case AlongTemperature:
		return p.Temp, nil
	case AlongPressure:
		return p.Pres, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidAxis, string(axis))
}

func (p Point) String() string {
	return fmt.Sprintf("T=%g P=%g", p.Temp, p.Pres)
}

// Record is one persisted evaluation: the point plus the phase-ii minus
// phase-i volume and enthalpy differences.
type Record struct {
	Point
	DV float64 `json:"dv"`
	DH float64 `json:"dh"`
}
