// Package integrate solves initial value problems with the explicit
// Runge-Kutta method of order 3(2) (Bogacki-Shampine), using adaptive
// steps and cubic dense output.
package integrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
)

var (
	// ErrStepTooSmall is returned when the required step falls below the
	// floating point resolution of x.
	ErrStepTooSmall = errors.New("required step size is less than spacing between numbers")
	// ErrBadOutputPoints is returned for output points outside the span or
	// not ordered in the direction of integration.
	ErrBadOutputPoints = errors.New("output points must lie in the span and be ordered along it")
)

// Step control constants.
const (
	safety    = 0.9
	minFactor = 0.2
	maxFactor = 10
	// The embedded error estimate is second order.
	errorEstimatorOrder = 2
	errorExponent       = -1.0 / (errorEstimatorOrder + 1)
)

// Bogacki-Shampine tableau with the embedded error weights e and the dense
// output polynomial coefficients p.
var (
	rkC = [3]float64{0, 1.0 / 2, 3.0 / 4}
	rkA = [3][3]float64{
		{0, 0, 0},
		{1.0 / 2, 0, 0},
		{0, 3.0 / 4, 0},
	}
	rkB = [3]float64{2.0 / 9, 1.0 / 3, 4.0 / 9}
	rkE = [4]float64{5.0 / 72, -1.0 / 12, -1.0 / 9, 1.0 / 8}
	rkP = [4][3]float64{
		{1, -4.0 / 3, 5.0 / 9},
		{0, 1, -2.0 / 3},
		{0, 4.0 / 3, -8.0 / 9},
		{0, -1, 1},
	}
)

// Func is the right-hand side dy/dx = f(x, y).
type Func func(ctx context.Context, x float64, y []float64) ([]float64, error)

// Options controls a solve.
type Options struct {
	AbsTol float64
	RelTol float64
	// Eval lists the x values to report, ordered along the integration.
	// When empty every accepted step is reported.
	Eval []float64
}

// Solution holds the reported points. Y[i] is the state at X[i].
type Solution struct {
	X     []float64
	Y     [][]float64
	NEval int // right-hand side evaluations
	Steps int // accepted steps
}

// RK23 integrates f from x0 to xEnd starting at y0.
func RK23(ctx context.Context, f Func, x0, xEnd float64, y0 []float64, opts Options) (*Solution, error) {
	if opts.AbsTol <= 0 || opts.RelTol <= 0 {
		return nil, fmt.Errorf("tolerances must be positive, got atol=%g rtol=%g", opts.AbsTol, opts.RelTol)
	}
	direction := 1.0
	if xEnd < x0 {
		direction = -1
	}
	eval, err := checkEval(opts.Eval, x0, xEnd, direction)
	if err != nil {
		return nil, err
	}

	s := &solver{f: f, atol: opts.AbsTol, rtol: opts.RelTol, direction: direction, xEnd: xEnd}
	sol := &Solution{}
	defer func() { sol.NEval = s.nfev }()

	s.x = x0
	s.y = clone(y0)
	if s.fx, err = s.call(ctx, x0, s.y); err != nil {
		return sol, err
	}
	if s.hAbs, err = s.initialStep(ctx); err != nil {
		return sol, err
	}

	next := 0 // next eval index to report
	if eval == nil {
		sol.X = append(sol.X, x0)
		sol.Y = append(sol.Y, clone(y0))
	}

	for direction*(s.x-xEnd) < 0 {
		xOld, yOld := s.x, clone(s.y)
		k, h, err := s.step(ctx)
		if err != nil {
			return sol, err
		}
		sol.Steps++
		slog.Debug("integrate: step accepted", "x", s.x, "y", s.y, "h", h)

		if eval == nil {
			sol.X = append(sol.X, s.x)
			sol.Y = append(sol.Y, clone(s.y))
			continue
		}
		for next < len(eval) && direction*(eval[next]-s.x) <= 0 {
			sol.X = append(sol.X, eval[next])
			sol.Y = append(sol.Y, denseOutput(eval[next], xOld, h, yOld, k))
			next++
		}
	}
	return sol, nil
}

// checkEval validates the output points and returns them, or nil.
func checkEval(eval []float64, x0, xEnd, direction float64) ([]float64, error) {
	if len(eval) == 0 {
		return nil, nil
	}
	lo, hi := math.Min(x0, xEnd), math.Max(x0, xEnd)
	for i, v := range eval {
		if v < lo || v > hi {
			return nil, fmt.Errorf("%w: %g outside [%g, %g]", ErrBadOutputPoints, v, lo, hi)
		}
		if i > 0 && direction*(v-eval[i-1]) <= 0 {
			return nil, fmt.Errorf("%w: %g after %g", ErrBadOutputPoints, v, eval[i-1])
		}
	}
	return clone(eval), nil
}

type solver struct {
	f         Func
	atol      float64
	rtol      float64
	direction float64
	xEnd      float64

	x    float64
	y    []float64
	fx   []float64
	hAbs float64
	nfev int
}

func (s *solver) call(ctx context.Context, x float64, y []float64) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.nfev++
	dy, err := s.f(ctx, x, y)
	if err != nil {
		return nil, err
	}
	if len(dy) != len(y) {
		return nil, fmt.Errorf("right-hand side returned %d values for %d states", len(dy), len(y))
	}
	return dy, nil
}

// initialStep guesses the first step from the local derivative and one
// trial evaluation.
func (s *solver) initialStep(ctx context.Context) (float64, error) {
	interval := math.Abs(s.xEnd - s.x)
	if interval == 0 {
		return 0, nil
	}
	n := len(s.y)
	scale := make([]float64, n)
	for i := range scale {
		scale[i] = s.atol + math.Abs(s.y[i])*s.rtol
	}
	d0 := rmsNorm(s.y, scale)
	d1 := rmsNorm(s.fx, scale)

	var h0 float64
	if d0 < 1e-5 || d1 < 1e-5 {
		h0 = 1e-6
	} else {
		h0 = 0.01 * d0 / d1
	}
	h0 = math.Min(h0, interval)

	y1 := make([]float64, n)
	for i := range y1 {
		y1[i] = s.y[i] + h0*s.direction*s.fx[i]
	}
	f1, err := s.call(ctx, s.x+h0*s.direction, y1)
	if err != nil {
		return 0, err
	}
	diff := make([]float64, n)
	for i := range diff {
		diff[i] = f1[i] - s.fx[i]
	}
	d2 := rmsNorm(diff, scale) / h0

	var h1 float64
	if d1 <= 1e-15 && d2 <= 1e-15 {
		h1 = math.Max(1e-6, h0*1e-3)
	} else {
		h1 = math.Pow(0.01/math.Max(d1, d2), 1.0/(errorEstimatorOrder+1))
	}
	return math.Min(math.Min(100*h0, h1), interval), nil
}

// step advances one accepted step and returns the stage derivatives and
// the signed step taken.
func (s *solver) step(ctx context.Context) ([4][]float64, float64, error) {
	minStep := 10 * math.Abs(math.Nextafter(s.x, s.direction*math.Inf(1))-s.x)
	hAbs := math.Max(s.hAbs, minStep)
	rejected := false

	for {
		if hAbs < minStep {
			return [4][]float64{}, 0, fmt.Errorf("%w at x=%g", ErrStepTooSmall, s.x)
		}
		h := hAbs * s.direction
		xNew := s.x + h
		if s.direction*(xNew-s.xEnd) > 0 {
			xNew = s.xEnd
		}
		h = xNew - s.x
		hAbs = math.Abs(h)

		yNew, k, err := s.rkStep(ctx, h)
		if err != nil {
			return [4][]float64{}, 0, err
		}

		n := len(s.y)
		scale := make([]float64, n)
		errv := make([]float64, n)
		for i := 0; i < n; i++ {
			scale[i] = s.atol + math.Max(math.Abs(s.y[i]), math.Abs(yNew[i]))*s.rtol
			for j := range rkE {
				errv[i] += k[j][i] * rkE[j]
			}
			errv[i] *= h
		}
		errNorm := rmsNorm(errv, scale)

		if errNorm < 1 {
			factor := float64(maxFactor)
			if errNorm > 0 {
				factor = math.Min(maxFactor, safety*math.Pow(errNorm, errorExponent))
			}
			if rejected {
				factor = math.Min(1, factor)
			}
			s.hAbs = hAbs * factor
			s.x = xNew
			s.y = yNew
			s.fx = k[3]
			return k, h, nil
		}
		hAbs *= math.Max(minFactor, safety*math.Pow(errNorm, errorExponent))
		rejected = true
		slog.Debug("integrate: step rejected", "x", s.x, "error_norm", errNorm, "next_h", hAbs)
	}
}

// rkStep evaluates the three stages and the endpoint derivative.
func (s *solver) rkStep(ctx context.Context, h float64) ([]float64, [4][]float64, error) {
	n := len(s.y)
	var k [4][]float64
	k[0] = s.fx
	for st := 1; st < 3; st++ {
		yi := clone(s.y)
		for i := 0; i < n; i++ {
			dy := 0.0
			for j := 0; j < st; j++ {
				dy += k[j][i] * rkA[st][j]
			}
			yi[i] += dy * h
		}
		ks, err := s.call(ctx, s.x+rkC[st]*h, yi)
		if err != nil {
			return nil, k, err
		}
		k[st] = ks
	}

	yNew := clone(s.y)
	for i := 0; i < n; i++ {
		dy := 0.0
		for j := range rkB {
			dy += k[j][i] * rkB[j]
		}
		yNew[i] += h * dy
	}
	fNew, err := s.call(ctx, s.x+h, yNew)
	if err != nil {
		return nil, k, err
	}
	k[3] = fNew
	return yNew, k, nil
}

// denseOutput interpolates the state at x within the step from xOld of
// signed length h.
func denseOutput(x, xOld, h float64, yOld []float64, k [4][]float64) []float64 {
	t := (x - xOld) / h
	pw := [3]float64{t, t * t, t * t * t}
	out := clone(yOld)
	for i := range out {
		acc := 0.0
		for j := 0; j < 4; j++ {
			for m := 0; m < 3; m++ {
				acc += k[j][i] * rkP[j][m] * pw[m]
			}
		}
		out[i] += h * acc
	}
	return out
}

func rmsNorm(v, scale []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	sum := 0.0
	for i := range v {
		r := v[i] / scale[i]
		sum += r * r
	}
	return math.Sqrt(sum / float64(len(v)))
}

func clone(v []float64) []float64 {
	return append([]float64(nil), v...)
}

// SortEval orders output points along the direction from x0 to xEnd.
func SortEval(eval []float64, x0, xEnd float64) []float64 {
	out := clone(eval)
	if xEnd >= x0 {
		sort.Float64s(out)
	} else {
		sort.Sort(sort.Reverse(sort.Float64Slice(out)))
	}
	return out
}
