// Package fwe fits the bi-compartment free-water elimination model to
// diffusion-weighted signals.
//
// Every voxel is modelled as
//
//	S(g) = (1-f)·S0·exp(-b·gᵀDg) + f·S0·exp(-b·dIso)
//
// where D is the tissue diffusion tensor, f the free-water volume
// fraction and dIso the fixed diffusivity of free water at body
// temperature. Voxels are fit independently by a Strategy; Fitter runs a
// strategy over a whole volume on a bounded worker pool.
package fwe

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"babyfwe/internal/models"
	"babyfwe/pkg/gradient"
)

var (
	// ErrInputShapeMismatch is returned when the DWI array does not agree
	// with its own shape or with the gradient table.
	ErrInputShapeMismatch = errors.New("fwe: input shape mismatch")

	// ErrIncomplete is returned together with a partial result when the
	// run was cancelled or ran out of its time budget.
	ErrIncomplete = errors.New("fwe: fit incomplete")

	// ErrInvalidOptions is returned for inconsistent model options.
	ErrInvalidOptions = errors.New("fwe: invalid options")

	// ErrUnknownStrategy is returned by NewStrategy for unregistered names.
	ErrUnknownStrategy = errors.New("fwe: unknown strategy")
)

const (
	// FreeWaterDiffusivity is the diffusivity of water at 37°C in mm²/s
	FreeWaterDiffusivity = 3.0e-3

	// signalFloor bounds normalized tissue signal before taking logs
	signalFloor = 1e-6

	// maxCondition rejects normal matrices too ill-conditioned to trust
	maxCondition = 1e12
)

// Options are the numerical settings shared by all strategies.
type Options struct {
	// DIso is the free-water diffusivity in mm²/s
	DIso float64

	// FMin and FMax bound the free-water fraction during refinement
	FMin, FMax float64

	// Tolerance is the |Δf| below which the refinement has converged
	Tolerance float64

	// MaxIterations caps the alternating refinement
	MaxIterations int

	// GridSteps is the number of fractions tried to initialize f; values
	// below 2 disable the grid and start from FMin
	GridSteps int

	// NoiseFloor is the smallest mean b0 signal worth fitting
	NoiseFloor float64

	// MDReg is the single-tensor mean diffusivity above which a voxel is
	// taken as pure free water: f=1, a zero tissue tensor and
	// StatusConverged. At the default 2.7e-3 this also absorbs
	// partial-volume voxels with a true fraction of about 0.95 or more,
	// whose tissue tensor is then lost. Summary.PureWater counts them.
	MDReg float64
}

// DefaultOptions returns dIso = 3e-3 mm²/s, f in [0, 0.99], a 21 step
// grid, tolerance 1e-4 and at most 100 refinement iterations.
func DefaultOptions() Options {
	return Options{
		DIso:          FreeWaterDiffusivity,
		FMin:          0,
		FMax:          0.99,
		Tolerance:     1e-4,
		MaxIterations: 100,
		GridSteps:     21,
		NoiseFloor:    1e-3,
		MDReg:         2.7e-3,
	}
}

// Validate checks the options for consistency
func (o Options) Validate() error {
	switch {
	case !(o.DIso > 0):
		return fmt.Errorf("%w: dIso must be positive, got %g", ErrInvalidOptions, o.DIso)
	case o.FMin < 0 || o.FMax > 1 || !(o.FMin < o.FMax):
		return fmt.Errorf("%w: need 0 <= fMin < fMax <= 1, got [%g, %g]", ErrInvalidOptions, o.FMin, o.FMax)
	case o.FMax >= 1:
		return fmt.Errorf("%w: fMax must stay below 1 to keep the tissue tensor identifiable", ErrInvalidOptions)
	case !(o.Tolerance > 0):
		return fmt.Errorf("%w: tolerance must be positive, got %g", ErrInvalidOptions, o.Tolerance)
	case o.MaxIterations < 1:
		return fmt.Errorf("%w: maxIterations must be at least 1, got %d", ErrInvalidOptions, o.MaxIterations)
	case o.NoiseFloor < 0:
		return fmt.Errorf("%w: noiseFloor must not be negative, got %g", ErrInvalidOptions, o.NoiseFloor)
	case !(o.MDReg > 0):
		return fmt.Errorf("%w: mdReg must be positive, got %g", ErrInvalidOptions, o.MDReg)
	}
	return nil
}

// Tensor holds the six independent components of a symmetric diffusion
// tensor in the order Dxx, Dxy, Dyy, Dxz, Dyz, Dzz.
type Tensor [6]float64

// NaNTensor is the sentinel for voxels without a tensor estimate
var NaNTensor = Tensor{math.NaN(), math.NaN(), math.NaN(), math.NaN(), math.NaN(), math.NaN()}

// MD returns the mean diffusivity (trace / 3)
func (t Tensor) MD() float64 {
	return (t[0] + t[2] + t[5]) / 3
}

// ADC returns gᵀDg·b for a design row of the gradient table
func (t Tensor) ADC(row [6]float64) float64 {
	var s float64
	for k := range t {
		s += row[k] * t[k]
	}
	return s
}

// Eigenvalues returns the eigenvalues in descending order
func (t Tensor) Eigenvalues() [3]float64 {
	sym := mat.NewSymDense(3, []float64{
		t[0], t[1], t[3],
		t[1], t[2], t[4],
		t[3], t[4], t[5],
	})
	var eig mat.EigenSym
	if !eig.Factorize(sym, false) {
		return [3]float64{math.NaN(), math.NaN(), math.NaN()}
	}
	v := eig.Values(nil) // ascending
	return [3]float64{v[2], v[1], v[0]}
}

// FA returns the fractional anisotropy; zero for a zero tensor
func (t Tensor) FA() float64 {
	ev := t.Eigenvalues()
	md := (ev[0] + ev[1] + ev[2]) / 3
	den := ev[0]*ev[0] + ev[1]*ev[1] + ev[2]*ev[2]
	if den == 0 {
		return 0
	}
	num := (ev[0]-md)*(ev[0]-md) + (ev[1]-md)*(ev[1]-md) + (ev[2]-md)*(ev[2]-md)
	return math.Sqrt(1.5 * num / den)
}

// VoxelFit is the outcome of fitting one voxel
type VoxelFit struct {
	Tensor     Tensor
	FWFraction float64
	S0         float64
	Status     models.Status

	// Iterations is the number of refinement rounds run
	Iterations int

	// Residual is the sum of squared residuals of the S0-normalized signal
	Residual float64
}

// Prior is an optional quadratic penalty Weight·(f-Target)² added to the
// fraction update. The zero value disables it.
type Prior struct {
	Target float64
	Weight float64
}

// Active reports whether the prior contributes to the fit
func (p Prior) Active() bool {
	return p.Weight > 0 && !math.IsNaN(p.Target)
}

// Strategy fits one voxel. Implementations must be safe for concurrent
// use and must not retain or modify signal.
type Strategy interface {
	Name() string
	FitVoxel(signal []float64, table *gradient.Table, prior Prior) VoxelFit
}

// NewStrategy returns the strategy registered under name
func NewStrategy(name string, opts Options) (Strategy, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	switch name {
	case "", AlternatingName:
		return NewAlternating(opts), nil
	case NonlinearName:
		return NewNonlinear(opts), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
}

// waterAttenuation returns exp(-b·dIso) per entry, with b0 entries
// treated as b = 0 so that they carry S0 exactly.
func waterAttenuation(table *gradient.Table, dIso float64) []float64 {
	w := make([]float64, table.Len())
	for i := range w {
		if table.IsB0(i) {
			w[i] = 1
			continue
		}
		w[i] = math.Exp(-table.BValue(i) * dIso)
	}
	return w
}

// tissueAttenuation returns exp(-b·gᵀDg) per entry, 1 for b0 entries
func tissueAttenuation(dst []float64, table *gradient.Table, d Tensor) {
	for i := range dst {
		if table.IsB0(i) {
			dst[i] = 1
			continue
		}
		dst[i] = math.Exp(-d.ADC(table.DesignRow(i)))
	}
}

// PredictSignal evaluates the model for every entry of table
func PredictSignal(table *gradient.Table, s0, f float64, d Tensor, dIso float64) []float64 {
	w := waterAttenuation(table, dIso)
	out := make([]float64, table.Len())
	tissueAttenuation(out, table, d)
	for i := range out {
		out[i] = s0 * ((1-f)*out[i] + f*w[i])
	}
	return out
}

// CorrectedSignal writes signal minus its free-water compartment,
// S - f·S0·exp(-b·dIso), floored at zero, into dst.
func CorrectedSignal(dst, signal []float64, table *gradient.Table, fit VoxelFit, dIso float64) {
	w := waterAttenuation(table, dIso)
	for i, s := range signal {
		c := s - fit.FWFraction*fit.S0*w[i]
		if c < 0 || math.IsNaN(c) {
			c = 0
		}
		dst[i] = c
	}
}
