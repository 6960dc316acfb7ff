package fwe

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"babyfwe/internal/models"
	"babyfwe/pkg/gradient"
)

// AlternatingName is the registry name of the Alternating strategy
const AlternatingName = "alternating"

// Alternating is the weighted least squares free-water fit of Hoy et al.
// (2014), as implemented by dipy's fwdti WLS fit: a grid search over f
// initializes the fraction, then f and D are refined alternately. With D
// fixed the model is linear in f, so the fraction step is solved in
// closed form; with f fixed the tissue tensor is refit by weighted
// log-linear least squares on the free-water corrected signal.
type Alternating struct {
	opts Options
}

// NewAlternating returns an Alternating strategy. opts are assumed valid.
func NewAlternating(opts Options) *Alternating {
	return &Alternating{opts: opts}
}

// Name implements Strategy
func (a *Alternating) Name() string { return AlternatingName }

// Options returns the strategy's numerical settings
func (a *Alternating) Options() Options { return a.opts }

// FitVoxel implements Strategy
func (a *Alternating) FitVoxel(signal []float64, table *gradient.Table, prior Prior) VoxelFit {
	v := newVoxelState(signal, table, a.opts)
	if v.fit.Status == models.StatusSingular {
		return v.singular()
	}

	d, ok := v.solver.solve(v.norm, 0)
	if !ok {
		return v.singular()
	}

	// Free water dominates: the tissue tensor is not identifiable
	if d.MD() >= a.opts.MDReg {
		return v.pureWater()
	}

	f, d, ok := a.grid(v, d)
	if !ok {
		return v.singular()
	}

	for iter := 1; iter <= a.opts.MaxIterations; iter++ {
		next := v.fraction(d, f, prior)
		nd, ok := v.solver.solve(v.norm, next)
		if !ok {
			return v.singular()
		}
		delta := math.Abs(next - f)
		f, d = next, nd
		v.fit.Iterations = iter
		if delta < a.opts.Tolerance {
			return v.finish(f, d, models.StatusConverged)
		}
	}
	return v.finish(f, d, models.StatusMaxIterReached)
}

// grid evaluates GridSteps fractions across [FMin, FMax] and returns the
// one whose refit tensor leaves the smallest residual.
func (a *Alternating) grid(v *voxelState, d0 Tensor) (float64, Tensor, bool) {
	steps := a.opts.GridSteps
	if steps < 2 {
		f := a.opts.FMin
		if f == 0 {
			return 0, d0, true
		}
		d, ok := v.solver.solve(v.norm, f)
		return f, d, ok
	}

	best := math.Inf(1)
	var bestF float64
	var bestD Tensor
	found := false
	width := (a.opts.FMax - a.opts.FMin) / float64(steps-1)
	for k := 0; k < steps; k++ {
		f := a.opts.FMin + float64(k)*width
		d, ok := v.solver.solve(v.norm, f)
		if !ok {
			continue
		}
		if r := v.residual(f, d); r < best {
			best, bestF, bestD, found = r, f, d, true
		}
	}
	return bestF, bestD, found
}

// voxelState carries the per-voxel quantities shared by the strategies
type voxelState struct {
	table  *gradient.Table
	opts   Options
	norm   []float64
	water  []float64
	tissue []float64
	solver *tensorSolver
	fit    VoxelFit
}

// newVoxelState estimates S0 from the b0 subset and normalizes the
// signal. Voxels below the noise floor come back marked singular.
func newVoxelState(signal []float64, table *gradient.Table, opts Options) *voxelState {
	b0 := make([]float64, 0, len(table.B0Indices()))
	for _, i := range table.B0Indices() {
		b0 = append(b0, signal[i])
	}
	s0 := stat.Mean(b0, nil)

	v := &voxelState{table: table, opts: opts, fit: VoxelFit{S0: s0}}
	if !(s0 >= opts.NoiseFloor) || s0 <= 0 || math.IsInf(s0, 0) {
		v.fit.Status = models.StatusSingular
		return v
	}

	v.norm = make([]float64, len(signal))
	for i, s := range signal {
		v.norm[i] = s / s0
	}
	v.water = waterAttenuation(table, opts.DIso)
	v.tissue = make([]float64, len(signal))
	v.solver = newTensorSolver(table, v.water)
	return v
}

// fraction solves min_f Σ (sᵢ - Tᵢ - f(Wᵢ - Tᵢ))² + λ(f - target)² for
// the current tensor and clamps the result to [FMin, FMax]. When the
// tissue and water compartments are indistinguishable f is left at
// current.
func (v *voxelState) fraction(d Tensor, current float64, prior Prior) float64 {
	tissueAttenuation(v.tissue, v.table, d)

	var num, den float64
	for i, s := range v.norm {
		diff := v.water[i] - v.tissue[i]
		num += diff * (s - v.tissue[i])
		den += diff * diff
	}
	if prior.Active() {
		num += prior.Weight * prior.Target
		den += prior.Weight
	}
	f := num / den
	if den < 1e-12 || math.IsNaN(f) {
		return current
	}
	return clamp(f, v.opts.FMin, v.opts.FMax)
}

// residual is the sum of squared differences between the normalized
// signal and the model
func (v *voxelState) residual(f float64, d Tensor) float64 {
	tissueAttenuation(v.tissue, v.table, d)
	var rss float64
	for i, s := range v.norm {
		r := s - ((1-f)*v.tissue[i] + f*v.water[i])
		rss += r * r
	}
	return rss
}

func (v *voxelState) finish(f float64, d Tensor, status models.Status) VoxelFit {
	v.fit.FWFraction = f
	v.fit.Tensor = d
	v.fit.Status = status
	v.fit.Residual = v.residual(f, d)
	return v.fit
}

func (v *voxelState) singular() VoxelFit {
	v.fit.Status = models.StatusSingular
	v.fit.FWFraction = math.NaN()
	v.fit.Tensor = NaNTensor
	return v.fit
}

func (v *voxelState) pureWater() VoxelFit {
	return v.finish(1, Tensor{}, models.StatusConverged)
}

func clamp(x, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, x))
}
