package fwe

import (
	"math"

	"gonum.org/v1/gonum/optimize"

	"babyfwe/internal/models"
	"babyfwe/pkg/gradient"
)

// NonlinearName is the registry name of the Nonlinear strategy
const NonlinearName = "nonlinear"

// tensorScale brings tensor components (~1e-3 mm²/s) to the magnitude of
// f so that the simplex moves both by comparable steps.
const tensorScale = 1e3

// Nonlinear starts from the Alternating estimate and minimizes the full
// model residual over f and all six tensor components jointly with the
// Nelder-Mead simplex method. The refined estimate is kept only when it
// lowers the objective.
type Nonlinear struct {
	init *Alternating
	opts Options

	// MaxEvaluations caps objective evaluations per voxel
	MaxEvaluations int
}

// NewNonlinear returns a Nonlinear strategy. opts are assumed valid.
func NewNonlinear(opts Options) *Nonlinear {
	return &Nonlinear{
		init:           NewAlternating(opts),
		opts:           opts,
		MaxEvaluations: 4000,
	}
}

// Name implements Strategy
func (n *Nonlinear) Name() string { return NonlinearName }

// Options returns the strategy's numerical settings
func (n *Nonlinear) Options() Options { return n.opts }

// FitVoxel implements Strategy
func (n *Nonlinear) FitVoxel(signal []float64, table *gradient.Table, prior Prior) VoxelFit {
	base := n.init.FitVoxel(signal, table, prior)
	if !base.Status.Fitted() || base.FWFraction >= 1 {
		return base
	}

	v := newVoxelState(signal, table, n.opts)
	objective := func(x []float64) float64 {
		f, d := unpack(x)
		penalty := 0.0
		if f < n.opts.FMin || f > n.opts.FMax {
			out := f - clamp(f, n.opts.FMin, n.opts.FMax)
			penalty = 1e3 * out * out
			f = clamp(f, n.opts.FMin, n.opts.FMax)
		}
		rss := v.residual(f, d) + penalty
		if prior.Active() {
			rss += prior.Weight * (f - prior.Target) * (f - prior.Target)
		}
		return rss
	}

	x0 := pack(base.FWFraction, base.Tensor)
	start := objective(x0)

	settings := &optimize.Settings{
		FuncEvaluations: n.MaxEvaluations,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-15,
			Iterations: 50,
		},
	}
	result, err := optimize.Minimize(optimize.Problem{Func: objective}, x0, settings, &optimize.NelderMead{})
	if result == nil || (err != nil && result.Status == optimize.Failure) {
		return base
	}
	if !(result.F < start) {
		return base
	}

	f, d := unpack(result.X)
	status := models.StatusConverged
	switch result.Status {
	case optimize.FunctionEvaluationLimit, optimize.IterationLimit, optimize.RuntimeLimit:
		status = models.StatusMaxIterReached
	}

	v.fit.Iterations = base.Iterations + result.Stats.MajorIterations
	return v.finish(clamp(f, n.opts.FMin, n.opts.FMax), d, status)
}

func pack(f float64, d Tensor) []float64 {
	x := make([]float64, 7)
	x[0] = f
	for k := range d {
		x[k+1] = d[k] * tensorScale
	}
	return x
}

func unpack(x []float64) (float64, Tensor) {
	var d Tensor
	for k := range d {
		d[k] = x[k+1] / tensorScale
	}
	if math.IsNaN(x[0]) {
		return 0, d
	}
	return x[0], d
}
