package fwe

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"babyfwe/pkg/gradient"
)

// tensorSolver solves the weighted log-linear tensor system
//
//	minimize Σ wᵢ (rᵢ·d + ln tᵢ)²
//
// over the diffusion-weighted entries, where rᵢ is the design row and tᵢ
// the free-water corrected tissue signal. Weights are tᵢ², the usual
// weighting for log-transformed magnitude data.
//
// A tensorSolver holds scratch space and is not safe for concurrent use;
// strategies create one per voxel fit.
type tensorSolver struct {
	table *gradient.Table
	water []float64

	normal *mat.SymDense
	rhs    *mat.VecDense
	row    *mat.VecDense
	sol    *mat.VecDense
	chol   mat.Cholesky
}

func newTensorSolver(table *gradient.Table, water []float64) *tensorSolver {
	return &tensorSolver{
		table:  table,
		water:  water,
		normal: mat.NewSymDense(6, nil),
		rhs:    mat.NewVecDense(6, nil),
		row:    mat.NewVecDense(6, nil),
		sol:    mat.NewVecDense(6, nil),
	}
}

// solve fits D to the normalized signal norm (S/S0) for a fixed
// free-water fraction f. It reports false when the system is singular or
// too ill-conditioned to be trusted.
func (ts *tensorSolver) solve(norm []float64, f float64) (Tensor, bool) {
	if f >= 1 {
		return Tensor{}, false
	}

	ts.normal.Zero()
	ts.rhs.Zero()

	scale := 1 / (1 - f)
	for _, i := range ts.table.DWIndices() {
		t := (norm[i] - f*ts.water[i]) * scale
		if !(t > signalFloor) {
			t = signalFloor
		}
		w := t * t
		y := -math.Log(t)

		design := ts.table.DesignRow(i)
		for k := 0; k < 6; k++ {
			ts.row.SetVec(k, design[k])
		}
		ts.normal.SymRankOne(ts.normal, w, ts.row)
		ts.rhs.AddScaledVec(ts.rhs, w*y, ts.row)
	}

	if ok := ts.chol.Factorize(ts.normal); !ok {
		return Tensor{}, false
	}
	if c := ts.chol.Cond(); math.IsInf(c, 0) || math.IsNaN(c) || c > maxCondition {
		return Tensor{}, false
	}
	if err := ts.chol.SolveVecTo(ts.sol, ts.rhs); err != nil {
		return Tensor{}, false
	}

	var d Tensor
	for k := range d {
		d[k] = ts.sol.AtVec(k)
		if math.IsNaN(d[k]) || math.IsInf(d[k], 0) {
			return Tensor{}, false
		}
	}
	return d, true
}
