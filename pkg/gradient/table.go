// Package gradient validates and normalizes diffusion-encoding schemes.
//
// A Table pairs every acquired volume with its b-value and unit gradient
// direction. Construction fails fast on malformed schemes so that no
// voxel fit is ever attempted with a table that cannot resolve a tensor.
package gradient

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrLengthMismatch is returned when b-values and b-vectors differ in length.
	ErrLengthMismatch = errors.New("gradient: b-values and b-vectors differ in length")

	// ErrInvalidBValue is returned for negative or non-finite b-values.
	ErrInvalidBValue = errors.New("gradient: invalid b-value")

	// ErrInvalidBVector is returned when a diffusion-weighted entry's vector
	// is not unit norm within tolerance.
	ErrInvalidBVector = errors.New("gradient: b-vector is not unit norm")

	// ErrDegenerateGradientTable is returned when the scheme cannot resolve
	// a full tensor or provides no b0 volume.
	ErrDegenerateGradientTable = errors.New("gradient: degenerate gradient table")
)

const (
	// DefaultNormTolerance is the accepted deviation of |g| from 1
	DefaultNormTolerance = 1e-3

	// DefaultB0Threshold is the largest b-value (s/mm²) treated as b0
	DefaultB0Threshold = 50.0

	// MinDirections is the number of non-collinear directions a tensor needs
	MinDirections = 6

	rankTolerance = 1e-6
)

// Table is a validated gradient table. It is immutable and safe for
// concurrent use.
type Table struct {
	bvals []float64
	bvecs [][3]float64

	b0   []int
	dw   []int
	isB0 []bool

	// design holds b·[gx², 2gxgy, gy², 2gxgz, 2gygz, gz²] per entry
	design [][6]float64
}

type options struct {
	normTolerance float64
	b0Threshold   float64
}

// Option configures table validation
type Option func(*options)

// WithNormTolerance overrides the accepted |g|-1 deviation
func WithNormTolerance(tol float64) Option {
	return func(o *options) { o.normTolerance = tol }
}

// WithB0Threshold overrides the b-value at or below which a volume counts as b0
func WithB0Threshold(b float64) Option {
	return func(o *options) { o.b0Threshold = b }
}

// New validates bvals and bvecs and returns a normalized Table.
func New(bvals []float64, bvecs [][3]float64, opts ...Option) (*Table, error) {
	o := options{normTolerance: DefaultNormTolerance, b0Threshold: DefaultB0Threshold}
	for _, opt := range opts {
		opt(&o)
	}

	if len(bvals) != len(bvecs) {
		return nil, fmt.Errorf("%w: %d b-values, %d b-vectors", ErrLengthMismatch, len(bvals), len(bvecs))
	}

	t := &Table{
		bvals:  make([]float64, len(bvals)),
		bvecs:  make([][3]float64, len(bvecs)),
		design: make([][6]float64, len(bvals)),
		isB0:   make([]bool, len(bvals)),
	}
	copy(t.bvals, bvals)

	for i, b := range bvals {
		if b < 0 || math.IsNaN(b) || math.IsInf(b, 0) {
			return nil, fmt.Errorf("%w: entry %d has b=%g", ErrInvalidBValue, i, b)
		}

		g := bvecs[i]
		norm := math.Sqrt(g[0]*g[0] + g[1]*g[1] + g[2]*g[2])
		lowB := b <= o.b0Threshold
		// a zero vector is only meaningful on a b0 volume; any other
		// vector on a weighted entry must be unit length
		if b > 0 && (norm != 0 || !lowB) && math.Abs(norm-1) > o.normTolerance {
			return nil, fmt.Errorf("%w: entry %d (b=%g) has norm %.6f", ErrInvalidBVector, i, b, norm)
		}

		if lowB {
			t.b0 = append(t.b0, i)
			t.isB0[i] = true
			if b > 0 && norm != 0 {
				t.bvecs[i] = [3]float64{g[0] / norm, g[1] / norm, g[2] / norm}
			}
			continue
		}
		g = [3]float64{g[0] / norm, g[1] / norm, g[2] / norm}
		t.bvecs[i] = g
		t.dw = append(t.dw, i)
		t.design[i] = designRow(b, g)
	}

	if len(t.b0) == 0 {
		return nil, fmt.Errorf("%w: no b0 volume (b <= %g) to estimate S0", ErrDegenerateGradientTable, o.b0Threshold)
	}

	if r := t.directionRank(); r < MinDirections {
		return nil, fmt.Errorf("%w: %d diffusion-weighted volumes span rank %d, need %d non-collinear directions",
			ErrDegenerateGradientTable, len(t.dw), r, MinDirections)
	}

	return t, nil
}

// FromFSL builds a table from FSL's layout: one row per axis, one column
// per volume.
func FromFSL(bvals []float64, rows [3][]float64, opts ...Option) (*Table, error) {
	for axis, row := range rows {
		if len(row) != len(bvals) {
			return nil, fmt.Errorf("%w: bvec row %d has %d entries, expected %d",
				ErrLengthMismatch, axis, len(row), len(bvals))
		}
	}
	bvecs := make([][3]float64, len(bvals))
	for i := range bvecs {
		bvecs[i] = [3]float64{rows[0][i], rows[1][i], rows[2][i]}
	}
	return New(bvals, bvecs, opts...)
}

func designRow(b float64, g [3]float64) [6]float64 {
	return [6]float64{
		b * g[0] * g[0],
		b * 2 * g[0] * g[1],
		b * g[1] * g[1],
		b * 2 * g[0] * g[2],
		b * 2 * g[1] * g[2],
		b * g[2] * g[2],
	}
}

// directionRank returns the rank of the unit-direction design matrix.
// Antipodal or repeated directions collapse onto the same row.
func (t *Table) directionRank() int {
	if len(t.dw) == 0 {
		return 0
	}
	x := mat.NewDense(len(t.dw), 6, nil)
	for r, i := range t.dw {
		row := designRow(1, t.bvecs[i])
		x.SetRow(r, row[:])
	}

	var svd mat.SVD
	if !svd.Factorize(x, mat.SVDNone) {
		return 0
	}
	values := svd.Values(nil)
	if len(values) == 0 || values[0] == 0 {
		return 0
	}
	rank := 0
	for _, v := range values {
		if v > rankTolerance*values[0] {
			rank++
		}
	}
	return rank
}

// Len returns the number of entries
func (t *Table) Len() int { return len(t.bvals) }

// BValue returns the b-value of entry i
func (t *Table) BValue(i int) float64 { return t.bvals[i] }

// BVector returns the normalized direction of entry i (zero when b=0)
func (t *Table) BVector(i int) [3]float64 { return t.bvecs[i] }

// BValues returns a copy of the b-values
func (t *Table) BValues() []float64 {
	out := make([]float64, len(t.bvals))
	copy(out, t.bvals)
	return out
}

// BVectors returns a copy of the normalized b-vectors
func (t *Table) BVectors() [][3]float64 {
	out := make([][3]float64, len(t.bvecs))
	copy(out, t.bvecs)
	return out
}

// B0Indices returns the indices of the b0 subset. The slice is shared.
func (t *Table) B0Indices() []int { return t.b0 }

// DWIndices returns the indices of the diffusion-weighted subset. The
// slice is shared.
func (t *Table) DWIndices() []int { return t.dw }

// IsB0 reports whether entry i belongs to the b0 subset
func (t *Table) IsB0(i int) bool { return t.isB0[i] }

// DesignRow returns b·[gx², 2gxgy, gy², 2gxgz, 2gygz, gz²] for entry i so
// that b·gᵀDg equals the dot product with the tensor components
// (Dxx, Dxy, Dyy, Dxz, Dyz, Dzz).
func (t *Table) DesignRow(i int) [6]float64 { return t.design[i] }
