// Package assembly turns per-voxel fit results back into volume-shaped
// arrays.
package assembly

import (
	"errors"
	"fmt"
	"math"

	"babyfwe/internal/models"
	"babyfwe/pkg/fwe"
)

// TensorComponents is the length of the last axis of the tensor field
const TensorComponents = 6

// ErrInvalidResult is returned for results that cannot be assembled
var ErrInvalidResult = errors.New("assembly: invalid fit result")

// Outputs are the volume-shaped products of a fit. All arrays are
// flattened in C order with the same spatial layout as the input DWI.
type Outputs struct {
	Shape models.Shape

	// FWFraction has one value per voxel in [0,1], NaN where no estimate exists
	FWFraction []float64

	// Tensor has TensorComponents values per voxel (Dxx, Dxy, Dyy, Dxz,
	// Dyz, Dzz), NaN where no estimate exists
	Tensor []float64

	// Corrected has Shape.N values per voxel, zero where no estimate exists
	Corrected []float64

	// Status has one code per voxel
	Status []uint8

	// Meta is the input metadata token, forwarded unchanged
	Meta any

	// Complete mirrors fwe.FitResult.Complete
	Complete bool
}

// Assemble builds the output volumes of res. Voxels outside the mask,
// singular voxels and voxels a cancelled run never reached get the
// sentinels: NaN fraction and tensor, zero corrected signal. The inputs
// referenced by res are only read.
func Assemble(res *fwe.FitResult) (*Outputs, error) {
	if res == nil || res.Input == nil || res.Table == nil {
		return nil, fmt.Errorf("%w: missing result or inputs", ErrInvalidResult)
	}
	shape := res.Shape
	voxels := shape.Voxels()
	if len(res.Voxels) != voxels {
		return nil, fmt.Errorf("%w: %d voxel fits for shape %v", ErrInvalidResult, len(res.Voxels), shape)
	}

	out := &Outputs{
		Shape:      shape,
		FWFraction: make([]float64, voxels),
		Tensor:     make([]float64, voxels*TensorComponents),
		Corrected:  make([]float64, voxels*shape.N),
		Status:     make([]uint8, voxels),
		Meta:       res.Meta,
		Complete:   res.Complete,
	}

	nan := math.NaN()
	for idx, v := range res.Voxels {
		out.Status[idx] = uint8(v.Status)
		tensor := out.Tensor[idx*TensorComponents : (idx+1)*TensorComponents]

		if !v.Status.Fitted() {
			out.FWFraction[idx] = nan
			for k := range tensor {
				tensor[k] = nan
			}
			// corrected signal keeps its zero value
			continue
		}

		out.FWFraction[idx] = clampUnit(v.FWFraction)
		copy(tensor, v.Tensor[:])
		fwe.CorrectedSignal(out.Corrected[idx*shape.N:(idx+1)*shape.N], res.Input.Signal(idx), res.Table, v, res.DIso)
	}
	return out, nil
}

func clampUnit(f float64) float64 {
	return math.Max(0, math.Min(1, f))
}

// FWFractionAt returns the free-water fraction at (x, y, z)
func (o *Outputs) FWFractionAt(x, y, z int) float64 {
	return o.FWFraction[o.Shape.Index(x, y, z)]
}

// TensorAt returns the tensor components at (x, y, z)
func (o *Outputs) TensorAt(x, y, z int) fwe.Tensor {
	var t fwe.Tensor
	idx := o.Shape.Index(x, y, z)
	copy(t[:], o.Tensor[idx*TensorComponents:(idx+1)*TensorComponents])
	return t
}

// CorrectedAt returns the corrected signal at (x, y, z). The slice
// aliases the output array.
func (o *Outputs) CorrectedAt(x, y, z int) []float64 {
	idx := o.Shape.Index(x, y, z)
	return o.Corrected[idx*o.Shape.N : (idx+1)*o.Shape.N]
}

// StatusAt returns the fit status at (x, y, z)
func (o *Outputs) StatusAt(x, y, z int) models.Status {
	return models.Status(o.Status[o.Shape.Index(x, y, z)])
}
