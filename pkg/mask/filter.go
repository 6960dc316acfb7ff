// Package mask selects the voxels eligible for fitting.
package mask

import (
	"errors"
	"fmt"

	"babyfwe/internal/models"
)

// ErrShapeMismatch is returned when a mask does not cover the DWI grid
var ErrShapeMismatch = errors.New("mask: shape does not match volume")

// Eligible returns the ascending spatial indices of voxels to fit.
// A nil mask selects every voxel.
func Eligible(shape models.Shape, m *models.Mask) ([]int, error) {
	if m == nil {
		idx := make([]int, shape.Voxels())
		for i := range idx {
			idx[i] = i
		}
		return idx, nil
	}

	if !m.Shape.Spatial(shape) || len(m.Data) != shape.Voxels() {
		return nil, fmt.Errorf("%w: mask %dx%dx%d (%d values), volume %dx%dx%d",
			ErrShapeMismatch, m.Shape.X, m.Shape.Y, m.Shape.Z, len(m.Data), shape.X, shape.Y, shape.Z)
	}

	var idx []int
	for i, in := range m.Data {
		if in {
			idx = append(idx, i)
		}
	}
	return idx, nil
}
