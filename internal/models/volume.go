package models

import "fmt"

// Shape describes a 4D DWI array (X, Y, Z spatial, N gradient volumes).
// For purely spatial arrays N is ignored.
type Shape struct {
	X, Y, Z int

	// N is the length of the gradient dimension
	N int
}

// Voxels returns the number of spatial voxels
func (s Shape) Voxels() int {
	return s.X * s.Y * s.Z
}

// Len returns the total number of samples in a 4D array of this shape
func (s Shape) Len() int {
	return s.Voxels() * s.N
}

// Spatial reports whether two shapes share the same spatial extent
func (s Shape) Spatial(o Shape) bool {
	return s.X == o.X && s.Y == o.Y && s.Z == o.Z
}

// WithN returns the shape with its gradient dimension set to n
func (s Shape) WithN(n int) Shape {
	s.N = n
	return s
}

// Index returns the flat spatial index of (x, y, z) in C order
func (s Shape) Index(x, y, z int) int {
	return (x*s.Y+y)*s.Z + z
}

// Coord is the inverse of Index
func (s Shape) Coord(idx int) (x, y, z int) {
	z = idx % s.Z
	y = (idx / s.Z) % s.Y
	x = idx / (s.Y * s.Z)
	return x, y, z
}

func (s Shape) String() string {
	return fmt.Sprintf("(%d, %d, %d, %d)", s.X, s.Y, s.Z, s.N)
}

// DWIVolume is a diffusion-weighted acquisition: one 3D image per
// gradient encoding.
type DWIVolume struct {
	// Shape holds the spatial dimensions and the number of gradient volumes
	Shape Shape

	// Data is the 4D array flattened in C order, gradient index fastest
	Data []float64

	// Meta is forwarded untouched to every output (affine, header, ...)
	Meta any
}

// Signal returns the N samples of spatial voxel idx. The returned slice
// aliases Data and must not be modified.
func (v *DWIVolume) Signal(idx int) []float64 {
	n := v.Shape.N
	return v.Data[idx*n : (idx+1)*n : (idx+1)*n]
}

// Mask marks the voxels eligible for fitting
type Mask struct {
	// Shape is the spatial shape; N is ignored
	Shape Shape

	// Data holds one flag per spatial voxel in C order
	Data []bool
}

// NewMask creates a mask with every voxel set to value
func NewMask(shape Shape, value bool) *Mask {
	m := &Mask{Shape: shape, Data: make([]bool, shape.Voxels())}
	if value {
		for i := range m.Data {
			m.Data[i] = true
		}
	}
	return m
}

// Status is the per-voxel fit outcome stored in the status map
type Status uint8

const (
	// StatusOutsideMask marks voxels that were never fit
	StatusOutsideMask Status = iota
	StatusConverged
	// StatusMaxIterReached keeps the best estimate but flags non-convergence
	StatusMaxIterReached
	// StatusSingular marks voxels whose fit could not be attempted or solved
	StatusSingular
	// StatusNotFitted marks eligible voxels left over by a cancelled run
	StatusNotFitted
)

// Fitted reports whether the voxel carries a usable estimate
func (s Status) Fitted() bool {
	return s == StatusConverged || s == StatusMaxIterReached
}

func (s Status) String() string {
	switch s {
	case StatusOutsideMask:
		return "OUTSIDE_MASK"
	case StatusConverged:
		return "CONVERGED"
	case StatusMaxIterReached:
		return "MAX_ITER_REACHED"
	case StatusSingular:
		return "SINGULAR"
	case StatusNotFitted:
		return "NOT_FITTED"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}
