package fwe

import (
	"math"

	"gonum.org/v1/gonum/spatial/kdtree"

	"babyfwe/internal/models"
)

// Smoothing configures spatially regularized refinement. Each pass refits
// every fitted voxel with a Prior pulling f toward the mean fraction of
// its fitted neighbours from the previous pass.
type Smoothing struct {
	// Passes is the number of refinement passes; zero disables smoothing
	Passes int

	// Radius is the neighbourhood radius in voxels
	Radius float64

	// Weight is the penalty weight of the neighbourhood prior
	Weight float64
}

// voxelPoint is a voxel centre indexed for neighbour searches
type voxelPoint struct {
	X, Y, Z float64
	Index   int
}

// Compare implements the kdtree.Comparable interface
func (p voxelPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(voxelPoint)
	switch d {
	case 0:
		return p.X - q.X
	case 1:
		return p.Y - q.Y
	case 2:
		return p.Z - q.Z
	default:
		panic("illegal dimension")
	}
}

// Dims returns the number of dimensions for the KD-tree
func (p voxelPoint) Dims() int { return 3 }

// Distance returns the squared Euclidean distance between two points
func (p voxelPoint) Distance(c kdtree.Comparable) float64 {
	q := c.(voxelPoint)
	dx := p.X - q.X
	dy := p.Y - q.Y
	dz := p.Z - q.Z
	return dx*dx + dy*dy + dz*dz
}

// voxelPoints satisfies kdtree.Interface
type voxelPoints []voxelPoint

func (p voxelPoints) Index(i int) kdtree.Comparable         { return p[i] }
func (p voxelPoints) Len() int                              { return len(p) }
func (p voxelPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

// Pivot implements the kdtree.Interface method
func (p voxelPoints) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(voxelPlane{voxelPoints: p, Dim: d}, kdtree.MedianOfMedians(voxelPlane{voxelPoints: p, Dim: d}))
}

// voxelPlane implements sort.Interface and kdtree.SortSlicer
type voxelPlane struct {
	voxelPoints
	kdtree.Dim
}

func (p voxelPlane) Less(i, j int) bool {
	switch p.Dim {
	case 0:
		return p.voxelPoints[i].X < p.voxelPoints[j].X
	case 1:
		return p.voxelPoints[i].Y < p.voxelPoints[j].Y
	case 2:
		return p.voxelPoints[i].Z < p.voxelPoints[j].Z
	default:
		panic("illegal dimension")
	}
}

func (p voxelPlane) Slice(start, end int) kdtree.SortSlicer {
	return voxelPlane{voxelPoints: p.voxelPoints[start:end], Dim: p.Dim}
}

func (p voxelPlane) Swap(i, j int) {
	p.voxelPoints[i], p.voxelPoints[j] = p.voxelPoints[j], p.voxelPoints[i]
}

// priors returns one Prior per eligible voxel (same order) built from the
// fractions in fits. Voxels without fitted neighbours get the zero Prior.
func (s Smoothing) priors(shape models.Shape, eligible []int, fits []VoxelFit) []Prior {
	out := make([]Prior, len(eligible))
	if s.Weight <= 0 || s.Radius <= 0 {
		return out
	}

	var pts voxelPoints
	for _, idx := range eligible {
		if fits[idx].Status.Fitted() {
			pts = append(pts, pointAt(shape, idx))
		}
	}
	if len(pts) < 2 {
		return out
	}
	tree := kdtree.New(pts, false)
	r2 := s.Radius * s.Radius

	for k, idx := range eligible {
		if !fits[idx].Status.Fitted() {
			continue
		}
		keep := kdtree.NewDistKeeper(r2)
		tree.NearestSet(keep, pointAt(shape, idx))

		var sum float64
		n := 0
		for _, c := range keep.Heap {
			// the keeper's sentinel carries no point
			if c.Comparable == nil {
				continue
			}
			q := c.Comparable.(voxelPoint)
			if q.Index == idx {
				continue
			}
			f := fits[q.Index].FWFraction
			if math.IsNaN(f) {
				continue
			}
			sum += f
			n++
		}
		if n > 0 {
			out[k] = Prior{Target: sum / float64(n), Weight: s.Weight}
		}
	}
	return out
}

func pointAt(shape models.Shape, idx int) voxelPoint {
	x, y, z := shape.Coord(idx)
	return voxelPoint{X: float64(x), Y: float64(y), Z: float64(z), Index: idx}
}
