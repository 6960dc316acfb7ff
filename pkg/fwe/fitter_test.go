package fwe

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"babyfwe/internal/models"
	"babyfwe/pkg/gradient"
	"babyfwe/pkg/mask"
)

func quietParams(workers int) *Params {
	return &Params{
		Workers:   workers,
		ChunkSize: 2,
		Progress:  func(int, int, string) {},
	}
}

func TestFitWholeVolume(t *testing.T) {
	table := multiShellTable(t)
	fractions := []float64{0, 0.3, 1, math.NaN()}
	vol := syntheticVolume(table, models.Shape{X: 2, Y: 2, Z: 2}, fractions)

	res, err := NewFitter(quietParams(3)).Fit(context.Background(), vol, table, nil)
	require.NoError(t, err)
	require.True(t, res.Complete)

	assert.Equal(t, "affine-token", res.Meta)
	assert.Equal(t, AlternatingName, res.Strategy)
	assert.Len(t, res.Voxels, 8)

	for idx, v := range res.Voxels {
		want := fractions[idx%len(fractions)]
		if math.IsNaN(want) {
			assert.Equal(t, models.StatusSingular, v.Status, "voxel %d", idx)
			continue
		}
		require.True(t, v.Status.Fitted(), "voxel %d status %v", idx, v.Status)
		assert.InDelta(t, want, v.FWFraction, 0.05, "voxel %d", idx)
	}

	assert.Equal(t, 8, res.Summary.Eligible)
	assert.Equal(t, 2, res.Summary.Singular)
	assert.Equal(t, 2, res.Summary.PureWater)
	assert.Zero(t, res.Summary.NotFitted)
}

func TestFitAllFalseMask(t *testing.T) {
	table := multiShellTable(t)
	shape := models.Shape{X: 2, Y: 3, Z: 1}
	vol := syntheticVolume(table, shape, []float64{0.2})

	res, err := NewFitter(quietParams(2)).Fit(context.Background(), vol, table, models.NewMask(shape, false))
	require.NoError(t, err)

	assert.True(t, res.Complete)
	assert.Zero(t, res.Summary.Eligible)
	assert.Zero(t, res.Summary.Singular)
	for idx, v := range res.Voxels {
		assert.Equal(t, models.StatusOutsideMask, v.Status, "voxel %d", idx)
	}
}

func TestFitPartialMask(t *testing.T) {
	table := multiShellTable(t)
	shape := models.Shape{X: 3, Y: 1, Z: 1}
	vol := syntheticVolume(table, shape, []float64{0.2})
	m := models.NewMask(shape, false)
	m.Data[1] = true

	res, err := NewFitter(quietParams(2)).Fit(context.Background(), vol, table, m)
	require.NoError(t, err)

	assert.Equal(t, models.StatusOutsideMask, res.Voxels[0].Status)
	assert.True(t, res.Voxels[1].Status.Fitted())
	assert.Equal(t, models.StatusOutsideMask, res.Voxels[2].Status)
}

func TestFitShapeMismatch(t *testing.T) {
	table := multiShellTable(t)
	vol := syntheticVolume(table, models.Shape{X: 2, Y: 1, Z: 1}, []float64{0})

	short := *vol
	short.Shape.N--
	short.Data = short.Data[:short.Shape.Len()]
	res, err := NewFitter(quietParams(1)).Fit(context.Background(), &short, table, nil)
	assert.Nil(t, res)
	assert.True(t, errors.Is(err, ErrInputShapeMismatch), "got %v", err)

	truncated := *vol
	truncated.Data = truncated.Data[:len(truncated.Data)-1]
	res, err = NewFitter(quietParams(1)).Fit(context.Background(), &truncated, table, nil)
	assert.Nil(t, res)
	assert.True(t, errors.Is(err, ErrInputShapeMismatch), "got %v", err)

	_, err = NewFitter(quietParams(1)).Fit(context.Background(), nil, table, nil)
	assert.True(t, errors.Is(err, ErrInputShapeMismatch))
}

func TestFitMaskShapeMismatch(t *testing.T) {
	table := multiShellTable(t)
	vol := syntheticVolume(table, models.Shape{X: 2, Y: 1, Z: 1}, []float64{0})

	res, err := NewFitter(quietParams(1)).Fit(context.Background(), vol, table, models.NewMask(models.Shape{X: 3, Y: 1, Z: 1}, true))
	assert.Nil(t, res)
	assert.True(t, errors.Is(err, mask.ErrShapeMismatch))
}

func TestFitIdempotent(t *testing.T) {
	table := multiShellTable(t)
	vol := syntheticVolume(table, models.Shape{X: 3, Y: 2, Z: 2}, []float64{0, 0.15, 0.3, 0.6, 1, math.NaN()})
	before := append([]float64(nil), vol.Data...)

	first, err := NewFitter(quietParams(4)).Fit(context.Background(), vol, table, nil)
	require.NoError(t, err)
	second, err := NewFitter(quietParams(1)).Fit(context.Background(), vol, table, nil)
	require.NoError(t, err)

	if diff := cmp.Diff(first.Voxels, second.Voxels, cmpopts.EquateNaNs()); diff != "" {
		t.Errorf("repeated fits differ (-first +second):\n%s", diff)
	}
	assert.Equal(t, before, vol.Data, "input volume must not be modified")
}

func TestFitCancelled(t *testing.T) {
	table := multiShellTable(t)
	vol := syntheticVolume(table, models.Shape{X: 2, Y: 2, Z: 1}, []float64{0.3})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := NewFitter(quietParams(2)).Fit(ctx, vol, table, nil)
	require.Error(t, err)
	assert.True(t, IsIncomplete(err))
	require.NotNil(t, res)
	assert.False(t, res.Complete)
	assert.Equal(t, 4, res.Summary.NotFitted)
	for _, v := range res.Voxels {
		assert.Equal(t, models.StatusNotFitted, v.Status)
	}
}

// slowStrategy sleeps before every voxel so a short timeout lands part way
// through the run.
type slowStrategy struct {
	Strategy
	delay time.Duration
}

func (s slowStrategy) FitVoxel(signal []float64, table *gradient.Table, prior Prior) VoxelFit {
	time.Sleep(s.delay)
	return s.Strategy.FitVoxel(signal, table, prior)
}

func TestFitTimeoutKeepsCompletedVoxels(t *testing.T) {
	table := multiShellTable(t)
	vol := syntheticVolume(table, models.Shape{X: 8, Y: 4, Z: 1}, []float64{0.3})

	params := quietParams(1)
	params.ChunkSize = 1
	params.Strategy = slowStrategy{Strategy: NewAlternating(DefaultOptions()), delay: 20 * time.Millisecond}
	params.Timeout = 100 * time.Millisecond

	res, err := NewFitter(params).Fit(context.Background(), vol, table, nil)
	require.True(t, IsIncomplete(err), "got %v", err)
	require.NotNil(t, res)

	fitted := 0
	for _, v := range res.Voxels {
		switch {
		case v.Status.Fitted():
			fitted++
		case v.Status != models.StatusNotFitted:
			t.Errorf("unexpected status %v", v.Status)
		}
	}
	assert.Greater(t, fitted, 0)
	assert.Less(t, fitted, 32)
	assert.Equal(t, 32-fitted, res.Summary.NotFitted)
}

func TestFitWithSmoothing(t *testing.T) {
	table := multiShellTable(t)
	vol := syntheticVolume(table, models.Shape{X: 3, Y: 3, Z: 1}, []float64{0.3})

	params := quietParams(2)
	params.Smoothing = Smoothing{Passes: 2, Radius: 1.5, Weight: 0.5}

	res, err := NewFitter(params).Fit(context.Background(), vol, table, nil)
	require.NoError(t, err)
	for idx, v := range res.Voxels {
		require.True(t, v.Status.Fitted(), "voxel %d", idx)
		assert.InDelta(t, 0.3, v.FWFraction, 0.05, "voxel %d", idx)
	}
}

func TestFitSmoothingCutShortKeepsResult(t *testing.T) {
	table := multiShellTable(t)
	vol := syntheticVolume(table, models.Shape{X: 2, Y: 1, Z: 1}, []float64{0.3})

	params := quietParams(1)
	params.ChunkSize = 1
	params.Strategy = slowStrategy{Strategy: NewAlternating(DefaultOptions()), delay: 10 * time.Millisecond}
	params.Smoothing = Smoothing{Passes: 1000, Radius: 1.5, Weight: 0.5}
	params.Timeout = 200 * time.Millisecond

	res, err := NewFitter(params).Fit(context.Background(), vol, table, nil)
	require.NoError(t, err)
	assert.True(t, res.Complete)
	assert.True(t, res.Summary.SmoothingInterrupted)
	assert.Less(t, res.Summary.SmoothingPasses, 1000)
	assert.Zero(t, res.Summary.NotFitted)
	for idx, v := range res.Voxels {
		require.True(t, v.Status.Fitted(), "voxel %d", idx)
		assert.InDelta(t, 0.3, v.FWFraction, 0.05, "voxel %d", idx)
	}
}

func TestFitCountsPureWater(t *testing.T) {
	table := multiShellTable(t)
	vol := syntheticVolume(table, models.Shape{X: 2, Y: 1, Z: 1}, []float64{0.3, 0.97})

	res, err := NewFitter(quietParams(1)).Fit(context.Background(), vol, table, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Summary.PureWater)
	assert.Equal(t, 1.0, res.Voxels[1].FWFraction)
	assert.Zero(t, res.Summary.SmoothingPasses)
	assert.False(t, res.Summary.SmoothingInterrupted)
}

func TestFitNoProgressAfterReturn(t *testing.T) {
	table := multiShellTable(t)
	vol := syntheticVolume(table, models.Shape{X: 2, Y: 2, Z: 1}, []float64{0.2, 0.5})

	var late atomic.Int64
	for i := 0; i < 200; i++ {
		var returned atomic.Bool
		params := quietParams(2)
		params.ChunkSize = 1
		params.ProgressInterval = time.Microsecond
		params.Progress = func(int, int, string) {
			if returned.Load() {
				late.Add(1)
			}
		}

		_, err := NewFitter(params).Fit(context.Background(), vol, table, nil)
		returned.Store(true)
		require.NoError(t, err)
	}

	// give any stray ticker a chance to fire
	time.Sleep(5 * time.Millisecond)
	assert.Zero(t, late.Load(), "progress reported after Fit returned")
}

func TestSmoothingPriors(t *testing.T) {
	shape := models.Shape{X: 3, Y: 1, Z: 1}
	fits := []VoxelFit{
		{FWFraction: 0.2, Status: models.StatusConverged},
		{FWFraction: 0.5, Status: models.StatusConverged},
		{FWFraction: 0.6, Status: models.StatusMaxIterReached},
	}
	s := Smoothing{Passes: 1, Radius: 1.1, Weight: 2}

	priors := s.priors(shape, []int{0, 1, 2}, fits)

	require.Len(t, priors, 3)
	assert.InDelta(t, 0.5, priors[0].Target, 1e-12)
	assert.InDelta(t, 0.4, priors[1].Target, 1e-12)
	assert.InDelta(t, 0.5, priors[2].Target, 1e-12)
	assert.Equal(t, 2.0, priors[1].Weight)

	fits[1].Status = models.StatusSingular
	fits[1].FWFraction = math.NaN()
	priors = s.priors(shape, []int{0, 1, 2}, fits)
	assert.False(t, priors[0].Active(), "isolated voxel gets no prior")
	assert.False(t, priors[1].Active(), "unfitted voxel gets no prior")

	assert.Equal(t, []Prior{{}, {}, {}}, Smoothing{}.priors(shape, []int{0, 1, 2}, fits))
}

func TestNewFitterDefaults(t *testing.T) {
	f := NewFitter(nil)
	assert.Equal(t, AlternatingName, f.params.Strategy.Name())
	assert.GreaterOrEqual(t, f.params.Workers, 1)
	assert.Equal(t, DefaultChunkSize, f.params.ChunkSize)
}

func BenchmarkFit(b *testing.B) {
	table := multiShellTable(b)
	vol := syntheticVolume(table, models.Shape{X: 8, Y: 8, Z: 4}, []float64{0, 0.2, 0.4, 0.8})
	fitter := NewFitter(quietParams(0))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := fitter.Fit(context.Background(), vol, table, nil); err != nil {
			b.Fatal(err)
		}
	}
}
