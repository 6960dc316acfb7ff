package fwe

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"babyfwe/internal/models"
	"babyfwe/internal/monitoring"
	"babyfwe/pkg/gradient"
	"babyfwe/pkg/mask"
)

// DefaultChunkSize is the number of voxels handed to a worker at a time
const DefaultChunkSize = 256

// Params configures a Fitter
type Params struct {
	// Strategy fits individual voxels; nil selects Alternating with
	// DefaultOptions
	Strategy Strategy

	// Workers is the number of concurrent workers; values below 1 use
	// every available CPU
	Workers int

	// ChunkSize is the number of voxels per work item
	ChunkSize int

	// Timeout is the wall-clock budget of a Fit call; zero disables it
	Timeout time.Duration

	// Smoothing configures the optional spatial regularization passes
	Smoothing Smoothing

	// Progress receives progress updates; nil logs them
	Progress monitoring.ProgressCallback

	// ProgressInterval throttles progress updates
	ProgressInterval time.Duration
}

// Fitter runs a Strategy over every eligible voxel of a DWI volume.
// A Fitter may be reused; it keeps no state between Fit calls.
type Fitter struct {
	params Params
	log    *log.Entry
}

// NewFitter creates a Fitter, filling unset parameters with defaults
func NewFitter(params *Params) *Fitter {
	p := Params{}
	if params != nil {
		p = *params
	}
	if p.Strategy == nil {
		p.Strategy = NewAlternating(DefaultOptions())
	}
	if p.Workers < 1 {
		p.Workers = runtime.NumCPU()
	}
	if p.ChunkSize < 1 {
		p.ChunkSize = DefaultChunkSize
	}
	if p.ProgressInterval <= 0 {
		p.ProgressInterval = 500 * time.Millisecond
	}
	return &Fitter{
		params: p,
		log:    monitoring.WithComponent("fwe").WithField("strategy", p.Strategy.Name()),
	}
}

// FitResult is the outcome of one Fit call. It is never modified after
// Fit returns.
type FitResult struct {
	// Shape is the DWI shape the result was computed for
	Shape models.Shape

	// Meta is the DWI metadata token, forwarded unchanged
	Meta any

	// Voxels holds one entry per spatial voxel in C order
	Voxels []VoxelFit

	// Complete is false when the run was cancelled before every eligible
	// voxel was fit. A cancelled smoothing pass leaves the result complete
	// with the estimates of the last finished pass.
	Complete bool

	// Strategy names the strategy that produced the result
	Strategy string

	// DIso is the free-water diffusivity the fit assumed
	DIso float64

	Summary Summary

	// Input and Table are the read-only inputs, kept for output assembly
	Input *models.DWIVolume
	Table *gradient.Table
}

// Fit fits every voxel selected by m (nil selects all).
//
// Structural problems (shape mismatch, bad mask) are returned before any
// voxel is touched, with a nil result. Per-voxel failures are recorded in
// the voxel status and never abort the run. When ctx is cancelled or the
// timeout expires, Fit returns the partial result together with an error
// wrapping ErrIncomplete; voxels not reached keep StatusNotFitted.
// Cancellation during a smoothing pass only drops that pass: the result
// keeps the previous estimates and Summary.SmoothingInterrupted is set.
func (ft *Fitter) Fit(ctx context.Context, dwi *models.DWIVolume, table *gradient.Table, m *models.Mask) (*FitResult, error) {
	if err := validateInputs(dwi, table); err != nil {
		return nil, err
	}
	eligible, err := mask.Eligible(dwi.Shape, m)
	if err != nil {
		return nil, err
	}

	if ft.params.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ft.params.Timeout)
		defer cancel()
	}

	start := time.Now()
	progress := ft.params.Progress
	if progress == nil {
		progress = monitoring.LogProgress(ft.log, start)
	}

	res := &FitResult{
		Shape:    dwi.Shape,
		Meta:     dwi.Meta,
		Voxels:   make([]VoxelFit, dwi.Shape.Voxels()),
		Strategy: ft.params.Strategy.Name(),
		DIso:     strategyDIso(ft.params.Strategy),
		Input:    dwi,
		Table:    table,
	}
	for _, idx := range eligible {
		res.Voxels[idx].Status = models.StatusNotFitted
	}

	ft.log.WithFields(log.Fields{
		"shape":    dwi.Shape.String(),
		"eligible": len(eligible),
		"workers":  ft.params.Workers,
	}).Info("fitting free-water model")

	complete := ft.runPass(ctx, dwi, table, eligible, res.Voxels, res.Voxels, nil, progress, "voxel fit")

	smoothed, interrupted := 0, false
	for pass := 1; complete && pass <= ft.params.Smoothing.Passes; pass++ {
		priors := ft.params.Smoothing.priors(dwi.Shape, eligible, res.Voxels)
		next := make([]VoxelFit, len(res.Voxels))
		copy(next, res.Voxels)
		if !ft.runPass(ctx, dwi, table, eligible, res.Voxels, next, priors, progress,
			fmt.Sprintf("smoothing pass %d", pass)) {
			interrupted = true
			ft.log.WithFields(log.Fields{
				"pass":  pass,
				"cause": context.Cause(ctx),
			}).Warn("smoothing cut short; keeping estimates of the last finished pass")
			break
		}
		res.Voxels = next
		smoothed = pass
	}

	res.Complete = complete
	res.Summary = summarize(res, eligible, time.Since(start), ft.params.Workers)
	res.Summary.SmoothingPasses = smoothed
	res.Summary.SmoothingInterrupted = interrupted
	ft.log.WithFields(res.Summary.Fields()).Info("fit finished")

	if !complete {
		return res, fmt.Errorf("%w: %d of %d eligible voxels fit before %v",
			ErrIncomplete, len(eligible)-res.Summary.NotFitted, len(eligible), context.Cause(ctx))
	}
	return res, nil
}

// runPass fits eligible voxels into dst. Voxels whose status in prev is
// not fitted are skipped when priors are given, since smoothing passes
// only refine earlier estimates. It reports whether every voxel was
// processed before ctx ended.
func (ft *Fitter) runPass(ctx context.Context, dwi *models.DWIVolume, table *gradient.Table,
	eligible []int, prev, dst []VoxelFit, priors []Prior, progress monitoring.ProgressCallback, stage string) bool {

	total := len(eligible)
	progress(0, 0, fmt.Sprintf("starting %s over %d voxels", stage, total))
	if total == 0 {
		return true
	}

	var completed atomic.Int64
	var ticking sync.WaitGroup
	done := make(chan struct{})
	ticking.Add(1)
	go func() {
		defer ticking.Done()
		ticker := time.NewTicker(ft.params.ProgressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				progress(int(completed.Load()), total, "")
			case <-done:
				return
			}
		}
	}()

	var g errgroup.Group
	g.SetLimit(ft.params.Workers)
	strategy := ft.params.Strategy

	for lo := 0; lo < total; lo += ft.params.ChunkSize {
		if ctx.Err() != nil {
			break
		}
		hi := min(lo+ft.params.ChunkSize, total)
		chunk := eligible[lo:hi]
		var chunkPriors []Prior
		if priors != nil {
			chunkPriors = priors[lo:hi]
		}

		g.Go(func() error {
			for k, idx := range chunk {
				if ctx.Err() != nil {
					return nil
				}
				if chunkPriors != nil && !prev[idx].Status.Fitted() {
					completed.Add(1)
					continue
				}
				var prior Prior
				if chunkPriors != nil {
					prior = chunkPriors[k]
				}
				dst[idx] = strategy.FitVoxel(dwi.Signal(idx), table, prior)
				completed.Add(1)
			}
			return nil
		})
	}

	// workers never fail; per-voxel problems live in the status
	_ = g.Wait()
	close(done)
	// no tick may race the final report or outlive the call
	ticking.Wait()

	n := int(completed.Load())
	progress(n, total, fmt.Sprintf("%s processed %d/%d voxels", stage, n, total))
	return n == total
}

func validateInputs(dwi *models.DWIVolume, table *gradient.Table) error {
	if dwi == nil || table == nil {
		return fmt.Errorf("%w: missing volume or gradient table", ErrInputShapeMismatch)
	}
	s := dwi.Shape
	if s.X < 1 || s.Y < 1 || s.Z < 1 || s.N < 1 {
		return fmt.Errorf("%w: invalid shape %v", ErrInputShapeMismatch, s)
	}
	if s.N != table.Len() {
		return fmt.Errorf("%w: DWI has %d gradient volumes, gradient table has %d entries",
			ErrInputShapeMismatch, s.N, table.Len())
	}
	if len(dwi.Data) != s.Len() {
		return fmt.Errorf("%w: shape %v needs %d samples, got %d",
			ErrInputShapeMismatch, s, s.Len(), len(dwi.Data))
	}
	return nil
}

// optioned is implemented by strategies that expose their settings
type optioned interface {
	Options() Options
}

func strategyDIso(s Strategy) float64 {
	if o, ok := s.(optioned); ok {
		return o.Options().DIso
	}
	return FreeWaterDiffusivity
}

// IsIncomplete reports whether err signals a partial result
func IsIncomplete(err error) bool {
	return errors.Is(err, ErrIncomplete)
}
