package fwe

import (
	"math"
	"time"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"

	"babyfwe/internal/models"
)

// Summary aggregates a fit for logging and the run manifest
type Summary struct {
	Eligible      int `json:"eligible"`
	Converged     int `json:"converged"`
	MaxIterations int `json:"max_iter_reached"`
	Singular      int `json:"singular"`
	NotFitted     int `json:"not_fitted"`

	// PureWater counts voxels reported as free water only (f=1, no
	// tissue tensor), including those taken by the Options.MDReg cutoff
	PureWater int `json:"pure_water"`

	// SmoothingPasses is the number of smoothing passes applied;
	// SmoothingInterrupted is set when a later pass was cut short
	SmoothingPasses      int  `json:"smoothing_passes"`
	SmoothingInterrupted bool `json:"smoothing_interrupted"`

	// MeanFWFraction and StdFWFraction cover fitted voxels only
	MeanFWFraction float64 `json:"mean_fw_fraction"`
	StdFWFraction  float64 `json:"std_fw_fraction"`

	// MeanMD and MeanFA cover fitted voxels with a tissue compartment
	MeanMD float64 `json:"mean_md"`
	MeanFA float64 `json:"mean_fa"`

	Elapsed time.Duration `json:"elapsed_ns"`
	Workers int           `json:"workers"`
}

// summarize walks eligible voxels in index order so the result is
// independent of worker scheduling.
func summarize(res *FitResult, eligible []int, elapsed time.Duration, workers int) Summary {
	s := Summary{Eligible: len(eligible), Elapsed: elapsed, Workers: workers}

	var fractions, mds, fas []float64
	for _, idx := range eligible {
		v := res.Voxels[idx]
		switch v.Status {
		case models.StatusConverged:
			s.Converged++
		case models.StatusMaxIterReached:
			s.MaxIterations++
		case models.StatusSingular:
			s.Singular++
		case models.StatusNotFitted:
			s.NotFitted++
		}
		if !v.Status.Fitted() {
			continue
		}
		fractions = append(fractions, v.FWFraction)
		if v.FWFraction >= 1 {
			s.PureWater++
			continue
		}
		mds = append(mds, v.Tensor.MD())
		if fa := v.Tensor.FA(); !math.IsNaN(fa) {
			fas = append(fas, fa)
		}
	}

	switch {
	case len(fractions) > 1:
		s.MeanFWFraction, s.StdFWFraction = stat.MeanStdDev(fractions, nil)
	case len(fractions) == 1:
		s.MeanFWFraction = fractions[0]
	}
	if len(mds) > 0 {
		s.MeanMD = stat.Mean(mds, nil)
	}
	if len(fas) > 0 {
		s.MeanFA = stat.Mean(fas, nil)
	}
	return s
}

// Fields returns the summary as structured log fields
func (s Summary) Fields() log.Fields {
	return log.Fields{
		"eligible":   s.Eligible,
		"converged":  s.Converged,
		"max_iter":   s.MaxIterations,
		"singular":   s.Singular,
		"not_fitted": s.NotFitted,
		"pure_water": s.PureWater,
		"smoothed":   s.SmoothingPasses,
		"mean_fw":    s.MeanFWFraction,
		"elapsed":    s.Elapsed.Round(time.Millisecond).String(),
	}
}
