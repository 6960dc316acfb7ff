package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"babyfwe/internal/models"
	"babyfwe/internal/monitoring"
	"babyfwe/pkg/config"
	"babyfwe/pkg/fwe"
	"babyfwe/pkg/gradient"
	"babyfwe/pkg/volumeio"
)

func TestMain(m *testing.M) {
	monitoring.SetOutput(io.Discard)
	os.Exit(m.Run())
}

type fixture struct {
	dir             string
	dwi, bval, bvec string
	out             string
	shape           models.Shape
}

// newFixture writes a small two-shell acquisition with one b0 and a
// fraction gradient along x
func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	s := 1 / math.Sqrt2
	dirs := [][3]float64{
		{1, 0, 0}, {0, 1, 0}, {0, 0, 1},
		{s, s, 0}, {s, 0, s}, {0, s, s},
		{s, -s, 0}, {s, 0, -s}, {0, s, -s},
	}
	bvals := []float64{0}
	bvecs := [][3]float64{{}}
	for _, b := range []float64{1000, 2000} {
		for _, g := range dirs {
			bvals = append(bvals, b)
			bvecs = append(bvecs, g)
		}
	}
	table, err := gradient.New(bvals, bvecs)
	require.NoError(t, err)

	var bvalLine []string
	var rows [3][]string
	for i, b := range bvals {
		bvalLine = append(bvalLine, fmt.Sprint(b))
		for c := 0; c < 3; c++ {
			rows[c] = append(rows[c], fmt.Sprint(bvecs[i][c]))
		}
	}
	f := &fixture{
		dir:   dir,
		dwi:   filepath.Join(dir, "in", "dwi"),
		bval:  filepath.Join(dir, "in", "dwi.bval"),
		bvec:  filepath.Join(dir, "in", "dwi.bvec"),
		out:   filepath.Join(dir, "out"),
		shape: models.Shape{X: 3, Y: 2, Z: 1, N: table.Len()},
	}

	d := fwe.Tensor{1.5e-3, 0, 0.4e-3, 0, 0, 0.3e-3}
	data := make([]float64, 0, f.shape.Len())
	for idx := 0; idx < f.shape.Voxels(); idx++ {
		x, _, _ := f.shape.Coord(idx)
		data = append(data, fwe.PredictSignal(table, 1000, 0.2*float64(x), d, fwe.FreeWaterDiffusivity)...)
	}
	require.NoError(t, volumeio.WriteVolume(f.dwi, f.shape, data, map[string]any{"affine": "identity"}))
	require.NoError(t, os.WriteFile(f.bval, []byte(strings.Join(bvalLine, " ")+"\n"), 0644))
	bvecText := ""
	for _, r := range rows {
		bvecText += strings.Join(r, " ") + "\n"
	}
	require.NoError(t, os.WriteFile(f.bvec, []byte(bvecText), 0644))
	return f
}

func (f *fixture) args(extra ...string) []string {
	return append([]string{
		"--dwi", f.dwi, "--bval", f.bval, "--bvec", f.bvec,
		"--out", f.out, "--subject", "sub-01", "--workers", "2",
	}, extra...)
}

func TestRunWritesOutputs(t *testing.T) {
	f := newFixture(t)

	code := run(context.Background(), f.args(), io.Discard)
	require.Equal(t, exitOK, code)

	frac, err := volumeio.ReadVolume(filepath.Join(f.out, "sub-01_nosess_fwe_fwfrac"))
	require.NoError(t, err)
	assert.Equal(t, f.shape.WithN(1), frac.Shape)
	assert.Equal(t, map[string]any{"affine": "identity"}, frac.Meta)
	for idx, v := range frac.Data {
		x, _, _ := f.shape.Coord(idx)
		assert.InDelta(t, 0.2*float64(x), v, 0.05, "voxel %d", idx)
	}

	corrected, err := volumeio.ReadVolume(filepath.Join(f.out, "sub-01_nosess_fwe_dwi_corrected"))
	require.NoError(t, err)
	assert.Equal(t, f.shape, corrected.Shape)

	tensor, err := volumeio.ReadHeader(filepath.Join(f.out, "sub-01_nosess_fwe_tensor"))
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2, 1, 6}, tensor.Dims)

	status, err := volumeio.ReadVolume(filepath.Join(f.out, "sub-01_nosess_fwe_status"))
	require.NoError(t, err)
	for _, s := range status.Data {
		assert.True(t, models.Status(s).Fitted())
	}

	m, err := volumeio.ReadManifest(f.out)
	require.NoError(t, err)
	assert.Equal(t, "sub-01", m.Subject)
	assert.Equal(t, fwe.AlternatingName, m.Strategy)
	assert.False(t, m.Incomplete)
	assert.False(t, m.MaskFallback)
	assert.False(t, m.ConfigFallback)
	assert.Len(t, m.Outputs, 7)

	bvals, err := volumeio.ReadBVals(m.Outputs["bval"])
	require.NoError(t, err)
	bvecs, err := volumeio.ReadBVecs(m.Outputs["bvec"])
	require.NoError(t, err)
	table, err := gradient.FromFSL(bvals, bvecs)
	require.NoError(t, err)
	assert.Equal(t, f.shape.N, table.Len())

	saved, err := config.LoadConfig(filepath.Join(f.out, resolvedConfigName))
	require.NoError(t, err)
	assert.Equal(t, 2, saved.Processing.NumCores)

	_, err = os.Stat(filepath.Join(f.out, volumeio.SuccessName))
	assert.NoError(t, err)
}

func TestRunWithMask(t *testing.T) {
	f := newFixture(t)
	maskBase := filepath.Join(f.dir, "in", "mask")
	require.NoError(t, volumeio.WriteVolume(maskBase, f.shape.WithN(1), []float64{1, 1, 0, 0, 1, 1}, nil))

	code := run(context.Background(), f.args("--session", "ses-1", "--mask", maskBase), io.Discard)
	require.Equal(t, exitOK, code)

	frac, err := volumeio.ReadVolume(filepath.Join(f.out, "sub-01_ses-1_fwe_fwfrac"))
	require.NoError(t, err)
	assert.True(t, math.IsNaN(frac.Data[2]))
	assert.True(t, math.IsNaN(frac.Data[3]))
	assert.False(t, math.IsNaN(frac.Data[4]))
}

func TestRunMissingMask(t *testing.T) {
	f := newFixture(t)
	missing := filepath.Join(f.dir, "in", "nomask")

	code := run(context.Background(), f.args("--mask", missing), io.Discard)
	assert.Equal(t, exitFailure, code)
	_, err := os.Stat(filepath.Join(f.out, volumeio.SuccessName))
	assert.True(t, os.IsNotExist(err))

	code = run(context.Background(), f.args("--mask", missing, "--allow-missing-mask"), io.Discard)
	require.Equal(t, exitOK, code)
	m, err := volumeio.ReadManifest(f.out)
	require.NoError(t, err)
	assert.True(t, m.MaskFallback)
	assert.NotEmpty(t, m.MaskError)
}

func TestRunCancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	code := run(ctx, f.args(), io.Discard)
	assert.Equal(t, exitIncomplete, code)

	m, err := volumeio.ReadManifest(f.out)
	require.NoError(t, err)
	assert.True(t, m.Incomplete)
	_, err = os.Stat(filepath.Join(f.out, volumeio.SuccessName))
	assert.True(t, os.IsNotExist(err))
}

func TestRunBadInvocation(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, exitFailure, run(context.Background(), []string{"--dwi", f.dwi}, io.Discard))
	assert.Equal(t, exitFailure, run(context.Background(), f.args("--strategy", "simplex"), io.Discard))
	assert.Equal(t, exitOK, run(context.Background(), []string{"-h"}, io.Discard))

	require.NoError(t, os.WriteFile(f.bvec, []byte("0 1\n"), 0644))
	assert.Equal(t, exitFailure, run(context.Background(), f.args(), io.Discard))
}

func TestRunMissingConfigWarns(t *testing.T) {
	f := newFixture(t)
	var buf bytes.Buffer
	monitoring.SetOutput(&buf)
	defer monitoring.SetOutput(io.Discard)

	code := run(context.Background(), f.args("--config", filepath.Join(f.dir, "nope.yaml")), io.Discard)
	require.Equal(t, exitOK, code)
	assert.Contains(t, buf.String(), "configuration file not found")
	assert.Contains(t, buf.String(), "nope.yaml")

	m, err := volumeio.ReadManifest(f.out)
	require.NoError(t, err)
	assert.True(t, m.ConfigFallback)
}

func TestRunWriteDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "babyfwe.yaml")

	code := run(context.Background(), []string{"--write-default-config", path}, io.Discard)
	require.Equal(t, exitOK, code)

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig(), cfg)
}

func TestRunRemovesPartialOutputs(t *testing.T) {
	f := newFixture(t)
	// a directory where the status data goes makes the last volume fail
	status := volumeio.OutputBase(f.out, "sub-01", "", "status")
	require.NoError(t, os.MkdirAll(volumeio.RawPath(status), 0755))

	code := run(context.Background(), f.args(), io.Discard)
	require.Equal(t, exitFailure, code)

	for _, suffix := range []string{"fwfrac", "dwi_corrected", "tensor"} {
		base := volumeio.OutputBase(f.out, "sub-01", "", suffix)
		for _, path := range []string{volumeio.HeaderPath(base), volumeio.RawPath(base)} {
			_, err := os.Stat(path)
			assert.True(t, os.IsNotExist(err), "%s left behind", path)
		}
	}
	corrected := volumeio.OutputBase(f.out, "sub-01", "", "dwi_corrected")
	for _, path := range []string{corrected + ".bval", corrected + ".bvec", volumeio.HeaderPath(status)} {
		_, err := os.Stat(path)
		assert.True(t, os.IsNotExist(err), "%s left behind", path)
	}
	_, err := os.Stat(filepath.Join(f.out, volumeio.ManifestName))
	assert.True(t, os.IsNotExist(err))
}
