package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"babyfwe/internal/models"
	"babyfwe/internal/monitoring"
	"babyfwe/pkg/assembly"
	"babyfwe/pkg/config"
	"babyfwe/pkg/fwe"
	"babyfwe/pkg/gradient"
	"babyfwe/pkg/mask"
	"babyfwe/pkg/volumeio"
)

// Exit codes
const (
	exitOK         = 0
	exitFailure    = 1
	exitIncomplete = 2
)

// resolvedConfigName is the file the effective configuration is saved to
// inside the output directory
const resolvedConfigName = "config.yaml"

// options holds the parsed command line
type options struct {
	dwi, bval, bvec, mask string
	out                   string
	subject, session      string
	configPath            string
	writeDefaultConfig    string
	workers               int
	timeout               time.Duration
	strategy              string
	allowMissingMask      bool
	verbose               bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stderr)
	stop()
	os.Exit(code)
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	fs := flag.NewFlagSet("babyfwe", flag.ContinueOnError)
	fs.SetOutput(stderr)

	o := &options{}
	fs.StringVar(&o.dwi, "dwi", "", "DWI volume base (reads <base>.yaml and <base>.raw)")
	fs.StringVar(&o.bval, "bval", "", "FSL .bval file")
	fs.StringVar(&o.bvec, "bvec", "", "FSL .bvec file")
	fs.StringVar(&o.mask, "mask", "", "Optional brain mask volume base")
	fs.StringVar(&o.out, "out", "", "Output directory for the subject")
	fs.StringVar(&o.subject, "subject", "", "Subject ID (e.g. sub-CC00339XX18)")
	fs.StringVar(&o.session, "session", "", "Session ID (optional)")
	fs.StringVar(&o.configPath, "config", "", "YAML configuration file (defaults when absent)")
	fs.StringVar(&o.writeDefaultConfig, "write-default-config", "", "Write the default configuration to this path and exit")
	fs.IntVar(&o.workers, "workers", 0, "Number of fitting workers (default: config, then all cores)")
	fs.DurationVar(&o.timeout, "timeout", 0, "Wall-clock budget for the fit, e.g. 30m (default: config)")
	fs.StringVar(&o.strategy, "strategy", "", "Voxel fit strategy: alternating or nonlinear (default: config)")
	fs.BoolVar(&o.allowMissingMask, "allow-missing-mask", false, "Fit every voxel when the mask cannot be read")
	fs.BoolVar(&o.verbose, "verbose", false, "Enable debug logging")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if o.writeDefaultConfig != "" {
		return o, nil
	}

	var missing []string
	for _, req := range []struct{ name, value string }{
		{"dwi", o.dwi}, {"bval", o.bval}, {"bvec", o.bvec}, {"out", o.out}, {"subject", o.subject},
	} {
		if req.value == "" {
			missing = append(missing, "--"+req.name)
		}
	}
	if len(missing) > 0 {
		fs.Usage()
		return nil, fmt.Errorf("missing required flags: %v", missing)
	}
	return o, nil
}

// loadConfig reads the configuration and applies command line overrides.
// It reports whether an explicitly named file was missing and defaults
// were used instead.
func loadConfig(o *options) (*config.Config, bool, error) {
	fallback := false
	if o.configPath != "" {
		if _, err := os.Stat(o.configPath); os.IsNotExist(err) {
			fallback = true
			monitoring.WithComponent("cli").WithField("config", o.configPath).
				Warn("configuration file not found; using defaults")
		}
	}

	cfg, err := config.LoadConfig(o.configPath)
	if err != nil {
		return nil, false, err
	}
	if o.workers > 0 {
		cfg.Processing.NumCores = o.workers
	}
	if o.timeout > 0 {
		cfg.Processing.Timeout = o.timeout
	}
	if o.strategy != "" {
		cfg.Model.Strategy = o.strategy
	}
	if o.allowMissingMask {
		cfg.Output.AllowMissingMask = true
	}
	if o.verbose {
		cfg.Output.Verbose = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, false, err
	}
	return cfg, fallback, nil
}

func run(ctx context.Context, args []string, stderr io.Writer) int {
	o, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintln(stderr, err)
		return exitFailure
	}

	if o.writeDefaultConfig != "" {
		if err := config.CreateDefaultConfigFile(o.writeDefaultConfig); err != nil {
			fmt.Fprintln(stderr, err)
			return exitFailure
		}
		fmt.Fprintf(stderr, "Wrote default configuration to %s\n", o.writeDefaultConfig)
		return exitOK
	}

	cfg, configFallback, err := loadConfig(o)
	if err != nil {
		fmt.Fprintf(stderr, "Invalid configuration: %v\n", err)
		return exitFailure
	}
	monitoring.SetVerbose(cfg.Output.Verbose)
	logger := monitoring.WithComponent("cli").WithFields(log.Fields{"subject": o.subject, "session": o.session})

	manifest := volumeio.NewManifest(o.subject, o.session)
	manifest.Inputs = map[string]string{"dwi": o.dwi, "bval": o.bval, "bvec": o.bvec}
	if o.mask != "" {
		manifest.Inputs["mask"] = o.mask
	}
	manifest.Config = cfg
	manifest.ConfigFallback = configFallback
	logger = logger.WithField("run_id", manifest.RunID)

	incomplete, err := process(ctx, o, cfg, manifest, logger)
	if err != nil {
		logger.WithError(err).Error("free-water elimination failed")
		return exitFailure
	}
	if err := volumeio.WriteManifest(o.out, manifest); err != nil {
		logger.WithError(err).Error("failed to write manifest")
		return exitFailure
	}
	if incomplete {
		logger.Warn("fit incomplete; outputs written without success marker")
		return exitIncomplete
	}
	if err := volumeio.WriteSuccessMarker(o.out); err != nil {
		logger.WithError(err).Error("failed to write success marker")
		return exitFailure
	}
	logger.WithField("out", o.out).Info("done")
	return exitOK
}

// process runs the fit and writes the output volumes. It reports whether
// the fit was cut short; every other problem is returned as an error.
func process(ctx context.Context, o *options, cfg *config.Config, manifest *volumeio.Manifest, logger *log.Entry) (bool, error) {
	bvals, err := volumeio.ReadBVals(o.bval)
	if err != nil {
		return false, err
	}
	bvecs, err := volumeio.ReadBVecs(o.bvec)
	if err != nil {
		return false, err
	}
	table, err := gradient.FromFSL(bvals, bvecs, cfg.GradientOptions()...)
	if err != nil {
		return false, fmt.Errorf("invalid gradient table: %w", err)
	}

	dwi, err := volumeio.ReadVolume(o.dwi)
	if err != nil {
		return false, fmt.Errorf("failed to read DWI: %w", err)
	}
	logger.WithFields(log.Fields{
		"shape":      dwi.Shape.String(),
		"b0":         len(table.B0Indices()),
		"directions": len(table.DWIndices()),
	}).Info("inputs loaded")

	source := mask.None()
	if o.mask != "" {
		source = mask.Load(func() (*models.Mask, error) { return volumeio.ReadMask(o.mask) })
	}
	policy := mask.Strict
	if cfg.Output.AllowMissingMask {
		policy = mask.FallbackAllowed
	}
	resolved, err := source.Resolve(policy)
	if err != nil {
		return false, err
	}
	if resolved.Fallback {
		logger.WithError(resolved.Cause).Warn("mask could not be read; fitting every voxel")
		manifest.MaskFallback = true
		manifest.MaskError = resolved.Cause.Error()
	}

	params, err := cfg.FitterParams()
	if err != nil {
		return false, err
	}
	manifest.Strategy = params.Strategy.Name()

	res, err := fwe.NewFitter(params).Fit(ctx, dwi, table, resolved.Mask)
	incomplete := fwe.IsIncomplete(err)
	if err != nil && !incomplete {
		return false, err
	}
	manifest.Summary = res.Summary
	manifest.Incomplete = incomplete

	out, err := assembly.Assemble(res)
	if err != nil {
		return false, err
	}
	if err := writeOutputs(o, cfg, table, out, manifest); err != nil {
		return false, err
	}
	return incomplete, nil
}

// writeOutputs writes every output of the run. On failure it removes
// whatever it had already written so no partial set is left behind.
func writeOutputs(o *options, cfg *config.Config, table *gradient.Table, out *assembly.Outputs, manifest *volumeio.Manifest) (err error) {
	var volumes, files []string
	defer func() {
		if err == nil {
			return
		}
		for _, base := range volumes {
			if rmErr := volumeio.RemoveVolume(base); rmErr != nil {
				monitoring.WithComponent("cli").WithError(rmErr).Warn("failed to remove partial output")
			}
		}
		for _, path := range files {
			if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
				monitoring.WithComponent("cli").WithError(rmErr).Warn("failed to remove partial output")
			}
		}
		clear(manifest.Outputs)
	}()

	type volume struct {
		suffix string
		shape  models.Shape
		data   []float64
	}
	list := []volume{
		{"fwfrac", out.Shape.WithN(1), out.FWFraction},
		{"dwi_corrected", out.Shape, out.Corrected},
	}
	if cfg.Output.WriteTensor {
		list = append(list, volume{"tensor", out.Shape.WithN(assembly.TensorComponents), out.Tensor})
	}

	for _, v := range list {
		base := volumeio.OutputBase(o.out, o.subject, o.session, v.suffix)
		volumes = append(volumes, base)
		if err := volumeio.WriteVolume(base, v.shape, v.data, out.Meta); err != nil {
			return fmt.Errorf("failed to write %s: %w", v.suffix, err)
		}
		manifest.Outputs[v.suffix] = base
	}

	// the corrected DWI keeps the input gradient order; its table goes
	// next to it with normalized directions
	corrected := manifest.Outputs["dwi_corrected"]
	bval, bvec := corrected+".bval", corrected+".bvec"
	files = append(files, bval, bvec)
	if err := volumeio.WriteBVals(bval, table.BValues()); err != nil {
		return err
	}
	if err := volumeio.WriteBVecs(bvec, table.BVectors()); err != nil {
		return err
	}
	manifest.Outputs["bval"] = bval
	manifest.Outputs["bvec"] = bvec

	base := volumeio.OutputBase(o.out, o.subject, o.session, "status")
	volumes = append(volumes, base)
	if err := volumeio.WriteStatus(base, out.Shape, out.Status, out.Meta); err != nil {
		return fmt.Errorf("failed to write status: %w", err)
	}
	manifest.Outputs["status"] = base

	resolved := filepath.Join(o.out, resolvedConfigName)
	files = append(files, resolved)
	if err := config.SaveConfig(cfg, resolved); err != nil {
		return err
	}
	manifest.Outputs["config"] = resolved
	return nil
}
