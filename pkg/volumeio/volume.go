// Package volumeio reads and writes the on-disk files of the command line
// tool: a raw little-endian volume with a YAML header, FSL gradient text
// files and the run manifest.
//
// A volume named base is stored as two files. base.yaml holds the header:
//
//	dims: [X, Y, Z, N]
//	datatype: float32
//	meta: {...}
//
// and base.raw holds X·Y·Z·N samples in C order, gradient index fastest.
// The meta map is never interpreted; it travels from input to outputs.
package volumeio

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"babyfwe/internal/models"
	"babyfwe/internal/monitoring"
)

// Supported sample types
const (
	Float32 = "float32"
	Uint8   = "uint8"
)

var (
	// ErrMalformedHeader is returned for unreadable or inconsistent headers
	ErrMalformedHeader = errors.New("volumeio: malformed header")

	// ErrSizeMismatch is returned when the raw file does not hold the
	// number of samples the header announces
	ErrSizeMismatch = errors.New("volumeio: data size mismatch")
)

// Header describes a raw volume
type Header struct {
	Dims     []int          `yaml:"dims"`
	DataType string         `yaml:"datatype"`
	Meta     map[string]any `yaml:"meta,omitempty"`
}

// Shape returns the volume shape the header describes. Three dims mean a
// single volume per voxel.
func (h *Header) Shape() (models.Shape, error) {
	var s models.Shape
	switch len(h.Dims) {
	case 3:
		s = models.Shape{X: h.Dims[0], Y: h.Dims[1], Z: h.Dims[2], N: 1}
	case 4:
		s = models.Shape{X: h.Dims[0], Y: h.Dims[1], Z: h.Dims[2], N: h.Dims[3]}
	default:
		return s, fmt.Errorf("%w: expected 3 or 4 dims, got %d", ErrMalformedHeader, len(h.Dims))
	}
	if s.X < 1 || s.Y < 1 || s.Z < 1 || s.N < 1 {
		return s, fmt.Errorf("%w: non-positive dims %v", ErrMalformedHeader, h.Dims)
	}
	return s, nil
}

func sampleSize(dataType string) (int, error) {
	switch dataType {
	case Float32, "":
		return 4, nil
	case Uint8:
		return 1, nil
	default:
		return 0, fmt.Errorf("%w: unsupported datatype %q", ErrMalformedHeader, dataType)
	}
}

// HeaderPath and RawPath return the two file names of the volume base
func HeaderPath(base string) string { return base + ".yaml" }
func RawPath(base string) string    { return base + ".raw" }

// ReadHeader reads base.yaml
func ReadHeader(base string) (*Header, error) {
	data, err := os.ReadFile(HeaderPath(base))
	if err != nil {
		return nil, fmt.Errorf("error reading header: %w", err)
	}
	h := &Header{}
	if err := yaml.Unmarshal(data, h); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedHeader, err)
	}
	return h, nil
}

// ReadVolume reads the volume stored under base. The header's meta map is
// returned as the volume's Meta.
func ReadVolume(base string) (*models.DWIVolume, error) {
	h, err := ReadHeader(base)
	if err != nil {
		return nil, err
	}
	shape, err := h.Shape()
	if err != nil {
		return nil, err
	}
	data, err := readSamples(RawPath(base), h.DataType, shape.Len())
	if err != nil {
		return nil, err
	}

	monitoring.WithComponent("volumeio").WithField("path", base).
		Debugf("read volume %v", shape)
	return &models.DWIVolume{Shape: shape, Data: data, Meta: h.Meta}, nil
}

// ReadMask reads a single-volume mask; every non-zero sample is inside
func ReadMask(base string) (*models.Mask, error) {
	vol, err := ReadVolume(base)
	if err != nil {
		return nil, err
	}
	if vol.Shape.N != 1 {
		return nil, fmt.Errorf("%w: mask must hold one volume, got %d", ErrMalformedHeader, vol.Shape.N)
	}
	m := models.NewMask(vol.Shape.WithN(1), false)
	for i, v := range vol.Data {
		m.Data[i] = v != 0
	}
	return m, nil
}

func readSamples(path, dataType string, n int) ([]float64, error) {
	size, err := sampleSize(dataType)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening raw data: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("error reading raw data: %w", err)
	}
	if want := int64(n) * int64(size); info.Size() != want {
		return nil, fmt.Errorf("%w: %s holds %d bytes, header needs %d", ErrSizeMismatch, path, info.Size(), want)
	}

	out := make([]float64, n)
	r := bufio.NewReader(f)
	switch size {
	case 4:
		buf := make([]float32, n)
		if err := binary.Read(r, binary.LittleEndian, buf); err != nil {
			return nil, fmt.Errorf("error decoding raw data: %w", err)
		}
		for i, v := range buf {
			out[i] = float64(v)
		}
	default:
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("error decoding raw data: %w", err)
		}
		for i, v := range buf {
			out[i] = float64(v)
		}
	}
	return out, nil
}

// WriteVolume writes data as float32 under base. meta is written
// unchanged into the header; it should be the Meta of a volume returned by
// ReadVolume or nil.
func WriteVolume(base string, shape models.Shape, data []float64, meta any) error {
	buf := make([]float32, len(data))
	for i, v := range data {
		buf[i] = float32(v)
	}
	return write(base, shape, Float32, buf, meta, len(data))
}

// WriteStatus writes one uint8 code per voxel under base
func WriteStatus(base string, shape models.Shape, codes []uint8, meta any) error {
	return write(base, shape.WithN(1), Uint8, codes, meta, len(codes))
}

// RemoveVolume deletes the header and raw file of base. Missing files
// are not an error.
func RemoveVolume(base string) error {
	var errs []error
	for _, path := range []string{HeaderPath(base), RawPath(base)} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func write(base string, shape models.Shape, dataType string, samples any, meta any, n int) error {
	if n != shape.Len() {
		return fmt.Errorf("%w: shape %v needs %d samples, got %d", ErrSizeMismatch, shape, shape.Len(), n)
	}
	h := Header{Dims: []int{shape.X, shape.Y, shape.Z, shape.N}, DataType: dataType}
	if m, ok := meta.(map[string]any); ok {
		h.Meta = m
	}

	if err := os.MkdirAll(filepath.Dir(base), 0755); err != nil {
		return fmt.Errorf("error creating output directory: %w", err)
	}
	hdr, err := yaml.Marshal(&h)
	if err != nil {
		return fmt.Errorf("error marshaling header: %w", err)
	}
	if err := os.WriteFile(HeaderPath(base), hdr, 0644); err != nil {
		return fmt.Errorf("error writing header: %w", err)
	}

	f, err := os.Create(RawPath(base))
	if err != nil {
		return fmt.Errorf("error creating raw data: %w", err)
	}
	w := bufio.NewWriter(f)
	if err := binary.Write(w, binary.LittleEndian, samples); err != nil {
		f.Close()
		return fmt.Errorf("error encoding raw data: %w", err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("error writing raw data: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("error writing raw data: %w", err)
	}

	monitoring.WithComponent("volumeio").WithField("path", base).
		Debugf("wrote %s volume %v", dataType, shape)
	return nil
}
