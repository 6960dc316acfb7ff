package volumeio

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ErrMalformedGradientFile is returned for bval/bvec files that cannot be
// parsed
var ErrMalformedGradientFile = errors.New("volumeio: malformed gradient file")

// ReadBVals reads an FSL bval file: whitespace separated b-values, usually
// on one line.
func ReadBVals(path string) ([]float64, error) {
	rows, err := readNumbers(path)
	if err != nil {
		return nil, err
	}
	var out []float64
	for _, row := range rows {
		out = append(out, row...)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s holds no b-values", ErrMalformedGradientFile, path)
	}
	return out, nil
}

// ReadBVecs reads an FSL bvec file. The canonical layout is three rows
// (x, y and z components) of N values; an N×3 layout is accepted and
// transposed.
func ReadBVecs(path string) ([3][]float64, error) {
	var out [3][]float64
	rows, err := readNumbers(path)
	if err != nil {
		return out, err
	}

	switch {
	case len(rows) == 3 && sameLength(rows):
		copy(out[:], rows)
	case len(rows) > 0 && allLength(rows, 3):
		for _, r := range rows {
			for c := 0; c < 3; c++ {
				out[c] = append(out[c], r[c])
			}
		}
	default:
		return out, fmt.Errorf("%w: %s is neither 3×N nor N×3", ErrMalformedGradientFile, path)
	}
	return out, nil
}

// WriteBVals writes b-values as a one line FSL bval file
func WriteBVals(path string, bvals []float64) error {
	return writeRows(path, [][]float64{bvals})
}

// WriteBVecs writes directions as a 3×N FSL bvec file
func WriteBVecs(path string, bvecs [][3]float64) error {
	var rows [3][]float64
	for _, g := range bvecs {
		for c := 0; c < 3; c++ {
			rows[c] = append(rows[c], g[c])
		}
	}
	return writeRows(path, rows[:])
}

func writeRows(path string, rows [][]float64) error {
	var sb strings.Builder
	for _, row := range rows {
		for i, v := range row {
			if i > 0 {
				sb.WriteByte(' ')
			}
			sb.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
		}
		sb.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(sb.String()), 0644); err != nil {
		return fmt.Errorf("error writing gradient file: %w", err)
	}
	return nil
}

// readNumbers returns the non-empty lines of path as float rows
func readNumbers(path string) ([][]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening gradient file: %w", err)
	}
	defer f.Close()

	var rows [][]float64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		row := make([]float64, len(fields))
		for i, s := range fields {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: %s line %d: %w", ErrMalformedGradientFile, path, line, err)
			}
			row[i] = v
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading gradient file: %w", err)
	}
	return rows, nil
}

func sameLength(rows [][]float64) bool {
	return allLength(rows, len(rows[0]))
}

func allLength(rows [][]float64, n int) bool {
	for _, r := range rows {
		if len(r) != n {
			return false
		}
	}
	return true
}
