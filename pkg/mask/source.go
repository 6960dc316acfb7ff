package mask

import (
	"errors"
	"fmt"

	"babyfwe/internal/models"
)

// ErrLoadFailed wraps the error of a mask that was requested but could not
// be loaded.
var ErrLoadFailed = errors.New("mask: load failed")

// State tells how a mask was obtained
type State int

const (
	// Absent means no mask was requested; every voxel is eligible
	Absent State = iota
	Loaded
	Failed
)

func (s State) String() string {
	switch s {
	case Absent:
		return "absent"
	case Loaded:
		return "loaded"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Source is the outcome of acquiring an optional mask. Exactly one of
// the three states holds; a failed load keeps its cause.
type Source struct {
	state State
	mask  *models.Mask
	err   error
}

// None records that no mask was requested
func None() Source { return Source{state: Absent} }

// FromMask records a successfully loaded mask. A nil mask is treated as
// a failure since a load that yields nothing is a bug in the loader.
func FromMask(m *models.Mask) Source {
	if m == nil {
		return Source{state: Failed, err: errors.New("loader returned no mask")}
	}
	return Source{state: Loaded, mask: m}
}

// FromError records a requested mask whose load failed
func FromError(err error) Source {
	if err == nil {
		err = errors.New("unknown error")
	}
	return Source{state: Failed, err: err}
}

// Load runs load and records its outcome
func Load(load func() (*models.Mask, error)) Source {
	m, err := load()
	if err != nil {
		return FromError(err)
	}
	return FromMask(m)
}

// State returns how the mask was obtained
func (s Source) State() State { return s.state }

// Err returns the load error of a Failed source
func (s Source) Err() error { return s.err }

// Policy decides what Resolve does with a failed load
type Policy int

const (
	// Strict turns a failed load into an error
	Strict Policy = iota
	// FallbackAllowed proceeds without a mask and reports the fallback
	FallbackAllowed
)

// Resolution is the result of Resolve. Fallback is set when a failed
// load was replaced by "no mask"; Cause then holds the original error
// so the caller can report it.
type Resolution struct {
	Mask     *models.Mask
	Fallback bool
	Cause    error
}

// Resolve returns the mask to use. A nil Mask means every voxel is
// eligible.
func (s Source) Resolve(policy Policy) (Resolution, error) {
	switch s.state {
	case Absent:
		return Resolution{}, nil
	case Loaded:
		return Resolution{Mask: s.mask}, nil
	case Failed:
		if policy == FallbackAllowed {
			return Resolution{Fallback: true, Cause: s.err}, nil
		}
		return Resolution{}, fmt.Errorf("%w: %w", ErrLoadFailed, s.err)
	default:
		return Resolution{}, fmt.Errorf("mask: unknown source state %v", s.state)
	}
}
