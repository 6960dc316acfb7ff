package volumeio

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// File names inside an output directory
const (
	ManifestName = "manifest.json"
	SuccessName  = "_SUCCESS"
)

// Manifest records one run of the tool next to its outputs
type Manifest struct {
	RunID     string    `json:"run_id"`
	Subject   string    `json:"subject"`
	Session   string    `json:"session,omitempty"`
	StartedAt time.Time `json:"started_at"`

	// Inputs maps input roles (dwi, bval, bvec, mask) to paths
	Inputs map[string]string `json:"inputs"`

	// Outputs maps output roles to the volume bases written
	Outputs map[string]string `json:"outputs"`

	Strategy string `json:"strategy"`
	Config   any    `json:"config,omitempty"`
	Summary  any    `json:"summary,omitempty"`

	// MaskFallback is set when a requested mask could not be read and
	// every voxel was fit instead
	MaskFallback bool   `json:"mask_fallback,omitempty"`
	MaskError    string `json:"mask_error,omitempty"`

	// ConfigFallback is set when the configuration file named on the
	// command line did not exist and defaults were used
	ConfigFallback bool `json:"config_fallback,omitempty"`

	// Incomplete is set when the fit ran out of time
	Incomplete bool `json:"incomplete"`
}

// NewManifest starts a manifest with a fresh run id
func NewManifest(subject, session string) *Manifest {
	return &Manifest{
		RunID:     uuid.NewString(),
		Subject:   subject,
		Session:   session,
		StartedAt: time.Now().UTC(),
		Inputs:    map[string]string{},
		Outputs:   map[string]string{},
	}
}

// WriteManifest writes m as indented JSON to dir/manifest.json
func WriteManifest(dir string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("error marshaling manifest: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating output directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestName), data, 0644); err != nil {
		return fmt.Errorf("error writing manifest: %w", err)
	}
	return nil
}

// ReadManifest reads dir/manifest.json
func ReadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		return nil, fmt.Errorf("error reading manifest: %w", err)
	}
	m := &Manifest{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("error parsing manifest: %w", err)
	}
	return m, nil
}

// WriteSuccessMarker creates the empty dir/_SUCCESS file that tells
// downstream steps every output is in place
func WriteSuccessMarker(dir string) error {
	if err := os.WriteFile(filepath.Join(dir, SuccessName), nil, 0644); err != nil {
		return fmt.Errorf("error writing success marker: %w", err)
	}
	return nil
}

// OutputBase returns the volume base for an output of subject and session.
// An empty session is written as "nosess".
func OutputBase(dir, subject, session, suffix string) string {
	if session == "" {
		session = "nosess"
	}
	return filepath.Join(dir, fmt.Sprintf("%s_%s_fwe_%s", subject, session, suffix))
}
