// Package manifest provides loading and validation of scriptorium ingest
// manifests.
//
// An ingest manifest is a YAML or JSON file that configures one ingest run:
// where the source recordings live, which files to pick up, and how the
// segmenter windows them.
//
// Manifests are validated against a JSON Schema to ensure correctness before
// execution. The schema enforces strict typing and disallows unknown
// properties.
//
// Example manifest (YAML):
//
//	version: "1.0"
//	source:
//	  root: /srv/recordings/sessions
//	  includes:
//	    - "2026/**/*.wav"
//	  excludes:
//	    - "**/scratch/**"
//	segmenter:
//	  stride: 5m
//	  overlap: 5s
//	clips:
//	  directory: /srv/scriptorium/clips
package manifest

import (
	"fmt"
	"time"
)

// Manifest represents a validated ingest manifest.
//
// Required fields are Version and Source. Segmenter and Clips are optional
// with defaults applied by Load.
type Manifest struct {
	// Schema is an optional JSON Schema reference for editor support.
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Version is the manifest schema version. Must be "1.0".
	Version string `json:"version" yaml:"version"`

	// Source configures where recordings are discovered.
	Source SourceConfig `json:"source" yaml:"source"`

	// Segmenter configures the windowing parameters (optional).
	Segmenter SegmenterConfig `json:"segmenter,omitempty" yaml:"segmenter,omitempty"`

	// Clips configures where window audio clips are written (optional).
	Clips ClipsConfig `json:"clips,omitempty" yaml:"clips,omitempty"`
}

// SourceConfig configures recording discovery.
type SourceConfig struct {
	// Root is the directory recordings are discovered under.
	Root string `json:"root" yaml:"root"`

	// Includes is a list of glob patterns, relative to Root, for files to
	// ingest. Defaults to common audio extensions.
	Includes []string `json:"includes,omitempty" yaml:"includes,omitempty"`

	// Excludes is a list of glob patterns for files to skip. Optional.
	Excludes []string `json:"excludes,omitempty" yaml:"excludes,omitempty"`

	// IncludeHidden includes hidden files (starting with .). Default: false.
	IncludeHidden bool `json:"include_hidden,omitempty" yaml:"include_hidden,omitempty"`
}

// SegmenterConfig configures the windowing parameters.
//
// Durations are Go duration strings ("5m", "300s", "4m30s").
type SegmenterConfig struct {
	// Stride is the distance between consecutive window starts.
	// Default: "5m".
	Stride string `json:"stride,omitempty" yaml:"stride,omitempty"`

	// Overlap is how far each window extends past the next window's start.
	// Default: "5s".
	Overlap string `json:"overlap,omitempty" yaml:"overlap,omitempty"`
}

// ClipsConfig configures window clip output.
type ClipsConfig struct {
	// Directory is where per-window audio clips are written.
	// Default: "clips" next to the corpus database.
	Directory string `json:"directory,omitempty" yaml:"directory,omitempty"`
}

// Defaults applied by ApplyDefaults.
const (
	DefaultStride  = "5m"
	DefaultOverlap = "5s"
)

// DefaultIncludes are the audio extensions picked up when the manifest
// names none.
var DefaultIncludes = []string{
	"**/*.wav",
	"**/*.flac",
	"**/*.mp3",
	"**/*.m4a",
	"**/*.ogg",
}

// ApplyDefaults fills optional fields with their documented defaults.
func (m *Manifest) ApplyDefaults() {
	if len(m.Source.Includes) == 0 {
		m.Source.Includes = append([]string(nil), DefaultIncludes...)
	}
	if m.Segmenter.Stride == "" {
		m.Segmenter.Stride = DefaultStride
	}
	if m.Segmenter.Overlap == "" {
		m.Segmenter.Overlap = DefaultOverlap
	}
}

// StrideDuration parses the segmenter stride.
func (m *Manifest) StrideDuration() (time.Duration, error) {
	d, err := time.ParseDuration(m.Segmenter.Stride)
	if err != nil {
		return 0, fmt.Errorf("invalid segmenter stride %q: %w", m.Segmenter.Stride, err)
	}
	return d, nil
}

// OverlapDuration parses the segmenter overlap.
func (m *Manifest) OverlapDuration() (time.Duration, error) {
	d, err := time.ParseDuration(m.Segmenter.Overlap)
	if err != nil {
		return 0, fmt.Errorf("invalid segmenter overlap %q: %w", m.Segmenter.Overlap, err)
	}
	return d, nil
}

// validateSemantics checks constraints the JSON schema cannot express.
func (m *Manifest) validateSemantics() error {
	stride, err := m.StrideDuration()
	if err != nil {
		return err
	}
	if stride <= 0 {
		return fmt.Errorf("segmenter stride must be positive, got %q", m.Segmenter.Stride)
	}

	overlap, err := m.OverlapDuration()
	if err != nil {
		return err
	}
	if overlap < 0 {
		return fmt.Errorf("segmenter overlap must not be negative, got %q", m.Segmenter.Overlap)
	}
	if overlap >= stride {
		return fmt.Errorf("segmenter overlap %q must be smaller than stride %q", m.Segmenter.Overlap, m.Segmenter.Stride)
	}

	return nil
}
