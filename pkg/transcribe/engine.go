// Package transcribe defines the transcription engine interface and its
// HTTP backend.
package transcribe

import (
	"context"
	"errors"
	"time"
)

// ErrQuotaExceeded indicates the backend rejected the request because the
// credential's quota is exhausted. The caller should cool the credential
// and retry on another one rather than failing the window.
var ErrQuotaExceeded = errors.New("transcription quota exceeded")

// ErrBackendUnavailable indicates the backend could not be reached or
// answered with a server error.
var ErrBackendUnavailable = errors.New("transcription backend unavailable")

// Segment is one utterance-sized span of transcribed speech, timed relative
// to the start of the submitted audio.
type Segment struct {
	Start       time.Duration
	End         time.Duration
	Transcript  string
	Translation string
}

// Result is a completed transcription of one audio file.
type Result struct {
	Language string
	Segments []Segment
}

// Request submits one audio file to an engine.
type Request struct {
	// AudioPath is the local path of the window's audio clip.
	AudioPath string

	// Variant selects the engine model variant.
	Variant string

	// Credential authenticates the request.
	Credential string

	// Translate asks the engine for a translation pass alongside the
	// transcript.
	Translate bool
}

// Engine turns audio into timed segments.
type Engine interface {
	Transcribe(ctx context.Context, req Request) (*Result, error)
}

// IsQuotaExceeded reports whether err signals an exhausted credential.
func IsQuotaExceeded(err error) bool {
	return errors.Is(err, ErrQuotaExceeded)
}
