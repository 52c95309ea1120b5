// Package segment computes the windowing plan for a recording.
//
// A recording of total duration D is divided into fixed-stride windows that
// overlap their successor by a constant amount. The plan is a pure function
// of (D, stride, overlap): re-running it always reproduces identical
// boundaries, which matters because downstream rows are keyed by
// (recording, index) and re-ingestion must not mint duplicate windows.
package segment

import (
	"errors"
	"fmt"
	"time"
)

// Window is one entry in a windowing plan.
//
// Start and Length are relative to the beginning of the recording. Every
// window except the last has length exactly stride+overlap; the last window
// is truncated to the recording end and may be arbitrarily short.
type Window struct {
	// Index is the 0-based position of the window within the recording.
	Index int

	// Start is the window's offset from the start of the recording
	// (index * stride).
	Start time.Duration

	// Length is the duration of audio covered by this window.
	Length time.Duration
}

// End returns the exclusive end offset of the window.
func (w Window) End() time.Duration {
	return w.Start + w.Length
}

// Params configures a windowing plan.
type Params struct {
	// Total is the full duration of the recording. Must be > 0.
	Total time.Duration

	// Stride is the distance between consecutive window starts. Must be > 0.
	Stride time.Duration

	// Overlap is how far each window extends into its successor.
	// Must be >= 0 and < Stride.
	Overlap time.Duration
}

// Errors returned by Plan.
var (
	// ErrNonPositiveDuration is returned when the total duration is zero or negative.
	ErrNonPositiveDuration = errors.New("total duration must be positive")

	// ErrNonPositiveStride is returned when the stride is zero or negative.
	ErrNonPositiveStride = errors.New("stride must be positive")

	// ErrInvalidOverlap is returned when the overlap is negative or not
	// smaller than the stride.
	ErrInvalidOverlap = errors.New("overlap must be >= 0 and < stride")
)

// Validate checks the parameters without computing a plan.
func (p Params) Validate() error {
	if p.Total <= 0 {
		return fmt.Errorf("%w: %s", ErrNonPositiveDuration, p.Total)
	}
	if p.Stride <= 0 {
		return fmt.Errorf("%w: %s", ErrNonPositiveStride, p.Stride)
	}
	if p.Overlap < 0 || p.Overlap >= p.Stride {
		return fmt.Errorf("%w: overlap=%s stride=%s", ErrInvalidOverlap, p.Overlap, p.Stride)
	}
	return nil
}

// Plan computes the ordered window list for the given parameters.
//
// The windows cover [0, Total) with no gaps: window i starts at i*stride and
// runs for min(stride+overlap, Total-start). A final window shorter than the
// overlap is legal and is not split further; the exporter treats the final
// window as the unconditional owner of everything inside it.
func Plan(p Params) ([]Window, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	full := p.Stride + p.Overlap
	windows := make([]Window, 0, int(p.Total/p.Stride)+1)

	for start, index := time.Duration(0), 0; start < p.Total; start, index = start+p.Stride, index+1 {
		length := full
		if remaining := p.Total - start; remaining < length {
			length = remaining
		}
		windows = append(windows, Window{
			Index:  index,
			Start:  start,
			Length: length,
		})
	}

	return windows, nil
}
