package session

import (
	"math"
	"time"
)

// TimeRange is a half-open span [Start, End) of media time in seconds.
type TimeRange struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Duration returns End - Start.
func (r TimeRange) Duration() float64 {
	return r.End - r.Start
}

// Policy holds the retention and correction constants for a session.
type Policy struct {
	// RetainedWindow is the trailing media duration, in seconds, the sink
	// keeps. Older media is trimmed on progress ticks.
	RetainedWindow float64
	// SeekMargin is added to the buffer start when the playback position
	// has fallen behind it, so playback does not stall at the boundary.
	SeekMargin float64
	// TrimEpsilon is the minimum trim length, avoiding zero-length trims.
	TrimEpsilon float64
	// InitialDuration is the placeholder media duration reported by the
	// sink until the first fragment is decoded.
	InitialDuration float64
	// ProgressInterval is how often the surface reports progress.
	ProgressInterval time.Duration
}

// DefaultPolicy returns the stock policy: 90s window, 30s seek margin.
func DefaultPolicy() Policy {
	return Policy{
		RetainedWindow:   90,
		SeekMargin:       30,
		TrimEpsilon:      0.01,
		InitialDuration:  2,
		ProgressInterval: time.Second,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.RetainedWindow <= 0 {
		p.RetainedWindow = d.RetainedWindow
	}
	if p.SeekMargin < 0 {
		p.SeekMargin = d.SeekMargin
	}
	if p.TrimEpsilon <= 0 {
		p.TrimEpsilon = d.TrimEpsilon
	}
	if p.InitialDuration <= 0 {
		p.InitialDuration = d.InitialDuration
	}
	if p.ProgressInterval <= 0 {
		p.ProgressInterval = d.ProgressInterval
	}
	return p
}

// TrimRange returns the range to evict so that at most window seconds
// remain buffered. The end is never closer than epsilon to the start.
func TrimRange(span TimeRange, window, epsilon float64) (start, end float64) {
	return span.Start, math.Max(span.Start+epsilon, span.End-window)
}

// NeedsTrim reports whether span has grown past lastTrimEnd and holds more
// than window seconds of media.
func NeedsTrim(span TimeRange, lastTrimEnd, window float64) bool {
	return span.End > lastTrimEnd && span.Duration() > window
}

// CorrectedPosition returns the position playback should jump to when
// current has fallen behind bufferStart, and false when no correction is
// needed.
func CorrectedPosition(current, bufferStart, margin float64) (float64, bool) {
	if current >= bufferStart {
		return current, false
	}
	return bufferStart + margin, true
}
