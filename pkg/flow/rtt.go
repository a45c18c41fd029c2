package flow

import "time"

// rttAlpha is the EWMA smoothing factor, 1/8 as in RFC 6298.
const rttAlpha = 0.125

// RTTStats tracks the far-side round-trip estimate for one flow. Samples
// come from the handshake exchange and from flowlet-closure-to-first-reverse
// gaps; no endpoint clock is ever involved.
type RTTStats struct {
	initial  time.Duration
	latest   time.Duration
	min      time.Duration
	smoothed time.Duration
}

// NewRTTStats returns stats seeded with the configured initial estimate.
func NewRTTStats(initial time.Duration) RTTStats {
	return RTTStats{initial: initial}
}

// Update folds a new sample into the estimate. Non-positive samples are
// discarded.
func (r *RTTStats) Update(sample time.Duration) {
	if sample <= 0 {
		return
	}
	r.latest = sample
	if r.min == 0 || sample < r.min {
		r.min = sample
	}
	if r.smoothed == 0 {
		r.smoothed = sample
		return
	}
	r.smoothed = time.Duration((1-rttAlpha)*float64(r.smoothed) + rttAlpha*float64(sample))
}

// HasSample reports whether any measurement has been folded in.
func (r *RTTStats) HasSample() bool { return r.smoothed != 0 }

// SmoothedRTT returns the smoothed estimate, or the initial seed before the
// first sample.
func (r *RTTStats) SmoothedRTT() time.Duration {
	if r.smoothed == 0 {
		return r.initial
	}
	return r.smoothed
}

// MinRTT returns the smallest sample seen, or zero.
func (r *RTTStats) MinRTT() time.Duration { return r.min }

// LatestRTT returns the most recent sample, or zero.
func (r *RTTStats) LatestRTT() time.Duration { return r.latest }
