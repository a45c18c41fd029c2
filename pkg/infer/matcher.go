// Package infer implements the middlebox's loss inference: matching reverse
// packets to candidate windows on the forward history, implicit acking, and
// the injection policy with its budgets.
package infer

import (
	"time"

	"github.com/pemilabs/pemi/pkg/core"
	"github.com/pemilabs/pemi/pkg/flow"
)

// Window is the contiguous sent-buffer range a reverse packet is attributed
// to, together with the index of the flowlet it lies in.
type Window struct {
	Lo, Hi  uint64
	Flowlet int
}

// MatchWindow locates the candidate window for a reverse arrival at tr.
// The target emission time is tr minus both one-way halves (srtt/2 each of
// the far-side round trip). The bool result is false when the reverse packet
// is uninformative: no flowlet plausibly caused it, or no entry falls within
// delta of the target.
func MatchWindow(d *flow.Direction, tr core.Time, cfg *core.EngineConfig) (Window, bool) {
	flowlets := d.Buf.Flowlets()
	if len(flowlets) == 0 {
		return Window{}, false
	}

	ts := tr.Add(-d.RTT.SmoothedRTT())

	// Prefer the flowlet containing the target time; on a gap, the one that
	// ended most recently before it. Scanning from the back makes later
	// flowlets win ties (newer evidence wins).
	idx := -1
	contained := false
	for i := len(flowlets) - 1; i >= 0; i-- {
		fl := &flowlets[i]
		if !ts.Before(fl.Start) && !ts.After(fl.End) {
			idx = i
			contained = true
			break
		}
		if !fl.End.After(ts) {
			// Flowlets are time-ordered: the first one ending at or before
			// the target is the most recent such.
			idx = i
			break
		}
	}
	if idx < 0 {
		// Target precedes everything we still remember.
		return Window{}, false
	}

	fl := &flowlets[idx]
	if !contained {
		// Gap case. A target shortly past the flowlet's end is evidence
		// about that flowlet as a whole; the reply to its tail arrives
		// after the RTT-shifted end. Beyond one segmentation threshold the
		// attribution is no longer credible.
		if ts.Sub(fl.End) > d.Buf.GapThreshold() {
			return Window{}, false
		}
		return Window{Lo: fl.Lo, Hi: fl.Hi, Flowlet: idx}, true
	}

	delta := 2 * d.Buf.GapEWMA()
	if delta < cfg.WindowDelta {
		delta = cfg.WindowDelta
	}
	lo, hi, ok := clampToDelta(d.Buf, fl, ts, delta)
	if !ok {
		return Window{}, false
	}
	return Window{Lo: lo, Hi: hi, Flowlet: idx}, true
}

// clampToDelta narrows a flowlet to the entries whose arrival lies within
// [ts-delta, ts+delta].
func clampToDelta(buf *flow.SentBuffer, fl *flow.Flowlet, ts core.Time, delta time.Duration) (uint64, uint64, bool) {
	early := ts.Add(-delta)
	late := ts.Add(delta)

	lo := fl.Lo
	for lo <= fl.Hi {
		e := buf.At(lo)
		if e == nil || !e.Arrival.Before(early) {
			break
		}
		lo++
	}
	hi := fl.Hi
	for hi >= lo && hi >= fl.Lo {
		e := buf.At(hi)
		if e == nil || !e.Arrival.After(late) {
			break
		}
		if hi == 0 {
			return 0, 0, false
		}
		hi--
	}
	if lo > hi {
		return 0, 0, false
	}
	return lo, hi, true
}
