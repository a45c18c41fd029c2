// Package flow holds the per-connection state of the middlebox: the flow
// table, each flow's sent-packet history with flowlet segmentation, timing
// statistics, and the injection budgets.
package flow

import (
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/time/rate"

	"github.com/pemilabs/pemi/pkg/core"
)

// rateEpoch anchors the token bucket's notion of time to the monotonic
// clock. The limiter only compares instants, so any fixed origin works.
var rateEpoch = time.Unix(0, 0)

// StdTime converts a monotonic timestamp for the rate limiter.
func StdTime(t core.Time) time.Time {
	return rateEpoch.Add(time.Duration(t))
}

// Direction is the protected (server-to-client) half of a flow: the sent
// buffer, its segmentation, the RTT estimate, and the injection budgets.
type Direction struct {
	Buf *SentBuffer
	RTT RTTStats
	Dup *DupSet

	// Limiter is the per-flow injection token bucket.
	Limiter *rate.Limiter

	// ForwardBytes and InjectedBytes track the amplification ratio. Both
	// count UDP payload bytes.
	ForwardBytes  uint64
	InjectedBytes uint64

	// MatchEpoch counts reverse packets that produced a candidate window.
	// Re-injection of an entry requires a later epoch than its last one.
	MatchEpoch uint64

	// RTT refinement: the first reverse arrival after a flowlet closes
	// yields a sample of closure-to-reply time.
	probeEnd   core.Time
	probeArmed bool

	// Seeding: the first reverse packet after the first forward packet
	// bounds the far-side RTT from above.
	firstSent    core.Time
	hasFirstSent bool
	seeded       bool
}

// NewDirection builds the forward-direction state from the config.
func NewDirection(cfg *core.EngineConfig) Direction {
	return Direction{
		Buf:     NewSentBuffer(cfg),
		RTT:     NewRTTStats(cfg.InitialRTT),
		Dup:     NewDupSet(),
		Limiter: rate.NewLimiter(rate.Limit(cfg.InjectRatePerSec), cfg.InjectBurst),
	}
}

// OnForward accounts a forward packet and arms the RTT probe when its
// arrival closed a flowlet.
func (d *Direction) OnForward(arrival core.Time, payloadLen int, openedFlowlet bool) {
	d.ForwardBytes += uint64(payloadLen)
	if !d.hasFirstSent {
		d.firstSent = arrival
		d.hasFirstSent = true
	}
	if openedFlowlet {
		// The previous flowlet just closed; its end time is the reference
		// for the next closure-to-reply sample.
		if fls := d.Buf.Flowlets(); len(fls) >= 2 {
			d.probeEnd = fls[len(fls)-2].End
			d.probeArmed = true
		}
	}
}

// OnReverse feeds the RTT estimator from a reverse arrival: the seed sample
// on the first reply, then one closure-to-reply sample per closed flowlet.
// Refinement samples outside [srtt/2, 2 x srtt] are discarded; the first
// reverse after a closure often answers a later burst, and one such sample
// must not wreck the estimate.
func (d *Direction) OnReverse(now core.Time) {
	if !d.seeded && d.hasFirstSent {
		d.RTT.Update(now.Sub(d.firstSent))
		d.seeded = true
	}
	if d.probeArmed {
		d.probeArmed = false
		sample := now.Sub(d.probeEnd)
		srtt := d.RTT.SmoothedRTT()
		if sample >= srtt/2 && sample <= 2*srtt {
			d.RTT.Update(sample)
		}
	}
}

// SeedRTT folds in an externally measured sample, such as the handshake
// exchange timing, before any reverse traffic is seen.
func (d *Direction) SeedRTT(sample time.Duration) {
	if sample > 0 && !d.seeded {
		d.RTT.Update(sample)
		d.seeded = true
	}
}

// AmplificationAllows reports whether injecting n more payload bytes keeps
// the flow within the hard cap.
func (d *Direction) AmplificationAllows(n int, cap float64) bool {
	return float64(d.InjectedBytes+uint64(n)) <= cap*float64(d.ForwardBytes)
}

// Key is the canonical flow identity: client and server endpoints plus the
// destination connection ID prefix observed on short headers.
type Key struct {
	Client core.Endpoint
	Server core.Endpoint
	DCID   string
}

// Pair is the address half of the key, used for handshake learning before
// any short-header packet fixes the DCID.
type Pair struct {
	Client core.Endpoint
	Server core.Endpoint
}

// Hash digests the canonical key for the observation log.
func (k Key) Hash() uint64 {
	b := make([]byte, 0, 12+len(k.DCID))
	b = append(b, k.Client.IP[:]...)
	b = append(b, byte(k.Client.Port>>8), byte(k.Client.Port))
	b = append(b, k.Server.IP[:]...)
	b = append(b, byte(k.Server.Port>>8), byte(k.Server.Port))
	b = append(b, k.DCID...)
	return xxhash.Sum64(b)
}

// Flow is one tracked QUIC connection.
type Flow struct {
	Key Key

	// Hash caches Key.Hash; refreshed on migration rebinds.
	Hash uint64

	// Fwd is the server-to-client direction, where losses are inferred.
	// The reverse direction contributes timing signals only and keeps no
	// buffered state of its own.
	Fwd Direction

	// CIDs are the live connection IDs indexed in the table for this flow.
	CIDs []string

	LastForward core.Time
	LastReverse core.Time

	// CloseHints counts best-effort CONNECTION_CLOSE observations; two
	// hints mark the flow for removal.
	CloseHints int

	// DCIDLenToClient and DCIDLenToServer are the learned short-header
	// connection ID lengths for each direction, zero when unknown.
	DCIDLenToClient int
	DCIDLenToServer int
}

// LastActivity returns the most recent packet time in either direction.
func (f *Flow) LastActivity() core.Time {
	if f.LastForward.After(f.LastReverse) {
		return f.LastForward
	}
	return f.LastReverse
}

// Idle reports whether the flow has been silent for the timeout.
func (f *Flow) Idle(now core.Time, timeout time.Duration) bool {
	return now.Sub(f.LastActivity()) >= timeout
}

