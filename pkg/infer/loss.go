package infer

import (
	"time"

	"github.com/pemilabs/pemi/pkg/core"
	"github.com/pemilabs/pemi/pkg/flow"
	"github.com/pemilabs/pemi/pkg/logging"
)

// Injection is one retransmission decision: the stored frame is replayed
// verbatim toward the client.
type Injection struct {
	Frame       []byte
	Seq         uint64
	Fingerprint uint64
	Bytes       int // UDP payload bytes, for accounting
	Reinjection bool
}

// ProcessReverse runs the full reverse-packet pipeline on a flow: RTT
// refinement, window matching, implicit acking, the suspect scan, and the
// injection gates. It returns the injections to emit, oldest first. Every
// path through here is total; nothing propagates to the main loop.
func ProcessReverse(f *flow.Flow, tr core.Time, cfg *core.EngineConfig, m *core.EngineMetrics) []Injection {
	d := &f.Fwd
	d.OnReverse(tr)

	w, ok := MatchWindow(d, tr, cfg)
	if !ok {
		core.Add(&m.UninformativeReverse, 1)
		return nil
	}
	d.MatchEpoch++

	ackEntries(d, w, cfg, m)
	return scanSuspects(d, w, tr, cfg, m)
}

// ackEntries moves the candidate window's entries to ImplicitAcked, shrunk
// from the top by the configured safety offset.
func ackEntries(d *flow.Direction, w Window, cfg *core.EngineConfig, m *core.EngineMetrics) {
	hi := w.Hi
	if off := uint64(cfg.AckedOffset); cfg.AckedOffset > 0 {
		if hi < w.Lo+off {
			return
		}
		hi -= off
	}
	for seq := w.Lo; seq <= hi; seq++ {
		e := d.Buf.At(seq)
		if e == nil || e.State == flow.StateAcked {
			continue
		}
		e.State = flow.StateAcked
		core.Add(&m.ImplicitAcks, 1)
	}
}

// scanSuspects walks the buffer tail-to-front once, counting implicitly
// acked successors, and flags probable losses in flowlets that the matched
// window has fully passed. Flagged entries then run the injection gates in
// order: duplicate suppression, amplification cap, token bucket.
func scanSuspects(d *flow.Direction, w Window, tr core.Time, cfg *core.EngineConfig, m *core.EngineMetrics) []Injection {
	if cfg.DupThreshold < 0 {
		// Threshold configured as infinite: inference is ack-only.
		return nil
	}
	flowlets := d.Buf.Flowlets()
	matched := &flowlets[w.Flowlet]

	minAge := d.RTT.SmoothedRTT() / 8
	if minAge < cfg.MinLossAge {
		minAge = cfg.MinLossAge
	}
	ttl := d.RTT.SmoothedRTT()
	if ttl < cfg.DupSuppressTTL {
		ttl = cfg.DupSuppressTTL
	}

	var out []Injection
	ackedAfter := 0
	fli := len(flowlets) - 1

	for seq := d.Buf.NextSeq(); seq > d.Buf.FrontSeq(); {
		seq--
		e := d.Buf.At(seq)
		if e == nil {
			break
		}
		if e.State == flow.StateAcked {
			ackedAfter++
			continue
		}
		if seq >= matched.Lo {
			continue
		}

		// Locate the entry's flowlet, walking backwards in step.
		for fli >= 0 && flowlets[fli].Lo > seq {
			fli--
		}
		if fli < 0 {
			break
		}
		fl := &flowlets[fli]
		if !fl.Closed || fl.Abandoned || fl.Hi >= matched.Lo {
			// Only flowlets fully passed by the candidate window count;
			// the still-in-flight burst is never flagged.
			continue
		}
		if ackedAfter < cfg.DupThreshold {
			continue
		}
		if tr.Sub(e.Arrival) < minAge {
			continue
		}
		if e.State == flow.StateInjected && e.InjectEpoch >= d.MatchEpoch {
			// Already retransmitted once; wait for a later window to miss
			// it again before re-injecting.
			continue
		}

		reinjection := e.Injections > 0
		e.State = flow.StateSuspected
		core.Add(&m.SuspectedLosses, 1)

		if d.Dup.Contains(e.Fingerprint, tr) {
			core.Add(&m.DupSuppressed, 1)
			continue
		}
		if !d.AmplificationAllows(e.PayloadLen, cfg.AmplificationCap) {
			core.Add(&m.InjectCapDrops, 1)
			continue
		}
		if !d.Limiter.AllowN(flow.StdTime(tr), 1) {
			core.Add(&m.InjectBudgetDrops, 1)
			continue
		}

		d.InjectedBytes += uint64(e.PayloadLen)
		d.Dup.Add(e.Fingerprint, tr, ttl)
		e.State = flow.StateInjected
		e.InjectEpoch = d.MatchEpoch
		e.Injections++

		core.Add(&m.Injections, 1)
		core.Add(&m.InjectedBytes, uint64(e.PayloadLen))
		if reinjection {
			core.Add(&m.Reinjections, 1)
		}
		out = append(out, Injection{
			Frame:       e.Pkt.Data,
			Seq:         e.Seq,
			Fingerprint: e.Fingerprint,
			Bytes:       e.PayloadLen,
			Reinjection: reinjection,
		})
		if logging.IsDebug() {
			logging.Debugf("inject seq=%d fp=%016x age=%s", e.Seq, e.Fingerprint, time.Duration(tr.Sub(e.Arrival)))
		}
	}

	// The scan runs newest-first; emit in send order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
