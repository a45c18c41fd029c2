package infer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pemilabs/pemi/pkg/core"
	"github.com/pemilabs/pemi/pkg/flow"
)

func testCfg() *core.EngineConfig {
	cfg := core.DefaultEngineConfig()
	return &cfg
}

func ms(n int) core.Time {
	return core.Time(time.Duration(n) * time.Millisecond)
}

// testFlow returns a flow whose RTT estimate is pinned at 24 ms (both
// one-way halves 12 ms), matching the timing of the scenarios.
func testFlow(cfg *core.EngineConfig) *flow.Flow {
	fl := &flow.Flow{Fwd: flow.NewDirection(cfg)}
	fl.Fwd.SeedRTT(24 * time.Millisecond)
	return fl
}

// sendAt records one forward packet of 100 payload bytes with a distinct
// frame so injections can be checked for verbatim replay.
func sendAt(fl *flow.Flow, t core.Time, fp uint64) {
	frame := make([]byte, 100)
	frame[0] = byte(fp)
	p := core.NewPacket(frame, t, core.SideNear)
	_, opened, evicted := fl.Fwd.Buf.Append(p, 0, 100, fp)
	fl.Fwd.OnForward(t, 100, opened)
	for _, ev := range evicted {
		ev.Release()
	}
}

// Clean flowlet, no loss: a reverse packet one RTT after a burst acks the
// whole burst and nothing is injected.
func TestCleanFlowletNoLoss(t *testing.T) {
	cfg := testCfg()
	m := &core.EngineMetrics{}
	fl := testFlow(cfg)
	for i := 0; i < 4; i++ {
		sendAt(fl, ms(i), uint64(i+1))
	}

	injs := ProcessReverse(fl, ms(25), cfg, m)
	assert.Empty(t, injs)
	assert.Equal(t, uint64(4), core.Load(&m.ImplicitAcks))
	for seq := uint64(0); seq < 4; seq++ {
		assert.Equal(t, flow.StateAcked, fl.Fwd.Buf.At(seq).State)
	}
	assert.Zero(t, core.Load(&m.SuspectedLosses))
}

// A reverse packet that maps into a later flowlet exposes the earlier,
// never-acked flowlet as lost; every entry of it is injected once.
func TestClosedFlowletFlaggedLost(t *testing.T) {
	cfg := testCfg()
	cfg.AmplificationCap = 1.0
	m := &core.EngineMetrics{}
	fl := testFlow(cfg)

	for i := 0; i < 4; i++ {
		sendAt(fl, ms(i), uint64(i+1)) // flowlet A
	}
	for i := 0; i < 4; i++ {
		sendAt(fl, ms(40+i), uint64(i+5)) // flowlet B
	}

	injs := ProcessReverse(fl, ms(65), cfg, m)
	require.Len(t, injs, 4)
	for i, inj := range injs {
		assert.Equal(t, uint64(i), inj.Seq, "oldest first")
		assert.Equal(t, byte(i+1), inj.Frame[0], "verbatim frame of the lost packet")
		assert.Equal(t, flow.StateInjected, fl.Fwd.Buf.At(inj.Seq).State)
	}
	// Flowlet B got acked by the same window.
	for seq := uint64(4); seq < 8; seq++ {
		assert.Equal(t, flow.StateAcked, fl.Fwd.Buf.At(seq).State)
	}
	assert.Equal(t, uint64(4), core.Load(&m.Injections))
	assert.Equal(t, uint64(400), fl.Fwd.InjectedBytes)
}

// An early reverse that arrives shortly after the only flowlet closed acks
// that flowlet as a whole; the later reverse then exposes nothing.
func TestEarlyReverseAcksClosedFlowlet(t *testing.T) {
	cfg := testCfg()
	cfg.AmplificationCap = 1.0
	m := &core.EngineMetrics{}
	fl := testFlow(cfg)

	for i := 0; i < 4; i++ {
		sendAt(fl, ms(i), uint64(i+1))
	}
	for i := 0; i < 4; i++ {
		sendAt(fl, ms(40+i), uint64(i+5))
	}

	// Target time 30-24=6 ms falls in the gap just past flowlet A's end;
	// the whole flowlet is attributed.
	injs := ProcessReverse(fl, ms(30), cfg, m)
	assert.Empty(t, injs)
	for seq := uint64(0); seq < 4; seq++ {
		assert.Equal(t, flow.StateAcked, fl.Fwd.Buf.At(seq).State)
	}

	injs = ProcessReverse(fl, ms(65), cfg, m)
	assert.Empty(t, injs, "nothing unacked remains behind the window")
	assert.Zero(t, core.Load(&m.SuspectedLosses))
}

// A reverse packet whose target time lands deep in an inter-flowlet gap is
// uninformative: no acks, no suspects, counter incremented.
func TestGapReverseUninformative(t *testing.T) {
	cfg := testCfg()
	m := &core.EngineMetrics{}
	fl := testFlow(cfg)
	for i := 0; i < 3; i++ {
		sendAt(fl, ms(i), uint64(i+1))
	}

	// Target 37-24=13 ms: 11 ms past flowlet A's end, beyond the 8 ms
	// attribution tolerance.
	injs := ProcessReverse(fl, ms(37), cfg, m)
	assert.Empty(t, injs)
	assert.Equal(t, uint64(1), core.Load(&m.UninformativeReverse))
	assert.Zero(t, core.Load(&m.ImplicitAcks))
	for seq := uint64(0); seq < 3; seq++ {
		assert.Equal(t, flow.StateSent, fl.Fwd.Buf.At(seq).State)
	}
}

func TestReverseBeforeAnyPlausibleSendUninformative(t *testing.T) {
	cfg := testCfg()
	m := &core.EngineMetrics{}
	fl := testFlow(cfg)
	for i := 0; i < 4; i++ {
		sendAt(fl, ms(100+i), uint64(i+1))
	}

	// Target 110-24=86 ms precedes the first packet ever seen.
	injs := ProcessReverse(fl, ms(110), cfg, m)
	assert.Empty(t, injs)
	assert.Equal(t, uint64(1), core.Load(&m.UninformativeReverse))
}

// Duplicate suppression: a second candidate window inside the TTL must not
// re-inject the same fingerprints.
func TestDuplicateSuppression(t *testing.T) {
	cfg := testCfg()
	cfg.AmplificationCap = 1.0
	m := &core.EngineMetrics{}
	fl := testFlow(cfg)

	for i := 0; i < 4; i++ {
		sendAt(fl, ms(i), uint64(i+1)) // flowlet A, will be lost
	}
	for i := 0; i < 4; i++ {
		sendAt(fl, ms(40+i), uint64(i+5)) // flowlet B
	}
	injs := ProcessReverse(fl, ms(65), cfg, m)
	require.Len(t, injs, 4)

	for i := 0; i < 4; i++ {
		sendAt(fl, ms(80+i), uint64(i+9)) // flowlet C
	}
	// Second window at 105 (target 81, inside C) re-suspects A within the
	// 100 ms suppression TTL.
	injs = ProcessReverse(fl, ms(105), cfg, m)
	assert.Empty(t, injs)
	assert.Equal(t, uint64(4), core.Load(&m.DupSuppressed))
	assert.Equal(t, uint64(4), core.Load(&m.Injections))
}

// After the suppression TTL expires, a later implicit-ack-miss window may
// inject an entry a second time.
func TestReinjectionAfterTTL(t *testing.T) {
	cfg := testCfg()
	cfg.AmplificationCap = 1.0
	m := &core.EngineMetrics{}
	fl := testFlow(cfg)

	for i := 0; i < 4; i++ {
		sendAt(fl, ms(i), uint64(i+1)) // flowlet A
	}
	for i := 0; i < 4; i++ {
		sendAt(fl, ms(40+i), uint64(i+5)) // flowlet B
	}
	require.Len(t, ProcessReverse(fl, ms(65), cfg, m), 4)

	for i := 0; i < 4; i++ {
		sendAt(fl, ms(220+i), uint64(i+9)) // flowlet C, past the TTL
	}
	injs := ProcessReverse(fl, ms(245), cfg, m)
	require.Len(t, injs, 4)
	for _, inj := range injs {
		assert.True(t, inj.Reinjection)
	}
	assert.Equal(t, uint64(4), core.Load(&m.Reinjections))
	assert.Equal(t, uint8(2), fl.Fwd.Buf.At(0).Injections)
}

// Re-injection is gated on a later match epoch: an injected entry is stamped
// with the epoch of the window that injected it. The suppression TTL floor is
// zero here, so the fingerprint TTL is just srtt.
func TestNoReinjectionWithinSameEpoch(t *testing.T) {
	cfg := testCfg()
	cfg.AmplificationCap = 1.0
	cfg.DupSuppressTTL = 0
	m := &core.EngineMetrics{}
	fl := testFlow(cfg)

	for i := 0; i < 4; i++ {
		sendAt(fl, ms(i), uint64(i+1))
	}
	for i := 0; i < 4; i++ {
		sendAt(fl, ms(40+i), uint64(i+5))
	}
	require.Len(t, ProcessReverse(fl, ms(65), cfg, m), 4)
	e := fl.Fwd.Buf.At(0)
	assert.Equal(t, fl.Fwd.MatchEpoch, e.InjectEpoch)
}

// Amplification cap: with cap 0.1 over 100 forward packets, 20 suspects
// yield exactly 10 injections and 10 cap drops.
func TestAmplificationCap(t *testing.T) {
	cfg := testCfg()
	cfg.AmplificationCap = 0.1
	m := &core.EngineMetrics{}
	fl := testFlow(cfg)

	for i := 0; i < 20; i++ {
		sendAt(fl, ms(i), uint64(i+1)) // flowlet A: the 20 "lost" packets
	}
	for i := 0; i < 80; i++ {
		sendAt(fl, ms(100+i), uint64(i+100)) // flowlet B
	}

	injs := ProcessReverse(fl, ms(194), cfg, m)
	assert.Len(t, injs, 10)
	assert.Equal(t, uint64(10), core.Load(&m.Injections))
	assert.Equal(t, uint64(10), core.Load(&m.InjectCapDrops))
	assert.Equal(t, uint64(20), core.Load(&m.SuspectedLosses))
	assert.LessOrEqual(t, fl.Fwd.InjectedBytes, uint64(float64(fl.Fwd.ForwardBytes)*cfg.AmplificationCap))
}

// With the cap at zero no injection ever happens, whatever the inference
// says.
func TestAmplificationCapZero(t *testing.T) {
	cfg := testCfg()
	cfg.AmplificationCap = 0
	m := &core.EngineMetrics{}
	fl := testFlow(cfg)

	for i := 0; i < 4; i++ {
		sendAt(fl, ms(i), uint64(i+1))
	}
	for i := 0; i < 4; i++ {
		sendAt(fl, ms(40+i), uint64(i+5))
	}
	injs := ProcessReverse(fl, ms(65), cfg, m)
	assert.Empty(t, injs)
	assert.Equal(t, uint64(4), core.Load(&m.InjectCapDrops))
	assert.Zero(t, core.Load(&m.Injections))
}

// dup_threshold set to infinite (negative) disables loss flagging entirely.
func TestInfiniteDupThreshold(t *testing.T) {
	cfg := testCfg()
	cfg.AmplificationCap = 1.0
	cfg.DupThreshold = -1
	m := &core.EngineMetrics{}
	fl := testFlow(cfg)

	for i := 0; i < 4; i++ {
		sendAt(fl, ms(i), uint64(i+1))
	}
	for i := 0; i < 4; i++ {
		sendAt(fl, ms(40+i), uint64(i+5))
	}
	injs := ProcessReverse(fl, ms(65), cfg, m)
	assert.Empty(t, injs)
	assert.Zero(t, core.Load(&m.SuspectedLosses))
	// Acking still happens; only flagging is off.
	assert.Equal(t, uint64(4), core.Load(&m.ImplicitAcks))
}

// The token bucket bounds a single burst of injections.
func TestTokenBucketBoundsBurst(t *testing.T) {
	cfg := testCfg()
	cfg.AmplificationCap = 1.0
	cfg.InjectBurst = 2
	cfg.InjectRatePerSec = 0.0001 // effectively no refill inside the test
	m := &core.EngineMetrics{}
	fl := testFlow(cfg)

	for i := 0; i < 4; i++ {
		sendAt(fl, ms(i), uint64(i+1))
	}
	for i := 0; i < 4; i++ {
		sendAt(fl, ms(40+i), uint64(i+5))
	}
	injs := ProcessReverse(fl, ms(65), cfg, m)
	assert.Len(t, injs, 2)
	assert.Equal(t, uint64(2), core.Load(&m.InjectBudgetDrops))
}

// Abandoned flowlets (too large to protect) are never flagged.
func TestAbandonedFlowletNotFlagged(t *testing.T) {
	cfg := testCfg()
	cfg.AmplificationCap = 1.0
	cfg.FlowletMaxPkts = 2
	m := &core.EngineMetrics{}
	fl := testFlow(cfg)

	for i := 0; i < 4; i++ {
		sendAt(fl, ms(i), uint64(i+1)) // grows past the limit, abandoned
	}
	for i := 0; i < 4; i++ {
		sendAt(fl, ms(40+i), uint64(i+5))
	}
	injs := ProcessReverse(fl, ms(65), cfg, m)
	assert.Empty(t, injs)
	assert.Zero(t, core.Load(&m.SuspectedLosses))
}
