// Package engine is the per-shard data plane: classify, forward, track, and
// optionally inject. One goroutine owns everything reachable from an Engine;
// no locking happens on the packet path.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/pemilabs/pemi/pkg/core"
	"github.com/pemilabs/pemi/pkg/flow"
	"github.com/pemilabs/pemi/pkg/iface"
	"github.com/pemilabs/pemi/pkg/infer"
	"github.com/pemilabs/pemi/pkg/logging"
	"github.com/pemilabs/pemi/pkg/obslog"
	"github.com/pemilabs/pemi/pkg/quic"
)

// Engine processes the packet stream of one interface pair. Flows are fully
// owned by their shard; there is no cross-engine state beyond the frozen
// config.
type Engine struct {
	cfg     *core.EngineConfig
	clock   core.Clock
	io      core.PacketIO
	table   *flow.Table
	metrics *core.EngineMetrics
	log     *obslog.Logger

	lastMaintenance core.Time
	maintained      bool
}

// New assembles an engine. log may be nil.
func New(cfg *core.EngineConfig, clock core.Clock, io core.PacketIO, m *core.EngineMetrics, log *obslog.Logger) *Engine {
	return &Engine{
		cfg:     cfg,
		clock:   clock,
		io:      io,
		table:   flow.NewTable(cfg, m),
		metrics: m,
		log:     log,
	}
}

// Metrics returns the engine's counter block.
func (e *Engine) Metrics() *core.EngineMetrics { return e.metrics }

// Table exposes the flow table for tests and the maintenance pass.
func (e *Engine) Table() *flow.Table { return e.table }

// Run reads packets until the context is cancelled or the I/O fails
// permanently. Per-packet work completes synchronously before the next read.
func (e *Engine) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		// Closing the sockets unblocks ReadPacket.
		e.io.Close()
	}()

	for {
		p, err := e.io.ReadPacket()
		if err != nil {
			if ctx.Err() != nil {
				e.shutdown()
				return nil
			}
			return err
		}
		if err := e.HandlePacket(p); err != nil {
			return err
		}
	}
}

// HandlePacket is the whole per-packet pipeline. The only errors it returns
// are fatal I/O failures and invariant violations; every parse or inference
// problem is absorbed.
func (e *Engine) HandlePacket(p *core.Packet) error {
	core.Add(&e.metrics.PacketsIn, 1)
	core.Add(&e.metrics.BytesIn, uint64(p.Len()))

	// Transparency first: every received frame goes out the other side
	// before anything else happens to it.
	if err := e.io.Forward(p); err != nil {
		p.Release()
		return err
	}
	core.Add(&e.metrics.PacketsForwarded, 1)

	retained, err := e.classify(p)
	if !retained {
		p.Release()
	}
	if err != nil {
		return err
	}
	return e.maybeMaintain()
}

// classify parses the frame and dispatches it to the forward or reverse
// path. The bool result reports whether the sent buffer took ownership of
// the packet.
func (e *Engine) classify(p *core.Packet) (bool, error) {
	dec, ok := iface.DecodeFrame(p.Data)
	if !ok {
		core.Add(&e.metrics.PacketsSkipped, 1)
		return false, nil
	}

	fromClient := p.Ingress == core.SideFar
	var pair flow.Pair
	if fromClient {
		pair = flow.Pair{Client: dec.Tuple.Src, Server: dec.Tuple.Dst}
	} else {
		pair = flow.Pair{Client: dec.Tuple.Dst, Server: dec.Tuple.Src}
	}

	payload := p.Data[dec.PayloadOff : dec.PayloadOff+dec.PayloadLen]
	hdr, ok := quic.Parse(payload, e.table.DCIDLen(pair, !fromClient))
	if !ok {
		core.Add(&e.metrics.PacketsSkipped, 1)
		return false, nil
	}

	if hdr.Form == quic.FormLong {
		e.table.ObserveLong(pair, fromClient, hdr, dec.PayloadLen, p.Arrival)
		return false, nil
	}

	fl, created := e.table.ObserveShort(pair, fromClient, hdr.DCID, p.Arrival)
	if fl == nil {
		core.Add(&e.metrics.PacketsSkipped, 1)
		return false, nil
	}
	if created {
		e.log.Record(p.Arrival, p.Ingress, obslog.ActionNewFlow, fl.Hash, -1, 0)
	}

	if fromClient {
		return false, e.onReverse(fl, p)
	}
	return e.onForward(fl, p, dec, hdr), nil
}

// onForward appends a server-to-client packet to the flow's history.
func (e *Engine) onForward(fl *flow.Flow, p *core.Packet, dec iface.Decoded, hdr quic.Header) bool {
	if e.cfg.ProxyOnly {
		fl.Fwd.ForwardBytes += uint64(dec.PayloadLen)
		return false
	}

	seq, opened, evicted := fl.Fwd.Buf.Append(p, dec.PayloadOff, dec.PayloadLen, hdr.Fingerprint)
	fl.Fwd.OnForward(p.Arrival, dec.PayloadLen, opened)
	if opened {
		core.Add(&e.metrics.FlowletsOpened, 1)
		if len(fl.Fwd.Buf.Flowlets()) > 1 {
			core.Add(&e.metrics.FlowletsClosed, 1)
		}
	}
	for _, ev := range evicted {
		core.Add(&e.metrics.BufferEvictions, 1)
		ev.Release()
	}
	e.log.Record(p.Arrival, p.Ingress, obslog.ActionForward, fl.Hash, int64(seq), hdr.Fingerprint)
	return true
}

// onReverse runs inference and emits any injections toward the client.
func (e *Engine) onReverse(fl *flow.Flow, p *core.Packet) error {
	if e.cfg.ProxyOnly {
		return nil
	}
	for _, inj := range infer.ProcessReverse(fl, p.Arrival, e.cfg, e.metrics) {
		if err := e.io.Inject(inj.Frame, core.SideFar); err != nil {
			return err
		}
		e.log.Record(p.Arrival, core.SideFar, obslog.ActionInject, fl.Hash, int64(inj.Seq), inj.Fingerprint)
	}
	return nil
}

// maybeMaintain runs the bounded periodic pass: flow expiry, age eviction,
// duplicate-set sweep, and the structural invariant check.
func (e *Engine) maybeMaintain() error {
	now := e.clock.Now()
	if e.maintained && now.Sub(e.lastMaintenance) < e.cfg.MaintenanceInterval {
		return nil
	}
	e.lastMaintenance = now
	e.maintained = true

	for _, fl := range e.table.Expire(now) {
		e.log.Record(now, core.SideNear, obslog.ActionExpire, fl.Hash, -1, 0)
		for _, p := range fl.Fwd.Buf.EvictAll() {
			p.Release()
		}
	}

	var invariantErr error
	e.table.Flows(func(fl *flow.Flow) {
		maxAge := e.cfg.SentBufferAge
		if maxAge == 0 {
			maxAge = 2 * fl.Fwd.RTT.SmoothedRTT()
			if maxAge < core.DefaultSentBufferAgeFloor {
				maxAge = core.DefaultSentBufferAgeFloor
			}
		}
		for _, p := range fl.Fwd.Buf.EvictAge(now, maxAge) {
			core.Add(&e.metrics.BufferEvictions, 1)
			p.Release()
		}
		fl.Fwd.Dup.Sweep(now)
		if err := fl.Fwd.Buf.CheckFlowlets(); err != nil && invariantErr == nil {
			invariantErr = err
		}
	})
	if invariantErr != nil {
		logging.Errorf("invariant violation: %v", invariantErr)
		return fmt.Errorf("%w: %v", core.ErrInvariant, invariantErr)
	}
	return nil
}

// Maintain forces a maintenance pass; tests use it to drive expiry with a
// manual clock.
func (e *Engine) Maintain() error {
	e.maintained = false
	return e.maybeMaintain()
}

// shutdown releases all retained flow state.
func (e *Engine) shutdown() {
	e.table.Flows(func(fl *flow.Flow) {
		for _, p := range fl.Fwd.Buf.EvictAll() {
			p.Release()
		}
	})
	logging.Infof("engine stopped")
}

// IsFatalIO reports whether err should terminate the process with the I/O
// exit code.
func IsFatalIO(err error) bool { return errors.Is(err, core.ErrFatalIO) }

// IsInvariant reports whether err is an internal invariant violation.
func IsInvariant(err error) bool { return errors.Is(err, core.ErrInvariant) }
