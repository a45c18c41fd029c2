package flow

import (
	"time"

	"github.com/pemilabs/pemi/pkg/core"
	"github.com/pemilabs/pemi/pkg/logging"
	"github.com/pemilabs/pemi/pkg/quic"
)

// closeHintMaxLen is the datagram size at or below which a long-header packet on an
// established flow is taken as a CONNECTION_CLOSE hint. Close frames are
// tiny; handshake flights are not. Best-effort by design of the heuristic.
const closeHintMaxLen = 64

// closeHintsToRemove is how many hints mark a flow for removal.
const closeHintsToRemove = 2

// expireBatch bounds how many flows one Expire call inspects, amortising the
// sweep across maintenance passes.
const expireBatch = 256

// Table maps canonical flow keys to flow state, with secondary indexes on
// every live connection ID and on the address pair. Confined to one shard.
type Table struct {
	cfg     *core.EngineConfig
	metrics *core.EngineMetrics

	flows   map[Key]*Flow
	byDCID  map[string]*Flow
	byPair  map[Pair]*Flow
	pending map[Pair]*handshake

	scan []Key // amortised expiry cursor
}

// handshake is the pre-flow learning state for one address pair, filled from
// long-header packets before the first short-header packet creates the flow.
type handshake struct {
	created core.Time

	clientCID string
	serverCID string

	dcidLenToClient int
	dcidLenToServer int

	// First server-to-client long header; the next client packet bounds the
	// far-side RTT.
	respTime core.Time
	haveResp bool

	rttSample time.Duration // non-zero once measured
}

// NewTable returns an empty flow table.
func NewTable(cfg *core.EngineConfig, metrics *core.EngineMetrics) *Table {
	return &Table{
		cfg:     cfg,
		metrics: metrics,
		flows:   make(map[Key]*Flow),
		byDCID:  make(map[string]*Flow),
		byPair:  make(map[Pair]*Flow),
		pending: make(map[Pair]*handshake),
	}
}

// Len returns the number of tracked flows.
func (t *Table) Len() int { return len(t.flows) }

// DCIDLen returns the short-header connection ID length to assume for a
// packet heading to the client (toClient) or to the server, learned from the
// handshake when possible.
func (t *Table) DCIDLen(pair Pair, toClient bool) int {
	pick := func(a, b int) int {
		if a > 0 {
			return a
		}
		if b > 0 {
			return b
		}
		return t.cfg.DCIDLen
	}
	if fl := t.byPair[pair]; fl != nil {
		if toClient {
			return pick(fl.DCIDLenToClient, 0)
		}
		return pick(fl.DCIDLenToServer, 0)
	}
	if h := t.pending[pair]; h != nil {
		if toClient {
			return pick(h.dcidLenToClient, 0)
		}
		return pick(h.dcidLenToServer, 0)
	}
	return t.cfg.DCIDLen
}

// ObserveLong records a long-header packet: connection ID learning, RTT
// seeding, and the close heuristic. fromClient is true for far-side ingress.
// Long headers never create flows.
func (t *Table) ObserveLong(pair Pair, fromClient bool, hdr quic.Header, datagramLen int, now core.Time) *Flow {
	if fl := t.byPair[pair]; fl != nil {
		// Established flow: update access time and watch for close frames.
		if fromClient {
			fl.LastReverse = now
		} else {
			fl.LastForward = now
		}
		if datagramLen <= closeHintMaxLen {
			fl.CloseHints++
		}
		return fl
	}

	h := t.pending[pair]
	if h == nil {
		h = &handshake{created: now}
		t.pending[pair] = h
	}

	if fromClient {
		if len(hdr.SCID) > 0 {
			h.clientCID = string(hdr.SCID)
			h.dcidLenToClient = len(hdr.SCID)
		}
		if h.haveResp && h.rttSample == 0 {
			// First client packet after the server's first flight: the gap
			// bounds the middlebox-to-client round trip.
			h.rttSample = now.Sub(h.respTime)
		}
	} else {
		if len(hdr.SCID) > 0 {
			h.serverCID = string(hdr.SCID)
			h.dcidLenToServer = len(hdr.SCID)
		}
		if len(hdr.DCID) > 0 {
			h.clientCID = string(hdr.DCID)
			h.dcidLenToClient = len(hdr.DCID)
		}
		if !h.haveResp {
			h.respTime = now
			h.haveResp = true
		}
	}
	return nil
}

// ObserveShort resolves a short-header packet to its flow, creating one on
// the first forward packet with an unknown DCID and rebinding on migration.
// The bool result reports creation.
func (t *Table) ObserveShort(pair Pair, fromClient bool, dcid []byte, now core.Time) (*Flow, bool) {
	cid := string(dcid)

	if fl := t.byDCID[cid]; fl != nil {
		flPair := Pair{Client: fl.Key.Client, Server: fl.Key.Server}
		if flPair != pair {
			t.rebind(fl, flPair, pair)
		}
		t.touch(fl, fromClient, now)
		return fl, false
	}

	if fl := t.byPair[pair]; fl != nil {
		// Known address pair, unseen connection ID: either the reverse
		// direction's server-issued CID or a rotated one. Index it.
		fl.CIDs = append(fl.CIDs, cid)
		t.byDCID[cid] = fl
		t.touch(fl, fromClient, now)
		return fl, false
	}

	if fromClient {
		// Inference needs forward history; a flow first seen from the
		// client side only would never be protected. Forwarded untracked.
		return nil, false
	}

	if len(t.flows) >= t.cfg.MaxFlows {
		t.evictOldestIdle()
	}

	fl := &Flow{
		Key:         Key{Client: pair.Client, Server: pair.Server, DCID: cid},
		Fwd:         NewDirection(t.cfg),
		LastForward: now,
		LastReverse: now,
	}
	fl.Hash = fl.Key.Hash()
	fl.CIDs = append(fl.CIDs, cid)
	t.flows[fl.Key] = fl
	t.byDCID[cid] = fl
	t.byPair[pair] = fl

	if h := t.pending[pair]; h != nil {
		fl.DCIDLenToClient = h.dcidLenToClient
		fl.DCIDLenToServer = h.dcidLenToServer
		if h.clientCID != "" && h.clientCID != cid {
			fl.CIDs = append(fl.CIDs, h.clientCID)
			t.byDCID[h.clientCID] = fl
		}
		if h.serverCID != "" {
			fl.CIDs = append(fl.CIDs, h.serverCID)
			t.byDCID[h.serverCID] = fl
		}
		if h.rttSample > 0 {
			fl.Fwd.SeedRTT(h.rttSample)
		}
		delete(t.pending, pair)
	}

	core.Add(&t.metrics.FlowsCreated, 1)
	if logging.IsDebug() {
		logging.Debugf("flow created %s <-> %s dcid=%x", fl.Key.Client, fl.Key.Server, dcid)
	}
	return fl, true
}

func (t *Table) touch(fl *Flow, fromClient bool, now core.Time) {
	if fromClient {
		fl.LastReverse = now
	} else {
		fl.LastForward = now
	}
}

// rebind moves a migrated flow to its new address pair without splitting it.
func (t *Table) rebind(fl *Flow, from, to Pair) {
	delete(t.flows, fl.Key)
	if t.byPair[from] == fl {
		delete(t.byPair, from)
	}
	fl.Key.Client = to.Client
	fl.Key.Server = to.Server
	fl.Hash = fl.Key.Hash()
	t.flows[fl.Key] = fl
	t.byPair[to] = fl
	core.Add(&t.metrics.FlowsRebound, 1)
	logging.Infof("flow rebound to %s <-> %s", to.Client, to.Server)
}

// Expire removes idle and close-hinted flows, a bounded batch per call, and
// returns the removed flows so the caller can release their buffers.
func (t *Table) Expire(now core.Time) []*Flow {
	if len(t.scan) == 0 {
		t.scan = t.scan[:0]
		for k := range t.flows {
			t.scan = append(t.scan, k)
		}
	}
	var removed []*Flow
	batch := expireBatch
	for batch > 0 && len(t.scan) > 0 {
		k := t.scan[len(t.scan)-1]
		t.scan = t.scan[:len(t.scan)-1]
		batch--
		fl, ok := t.flows[k]
		if !ok {
			continue
		}
		switch {
		case fl.CloseHints >= closeHintsToRemove:
			t.remove(fl)
			core.Add(&t.metrics.FlowsClosed, 1)
			removed = append(removed, fl)
		case fl.Idle(now, t.cfg.IdleTimeout):
			t.remove(fl)
			core.Add(&t.metrics.FlowsExpired, 1)
			removed = append(removed, fl)
		}
	}
	for pair, h := range t.pending {
		if now.Sub(h.created) >= t.cfg.IdleTimeout {
			delete(t.pending, pair)
		}
	}
	return removed
}

func (t *Table) evictOldestIdle() {
	var oldest *Flow
	for _, fl := range t.flows {
		if oldest == nil || fl.LastActivity().Before(oldest.LastActivity()) {
			oldest = fl
		}
	}
	if oldest != nil {
		t.remove(oldest)
		core.Add(&t.metrics.FlowsEvicted, 1)
		for _, p := range oldest.Fwd.Buf.EvictAll() {
			p.Release()
		}
		logging.Debugf("flow table full, evicted %s <-> %s", oldest.Key.Client, oldest.Key.Server)
	}
}

func (t *Table) remove(fl *Flow) {
	delete(t.flows, fl.Key)
	pair := Pair{Client: fl.Key.Client, Server: fl.Key.Server}
	if t.byPair[pair] == fl {
		delete(t.byPair, pair)
	}
	for _, cid := range fl.CIDs {
		if t.byDCID[cid] == fl {
			delete(t.byDCID, cid)
		}
	}
}

// Flows calls fn for every tracked flow; fn must not mutate the table.
func (t *Table) Flows(fn func(*Flow)) {
	for _, fl := range t.flows {
		fn(fl)
	}
}
