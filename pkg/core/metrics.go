package core

import "sync/atomic"

// EngineMetrics is the per-shard counter block. All fields are updated with
// atomic adds so the metrics reporter and the Prometheus bridge can read
// them from other goroutines.
type EngineMetrics struct {
	// Packet plumbing.
	PacketsIn        uint64
	PacketsForwarded uint64
	PacketsSkipped   uint64 // non-QUIC or unparseable, still forwarded
	BytesIn          uint64

	// Flow table.
	FlowsCreated uint64
	FlowsExpired uint64
	FlowsEvicted uint64 // capacity pressure
	FlowsRebound uint64 // migration rebinds
	FlowsClosed  uint64 // CONNECTION_CLOSE heuristic

	// Sent buffer and segmentation.
	FlowletsOpened  uint64
	FlowletsClosed  uint64
	BufferEvictions uint64

	// Inference.
	ImplicitAcks         uint64
	SuspectedLosses      uint64
	UninformativeReverse uint64

	// Injection.
	Injections        uint64
	InjectedBytes     uint64
	Reinjections      uint64
	DupSuppressed     uint64
	InjectBudgetDrops uint64 // token bucket empty
	InjectCapDrops    uint64 // amplification cap

	// I/O.
	IORetries uint64
}

// Add atomically increments a counter field.
func Add(field *uint64, n uint64) { atomic.AddUint64(field, n) }

// Load atomically reads a counter field.
func Load(field *uint64) uint64 { return atomic.LoadUint64(field) }

// Snapshot returns a plain copy of the counters.
func (m *EngineMetrics) Snapshot() EngineMetrics {
	var s EngineMetrics
	s.PacketsIn = Load(&m.PacketsIn)
	s.PacketsForwarded = Load(&m.PacketsForwarded)
	s.PacketsSkipped = Load(&m.PacketsSkipped)
	s.BytesIn = Load(&m.BytesIn)
	s.FlowsCreated = Load(&m.FlowsCreated)
	s.FlowsExpired = Load(&m.FlowsExpired)
	s.FlowsEvicted = Load(&m.FlowsEvicted)
	s.FlowsRebound = Load(&m.FlowsRebound)
	s.FlowsClosed = Load(&m.FlowsClosed)
	s.FlowletsOpened = Load(&m.FlowletsOpened)
	s.FlowletsClosed = Load(&m.FlowletsClosed)
	s.BufferEvictions = Load(&m.BufferEvictions)
	s.ImplicitAcks = Load(&m.ImplicitAcks)
	s.SuspectedLosses = Load(&m.SuspectedLosses)
	s.UninformativeReverse = Load(&m.UninformativeReverse)
	s.Injections = Load(&m.Injections)
	s.InjectedBytes = Load(&m.InjectedBytes)
	s.Reinjections = Load(&m.Reinjections)
	s.DupSuppressed = Load(&m.DupSuppressed)
	s.InjectBudgetDrops = Load(&m.InjectBudgetDrops)
	s.InjectCapDrops = Load(&m.InjectCapDrops)
	s.IORetries = Load(&m.IORetries)
	return s
}
