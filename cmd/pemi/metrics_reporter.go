package main

import (
	"context"
	"time"

	"github.com/pemilabs/pemi/pkg/core"
	"github.com/pemilabs/pemi/pkg/logging"
)

// runMetricsReporter logs an aggregate stats line every interval: packets,
// flows, injections, and the realised injection ratio.
func runMetricsReporter(ctx context.Context, blocks []*core.EngineMetrics, intervalS int) {
	ticker := time.NewTicker(time.Duration(intervalS) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var sum core.EngineMetrics
		for _, m := range blocks {
			s := m.Snapshot()
			sum.PacketsIn += s.PacketsIn
			sum.PacketsForwarded += s.PacketsForwarded
			sum.PacketsSkipped += s.PacketsSkipped
			sum.FlowsCreated += s.FlowsCreated
			sum.FlowsExpired += s.FlowsExpired
			sum.ImplicitAcks += s.ImplicitAcks
			sum.SuspectedLosses += s.SuspectedLosses
			sum.UninformativeReverse += s.UninformativeReverse
			sum.Injections += s.Injections
			sum.InjectCapDrops += s.InjectCapDrops
			sum.InjectBudgetDrops += s.InjectBudgetDrops
			sum.DupSuppressed += s.DupSuppressed
		}
		if sum.PacketsIn == 0 {
			continue
		}
		ratio := float64(sum.Injections) / float64(sum.PacketsIn)
		logging.Infof("stats: pkts=%d fwd=%d skip=%d flows=%d/-%d acks=%d suspects=%d uninformative=%d inject=%d (ratio %.4f) drops cap=%d budget=%d dup=%d",
			sum.PacketsIn, sum.PacketsForwarded, sum.PacketsSkipped,
			sum.FlowsCreated, sum.FlowsExpired,
			sum.ImplicitAcks, sum.SuspectedLosses, sum.UninformativeReverse,
			sum.Injections, ratio,
			sum.InjectCapDrops, sum.InjectBudgetDrops, sum.DupSuppressed)
	}
}
