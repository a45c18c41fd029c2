// Package metrics exposes the engine counters to Prometheus. The data plane
// only touches its atomic counter block; collectors read it on scrape.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pemilabs/pemi/pkg/core"
	"github.com/pemilabs/pemi/pkg/logging"
)

const namespace = "pemi"

// Register wires one shard's counter block into the registerer under a
// shard label.
func Register(reg prometheus.Registerer, shard string, m *core.EngineMetrics) {
	counter := func(name, help string, field *uint64) prometheus.CounterFunc {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        name,
			Help:        help,
			ConstLabels: prometheus.Labels{"shard": shard},
		}, func() float64 { return float64(core.Load(field)) })
	}

	for _, c := range []prometheus.Collector{
		counter("packets_in_total", "frames read from both interfaces", &m.PacketsIn),
		counter("packets_forwarded_total", "frames forwarded to the opposite interface", &m.PacketsForwarded),
		counter("packets_skipped_total", "frames forwarded but not tracked", &m.PacketsSkipped),
		counter("bytes_in_total", "frame bytes read", &m.BytesIn),
		counter("flows_created_total", "flows created", &m.FlowsCreated),
		counter("flows_expired_total", "flows expired idle", &m.FlowsExpired),
		counter("flows_evicted_total", "flows evicted under table pressure", &m.FlowsEvicted),
		counter("flows_rebound_total", "flows rebound after migration", &m.FlowsRebound),
		counter("flows_closed_total", "flows removed by the close heuristic", &m.FlowsClosed),
		counter("flowlets_opened_total", "flowlets opened", &m.FlowletsOpened),
		counter("flowlets_closed_total", "flowlets closed", &m.FlowletsClosed),
		counter("buffer_evictions_total", "sent-buffer entries evicted", &m.BufferEvictions),
		counter("implicit_acks_total", "entries implicitly acked", &m.ImplicitAcks),
		counter("suspected_losses_total", "entries flagged as probable losses", &m.SuspectedLosses),
		counter("uninformative_reverse_total", "reverse packets with no candidate window", &m.UninformativeReverse),
		counter("injections_total", "retransmissions injected", &m.Injections),
		counter("injected_bytes_total", "UDP payload bytes injected", &m.InjectedBytes),
		counter("reinjections_total", "second injections of the same entry", &m.Reinjections),
		counter("dup_suppressed_total", "injections suppressed by fingerprint TTL", &m.DupSuppressed),
		counter("inject_budget_drops_total", "injections dropped by the token bucket", &m.InjectBudgetDrops),
		counter("inject_cap_drops_total", "injections dropped by the amplification cap", &m.InjectCapDrops),
		counter("io_retries_total", "transient socket retries", &m.IORetries),
	} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				logging.Warnf("metrics: register: %v", err)
			}
		}
	}
}

// Serve exposes /metrics on addr. Blocks; run it in its own goroutine.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
