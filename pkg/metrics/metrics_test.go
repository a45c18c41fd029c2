package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pemilabs/pemi/pkg/core"
)

func TestRegisterExportsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := &core.EngineMetrics{}
	Register(reg, "0", m)

	core.Add(&m.Injections, 3)
	core.Add(&m.UninformativeReverse, 7)

	families, err := reg.Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			values[f.GetName()] = metric.GetCounter().GetValue()
		}
	}
	assert.Equal(t, 3.0, values["pemi_injections_total"])
	assert.Equal(t, 7.0, values["pemi_uninformative_reverse_total"])
	assert.Contains(t, values, "pemi_inject_cap_drops_total")
}

func TestRegisterTwiceIsQuiet(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := &core.EngineMetrics{}
	Register(reg, "0", m)
	// A second registration of the same shard must not panic.
	Register(reg, "0", m)
}
