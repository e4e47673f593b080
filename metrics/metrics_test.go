package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestNewCollector_RegistersAndIncrements(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.NodesApplied.WithLabelValues("admin").Inc()
	c.SyncRoundsStarted.Inc()

	families, err := reg.Gather()
	require.NoError(t, err)

	var found bool
	for _, f := range families {
		if f.GetName() == "mtox_nodes_applied_total" {
			found = true
			require.Len(t, f.Metric, 1)
			require.Equal(t, 1.0, f.Metric[0].GetCounter().GetValue())
		}
	}
	require.True(t, found, "mtox_nodes_applied_total metric not registered")
	_ = dto.MetricFamily{}
}

func TestNewCollector_SecondRegistryIsIndependent(t *testing.T) {
	reg1 := prometheus.NewRegistry()
	reg2 := prometheus.NewRegistry()

	require.NotPanics(t, func() {
		NewCollector(reg1)
		NewCollector(reg2)
	})
}
