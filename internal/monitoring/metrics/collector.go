// Licensed under the MIT License. See LICENSE file in the project root for details.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exposes a Metrics instance to a Prometheus registry.
type Collector struct {
	m *Metrics

	operations    *prometheus.Desc
	errors        *prometheus.Desc
	latency       *prometheus.Desc
	continuations *prometheus.Desc
	massFired     *prometheus.Desc
	outstanding   *prometheus.Desc
	massChain     *prometheus.Desc
	keys          *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector creates a collector over m. constLabels are attached to every
// series, typically the node name.
func NewCollector(m *Metrics, constLabels prometheus.Labels) *Collector {
	return &Collector{
		m: m,
		operations: prometheus.NewDesc("spread_operations_total",
			"Total number of operations", []string{"operation"}, constLabels),
		errors: prometheus.NewDesc("spread_errors_total",
			"Total number of errors", []string{"operation"}, constLabels),
		latency: prometheus.NewDesc("spread_latency_seconds",
			"Mean latency of recent operations", []string{"operation"}, constLabels),
		continuations: prometheus.NewDesc("spread_continuations_total",
			"Continuations by outcome", []string{"outcome"}, constLabels),
		massFired: prometheus.NewDesc("spread_mass_fired_total",
			"Mass records that became ready", nil, constLabels),
		outstanding: prometheus.NewDesc("spread_outstanding_continuations",
			"Continuations waiting on pending records", nil, constLabels),
		massChain: prometheus.NewDesc("spread_mass_chain_length",
			"Unfired mass records", nil, constLabels),
		keys: prometheus.NewDesc("spread_keys",
			"Materialized keys", nil, constLabels),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.operations
	ch <- c.errors
	ch <- c.latency
	ch <- c.continuations
	ch <- c.massFired
	ch <- c.outstanding
	ch <- c.massChain
	ch <- c.keys
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.m.GetStats()

	for _, op := range Ops() {
		name := op.String()
		ch <- prometheus.MustNewConstMetric(c.operations, prometheus.CounterValue, float64(s.Operations[name]), name)
		ch <- prometheus.MustNewConstMetric(c.errors, prometheus.CounterValue, float64(s.Errors[name]), name)
		ch <- prometheus.MustNewConstMetric(c.latency, prometheus.GaugeValue, s.Latency[name].Mean.Seconds(), name)
	}
	ch <- prometheus.MustNewConstMetric(c.continuations, prometheus.CounterValue, float64(s.Continuations.Deferred), "deferred")
	ch <- prometheus.MustNewConstMetric(c.continuations, prometheus.CounterValue, float64(s.Continuations.Fired), "fired")
	ch <- prometheus.MustNewConstMetric(c.massFired, prometheus.CounterValue, float64(s.Continuations.MassFired))
	ch <- prometheus.MustNewConstMetric(c.outstanding, prometheus.GaugeValue, float64(s.State.Outstanding))
	ch <- prometheus.MustNewConstMetric(c.massChain, prometheus.GaugeValue, float64(s.State.MassChainLength))
	ch <- prometheus.MustNewConstMetric(c.keys, prometheus.GaugeValue, float64(s.State.Keys))
}
