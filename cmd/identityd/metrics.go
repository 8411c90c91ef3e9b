package main

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ducknotes/identity"
)

// engineCollector exports the engine's counters to Prometheus on scrape.
type engineCollector struct {
	engine  *identity.Engine
	desc    *prometheus.Desc
	dropped *prometheus.Desc
}

func newEngineCollector(engine *identity.Engine) *engineCollector {
	return &engineCollector{
		engine: engine,
		desc: prometheus.NewDesc(
			"identity_operations_total",
			"Identity engine operation counters.",
			[]string{"operation"}, nil,
		),
		dropped: prometheus.NewDesc(
			"identity_notifications_dropped_total",
			"Notification events discarded because the dispatcher buffer was full.",
			nil, nil,
		),
	}
}

func (c *engineCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
	ch <- c.dropped
}

func (c *engineCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.engine.MetricsSnapshot()
	for id, value := range snap.Counters {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.CounterValue, float64(value), id.String())
	}
	ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue, float64(c.engine.NotificationsDropped()))
}
