package transaction

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Outcomes of a lock acquisition, used as the "outcome" label.
const (
	outcomeImmediate = "immediate"
	outcomeWaited    = "waited"
	outcomeTimeout   = "timeout"
	outcomeDeadlock  = "deadlock"
)

type lockMetrics struct {
	acquires    *prometheus.CounterVec
	releases    prometheus.Counter
	waitSeconds prometheus.Histogram
	liveRecords prometheus.GaugeFunc
}

func newLockMetrics(reg prometheus.Registerer, table *lockTable) *lockMetrics {
	m := &lockMetrics{
		acquires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "godb",
			Subsystem: "lock",
			Name:      "acquire_total",
			Help:      "Page lock acquisitions by requested mode and outcome.",
		}, []string{"mode", "outcome"}),
		releases: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "godb",
			Subsystem: "lock",
			Name:      "release_total",
			Help:      "Page lock holds released.",
		}),
		waitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "godb",
			Subsystem: "lock",
			Name:      "wait_seconds",
			Help:      "Time blocked requests spent queued, whether or not they were granted.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 9),
		}),
		liveRecords: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "godb",
			Subsystem: "lock",
			Name:      "live_records",
			Help:      "Pages that currently have a lock record.",
		}, func() float64 {
			return float64(table.size())
		}),
	}
	if reg != nil {
		reg.MustRegister(m.acquires, m.releases, m.waitSeconds, m.liveRecords)
	}
	return m
}

func (m *lockMetrics) acquired(mode LockMode, outcome string) {
	m.acquires.WithLabelValues(mode.String(), outcome).Inc()
}
