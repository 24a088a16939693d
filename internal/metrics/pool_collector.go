package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vauntico/vaultgate/internal/db"
)

// StatsSource is satisfied by *db.Pool.
type StatsSource interface {
	Stats() db.PoolStats
}

// PoolCollector reports pool counters at scrape time.
type PoolCollector struct {
	src StatsSource

	total    *prometheus.Desc
	idle     *prometheus.Desc
	inUse    *prometheus.Desc
	waiting  *prometheus.Desc
	max      *prometheus.Desc
	timeouts *prometheus.Desc
}

func NewPoolCollector(src StatsSource) *PoolCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "db_pool", name), help, nil, nil)
	}
	return &PoolCollector{
		src:      src,
		total:    desc("connections_total", "Open connections, idle plus in use"),
		idle:     desc("connections_idle", "Idle connections"),
		inUse:    desc("connections_in_use", "Leased connections"),
		waiting:  desc("waiting", "Callers waiting for a connection"),
		max:      desc("connections_max", "Configured maximum connections"),
		timeouts: desc("acquire_timeouts_total", "Acquisitions that hit the connection timeout"),
	}
}

func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.total
	ch <- c.idle
	ch <- c.inUse
	ch <- c.waiting
	ch <- c.max
	ch <- c.timeouts
}

func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.src.Stats()
	ch <- prometheus.MustNewConstMetric(c.total, prometheus.GaugeValue, float64(s.TotalCount))
	ch <- prometheus.MustNewConstMetric(c.idle, prometheus.GaugeValue, float64(s.IdleCount))
	ch <- prometheus.MustNewConstMetric(c.inUse, prometheus.GaugeValue, float64(s.InUseCount))
	ch <- prometheus.MustNewConstMetric(c.waiting, prometheus.GaugeValue, float64(s.WaitingCount))
	ch <- prometheus.MustNewConstMetric(c.max, prometheus.GaugeValue, float64(s.MaxCount))
	ch <- prometheus.MustNewConstMetric(c.timeouts, prometheus.CounterValue, float64(s.AcquireTimeouts))
}
