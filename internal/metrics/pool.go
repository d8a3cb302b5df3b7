package metrics

import (
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"
)

type dbStatsCollector struct {
	db *sql.DB

	inUse        *prometheus.Desc
	idle         *prometheus.Desc
	open         *prometheus.Desc
	maxOpen      *prometheus.Desc
	waitDuration *prometheus.Desc
}

// RegisterDBStats registers gauges that report live database/sql pool
// statistics on every scrape.
func RegisterDBStats(reg prometheus.Registerer, db *sql.DB) {
	reg.MustRegister(&dbStatsCollector{
		db: db,
		inUse: prometheus.NewDesc(
			"audience_db_pool_in_use",
			"Number of database connections currently in use.",
			nil, nil,
		),
		idle: prometheus.NewDesc(
			"audience_db_pool_idle",
			"Number of idle database connections in the pool.",
			nil, nil,
		),
		open: prometheus.NewDesc(
			"audience_db_pool_open",
			"Number of established database connections.",
			nil, nil,
		),
		maxOpen: prometheus.NewDesc(
			"audience_db_pool_max_open",
			"Maximum number of open database connections allowed.",
			nil, nil,
		),
		waitDuration: prometheus.NewDesc(
			"audience_db_pool_wait_seconds_total",
			"Total time spent waiting for a database connection.",
			nil, nil,
		),
	})
}

func (c *dbStatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.inUse
	ch <- c.idle
	ch <- c.open
	ch <- c.maxOpen
	ch <- c.waitDuration
}

func (c *dbStatsCollector) Collect(ch chan<- prometheus.Metric) {
	stat := c.db.Stats()

	ch <- prometheus.MustNewConstMetric(c.inUse, prometheus.GaugeValue, float64(stat.InUse))
	ch <- prometheus.MustNewConstMetric(c.idle, prometheus.GaugeValue, float64(stat.Idle))
	ch <- prometheus.MustNewConstMetric(c.open, prometheus.GaugeValue, float64(stat.OpenConnections))
	ch <- prometheus.MustNewConstMetric(c.maxOpen, prometheus.GaugeValue, float64(stat.MaxOpenConnections))
	ch <- prometheus.MustNewConstMetric(c.waitDuration, prometheus.CounterValue, stat.WaitDuration.Seconds())
}
