// internal/store/collector.go
package store

import (
	"github.com/cockroachdb/pebble"
	"github.com/prometheus/client_golang/prometheus"
)

// PebbleCollector exports a few engine gauges of a PebbleStore.
type PebbleCollector struct {
	db *pebble.DB

	compactions  *prometheus.Desc
	memtableSize *prometheus.Desc
	walFiles     *prometheus.Desc
	walSize      *prometheus.Desc
}

// Collector returns a prometheus collector over the store's engine.
func (s *PebbleStore) Collector() *PebbleCollector {
	return &PebbleCollector{
		db: s.db,
		compactions: prometheus.NewDesc(
			"revlog_pebble_compaction_count_total",
			"Total number of compactions performed",
			nil, nil,
		),
		memtableSize: prometheus.NewDesc(
			"revlog_pebble_memtable_size_bytes",
			"Current size of the memtables",
			nil, nil,
		),
		walFiles: prometheus.NewDesc(
			"revlog_pebble_wal_files",
			"Number of live WAL files",
			nil, nil,
		),
		walSize: prometheus.NewDesc(
			"revlog_pebble_wal_size_bytes",
			"Size of the live WAL data",
			nil, nil,
		),
	}
}

func (pc *PebbleCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- pc.compactions
	ch <- pc.memtableSize
	ch <- pc.walFiles
	ch <- pc.walSize
}

func (pc *PebbleCollector) Collect(ch chan<- prometheus.Metric) {
	m := pc.db.Metrics()
	ch <- prometheus.MustNewConstMetric(pc.compactions, prometheus.CounterValue, float64(m.Compact.Count))
	ch <- prometheus.MustNewConstMetric(pc.memtableSize, prometheus.GaugeValue, float64(m.MemTable.Size))
	ch <- prometheus.MustNewConstMetric(pc.walFiles, prometheus.GaugeValue, float64(m.WAL.Files))
	ch <- prometheus.MustNewConstMetric(pc.walSize, prometheus.GaugeValue, float64(m.WAL.Size))
}
