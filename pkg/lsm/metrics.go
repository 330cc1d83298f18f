package lsm

import (
	"strconv"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"

	"example.com/lsmkv/pkg/lsm/cache"
)

// dbMetrics are the engine's internal counters.
type dbMetrics struct {
	bloomNegatives atomic.Int64
	flushes        atomic.Int64
	flushedBytes   atomic.Int64
	compactions    atomic.Int64
	compactedIn    atomic.Int64
	compactedOut   atomic.Int64
	writeStalls    atomic.Int64
	walTruncations atomic.Int64

	walFsyncLatency prometheus.Histogram
}

func newDBMetrics() *dbMetrics {
	return &dbMetrics{
		walFsyncLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "lsm",
			Name:      "wal_fsync_latency_seconds",
			Help:      "Latency of WAL fsyncs.",
			Buckets:   prometheus.ExponentialBuckets(1e-5, 4, 10),
		}),
	}
}

type LevelMetrics struct {
	NumFiles int
	Size     uint64
}

// Metrics is a point-in-time copy of the engine counters.
type Metrics struct {
	BlockCache     cache.Metrics
	BloomNegatives int64
	Flushes        int64
	FlushedBytes   int64
	Compactions    int64
	// CompactedBytesIn and CompactedBytesOut are the table bytes read and written
	// by compactions.
	CompactedBytesIn  int64
	CompactedBytesOut int64
	WriteStalls       int64
	WALTruncations    int64

	MemTableSize          int64
	ImmutableMemTables    int
	ActiveCompactions     int
	Levels                []LevelMetrics
	VisibleSequenceNumber uint64
}

func (d *dbImpl) Metrics() Metrics {
	m := Metrics{
		BlockCache:            d.blockCache.Metrics(),
		BloomNegatives:        d.metrics.bloomNegatives.Load(),
		Flushes:               d.metrics.flushes.Load(),
		FlushedBytes:          d.metrics.flushedBytes.Load(),
		Compactions:           d.metrics.compactions.Load(),
		CompactedBytesIn:      d.metrics.compactedIn.Load(),
		CompactedBytesOut:     d.metrics.compactedOut.Load(),
		WriteStalls:           d.metrics.writeStalls.Load(),
		WALTruncations:        d.metrics.walTruncations.Load(),
		VisibleSequenceNumber: d.visibleSeq.Load(),
	}
	d.mu.Lock()
	m.MemTableSize = d.mu.mem.ApproxSize()
	m.ImmutableMemTables = len(d.mu.imm)
	m.ActiveCompactions = len(d.mu.compactions)
	d.mu.Unlock()

	v := d.versions.currentVersion()
	m.Levels = make([]LevelMetrics, len(v.Levels))
	for level := range v.Levels {
		m.Levels[level] = LevelMetrics{NumFiles: v.numFiles(level), Size: v.levelSize(level)}
	}
	return m
}

// registerMetrics exports the counters through reg. The returned collectors are
// unregistered on Close.
func (d *dbImpl) registerMetrics(reg prometheus.Registerer) ([]prometheus.Collector, error) {
	counter := func(name, help string, fn func() float64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{Namespace: "lsm", Name: name, Help: help}, fn)
	}
	gauge := func(name, help string, labels prometheus.Labels, fn func() float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "lsm", Name: name, Help: help, ConstLabels: labels,
		}, fn)
	}
	load := func(v *atomic.Int64) func() float64 {
		return func() float64 { return float64(v.Load()) }
	}

	cs := []prometheus.Collector{
		d.metrics.walFsyncLatency,
		counter("block_cache_hits_total", "Block cache hits.",
			func() float64 { return float64(d.blockCache.Metrics().Hits) }),
		counter("block_cache_misses_total", "Block cache misses.",
			func() float64 { return float64(d.blockCache.Metrics().Misses) }),
		counter("bloom_negatives_total", "Table lookups skipped by a bloom filter.", load(&d.metrics.bloomNegatives)),
		counter("flushes_total", "Memtables flushed to level 0.", load(&d.metrics.flushes)),
		counter("flushed_bytes_total", "Bytes written by flushes.", load(&d.metrics.flushedBytes)),
		counter("compactions_total", "Completed compactions.", load(&d.metrics.compactions)),
		counter("compacted_bytes_in_total", "Table bytes read by compactions.", load(&d.metrics.compactedIn)),
		counter("compacted_bytes_out_total", "Table bytes written by compactions.", load(&d.metrics.compactedOut)),
		counter("write_stalls_total", "Writes that waited for a memtable flush.", load(&d.metrics.writeStalls)),
		gauge("block_cache_size_bytes", "Bytes held by the block cache.", nil,
			func() float64 { return float64(d.blockCache.Size()) }),
	}
	for level := 0; level < d.opts.NumLevels; level++ {
		level := level
		labels := prometheus.Labels{"level": strconv.Itoa(level)}
		cs = append(cs,
			gauge("level_files", "Tables per level.", labels, func() float64 {
				return float64(d.versions.currentVersion().numFiles(level))
			}),
			gauge("level_size_bytes", "Table bytes per level.", labels, func() float64 {
				return float64(d.versions.currentVersion().levelSize(level))
			}),
		)
	}
	for i, c := range cs {
		if err := reg.Register(c); err != nil {
			for _, done := range cs[:i] {
				reg.Unregister(done)
			}
			return nil, errors.Wrap(err, "lsm: registering metrics")
		}
	}
	return cs, nil
}
