package lsm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func gatherValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) (float64, bool) {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue metrics
				}
			}
			return metricValue(m), true
		}
	}
	return 0, false
}

func metricValue(m *dto.Metric) float64 {
	switch {
	case m.Counter != nil:
		return m.GetCounter().GetValue()
	case m.Gauge != nil:
		return m.GetGauge().GetValue()
	case m.Histogram != nil:
		return float64(m.GetHistogram().GetSampleCount())
	}
	return 0
}

func TestMetricsExportedThroughRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	dir := t.TempDir()
	opts := Options{Dir: dir, MetricsRegisterer: reg, FsyncPolicy: "always", DisableAutomaticCompactions: true}
	db := openTestDB(t, opts)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		require.NoError(t, db.Put(ctx, testKey(i), testValue(i), nil))
	}
	require.NoError(t, db.Flush(ctx))
	// Absent keys inside the table's range reach its bloom filter.
	for i := 0; i < 50; i++ {
		requireAbsent(t, db, []byte(fmt.Sprintf("key-%06d-missing", i)))
	}
	requireGet(t, db, testKey(5), testValue(5))

	v, ok := gatherValue(t, reg, "lsm_flushes_total", nil)
	require.True(t, ok)
	require.Equal(t, float64(1), v)
	v, ok = gatherValue(t, reg, "lsm_level_files", map[string]string{"level": "0"})
	require.True(t, ok)
	require.Equal(t, float64(1), v)
	v, ok = gatherValue(t, reg, "lsm_wal_fsync_latency_seconds", nil)
	require.True(t, ok)
	require.GreaterOrEqual(t, v, float64(100))
	v, ok = gatherValue(t, reg, "lsm_bloom_negatives_total", nil)
	require.True(t, ok)
	require.Positive(t, v)

	m := db.Metrics()
	require.Equal(t, int64(1), m.Flushes)
	require.Positive(t, m.FlushedBytes)
	require.Positive(t, m.BlockCache.Misses)
	require.Equal(t, 1, m.Levels[0].NumFiles)
	require.Equal(t, db.visibleSeq.Load(), m.VisibleSequenceNumber)

	// Collectors leave the registry on Close so the directory can be reopened
	// with the same one.
	require.NoError(t, db.Close())
	_, ok = gatherValue(t, reg, "lsm_flushes_total", nil)
	require.False(t, ok)
	db = openTestDB(t, opts)
	require.NoError(t, db.Close())
}

func TestWALTruncationCounted(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, Options{Dir: dir})
	ctx := context.Background()
	require.NoError(t, db.Put(ctx, []byte("a"), []byte("1"), &WriteOptions{Sync: true}))
	walPath := filepath.Join(dir, walFileName(db.mu.mem.logNum))
	require.NoError(t, db.Close())

	f, err := os.OpenFile(walPath, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0xff, 0x00, 0x00})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	db = openTestDB(t, Options{Dir: dir})
	defer db.Close()
	require.Equal(t, int64(1), db.Metrics().WALTruncations)
	requireGet(t, db, []byte("a"), []byte("1"))
}
