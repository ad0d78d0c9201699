package nbdcache

import (
	"time"

	"github.com/lab47/nbdcache/pkg/nbd"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Target mode metrics. Proxies keep their own per instance counters in
// Stats.
var (
	targetBlocksRead = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nbdcache_target_blocks_read",
		Help: "The total number of blocks read from target backends",
	})

	targetBlocksWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nbdcache_target_blocks_written",
		Help: "The total number of blocks written to target backends",
	})

	targetReadLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nbdcache_target_read_time",
		Help:    "Time taken by target backend reads",
		Buckets: prometheus.DefBuckets,
	})

	targetWriteLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nbdcache_target_write_time",
		Help:    "Time taken by target backend writes",
		Buckets: prometheus.DefBuckets,
	})

	targetErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nbdcache_target_errors",
		Help: "The total number of failed target backend operations",
	})

	TargetConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nbdcache_target_connections",
		Help: "The number of clients connected to the target server",
	})
)

type meteredBackend struct {
	nbd.Backend
}

// MeteredBackend records target metrics for every read and write on b.
func MeteredBackend(b nbd.Backend) nbd.Backend {
	return meteredBackend{b}
}

func blocksIn(n int) float64 {
	return float64((n + BlockSize - 1) / BlockSize)
}

func (m meteredBackend) ReadAt(p []byte, off int64) (int, error) {
	start := time.Now()

	n, err := m.Backend.ReadAt(p, off)

	targetReadLatency.Observe(time.Since(start).Seconds())
	targetBlocksRead.Add(blocksIn(n))

	if err != nil && n != len(p) {
		targetErrors.Inc()
	}

	return n, err
}

func (m meteredBackend) WriteAt(p []byte, off int64) (int, error) {
	start := time.Now()

	n, err := m.Backend.WriteAt(p, off)

	targetWriteLatency.Observe(time.Since(start).Seconds())
	targetBlocksWritten.Add(blocksIn(n))

	if err != nil {
		targetErrors.Inc()
	}

	return n, err
}
