package nbdcache

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// StatsSink receives cache events from the forwarder.
type StatsSink interface {
	ReadBlock()
	WriteBlock()
	Hit()
	Miss()
	OnDemandRead()
	OnDemandWrite()
	Retried()
}

// Stats holds the counters of a single proxy. Each proxy owns its own set
// so several can run in one process.
type Stats struct {
	readBlocks    prometheus.Counter
	writeBlocks   prometheus.Counter
	hits          prometheus.Counter
	misses        prometheus.Counter
	onDemandRead  prometheus.Counter
	onDemandWrite prometheus.Counter
	retries       prometheus.Counter
	reconnects    prometheus.Counter

	requestLatency prometheus.Histogram
}

func NewStats(id string) *Stats {
	labels := prometheus.Labels{"proxy": id}

	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}

	return &Stats{
		readBlocks:    counter("nbdcache_blocks_read", "The total number of blocks read by clients"),
		writeBlocks:   counter("nbdcache_blocks_written", "The total number of blocks written by clients"),
		hits:          counter("nbdcache_cache_hits", "Number of times a block was already cached"),
		misses:        counter("nbdcache_cache_misses", "Number of times a block had to be fetched upstream"),
		onDemandRead:  counter("nbdcache_ondemand_read_blocks", "Blocks cached because a client read them"),
		onDemandWrite: counter("nbdcache_ondemand_write_blocks", "Blocks cached because a client wrote them"),
		retries:       counter("nbdcache_retries", "Requests routed to the retry queue"),
		reconnects:    counter("nbdcache_reconnects", "Upstream connections established after a failure"),

		requestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "nbdcache_request_time",
			Help:        "Time from admission to reply of client requests",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: labels,
		}),
	}
}

// Register adds every metric to reg.
func (s *Stats) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		s.readBlocks, s.writeBlocks,
		s.hits, s.misses,
		s.onDemandRead, s.onDemandWrite,
		s.retries, s.reconnects,
		s.requestLatency,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}

	return nil
}

func (s *Stats) ReadBlock()     { s.readBlocks.Inc() }
func (s *Stats) WriteBlock()    { s.writeBlocks.Inc() }
func (s *Stats) Hit()           { s.hits.Inc() }
func (s *Stats) Miss()          { s.misses.Inc() }
func (s *Stats) OnDemandRead()  { s.onDemandRead.Inc() }
func (s *Stats) OnDemandWrite() { s.onDemandWrite.Inc() }
func (s *Stats) Retried()       { s.retries.Inc() }
func (s *Stats) Reconnected()   { s.reconnects.Inc() }

func (s *Stats) ObserveRequest(d time.Duration) {
	s.requestLatency.Observe(d.Seconds())
}

// StatsSnapshot is a point in time copy of the counters.
type StatsSnapshot struct {
	ReadBlocks    uint64 `json:"read_blocks" cbor:"read_blocks"`
	WriteBlocks   uint64 `json:"write_blocks" cbor:"write_blocks"`
	Hits          uint64 `json:"hits" cbor:"hits"`
	Misses        uint64 `json:"misses" cbor:"misses"`
	OnDemandRead  uint64 `json:"ondemand_read" cbor:"ondemand_read"`
	OnDemandWrite uint64 `json:"ondemand_write" cbor:"ondemand_write"`
	Retries       uint64 `json:"retries" cbor:"retries"`
	Reconnects    uint64 `json:"reconnects" cbor:"reconnects"`
}

func counterValue(c prometheus.Counter) uint64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}

	return uint64(m.GetCounter().GetValue())
}

func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		ReadBlocks:    counterValue(s.readBlocks),
		WriteBlocks:   counterValue(s.writeBlocks),
		Hits:          counterValue(s.hits),
		Misses:        counterValue(s.misses),
		OnDemandRead:  counterValue(s.onDemandRead),
		OnDemandWrite: counterValue(s.onDemandWrite),
		Retries:       counterValue(s.retries),
		Reconnects:    counterValue(s.reconnects),
	}
}
