// Package metrics exposes ring writer, reader and follower counters to
// Prometheus. Nothing is registered globally; callers own the registry.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nmxmxh/tickring/kernel/threads/ring"
	"github.com/nmxmxh/tickring/kernel/threads/sab"
)

const DefaultNamespace = "tickring"

// WriterSource is implemented by *ring.Writer.
type WriterSource interface {
	Stats() ring.WriterStats
	Geometry() sab.Geometry
}

// ReaderSource is implemented by *ring.Reader.
type ReaderSource interface {
	Stats() ring.ReaderStats
}

// FollowerSource is implemented by *ring.Follower.
type FollowerSource interface {
	Status() ring.Status
	ReaderStats() ring.ReaderStats
}

// Collector reads ring stats at scrape time.
type Collector struct {
	mu       sync.RWMutex
	writer   WriterSource
	reader   ReaderSource
	follower FollowerSource

	slotCount *prometheus.Desc
	slotSize  *prometheus.Desc

	published     *prometheus.Desc
	publishFailed *prometheus.Desc
	latestTick    *prometheus.Desc
	lastPublished *prometheus.Desc

	reads      *prometheus.Desc
	retries    *prometheus.Desc
	staleReads *prometheus.Desc
	expired    *prometheus.Desc
	notReady   *prometheus.Desc
	restarts   *prometheus.Desc

	attached       *prometheus.Desc
	followerTick   *prometheus.Desc
	rate           *prometheus.Desc
	followRestarts *prometheus.Desc
	missed         *prometheus.Desc
}

// NewCollector creates a collector. An empty namespace selects
// DefaultNamespace.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	desc := func(subsystem, name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, nil, nil)
	}

	return &Collector{
		slotCount: desc("ring", "slot_count", "Number of slots in the ring."),
		slotSize:  desc("ring", "slot_size_bytes", "Size of one slot in bytes."),

		published:     desc("writer", "published_total", "Ticks published."),
		publishFailed: desc("writer", "failed_total", "Publish calls that returned an error."),
		latestTick:    desc("writer", "latest_tick", "Last published tick."),
		lastPublished: desc("writer", "last_publish_timestamp_seconds", "Unix time of the last publication."),

		reads:      desc("reader", "reads_total", "Consistent snapshot reads."),
		retries:    desc("reader", "retries_total", "Read attempts retried after overlapping a publish."),
		staleReads: desc("reader", "stale_reads_total", "Reads abandoned after exhausting retries."),
		expired:    desc("reader", "expired_total", "Tick reads for ticks no longer in the ring."),
		notReady:   desc("reader", "not_ready_total", "Reads made before anything was published."),
		restarts:   desc("reader", "restarts_total", "Producer restarts seen by readers."),

		attached:       desc("follower", "attached", "1 when the follower has a ring mapped."),
		followerTick:   desc("follower", "tick", "Last tick delivered by the follower."),
		rate:           desc("follower", "rate_hz", "Delivery rate over the sample window."),
		followRestarts: desc("follower", "restarts_total", "Producer restarts seen by the follower."),
		missed:         desc("follower", "missed_total", "Ticks that expired before delivery."),
	}
}

// WatchWriter reports w's counters on every scrape.
func (c *Collector) WatchWriter(w WriterSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writer = w
}

// WatchReader reports r's counters on every scrape.
func (c *Collector) WatchReader(r ReaderSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reader = r
}

// WatchFollower reports f's status and the totals of every reader it has
// attached. A reader set with WatchReader takes precedence.
func (c *Collector) WatchFollower(f FollowerSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.follower = f
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.slotCount, c.slotSize,
		c.published, c.publishFailed, c.latestTick, c.lastPublished,
		c.reads, c.retries, c.staleReads, c.expired, c.notReady, c.restarts,
		c.attached, c.followerTick, c.rate, c.followRestarts, c.missed,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	writer, reader, follower := c.writer, c.reader, c.follower
	c.mu.RUnlock()

	if writer != nil {
		g := writer.Geometry()
		s := writer.Stats()
		ch <- prometheus.MustNewConstMetric(c.slotCount, prometheus.GaugeValue, float64(g.SlotCount))
		ch <- prometheus.MustNewConstMetric(c.slotSize, prometheus.GaugeValue, float64(g.SlotSize))
		ch <- prometheus.MustNewConstMetric(c.published, prometheus.CounterValue, float64(s.Published))
		ch <- prometheus.MustNewConstMetric(c.publishFailed, prometheus.CounterValue, float64(s.Failed))
		ch <- prometheus.MustNewConstMetric(c.latestTick, prometheus.GaugeValue, float64(s.LatestTick))
		if !s.LastPublished.IsZero() {
			ch <- prometheus.MustNewConstMetric(c.lastPublished, prometheus.GaugeValue,
				float64(s.LastPublished.UnixMilli())/1000)
		}
	}

	if follower != nil {
		st := follower.Status()
		attached := 0.0
		if st.Attached {
			attached = 1
		}
		ch <- prometheus.MustNewConstMetric(c.attached, prometheus.GaugeValue, attached)
		ch <- prometheus.MustNewConstMetric(c.followerTick, prometheus.GaugeValue, float64(st.Tick))
		ch <- prometheus.MustNewConstMetric(c.rate, prometheus.GaugeValue, st.RateHz)
		ch <- prometheus.MustNewConstMetric(c.followRestarts, prometheus.CounterValue, float64(st.Restarts))
		ch <- prometheus.MustNewConstMetric(c.missed, prometheus.CounterValue, float64(st.Missed))

		if reader == nil {
			reader = followerReaders{follower}
		}
	}

	if reader != nil {
		s := reader.Stats()
		ch <- prometheus.MustNewConstMetric(c.reads, prometheus.CounterValue, float64(s.Reads))
		ch <- prometheus.MustNewConstMetric(c.retries, prometheus.CounterValue, float64(s.Retries))
		ch <- prometheus.MustNewConstMetric(c.staleReads, prometheus.CounterValue, float64(s.StaleReads))
		ch <- prometheus.MustNewConstMetric(c.expired, prometheus.CounterValue, float64(s.Expired))
		ch <- prometheus.MustNewConstMetric(c.notReady, prometheus.CounterValue, float64(s.NotReady))
		ch <- prometheus.MustNewConstMetric(c.restarts, prometheus.CounterValue, float64(s.Restarts))
	}
}

type followerReaders struct {
	f FollowerSource
}

func (r followerReaders) Stats() ring.ReaderStats {
	return r.f.ReaderStats()
}

// NewRegistry returns a registry holding c plus the Go runtime and process
// collectors.
func NewRegistry(c *Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		c,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves reg in the Prometheus text format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
