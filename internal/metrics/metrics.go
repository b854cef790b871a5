// Package metrics exposes this daemon's counters and gauges through a
// custom prometheus.Collector, following the pattern in
// runZeroInc-sockstats/pkg/exporter: a mutex-protected map of live
// connections keyed by an opaque ID, with Describe/Collect deriving the
// exported series from that map instead of updating prometheus metric
// objects directly on every packet.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/xid"
)

// ConnID correlates a connection across logs and metrics, in place of
// the teacher's bare Quad-as-identity — several teacher debug lines
// printed the full quad for this purpose, which this replaces with a
// short opaque ID generated at Accept/Connect time.
type ConnID = xid.ID

// NewConnID mints a correlation ID, grounded on runZeroInc-sockstats'
// use of xid for the same purpose (short, sortable, lock-free to
// generate).
func NewConnID() ConnID { return xid.New() }

type connEntry struct {
	state    string
	bytesIn  uint64
	bytesOut uint64
}

// Collector is a prometheus.Collector tracking per-connection byte
// counts and state alongside a process-wide dropped-segment counter.
// Shaped after exporter.TCPInfoCollector: Add/Remove manage the
// tracked set, Collect derives series from it on each scrape rather
// than keeping live prometheus.Gauge/Counter handles per connection.
type Collector struct {
	mu      sync.Mutex
	conns   map[ConnID]*connEntry
	dropped uint64

	bytesInDesc   *prometheus.Desc
	bytesOutDesc  *prometheus.Desc
	connStateDesc *prometheus.Desc
	droppedDesc   *prometheus.Desc
}

// NewCollector builds a Collector whose series are namespaced under
// the given subsystem (e.g. "tuntcp").
func NewCollector(subsystem string) *Collector {
	return &Collector{
		conns: make(map[ConnID]*connEntry),
		bytesInDesc: prometheus.NewDesc(
			subsystem+"_connection_bytes_in_total",
			"Bytes received on a connection.",
			[]string{"conn_id"}, nil),
		bytesOutDesc: prometheus.NewDesc(
			subsystem+"_connection_bytes_out_total",
			"Bytes sent on a connection.",
			[]string{"conn_id"}, nil),
		connStateDesc: prometheus.NewDesc(
			subsystem+"_connection_state",
			"Connections currently in each TCP state.",
			[]string{"state"}, nil),
		droppedDesc: prometheus.NewDesc(
			subsystem+"_segments_dropped_total",
			"Segments dropped by the packet-processing thread (bad checksum, malformed header).",
			nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.bytesInDesc
	ch <- c.bytesOutDesc
	ch <- c.connStateDesc
	ch <- c.droppedDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	byState := make(map[string]int)
	for id, e := range c.conns {
		ch <- prometheus.MustNewConstMetric(c.bytesInDesc, prometheus.CounterValue, float64(e.bytesIn), id.String())
		ch <- prometheus.MustNewConstMetric(c.bytesOutDesc, prometheus.CounterValue, float64(e.bytesOut), id.String())
		byState[e.state]++
	}
	for state, n := range byState {
		ch <- prometheus.MustNewConstMetric(c.connStateDesc, prometheus.GaugeValue, float64(n), state)
	}
	ch <- prometheus.MustNewConstMetric(c.droppedDesc, prometheus.CounterValue, float64(c.dropped))
}

// Track starts tracking a new connection under id, reporting state.
func (c *Collector) Track(id ConnID, state string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conns[id] = &connEntry{state: state}
}

// UpdateState records a connection's current TCP state for the next scrape.
func (c *Collector) UpdateState(id ConnID, state string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.conns[id]; ok {
		e.state = state
	}
}

// AddBytes accumulates bytes transferred in each direction for id.
func (c *Collector) AddBytes(id ConnID, in, out int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.conns[id]; ok {
		e.bytesIn += uint64(in)
		e.bytesOut += uint64(out)
	}
}

// Untrack stops tracking a connection, e.g. once it reaches Closed.
func (c *Collector) Untrack(id ConnID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.conns, id)
}

// Drop increments the dropped-segment counter.
func (c *Collector) Drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropped++
}
