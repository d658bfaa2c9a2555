package agendador

import (
	"sync/atomic"
	"time"
)

// MetricID identifies one client counter or histogram.
type MetricID uint16

const (
	// MetricLoginSuccess counts logins that stored a session.
	MetricLoginSuccess MetricID = iota
	MetricLoginFailure
	MetricRegisterSuccess
	MetricRegisterFailure
	MetricLogout
	// MetricRefreshRequested counts callers asking for a refresh, including those
	// that joined an exchange already in flight.
	MetricRefreshRequested
	// MetricRefreshSuccess and the three below count network exchanges, one per
	// single-flight group.
	MetricRefreshSuccess
	MetricRefreshRejected
	MetricRefreshUnavailable
	MetricRefreshNoToken
	MetricRequestRetried
	MetricRequestConnectivityFailure
	// MetricAuthFailure counts OnAuthFailure signals.
	MetricAuthFailure
	MetricSessionCleared
	MetricRenewerTick
	MetricRenewerRenewed
	MetricKeyFetchSuccess
	MetricKeyFetchFailure
	// MetricRequestLatency is a histogram of API attempt latency.
	MetricRequestLatency
	// MetricRefreshLatency is a histogram of refresh exchange latency.
	MetricRefreshLatency
	metricIDCount
)

// latencyBounds are the inclusive upper bounds of the first seven buckets; the
// eighth catches everything slower.
var latencyBounds = [...]time.Duration{
	5 * time.Millisecond,
	10 * time.Millisecond,
	25 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
	250 * time.Millisecond,
	500 * time.Millisecond,
}

const histBucketCount = len(latencyBounds) + 1

var histogramIDs = [...]MetricID{MetricRequestLatency, MetricRefreshLatency}

// counterSlot sits alone on a cache line so hot counters do not false-share.
type counterSlot struct {
	n atomic.Uint64
	_ [56]byte
}

type latencyHistogram [histBucketCount]atomic.Uint64

// Metrics holds lock-free counters. A nil *Metrics is valid and records nothing.
type Metrics struct {
	enabled bool
	latency bool
	slots   [metricIDCount]counterSlot
	hists   [len(histogramIDs)]latencyHistogram
}

// MetricsSnapshot is a point-in-time copy of all metrics. Histogram buckets are
// per-bucket counts, not cumulative.
type MetricsSnapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
}

// NewMetrics returns metrics configured by cfg.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		enabled: cfg.Enabled,
		latency: cfg.Enabled && cfg.EnableLatencyHistograms,
	}
}

func (m *Metrics) Enabled() bool        { return m != nil && m.enabled }
func (m *Metrics) LatencyEnabled() bool { return m != nil && m.latency }

// Inc increments counter id.
func (m *Metrics) Inc(id MetricID) {
	if !m.Enabled() || id >= metricIDCount {
		return
	}
	m.slots[id].n.Add(1)
}

// Observe records d in histogram id. Only latency metrics accept observations.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if !m.LatencyEnabled() {
		return
	}
	if h := histogramSlot(id); h >= 0 {
		m.hists[h][bucketIndex(d)].Add(1)
	}
}

// Value returns the current value of counter id.
func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return m.slots[id].n.Load()
}

// Snapshot copies all counters and, when enabled, all histograms.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		Counters:   map[MetricID]uint64{},
		Histograms: map[MetricID][]uint64{},
	}
	if !m.Enabled() {
		return snap
	}

	for id := MetricID(0); id < metricIDCount; id++ {
		if histogramSlot(id) < 0 {
			snap.Counters[id] = m.slots[id].n.Load()
		}
	}
	if m.latency {
		for h, id := range histogramIDs {
			buckets := make([]uint64, histBucketCount)
			for i := range buckets {
				buckets[i] = m.hists[h][i].Load()
			}
			snap.Histograms[id] = buckets
		}
	}
	return snap
}

// histogramSlot returns the index of id in histogramIDs, or -1.
func histogramSlot(id MetricID) int {
	for i, h := range histogramIDs {
		if h == id {
			return i
		}
	}
	return -1
}

// bucketIndex compares at millisecond precision, so 5.9ms still lands in the
// 5ms bucket.
func bucketIndex(d time.Duration) int {
	ms := time.Duration(d.Milliseconds()) * time.Millisecond
	for i, bound := range latencyBounds {
		if ms <= bound {
			return i
		}
	}
	return len(latencyBounds)
}
