package p2p

import (
	"sync"
	"sync/atomic"
	"time"
)

const maxLatencySamples = 100

// Metrics collects counters for peer sharing. Counters are atomic so
// the server and client update them without locking; the fetch latency
// ring is guarded separately.
type Metrics struct {
	startTime time.Time

	// Inbound, one per server pipeline outcome.
	RequestsServed        atomic.Int64
	RequestsDeniedAuth    atomic.Int64
	RequestsDeniedConsent atomic.Int64
	RequestsNotFound      atomic.Int64
	RequestsThrottled     atomic.Int64
	BytesServed           atomic.Int64

	// Outbound.
	FetchAttempts atomic.Int64
	FetchHits     atomic.Int64
	FetchMisses   atomic.Int64
	BytesFetched  atomic.Int64

	latencyMu    sync.RWMutex
	fetchLatency []time.Duration
	latencyIndex int
}

// NewMetrics creates a metrics collector.
func NewMetrics() *Metrics {
	return &Metrics{
		startTime:    time.Now(),
		fetchLatency: make([]time.Duration, maxLatencySamples),
	}
}

// RecordFetchLatency records the duration of a successful peer fetch.
func (m *Metrics) RecordFetchLatency(d time.Duration) {
	m.latencyMu.Lock()
	m.fetchLatency[m.latencyIndex] = d
	m.latencyIndex = (m.latencyIndex + 1) % maxLatencySamples
	m.latencyMu.Unlock()
}

// Snapshot is a point-in-time view of all P2P metrics.
type Snapshot struct {
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`

	Counters CounterMetrics `json:"counters"`
	Latency  LatencyMetrics `json:"fetch_latency"`
}

// CounterMetrics holds the cumulative counters.
type CounterMetrics struct {
	RequestsServed        int64 `json:"requests_served"`
	RequestsDeniedAuth    int64 `json:"requests_denied_auth"`
	RequestsDeniedConsent int64 `json:"requests_denied_consent"`
	RequestsNotFound      int64 `json:"requests_not_found"`
	RequestsThrottled     int64 `json:"requests_throttled"`
	BytesServed           int64 `json:"bytes_served"`
	FetchAttempts         int64 `json:"fetch_attempts"`
	FetchHits             int64 `json:"fetch_hits"`
	FetchMisses           int64 `json:"fetch_misses"`
	BytesFetched          int64 `json:"bytes_fetched"`
}

// LatencyMetrics summarizes the recent fetch latency samples.
type LatencyMetrics struct {
	AvgMs float64 `json:"avg_ms"`
	P95Ms float64 `json:"p95_ms"`
	MaxMs float64 `json:"max_ms"`
}

// Snapshot returns a point-in-time view of all metrics.
func (m *Metrics) Snapshot() *Snapshot {
	now := time.Now()

	return &Snapshot{
		Timestamp: now,
		Uptime:    now.Sub(m.startTime).Round(time.Second).String(),
		Counters: CounterMetrics{
			RequestsServed:        m.RequestsServed.Load(),
			RequestsDeniedAuth:    m.RequestsDeniedAuth.Load(),
			RequestsDeniedConsent: m.RequestsDeniedConsent.Load(),
			RequestsNotFound:      m.RequestsNotFound.Load(),
			RequestsThrottled:     m.RequestsThrottled.Load(),
			BytesServed:           m.BytesServed.Load(),
			FetchAttempts:         m.FetchAttempts.Load(),
			FetchHits:             m.FetchHits.Load(),
			FetchMisses:           m.FetchMisses.Load(),
			BytesFetched:          m.BytesFetched.Load(),
		},
		Latency: m.latencyStats(),
	}
}

func (m *Metrics) latencyStats() LatencyMetrics {
	m.latencyMu.RLock()
	defer m.latencyMu.RUnlock()

	var valid []time.Duration
	for _, d := range m.fetchLatency {
		if d > 0 {
			valid = append(valid, d)
		}
	}
	if len(valid) == 0 {
		return LatencyMetrics{}
	}

	var total time.Duration
	maxVal := time.Duration(0)
	for _, d := range valid {
		total += d
		if d > maxVal {
			maxVal = d
		}
	}
	avg := total / time.Duration(len(valid))

	// Insertion sort; the sample window is small.
	sorted := make([]time.Duration, len(valid))
	copy(sorted, valid)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j] < sorted[j-1]; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}

	p95Index := int(float64(len(sorted)) * 0.95)
	if p95Index >= len(sorted) {
		p95Index = len(sorted) - 1
	}

	return LatencyMetrics{
		AvgMs: float64(avg.Microseconds()) / 1000,
		P95Ms: float64(sorted[p95Index].Microseconds()) / 1000,
		MaxMs: float64(maxVal.Microseconds()) / 1000,
	}
}
