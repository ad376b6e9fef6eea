package observability

import (
	"sync"
	"sync/atomic"
	"time"
)

// Metrics collects and aggregates metrics for chat turns.
type Metrics struct {
	mu sync.Mutex

	// Counters
	turnTotal     atomic.Int64
	turnFailed    atomic.Int64
	turnCanceled  atomic.Int64
	streamChunks  atomic.Int64
	activeStreams atomic.Int64

	// Provider-specific metrics
	providerMetrics map[string]*ProviderMetrics

	// Duration window (simplified for internal use)
	durations    []time.Duration
	maxDurations int
}

// ProviderMetrics represents metrics for one LLM provider.
type ProviderMetrics struct {
	turnCount     atomic.Int64
	totalDuration atomic.Int64 // milliseconds
	errorCount    atomic.Int64
}

// NewMetrics creates a new metrics collector.
func NewMetrics(maxDurations int) *Metrics {
	if maxDurations <= 0 {
		maxDurations = 1000
	}
	return &Metrics{
		providerMetrics: make(map[string]*ProviderMetrics),
		durations:       make([]time.Duration, 0, maxDurations),
		maxDurations:    maxDurations,
	}
}

// RecordTurnStart records a turn entering generation.
func (m *Metrics) RecordTurnStart(provider string) {
	m.turnTotal.Add(1)
	m.activeStreams.Add(1)
	m.getProviderMetrics(provider).turnCount.Add(1)
}

// RecordTurnEnd records a finished turn. failed and canceled are mutually exclusive.
func (m *Metrics) RecordTurnEnd(provider string, duration time.Duration, failed, canceled bool) {
	m.activeStreams.Add(-1)
	pm := m.getProviderMetrics(provider)
	switch {
	case canceled:
		m.turnCanceled.Add(1)
	case failed:
		m.turnFailed.Add(1)
		pm.errorCount.Add(1)
	}

	m.mu.Lock()
	if len(m.durations) >= m.maxDurations {
		m.durations = m.durations[1:]
	}
	m.durations = append(m.durations, duration)
	m.mu.Unlock()
	pm.totalDuration.Add(duration.Milliseconds())
}

// RecordStreamChunk records a stream chunk sent.
func (m *Metrics) RecordStreamChunk() {
	m.streamChunks.Add(1)
}

func (m *Metrics) getProviderMetrics(provider string) *ProviderMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.providerMetrics[provider]; !ok {
		m.providerMetrics[provider] = &ProviderMetrics{}
	}
	return m.providerMetrics[provider]
}

// Snapshot returns a snapshot of current metrics.
func (m *Metrics) Snapshot() *MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	providers := make(map[string]*ProviderMetricsSnapshot, len(m.providerMetrics))
	for provider, pm := range m.providerMetrics {
		count := pm.turnCount.Load()
		snapshot := &ProviderMetricsSnapshot{
			TurnCount:     count,
			TotalDuration: pm.totalDuration.Load(),
			ErrorCount:    pm.errorCount.Load(),
		}
		if count > 0 {
			snapshot.AverageDuration = snapshot.TotalDuration / count
		}
		providers[provider] = snapshot
	}

	return &MetricsSnapshot{
		TurnTotal:     m.turnTotal.Load(),
		TurnFailed:    m.turnFailed.Load(),
		TurnCanceled:  m.turnCanceled.Load(),
		StreamChunks:  m.streamChunks.Load(),
		ActiveStreams: m.activeStreams.Load(),
		Providers:     providers,
		DurationCount: len(m.durations),
	}
}

// MetricsSnapshot represents a point-in-time snapshot of metrics.
type MetricsSnapshot struct {
	TurnTotal     int64                               `json:"turn_total"`
	TurnFailed    int64                               `json:"turn_failed"`
	TurnCanceled  int64                               `json:"turn_canceled"`
	StreamChunks  int64                               `json:"stream_chunks"`
	ActiveStreams int64                               `json:"active_streams"`
	Providers     map[string]*ProviderMetricsSnapshot `json:"providers"`
	DurationCount int                                 `json:"duration_count"`
}

// ProviderMetricsSnapshot represents metrics for one provider.
type ProviderMetricsSnapshot struct {
	TurnCount       int64 `json:"turn_count"`
	TotalDuration   int64 `json:"total_duration_ms"`
	ErrorCount      int64 `json:"error_count"`
	AverageDuration int64 `json:"average_duration_ms"`
}

// SuccessRate returns the success rate as a percentage (0-100). Canceled turns count as neither.
func (s *MetricsSnapshot) SuccessRate() float64 {
	finished := s.TurnTotal - s.TurnCanceled - s.ActiveStreams
	if finished <= 0 {
		return 100.0
	}
	return float64(finished-s.TurnFailed) / float64(finished) * 100.0
}
