package services

import (
	"sync"
	"time"

	"camwatch/internal/core/domain"
	"camwatch/internal/core/ports"
)

// MetricsService keeps lifetime session counters and forwards every
// measurement to an optional downstream recorder such as Prometheus.
type MetricsService struct {
	mu sync.RWMutex

	started map[domain.Protocol]int64
	failed  map[domain.Protocol]int64
	stopped map[domain.Protocol]int64

	startupTotal time.Duration
	startupCount int64

	downstream ports.MetricsRecorder
}

func NewMetricsService(downstream ports.MetricsRecorder) *MetricsService {
	return &MetricsService{
		started:    make(map[domain.Protocol]int64),
		failed:     make(map[domain.Protocol]int64),
		stopped:    make(map[domain.Protocol]int64),
		downstream: downstream,
	}
}

func (m *MetricsService) SessionStarted(protocol domain.Protocol) {
	m.mu.Lock()
	m.started[protocol]++
	m.mu.Unlock()

	if m.downstream != nil {
		m.downstream.SessionStarted(protocol)
	}
}

func (m *MetricsService) SessionPlaying(protocol domain.Protocol, startup time.Duration) {
	m.mu.Lock()
	m.startupTotal += startup
	m.startupCount++
	m.mu.Unlock()

	if m.downstream != nil {
		m.downstream.SessionPlaying(protocol, startup)
	}
}

func (m *MetricsService) SessionFailed(protocol domain.Protocol, reason string) {
	m.mu.Lock()
	m.failed[protocol]++
	m.mu.Unlock()

	if m.downstream != nil {
		m.downstream.SessionFailed(protocol, reason)
	}
}

func (m *MetricsService) SessionStopped(protocol domain.Protocol) {
	m.mu.Lock()
	m.stopped[protocol]++
	m.mu.Unlock()

	if m.downstream != nil {
		m.downstream.SessionStopped(protocol)
	}
}

func (m *MetricsService) SnapshotTaken(duration time.Duration) {
	if m.downstream != nil {
		m.downstream.SnapshotTaken(duration)
	}
}

// Summary combines the lifetime counters with a view of the live sessions.
func (m *MetricsService) Summary(sessions []*domain.StreamSession) *domain.OrchestratorMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	summary := &domain.OrchestratorMetrics{
		ActiveSessions: len(sessions),
		ByProtocol:     make(map[domain.Protocol]int),
		ByState:        make(map[domain.State]int),
		Started:        copyCounts(m.started),
		Failed:         copyCounts(m.failed),
		Stopped:        copyCounts(m.stopped),
		Timestamp:      time.Now(),
	}
	for _, s := range sessions {
		summary.ByProtocol[s.Protocol]++
		summary.ByState[s.State]++
	}
	if m.startupCount > 0 {
		summary.AvgStartup = m.startupTotal / time.Duration(m.startupCount)
	}
	return summary
}

func copyCounts(in map[domain.Protocol]int64) map[domain.Protocol]int64 {
	out := make(map[domain.Protocol]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
