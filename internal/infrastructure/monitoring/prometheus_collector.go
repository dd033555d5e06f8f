package monitoring

import (
	"time"

	"camwatch/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	// Counters
	sessionsStarted *prometheus.CounterVec
	sessionsFailed  *prometheus.CounterVec
	sessionsStopped *prometheus.CounterVec
	segmentBytes    prometheus.Counter

	// Histograms
	startupDuration  *prometheus.HistogramVec
	segmentDownload  prometheus.Histogram
	snapshotDuration prometheus.Histogram

	// Session table
	sessionsActive *prometheus.GaugeVec

	registerer prometheus.Registerer
}

// NewPrometheusCollector registers the camwatch metrics with reg, or with the
// default registry when reg is nil.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		sessionsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "camwatch_sessions_started_total",
			Help: "Total number of stream sessions started",
		}, []string{"protocol"}),

		sessionsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "camwatch_sessions_failed_total",
			Help: "Total number of stream sessions that failed",
		}, []string{"protocol", "reason"}),

		sessionsStopped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "camwatch_sessions_stopped_total",
			Help: "Total number of stream sessions stopped",
		}, []string{"protocol"}),

		segmentBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "camwatch_hls_segment_bytes_total",
			Help: "Total HLS segment bytes downloaded",
		}),

		startupDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "camwatch_session_startup_seconds",
			Help:    "Time from start request to first playing state",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}, []string{"protocol"}),

		segmentDownload: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "camwatch_hls_segment_download_duration_seconds",
			Help:    "Duration of HLS segment downloads",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		}),

		snapshotDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "camwatch_snapshot_duration_seconds",
			Help:    "Duration of snapshot captures",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}),

		sessionsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "camwatch_sessions_active",
			Help: "Registered sessions by protocol and state",
		}, []string{"protocol", "state"}),

		registerer: reg,
	}
}

func (p *PrometheusCollector) SessionStarted(protocol domain.Protocol) {
	p.sessionsStarted.WithLabelValues(string(protocol)).Inc()
}

func (p *PrometheusCollector) SessionPlaying(protocol domain.Protocol, startup time.Duration) {
	p.startupDuration.WithLabelValues(string(protocol)).Observe(startup.Seconds())
}

func (p *PrometheusCollector) SessionFailed(protocol domain.Protocol, reason string) {
	p.sessionsFailed.WithLabelValues(string(protocol), reason).Inc()
}

func (p *PrometheusCollector) SessionStopped(protocol domain.Protocol) {
	p.sessionsStopped.WithLabelValues(string(protocol)).Inc()
}

func (p *PrometheusCollector) RecordSegmentDownload(bytes int, duration time.Duration) {
	p.segmentBytes.Add(float64(bytes))
	p.segmentDownload.Observe(duration.Seconds())
}

func (p *PrometheusCollector) SnapshotTaken(duration time.Duration) {
	p.snapshotDuration.Observe(duration.Seconds())
}

// UpdateSessions replaces the session table gauges with counts from sessions.
func (p *PrometheusCollector) UpdateSessions(sessions []*domain.StreamSession) {
	p.sessionsActive.Reset()
	for _, s := range sessions {
		p.sessionsActive.WithLabelValues(string(s.Protocol), string(s.State)).Inc()
	}
}

// RegisterDroppedEvents exposes the registry's dropped subscriber event count.
func (p *PrometheusCollector) RegisterDroppedEvents(dropped func() uint64) {
	promauto.With(p.registerer).NewCounterFunc(prometheus.CounterOpts{
		Name: "camwatch_session_events_dropped_total",
		Help: "Session events dropped for slow subscribers",
	}, func() float64 { return float64(dropped()) })
}
