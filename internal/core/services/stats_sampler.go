package services

import (
	"math"

	"camwatch/internal/core/domain"
	"camwatch/internal/core/ports"
)

// SampleStats reads playback telemetry from a sink. Buffered-ahead is measured
// against the last buffered range and never negative. Non-finite durations,
// as reported for live streams, are recorded as 0.
func SampleStats(sink ports.Sink) domain.Stats {
	current := finite(sink.CurrentTime())
	stats := domain.Stats{
		CurrentTime: current,
		Duration:    finite(sink.Duration()),
	}

	if ranges := sink.Buffered(); len(ranges) > 0 {
		if ahead := finite(ranges[len(ranges)-1].End) - current; ahead > 0 {
			stats.BufferedAhead = ahead
		}
	}

	if counter, ok := sink.(ports.DroppedFrameCounter); ok {
		dropped := counter.DroppedFrames()
		stats.DroppedFrames = &dropped
	}
	return stats
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
