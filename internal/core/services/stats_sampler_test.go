package services

import (
	"math"
	"testing"

	"camwatch/internal/core/ports"
	"camwatch/tests/testutils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSampleStats(t *testing.T) {
	tests := []struct {
		name     string
		buffered []ports.TimeRange
		current  float64
		duration float64
		want     [3]float64 // buffered ahead, current, duration
	}{
		{"empty", nil, 0, 0, [3]float64{0, 0, 0}},
		{"vod", []ports.TimeRange{{Start: 0, End: 25}}, 10, 120, [3]float64{15, 10, 120}},
		{"last range wins", []ports.TimeRange{{Start: 0, End: 30}, {Start: 50, End: 52}}, 10, 120, [3]float64{42, 10, 120}},
		{"behind playhead", []ports.TimeRange{{Start: 0, End: 5}}, 8, 120, [3]float64{0, 8, 120}},
		{"live infinite duration", []ports.TimeRange{{Start: 100, End: 106}}, 103, math.Inf(1), [3]float64{3, 103, 0}},
		{"nan duration", nil, 1, math.NaN(), [3]float64{0, 1, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := testutils.NewFakeSink()
			sink.SetTimeline(tt.buffered, tt.current, tt.duration)

			stats := SampleStats(sink)
			assert.Equal(t, tt.want[0], stats.BufferedAhead)
			assert.Equal(t, tt.want[1], stats.CurrentTime)
			assert.Equal(t, tt.want[2], stats.Duration)
			assert.Nil(t, stats.DroppedFrames)
		})
	}
}

func TestSampleStats_DroppedFrames(t *testing.T) {
	sink := testutils.CountingSink{FakeSink: testutils.NewFakeSink()}
	sink.SetDroppedFrames(7)

	stats := SampleStats(sink)
	require.NotNil(t, stats.DroppedFrames)
	assert.Equal(t, 7, *stats.DroppedFrames)
}
