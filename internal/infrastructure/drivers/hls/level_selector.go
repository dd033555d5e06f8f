package hls

import (
	"sync"
	"time"
)

const (
	defaultBandwidthEstimate = 1_000_000 // bps before the first sample
	bandwidthSafetyFactor    = 0.8
)

// LevelSelector picks a ladder level from measured segment throughput. A
// hysteresis band and a minimum interval between switches keep it from
// oscillating around a level boundary.
type LevelSelector struct {
	mu sync.Mutex

	levels   []Level
	current  int
	estimate float64 // bps, EWMA of segment throughput
	samples  int

	alpha             float64
	hysteresisFactor  float64
	minSwitchInterval time.Duration
	lastSwitch        time.Time

	now func() time.Time
}

// NewLevelSelector starts at startLevel when it indexes the ladder, otherwise
// at the best level for the default bandwidth estimate.
func NewLevelSelector(levels []Level, startLevel int) *LevelSelector {
	s := &LevelSelector{
		levels:            levels,
		estimate:          defaultBandwidthEstimate,
		alpha:             0.3,
		hysteresisFactor:  0.15,
		minSwitchInterval: 5 * time.Second,
		now:               time.Now,
	}
	if startLevel >= 0 && startLevel < len(levels) {
		s.current = startLevel
	} else {
		s.current = s.optimal(s.estimate)
	}
	s.lastSwitch = s.now()
	return s
}

func (s *LevelSelector) Current() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *LevelSelector) Estimate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.estimate
}

// AddSample records the download of n bytes that took elapsed.
func (s *LevelSelector) AddSample(n int, elapsed time.Duration) {
	if n <= 0 || elapsed <= 0 {
		return
	}
	bps := float64(n) * 8 / elapsed.Seconds()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.samples == 0 {
		s.estimate = bps
	} else {
		s.estimate = s.alpha*bps + (1-s.alpha)*s.estimate
	}
	s.samples++
}

// Next returns the level to load next and whether it differs from the
// previous one.
func (s *LevelSelector) Next() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.levels) < 2 || s.samples == 0 {
		return s.current, false
	}
	if s.now().Sub(s.lastSwitch) < s.minSwitchInterval {
		return s.current, false
	}

	candidate := s.optimal(s.estimate)
	if candidate == s.current {
		return s.current, false
	}

	usable := s.estimate * bandwidthSafetyFactor
	if candidate < s.current {
		// Downgrade only once the current level is out of reach even with the
		// hysteresis allowance.
		if usable >= float64(s.levels[s.current].Bandwidth)*(1-s.hysteresisFactor) {
			return s.current, false
		}
	} else if usable < float64(s.levels[candidate].Bandwidth)*(1+s.hysteresisFactor) {
		return s.current, false
	}

	s.current = candidate
	s.lastSwitch = s.now()
	return s.current, true
}

// optimal returns the highest level the estimate can sustain. Levels are
// sorted by ascending bandwidth.
func (s *LevelSelector) optimal(estimate float64) int {
	best := 0
	for i, l := range s.levels {
		if float64(l.Bandwidth) <= estimate*bandwidthSafetyFactor {
			best = i
		}
	}
	return best
}
