package syshealth

import (
	"math"
	"sync"
	"time"
)

// ConcurrencyScaler adjusts worker concurrency based on system health.
// Each queue worker owns one scaler; scalers share the Monitor.
type ConcurrencyScaler struct {
	monitor Monitor
	queue   string

	// State tracking
	mu                 sync.Mutex
	enabled            bool
	minConcurrency     int
	maxConcurrency     int
	currentConcurrency int
	lastAdjustment     time.Time
}

// NewConcurrencyScaler creates a new ConcurrencyScaler for the named queue.
func NewConcurrencyScaler(monitor Monitor, queue string, enabled bool, min, max int) *ConcurrencyScaler {
	if min < 1 {
		min = 1
	}
	if max < min {
		max = min
	}

	return &ConcurrencyScaler{
		monitor:            monitor,
		queue:              queue,
		enabled:            enabled,
		minConcurrency:     min,
		maxConcurrency:     max,
		currentConcurrency: max, // start at max, will scale down if needed
		lastAdjustment:     time.Now(),
	}
}

// UpdateConfig replaces the scaler bounds at runtime. The current level is
// clamped into the new range on the next GetConcurrency call.
func (s *ConcurrencyScaler) UpdateConfig(enabled bool, min, max int) {
	if min < 1 {
		min = 1
	}
	if max < min {
		max = min
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = enabled
	s.minConcurrency = min
	s.maxConcurrency = max
}

// GetConcurrency returns the currently allowed concurrency based on health.
// staticValue is returned unchanged when scaling is disabled.
func (s *ConcurrencyScaler) GetConcurrency(staticValue int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.enabled {
		return staticValue
	}

	health := s.monitor.GetHealth()
	now := time.Now()
	timeSinceLastAdj := now.Sub(s.lastAdjustment)

	// Stale health data is trusted no further than the warning zone.
	zone := health.Zone
	reason := string(zone)
	if health.Stale {
		zone = HealthZoneWarning
		reason = "stale_health"
	}

	targetConcurrency := s.currentConcurrency

	switch zone {
	case HealthZoneCritical:
		targetConcurrency = s.minConcurrency
	case HealthZoneWarning:
		// 50% of max
		targetConcurrency = int(math.Max(float64(s.minConcurrency), float64(s.maxConcurrency)*0.5))
	case HealthZoneSafe:
		targetConcurrency = s.maxConcurrency
	}

	if targetConcurrency < s.currentConcurrency {
		// Decreasing: 1 minute cooldown, bypassed entirely in the critical
		// zone so an overloaded host sheds work immediately.
		if zone == HealthZoneCritical {
			s.adjust(targetConcurrency, "down", reason, now)
		} else if timeSinceLastAdj >= 1*time.Minute {
			s.adjust(targetConcurrency, "down", reason, now)
		}
	} else if targetConcurrency > s.currentConcurrency {
		// Increasing: wait 5 minutes and step up by at most 50% so recovery
		// doesn't slam the host straight back into the warning zone.
		if timeSinceLastAdj >= 5*time.Minute {
			maxIncrease := int(math.Max(1.0, float64(s.currentConcurrency)*0.5))
			next := int(math.Min(float64(targetConcurrency), float64(s.currentConcurrency+maxIncrease)))
			s.adjust(next, "up", reason, now)
		}
	}

	// Final safety bounds check
	if s.currentConcurrency < s.minConcurrency {
		s.currentConcurrency = s.minConcurrency
	}
	if s.currentConcurrency > s.maxConcurrency {
		s.currentConcurrency = s.maxConcurrency
	}

	WorkerConcurrency.WithLabelValues(s.queue).Set(float64(s.currentConcurrency))
	return s.currentConcurrency
}

// adjust applies a concurrency change and records it. Callers hold s.mu.
func (s *ConcurrencyScaler) adjust(target int, direction, reason string, now time.Time) {
	withheld := s.currentConcurrency - target
	s.currentConcurrency = target
	s.lastAdjustment = now

	WorkerAdjustments.WithLabelValues(s.queue, direction, reason).Inc()
	if withheld > 0 {
		JobsThrottled.WithLabelValues(s.queue).Add(float64(withheld))
	}
}
