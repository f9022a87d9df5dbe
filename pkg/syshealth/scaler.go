package syshealth

import (
	"sync"
	"time"
)

// Adjustment cooldowns. Backing off is fast, recovering is slow, so a
// flapping host settles at the lower concurrency.
const (
	decreaseCooldown = 1 * time.Minute
	increaseCooldown = 5 * time.Minute
)

// ConcurrencyScaler maps the health zone to a concurrency grant between min
// and max. Critical pins to min immediately, warning targets half of max,
// safe recovers toward max in steps of at most 50% per cooldown window.
type ConcurrencyScaler struct {
	monitor Monitor
	worker  string
	enabled bool
	min     int
	max     int

	mu         sync.Mutex
	current    int
	lastChange time.Time
}

// NewConcurrencyScaler builds a scaler for one named worker. A disabled
// scaler passes the caller's static value through untouched.
func NewConcurrencyScaler(monitor Monitor, worker string, enabled bool, min, max int) *ConcurrencyScaler {
	if min < 1 {
		min = 1
	}
	if max < min {
		max = min
	}
	return &ConcurrencyScaler{
		monitor:    monitor,
		worker:     worker,
		enabled:    enabled,
		min:        min,
		max:        max,
		current:    max,
		lastChange: time.Now(),
	}
}

// GetConcurrency returns the grant for this cycle. staticValue is returned
// as-is when scaling is disabled.
func (s *ConcurrencyScaler) GetConcurrency(staticValue int) int {
	if !s.enabled {
		return staticValue
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	health := s.monitor.GetHealth()
	zone := health.Zone
	// Stale data reads as warning: better to run at half speed than to
	// trust a snapshot the monitor stopped refreshing.
	if health.Stale {
		zone = HealthZoneWarning
	}

	target := s.current
	switch zone {
	case HealthZoneCritical:
		target = s.min
	case HealthZoneWarning:
		target = s.max / 2
		if target < s.min {
			target = s.min
		}
	case HealthZoneSafe:
		target = s.max
	}

	now := time.Now()
	elapsed := now.Sub(s.lastChange)

	switch {
	case target < s.current:
		// Critical bypasses the cooldown.
		if zone == HealthZoneCritical || elapsed >= decreaseCooldown {
			s.current = target
			s.lastChange = now
			WorkerAdjustments.WithLabelValues(s.worker, "down").Inc()
		}
	case target > s.current:
		if elapsed >= increaseCooldown {
			step := s.current / 2
			if step < 1 {
				step = 1
			}
			s.current += step
			if s.current > target {
				s.current = target
			}
			s.lastChange = now
			WorkerAdjustments.WithLabelValues(s.worker, "up").Inc()
		}
	}

	if s.current < s.min {
		s.current = s.min
	}
	if s.current > s.max {
		s.current = s.max
	}

	WorkerConcurrency.WithLabelValues(s.worker).Set(float64(s.current))
	return s.current
}
