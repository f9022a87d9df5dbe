// Package syshealth scores host pressure from CPU load, I/O wait, memory,
// and database pool utilization, and feeds that score to workers that can
// shed load.
package syshealth

import "time"

// HealthZone buckets the score into the bands the scaler acts on.
type HealthZone string

const (
	// HealthZoneCritical covers scores 0-33.
	HealthZoneCritical HealthZone = "critical"
	// HealthZoneWarning covers scores 34-66.
	HealthZoneWarning HealthZone = "warning"
	// HealthZoneSafe covers scores 67-100.
	HealthZoneSafe HealthZone = "safe"
)

// HealthMetrics is one scored snapshot of the host.
type HealthMetrics struct {
	// Score is 0-100, higher is healthier.
	Score int
	Zone  HealthZone

	CPULoadAvg    float64
	IOWaitPercent float64
	MemoryPercent float64
	DBPoolPercent float64

	Timestamp time.Time
	// Stale marks a snapshot older than the staleness threshold. Consumers
	// should treat stale data pessimistically.
	Stale bool
}

// Monitor collects health snapshots in the background.
type Monitor interface {
	Start() error
	Stop() error
	// GetHealth returns the latest snapshot, with Stale set when collection
	// has fallen behind.
	GetHealth() *HealthMetrics
}
