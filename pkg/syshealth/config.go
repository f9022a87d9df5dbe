package syshealth

import "time"

// Config holds the collection cadence and the per-metric warning and
// critical thresholds. CPU load thresholds are factors of the core count,
// the rest are percentages.
type Config struct {
	CollectionInterval time.Duration
	CollectionTimeout  time.Duration
	StalenessThreshold time.Duration

	IOWaitWarningPercent  float64
	IOWaitCriticalPercent float64

	CPULoadWarningFactor  float64
	CPULoadCriticalFactor float64

	MemoryWarningPercent  float64
	MemoryCriticalPercent float64

	DBPoolWarningPercent  float64
	DBPoolCriticalPercent float64
}

// DefaultConfig returns the production tuning.
func DefaultConfig() *Config {
	return &Config{
		CollectionInterval:    30 * time.Second,
		CollectionTimeout:     5 * time.Second,
		StalenessThreshold:    2 * time.Minute,
		IOWaitWarningPercent:  30.0,
		IOWaitCriticalPercent: 40.0,
		CPULoadWarningFactor:  2.0,
		CPULoadCriticalFactor: 3.0,
		MemoryWarningPercent:  85.0,
		MemoryCriticalPercent: 95.0,
		DBPoolWarningPercent:  75.0,
		DBPoolCriticalPercent: 90.0,
	}
}
