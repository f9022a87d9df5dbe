package syshealth

import (
	"context"
	"log/slog"
	"testing"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/stretchr/testify/assert"
)

// Drives the monitor and two scalers through a degrade/recover cycle without
// starting the background loop.
func TestMonitorAndScaler_EndToEnd(t *testing.T) {
	m := NewMonitor(DefaultConfig(), nil, slog.Default()).(*monitor)
	m.probes = healthyProbes()

	m.collect()
	assert.Equal(t, 100, m.GetHealth().Score)
	assert.Equal(t, HealthZoneSafe, m.GetHealth().Zone)

	scaler := NewConcurrencyScaler(m, "embedding", true, 1, 10)
	assert.Equal(t, 10, scaler.GetConcurrency(0))

	// 80% I/O wait and 5x load push the host into critical.
	m.probes.cpuTimes = func(ctx context.Context, b bool) ([]cpu.TimesStat, error) {
		return []cpu.TimesStat{{User: 110, System: 60, Idle: 850, Iowait: 80}}, nil
	}
	m.probes.loadAvg = func(ctx context.Context) (*load.AvgStat, error) {
		return &load.AvgStat{Load1: 20.0}, nil
	}
	m.collect()
	assert.Equal(t, HealthZoneCritical, m.GetHealth().Zone)
	assert.Equal(t, 1, scaler.GetConcurrency(0))

	// Partial recovery lands in warning. The scaler holds at min because
	// the increase cooldown has not elapsed.
	m.probes.cpuTimes = func(ctx context.Context, b bool) ([]cpu.TimesStat, error) {
		return []cpu.TimesStat{{User: 145, System: 70, Idle: 850, Iowait: 125}}, nil
	}
	m.probes.loadAvg = func(ctx context.Context) (*load.AvgStat, error) {
		return &load.AvgStat{Load1: 1.0}, nil
	}
	m.collect()
	assert.Equal(t, HealthZoneWarning, m.GetHealth().Zone)
	assert.Equal(t, 1, scaler.GetConcurrency(0))

	// A second scaler sharing the monitor tracks its own bounds.
	scaler2 := NewConcurrencyScaler(m, "scraping", true, 2, 20)
	m.probes.cpuTimes = func(ctx context.Context, b bool) ([]cpu.TimesStat, error) {
		return []cpu.TimesStat{{User: 155, System: 80, Idle: 850, Iowait: 205}}, nil
	}
	m.probes.loadAvg = func(ctx context.Context) (*load.AvgStat, error) {
		return &load.AvgStat{Load1: 20.0}, nil
	}
	m.collect()
	assert.Equal(t, 1, scaler.GetConcurrency(0))
	assert.Equal(t, 2, scaler2.GetConcurrency(0))
}
