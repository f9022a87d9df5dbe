package syshealth

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/uptrace/bun"

	"github.com/opennotes-dev/opennotes-server/pkg/logger"
)

// probes are the collection points, swappable in tests.
type probes struct {
	loadAvg  func(context.Context) (*load.AvgStat, error)
	cpuTimes func(context.Context, bool) ([]cpu.TimesStat, error)
	memory   func(context.Context) (*mem.VirtualMemoryStat, error)
	numCPU   func() int
}

// sample is one raw collection pass before scoring.
type sample struct {
	loadAvg    float64
	ioWait     float64
	memPercent float64
	dbPercent  float64
	complete   bool
}

type monitor struct {
	cfg    *Config
	db     bun.IDB
	log    *slog.Logger
	probes probes

	mu         sync.RWMutex
	cur        HealthMetrics
	prevCPU    *cpu.TimesStat
	failStreak int

	ticker  *time.Ticker
	stop    chan struct{}
	running bool
}

// NewMonitor builds a monitor over gopsutil and the given bun pool. A nil
// cfg gets DefaultConfig. The monitor starts optimistic (score 100) so
// workers run at full tilt until the first collection lands.
func NewMonitor(cfg *Config, db bun.IDB, log *slog.Logger) Monitor {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &monitor{
		cfg: cfg,
		db:  db,
		log: log.With(logger.Scope("syshealth")),
		cur: HealthMetrics{Score: 100, Zone: HealthZoneSafe},
		probes: probes{
			loadAvg:  load.AvgWithContext,
			cpuTimes: cpu.TimesWithContext,
			memory:   mem.VirtualMemoryWithContext,
			numCPU:   runtime.NumCPU,
		},
	}
}

// Start launches the collection loop. Idempotent.
func (m *monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}
	m.running = true
	m.stop = make(chan struct{})
	m.ticker = time.NewTicker(m.cfg.CollectionInterval)

	go func() {
		m.collect()
		for {
			select {
			case <-m.ticker.C:
				m.collect()
			case <-m.stop:
				return
			}
		}
	}()

	m.log.Info("health monitor started", slog.Duration("interval", m.cfg.CollectionInterval))
	return nil
}

// Stop halts the collection loop. Idempotent.
func (m *monitor) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}
	m.running = false
	m.ticker.Stop()
	close(m.stop)
	m.log.Info("health monitor stopped")
	return nil
}

// GetHealth returns a copy of the latest snapshot, marking it stale when
// collection has fallen behind the threshold.
func (m *monitor) GetHealth() *HealthMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := m.cur
	if time.Since(snap.Timestamp) > m.cfg.StalenessThreshold {
		snap.Stale = true
	}
	return &snap
}

func (m *monitor) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CollectionTimeout)
	defer cancel()

	s := m.take(ctx)
	m.apply(s)
}

// take runs one collection pass. Probe failures leave the corresponding
// field zero and clear s.complete.
func (m *monitor) take(ctx context.Context) sample {
	s := sample{complete: true}

	if l, err := m.probes.loadAvg(ctx); err == nil {
		s.loadAvg = l.Load1
	} else {
		s.complete = false
		m.log.Error("load average probe failed", logger.Error(err))
	}

	// I/O wait is a delta against the previous pass, so the first pass
	// reports zero.
	if times, err := m.probes.cpuTimes(ctx, false); err == nil && len(times) > 0 {
		t := times[0]
		if m.prevCPU != nil {
			deltaTotal := t.Total() - m.prevCPU.Total()
			deltaIOWait := t.Iowait - m.prevCPU.Iowait
			if deltaTotal > 0 {
				s.ioWait = deltaIOWait / deltaTotal * 100.0
			}
		}
		m.prevCPU = &t
	} else {
		s.complete = false
		if err != nil {
			m.log.Error("cpu times probe failed", logger.Error(err))
		} else {
			m.log.Error("cpu times probe returned no data")
		}
	}

	if v, err := m.probes.memory(ctx); err == nil {
		s.memPercent = v.UsedPercent
	} else {
		s.complete = false
		m.log.Error("memory probe failed", logger.Error(err))
	}

	if bdb, ok := m.db.(*bun.DB); ok {
		stats := bdb.DB.Stats()
		if stats.MaxOpenConnections > 0 {
			s.dbPercent = float64(stats.InUse) / float64(stats.MaxOpenConnections) * 100.0
		}
	}

	return s
}

// apply scores a sample and publishes the result. On an incomplete pass the
// failed probes carry their previous values so a transient probe error does
// not read as a recovery.
func (m *monitor) apply(s sample) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !s.complete {
		m.failStreak++
		if m.failStreak >= 3 {
			m.log.Error("persistent health probe failures", slog.Int("streak", m.failStreak))
		}
		if s.loadAvg == 0 {
			s.loadAvg = m.cur.CPULoadAvg
		}
		if s.ioWait == 0 {
			s.ioWait = m.cur.IOWaitPercent
		}
		if s.memPercent == 0 {
			s.memPercent = m.cur.MemoryPercent
		}
	} else {
		m.failStreak = 0
	}

	cores := float64(m.probes.numCPU())
	if cores == 0 {
		cores = 1
	}

	// Weighted penalty. I/O wait dominates because it is the earliest signal
	// that the embedding and scrape workers are drowning the disk.
	penalty := 0.40*bandPenalty(s.ioWait, m.cfg.IOWaitWarningPercent, m.cfg.IOWaitCriticalPercent) +
		0.30*bandPenalty(s.loadAvg/cores*100.0, m.cfg.CPULoadWarningFactor*100.0, m.cfg.CPULoadCriticalFactor*100.0) +
		0.20*bandPenalty(s.dbPercent, m.cfg.DBPoolWarningPercent, m.cfg.DBPoolCriticalPercent) +
		0.10*bandPenalty(s.memPercent, m.cfg.MemoryWarningPercent, m.cfg.MemoryCriticalPercent)

	score := 100 - int(penalty)
	if score < 0 {
		score = 0
	}

	zone := HealthZoneSafe
	switch {
	case score <= 33:
		zone = HealthZoneCritical
	case score <= 66:
		zone = HealthZoneWarning
	}

	if zone != m.cur.Zone {
		m.log.Warn("health zone transition",
			slog.String("from", string(m.cur.Zone)),
			slog.String("to", string(zone)),
			slog.Int("score", score))
	}

	m.cur = HealthMetrics{
		Score:         score,
		Zone:          zone,
		CPULoadAvg:    s.loadAvg,
		IOWaitPercent: s.ioWait,
		MemoryPercent: s.memPercent,
		DBPoolPercent: s.dbPercent,
		Timestamp:     time.Now(),
	}

	HealthScore.WithLabelValues(string(zone)).Set(float64(score))
	IOWaitPercent.Set(s.ioWait)
	CPULoadAvg.WithLabelValues("1m").Set(s.loadAvg)
	MemoryUtilization.Set(s.memPercent)
	DBPoolUtilization.Set(s.dbPercent)

	m.log.Info("health snapshot",
		slog.Int("score", score),
		slog.String("zone", string(zone)),
		slog.Float64("io_wait", s.ioWait),
		slog.Float64("cpu_load", s.loadAvg),
		slog.Float64("db_pool", s.dbPercent),
		slog.Float64("mem", s.memPercent))
}

// bandPenalty maps a value to 0, 50, or 100 depending on which threshold
// band it falls in.
func bandPenalty(value, warning, critical float64) float64 {
	switch {
	case value >= critical:
		return 100.0
	case value >= warning:
		return 50.0
	default:
		return 0.0
	}
}
