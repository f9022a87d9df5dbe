package syshealth

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HealthScore = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "system_health_score",
		Help: "Overall system health score (0-100)",
	}, []string{"zone"})

	IOWaitPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "system_io_wait_percent",
		Help: "System I/O wait percentage",
	})

	CPULoadAvg = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "system_cpu_load_avg",
		Help: "System CPU load average",
	}, []string{"period"})

	MemoryUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "system_memory_utilization_percent",
		Help: "System memory utilization percentage",
	})

	DBPoolUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "system_db_pool_utilization_percent",
		Help: "Database connection pool utilization percentage",
	})

	WorkerConcurrency = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "worker_current_concurrency",
		Help: "Health-scaled concurrency currently granted to a worker",
	}, []string{"worker"})

	WorkerAdjustments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worker_concurrency_adjustments_total",
		Help: "Concurrency adjustments performed by the health scaler",
	}, []string{"worker", "direction"})
)
