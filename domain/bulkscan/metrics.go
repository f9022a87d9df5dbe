package bulkscan

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	scansStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bulkscan_scans_started_total",
		Help: "Bulk scans started.",
	})
	scansFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bulkscan_scans_failed_total",
		Help: "Bulk scans that ended in FAILED.",
	})
	messagesScanned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bulkscan_messages_scanned_total",
		Help: "Messages processed by scan batches.",
	})
	messagesFlagged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bulkscan_messages_flagged_total",
		Help: "Messages flagged by scan detectors.",
	})
	detectorErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bulkscan_detector_errors_total",
		Help: "Transient detector errors absorbed as clean verdicts.",
	}, []string{"detector"})
)
