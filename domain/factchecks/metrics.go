package factchecks

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	candidatesImported = promauto.NewCounter(prometheus.CounterOpts{
		Name: "factchecks_candidates_imported_total",
		Help: "Candidates inserted from dataset manifests.",
	})
	candidatesScraped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "factchecks_candidates_scraped_total",
		Help: "Candidates scraped successfully.",
	})
	itemsPromoted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "factchecks_items_promoted_total",
		Help: "Candidates promoted into the searchable corpus.",
	})
)
