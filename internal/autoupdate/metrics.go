package autoupdate

import "github.com/prometheus/client_golang/prometheus"

// Item outcomes used as metric labels.
const (
	outcomeCompleted = "completed"
	outcomeNoUpdates = "no_updates"
	outcomeRejected  = "rejected"
	outcomeFailed    = "failed"
	outcomeDiscarded = "discarded"
)

var (
	// itemsTotal counts processed queue items by mode and outcome.
	itemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoupdate_items_total",
			Help: "Auto-update queue items processed, by mode and outcome.",
		},
		[]string{"mode", "outcome"},
	)

	// itemDuration records end-to-end item processing time.
	itemDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "autoupdate_item_duration_seconds",
			Help:    "Duration of one auto-update queue item in seconds.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"mode"},
	)

	// kpiScores records validation scores. Scores only take the values
	// 0, 33, 67 and 100.
	kpiScores = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "autoupdate_kpi_score",
			Help:    "KPI validation scores of enriched profiles.",
			Buckets: []float64{0, 33, 67, 100},
		},
	)

	// runsTotal counts runs that reached completed.
	runsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "autoupdate_runs_completed_total",
			Help: "Auto-update runs that processed every queue item.",
		},
	)

	// eventsDropped counts events not delivered to slow subscribers.
	eventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "autoupdate_events_dropped_total",
			Help: "Controller events dropped because a subscriber was full.",
		},
	)
)

func init() {
	prometheus.MustRegister(itemsTotal, itemDuration, kpiScores, runsTotal, eventsDropped)
}
