// Package metrics exposes the counters/gauges the Bay engine and the
// incoming watcher write into, grounded on
// fenilsonani-email-server/internal/metrics's promauto global-vars
// idiom. The core only collects; exposition (wiring a /metrics
// handler) belongs to the surrounding process, mirroring the same
// collection/exposition split the teacher names for its own
// openmetrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OpsApplied counts ops a Bay instance has applied, by path.
	OpsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aerogramme_bay_ops_applied_total",
		Help: "Total number of ops applied by a Bay instance",
	}, []string{"path"})

	// CheckpointAge is the checkpoint-age gauge for a Bay path. It is
	// set to 0 each time that path writes a checkpoint; nothing in the
	// core updates it between checkpoints.
	CheckpointAge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "aerogramme_bay_checkpoint_age_seconds",
		Help: "Age in seconds of a Bay path's newest checkpoint",
	}, []string{"path"})

	// RewindsTotal counts how often a late-arriving op forced a
	// rewind-and-replay rather than a plain append.
	RewindsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aerogramme_bay_rewinds_total",
		Help: "Total number of rewind-on-late-op events",
	}, []string{"path"})

	// WatcherLag reports, in seconds, the age of the oldest
	// unintegrated deposit in a user's incoming staging area.
	WatcherLag = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aerogramme_incoming_watcher_lag_seconds",
		Help: "Age of the oldest unintegrated incoming deposit",
	})

	// QuarantinedTotal counts deposits moved into quarantine after
	// exhausting their integration attempts.
	QuarantinedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aerogramme_incoming_quarantined_total",
		Help: "Total number of deposits quarantined after repeated integration failure",
	})
)

// RecordOpApplied increments OpsApplied for path.
func RecordOpApplied(path string) {
	OpsApplied.WithLabelValues(path).Inc()
}

// RecordCheckpointAge sets CheckpointAge for path.
func RecordCheckpointAge(path string, ageSeconds float64) {
	CheckpointAge.WithLabelValues(path).Set(ageSeconds)
}

// RecordRewind increments RewindsTotal for path.
func RecordRewind(path string) {
	RewindsTotal.WithLabelValues(path).Inc()
}
