package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PendingObservations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "misswatch_pending_observations_total",
		Help: "Pending transaction hashes received, by node",
	}, []string{"node"})

	Heads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "misswatch_heads_total",
		Help: "Head events received from the consensus node",
	})

	Reorgs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "misswatch_reorgs_total",
		Help: "Tracker resets caused by reorgs",
	})

	PoolFetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "misswatch_pool_fetch_duration_seconds",
		Help:    "Duration of txpool content fetches",
		Buckets: prometheus.DefBuckets,
	})

	DetectionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "misswatch_detection_duration_seconds",
		Help:    "Duration of per-block miss detection",
		Buckets: prometheus.DefBuckets,
	})

	CandidatesExcluded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "misswatch_candidates_excluded_total",
		Help: "Candidate transactions excused from a miss, by first satisfied check",
	}, []string{"check"})

	MissesDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "misswatch_misses_total",
		Help: "Miss records emitted by the detector",
	})

	WritesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "misswatch_writes_dropped_total",
		Help: "Persistence jobs dropped, by kind",
	}, []string{"kind"})

	TrackerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "misswatch_tracker_state",
		Help: "Current tracker state (0 unsynced, 1 initialising, 2 tracking, 3 resetting)",
	})
)
