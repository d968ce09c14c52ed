package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilesweep_requests_total",
		Help: "Total number of tile requests by job and outcome",
	}, []string{"job", "outcome"})

	TilesStored = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilesweep_tiles_stored_total",
		Help: "Total number of tiles written to archives",
	}, []string{"job"})

	TilesPresent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilesweep_tiles_present_total",
		Help: "Total number of tiles skipped because the archive already had them",
	}, []string{"job"})

	TilesSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilesweep_tiles_skipped_total",
		Help: "Total number of tiles passed over without storing",
	}, []string{"job"})

	RetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilesweep_retries_total",
		Help: "Total number of delayed tile retries",
	}, []string{"job"})

	DownloadBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilesweep_download_bytes_total",
		Help: "Total tile bytes downloaded",
	}, []string{"job"})

	FetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tilesweep_fetch_duration_seconds",
		Help:    "Tile request duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	SweepsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilesweep_sweeps_completed_total",
		Help: "Total number of completed sweeps",
	}, []string{"job"})

	JobsAborted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilesweep_jobs_aborted_total",
		Help: "Total number of aborted job activations",
	}, []string{"job"})

	ActiveJob = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tilesweep_active_job",
		Help: "1 for the job currently being swept",
	}, []string{"job"})
)
