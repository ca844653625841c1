package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "prompts_enqueued_total", Help: "Prompts inserted through the producer API"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "prompts_rate_limit_rejects_total", Help: "Producer requests rejected by the rate limiter"})
	Claims           = prometheus.NewCounter(prometheus.CounterOpts{Name: "prompts_claimed_total", Help: "Jobs assigned to this worker"})
	ClaimRaces       = prometheus.NewCounter(prometheus.CounterOpts{Name: "prompts_claim_races_lost_total", Help: "Assign attempts that lost to a concurrent claimer"})
	LeasesReclaimed  = prometheus.NewCounter(prometheus.CounterOpts{Name: "prompts_leases_reclaimed_total", Help: "Expired leases returned to pending"})
	IdlePolls        = prometheus.NewCounter(prometheus.CounterOpts{Name: "prompts_idle_polls_total", Help: "Claim attempts that found no eligible job"})
	WorkerSuccess    = prometheus.NewCounter(prometheus.CounterOpts{Name: "prompts_completed_total", Help: "Jobs processed and published"})
	WorkerFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "prompts_failed_total", Help: "Transient failures that will be retried"})
	WorkerFatal      = prometheus.NewCounter(prometheus.CounterOpts{Name: "prompts_fatal_total", Help: "Failures that terminated the worker"})
	BackoffGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "prompts_backoff_seconds", Help: "Current retry backoff"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "prompts_inflight", Help: "Jobs currently held by this worker"})
	ProcessSeconds   = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "prompts_process_seconds",
		Help:    "Processing step duration",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			RateLimitRejects,
			Claims,
			ClaimRaces,
			LeasesReclaimed,
			IdlePolls,
			WorkerSuccess,
			WorkerFailures,
			WorkerFatal,
			BackoffGauge,
			InFlightGauge,
			ProcessSeconds,
		)
	})
	return promhttp.Handler()
}
