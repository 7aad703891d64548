package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SolutionsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "miner_solutions_accepted_total",
		Help: "Solutions accepted by the remote API.",
	})
	SolutionsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "miner_solutions_rejected_total",
		Help: "Solutions definitively rejected by the remote API.",
	})
	SolutionsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "miner_solutions_enqueued_total",
		Help: "Solutions parked in the pending queue after failed submission.",
	})
	ChallengesDiscovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "miner_challenges_discovered_total",
		Help: "New challenges first observed from the remote API.",
	})
	DonationSolves = promauto.NewCounter(prometheus.CounterOpts{
		Name: "miner_donation_solves_total",
		Help: "Challenges mined for the developer beneficiary.",
	})
	WalletsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "miner_wallets_created_total",
		Help: "Wallets generated on demand.",
	})
	WorkerRotations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "miner_worker_rotations_total",
		Help: "Worker slot restarts after wallet exhaustion.",
	})
	ProxyFailovers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "miner_proxy_failovers_total",
		Help: "Requests retried on a different proxy after a failure.",
	})
	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "miner_api_requests_total",
		Help: "Remote API requests by operation and outcome.",
	}, []string{"op", "outcome"})

	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "miner_active_workers",
		Help: "Worker slots currently running.",
	})
	TotalHashRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "miner_hash_rate",
		Help: "Aggregate hash rate across worker slots (H/s).",
	})
	PendingSolutions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "miner_pending_solutions",
		Help: "Entries currently in the pending-solutions queue.",
	})
	UptimeSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "miner_uptime_seconds",
		Help: "Seconds since the orchestrator started.",
	})
)

// Handler returns the Prometheus scrape handler mounted on the dashboard mux.
func Handler() http.Handler {
	return promhttp.Handler()
}
