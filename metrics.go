package swcache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Responses sent for intercepted requests.
	// Outcomes: hit, network, fallback, network-error.
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swcache_requests_total",
		Help: "Total intercepted requests by strategy and outcome",
	}, []string{"strategy", "outcome"})

	passthroughTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swcache_passthrough_total",
		Help: "Total requests not intercepted, by reason",
	}, []string{"reason"}) // "cross-origin", "method", "no-worker"

	networkErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swcache_network_errors_total",
		Help: "Total failed network fetches by strategy",
	}, []string{"strategy"})

	revalidateFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swcache_revalidate_failures_total",
		Help: "Total failed stale-while-revalidate background refreshes",
	})

	cacheWriteFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swcache_cache_write_failures_total",
		Help: "Total responses that could not be written to the runtime partition",
	})

	installsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swcache_installs_total",
		Help: "Total worker installs by result",
	}, []string{"result"}) // "installed", "failed"

	activeVersion = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "swcache_active_version",
		Help: "Set to 1 for the active cache config version",
	}, []string{"version"})
)
