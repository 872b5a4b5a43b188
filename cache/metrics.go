package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Evictions counts keys removed by Trim, by partition
	Evictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swcache_evictions_total",
			Help: "Total number of cache entries evicted by trimming",
		},
		[]string{"partition"},
	)

	// StorageErrors counts failed storage operations
	StorageErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swcache_storage_errors_total",
			Help: "Total number of cache storage operation errors",
		},
		[]string{"backend", "operation"}, // "sqlite", "redis"; "match", "put", "delete", "keys"
	)
)
