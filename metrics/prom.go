package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PasteCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastebin_paste_created_total",
		Help: "no. of inline pastes created",
	})
	FileUploaded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastebin_file_uploaded_total",
		Help: "no. of file uploads ingested",
	})
	PasteRetrieved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastebin_paste_retrieved_total",
		Help: "no. of pastes retrieved",
	})
	RawServed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastebin_raw_served_total",
		Help: "no. of raw deliveries",
	})
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastebin_cache_hits_total",
		Help: "no. of cache hits",
	})
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastebin_cache_misses_total",
		Help: "no. of cache misses",
	})
	PruneCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastebin_prune_cycles_total",
		Help: "no. of cleanup worker cycles",
	})
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pastebin_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)
)
