package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TokenResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xtream_bridge_token_resolutions_total",
		Help: "Token resolution attempts by outcome",
	}, []string{"outcome"})

	SegmentProbes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xtream_bridge_segment_probes_total",
		Help: "Segment probes by result",
	}, []string{"result"})

	DiscoveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "xtream_bridge_discovery_duration_seconds",
		Help:    "Wall-clock duration of segment discovery passes",
		Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 16},
	})

	DiscoveredSegments = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "xtream_bridge_discovered_segments",
		Help:    "Valid segments found per discovery pass",
		Buckets: []float64{0, 10, 25, 50, 100, 200},
	})

	ProxyRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xtream_bridge_proxy_requests_total",
		Help: "Streaming proxy requests by result",
	}, []string{"result"})

	ProxyBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xtream_bridge_proxy_bytes_total",
		Help: "Bytes streamed to clients through the proxy",
	})

	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xtream_bridge_cache_hits_total",
		Help: "Cache hits by cache name",
	}, []string{"cache"})

	CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xtream_bridge_cache_misses_total",
		Help: "Cache misses by cache name",
	}, []string{"cache"})

	UpstreamAPIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xtream_bridge_upstream_api_requests_total",
		Help: "Upstream panel API requests by action and status",
	}, []string{"action", "status"})

	MirrorSyncs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xtream_bridge_mirror_syncs_total",
		Help: "Mirror sync runs by outcome",
	}, []string{"outcome"})
)
