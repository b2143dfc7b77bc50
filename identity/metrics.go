package identity

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// swappable for deterministic duration tests
var timeNow = time.Now

var didResolution = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "atoauth_identity_resolve_did",
	Help: "DID resolution outcomes, by DID method.",
}, []string{"method", "status"})

var didResolutionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "atoauth_identity_resolve_did_duration",
	Help:    "Duration of DID resolution, by DID method.",
	Buckets: prometheus.ExponentialBucketsRange(0.001, 2, 10),
}, []string{"method", "status"})

var handleResolution = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "atoauth_identity_resolve_handle",
	Help: "Handle resolution outcomes, by resolution route.",
}, []string{"route", "status"})

var handleResolutionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "atoauth_identity_resolve_handle_duration",
	Help:    "Duration of handle resolution, by resolution route.",
	Buckets: prometheus.ExponentialBucketsRange(0.001, 2, 10),
}, []string{"route", "status"})

var handleCacheHits = promauto.NewCounter(prometheus.CounterOpts{
	Name: "atoauth_identity_handle_cache_hits",
	Help: "Number of cache hits for handle lookups.",
})

var handleCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
	Name: "atoauth_identity_handle_cache_misses",
	Help: "Number of cache misses for handle lookups.",
})

var identityCacheHits = promauto.NewCounter(prometheus.CounterOpts{
	Name: "atoauth_identity_cache_hits",
	Help: "Number of cache hits for identity lookups.",
})

var identityCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
	Name: "atoauth_identity_cache_misses",
	Help: "Number of cache misses for identity lookups.",
})

var handleRequestsCoalesced = promauto.NewCounter(prometheus.CounterOpts{
	Name: "atoauth_identity_handle_requests_coalesced",
	Help: "Number of handle lookups that joined an in-flight request.",
})

var identityRequestsCoalesced = promauto.NewCounter(prometheus.CounterOpts{
	Name: "atoauth_identity_requests_coalesced",
	Help: "Number of identity lookups that joined an in-flight request.",
})

func resolutionStatus(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrDIDNotFound), errors.Is(err, ErrHandleNotFound):
		return "notfound"
	default:
		return "error"
	}
}

func observeDIDResolution(method string, err error, start time.Time) {
	status := resolutionStatus(err)
	didResolution.WithLabelValues(method, status).Inc()
	didResolutionDuration.WithLabelValues(method, status).Observe(timeNow().Sub(start).Seconds())
}

func observeHandleResolution(route string, err error, start time.Time) {
	status := resolutionStatus(err)
	handleResolution.WithLabelValues(route, status).Inc()
	handleResolutionDuration.WithLabelValues(route, status).Observe(timeNow().Sub(start).Seconds())
}
