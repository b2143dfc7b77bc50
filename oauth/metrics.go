package oauth

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var tokenRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "atoauth_token_requests",
	Help: "Token endpoint requests, by grant type and outcome.",
}, []string{"grant_type", "status"})

var tokenRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "atoauth_token_request_duration",
	Help:    "Duration of token endpoint requests, by grant type and outcome.",
	Buckets: prometheus.ExponentialBucketsRange(0.001, 5, 10),
}, []string{"grant_type", "status"})

var authFlowsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "atoauth_auth_flows_started",
	Help: "Auth flows started, by request route (PAR or direct URL).",
}, []string{"route"})

var callbacksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "atoauth_callbacks_processed",
	Help: "Auth flow callbacks processed, by outcome.",
}, []string{"status"})

func observeTokenRequest(grantType, status string, start time.Time) {
	tokenRequests.WithLabelValues(grantType, status).Inc()
	tokenRequestDuration.WithLabelValues(grantType, status).Observe(time.Since(start).Seconds())
}
