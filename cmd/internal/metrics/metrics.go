// Package metrics holds the Prometheus collectors shared across packages.
// It sits apart from the HTTP layer so auth services can record events without
// import cycles.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Auth event labels.
const (
	EventLoginSuccess   = "login_success"
	EventLoginFailure   = "login_failure"
	EventRefreshSuccess = "refresh_success"
	EventRefreshReuse   = "refresh_reuse"
	EventRefreshReject  = "refresh_reject"
	EventRevoke         = "revoke"
	EventRevokeAll      = "revoke_all"
	EventAPIKeyReject   = "api_key_reject"
)

var (
	AuthEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_auth_events_total",
		Help: "Authentication and session events by kind.",
	}, []string{"event"})

	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_http_requests_total",
		Help: "HTTP requests by method, route pattern and status.",
	}, []string{"method", "route", "status"})

	HTTPDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vault_http_request_duration_seconds",
		Help:    "HTTP request latency by method and route pattern.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	LiveStreams = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vault_live_streams",
		Help: "Open live-code websocket streams.",
	})
)

// Register registers every collector on reg (default registerer if nil).
// Already-registered collectors are ignored.
func Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{AuthEvents, HTTPRequests, HTTPDuration, LiveStreams} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}
	return nil
}

// AuthEvent increments vault_auth_events_total{event}.
func AuthEvent(event string) {
	AuthEvents.WithLabelValues(event).Inc()
}
