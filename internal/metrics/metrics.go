// Package metrics registers the daemon's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kennel_builds_total",
		Help: "Builds processed, by outcome.",
	}, []string{"status"})

	BuildDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kennel_build_duration_seconds",
		Help:    "Wall-clock duration of builds.",
		Buckets: prometheus.ExponentialBuckets(5, 2, 10),
	})

	DeploysTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kennel_deploys_total",
		Help: "Deployments processed, by outcome.",
	}, []string{"status"})

	TeardownsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kennel_teardowns_total",
		Help: "Deployments torn down.",
	})

	ActiveDeployments = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kennel_active_deployments",
		Help: "Deployments currently routed.",
	})

	RoutedRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kennel_routed_requests_total",
		Help: "Edge requests, by disposition.",
	}, []string{"disposition"})

	WebhooksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kennel_webhooks_total",
		Help: "Webhook deliveries received, by result.",
	}, []string{"result"})
)
