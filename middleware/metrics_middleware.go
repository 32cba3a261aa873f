package middleware

import (
	"context"
	"time"

	"canary-rpc/message"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors shared by the server and client middlewares.
type Metrics struct {
	requests   *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	selections *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "RPC calls handled, by method and outcome.",
		}, []string{"side", "method", "code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "request_duration_seconds",
			Help:      "RPC call latency.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"side", "method"}),
		selections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "balancer",
			Name:      "selections_total",
			Help:      "Instance selections, by target service and outcome.",
		}, []string{"service", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.latency, m.selections)
	}
	return m
}

// ObserveSelection counts one balancer decision. outcome is "selected",
// "unavailable" or "error".
func (m *Metrics) ObserveSelection(service, outcome string) {
	if m == nil {
		return
	}
	m.selections.WithLabelValues(service, outcome).Inc()
}

// MetricsMiddleware counts and times calls; side is "server" or "client".
func MetricsMiddleware(m *Metrics, side string) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			start := time.Now()
			resp := next(ctx, req)

			code := "ok"
			if resp.Failed() {
				code = "error"
			}
			m.requests.WithLabelValues(side, req.ServiceMethod, code).Inc()
			m.latency.WithLabelValues(side, req.ServiceMethod).Observe(time.Since(start).Seconds())
			return resp
		}
	}
}
