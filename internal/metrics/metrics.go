// Package metrics holds the Prometheus instruments shared by bindproxy
// components. A nil *Metrics is valid and records nothing.
package metrics

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	bindingsActive   prometheus.Gauge
	tunnelsActive    prometheus.Gauge
	requests         *prometheus.CounterVec
	bytes            *prometheus.CounterVec
	resolutions      *prometheus.CounterVec
	resolverFailures *prometheus.CounterVec
	upstreamErrors   *prometheus.CounterVec
}

// New creates the instruments and registers them with reg when reg is non-nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		bindingsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bindproxy_bindings_active",
			Help: "Number of bindings with a running local listener",
		}),
		tunnelsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bindproxy_tunnels_active",
			Help: "Number of open CONNECT tunnels",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bindproxy_requests_total",
			Help: "Proxied requests by kind (forward, connect) and outcome",
		}, []string{"kind", "outcome"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bindproxy_tunnel_bytes_total",
			Help: "Bytes relayed through CONNECT tunnels by direction (upstream, downstream)",
		}, []string{"direction"}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bindproxy_dns_resolutions_total",
			Help: "Hostname resolutions by the method that produced the answer",
		}, []string{"method"}),
		resolverFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bindproxy_dns_step_failures_total",
			Help: "Resolver chain steps that failed or returned no A record",
		}, []string{"method"}),
		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bindproxy_upstream_errors_total",
			Help: "Upstream connection failures by stage (dial, socks5, tls)",
		}, []string{"stage"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.bindingsActive,
			m.tunnelsActive,
			m.requests,
			m.bytes,
			m.resolutions,
			m.resolverFailures,
			m.upstreamErrors,
		)
	}

	return m
}

func (m *Metrics) SetBindingsActive(n int) {
	if m == nil {
		return
	}
	m.bindingsActive.Set(float64(n))
}

func (m *Metrics) TunnelOpened() {
	if m == nil {
		return
	}
	m.tunnelsActive.Inc()
}

func (m *Metrics) TunnelClosed(upBytes, downBytes int64) {
	if m == nil {
		return
	}
	m.tunnelsActive.Dec()
	m.bytes.WithLabelValues("upstream").Add(float64(upBytes))
	m.bytes.WithLabelValues("downstream").Add(float64(downBytes))
}

func (m *Metrics) Request(kind, outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) Resolved(method string) {
	if m == nil {
		return
	}
	m.resolutions.WithLabelValues(method).Inc()
}

func (m *Metrics) ResolverStepFailed(method string) {
	if m == nil {
		return
	}
	m.resolverFailures.WithLabelValues(method).Inc()
}

func (m *Metrics) UpstreamError(stage string) {
	if m == nil {
		return
	}
	m.upstreamErrors.WithLabelValues(stage).Inc()
}
