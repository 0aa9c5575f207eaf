// Package metrics exposes Prometheus metrics for the seed node and agents.
// Every Recorder method is safe to call on a nil *Recorder.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder holds the kairo collectors.
type Recorder struct {
	packets          *prometheus.CounterVec
	registryOps      *prometheus.CounterVec
	sessionRotations prometheus.Counter
	evaluations      *prometheus.CounterVec
	anomalies        prometheus.Counter
	overrides        *prometheus.CounterVec
	sendRate         *prometheus.GaugeVec
	limited          *prometheus.CounterVec
}

// NewRecorder registers metrics with reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		packets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kairo_packets_total",
			Help: "Inbound envelopes grouped by result",
		}, []string{"result"}),
		registryOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kairo_registry_operations_total",
			Help: "Address registry operations grouped by operation and result",
		}, []string{"op", "result"}),
		sessionRotations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kairo_session_rotations_total",
			Help: "Ephemeral session keys generated or rotated",
		}),
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kairo_trust_evaluations_total",
			Help: "Trust evaluations grouped by resulting scope",
		}, []string{"scope"}),
		anomalies: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kairo_trust_anomalies_total",
			Help: "Trust evaluations flagged as behavioral anomalies",
		}),
		overrides: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kairo_override_verifications_total",
			Help: "Quorum override verifications grouped by result",
		}, []string{"result"}),
		sendRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kairo_send_rate",
			Help: "Current adaptive send rate per connection",
		}, []string{"conn"}),
		limited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kairo_requests_limited_total",
			Help: "Requests refused by the admission limiter grouped by surface",
		}, []string{"surface"}),
	}

	if reg != nil {
		reg.MustRegister(
			r.packets,
			r.registryOps,
			r.sessionRotations,
			r.evaluations,
			r.anomalies,
			r.overrides,
			r.sendRate,
			r.limited,
		)
	}
	return r
}

// Handler returns an HTTP handler serving /metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// PacketAccepted counts an envelope that passed validation.
func (r *Recorder) PacketAccepted() {
	if r == nil {
		return
	}
	r.packets.WithLabelValues("accepted").Inc()
}

// PacketRejected counts a rejected envelope by reason.
func (r *Recorder) PacketRejected(reason string) {
	if r == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	r.packets.WithLabelValues(reason).Inc()
}

// RegistryOp counts a registry operation outcome.
func (r *Recorder) RegistryOp(op, result string) {
	if r == nil {
		return
	}
	r.registryOps.WithLabelValues(op, result).Inc()
}

// SessionRotated counts a generated session key.
func (r *Recorder) SessionRotated() {
	if r == nil {
		return
	}
	r.sessionRotations.Inc()
}

// TrustEvaluated counts an evaluation landing in scope.
func (r *Recorder) TrustEvaluated(scope string, anomalous bool) {
	if r == nil {
		return
	}
	r.evaluations.WithLabelValues(scope).Inc()
	if anomalous {
		r.anomalies.Inc()
	}
}

// OverrideVerified counts a quorum override check.
func (r *Recorder) OverrideVerified(ok bool) {
	if r == nil {
		return
	}
	result := "rejected"
	if ok {
		result = "accepted"
	}
	r.overrides.WithLabelValues(result).Inc()
}

// SetSendRate publishes the current rate for a connection.
func (r *Recorder) SetSendRate(conn string, rate float64) {
	if r == nil {
		return
	}
	r.sendRate.WithLabelValues(conn).Set(rate)
}

// DeleteSendRate drops the rate series of a closed connection.
func (r *Recorder) DeleteSendRate(conn string) {
	if r == nil {
		return
	}
	r.sendRate.DeleteLabelValues(conn)
}

// RequestLimited counts a request refused by an admission limiter.
func (r *Recorder) RequestLimited(surface string) {
	if r == nil {
		return
	}
	r.limited.WithLabelValues(surface).Inc()
}
