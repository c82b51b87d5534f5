// Package telemetry exposes Prometheus metrics for a presence.Client's
// connection lifecycle. Purely observational: nothing in presence reads
// these back, matching the "internal retries are silent" design (see
// SPEC_FULL.md §7). Grounded on the retrieval pack's use of
// github.com/prometheus/client_golang (present in rockstar-0000-aistore's
// and chaitanyaphalak-go-mcast's go.mod dependency trees).
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles the connection-lifecycle and frame-flow metrics. A
// Client attached via SetTelemetry reports only the frame counters;
// RecordState, RecordReconnect and SetBackoffDelay are not called by the
// presence package. A nil *Registry is safe to call every method on,
// mirroring the teacher's nil-safe events.Bus.
type Registry struct {
	reg *prometheus.Registry

	ConnectionState *prometheus.GaugeVec
	ReconnectsTotal prometheus.Counter
	BackoffDelay    prometheus.Gauge

	FramesSentTotal        prometheus.Counter
	FramesReceivedTotal    prometheus.Counter
	FrameDecodeErrorsTotal prometheus.Counter
}

// New constructs a Registry backed by a fresh prometheus.Registry and
// registers every metric.
func New(namespace string) *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		ConnectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "1 for the current connection FSM state, 0 for all others.",
		}, []string{"state"}),
		ReconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Number of reconnect attempts (excludes the first connect).",
		}),
		BackoffDelay: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backoff_delay_seconds",
			Help:      "Current reconnect backoff delay.",
		}),
		FramesSentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Frames successfully handed to the transport.",
		}),
		FramesReceivedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Frames received and decoded from the transport.",
		}),
		FrameDecodeErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_decode_errors_total",
			Help:      "Inbound frames that failed to decode.",
		}),
	}

	reg.MustRegister(
		r.ConnectionState,
		r.ReconnectsTotal,
		r.BackoffDelay,
		r.FramesSentTotal,
		r.FramesReceivedTotal,
		r.FrameDecodeErrorsTotal,
	)

	return r
}

// Registerer exposes the underlying prometheus.Registry for an HTTP
// handler (promhttp.HandlerFor) to serve.
func (r *Registry) Registerer() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.reg
}

// RecordState sets the gauge for `current` to 1 and every other known
// state (from `all`) to 0.
func (r *Registry) RecordState(current string, all []string) {
	if r == nil {
		return
	}
	for _, s := range all {
		if s == current {
			r.ConnectionState.WithLabelValues(s).Set(1)
		} else {
			r.ConnectionState.WithLabelValues(s).Set(0)
		}
	}
}

func (r *Registry) RecordReconnect() {
	if r == nil {
		return
	}
	r.ReconnectsTotal.Inc()
}

func (r *Registry) SetBackoffDelay(d time.Duration) {
	if r == nil {
		return
	}
	r.BackoffDelay.Set(d.Seconds())
}

func (r *Registry) IncFramesSent() {
	if r == nil {
		return
	}
	r.FramesSentTotal.Inc()
}

func (r *Registry) IncFramesReceived() {
	if r == nil {
		return
	}
	r.FramesReceivedTotal.Inc()
}

func (r *Registry) IncFrameDecodeErrors() {
	if r == nil {
		return
	}
	r.FrameDecodeErrorsTotal.Inc()
}
