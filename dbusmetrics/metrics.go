// Package dbusmetrics exposes optional Prometheus instrumentation for a
// dbus.Router: message throughput, dropped-filter counts, and pending
// call depth. Wiring a Hook is entirely optional; Router works without one.
package dbusmetrics

import "github.com/prometheus/client_golang/prometheus"

// Hook receives router lifecycle events. Implementations must be safe for
// concurrent use: Router calls MessageReceived and FilterDropped from its
// receive goroutine, MessageSent from whichever goroutine sends, and
// PendingWaiters from both.
type Hook interface {
	MessageSent(msgType string)
	MessageReceived(msgType string)
	FilterDropped(rule string)
	PendingWaiters(n int)
}

// PrometheusHook implements Hook with client_golang metrics, in the same
// package-level-vars-plus-registration style used for other instrumented
// binaries in this organisation.
type PrometheusHook struct {
	sent     *prometheus.CounterVec
	received *prometheus.CounterVec
	dropped  *prometheus.CounterVec
	pending  prometheus.Gauge
}

// NewPrometheusHook constructs and registers the hook's metrics with
// reg. Pass prometheus.DefaultRegisterer to expose them on the process's
// default /metrics handler.
func NewPrometheusHook(reg prometheus.Registerer) *PrometheusHook {
	h := &PrometheusHook{
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dbus",
			Name:      "messages_sent_total",
			Help:      "Messages sent by message type.",
		}, []string{"type"}),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dbus",
			Name:      "messages_received_total",
			Help:      "Messages received by message type.",
		}, []string{"type"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dbus",
			Name:      "filter_messages_dropped_total",
			Help:      "Unsolicited messages dropped because a filter's queue was full.",
		}, []string{"rule"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dbus",
			Name:      "pending_calls",
			Help:      "Method calls awaiting a reply.",
		}),
	}
	reg.MustRegister(h.sent, h.received, h.dropped, h.pending)
	return h
}

func (h *PrometheusHook) MessageSent(msgType string)     { h.sent.WithLabelValues(msgType).Inc() }
func (h *PrometheusHook) MessageReceived(msgType string) { h.received.WithLabelValues(msgType).Inc() }
func (h *PrometheusHook) FilterDropped(rule string)      { h.dropped.WithLabelValues(rule).Inc() }
func (h *PrometheusHook) PendingWaiters(n int)           { h.pending.Set(float64(n)) }
