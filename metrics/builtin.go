// Package metrics exposes Prometheus collectors for the protocol core.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const (
	MessagesName        = "cdpcore_messages_total" //nolint:revive
	CallsName           = "cdpcore_calls_total"
	SessionsActiveName  = "cdpcore_sessions_active"
	NetworkRequestsName = "cdpcore_network_requests_total"
	FramesActiveName    = "cdpcore_frames_active"
)

// Directions of MessagesName.
const (
	DirectionSent     = "sent"
	DirectionReceived = "received"
)

// Outcomes of CallsName and NetworkRequestsName.
const (
	OutcomeOK         = "ok"
	OutcomeError      = "error"
	OutcomeClosed     = "closed"
	OutcomeStarted    = "started"
	OutcomeFinished   = "finished"
	OutcomeFailed     = "failed"
	OutcomeRedirected = "redirected"
)

// BuiltinMetrics are the collectors updated by connections, sessions and the
// frame and network trackers. A nil *BuiltinMetrics is valid and records
// nothing.
type BuiltinMetrics struct {
	Messages        *prometheus.CounterVec
	Calls           *prometheus.CounterVec
	SessionsActive  prometheus.Gauge
	NetworkRequests *prometheus.CounterVec
	FramesActive    prometheus.Gauge
}

// NewBuiltinMetrics creates the collectors without registering them.
func NewBuiltinMetrics() *BuiltinMetrics {
	return &BuiltinMetrics{
		Messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MessagesName,
				Help: "Protocol messages exchanged over the connection",
			},
			[]string{"direction"},
		),
		Calls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: CallsName,
				Help: "Protocol calls by outcome",
			},
			[]string{"outcome"},
		),
		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: SessionsActiveName,
				Help: "Number of attached sessions",
			},
		),
		NetworkRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: NetworkRequestsName,
				Help: "Correlated network requests by lifecycle outcome",
			},
			[]string{"outcome"},
		),
		FramesActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: FramesActiveName,
				Help: "Number of tracked frames",
			},
		),
	}
}

// RegisterBuiltinMetrics creates the collectors and registers them in
// registry.
func RegisterBuiltinMetrics(registry prometheus.Registerer) (*BuiltinMetrics, error) {
	bm := NewBuiltinMetrics()
	for _, c := range []prometheus.Collector{
		bm.Messages, bm.Calls, bm.SessionsActive, bm.NetworkRequests, bm.FramesActive,
	} {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}
	return bm, nil
}

// MessageSent counts an outbound frame.
func (bm *BuiltinMetrics) MessageSent() {
	if bm == nil {
		return
	}
	bm.Messages.WithLabelValues(DirectionSent).Inc()
}

// MessageReceived counts an inbound frame.
func (bm *BuiltinMetrics) MessageReceived() {
	if bm == nil {
		return
	}
	bm.Messages.WithLabelValues(DirectionReceived).Inc()
}

// CallSettled counts a settled call.
func (bm *BuiltinMetrics) CallSettled(outcome string) {
	if bm == nil {
		return
	}
	bm.Calls.WithLabelValues(outcome).Inc()
}

// SessionAttached increments the active sessions gauge.
func (bm *BuiltinMetrics) SessionAttached() {
	if bm == nil {
		return
	}
	bm.SessionsActive.Inc()
}

// SessionDetached decrements the active sessions gauge.
func (bm *BuiltinMetrics) SessionDetached() {
	if bm == nil {
		return
	}
	bm.SessionsActive.Dec()
}

// NetworkRequest counts a network lifecycle transition.
func (bm *BuiltinMetrics) NetworkRequest(outcome string) {
	if bm == nil {
		return
	}
	bm.NetworkRequests.WithLabelValues(outcome).Inc()
}

// FramesChanged adds delta to the tracked frames gauge. Every frame
// manager reports its own additions and removals.
func (bm *BuiltinMetrics) FramesChanged(delta int) {
	if bm == nil || delta == 0 {
		return
	}
	bm.FramesActive.Add(float64(delta))
}
