package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Direction labels.
const (
	DirectionInbound  = "inbound"  // caller -> upstream
	DirectionOutbound = "outbound" // upstream -> caller
)

// Metrics contains all Prometheus metrics for the bridge
type Metrics struct {
	// Call metrics
	ActiveCalls   prometheus.Gauge
	CallsStarted  prometheus.Counter
	CallsEnded    *prometheus.CounterVec
	CallDuration  prometheus.Histogram
	CallsRejected *prometheus.CounterVec

	// Audio forwarding metrics
	FramesForwarded   *prometheus.CounterVec
	FramesDropped     *prometheus.CounterVec
	ForwardLatency    *prometheus.HistogramVec
	LatencyOverruns   *prometheus.CounterVec
	FirstResponseTime prometheus.Histogram

	// Error metrics
	ConversionSkips  *prometheus.CounterVec
	ProtocolErrors   prometheus.Counter
	UnexpectedEvents prometheus.Counter

	// Conversation metrics
	BargeIns           prometheus.Counter
	TurnsCompleted     prometheus.Counter
	UpstreamReconnects prometheus.Counter

	// HTTP API metrics
	HTTPRequests *prometheus.CounterVec
}

// NewMetrics creates and registers all bridge metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ActiveCalls: f.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_active_calls",
			Help: "Number of calls currently streaming",
		}),
		CallsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "bridge_calls_started_total",
			Help: "Total number of calls that reached streaming",
		}),
		CallsEnded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_calls_ended_total",
			Help: "Total number of ended calls by reason",
		}, []string{"reason"}),
		CallDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "bridge_call_duration_seconds",
			Help:    "Duration of calls",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		CallsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_calls_rejected_total",
			Help: "Total number of calls that failed before streaming",
		}, []string{"stage"}),

		FramesForwarded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_frames_forwarded_total",
			Help: "Total number of audio frames forwarded",
		}, []string{"direction"}),
		FramesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_frames_dropped_total",
			Help: "Total number of audio frames dropped",
		}, []string{"direction"}),
		ForwardLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bridge_forward_latency_seconds",
			Help:    "Per-frame latency from pump entry to pump exit",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		}, []string{"direction"}),
		LatencyOverruns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_latency_overruns_total",
			Help: "Total number of frames exceeding the latency budget",
		}, []string{"direction"}),
		FirstResponseTime: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "bridge_first_response_seconds",
			Help:    "Time from last caller audio to first bot audio of a turn",
			Buckets: []float64{.1, .2, .3, .5, .75, 1, 1.5, 2, 3, 5},
		}),

		ConversionSkips: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_conversion_skips_total",
			Help: "Total number of frames skipped on conversion errors",
		}, []string{"direction"}),
		ProtocolErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "bridge_protocol_errors_total",
			Help: "Total number of malformed telephony messages",
		}),
		UnexpectedEvents: f.NewCounter(prometheus.CounterOpts{
			Name: "bridge_unexpected_upstream_events_total",
			Help: "Total number of unrecognized upstream messages",
		}),

		BargeIns: f.NewCounter(prometheus.CounterOpts{
			Name: "bridge_barge_ins_total",
			Help: "Total number of caller interruptions of bot speech",
		}),
		TurnsCompleted: f.NewCounter(prometheus.CounterOpts{
			Name: "bridge_turns_completed_total",
			Help: "Total number of completed bot turns",
		}),
		UpstreamReconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "bridge_upstream_reconnects_total",
			Help: "Total number of successful upstream reconnects",
		}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
	}
}

// RecordCallStarted increments the active and started call counters
func (m *Metrics) RecordCallStarted() {
	m.ActiveCalls.Inc()
	m.CallsStarted.Inc()
}

// RecordCallEnded decrements active calls and records the end reason and duration
func (m *Metrics) RecordCallEnded(reason string, d time.Duration) {
	m.ActiveCalls.Dec()
	m.CallsEnded.WithLabelValues(reason).Inc()
	m.CallDuration.Observe(d.Seconds())
}

// RecordCallRejected counts a call that failed before streaming
func (m *Metrics) RecordCallRejected(stage string) {
	m.CallsRejected.WithLabelValues(stage).Inc()
}

// RecordForwarded records one forwarded frame and its pump latency
func (m *Metrics) RecordForwarded(direction string, latency time.Duration, overrun bool) {
	m.FramesForwarded.WithLabelValues(direction).Inc()
	m.ForwardLatency.WithLabelValues(direction).Observe(latency.Seconds())
	if overrun {
		m.LatencyOverruns.WithLabelValues(direction).Inc()
	}
}

// RecordDropped adds n dropped frames
func (m *Metrics) RecordDropped(direction string, n int) {
	if n > 0 {
		m.FramesDropped.WithLabelValues(direction).Add(float64(n))
	}
}

// RecordConversionSkip counts a frame skipped by the converter
func (m *Metrics) RecordConversionSkip(direction string) {
	m.ConversionSkips.WithLabelValues(direction).Inc()
}

// RecordProtocolError counts a malformed telephony message
func (m *Metrics) RecordProtocolError() {
	m.ProtocolErrors.Inc()
}

// RecordUnexpectedEvent counts an ignored upstream message
func (m *Metrics) RecordUnexpectedEvent() {
	m.UnexpectedEvents.Inc()
}

// RecordBargeIn counts an interruption of bot speech
func (m *Metrics) RecordBargeIn() {
	m.BargeIns.Inc()
}

// RecordTurnCompleted counts a completed bot turn
func (m *Metrics) RecordTurnCompleted() {
	m.TurnsCompleted.Inc()
}

// RecordFirstResponse records first-response latency for a turn
func (m *Metrics) RecordFirstResponse(d time.Duration) {
	m.FirstResponseTime.Observe(d.Seconds())
}

// RecordReconnect counts an upstream reconnect
func (m *Metrics) RecordReconnect() {
	m.UpstreamReconnects.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
}
