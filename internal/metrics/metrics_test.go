package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCallLifecycleMetrics(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordCallStarted()
	m.RecordCallStarted()
	m.RecordCallEnded("telephony_stop", 3*time.Second)

	if got := testutil.ToFloat64(m.ActiveCalls); got != 1 {
		t.Errorf("active calls = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.CallsEnded.WithLabelValues("telephony_stop")); got != 1 {
		t.Errorf("ended = %v, want 1", got)
	}
}

func TestForwardingMetrics(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordForwarded(DirectionInbound, time.Millisecond, false)
	m.RecordForwarded(DirectionInbound, 80*time.Millisecond, true)
	m.RecordDropped(DirectionOutbound, 3)
	m.RecordDropped(DirectionOutbound, 0)

	if got := testutil.ToFloat64(m.FramesForwarded.WithLabelValues(DirectionInbound)); got != 2 {
		t.Errorf("forwarded = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.LatencyOverruns.WithLabelValues(DirectionInbound)); got != 1 {
		t.Errorf("overruns = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.FramesDropped.WithLabelValues(DirectionOutbound)); got != 3 {
		t.Errorf("dropped = %v, want 3", got)
	}
}

func TestSeparateRegistries(t *testing.T) {
	// Registering twice on distinct registries must not panic.
	NewMetrics(prometheus.NewRegistry())
	NewMetrics(prometheus.NewRegistry())
}
