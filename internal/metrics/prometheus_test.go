// ABOUTME: Tests for Prometheus metrics
// ABOUTME: Checks registration on isolated registries and nil safety
package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewIsolatedRegistries(t *testing.T) {
	// Two instances must not collide on registration.
	a := New()
	b := New()

	a.RecordFrameSent("phone", 100)
	if got := testutil.ToFloat64(a.FramesSent.WithLabelValues("phone")); got != 1 {
		t.Errorf("expected 1 frame, got %v", got)
	}
	if got := testutil.ToFloat64(b.FramesSent.WithLabelValues("phone")); got != 0 {
		t.Errorf("registries leaked between instances: %v", got)
	}
}

func TestRecorders(t *testing.T) {
	m := New()

	m.RecordCapture(400)
	m.RecordCapture(400)
	m.RecordControl("volume", nil)
	m.RecordControl("volume", errors.New("refused"))
	m.SetSessions(3, 2)

	if got := testutil.ToFloat64(m.CaptureBytes); got != 800 {
		t.Errorf("expected 800 captured bytes, got %v", got)
	}
	if got := testutil.ToFloat64(m.ControlRequests.WithLabelValues("volume", "error")); got != 1 {
		t.Errorf("expected 1 failed control, got %v", got)
	}
	if got := testutil.ToFloat64(m.ConnectedGauge); got != 2 {
		t.Errorf("expected 2 connected, got %v", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordCapture(1)
	m.RecordFrameDropped("x")
	m.SetCapturing(true)
	m.RecordDisconnect("peer")
}
