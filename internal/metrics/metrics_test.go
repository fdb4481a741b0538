package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	if m == nil {
		t.Fatal("NewMetricsWithRegistry returned nil")
	}
	if m.StreamsActive == nil {
		t.Error("StreamsActive metric is nil")
	}
	if m.BytesSent == nil {
		t.Error("BytesSent metric is nil")
	}
}

func TestStreamOpenClose(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.StreamOpened()
	m.StreamOpened()
	m.StreamOpened()
	m.StreamClosed()

	if got := testutil.ToFloat64(m.StreamsActive); got != 2 {
		t.Errorf("StreamsActive = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.StreamsOpened); got != 3 {
		t.Errorf("StreamsOpened = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.StreamsClosed); got != 1 {
		t.Errorf("StreamsClosed = %v, want 1", got)
	}
}

func TestFramesAndBytes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.FrameSent(100)
	m.FrameSent(50)
	m.FrameReceived(200)

	if got := testutil.ToFloat64(m.FramesSent); got != 2 {
		t.Errorf("FramesSent = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.BytesSent); got != 150 {
		t.Errorf("BytesSent = %v, want 150", got)
	}
	if got := testutil.ToFloat64(m.FramesReceived); got != 1 {
		t.Errorf("FramesReceived = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.BytesReceived); got != 200 {
		t.Errorf("BytesReceived = %v, want 200", got)
	}
}

func TestRegistrations(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RegistrationOpened()
	m.RegistrationOpened()
	m.RegistrationClosed()

	if got := testutil.ToFloat64(m.RegistrationsActive); got != 1 {
		t.Errorf("RegistrationsActive = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RegistrationsTotal); got != 2 {
		t.Errorf("RegistrationsTotal = %v, want 2", got)
	}
}

func TestHandshakeMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordHandshake(0.01)
	m.RecordHandshakeError("bad_token")
	m.RecordHandshakeError("bad_token")
	m.RecordHandshakeError("timeout")

	if got := testutil.ToFloat64(m.HandshakeErrors.WithLabelValues("bad_token")); got != 2 {
		t.Errorf("HandshakeErrors[bad_token] = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.HandshakeErrors.WithLabelValues("timeout")); got != 1 {
		t.Errorf("HandshakeErrors[timeout] = %v, want 1", got)
	}
}

func TestStreamErrors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.StreamError("dial_failed")
	m.StreamError("dial_failed")
	m.StreamError("write_failed")

	if got := testutil.ToFloat64(m.StreamErrors.WithLabelValues("dial_failed")); got != 2 {
		t.Errorf("StreamErrors[dial_failed] = %v, want 2", got)
	}
}

func TestDefaultMetrics(t *testing.T) {
	m1 := Default()
	m2 := Default()

	if m1 != m2 {
		t.Error("Default() should return the same instance")
	}
	if m1 == nil {
		t.Error("Default() returned nil")
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics

	// None of these may panic on a nil receiver.
	m.StreamOpened()
	m.StreamClosed()
	m.StreamError("x")
	m.FrameSent(10)
	m.FrameReceived(10)
	m.RegistrationOpened()
	m.RegistrationClosed()
	m.RecordHandshake(0.1)
	m.RecordHandshakeError("x")
}
