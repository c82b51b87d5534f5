package telemetry

import (
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func TestNilRegistryIsSafe(t *testing.T) {
	var r *Registry
	r.RecordState("@idle.initial", []string{"@idle.initial", "@ok.connected"})
	r.RecordReconnect()
	r.SetBackoffDelay(time.Second)
	r.IncFramesSent()
	r.IncFramesReceived()
	r.IncFrameDecodeErrors()
	if r.Registerer() != nil {
		t.Error("Registerer() on nil Registry should return nil")
	}
}

func TestRecordStateSetsOnlyCurrentToOne(t *testing.T) {
	r := New("presence_test_state")
	all := []string{"@idle.initial", "@ok.connected", "@auth.busy"}
	r.RecordState("@ok.connected", all)

	for _, s := range all {
		m := &dto.Metric{}
		g := r.ConnectionState.WithLabelValues(s)
		if err := g.(interface{ Write(*dto.Metric) error }).Write(m); err != nil {
			t.Fatalf("Write: %v", err)
		}
		want := 0.0
		if s == "@ok.connected" {
			want = 1.0
		}
		if m.GetGauge().GetValue() != want {
			t.Errorf("state %q gauge = %v, want %v", s, m.GetGauge().GetValue(), want)
		}
	}
}

func TestReconnectsTotalIncrements(t *testing.T) {
	r := New("presence_test_reconnects")
	r.RecordReconnect()
	r.RecordReconnect()

	m := &dto.Metric{}
	if err := r.ReconnectsTotal.(interface{ Write(*dto.Metric) error }).Write(m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if m.GetCounter().GetValue() != 2 {
		t.Errorf("ReconnectsTotal = %v, want 2", m.GetCounter().GetValue())
	}
}
