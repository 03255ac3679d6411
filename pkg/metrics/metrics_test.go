package metrics

import (
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func TestObserveDwellRecordsSample(t *testing.T) {
	r := New()
	r.ObserveDwell("listening", 150*time.Millisecond)

	mf, err := r.Gatherer().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if !hasMetric(mf, "aethon_state_dwell_seconds") {
		t.Fatalf("expected aethon_state_dwell_seconds in gathered families")
	}
}

func TestObserveToolCallTracksOutcome(t *testing.T) {
	r := New()
	r.ObserveToolCall("get_current_datetime", true, 10*time.Millisecond)
	r.ObserveToolCall("get_system_info", false, 5*time.Millisecond)

	if testCounterValue(t, r, "get_current_datetime", "ok") != 1 {
		t.Errorf("expected one ok sample for get_current_datetime")
	}
	if testCounterValue(t, r, "get_system_info", "error") != 1 {
		t.Errorf("expected one error sample for get_system_info")
	}
}

func testCounterValue(t *testing.T, r *Registry, tool, outcome string) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := r.ToolCallsTotal.WithLabelValues(tool, outcome).Write(m); err != nil {
		t.Fatalf("write: %v", err)
	}
	return m.GetCounter().GetValue()
}

func hasMetric(mf []*dto.MetricFamily, name string) bool {
	for _, f := range mf {
		if f.GetName() == name {
			return true
		}
	}
	return false
}
