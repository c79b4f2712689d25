package scopez

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetricsRegisters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}

	m.spanStarted()
	m.spanStarted()
	m.spanFinished(StatusOK)
	m.spanFinished(StatusCancelled)

	if got := testutil.ToFloat64(m.SpansStarted); got != 2 {
		t.Errorf("Expected 2 started, got %v", got)
	}
	if got := testutil.ToFloat64(m.SpansFinished.WithLabelValues("cancelled")); got != 1 {
		t.Errorf("Expected 1 cancelled, got %v", got)
	}
	if got := testutil.ToFloat64(m.OpenSpans); got != 0 {
		t.Errorf("Expected 0 open, got %v", got)
	}

	if n, err := testutil.GatherAndCount(reg); err != nil || n == 0 {
		t.Errorf("Expected gathered metrics, got %d (%v)", n, err)
	}
}

func TestNewMetricsDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := NewMetrics(reg); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	if _, err := NewMetrics(reg); err == nil {
		t.Error("Expected duplicate registration to fail")
	}
}

func TestNilMetrics(_ *testing.T) {
	var m *Metrics
	m.spanStarted()
	m.spanFinished(StatusOK)
	m.duplicateFinish()
	m.orphanedSpan()
	m.transactionEmitted()
	m.droppedTree()
}
