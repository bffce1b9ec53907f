package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMustRegister(t *testing.T) {
	reg := prometheus.NewRegistry()

	// This should not panic
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("MustRegister() panicked: %v", r)
		}
	}()

	MustRegister(reg)

	// Record some values so metrics appear in Gather()
	RecordDispatch("document.uploaded")
	RecordAttempt("delivered", 0.123)
	RecordRetry("timeout")
	RecordTerminalFailure()
	UpdateEventBacklog(5)

	metricFamilies, err := reg.Gather()
	if err != nil {
		t.Errorf("Registry.Gather() error: %v", err)
	}

	expectedMetrics := []string{
		"hookd_events_dispatched_total",
		"hookd_deliveries_total",
		"hookd_retries_total",
		"hookd_terminal_failures_total",
		"hookd_attempt_duration_seconds",
		"hookd_event_backlog",
	}

	registeredMetrics := make(map[string]bool)
	for _, mf := range metricFamilies {
		registeredMetrics[mf.GetName()] = true
	}

	for _, expected := range expectedMetrics {
		if !registeredMetrics[expected] {
			t.Errorf("Expected metric %s not found in registry", expected)
		}
	}
}

func TestRecordDispatch(t *testing.T) {
	EventsDispatchedTotal.Reset()

	tests := []struct {
		name      string
		eventName string
		calls     int
		expected  float64
	}{
		{"single dispatch", "document.uploaded", 1, 1},
		{"repeated dispatch", "invoice.generated", 3, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < tt.calls; i++ {
				RecordDispatch(tt.eventName)
			}

			got := testutil.ToFloat64(EventsDispatchedTotal.WithLabelValues(tt.eventName))
			if got != tt.expected {
				t.Errorf("counter for %q = %v, want %v", tt.eventName, got, tt.expected)
			}
		})
	}
}

func TestRecordAttempt(t *testing.T) {
	DeliveriesTotal.Reset()

	RecordAttempt("delivered", 0.05)
	RecordAttempt("failed", 1.2)
	RecordAttempt("failed", 0.9)

	if got := testutil.ToFloat64(DeliveriesTotal.WithLabelValues("delivered")); got != 1 {
		t.Errorf("delivered counter = %v, want 1", got)
	}
	if got := testutil.ToFloat64(DeliveriesTotal.WithLabelValues("failed")); got != 2 {
		t.Errorf("failed counter = %v, want 2", got)
	}
}

func TestRecordRetry(t *testing.T) {
	RetriesTotal.Reset()

	reasons := []string{"timeout", "http_5xx", "http_5xx", "network"}
	for _, r := range reasons {
		RecordRetry(r)
	}

	if got := testutil.ToFloat64(RetriesTotal.WithLabelValues("http_5xx")); got != 2 {
		t.Errorf("http_5xx retry counter = %v, want 2", got)
	}
	if got := testutil.ToFloat64(RetriesTotal.WithLabelValues("timeout")); got != 1 {
		t.Errorf("timeout retry counter = %v, want 1", got)
	}
}

func TestUpdateEventBacklog(t *testing.T) {
	UpdateEventBacklog(42)
	if got := testutil.ToFloat64(EventBacklog); got != 42 {
		t.Errorf("backlog gauge = %v, want 42", got)
	}

	// Gauges overwrite, not accumulate
	UpdateEventBacklog(7)
	if got := testutil.ToFloat64(EventBacklog); got != 7 {
		t.Errorf("backlog gauge = %v, want 7", got)
	}
}
