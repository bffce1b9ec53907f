package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	EventsDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookd_events_dispatched_total",
			Help: "Total number of domain events handed to the dispatcher.",
		},
		[]string{"event"},
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookd_deliveries_total",
			Help: "Total number of delivery attempts by outcome.",
		},
		[]string{"outcome"}, // delivered, failed
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookd_retries_total",
			Help: "Total number of delivery retries scheduled, by reason.",
		},
		[]string{"reason"}, // e.g. http_5xx, timeout, network, other
	)

	TerminalFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hookd_terminal_failures_total",
			Help: "Total number of deliveries that exhausted their attempts.",
		},
	)

	AttemptDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hookd_attempt_duration_seconds",
			Help:    "Duration of outbound webhook attempts.",
			Buckets: prometheus.DefBuckets,
		},
	)

	EventBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hookd_event_backlog",
			Help: "Depth of the upstream events topic as seen by this consumer.",
		},
	)
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		EventsDispatchedTotal,
		DeliveriesTotal,
		RetriesTotal,
		TerminalFailuresTotal,
		AttemptDuration,
		EventBacklog,
	)
}

// RecordDispatch increments the dispatched-events counter for an event name.
func RecordDispatch(eventName string) {
	EventsDispatchedTotal.WithLabelValues(eventName).Inc()
}

// RecordAttempt records one attempt outcome and its duration in seconds.
func RecordAttempt(outcome string, seconds float64) {
	DeliveriesTotal.WithLabelValues(outcome).Inc()
	AttemptDuration.Observe(seconds)
}

// RecordRetry increments the retry counter for a failure reason.
func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

// RecordTerminalFailure increments the exhausted-deliveries counter.
func RecordTerminalFailure() {
	TerminalFailuresTotal.Inc()
}

// UpdateEventBacklog sets the observed events topic depth.
func UpdateEventBacklog(depth float64) {
	EventBacklog.Set(depth)
}
