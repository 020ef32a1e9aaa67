package metrics

import (
	"regexp"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reliabilityLabelSanitizer = regexp.MustCompile(`[^a-z0-9_]+`)

	jobFinalizationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dprod",
			Subsystem: "reliability",
			Name:      "job_finalizations_total",
			Help:      "Total number of jobs driven to a terminal deployment status, by status and failure kind",
		},
		[]string{"status", "reason"},
	)

	jobRedeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dprod",
			Subsystem: "reliability",
			Name:      "job_redeliveries_total",
			Help:      "Total number of jobs left on the queue for redelivery, by failure kind",
		},
		[]string{"reason"},
	)

	jobDropsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dprod",
			Subsystem: "reliability",
			Name:      "job_drops_total",
			Help:      "Total number of messages acknowledged without processing, by reason",
		},
		[]string{"reason"},
	)
)

// RecordJobFinalization counts a job that reached a terminal deployment
// status. reason carries the failure kind and is empty for successes.
func RecordJobFinalization(status, reason string) {
	if reason == "" {
		reason = "none"
	}
	jobFinalizationsTotal.WithLabelValues(
		sanitizeReliabilityLabel(status, "unknown"),
		sanitizeReliabilityLabel(reason, "unknown"),
	).Inc()
}

// RecordJobRedelivery counts a job returned to the queue after a
// retryable failure.
func RecordJobRedelivery(reason string) {
	jobRedeliveriesTotal.WithLabelValues(
		sanitizeReliabilityLabel(reason, "unknown"),
	).Inc()
}

// RecordJobDrop counts a message acknowledged without running the
// pipeline, such as malformed payloads or duplicate deliveries.
func RecordJobDrop(reason string) {
	jobDropsTotal.WithLabelValues(
		sanitizeReliabilityLabel(reason, "unknown"),
	).Inc()
}

func sanitizeReliabilityLabel(raw, fallback string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return fallback
	}
	s = reliabilityLabelSanitizer.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if s == "" {
		return fallback
	}
	if len(s) > 63 {
		s = s[:63]
	}
	return s
}
