package handler

import (
	"fmt"
	"io"
	"net/http"
	"slices"

	"github.com/mailverify/mailverify/internal/metrics"
)

// MetricsHandler exposes in-memory metrics.
type MetricsHandler struct {
	snapshotter metrics.Snapshotter
}

// NewMetricsHandler creates a new MetricsHandler.
func NewMetricsHandler(snapshotter metrics.Snapshotter) *MetricsHandler {
	return &MetricsHandler{snapshotter: snapshotter}
}

// Metrics returns metrics in Prometheus exposition format.
func (h *MetricsHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	if h.snapshotter == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	snap := h.snapshotter.Snapshot()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	writeLabeled(w, "mailverify_verifications_total", "status", snap.Verifications)
	writeMetric(w, "mailverify_verify_duration_seconds_count %d\n", snap.VerifyDurationCount)
	writeMetric(w, "mailverify_verify_duration_seconds_sum %.6f\n", float64(snap.VerifyDurationTotalNs)/1e9)

	writeLabeled(w, "mailverify_smtp_probes_total", "outcome", snap.SMTPProbes)
	writeMetric(w, "mailverify_dns_cache_hits_total %d\n", snap.DNSCacheHits)
	writeMetric(w, "mailverify_dns_cache_misses_total %d\n", snap.DNSCacheMisses)

	writeLabeled(w, "mailverify_credit_debits_total", "status", snap.CreditDebits)

	writeLabeled(w, "mailverify_tasks_finished_total", "status", snap.TasksFinished)
	writeMetric(w, "mailverify_task_queue_depth %d\n", snap.TaskQueueDepth)
}

// writeLabeled writes one sample per label value, sorted for stable output.
func writeLabeled(w io.Writer, name, label string, values map[string]uint64) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		writeMetric(w, "%s{%s=%q} %d\n", name, label, k, values[k])
	}
}

func writeMetric(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}
