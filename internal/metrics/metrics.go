package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uar_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "uar_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 5},
		},
		[]string{"method", "path"},
	)

	jobRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uar_job_runs_total",
			Help: "Scheduler job runs by job and outcome (ok, error, panic, skipped)",
		},
		[]string{"job", "outcome"},
	)

	jobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "uar_job_duration_seconds",
			Help:    "Scheduler job run duration",
			Buckets: []float64{.05, .1, .5, 1, 5, 15, 30, 60, 300},
		},
		[]string{"job"},
	)

	campaignRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uar_campaign_rows_total",
			Help: "Workflow and review rows written by campaign generation",
		},
		[]string{"stage", "outcome"},
	)

	remindersQueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uar_reminders_queued_total",
			Help: "Reminder candidates queued by item code",
		},
		[]string{"item_code"},
	)

	notificationsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uar_notifications_dispatched_total",
			Help: "Notification candidates finalized by status",
		},
		[]string{"status"},
	)

	webhookLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "uar_webhook_latency_seconds",
			Help:    "Outbound notification webhook latency",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10, 30},
		},
	)

	picRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uar_pic_records_total",
			Help: "PIC candidates handled by reconciliation (fetched, duplicate, invalid, inserted)",
		},
		[]string{"application_id", "result"},
	)

	sourceFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uar_pic_source_failures_total",
			Help: "Failed PIC upstream source fetches",
		},
		[]string{"source"},
	)

	auditDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "uar_audit_events_dropped_total",
			Help: "Audit events dropped because the publish queue was full",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordJobRun records one scheduler job run.
func RecordJobRun(job, outcome string, duration time.Duration) {
	jobRuns.WithLabelValues(job, outcome).Inc()
	if outcome != "skipped" {
		jobDuration.WithLabelValues(job).Observe(duration.Seconds())
	}
}

// RecordCampaignRows adds generated row counts for a stage.
func RecordCampaignRows(stage string, inserted, updated int) {
	campaignRows.WithLabelValues(stage, "inserted").Add(float64(inserted))
	campaignRows.WithLabelValues(stage, "updated").Add(float64(updated))
}

// RecordReminderQueued counts one queued reminder.
func RecordReminderQueued(itemCode string) {
	remindersQueued.WithLabelValues(itemCode).Inc()
}

// RecordNotificationDispatched counts a finalized candidate.
func RecordNotificationDispatched(status string) {
	notificationsDispatched.WithLabelValues(status).Inc()
}

// RecordWebhookLatency observes one webhook round trip.
func RecordWebhookLatency(d time.Duration) {
	webhookLatency.Observe(d.Seconds())
}

// RecordPicRecords adds reconciliation counts for an application.
func RecordPicRecords(applicationID, result string, n int) {
	picRecords.WithLabelValues(applicationID, result).Add(float64(n))
}

// RecordSourceFailure counts one failed upstream fetch.
func RecordSourceFailure(source string) {
	sourceFailures.WithLabelValues(source).Inc()
}

// RecordAuditDropped counts an audit event dropped on a full queue.
func RecordAuditDropped() {
	auditDropped.Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
