package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for mailkite. All helper methods are
// safe on a nil receiver so tests can wire components without a registry.
type Metrics struct {
	// Delivery counters
	EmailsSentTotal   *prometheus.CounterVec
	EmailsFailedTotal *prometheus.CounterVec

	// Engagement counters
	OpensTotal        prometheus.Counter
	ClicksTotal       prometheus.Counter
	BouncesTotal      prometheus.Counter
	UnsubscribesTotal prometheus.Counter
	UnknownTokenTotal prometheus.Counter

	// Webhook counters
	WebhookEventsTotal     *prometheus.CounterVec
	WebhookDuplicatesTotal prometheus.Counter

	// Dispatch
	DispatchDurationSeconds prometheus.Histogram

	// HTTP
	HTTPRequestsTotal          *prometheus.CounterVec
	HTTPRequestDurationSeconds *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates a Metrics instance with all metrics registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		EmailsSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailkite_emails_sent_total",
				Help: "Total number of emails accepted by the transport",
			},
			[]string{"variant"},
		),
		EmailsFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailkite_emails_failed_total",
				Help: "Total number of emails that failed permanently",
			},
			[]string{"reason"},
		),
		OpensTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mailkite_opens_total",
			Help: "Total number of open events recorded",
		}),
		ClicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mailkite_clicks_total",
			Help: "Total number of click events recorded",
		}),
		BouncesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mailkite_bounces_total",
			Help: "Total number of bounce events recorded",
		}),
		UnsubscribesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mailkite_unsubscribes_total",
			Help: "Total number of unsubscribe events recorded",
		}),
		UnknownTokenTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mailkite_unknown_token_total",
			Help: "Total number of tracking events with an unknown token",
		}),
		WebhookEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailkite_webhook_events_total",
				Help: "Total number of transport webhook events processed",
			},
			[]string{"type"},
		),
		WebhookDuplicatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mailkite_webhook_duplicates_total",
			Help: "Total number of webhook events dropped as duplicates",
		}),
		DispatchDurationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mailkite_dispatch_duration_seconds",
			Help:    "Duration of campaign dispatch runs",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailkite_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mailkite_http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.EmailsSentTotal,
		m.EmailsFailedTotal,
		m.OpensTotal,
		m.ClicksTotal,
		m.BouncesTotal,
		m.UnsubscribesTotal,
		m.UnknownTokenTotal,
		m.WebhookEventsTotal,
		m.WebhookDuplicatesTotal,
		m.DispatchDurationSeconds,
		m.HTTPRequestsTotal,
		m.HTTPRequestDurationSeconds,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// IncSent records a transport-accepted email for a variant ("" = default).
func (m *Metrics) IncSent(variant string) {
	if m == nil {
		return
	}
	if variant == "" {
		variant = "none"
	}
	m.EmailsSentTotal.WithLabelValues(variant).Inc()
}

// IncFailed records a permanently failed email.
func (m *Metrics) IncFailed(reason string) {
	if m == nil {
		return
	}
	m.EmailsFailedTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncOpen() {
	if m != nil {
		m.OpensTotal.Inc()
	}
}

func (m *Metrics) IncClick() {
	if m != nil {
		m.ClicksTotal.Inc()
	}
}

func (m *Metrics) IncBounce() {
	if m != nil {
		m.BouncesTotal.Inc()
	}
}

func (m *Metrics) IncUnsubscribe() {
	if m != nil {
		m.UnsubscribesTotal.Inc()
	}
}

func (m *Metrics) IncUnknownToken() {
	if m != nil {
		m.UnknownTokenTotal.Inc()
	}
}

func (m *Metrics) IncWebhookEvent(eventType string) {
	if m != nil {
		m.WebhookEventsTotal.WithLabelValues(eventType).Inc()
	}
}

func (m *Metrics) IncWebhookDuplicate() {
	if m != nil {
		m.WebhookDuplicatesTotal.Inc()
	}
}

func (m *Metrics) ObserveDispatch(seconds float64) {
	if m != nil {
		m.DispatchDurationSeconds.Observe(seconds)
	}
}

func (m *Metrics) ObserveHTTP(method, path, status string, seconds float64) {
	if m != nil {
		m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
		m.HTTPRequestDurationSeconds.WithLabelValues(method, path).Observe(seconds)
	}
}
