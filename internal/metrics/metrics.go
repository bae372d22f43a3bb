// Package metrics exposes the bridge's Prometheus metrics: poll and
// request counters for operators, and one gauge per sensor entity so
// snapshot values can be scraped directly.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nugget/matomo-bridge/internal/matomo"
)

const namespace = "matomo"

// Metrics holds every collector. Methods on a nil *Metrics are no-ops.
type Metrics struct {
	gatherer prometheus.Gatherer

	PollsTotal     *prometheus.CounterVec
	PollDuration   *prometheus.HistogramVec
	RequestsTotal  *prometheus.CounterVec
	RequestLatency *prometheus.HistogramVec
	SensorValue    *prometheus.GaugeVec
	EntryAvailable *prometheus.GaugeVec
	EntriesLoaded  prometheus.Gauge
}

// New registers the collectors with reg. Pass prometheus.NewRegistry()
// in tests to keep them isolated.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gatherer: reg,

		PollsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "polls_total",
				Help:      "Poll cycles by config entry and result",
			},
			[]string{"entry", "result"},
		),
		PollDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "poll_duration_seconds",
				Help:      "Duration of a full poll cycle in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"entry"},
		),
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_requests_total",
				Help:      "Matomo API calls by method and outcome",
			},
			[]string{"method", "outcome"},
		),
		RequestLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "api_request_duration_seconds",
				Help:      "Latency of Matomo API calls in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		SensorValue: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sensor_value",
				Help:      "Latest value of each sensor entity",
			},
			[]string{"entry", "site", "key"},
		),
		EntryAvailable: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "entry_available",
				Help:      "1 when the entry's last poll succeeded, 0 otherwise",
			},
			[]string{"entry"},
		),
		EntriesLoaded: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "entries_loaded",
				Help:      "Number of config entries with a running coordinator",
			},
		),
	}
}

// Outcome classifies a Matomo call error for metric labels.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, matomo.ErrAuth):
		return "auth"
	case errors.Is(err, matomo.ErrConnectivity):
		return "connectivity"
	case errors.Is(err, matomo.ErrMalformed):
		return "malformed"
	case errors.Is(err, matomo.ErrAPI):
		return "api"
	default:
		return "error"
	}
}

// ObserveRequest implements matomo.Observer.
func (m *Metrics) ObserveRequest(method string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, Outcome(err)).Inc()
	m.RequestLatency.WithLabelValues(method).Observe(elapsed.Seconds())
}

// ObservePoll implements coordinator.PollObserver.
func (m *Metrics) ObservePoll(entryID string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.PollsTotal.WithLabelValues(entryID, result).Inc()
	m.PollDuration.WithLabelValues(entryID).Observe(elapsed.Seconds())
}

// SetEntriesLoaded records the number of running coordinators.
func (m *Metrics) SetEntriesLoaded(n int) {
	if m == nil {
		return
	}
	m.EntriesLoaded.Set(float64(n))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
