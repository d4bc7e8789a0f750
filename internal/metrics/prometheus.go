// Package metrics exposes the gateway's Prometheus collectors.
//
// Everything is registered on a private registry so the process does not
// publish whatever happens to live in the global default one.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_backend_errors_total{kind}
	backendErrors *prometheus.CounterVec

	// gateway_billing_events_total{phase}
	billingEvents *prometheus.CounterVec

	// gateway_billed_quantity_total{phase}
	billedQuantity *prometheus.CounterVec

	// gateway_stream_drains_total
	streamDrains prometheus.Counter

	// gateway_auth_failures_total{reason}
	authFailures *prometheus.CounterVec
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds, backend exchange and billing included",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"route"},
		),

		backendErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_backend_errors_total",
				Help: "Failed backend exchanges by failure kind",
			},
			[]string{"kind"},
		),

		billingEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_billing_events_total",
				Help: "Billing events written to the ledger",
			},
			[]string{"phase"},
		),

		billedQuantity: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_billed_quantity_total",
				Help: "Sum of billed quantities (tokens, or seconds for transcription)",
			},
			[]string{"phase"},
		),

		streamDrains: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_stream_drains_total",
			Help: "Streams whose caller disconnected before the backend finished",
		}),

		authFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_auth_failures_total",
				Help: "Rejected requests by authentication failure reason",
			},
			[]string{"reason"},
		),
	}

	reg.MustRegister(
		r.httpRequestsTotal,
		r.httpDuration,
		r.backendErrors,
		r.billingEvents,
		r.billedQuantity,
		r.streamDrains,
		r.authFailures,
	)
	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

func (r *Registry) ObserveRequest(route string, status int, d time.Duration) {
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(d.Seconds())
}

func (r *Registry) BackendError(kind string) {
	r.backendErrors.WithLabelValues(kind).Inc()
}

func (r *Registry) BillingEvent(phase string, quantity int64) {
	r.billingEvents.WithLabelValues(phase).Inc()
	r.billedQuantity.WithLabelValues(phase).Add(float64(quantity))
}

func (r *Registry) StreamDrained() {
	r.streamDrains.Inc()
}

func (r *Registry) AuthFailure(reason string) {
	r.authFailures.WithLabelValues(reason).Inc()
}
