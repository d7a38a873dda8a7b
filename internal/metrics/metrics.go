// Package metrics exposes Prometheus counters and histograms for the server.
//
// Code that records metrics depends on the Recorder interface, not on
// Prometheus. Tests pass Nop{} and the production wiring passes a *Collector
// registered on its own registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sign-in outcomes used as the "outcome" label.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Recorder is what the services and middleware report to.
type Recorder interface {
	RecordRequest(method, route string, status int, duration time.Duration)
	RecordSignIn(provider, outcome string)
	RecordRegistration()
	RecordTaskOperation(op string)
}

// Collector is the Prometheus implementation of Recorder.
type Collector struct {
	requests      *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	signIns       *prometheus.CounterVec
	registrations prometheus.Counter
	taskOps       *prometheus.CounterVec
}

var _ Recorder = (*Collector)(nil)

// NewCollector creates a Collector and registers its metrics on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tasklist_http_requests_total",
			Help: "HTTP requests by method, route pattern and status code.",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tasklist_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		signIns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tasklist_sign_ins_total",
			Help: "Sign-in attempts by provider and outcome.",
		}, []string{"provider", "outcome"}),
		registrations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tasklist_registrations_total",
			Help: "Accounts created through the registration form.",
		}),
		taskOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tasklist_task_operations_total",
			Help: "Successful task mutations by operation.",
		}, []string{"op"}),
	}

	reg.MustRegister(
		c.requests,
		c.latency,
		c.signIns,
		c.registrations,
		c.taskOps,
	)

	return c
}

// NewRegistry returns a registry preloaded with the Go runtime and process
// collectors, ready to pass to NewCollector and Handler.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// RecordRequest counts one served request and observes its latency.
// route is the chi route pattern ("/todos"), never the raw path, so ids in
// URLs cannot blow up label cardinality.
func (c *Collector) RecordRequest(method, route string, status int, duration time.Duration) {
	c.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.latency.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordSignIn counts a sign-in attempt.
func (c *Collector) RecordSignIn(provider, outcome string) {
	c.signIns.WithLabelValues(provider, outcome).Inc()
}

// RecordRegistration counts a newly registered account.
func (c *Collector) RecordRegistration() {
	c.registrations.Inc()
}

// RecordTaskOperation counts a successful create, update or delete.
func (c *Collector) RecordTaskOperation(op string) {
	c.taskOps.WithLabelValues(op).Inc()
}

// Handler returns the HTTP handler for Prometheus scraping.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Nop discards everything. Used in tests and when metrics are disabled.
type Nop struct{}

var _ Recorder = Nop{}

func (Nop) RecordRequest(string, string, int, time.Duration) {}
func (Nop) RecordSignIn(string, string)                      {}
func (Nop) RecordRegistration()                              {}
func (Nop) RecordTaskOperation(string)                       {}
