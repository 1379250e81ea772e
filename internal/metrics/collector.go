package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects and exposes metrics
type Collector struct {
	registry        *prometheus.Registry
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	batchesTotal    prometheus.Counter
	stallsTotal     prometheus.Counter
	runsTotal       *prometheus.CounterVec
	pollTicksTotal  *prometheus.CounterVec
	runActive       prometheus.Gauge
}

// New creates a new metrics collector with its own registry
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bragsync_requests_total",
				Help: "Total number of remote operations by result",
			},
			[]string{"operation", "result"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bragsync_request_duration_seconds",
				Help:    "Time taken by a remote operation",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 180, 300},
			},
			[]string{"operation"},
		),
		batchesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "bragsync_batches_total",
				Help: "Total number of stage 3 batches processed",
			},
		),
		stallsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "bragsync_stalls_total",
				Help: "Total number of batch loops ended by stall detection",
			},
		),
		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bragsync_runs_total",
				Help: "Total number of orchestrated runs by kind and final status",
			},
			[]string{"kind", "status"},
		),
		pollTicksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bragsync_poll_ticks_total",
				Help: "Total number of progress poll ticks by result",
			},
			[]string{"result"},
		),
		runActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "bragsync_run_active",
				Help: "1 while an orchestrated run is executing",
			},
		),
	}

	c.registry.MustRegister(
		c.requestsTotal,
		c.requestDuration,
		c.batchesTotal,
		c.stallsTotal,
		c.runsTotal,
		c.pollTicksTotal,
		c.runActive,
	)

	return c
}

// ObserveRequest records one finished remote operation
func (c *Collector) ObserveRequest(op string, result string, duration time.Duration) {
	c.requestsTotal.WithLabelValues(op, result).Inc()
	c.requestDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// IncBatch increments the batch counter
func (c *Collector) IncBatch() {
	c.batchesTotal.Inc()
}

// IncStall increments the stall counter
func (c *Collector) IncStall() {
	c.stallsTotal.Inc()
}

// IncPollTick counts a poll tick by result
func (c *Collector) IncPollTick(result string) {
	c.pollTicksTotal.WithLabelValues(result).Inc()
}

// RunStarted marks a run as active
func (c *Collector) RunStarted() {
	c.runActive.Set(1)
}

// RunFinished records a run outcome and clears the active gauge
func (c *Collector) RunFinished(kind, status string) {
	c.runActive.Set(0)
	c.runsTotal.WithLabelValues(kind, status).Inc()
}

// Registry exposes the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// StartServer serves /metrics on addr in the background. Listen failures are
// delivered on the returned channel, which closes when the server stops.
func (c *Collector) StartServer(addr string) (*http.Server, <-chan error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	return srv, errCh
}
