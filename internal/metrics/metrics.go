package metrics

import (
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	reg *prometheus.Registry

	LegChanges   *prometheus.CounterVec // change label: inserted|updated|deleted|unchanged|terminator
	ModeRows     prometheus.Counter
	DevicePasses *prometheus.CounterVec // outcome label: processed|skipped|locked|failed
	PassDuration prometheus.Histogram

	Attached prometheus.Counter
	Detached prometheus.Counter

	PlannerRequests *prometheus.CounterVec // outcome label: ok|no_plan|failed
	PlannerDuration prometheus.Histogram
	Labels          *prometheus.CounterVec // outcome label: matched|unmatched|no_plan

	Ratings prometheus.Counter

	TaskRuns     *prometheus.CounterVec // task, result labels
	TaskDuration *prometheus.HistogramVec

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge
	PublishDuration prometheus.Histogram

	LegsInterval    prometheus.Gauge // seconds
	TransitInterval prometheus.Gauge // seconds
}

func NewCollector(legsInterval, transitInterval time.Duration) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		LegChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "legsync_leg_changes_total",
			Help: "Legs reconciled, by change kind.",
		}, []string{"change"}),
		ModeRows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "legsync_mode_writes_total",
			Help: "Mode table rows inserted, updated or deleted.",
		}),
		DevicePasses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "legsync_device_passes_total",
			Help: "Device reconciliation passes, by outcome.",
		}, []string{"outcome"}),
		PassDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "legsync_device_pass_duration_seconds",
			Help:    "Duration of a device reconciliation pass.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 15),
		}),
		Attached: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "legsync_legs_attached_total",
			Help: "Legs attached to a user.",
		}),
		Detached: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "legsync_legs_detached_total",
			Help: "Legs detached from a user.",
		}),
		PlannerRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "legsync_planner_requests_total",
			Help: "Journey planner requests, by outcome.",
		}, []string{"outcome"}),
		PlannerDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "legsync_planner_request_duration_seconds",
			Help:    "Duration of journey planner requests.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		Labels: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "legsync_transit_labels_total",
			Help: "Vehicle legs run through the transit matcher, by outcome.",
		}, []string{"outcome"}),
		Ratings: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "legsync_daily_ratings_total",
			Help: "Daily user ratings written.",
		}),
		TaskRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "legsync_task_runs_total",
			Help: "Scheduled task runs, by task and result.",
		}, []string{"task", "result"}),
		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "legsync_task_duration_seconds",
			Help:    "Duration of scheduled task runs.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
		}, []string{"task"}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "legsync_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "legsync_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "legsync_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "legsync_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		LegsInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "legsync_legs_interval_seconds",
			Help: "Leg reconciliation interval in seconds.",
		}),
		TransitInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "legsync_transit_interval_seconds",
			Help: "Transit labeling interval in seconds.",
		}),
	}

	reg.MustRegister(
		c.LegChanges, c.ModeRows, c.DevicePasses, c.PassDuration,
		c.Attached, c.Detached,
		c.PlannerRequests, c.PlannerDuration, c.Labels,
		c.Ratings,
		c.TaskRuns, c.TaskDuration,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected, c.PublishDuration,
		c.LegsInterval, c.TransitInterval,
	)

	c.LegsInterval.Set(legsInterval.Seconds())
	c.TransitInterval.Set(transitInterval.Seconds())

	return c
}

func (c *Collector) LegOutcome(change string) { c.LegChanges.WithLabelValues(change).Inc() }

func (c *Collector) ModeWrites(n int) { c.ModeRows.Add(float64(n)) }

func (c *Collector) DevicePass(outcome string, d time.Duration) {
	c.DevicePasses.WithLabelValues(outcome).Inc()
	c.PassDuration.Observe(d.Seconds())
}

func (c *Collector) LegsAttached(n int) { c.Attached.Add(float64(n)) }
func (c *Collector) LegsDetached(n int) { c.Detached.Add(float64(n)) }

func (c *Collector) PlannerRequest(outcome string, d time.Duration) {
	c.PlannerRequests.WithLabelValues(outcome).Inc()
	c.PlannerDuration.Observe(d.Seconds())
}

func (c *Collector) LabelOutcome(outcome string) { c.Labels.WithLabelValues(outcome).Inc() }

func (c *Collector) RatingsWritten(n int) { c.Ratings.Add(float64(n)) }

func (c *Collector) TaskRun(task string, err error, d time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.TaskRuns.WithLabelValues(task, result).Inc()
	c.TaskDuration.WithLabelValues(task).Observe(d.Seconds())
}

func (c *Collector) NATSPublishedInc() { c.NATSPublished.Inc() }
func (c *Collector) NATSPublishErrInc() { c.NATSPublishErrs.Inc() }

func (c *Collector) PublishObserve(d time.Duration) { c.PublishDuration.Observe(d.Seconds()) }

func (c *Collector) NATSSetConnected(connected bool) {
	if connected {
		c.NATSConnected.Set(1)
	} else {
		c.NATSConnected.Set(0)
	}
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()
	log.Printf("metrics listening on %s", addr)
	return srv
}
