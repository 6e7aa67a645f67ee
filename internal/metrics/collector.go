// Package metrics exposes orchestration metrics in the Prometheus format.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/strataga/ghostpirates/internal/events"
)

// Collector owns a private registry so several orchestrators can live in one process.
type Collector struct {
	registry *prometheus.Registry

	tasksAssigned    prometheus.Counter
	unassignable     prometheus.Counter
	assignmentScore  prometheus.Histogram
	tasksCompleted   prometheus.Counter
	taskDuration     prometheus.Histogram
	taskFailures     *prometheus.CounterVec
	taskRetries      *prometheus.CounterVec
	tasksUnblocked   prometheus.Counter
	checkpoints      prometheus.Counter
	stepDuration     prometheus.Histogram
	escalations      *prometheus.CounterVec
	escalationsDone  *prometheus.CounterVec
	breakerState     *prometheus.GaugeVec
	breakerTrips     *prometheus.CounterVec
	teamTransitions  *prometheus.CounterVec
	supervisorScans  prometheus.Counter
	scanDuration     prometheus.Histogram
	supervisorsAlive prometheus.Gauge
	eventsDropped    prometheus.GaugeFunc

	logger *zap.Logger
}

// NewCollector creates a collector. dropped, when non-nil, is exported as the
// number of bus deliveries skipped by slow subscribers.
func NewCollector(namespace string, dropped func() uint64, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	f := promauto.With(reg)

	c := &Collector{
		registry: reg,
		logger:   logger.Named("metrics"),
	}

	c.tasksAssigned = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_assigned_total",
		Help:      "Total number of task assignments",
	})
	c.unassignable = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_unassignable_total",
		Help:      "Ready tasks left pending because no worker was available",
	})
	c.assignmentScore = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "assignment_score",
		Help:      "Score of the selected worker at assignment time",
		Buckets:   prometheus.LinearBuckets(0.1, 0.1, 10),
	})
	c.tasksCompleted = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_completed_total",
		Help:      "Total number of completed tasks",
	})
	c.taskDuration = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "task_duration_seconds",
		Help:      "Wall time from start to completion of a task",
		Buckets:   []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600},
	})
	c.taskFailures = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "task_failures_total",
		Help:      "Total number of classified task failures",
	}, []string{"type", "severity", "action"})
	c.taskRetries = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "task_retries_total",
		Help:      "Total number of scheduled retries",
	}, []string{"strategy"})
	c.tasksUnblocked = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_unblocked_total",
		Help:      "Total number of tasks released by a completed dependency",
	})
	c.checkpoints = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "checkpoints_total",
		Help:      "Total number of checkpoints written",
	})
	c.stepDuration = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "step_duration_seconds",
		Help:      "Duration of a single execution step",
		Buckets:   prometheus.DefBuckets,
	})
	c.escalations = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "escalations_total",
		Help:      "Total number of escalations created",
	}, []string{"severity"})
	c.escalationsDone = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "escalations_closed_total",
		Help:      "Total number of escalations resolved or cancelled",
	}, []string{"status", "retry"})
	c.breakerState = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "breaker_state",
		Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open)",
	}, []string{"breaker"})
	c.breakerTrips = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "breaker_trips_total",
		Help:      "Total number of transitions into the open state",
	}, []string{"breaker"})
	c.teamTransitions = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "team_transitions_total",
		Help:      "Total number of team lifecycle transitions",
	}, []string{"status"})
	c.supervisorScans = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "supervisor_scans_total",
		Help:      "Total number of supervisor scan passes",
	})
	c.scanDuration = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "supervisor_scan_duration_seconds",
		Help:      "Duration of a supervisor scan pass",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
	})
	c.supervisorsAlive = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "supervisors_running",
		Help:      "Number of team supervisors currently running",
	})
	if dropped != nil {
		c.eventsDropped = f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "events_dropped",
			Help:      "Bus deliveries skipped because a subscriber was full",
		}, func() float64 { return float64(dropped()) })
	}

	return c
}

// Registry returns the registry backing the collector.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns an HTTP handler serving the collector's metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveScan records one supervisor scan pass.
func (c *Collector) ObserveScan(d time.Duration) {
	c.supervisorScans.Inc()
	c.scanDuration.Observe(d.Seconds())
}

// ObserveUnassignable counts ready tasks that found no available worker.
func (c *Collector) ObserveUnassignable(n int) {
	c.unassignable.Add(float64(n))
}

// ObserveStep records the duration of one execution step.
func (c *Collector) ObserveStep(d time.Duration) {
	c.stepDuration.Observe(d.Seconds())
}

// SetSupervisors records how many supervisors are running.
func (c *Collector) SetSupervisors(n int) {
	c.supervisorsAlive.Set(float64(n))
}

func breakerValue(state string) float64 {
	switch state {
	case "open":
		return 2
	case "half_open":
		return 1
	default:
		return 0
	}
}

// Observe updates the metrics for one bus event.
func (c *Collector) Observe(ev events.Event) {
	switch e := ev.(type) {
	case events.TaskAssignedEvent:
		c.tasksAssigned.Inc()
		c.assignmentScore.Observe(e.Score)
	case events.TaskCheckpointedEvent:
		c.checkpoints.Inc()
	case events.TaskCompletedEvent:
		c.tasksCompleted.Inc()
		if e.Duration > 0 {
			c.taskDuration.Observe(e.Duration.Seconds())
		}
	case events.TaskFailedEvent:
		c.taskFailures.WithLabelValues(e.FailureType, e.Severity, e.Action).Inc()
	case events.TaskRetryingEvent:
		c.taskRetries.WithLabelValues(e.Strategy).Inc()
	case events.TaskUnblockedEvent:
		c.tasksUnblocked.Inc()
	case events.EscalationCreatedEvent:
		c.escalations.WithLabelValues(e.Severity).Inc()
	case events.EscalationResolvedEvent:
		c.escalationsDone.WithLabelValues(e.Status, fmt.Sprint(e.Retry)).Inc()
	case events.BreakerStateEvent:
		c.breakerState.WithLabelValues(e.Name).Set(breakerValue(e.To))
		if e.To == "open" {
			c.breakerTrips.WithLabelValues(e.Name).Inc()
		}
	case events.TeamStatusEvent:
		c.teamTransitions.WithLabelValues(e.Status).Inc()
	}
}

// Run feeds bus events into the collector until the channel closes or ctx is done.
func (c *Collector) Run(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			c.Observe(ev)
		}
	}
}

// Serve exposes /metrics on addr until ctx is done.
func (c *Collector) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	c.logger.Info("metrics server listening", zap.String("addr", addr))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("failed to start metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
