// Package metrics exports scheduler and job measurements to Prometheus.
package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aristath/jobcore/internal/jobs"
	"github.com/aristath/jobcore/internal/scheduler"
)

// ExporterOptions controls collector configuration.
type ExporterOptions struct {
	DurationBuckets []float64
}

// Exporter adapts scheduler.Metrics and jobs.Metrics to Prometheus collectors.
type Exporter struct {
	gatherer prom.Gatherer

	taskDurationSeconds *prom.HistogramVec
	runStepsTotal       *prom.CounterVec
	tasksFinishedTotal  *prom.CounterVec
	queueDepth          *prom.GaugeVec
	tasksStolenTotal    *prom.CounterVec
	jobStatusTotal      *prom.CounterVec
	jobTasksTotal       *prom.CounterVec
	storeRetriesTotal   *prom.CounterVec
}

var (
	_ scheduler.Metrics = (*Exporter)(nil)
	_ jobs.Metrics      = (*Exporter)(nil)
)

// NewExporter creates and registers the collectors. A nil reg uses a fresh
// registry, which Handler then serves.
func NewExporter(namespace string, reg *prom.Registry, opts ExporterOptions) (*Exporter, error) {
	if namespace == "" {
		namespace = "jobcore"
	}
	if reg == nil {
		reg = prom.NewRegistry()
	}
	buckets := opts.DurationBuckets
	if len(buckets) == 0 {
		buckets = prom.ExponentialBuckets(0.0005, 4, 10)
	}

	durationVec := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "task_run_seconds",
		Help:      "Time spent in the final run-step of a task, by final status.",
		Buckets:   buckets,
	}, []string{"status"})
	runStepsVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "run_steps_total",
		Help:      "Run-steps started, by worker.",
	}, []string{"worker"})
	finishedVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_finished_total",
		Help:      "Tasks that reached a terminal status.",
	}, []string{"status"})
	queueDepthVec := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "worker_queue_depth",
		Help:      "Tasks waiting in a worker's queue.",
	}, []string{"worker"})
	stolenVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_stolen_total",
		Help:      "Tasks moved between workers by stealing.",
	}, []string{"to"})
	jobStatusVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "job_status_transitions_total",
		Help:      "Job status transitions, by job name and new status.",
	}, []string{"job", "status"})
	jobTasksVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "job_tasks_total",
		Help:      "Finished job tasks, by job name and outcome.",
	}, []string{"job", "outcome"})
	retriesVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "store_retries_total",
		Help:      "Report store operations retried after a transient failure.",
	}, []string{"op"})

	var err error
	if durationVec, err = registerCollector(reg, durationVec); err != nil {
		return nil, err
	}
	if runStepsVec, err = registerCollector(reg, runStepsVec); err != nil {
		return nil, err
	}
	if finishedVec, err = registerCollector(reg, finishedVec); err != nil {
		return nil, err
	}
	if queueDepthVec, err = registerCollector(reg, queueDepthVec); err != nil {
		return nil, err
	}
	if stolenVec, err = registerCollector(reg, stolenVec); err != nil {
		return nil, err
	}
	if jobStatusVec, err = registerCollector(reg, jobStatusVec); err != nil {
		return nil, err
	}
	if jobTasksVec, err = registerCollector(reg, jobTasksVec); err != nil {
		return nil, err
	}
	if retriesVec, err = registerCollector(reg, retriesVec); err != nil {
		return nil, err
	}

	return &Exporter{
		gatherer:            reg,
		taskDurationSeconds: durationVec,
		runStepsTotal:       runStepsVec,
		tasksFinishedTotal:  finishedVec,
		queueDepth:          queueDepthVec,
		tasksStolenTotal:    stolenVec,
		jobStatusTotal:      jobStatusVec,
		jobTasksTotal:       jobTasksVec,
		storeRetriesTotal:   retriesVec,
	}, nil
}

// Handler serves the registry in the Prometheus text format.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.gatherer, promhttp.HandlerOpts{})
}

// TaskStarted implements scheduler.Metrics.
func (e *Exporter) TaskStarted(worker scheduler.WorkerID) {
	if e == nil {
		return
	}
	e.runStepsTotal.WithLabelValues(workerLabel(worker)).Inc()
}

// TaskFinished implements scheduler.Metrics. Tasks settled without running
// report a zero runTime and are not observed in the histogram.
func (e *Exporter) TaskFinished(_ scheduler.WorkerID, status scheduler.Status, runTime time.Duration) {
	if e == nil {
		return
	}
	e.tasksFinishedTotal.WithLabelValues(status.String()).Inc()
	if runTime > 0 {
		e.taskDurationSeconds.WithLabelValues(status.String()).Observe(runTime.Seconds())
	}
}

// QueueDepth implements scheduler.Metrics.
func (e *Exporter) QueueDepth(worker scheduler.WorkerID, depth int) {
	if e == nil {
		return
	}
	e.queueDepth.WithLabelValues(workerLabel(worker)).Set(float64(depth))
}

// TasksStolen implements scheduler.Metrics.
func (e *Exporter) TasksStolen(_, to scheduler.WorkerID, n int) {
	if e == nil || n <= 0 {
		return
	}
	e.tasksStolenTotal.WithLabelValues(workerLabel(to)).Add(float64(n))
}

// JobStatusChanged implements jobs.Metrics.
func (e *Exporter) JobStatusChanged(name string, status jobs.Status) {
	if e == nil {
		return
	}
	e.jobStatusTotal.WithLabelValues(normalizeLabel(name, "unknown"), status.String()).Inc()
}

// JobTaskFinished implements jobs.Metrics.
func (e *Exporter) JobTaskFinished(name string, outcome string) {
	if e == nil {
		return
	}
	e.jobTasksTotal.WithLabelValues(normalizeLabel(name, "unknown"), normalizeLabel(outcome, "unknown")).Inc()
}

// StoreRetried counts a retried store operation. Its signature matches the
// persistence retry hook.
func (e *Exporter) StoreRetried(op string, _ error, _ time.Duration) {
	if e == nil {
		return
	}
	e.storeRetriesTotal.WithLabelValues(normalizeLabel(op, "unknown")).Inc()
}

func workerLabel(w scheduler.WorkerID) string {
	return strconv.Itoa(int(w))
}

func normalizeLabel(v string, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var alreadyRegisteredErr prom.AlreadyRegisteredError
	if errors.As(err, &alreadyRegisteredErr) {
		existing, ok := alreadyRegisteredErr.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}

	return collector, err
}
