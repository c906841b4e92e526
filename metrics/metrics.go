// Package metrics collects worker counters. Counters are updated with
// atomic operations from the scheduler thread and the in-process uploader,
// exported through Prometheus when a listener is configured, and summarized
// in the exit report the worker writes next to its accounting files.
package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the worker counters.
type Metrics struct {
	tasksCompleted int64 // tasks fully rendered, uploaded and acknowledged
	rendersStarted int64 // task scripts spawned
	renderFailures int64 // task scripts with non-zero exit
	uploadFailures int64 // upload children with non-zero exit
	leaseExtends   int64 // visibility reasserts issued
	filesUploaded  int64 // objects committed to the output bucket

	startTime time.Time
	registry  *prometheus.Registry
	gauges    promCounters
}

type promCounters struct {
	tasksCompleted prometheus.Counter
	rendersStarted prometheus.Counter
	renderFailures prometheus.Counter
	uploadFailures prometheus.Counter
	leaseExtends   prometheus.Counter
	filesUploaded  prometheus.Counter
}

// New creates a Metrics instance with its own Prometheus registry.
func New() *Metrics {
	m := &Metrics{
		startTime: time.Now(),
		registry:  prometheus.NewRegistry(),
	}
	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "brenda",
			Name:      name,
			Help:      help,
		})
		m.registry.MustRegister(c)
		return c
	}
	m.gauges = promCounters{
		tasksCompleted: counter("tasks_completed_total", "Tasks rendered, uploaded and deleted from the queue."),
		rendersStarted: counter("renders_started_total", "Task scripts spawned."),
		renderFailures: counter("render_failures_total", "Task scripts that exited non-zero."),
		uploadFailures: counter("upload_failures_total", "Upload children that exited non-zero."),
		leaseExtends:   counter("lease_extends_total", "Queue visibility reasserts issued."),
		filesUploaded:  counter("files_uploaded_total", "Files committed to the output bucket."),
	}
	return m
}

// Serve exposes /metrics on addr. Returns when the listener fails.
func (m *Metrics) Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	return http.ListenAndServe(addr, mux)
}

// TaskCompleted records a fully acknowledged task.
func (m *Metrics) TaskCompleted() {
	atomic.AddInt64(&m.tasksCompleted, 1)
	m.gauges.tasksCompleted.Inc()
}

// RenderStarted records a spawned task script.
func (m *Metrics) RenderStarted() {
	atomic.AddInt64(&m.rendersStarted, 1)
	m.gauges.rendersStarted.Inc()
}

// RenderFailed records a task script that exited non-zero.
func (m *Metrics) RenderFailed() {
	atomic.AddInt64(&m.renderFailures, 1)
	m.gauges.renderFailures.Inc()
}

// UploadFailed records an upload child that exited non-zero.
func (m *Metrics) UploadFailed() {
	atomic.AddInt64(&m.uploadFailures, 1)
	m.gauges.uploadFailures.Inc()
}

// LeaseExtended records a visibility reassert.
func (m *Metrics) LeaseExtended() {
	atomic.AddInt64(&m.leaseExtends, 1)
	m.gauges.leaseExtends.Inc()
}

// FileUploaded records one object committed to the output bucket.
func (m *Metrics) FileUploaded() {
	atomic.AddInt64(&m.filesUploaded, 1)
	m.gauges.filesUploaded.Inc()
}

// Report is the summary the worker writes on exit.
type Report struct {
	TasksCompleted int64   `json:"tasksCompleted"`
	RendersStarted int64   `json:"rendersStarted"`
	RenderFailures int64   `json:"renderFailures"`
	UploadFailures int64   `json:"uploadFailures"`
	LeaseExtends   int64   `json:"leaseExtends"`
	FilesUploaded  int64   `json:"filesUploaded"`
	UptimeSeconds  float64 `json:"uptimeSeconds"`
}

// Report returns a point-in-time snapshot of the counters.
func (m *Metrics) Report() Report {
	return Report{
		TasksCompleted: atomic.LoadInt64(&m.tasksCompleted),
		RendersStarted: atomic.LoadInt64(&m.rendersStarted),
		RenderFailures: atomic.LoadInt64(&m.renderFailures),
		UploadFailures: atomic.LoadInt64(&m.uploadFailures),
		LeaseExtends:   atomic.LoadInt64(&m.leaseExtends),
		FilesUploaded:  atomic.LoadInt64(&m.filesUploaded),
		UptimeSeconds:  time.Since(m.startTime).Seconds(),
	}
}
