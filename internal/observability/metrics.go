package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all application metrics implementing the golden 4 signals:
// - Latency: How long requests, scripts and scheduler commands take
// - Traffic: Request throughput and state transitions
// - Errors: Rate of failures
// - Saturation: Postprocess queue depth
type Metrics struct {
	meter metric.Meter

	// HTTP metrics (Latency, Traffic, Errors)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Lifecycle metrics (Traffic, Errors)
	TransitionsTotal metric.Int64Counter

	// External command metrics (Latency, Errors)
	ScriptDuration           metric.Float64Histogram
	SchedulerCommandDuration metric.Float64Histogram

	// Dispatcher metrics (Latency, Traffic, Errors, Saturation)
	DispatcherDuration  metric.Float64Histogram
	DispatcherCompleted metric.Int64Counter
	DispatcherFailed    metric.Int64Counter
	DispatcherDropped   metric.Int64Counter
	DispatcherQueueSize metric.Int64Gauge

	// Server-side reconciliation (Traffic, Errors)
	ReconcileTotal metric.Int64Counter
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("pce")
	m := &Metrics{meter: meter}

	// HTTP metrics
	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Lifecycle metrics
	m.TransitionsTotal, err = meter.Int64Counter(
		"state_transitions_total",
		metric.WithDescription("Total module and job state transitions, by entity kind and new state"),
	)
	if err != nil {
		return nil, nil, err
	}

	// External command metrics
	m.ScriptDuration, err = meter.Float64Histogram(
		"module_script_duration_seconds",
		metric.WithDescription("Module script execution duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600, 1800),
	)
	if err != nil {
		return nil, nil, err
	}

	m.SchedulerCommandDuration, err = meter.Float64Histogram(
		"scheduler_command_duration_seconds",
		metric.WithDescription("Batch scheduler command latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	)
	if err != nil {
		return nil, nil, err
	}

	// Dispatcher metrics
	m.DispatcherDuration, err = meter.Float64Histogram(
		"dispatcher_duration_seconds",
		metric.WithDescription("Background task duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600, 1800),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherCompleted, err = meter.Int64Counter(
		"dispatcher_completed_total",
		metric.WithDescription("Total background tasks completed"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherFailed, err = meter.Int64Counter(
		"dispatcher_failed_total",
		metric.WithDescription("Total background tasks failed after retries"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherDropped, err = meter.Int64Counter(
		"dispatcher_dropped_total",
		metric.WithDescription("Total background tasks dropped (buffer full)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherQueueSize, err = meter.Int64Gauge(
		"dispatcher_queue_size",
		metric.WithDescription("Current number of tasks in dispatcher queue (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Reconciliation metrics
	m.ReconcileTotal, err = meter.Int64Counter(
		"reconcile_total",
		metric.WithDescription("Total Server-side reconciliation calls towards PCEs"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordTransition records an entity entering state.
func (m *Metrics) RecordTransition(ctx context.Context, kind, state string) {
	m.TransitionsTotal.Add(ctx, 1, metric.WithAttributes(kindAttr(kind), stateAttr(state)))
}

// RecordScript records a module script run.
func (m *Metrics) RecordScript(ctx context.Context, script string, success bool, durationSeconds float64) {
	m.ScriptDuration.Record(ctx, durationSeconds, metric.WithAttributes(scriptAttr(script), successAttr(success)))
}

// RecordSchedulerCommand records a scheduler adapter call.
func (m *Metrics) RecordSchedulerCommand(ctx context.Context, backend, op string, success bool, durationSeconds float64) {
	m.SchedulerCommandDuration.Record(ctx, durationSeconds,
		metric.WithAttributes(backendAttr(backend), opAttr(op), successAttr(success)))
}

// RecordDispatcherCompleted records a completed task with its duration.
func (m *Metrics) RecordDispatcherCompleted(ctx context.Context, task string, durationSeconds float64) {
	attrs := metric.WithAttributes(taskAttr(task))
	m.DispatcherCompleted.Add(ctx, 1, attrs)
	m.DispatcherDuration.Record(ctx, durationSeconds, attrs)
}

// RecordDispatcherFailed records a failed task.
func (m *Metrics) RecordDispatcherFailed(ctx context.Context, task string) {
	m.DispatcherFailed.Add(ctx, 1, metric.WithAttributes(taskAttr(task)))
}

// RecordDispatcherDropped records a dropped task.
func (m *Metrics) RecordDispatcherDropped(ctx context.Context, task string) {
	m.DispatcherDropped.Add(ctx, 1, metric.WithAttributes(taskAttr(task)))
}

// RecordDispatcherQueueSize records the current queue size.
func (m *Metrics) RecordDispatcherQueueSize(ctx context.Context, size int64) {
	m.DispatcherQueueSize.Record(ctx, size)
}

// RecordReconcile records one Server-side reconciliation call.
func (m *Metrics) RecordReconcile(ctx context.Context, op string, success bool) {
	m.ReconcileTotal.Add(ctx, 1, metric.WithAttributes(opAttr(op), successAttr(success)))
}
