// Package observability provides metrics, tracing, and logging utilities.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attribute keys
const (
	attrMethod  = "method"
	attrPath    = "path"
	attrStatus  = "status"
	attrKind    = "kind"
	attrState   = "state"
	attrBackend = "backend"
	attrOp      = "op"
	attrTask    = "task"
	attrScript  = "script"
	attrSuccess = "success"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	// Normalize paths with IDs to reduce cardinality
	// /v1/jobs/42 -> /v1/jobs/{jobId}
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// Group status codes to reduce cardinality
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	group := fmt.Sprintf("%dxx", code/100)
	return attribute.String(attrStatus, group)
}

func kindAttr(kind string) attribute.KeyValue {
	return attribute.String(attrKind, kind)
}

func stateAttr(state string) attribute.KeyValue {
	return attribute.String(attrState, state)
}

func backendAttr(backend string) attribute.KeyValue {
	return attribute.String(attrBackend, backend)
}

func opAttr(op string) attribute.KeyValue {
	return attribute.String(attrOp, op)
}

func taskAttr(task string) attribute.KeyValue {
	return attribute.String(attrTask, task)
}

func scriptAttr(script string) attribute.KeyValue {
	return attribute.String(attrScript, script)
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}

// normalizePath replaces dynamic path segments with placeholders.
func normalizePath(path string) string {
	for _, r := range []struct{ prefix, id string }{
		{"/v1/jobs/", "{jobId}"},
		{"/v1/modules/", "{modId}"},
	} {
		rest, ok := strings.CutPrefix(path, r.prefix)
		if !ok || rest == "" {
			continue
		}
		_, tail, hasTail := strings.Cut(rest, "/")
		if !hasTail {
			return r.prefix + r.id
		}
		// Keep the action segment, drop file paths.
		action, _, _ := strings.Cut(tail, "/")
		return r.prefix + r.id + "/" + action
	}
	return path
}

// WithMethod returns a metric option with the method attribute.
func WithMethod(method string) metric.MeasurementOption {
	return metric.WithAttributes(methodAttr(method))
}

// WithPath returns a metric option with the path attribute.
func WithPath(path string) metric.MeasurementOption {
	return metric.WithAttributes(pathAttr(path))
}

// WithStatus returns a metric option with the status attribute.
func WithStatus(code int) metric.MeasurementOption {
	return metric.WithAttributes(statusAttr(code))
}

// WithSuccess returns a metric option with the success attribute.
func WithSuccess(success bool) metric.MeasurementOption {
	return metric.WithAttributes(successAttr(success))
}
