// Package dispatcher runs background tasks on a bounded worker pool.
package dispatcher

import (
	"context"
	"errors"
)

// ErrBufferFull is returned when the dispatcher's buffer is full and the task is dropped.
var ErrBufferFull = errors.New("dispatcher buffer full, task dropped")

// ErrClosed is returned by Dispatch after Close.
var ErrClosed = errors.New("dispatcher is closed")

// Dispatcher handles async execution of tasks.
type Dispatcher interface {
	// Dispatch queues a task for async execution. Non-blocking.
	// Returns ErrBufferFull if the task cannot be queued. A task whose Key is
	// already queued or running is accepted and ignored.
	Dispatch(task *Task) error

	// Stats returns current dispatcher statistics.
	Stats() Stats

	// Close gracefully shuts down, running tasks that are already queued.
	// The context deadline controls how long to wait for drain.
	Close(ctx context.Context) error
}

// Task is a unit of background work.
type Task struct {
	Name    string                          // Kind of work, for logs and metrics (e.g. "postprocess")
	Key     string                          // Deduplication key (e.g. "postprocess/42"); empty disables dedup
	Run     func(ctx context.Context) error // The work
	Retries int                             // Extra attempts after a failure (default: 0)
}

// Stats holds dispatcher statistics.
type Stats struct {
	QueueDepth   int   // current queue size
	InFlight     int   // tasks queued or running, by key
	Queued       int64 // total tasks queued
	Completed    int64 // tasks that returned nil
	Failed       int64 // tasks that failed after retries
	Dropped      int64 // dropped due to full buffer
	Duplicates   int64 // ignored because the key was in flight
	RetriesTotal int64 // total retry attempts
}
