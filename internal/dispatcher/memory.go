package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"pce/pkg/backoff"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryDispatcher is an in-memory async task dispatcher.
// Tasks are queued in a bounded channel and run by a worker pool.
// If the buffer is full, tasks are dropped (logged + metric incremented).
type MemoryDispatcher struct {
	queue   chan *Task
	config  MemoryConfig
	logger  *slog.Logger
	metrics MetricsRecorder

	mu       sync.Mutex
	inflight map[string]struct{}

	// Internal counters (for Stats())
	queued       atomic.Int64
	completed    atomic.Int64
	failed       atomic.Int64
	dropped      atomic.Int64
	duplicates   atomic.Int64
	retriesTotal atomic.Int64

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

// MetricsRecorder is an optional interface for recording dispatcher metrics.
type MetricsRecorder interface {
	RecordDispatcherCompleted(ctx context.Context, task string, durationSeconds float64)
	RecordDispatcherFailed(ctx context.Context, task string)
	RecordDispatcherDropped(ctx context.Context, task string)
	RecordDispatcherQueueSize(ctx context.Context, size int64)
}

// NewMemory creates a new in-memory dispatcher.
func NewMemory(cfg MemoryConfig, metrics MetricsRecorder) *MemoryDispatcher {
	cfg = cfg.withDefaults()

	d := &MemoryDispatcher{
		queue:    make(chan *Task, cfg.BufferSize),
		config:   cfg,
		logger:   slog.With("component", "dispatcher"),
		metrics:  metrics,
		inflight: make(map[string]struct{}),
		shutdown: make(chan struct{}),
	}

	// Start workers
	d.wg.Add(cfg.Workers)
	for range cfg.Workers {
		go d.worker()
	}

	// Start queue size reporter if metrics enabled
	if metrics != nil {
		go d.reportQueueSize()
	}

	d.logger.Info("Dispatcher started", "workers", cfg.Workers, "buffer", cfg.BufferSize)
	return d
}

// reportQueueSize periodically reports the queue size metric.
func (d *MemoryDispatcher) reportQueueSize() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-d.shutdown:
			return
		case <-ticker.C:
			d.metrics.RecordDispatcherQueueSize(context.Background(), int64(len(d.queue)))
		}
	}
}

// Dispatch queues a task for async execution.
func (d *MemoryDispatcher) Dispatch(task *Task) error {
	if d.closed.Load() {
		return ErrClosed
	}
	if task == nil || task.Run == nil {
		return fmt.Errorf("task has nothing to run")
	}

	if task.Key != "" {
		d.mu.Lock()
		if _, ok := d.inflight[task.Key]; ok {
			d.mu.Unlock()
			d.duplicates.Add(1)
			d.logger.Debug("Task already in flight", "task", task.Name, "key", task.Key)
			return nil
		}
		d.inflight[task.Key] = struct{}{}
		d.mu.Unlock()
	}

	select {
	case d.queue <- task:
		d.queued.Add(1)
		return nil
	default:
		d.release(task)
		d.dropped.Add(1)
		if d.metrics != nil {
			d.metrics.RecordDispatcherDropped(context.Background(), task.Name)
		}
		d.logger.Warn("Task dropped, buffer full", "task", task.Name, "key", task.Key)
		return ErrBufferFull
	}
}

// Stats returns current dispatcher statistics.
func (d *MemoryDispatcher) Stats() Stats {
	d.mu.Lock()
	inflight := len(d.inflight)
	d.mu.Unlock()
	return Stats{
		QueueDepth:   len(d.queue),
		InFlight:     inflight,
		Queued:       d.queued.Load(),
		Completed:    d.completed.Load(),
		Failed:       d.failed.Load(),
		Dropped:      d.dropped.Load(),
		Duplicates:   d.duplicates.Load(),
		RetriesTotal: d.retriesTotal.Load(),
	}
}

// Close gracefully shuts down the dispatcher.
func (d *MemoryDispatcher) Close(ctx context.Context) error {
	if d.closed.Swap(true) {
		return nil // already closed
	}

	d.logger.Info("Dispatcher shutting down", "queued", len(d.queue))

	// Signal workers to stop
	close(d.shutdown)

	// Wait for workers with timeout
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("Dispatcher shutdown complete",
			"completed", d.completed.Load(),
			"failed", d.failed.Load(),
			"dropped", d.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		d.logger.Warn("Dispatcher shutdown timed out", "remaining", len(d.queue))
		return ctx.Err()
	}
}

// worker processes tasks from the queue.
func (d *MemoryDispatcher) worker() {
	defer d.wg.Done()

	for {
		select {
		case <-d.shutdown:
			// Drain remaining tasks before exiting
			d.drainQueue()
			return
		case task := <-d.queue:
			d.execute(task)
		}
	}
}

// drainQueue runs remaining tasks after shutdown signal.
func (d *MemoryDispatcher) drainQueue() {
	for {
		select {
		case task := <-d.queue:
			d.execute(task)
		default:
			return // queue empty
		}
	}
}

// execute runs a task with retry and records the outcome.
func (d *MemoryDispatcher) execute(task *Task) {
	defer d.release(task)

	start := time.Now()
	if err := d.runWithRetry(task); err != nil {
		d.failed.Add(1)
		if d.metrics != nil {
			d.metrics.RecordDispatcherFailed(context.Background(), task.Name)
		}
		d.logger.Warn("Task failed", "task", task.Name, "key", task.Key, "error", err)
		return
	}

	d.completed.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherCompleted(context.Background(), task.Name, time.Since(start).Seconds())
	}
}

func (d *MemoryDispatcher) runWithRetry(task *Task) (err error) {
	for attempt := range task.Retries + 1 {
		if attempt > 0 {
			d.retriesTotal.Add(1)
			time.Sleep(backoff.Exponential(attempt, nil))
		}
		if err = d.runOnce(task); err == nil {
			return nil
		}
	}
	return err
}

func (d *MemoryDispatcher) runOnce(task *Task) (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), d.config.TaskTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task.Run(ctx)
}

func (d *MemoryDispatcher) release(task *Task) {
	if task.Key == "" {
		return
	}
	d.mu.Lock()
	delete(d.inflight, task.Key)
	d.mu.Unlock()
}

// Verify MemoryDispatcher implements Dispatcher
var _ Dispatcher = (*MemoryDispatcher)(nil)
