// Package testutil provides polling helpers for tests that wait on
// background work such as queued postprocessing.
package testutil

import (
	"testing"
	"time"
)

// WaitOptions configures WaitFor behavior.
type WaitOptions struct {
	Timeout  time.Duration
	Interval time.Duration
}

// WaitOption is a functional option for WaitFor.
type WaitOption func(*WaitOptions)

// WithTimeout sets the maximum wait time (default: 10s).
func WithTimeout(d time.Duration) WaitOption {
	return func(o *WaitOptions) {
		o.Timeout = d
	}
}

// WithInterval sets the polling interval (default: 20ms).
func WithInterval(d time.Duration) WaitOption {
	return func(o *WaitOptions) {
		o.Interval = d
	}
}

func defaultOptions() WaitOptions {
	return WaitOptions{
		Timeout:  10 * time.Second,
		Interval: 20 * time.Millisecond,
	}
}

func resolve(opts []WaitOption) WaitOptions {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.Interval <= 0 {
		o.Interval = defaultOptions().Interval
	}
	return o
}

// WaitFor polls until condition returns true or the timeout is reached.
// The condition is always checked at least once.
func WaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) bool {
	tb.Helper()
	o := resolve(opts)

	deadline := time.Now().Add(o.Timeout)
	for {
		if condition() {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		time.Sleep(o.Interval)
	}
}

// MustWaitFor polls until condition returns true or fails the test on timeout.
func MustWaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) {
	tb.Helper()
	if !WaitFor(tb, condition, opts...) {
		tb.Fatal("timed out waiting for condition")
	}
}

// WaitForValue polls get until it returns want without error. It returns
// the last value observed, which on timeout is what the test saw instead.
func WaitForValue[T comparable](tb testing.TB, get func() (T, error), want T, opts ...WaitOption) (T, bool) {
	tb.Helper()
	var last T
	ok := WaitFor(tb, func() bool {
		v, err := get()
		if err != nil {
			return false
		}
		last = v
		return v == want
	}, opts...)
	return last, ok
}

// MustWaitForValue is WaitForValue that fails the test on timeout.
func MustWaitForValue[T comparable](tb testing.TB, get func() (T, error), want T, opts ...WaitOption) {
	tb.Helper()
	if last, ok := WaitForValue(tb, get, want, opts...); !ok {
		tb.Fatalf("timed out waiting for %v (last seen: %v)", want, last)
	}
}
