package testutil

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestWaitFor(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	if !WaitFor(t, func() bool { return calls.Add(1) >= 3 }, WithInterval(time.Millisecond)) {
		t.Fatal("expected eventual success")
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 polls, got %d", calls.Load())
	}

	if WaitFor(t, func() bool { return false }, WithTimeout(30*time.Millisecond), WithInterval(5*time.Millisecond)) {
		t.Error("expected timeout")
	}
}

func TestWaitFor_ChecksOnceWithZeroTimeout(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	if !WaitFor(t, func() bool { calls.Add(1); return true }, WithTimeout(0)) {
		t.Error("expected a condition that already holds to succeed")
	}
	if calls.Load() != 1 {
		t.Errorf("expected one check, got %d", calls.Load())
	}
}

func TestWaitForValue(t *testing.T) {
	t.Parallel()

	var state atomic.Value
	state.Store("Postprocessing")
	go func() {
		time.Sleep(20 * time.Millisecond)
		state.Store("Done")
	}()
	get := func() (string, error) { return state.Load().(string), nil }

	if last, ok := WaitForValue(t, get, "Done", WithInterval(time.Millisecond)); !ok || last != "Done" {
		t.Errorf("WaitForValue = %q, %v", last, ok)
	}

	last, ok := WaitForValue(t, get, "Failed", WithTimeout(20*time.Millisecond), WithInterval(5*time.Millisecond))
	if ok || last != "Done" {
		t.Errorf("expected timeout reporting the last value, got %q, %v", last, ok)
	}
}

func TestWaitForValue_SkipsErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	get := func() (int, error) {
		if calls.Add(1) < 3 {
			return 0, errors.New("locked")
		}
		return 7, nil
	}
	MustWaitForValue(t, get, 7, WithInterval(time.Millisecond))
}

func TestOptions(t *testing.T) {
	t.Parallel()

	o := resolve(nil)
	if o.Timeout != 10*time.Second || o.Interval != 20*time.Millisecond {
		t.Errorf("unexpected defaults %+v", o)
	}
	o = resolve([]WaitOption{WithTimeout(time.Second), WithInterval(-1)})
	if o.Timeout != time.Second {
		t.Errorf("expected Timeout 1s, got %v", o.Timeout)
	}
	if o.Interval != 20*time.Millisecond {
		t.Errorf("expected a non-positive interval to fall back to 20ms, got %v", o.Interval)
	}
}
