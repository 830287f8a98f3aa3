package poll

import (
	"context"
	"sync"
)

// FakePoller is a test double for Poller.
//
// Single-snapshot mode: pre-seed Result; every Poll() returns it.
// Sequence mode: pre-seed Sequence; each Poll() returns the next element.
// When the sequence is exhausted the last element is repeated, simulating a
// steady state.  Set Err to inject a failure on every call.
type FakePoller struct {
	mu        sync.Mutex
	Result    Result
	Sequence  []Result
	Err       error
	callCount int
	devices   []string
	closed    bool
}

// Poll returns the pre-seeded result for the current call index, or Err
// if set.
func (f *FakePoller) Poll(_ context.Context, deviceID string) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callCount++
	f.devices = append(f.devices, deviceID)
	if f.Err != nil {
		return Result{}, f.Err
	}
	if len(f.Sequence) > 0 {
		idx := f.callCount - 1
		if idx >= len(f.Sequence) {
			idx = len(f.Sequence) - 1 // repeat last element
		}
		return f.Sequence[idx], nil
	}
	return f.Result, nil
}

// Close records that the poller was closed.
func (f *FakePoller) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// CallCount returns how many times Poll was called.
func (f *FakePoller) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.callCount
}

// Devices returns the device IDs polled so far, in order.
func (f *FakePoller) Devices() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.devices...)
}

// Closed reports whether Close was called.
func (f *FakePoller) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Reset clears all state so the fake can be reused between sub-tests.
func (f *FakePoller) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Result = Result{}
	f.Sequence = nil
	f.Err = nil
	f.callCount = 0
	f.devices = nil
	f.closed = false
}
