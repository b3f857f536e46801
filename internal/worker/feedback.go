package worker

import (
	"sync"

	"github.com/foxzi/wablast/internal/pacing"
)

// FeedbackTracker keeps the outcome of the last N sends per device. Adaptive pacing
// reads it when a broadcast enters processing.
type FeedbackTracker struct {
	mu      sync.Mutex
	window  int
	devices map[string]*outcomes
}

type outcomes struct {
	buf      []bool // true = failed
	next     int
	filled   int
	failures int
}

// NewFeedbackTracker creates a tracker remembering window outcomes per device.
func NewFeedbackTracker(window int) *FeedbackTracker {
	if window <= 0 {
		window = 100
	}
	return &FeedbackTracker{window: window, devices: make(map[string]*outcomes)}
}

// Record adds one send outcome for device.
func (t *FeedbackTracker) Record(device string, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	o := t.devices[device]
	if o == nil {
		o = &outcomes{buf: make([]bool, t.window)}
		t.devices[device] = o
	}
	if o.filled == len(o.buf) && o.buf[o.next] {
		o.failures--
	}
	o.buf[o.next] = !ok
	if !ok {
		o.failures++
	}
	o.next = (o.next + 1) % len(o.buf)
	if o.filled < len(o.buf) {
		o.filled++
	}
}

// Feedback returns the device's window, or nil when nothing was recorded.
func (t *FeedbackTracker) Feedback(device string) *pacing.Feedback {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	o := t.devices[device]
	if o == nil || o.filled == 0 {
		return nil
	}
	return &pacing.Feedback{Attempts: o.filled, Failures: o.failures}
}
