package worker

import "testing"

func TestFeedbackTrackerWindow(t *testing.T) {
	tr := NewFeedbackTracker(4)
	if fb := tr.Feedback("dev-1"); fb != nil {
		t.Errorf("Feedback() = %+v before any send, want nil", fb)
	}

	for _, ok := range []bool{false, false, true, true} {
		tr.Record("dev-1", ok)
	}
	if fb := tr.Feedback("dev-1"); fb.Attempts != 4 || fb.Failures != 2 {
		t.Errorf("Feedback() = %+v, want 4/2", fb)
	}

	// the two failures roll out of the window
	tr.Record("dev-1", true)
	tr.Record("dev-1", true)
	if fb := tr.Feedback("dev-1"); fb.Attempts != 4 || fb.Failures != 0 {
		t.Errorf("Feedback() = %+v, want 4/0", fb)
	}

	tr.Record("dev-2", false)
	if fb := tr.Feedback("dev-2"); fb.Attempts != 1 || fb.Failures != 1 {
		t.Errorf("dev-2 Feedback() = %+v, want 1/1", fb)
	}

	var nilTracker *FeedbackTracker
	if nilTracker.Feedback("dev-1") != nil {
		t.Error("nil tracker should report no feedback")
	}
}
