package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNew(t *testing.T) {
	m := New()
	if m.Registry() == nil {
		t.Fatal("Registry() returned nil")
	}

	// touch the vectors so they show up in a gather
	m.BroadcastTransitionsTotal.WithLabelValues("draft", "processing")
	m.MessagesSentTotal.WithLabelValues("d1")
	m.CampaignFiresTotal.WithLabelValues("fired")

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"wablast_broadcast_transitions_total",
		"wablast_messages_sent_total",
		"wablast_campaign_fires_total",
		"wablast_dispatch_active",
		"wablast_uptime_seconds",
	} {
		if !names[want] {
			t.Errorf("metric %s not registered", want)
		}
	}
}

func TestGlobalMetrics(t *testing.T) {
	if Global() != nil {
		t.Error("Global() should be nil before SetGlobal")
	}

	// helpers are no-ops without a global instance
	IncMessagesSent("d1")
	DispatchStarted()

	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	if Global() != m {
		t.Error("Global() did not return the set metrics")
	}
}

func TestHelpers(t *testing.T) {
	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	IncMessagesSent("d1")
	IncMessagesSent("d1")
	IncMessagesSent("d2")
	IncMessagesFailed("d1")
	IncPlans("auto", "safe")
	IncRateLimitExceeded("device")
	DispatchStarted()
	DispatchStarted()
	DispatchFinished()
	ObserveTrigger(20 * time.Millisecond)

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"sent d1", testutil.ToFloat64(m.MessagesSentTotal.WithLabelValues("d1")), 2},
		{"sent d2", testutil.ToFloat64(m.MessagesSentTotal.WithLabelValues("d2")), 1},
		{"failed d1", testutil.ToFloat64(m.MessagesFailedTotal.WithLabelValues("d1")), 1},
		{"plans", testutil.ToFloat64(m.PlansTotal.WithLabelValues("auto", "safe")), 1},
		{"rate limit", testutil.ToFloat64(m.RateLimitExceededTotal.WithLabelValues("device")), 1},
		{"dispatch active", testutil.ToFloat64(m.DispatchActive), 1},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
	if n := testutil.CollectAndCount(m.TriggerDurationSeconds); n != 1 {
		t.Errorf("trigger histogram series = %d, want 1", n)
	}
}
