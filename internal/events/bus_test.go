package events

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/foxzi/wablast/internal/lifecycle"
	"github.com/foxzi/wablast/internal/models"
)

func TestPublishSubscribe(t *testing.T) {
	bus := NewBus()
	a, unsubA := bus.Subscribe(4)
	b, unsubB := bus.Subscribe(4)
	defer unsubB()

	bus.Publish(Event{Type: TypeCampaignFired})

	for i, ch := range []<-chan Event{a, b} {
		select {
		case e := <-ch:
			if e.Type != TypeCampaignFired || e.Time.IsZero() {
				t.Errorf("subscriber %d got %+v", i, e)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d got nothing", i)
		}
	}

	unsubA()
	unsubA() // idempotent
	if _, ok := <-a; ok {
		t.Error("channel should be closed after unsubscribe")
	}
	bus.Publish(Event{Type: TypeCampaignSkipped})
	if e := <-b; e.Type != TypeCampaignSkipped {
		t.Errorf("remaining subscriber got %+v", e)
	}
}

func TestPublishDoesNotBlock(t *testing.T) {
	bus := NewBus()
	_, unsub := bus.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for range 100 {
			bus.Publish(Event{Type: TypeBroadcastProgress})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish() blocked on a full subscriber")
	}
}

func TestLogSink(t *testing.T) {
	var buf syncBuffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	bus := NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		LogSink(ctx, bus, logger)
		close(done)
	}()

	// wait for the sink to subscribe
	deadline := time.Now().Add(2 * time.Second)
	for bus.(*memBus).count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("LogSink did not subscribe")
		}
		time.Sleep(time.Millisecond)
	}

	bus.Publish(Event{Type: TypeBroadcastTransition, Data: lifecycle.Transition{
		BroadcastID: "b1", From: models.StatusProcessing, To: models.StatusFailed, Reason: "device gone",
	}})

	deadline = time.Now().Add(2 * time.Second)
	for !strings.Contains(buf.String(), "device gone") {
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("log output = %q", buf.String())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
}

func (b *memBus) count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
