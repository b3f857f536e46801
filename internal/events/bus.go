// Package events fans lifecycle and scheduling notifications out to subscribers.
//
// Publish never blocks: each subscriber owns a buffered channel and a slow subscriber
// loses events instead of stalling the sender.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types
const (
	TypeBroadcastTransition = "broadcast.transition"
	TypeBroadcastProgress   = "broadcast.progress"
	TypeCampaignFired       = "campaign.fired"
	TypeCampaignSkipped     = "campaign.skipped"
)

// Event is a notification. Data is small and JSON-serializable.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

// Bus is an in-memory publish/subscribe channel.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// Progress is the payload of broadcast.progress events.
type Progress struct {
	BroadcastID string `json:"broadcast_id"`
	Sent        int    `json:"sent"`
	Failed      int    `json:"failed"`
	Total       int    `json:"total"`
}

// CampaignFire is the payload of campaign.fired and campaign.skipped events.
type CampaignFire struct {
	CampaignID  string     `json:"campaign_id"`
	BroadcastID string     `json:"broadcast_id,omitempty"`
	FireAt      time.Time  `json:"fire_at"`
	Next        *time.Time `json:"next,omitempty"`
}

// NewBus returns a fan-out bus. It owns no goroutines.
func NewBus() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		func() {
			// the subscriber may have closed its channel since the snapshot
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Nop is a bus that drops everything. Useful for CLI commands that mutate records
// without a running server.
type Nop struct{}

func (Nop) Publish(Event) {}

func (Nop) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	return ch, func() {}
}
