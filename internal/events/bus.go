// Package events distributes advisory stage-progress notifications. The
// session store remains the single source of truth; subscribers may miss
// events and must reconcile against it.
package events

import (
	"sync"
	"time"

	"github.com/audionet/verifier/internal/session"
)

// ProgressEvent is one observable transition of a verification session.
type ProgressEvent struct {
	SessionID string         `json:"session_id"`
	Status    session.Status `json:"status"`
	Stage     session.Stage  `json:"stage"`
	Progress  float64        `json:"progress"`
	Time      time.Time      `json:"time"`
}

// Publisher receives progress events. Implementations must not block.
type Publisher interface {
	Publish(ev ProgressEvent)
}

// Bus is an in-process pub/sub fan-out keyed by session id. Slow
// subscribers drop events rather than stalling the pipeline.
type Bus struct {
	mu         sync.RWMutex
	subs       map[string][]chan ProgressEvent
	bufferSize int
}

// NewBus creates a Bus with a per-subscriber buffer of 16 events.
func NewBus() *Bus {
	return &Bus{
		subs:       make(map[string][]chan ProgressEvent),
		bufferSize: 16,
	}
}

// Subscribe returns a channel of events for one session id.
func (b *Bus) Subscribe(sessionID string) chan ProgressEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan ProgressEvent, b.bufferSize)
	b.subs[sessionID] = append(b.subs[sessionID], ch)
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (b *Bus) Unsubscribe(sessionID string, ch chan ProgressEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[sessionID]
	filtered := subs[:0]
	for _, s := range subs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	if len(filtered) == 0 {
		delete(b.subs, sessionID)
	} else {
		b.subs[sessionID] = filtered
	}
	close(ch)
}

// Publish delivers the event to all subscribers of its session.
func (b *Bus) Publish(ev ProgressEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[ev.SessionID] {
		select {
		case ch <- ev:
		default:
			// Subscriber lagging; drop.
		}
	}
}

// Multi fans one event out to several publishers.
type Multi []Publisher

func (m Multi) Publish(ev ProgressEvent) {
	for _, p := range m {
		p.Publish(ev)
	}
}

// Nop discards all events.
type Nop struct{}

func (Nop) Publish(ProgressEvent) {}
