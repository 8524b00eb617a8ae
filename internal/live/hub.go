// Package live pushes session lifecycle events to WebSocket clients and
// accepts tutoring commands over the same connection.
package live

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ashureev/edututor/internal/tutor"
)

const subscriberBuffer = 64

// Subscriber receives the events of one profile.
type Subscriber struct {
	profileID string
	events    chan tutor.Event
	dropped   atomic.Int64
}

// Events returns the delivery channel. It is closed on unsubscribe.
func (s *Subscriber) Events() <-chan tutor.Event { return s.events }

// Hub fans events out to subscribers by profile. It implements
// tutor.Observer and never blocks the publisher: a full subscriber loses
// the event.
type Hub struct {
	mu     sync.RWMutex
	active map[string]map[*Subscriber]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{active: make(map[string]map[*Subscriber]struct{})}
}

// Subscribe registers a subscriber for profileID. The returned func removes
// it and closes its channel.
func (h *Hub) Subscribe(profileID string) (*Subscriber, func()) {
	sub := &Subscriber{profileID: profileID, events: make(chan tutor.Event, subscriberBuffer)}

	h.mu.Lock()
	if _, ok := h.active[profileID]; !ok {
		h.active[profileID] = make(map[*Subscriber]struct{})
	}
	h.active[profileID][sub] = struct{}{}
	h.mu.Unlock()
	slog.Info("Live subscriber registered", "profile_id", profileID)

	var once sync.Once
	return sub, func() {
		once.Do(func() { h.unsubscribe(sub) })
	}
}

func (h *Hub) unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if subs, ok := h.active[sub.profileID]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.active, sub.profileID)
		}
	}
	close(sub.events)
	slog.Info("Live subscriber unregistered", "profile_id", sub.profileID, "dropped", sub.dropped.Load())
}

// Observe delivers e to every subscriber of its profile.
func (h *Hub) Observe(e tutor.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.active[e.ProfileID] {
		select {
		case sub.events <- e:
		default:
			sub.dropped.Add(1)
			slog.Warn("Live subscriber full, dropping event", "profile_id", e.ProfileID, "type", e.Kind)
		}
	}
}

// Count reports the number of subscribers for profileID.
func (h *Hub) Count(profileID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.active[profileID])
}
