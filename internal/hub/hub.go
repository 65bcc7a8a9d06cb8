// Package hub fans lifecycle events out to subscribers by strategy topic.
// Delivery is best-effort, at most once; a subscriber that cannot keep up is
// dropped rather than allowed to block the engine.
package hub

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"ordo/internal/logger"
	"ordo/internal/types"
)

const defaultBuffer = 64

type subscriber struct {
	id    string
	topic string
	ch    chan types.Event
}

type Hub struct {
	mu   sync.RWMutex
	subs map[string]*subscriber
}

func New() *Hub {
	return &Hub{subs: make(map[string]*subscriber)}
}

// Subscribe registers for events on topic. The reserved topic "*" receives
// every event. Returned channel is closed on Unsubscribe.
func (h *Hub) Subscribe(topic string, buffer int) (string, <-chan types.Event) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	sub := &subscriber{
		id:    uuid.NewString(),
		topic: topic,
		ch:    make(chan types.Event, buffer),
	}
	h.mu.Lock()
	h.subs[sub.id] = sub
	h.mu.Unlock()
	return sub.id, sub.ch
}

func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	h.mu.Unlock()
	if ok {
		close(sub.ch)
	}
}

// Publish delivers ev to subscribers of its topic and of "*". A full buffer
// counts as a failed delivery and removes the subscriber.
func (h *Hub) Publish(ev types.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	h.mu.RLock()
	var stale []string
	for _, sub := range h.subs {
		if sub.topic != types.TopicAll && sub.topic != ev.StrategyID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			stale = append(stale, sub.id)
		}
	}
	h.mu.RUnlock()
	for _, id := range stale {
		logger.Warnf("hub: dropping slow subscriber %s", id)
		h.Unsubscribe(id)
	}
}

// SubscriberCount reports active subscriptions, for the health endpoint.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
