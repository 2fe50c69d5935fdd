// Package events fans pipeline progress out to SSE subscribers. Events are
// advisory; the store remains the source of truth, so a dropped event is
// never an error.
package events

import (
	"sync"

	"go.uber.org/zap"

	"github.com/sells-group/leadgen/internal/model"
)

const subscriberBuffer = 64

// Hub routes progress events by search job id. Publishing never blocks: a
// subscriber whose buffer is full loses the event.
type Hub struct {
	mu   sync.RWMutex
	subs map[string][]chan model.ProgressEvent
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string][]chan model.ProgressEvent)}
}

// Subscribe registers a listener for one search job's events. The caller
// must Unsubscribe with the returned channel when done.
func (h *Hub) Subscribe(searchID string) <-chan model.ProgressEvent {
	ch := make(chan model.ProgressEvent, subscriberBuffer)
	h.mu.Lock()
	h.subs[searchID] = append(h.subs[searchID], ch)
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes a listener and closes its channel.
func (h *Hub) Unsubscribe(searchID string, ch <-chan model.ProgressEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.subs[searchID]
	for i, c := range subs {
		if c == ch {
			h.subs[searchID] = append(subs[:i], subs[i+1:]...)
			close(c)
			break
		}
	}
	if len(h.subs[searchID]) == 0 {
		delete(h.subs, searchID)
	}
}

// Publish delivers an event to every subscriber of the search job.
func (h *Hub) Publish(searchID string, ev model.ProgressEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.subs[searchID] {
		select {
		case ch <- ev:
		default:
			zap.L().Debug("event dropped, subscriber buffer full",
				zap.String("search_id", searchID),
				zap.String("type", ev.Type),
			)
		}
	}
}

// SubscriberCount reports active listeners for a search job.
func (h *Hub) SubscriberCount(searchID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[searchID])
}
