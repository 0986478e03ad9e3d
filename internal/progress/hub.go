// Package progress relays progress events of in-flight work to the callers
// that own it.
package progress

import (
	"fmt"
	"sync"

	"github.com/jimmypocock/reporeconnoiter.com/internal/storage"
)

const defaultBufferSize = 32

// Event types.
const (
	TypeProgress = "progress"
	TypeComplete = "complete"
	TypeError    = "error"
)

// Event is one progress message pushed to subscribers.
type Event struct {
	Type       string `json:"type"`
	Step       string `json:"step,omitempty"`
	Message    string `json:"message,omitempty"`
	Percentage int    `json:"percentage,omitempty"`
	ResultID   string `json:"result_id,omitempty"`
}

// StreamName returns the channel events for a session are published on.
func StreamName(kind storage.Kind, sessionID string) string {
	return fmt.Sprintf("%s_progress_%s", kind, sessionID)
}

// Subscription is one subscriber's binding to a stream.
type Subscription struct {
	id     int
	stream string
	ch     chan Event
}

// C returns the channel events are delivered on. It is closed by
// Unsubscribe.
func (s *Subscription) C() <-chan Event { return s.ch }

// Stream returns the stream name the subscription is bound to.
func (s *Subscription) Stream() string { return s.stream }

// Hub is an in-process pub/sub keyed by stream name. Delivery is best
// effort: a subscriber whose buffer is full misses the event.
type Hub struct {
	mu      sync.RWMutex
	streams map[string]map[int]*Subscription
	nextID  int
}

func NewHub() *Hub {
	return &Hub{streams: make(map[string]map[int]*Subscription)}
}

func (h *Hub) subscribe(stream string) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &Subscription{id: h.nextID, stream: stream, ch: make(chan Event, defaultBufferSize)}
	subs, ok := h.streams[stream]
	if !ok {
		subs = make(map[int]*Subscription)
		h.streams[stream] = subs
	}
	subs[sub.id] = sub
	return sub
}

// Unsubscribe removes the subscription, discards anything still buffered
// for it and closes its channel. Calling it twice is safe.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.streams[sub.stream]
	if !ok {
		return
	}
	if _, ok := subs[sub.id]; !ok {
		return
	}
	delete(subs, sub.id)
	if len(subs) == 0 {
		delete(h.streams, sub.stream)
	}
	for len(sub.ch) > 0 {
		<-sub.ch
	}
	close(sub.ch)
}

// Publish sends ev to every current subscriber of stream and returns how
// many received it.
func (h *Hub) Publish(stream string, ev Event) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for _, sub := range h.streams[stream] {
		select {
		case sub.ch <- ev:
			delivered++
		default:
		}
	}
	return delivered
}

// SubscriberCount returns the number of subscriptions on stream.
func (h *Hub) SubscriberCount(stream string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.streams[stream])
}
