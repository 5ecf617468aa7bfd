// Package broadcast fans call lifecycle events out to live observers.
package broadcast

import (
	"sync"
	"time"
)

// Event kinds published over the live stream.
const (
	KindCallStarted        = "call-started"
	KindSpeechRecognized   = "speech-recognized"
	KindGenerationRequest  = "generation-requested"
	KindGenerationResponse = "generation-responded"
	KindSynthesisCompleted = "synthesis-completed"
	KindCallEnded          = "call-ended"
	KindError              = "error"
)

// Event is one observable step of a call, serialized as-is to observers.
type Event struct {
	Kind   string         `json:"kind"`
	CallID string         `json:"call_id"`
	At     time.Time      `json:"at"`
	Data   map[string]any `json:"data,omitempty"`
}

type subscriber struct {
	ch     chan Event
	callID string
}

// Hub delivers events to subscribers without ever blocking the caller.
// A subscriber that cannot keep up silently drops events.
type Hub struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[*subscriber]struct{})}
}

// Subscribe registers an observer. An empty callID receives every event,
// otherwise only events for that call. The returned cancel func must be
// called exactly once; it closes the channel.
func (h *Hub) Subscribe(callID string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 32
	}
	sub := &subscriber{ch: make(chan Event, buffer), callID: callID}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if _, ok := h.subs[sub]; ok {
			delete(h.subs, sub)
			close(sub.ch)
		}
		h.mu.Unlock()
	}
	return sub.ch, cancel
}

// Publish sends the event to every matching subscriber. Full subscriber
// buffers drop the event rather than stall the call pipeline.
func (h *Hub) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if sub.callID != "" && sub.callID != ev.CallID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// SubscriberCount reports how many observers are attached.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
