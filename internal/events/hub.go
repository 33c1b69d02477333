// Package events fans engine notifications out to in-process subscribers
// such as the websocket stream and the CLI watcher.
package events

import "sync"

type Kind string

const (
	KindMilestone Kind = "milestone"
	KindPhase     Kind = "phase"
)

// Event is one engine notification. Milestone events carry the milestone and
// the remaining time at emission; phase events carry the new phase.
type Event struct {
	Kind        Kind   `json:"kind"`
	ChallengeID string `json:"challenge_id,omitempty"`
	Goal        string `json:"goal,omitempty"`
	Milestone   int    `json:"milestone,omitempty"`
	Remaining   int64  `json:"remaining,omitempty"`
	Phase       string `json:"phase,omitempty"`
	At          int64  `json:"at"`
}

// Hub is a non-blocking broadcaster. A subscriber whose buffer is full misses
// the event rather than stalling the publisher.
type Hub struct {
	mu     sync.Mutex
	next   int
	subs   map[int]chan Event
	closed bool
}

func NewHub() *Hub {
	return &Hub{subs: map[int]chan Event{}}
}

// Subscribe registers a listener. The returned cancel func unregisters it and
// closes the channel; it is safe to call more than once.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	if h.subs == nil {
		h.subs = map[int]chan Event{}
	}
	id := h.next
	h.next++
	h.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		})
	}
}

// Publish delivers evt to every subscriber and reports how many dropped it.
// A nil hub discards events.
func (h *Hub) Publish(evt Event) (dropped int) {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- evt:
		default:
			dropped++
		}
	}
	return dropped
}

// Close unregisters every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
