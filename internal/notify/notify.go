// Package notify is the one-way boundary between the registry and the UI
// collaborator. Publishing never blocks and never fails: a subscriber whose
// buffer is full simply loses the message and resyncs from the next snapshot.
package notify

import "sync"

const (
	TypeStateChanged = "state-changed"
	TypeFileDetected = "file-detected"
	TypeError        = "error"
)

type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Hub fans messages out to any number of subscribers.
type Hub struct {
	mu   sync.Mutex
	subs map[int]chan Message
	next int
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Message)}
}

// Publish delivers msg to every subscriber that has buffer room. It returns
// immediately regardless of subscriber state.
func (h *Hub) Publish(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- msg:
		default:
			// Slow subscriber; drop rather than stall the registry.
		}
	}
}

// Subscribe registers a buffered subscription. The returned cancel func
// closes the channel and must be called exactly once.
func (h *Hub) Subscribe(buffer int) (<-chan Message, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Message, buffer)

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
	}
	return ch, cancel
}
