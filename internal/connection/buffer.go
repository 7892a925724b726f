package connection

import (
	"sync"
	"time"

	"orderflow/models"
)

// MessageRing is a bounded ring of raw inbound frames kept for replay and
// diagnostics. Oldest entries are evicted when the ring is full.
type MessageRing struct {
	mu   sync.Mutex
	buf  []models.BufferedMessage
	head int
	size int
}

func NewMessageRing(capacity int) *MessageRing {
	if capacity < 1 {
		capacity = 1
	}
	return &MessageRing{buf: make([]models.BufferedMessage, capacity)}
}

// Append stores a frame, evicting the oldest entry when full.
func (r *MessageRing) Append(msg models.BufferedMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := (r.head + r.size) % len(r.buf)
	r.buf[idx] = msg
	if r.size < len(r.buf) {
		r.size++
	} else {
		r.head = (r.head + 1) % len(r.buf)
	}
}

// Since returns the buffered frames newer than the given timestamp in arrival
// order. A zero timestamp returns everything.
func (r *MessageRing) Since(t time.Time) []models.BufferedMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]models.BufferedMessage, 0, r.size)
	for i := 0; i < r.size; i++ {
		msg := r.buf[(r.head+i)%len(r.buf)]
		if t.IsZero() || msg.Timestamp.After(t) {
			out = append(out, msg)
		}
	}
	return out
}

func (r *MessageRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

func (r *MessageRing) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.head = 0
	r.size = 0
}
