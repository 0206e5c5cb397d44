package session

import (
	"sync"
	"time"
)

// RingBuffer keeps the most recent events so late subscribers can catch up.
type RingBuffer struct {
	mu       sync.RWMutex
	buf      []OutputEvent
	capacity int
	pos      int // next write position
	full     bool
}

// NewRingBuffer creates a ring buffer holding up to capacity events. A
// capacity below one is raised to one.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer{
		buf:      make([]OutputEvent, capacity),
		capacity: capacity,
	}
}

// Write adds an event, overwriting the oldest when full.
func (rb *RingBuffer) Write(event OutputEvent) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.buf[rb.pos] = event
	rb.pos = (rb.pos + 1) % rb.capacity
	if rb.pos == 0 {
		rb.full = true
	}
}

// Len returns the number of stored events.
func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	if rb.full {
		return rb.capacity
	}
	return rb.pos
}

// ReadAll returns the stored events oldest first.
func (rb *RingBuffer) ReadAll() []OutputEvent {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if !rb.full {
		result := make([]OutputEvent, rb.pos)
		copy(result, rb.buf[:rb.pos])
		return result
	}

	result := make([]OutputEvent, rb.capacity)
	copy(result, rb.buf[rb.pos:])
	copy(result[rb.capacity-rb.pos:], rb.buf[:rb.pos])
	return result
}

// ReadSince returns the stored events newer than after whose type is one of
// kinds, oldest first. No kinds matches every type.
func (rb *RingBuffer) ReadSince(after time.Time, kinds ...OutputEventType) []OutputEvent {
	all := rb.ReadAll()
	out := all[:0]
	for _, ev := range all {
		if !ev.Timestamp.After(after) {
			continue
		}
		if len(kinds) > 0 && !containsType(kinds, ev.Type) {
			continue
		}
		out = append(out, ev)
	}
	return out
}

func containsType(kinds []OutputEventType, t OutputEventType) bool {
	for _, k := range kinds {
		if k == t {
			return true
		}
	}
	return false
}
