package mediator

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// DefaultHistorySize is the number of events kept per history.
const DefaultHistorySize = 30

// Event is a history entry.
type Event interface {
	Name() string

	// DuplicateOf reports whether the event carries no news compared to
	// prev, the most recently recorded event.
	DuplicateOf(prev Event) bool
}

// Record is an event with the time it was recorded.
type Record[E Event] struct {
	Event E
	At    time.Time
}

// EventHistory is a bounded, goroutine-safe ring of events. Recording an
// event that duplicates the most recent one is a no-op.
type EventHistory[E Event] struct {
	name string
	size int
	now  func() time.Time

	mu      sync.Mutex
	records []Record[E]
	dropped int
}

// NewEventHistory creates a history keeping at most size events.
func NewEventHistory[E Event](name string, size int) *EventHistory[E] {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &EventHistory[E]{name: name, size: size, now: time.Now}
}

// Record appends e unless it duplicates the last event. It reports whether
// e was recorded.
func (h *EventHistory[E]) Record(e E) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n := len(h.records); n > 0 && e.DuplicateOf(h.records[n-1].Event) {
		h.dropped++
		return false
	}
	h.records = append(h.records, Record[E]{Event: e, At: h.now()})
	if len(h.records) > h.size {
		h.records = append(h.records[:0], h.records[len(h.records)-h.size:]...)
	}
	return true
}

// Records returns a copy of the recorded events, oldest first.
func (h *EventHistory[E]) Records() []Record[E] {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Record[E](nil), h.records...)
}

// Last returns the most recent event.
func (h *EventHistory[E]) Last() (E, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.records) == 0 {
		var zero E
		return zero, false
	}
	return h.records[len(h.records)-1].Event, true
}

// Len returns the number of recorded events.
func (h *EventHistory[E]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.records)
}

// Dump writes the history, newest first.
func (h *EventHistory[E]) Dump(w io.Writer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	fmt.Fprintf(w, "%s (%d events, %d duplicates dropped)\n", h.name, len(h.records), h.dropped)
	for i := len(h.records) - 1; i >= 0; i-- {
		r := h.records[i]
		fmt.Fprintf(w, "  %s %s\n", r.At.Format("2006-01-02 15:04:05.000"), r.Event.Name())
	}
}
