// Package eventbus carries the pipeline's fan-out signals from the workers
// that produce them (dispatch, ingest) to in-process consumers, chiefly the
// realtime hub's router.
package eventbus

import (
	"sync"
	"time"

	"relayhub/internal/metrics"
)

// Event is one pipeline signal. Type is a domain event name
// (message:new, message:status, conversation:updated); Data carries the
// matching payload struct from internal/domain.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus fans events out to subscribers.
//
// Publish never blocks: a subscriber whose buffer is full loses the event,
// and the loss is counted per event type. Producers therefore emit only
// after their durable writes, and consumers size buffers for their worst
// burst.
type Bus interface {
	Publish(e Event)
	// Emit is Publish with the timestamp taken now; the common producer path.
	Emit(eventType string, data any)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fan-out bus. It owns no goroutines; delivery
// happens on the publisher's stack.
func New() Bus {
	return &fanout{subs: map[uint64]chan Event{}}
}

type fanout struct {
	mu   sync.Mutex
	next uint64
	subs map[uint64]chan Event
}

func (b *fanout) Emit(eventType string, data any) {
	b.Publish(Event{Type: eventType, Time: time.Now(), Data: data})
}

func (b *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Sends stay under the lock so an Unsubscribe can never close a channel
	// mid-send. They are non-blocking, so the hold is bounded.
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			metrics.BusDropped.WithLabelValues(e.Type).Inc()
		}
	}
}

func (b *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.next++
	id := b.next
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, unsub
}
