package tractor

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// EventKind names a lifecycle notification.
type EventKind string

const (
	EventPublished EventKind = "published"
	EventDestroyed EventKind = "destroyed"
	EventUsed      EventKind = "used"
)

// Event is a lifecycle notification for off-core observers.
type Event struct {
	ID        uuid.UUID
	Kind      EventKind
	Hash      Hash
	Blueprint *Blueprint // set for EventPublished
	Operator  Address    // set for EventUsed
	Time      time.Time
}

// Notifier receives lifecycle notifications after the state change they
// describe has been applied. Notify must not block for long; it runs inside
// the operation's critical section.
type Notifier interface {
	Notify(ctx context.Context, e Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, e Event)

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, e Event) { f(ctx, e) }

// Notifiers fans an event out to every element in order.
type Notifiers []Notifier

// Notify implements Notifier.
func (ns Notifiers) Notify(ctx context.Context, e Event) {
	for _, n := range ns {
		n.Notify(ctx, e)
	}
}

// LogNotifier writes events to logger at Info.
func LogNotifier(logger *slog.Logger) Notifier {
	return NotifierFunc(func(ctx context.Context, e Event) {
		attrs := []any{"event_id", e.ID.String(), "hash", e.Hash.String()}
		switch e.Kind {
		case EventUsed:
			attrs = append(attrs, "operator", string(e.Operator))
		case EventPublished:
			if e.Blueprint != nil {
				attrs = append(attrs, "publisher", string(e.Blueprint.Publisher), "use_ceiling", e.Blueprint.UseCeiling)
			}
		}
		logger.InfoContext(ctx, "blueprint "+string(e.Kind), attrs...)
	})
}

// Feed delivers events to channel subscribers. A subscriber whose buffer is
// full misses the event; Dropped counts those misses.
type Feed struct {
	mu      sync.Mutex
	nextID  int
	subs    map[int]chan Event
	dropped atomic.Uint64
}

// NewFeed returns a feed with no subscribers.
func NewFeed() *Feed {
	return &Feed{subs: make(map[int]chan Event)}
}

// Subscribe returns a channel of future events and a function that closes it.
func (f *Feed) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.subs[id] = ch
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
			close(ch)
		})
	}
}

// Notify implements Notifier.
func (f *Feed) Notify(_ context.Context, e Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- e:
		default:
			f.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was
// full.
func (f *Feed) Dropped() uint64 {
	return f.dropped.Load()
}

// Metrics observes the outcome of every controller operation. op is one of
// "publish", "destroy", "check", "execute" or "run".
type Metrics interface {
	Observe(ctx context.Context, op string, err error, elapsed time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) Observe(context.Context, string, error, time.Duration) {}
