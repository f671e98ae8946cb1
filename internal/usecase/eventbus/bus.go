package eventbus

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"orchestra-ai/internal/domain"
)

// wildcard keys subscribers that receive every event type.
const wildcard domain.EventType = "*"

type subscriber struct {
	id uint64
	fn domain.EventHandler
}

// Bus is an in-process, goroutine-safe event bus. Publishing never blocks on
// subscribers: each delivery runs in its own goroutine.
type Bus struct {
	mu     sync.RWMutex
	subs   map[domain.EventType][]subscriber
	nextID atomic.Uint64
	logger *slog.Logger

	inflight  sync.WaitGroup
	closed    atomic.Bool
	published atomic.Int64
	panics    atomic.Int64
}

var _ domain.EventBus = (*Bus)(nil)

// New creates an event bus. A nil logger discards handler panics.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Bus{
		subs:   make(map[domain.EventType][]subscriber),
		logger: logger,
	}
}

// Publish delivers the event to subscribers of its type, then to wildcard
// subscribers. Publishing after Close is a no-op.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}
	b.published.Add(1)

	b.mu.RLock()
	targets := make([]subscriber, 0, len(b.subs[event.Type])+len(b.subs[wildcard]))
	targets = append(targets, b.subs[event.Type]...)
	targets = append(targets, b.subs[wildcard]...)
	b.mu.RUnlock()

	for _, s := range targets {
		b.deliver(ctx, event, s)
	}
}

func (b *Bus) deliver(ctx context.Context, event domain.Event, s subscriber) {
	b.inflight.Add(1)
	go func() {
		defer b.inflight.Done()
		defer func() {
			if r := recover(); r != nil {
				b.panics.Add(1)
				b.logger.Error("event handler panicked",
					"event", string(event.Type),
					"task_id", event.TaskID,
					"panic", r,
				)
			}
		}()
		s.fn(ctx, event)
	}()
}

// Subscribe registers a handler for one event type and returns its
// unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	return b.add(eventType, handler)
}

// SubscribeAll registers a handler that receives every event.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	return b.add(wildcard, handler)
}

func (b *Bus) add(key domain.EventType, handler domain.EventHandler) func() {
	id := b.nextID.Add(1)

	b.mu.Lock()
	b.subs[key] = append(b.subs[key], subscriber{id: id, fn: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(key, id) })
	}
}

func (b *Bus) remove(key domain.EventType, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[key]
	for i, s := range list {
		if s.id != id {
			continue
		}
		// Copy so snapshots taken by concurrent Publish calls stay intact.
		next := make([]subscriber, 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		if len(next) == 0 {
			delete(b.subs, key)
		} else {
			b.subs[key] = next
		}
		return
	}
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, list := range b.subs {
		n += len(list)
	}
	return n
}

// Published returns the number of events accepted since creation.
func (b *Bus) Published() int64 { return b.published.Load() }

// Close stops accepting events and waits for in-flight deliveries.
// It is safe to call more than once.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.inflight.Wait()
}
