package socket

import (
	"sync"
	"sync/atomic"
)

// Handler wraps a callback so it has an identity: registering the same
// *Handler twice for a category is a no-op, and it can be removed by
// reference.
type Handler[T any] struct {
	fn func(T)
}

func NewHandler[T any](fn func(T)) *Handler[T] {
	return &Handler[T]{fn: fn}
}

func (h *Handler[T]) Handle(v T) {
	if h == nil || h.fn == nil {
		return
	}
	h.fn(v)
}

// Subscription is the token returned by every subscribe call.
type Subscription struct {
	bus      *Bus
	category Event
	id       uint64
}

// Unsubscribe removes the handler. Calling it again, or on a nil
// Subscription, does nothing.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.bus == nil {
		return
	}
	s.bus.remove(s.category, func(sub *subscriber) bool { return sub.id == s.id })
}

func (s *Subscription) Category() Event {
	if s == nil {
		return ""
	}
	return s.category
}

// Active reports whether the handler is still registered.
func (s *Subscription) Active() bool {
	if s == nil || s.bus == nil {
		return false
	}
	s.bus.mu.RLock()
	defer s.bus.mu.RUnlock()
	for _, sub := range s.bus.subs[s.category] {
		if sub.id == s.id {
			return true
		}
	}
	return false
}

type subscriber struct {
	id      uint64
	key     interface{}
	call    func(interface{})
	token   *Subscription
	removed atomic.Bool
}

// Bus maps each category to its handlers in registration order.
type Bus struct {
	mu      sync.RWMutex
	nextID  uint64
	subs    map[Event][]*subscriber
	onPanic func(category Event, recovered interface{})
}

func NewBus() *Bus {
	return &Bus{subs: make(map[Event][]*subscriber)}
}

// OnPanic installs a hook for handler panics. Without one the panic is
// swallowed and the remaining handlers still run.
func (b *Bus) OnPanic(fn func(category Event, recovered interface{})) {
	b.mu.Lock()
	b.onPanic = fn
	b.mu.Unlock()
}

func Subscribe[T any](b *Bus, category Event, h *Handler[T]) *Subscription {
	if h == nil {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs[category] {
		if sub.key == interface{}(h) {
			return sub.token
		}
	}

	b.nextID++
	token := &Subscription{bus: b, category: category, id: b.nextID}
	b.subs[category] = append(b.subs[category], &subscriber{
		id:  b.nextID,
		key: h,
		call: func(v interface{}) {
			if typed, ok := v.(T); ok {
				h.Handle(typed)
			}
		},
		token: token,
	})
	return token
}

// Unsubscribe removes h from category by reference. Unknown handlers are
// ignored.
func Unsubscribe[T any](b *Bus, category Event, h *Handler[T]) {
	if h == nil {
		return
	}
	b.remove(category, func(sub *subscriber) bool { return sub.key == interface{}(h) })
}

func (b *Bus) remove(category Event, match func(*subscriber) bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	current := b.subs[category]
	kept := make([]*subscriber, 0, len(current))
	for _, sub := range current {
		if match(sub) {
			sub.removed.Store(true)
			continue
		}
		kept = append(kept, sub)
	}

	if len(kept) == 0 {
		delete(b.subs, category)
		return
	}
	b.subs[category] = kept
}

// Publish calls every handler of category with v, in registration order, on
// the calling goroutine. Handlers removed while the publish is running are
// skipped. It returns the number of handlers called.
func (b *Bus) Publish(category Event, v interface{}) int {
	return b.PublishWhile(category, v, nil)
}

// PublishWhile is Publish that checks live before each handler and stops at
// the first false. A nil live always passes.
func (b *Bus) PublishWhile(category Event, v interface{}, live func() bool) int {
	b.mu.RLock()
	subs := b.subs[category]
	onPanic := b.onPanic
	b.mu.RUnlock()

	n := 0
	for _, sub := range subs {
		if sub.removed.Load() {
			continue
		}
		if live != nil && !live() {
			break
		}
		b.invoke(sub, category, v, onPanic)
		n++
	}
	return n
}

func (b *Bus) invoke(sub *subscriber, category Event, v interface{}, onPanic func(Event, interface{})) {
	defer func() {
		if r := recover(); r != nil && onPanic != nil {
			onPanic(category, r)
		}
	}()
	sub.call(v)
}

func (b *Bus) Count(category Event) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[category])
}

func (b *Bus) Has(category Event) bool {
	return b.Count(category) > 0
}
