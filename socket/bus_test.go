package socket

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_DeliversInRegistrationOrder(t *testing.T) {
	bus := NewBus()
	var order []string

	Subscribe(bus, EventUserCount, NewHandler(func(n int) { order = append(order, "a") }))
	Subscribe(bus, EventUserCount, NewHandler(func(n int) { order = append(order, "b") }))
	Subscribe(bus, EventUserCount, NewHandler(func(n int) { order = append(order, "c") }))

	assert.Equal(t, 3, bus.Publish(EventUserCount, 5))
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestBus_SameHandlerRegisteredOnce(t *testing.T) {
	bus := NewBus()
	calls := 0
	h := NewHandler(func(ChatMessage) { calls++ })

	first := Subscribe(bus, EventChatMessage, h)
	second := Subscribe(bus, EventChatMessage, h)

	assert.Same(t, first, second)
	assert.Equal(t, 1, bus.Count(EventChatMessage))

	bus.Publish(EventChatMessage, ChatMessage{Content: "hi"})
	assert.Equal(t, 1, calls)
}

func TestBus_SameHandlerDifferentCategories(t *testing.T) {
	bus := NewBus()
	calls := 0
	h := NewHandler(func(Typing) { calls++ })

	Subscribe(bus, EventTyping, h)
	Subscribe(bus, Event("typing-dm"), h)

	bus.Publish(EventTyping, Typing{})
	bus.Publish(Event("typing-dm"), Typing{})
	assert.Equal(t, 2, calls)
}

func TestBus_UnsubscribeIsIdempotent(t *testing.T) {
	bus := NewBus()
	calls := 0
	sub := Subscribe(bus, EventAnnouncement, NewHandler(func(Announcement) { calls++ }))
	require.True(t, sub.Active())
	assert.Equal(t, EventAnnouncement, sub.Category())

	sub.Unsubscribe()
	sub.Unsubscribe()
	assert.False(t, sub.Active())
	assert.False(t, bus.Has(EventAnnouncement))

	bus.Publish(EventAnnouncement, Announcement{})
	assert.Equal(t, 0, calls)

	var nilSub *Subscription
	assert.NotPanics(t, nilSub.Unsubscribe)
	assert.False(t, nilSub.Active())
	assert.Equal(t, Event(""), nilSub.Category())
}

func TestBus_UnsubscribeByReference(t *testing.T) {
	bus := NewBus()
	var got []string
	first := NewHandler(func(m ChatMessage) { got = append(got, "first:"+m.Content) })
	second := NewHandler(func(m ChatMessage) { got = append(got, "second:"+m.Content) })

	Subscribe(bus, EventChatMessage, first)
	Subscribe(bus, EventChatMessage, second)

	bus.Publish(EventChatMessage, ChatMessage{Content: "hi"})
	Unsubscribe(bus, EventChatMessage, first)
	bus.Publish(EventChatMessage, ChatMessage{Content: "again"})

	assert.Equal(t, []string{"first:hi", "second:hi", "second:again"}, got)
}

func TestBus_UnsubscribeUnknownHandler(t *testing.T) {
	bus := NewBus()
	assert.NotPanics(t, func() {
		Unsubscribe(bus, EventChatMessage, NewHandler(func(ChatMessage) {}))
		Unsubscribe[ChatMessage](bus, EventChatMessage, nil)
	})
	assert.Nil(t, Subscribe[int](bus, EventUserCount, nil))
}

func TestBus_WrongPayloadTypeSkipped(t *testing.T) {
	bus := NewBus()
	calls := 0
	Subscribe(bus, EventUserCount, NewHandler(func(int) { calls++ }))

	bus.Publish(EventUserCount, "five")
	assert.Equal(t, 0, calls)
}

func TestBus_RemovalDuringPublishSkipsLaterHandler(t *testing.T) {
	bus := NewBus()
	var got []string
	var second *Subscription

	Subscribe(bus, EventUserCount, NewHandler(func(int) {
		got = append(got, "first")
		second.Unsubscribe()
	}))
	second = Subscribe(bus, EventUserCount, NewHandler(func(int) { got = append(got, "second") }))

	assert.Equal(t, 1, bus.Publish(EventUserCount, 1))
	assert.Equal(t, []string{"first"}, got)
}

func TestBus_PublishWhileStopsWhenNotLive(t *testing.T) {
	bus := NewBus()
	live := true
	var got []string

	Subscribe(bus, EventUserCount, NewHandler(func(int) {
		got = append(got, "first")
		live = false
	}))
	Subscribe(bus, EventUserCount, NewHandler(func(int) { got = append(got, "second") }))

	n := bus.PublishWhile(EventUserCount, 1, func() bool { return live })
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"first"}, got)
	assert.Zero(t, bus.PublishWhile(EventUserCount, 2, func() bool { return false }))
}

func TestBus_SubscribeDuringPublish(t *testing.T) {
	bus := NewBus()
	late := 0
	Subscribe(bus, EventUserCount, NewHandler(func(int) {
		Subscribe(bus, EventUserCount, NewHandler(func(int) { late++ }))
	}))

	bus.Publish(EventUserCount, 1)
	assert.Equal(t, 0, late, "handlers added mid-publish wait for the next event")

	bus.Publish(EventUserCount, 2)
	assert.Equal(t, 1, late)
}

func TestBus_PanicRecovered(t *testing.T) {
	bus := NewBus()
	var recovered interface{}
	bus.OnPanic(func(category Event, r interface{}) { recovered = r })

	after := 0
	Subscribe(bus, EventUserCount, NewHandler(func(int) { panic("view gone") }))
	Subscribe(bus, EventUserCount, NewHandler(func(int) { after++ }))

	assert.NotPanics(t, func() { bus.Publish(EventUserCount, 3) })
	assert.Equal(t, "view gone", recovered)
	assert.Equal(t, 1, after)
}

func TestHandler_NilSafe(t *testing.T) {
	var h *Handler[int]
	assert.NotPanics(t, func() { h.Handle(1) })
	assert.NotPanics(t, func() { NewHandler[int](nil).Handle(1) })
}
