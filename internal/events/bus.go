package events

import (
	"github.com/kelindar/event"
)

// Bus wraps kelindar/event dispatcher for event broadcasting.
// A nil *Bus drops every event, so publishers need no guard.
type Bus struct {
	dispatcher *event.Dispatcher
}

// New creates a new event bus
func New() *Bus {
	return &Bus{
		dispatcher: event.NewDispatcher(),
	}
}

// Publish publishes an event to all subscribers
// Usage: bus.Publish(StateChangedEvent{...})
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	switch e := ev.(type) {
	case StateChangedEvent:
		event.Publish(b.dispatcher, e)
	case ResolutionChangedEvent:
		event.Publish(b.dispatcher, e)
	case FrameDecodedEvent:
		event.Publish(b.dispatcher, e)
	case InputConsumedEvent:
		event.Publish(b.dispatcher, e)
	case DecodeErrorEvent:
		event.Publish(b.dispatcher, e)
	case EndOfStreamEvent:
		event.Publish(b.dispatcher, e)
	case DeviceLostEvent:
		event.Publish(b.dispatcher, e)
	}
}

// Subscribe subscribes to events with a handler function.
// The handler's parameter type selects the events it receives.
// Returns an unsubscribe function.
// Usage: unsub := bus.Subscribe(func(e FrameDecodedEvent) { ... })
func (b *Bus) Subscribe(handler any) func() {
	switch h := handler.(type) {
	case func(StateChangedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(ResolutionChangedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(FrameDecodedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(InputConsumedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(DecodeErrorEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(EndOfStreamEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(DeviceLostEvent):
		return event.Subscribe(b.dispatcher, h)
	default:
		// Return a no-op function if handler type is not recognized
		return func() {}
	}
}

// SubscribeToChannel bridges callback subscriptions to a channel for
// select-driven consumers. Events are dropped when the channel is full.
func SubscribeToChannel[T Event](bus *Bus, ch chan<- any) func() {
	return event.Subscribe(bus.dispatcher, func(e T) {
		select {
		case ch <- e:
		default:
		}
	})
}
