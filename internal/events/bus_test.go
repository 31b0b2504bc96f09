package events

import (
	"encoding/json"
	"sync"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	bus := New()
	received := make(chan ResolutionChangedEvent, 1)

	unsub := bus.Subscribe(func(e ResolutionChangedEvent) {
		received <- e
	})
	defer unsub()

	event := ResolutionChangedEvent{
		Device: "/dev/video1",
		Epoch:  2,
		Width:  1920,
		Height: 1088,
	}
	bus.Publish(event)

	got := <-received
	if got.Device != event.Device || got.Epoch != event.Epoch {
		t.Errorf("Expected %+v, got %+v", event, got)
	}
}

func TestBus_MultipleSubscribers(_ *testing.T) {
	bus := New()
	received1 := make(chan StateChangedEvent, 1)
	received2 := make(chan StateChangedEvent, 1)

	unsub1 := bus.Subscribe(func(e StateChangedEvent) {
		received1 <- e
	})
	defer unsub1()

	unsub2 := bus.Subscribe(func(e StateChangedEvent) {
		received2 <- e
	})
	defer unsub2()

	bus.Publish(StateChangedEvent{OldState: "negotiated", NewState: "streaming"})

	<-received1
	<-received2
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := New()
	received := make(chan DecodeErrorEvent, 1)

	unsub := bus.Subscribe(func(e DecodeErrorEvent) {
		received <- e
	})

	bus.Publish(DecodeErrorEvent{Kind: "codec_error"})
	<-received

	unsub()

	bus.Publish(DecodeErrorEvent{Kind: "skip"})
	select {
	case <-received:
		t.Fatal("Should not have received event after unsubscribe")
	case <-time.After(10 * time.Millisecond):
		// Expected - no event
	}
}

func TestBus_TypeSafety(t *testing.T) {
	bus := New()

	frameReceived := make(chan bool, 1)
	eosReceived := make(chan bool, 1)

	unsub1 := bus.Subscribe(func(_ FrameDecodedEvent) {
		frameReceived <- true
	})
	defer unsub1()

	unsub2 := bus.Subscribe(func(_ EndOfStreamEvent) {
		eosReceived <- true
	})
	defer unsub2()

	bus.Publish(FrameDecodedEvent{BufferID: 3})
	<-frameReceived

	select {
	case <-eosReceived:
		t.Fatal("EOS subscriber should NOT have received FrameDecodedEvent")
	case <-time.After(10 * time.Millisecond):
		// Expected
	}
}

func TestBus_ThreadSafety(_ *testing.T) {
	bus := New()
	var wg sync.WaitGroup
	numGoroutines := 10
	eventsPerGoroutine := 100
	expected := numGoroutines * eventsPerGoroutine

	receivedCh := make(chan bool, expected)

	unsub := bus.Subscribe(func(_ InputConsumedEvent) {
		receivedCh <- true
	})
	defer unsub()

	for g := range numGoroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range eventsPerGoroutine {
				bus.Publish(InputConsumedEvent{InputID: int64(g*eventsPerGoroutine + i)})
			}
		}()
	}

	wg.Wait()

	for range expected {
		<-receivedCh
	}
}

func TestBus_NilBusDropsEvents(_ *testing.T) {
	var bus *Bus
	bus.Publish(DeviceLostEvent{Device: "/dev/video1"})
}

func TestBus_UnknownHandler(_ *testing.T) {
	bus := New()
	unsub := bus.Subscribe(func(_ string) {})
	unsub()
}

func TestEventTypesAreDistinct(t *testing.T) {
	all := []Event{
		StateChangedEvent{},
		ResolutionChangedEvent{},
		FrameDecodedEvent{},
		InputConsumedEvent{},
		DecodeErrorEvent{},
		EndOfStreamEvent{},
		DeviceLostEvent{},
	}

	seen := make(map[uint32]bool)
	for _, ev := range all {
		if seen[ev.Type()] {
			t.Errorf("duplicate event type %d for %T", ev.Type(), ev)
		}
		seen[ev.Type()] = true
	}
}

func TestEventJSONSerialization(t *testing.T) {
	data, err := json.Marshal(StateChangedEvent{
		Session:   "abc",
		Device:    "/dev/video1",
		OldState:  "negotiated",
		NewState:  "streaming",
		Timestamp: "2026-01-27T10:30:00Z",
	})
	if err != nil {
		t.Fatalf("Failed to marshal: %v", err)
	}

	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("Failed to unmarshal: %v", err)
	}
	if _, ok := result["error"]; ok {
		t.Error("empty error should be omitted")
	}
	if result["new_state"] != "streaming" {
		t.Errorf("new_state = %v, want streaming", result["new_state"])
	}
}

func TestSubscribeToChannel(t *testing.T) {
	bus := New()
	ch := make(chan any, 10)

	unsub := SubscribeToChannel[EndOfStreamEvent](bus, ch)
	defer unsub()

	bus.Publish(EndOfStreamEvent{Device: "/dev/video1"})

	received := <-ch
	eos, ok := received.(EndOfStreamEvent)
	if !ok {
		t.Fatalf("Expected EndOfStreamEvent, got %T", received)
	}
	if eos.Device != "/dev/video1" {
		t.Errorf("Expected device /dev/video1, got %s", eos.Device)
	}
}
