package events

import (
	"testing"
	"time"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	bus := NewBus()
	a, unsubA := bus.Subscribe(EventSignalEmitted, 1)
	b, unsubB := bus.Subscribe(EventSignalEmitted, 1)
	defer unsubA()
	defer unsubB()

	bus.Publish(EventSignalEmitted, "payload")

	for i, ch := range []<-chan any{a, b} {
		select {
		case got := <-ch:
			if got != "payload" {
				t.Fatalf("subscriber %d received %v", i, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d received nothing", i)
		}
	}
}

func TestPublishToOtherEventIsNotDelivered(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(EventSignalEmitted, 1)
	defer unsub()

	bus.Publish(EventCommandCompleted, "other")

	select {
	case got := <-ch:
		t.Fatalf("received %v for a different event", got)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSlowSubscriberIsDroppedNotBlocked(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(EventSignalEmitted, 1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		// Second publish overflows the buffer; it must not block.
		bus.Publish(EventSignalEmitted, 1)
		bus.Publish(EventSignalEmitted, 2)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publisher blocked on a slow subscriber")
	}

	if got := <-ch; got != 1 {
		t.Fatalf("received %v, expected the first payload to survive", got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(EventSignalEmitted, 1)
	unsub()

	if _, open := <-ch; open {
		t.Fatalf("channel still open after unsubscribe")
	}

	// Publishing after unsubscribe must not panic on the closed channel.
	bus.Publish(EventSignalEmitted, "late")
}
