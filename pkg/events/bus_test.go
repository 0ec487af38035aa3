package events

import (
	"testing"
	"time"
)

func TestBus_SubscribeReplaysBuffer(t *testing.T) {
	b := NewBus(10)
	b.Publish(Event{Kind: KindInfo, Message: "namespace created"})
	b.Publish(Event{Kind: KindProgress, Message: "pod scheduled", Progress: 50})

	sub := b.Subscribe(0)
	defer sub.Unsubscribe()

	first := <-sub.Events
	second := <-sub.Events
	if first.Message != "namespace created" || second.Message != "pod scheduled" {
		t.Errorf("replay order wrong: %+v, %+v", first, second)
	}
}

func TestBus_SubscribeAfterIDSkipsOlderEvents(t *testing.T) {
	b := NewBus(10)
	e1 := b.Publish(Event{Kind: KindInfo, Message: "one"})
	b.Publish(Event{Kind: KindInfo, Message: "two"})

	sub := b.Subscribe(e1.ID)
	defer sub.Unsubscribe()

	ev := <-sub.Events
	if ev.Message != "two" {
		t.Errorf("expected only events after ID %d, got %+v", e1.ID, ev)
	}
}

func TestBus_PublishFansOutLiveToAllSubscribers(t *testing.T) {
	b := NewBus(10)
	sub1 := b.Subscribe(0)
	sub2 := b.Subscribe(0)
	defer sub1.Unsubscribe()
	defer sub2.Unsubscribe()

	b.Publish(Event{Kind: KindInfo, Message: "hello"})

	for _, sub := range []*Subscription{sub1, sub2} {
		select {
		case ev := <-sub.Events:
			if ev.Message != "hello" {
				t.Errorf("got %+v", ev)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for fan-out delivery")
		}
	}
}

func TestBus_RingBufferBoundedSize(t *testing.T) {
	b := NewBus(3)
	for i := 0; i < 10; i++ {
		b.Publish(Event{Kind: KindInfo, Message: "x"})
	}
	if len(b.buffer) != 3 {
		t.Errorf("buffer len = %d, want 3", len(b.buffer))
	}
}

func TestBus_SlowSubscriberIsDroppedNotBlocking(t *testing.T) {
	b := NewBus(10)
	sub := b.Subscribe(0)

	for i := 0; i < defaultPendingLimit+5; i++ {
		b.Publish(Event{Kind: KindProgress, Message: "spin"})
	}

	if b.SubscriberCount() != 0 {
		t.Error("a subscriber whose channel filled up should have been dropped")
	}
	// Drain: channel should be closed, not block forever.
	for range sub.Events {
	}
}

func TestBus_CloseSendsShutdownSentinelAndClosesChannel(t *testing.T) {
	b := NewBus(10)
	sub := b.Subscribe(0)

	b.Close()

	var last Event
	for ev := range sub.Events {
		last = ev
	}
	if last.Kind != KindShutdown {
		t.Errorf("expected final event to be the shutdown sentinel, got %+v", last)
	}
}

func TestRegistry_BusForIsStablePerUser(t *testing.T) {
	r := NewRegistry(10)
	b1 := r.BusFor("rachel")
	b2 := r.BusFor("rachel")
	if b1 != b2 {
		t.Error("BusFor should return the same Bus instance for the same user")
	}
}

func TestRegistry_RemoveClosesBus(t *testing.T) {
	r := NewRegistry(10)
	b := r.BusFor("rachel")
	sub := b.Subscribe(0)

	r.Remove("rachel")

	var last Event
	for ev := range sub.Events {
		last = ev
	}
	if last.Kind != KindShutdown {
		t.Error("Remove should close the user's bus with a shutdown sentinel")
	}

	if r.BusFor("rachel") == b {
		t.Error("a removed user's next BusFor call should create a fresh Bus")
	}
}
