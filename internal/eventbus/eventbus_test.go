package eventbus

import (
	"testing"
	"time"
)

func waitEvent(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev := <-sub.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestSubscribe_DeliversSnapshotFirst(t *testing.T) {
	b := New()
	sub := b.Subscribe(Event{Payload: "initial"})
	defer sub.Unsubscribe()

	ev := waitEvent(t, sub)
	if ev.Kind != KindSnapshot {
		t.Errorf("Kind = %q, want %q", ev.Kind, KindSnapshot)
	}
	if ev.Payload != "initial" {
		t.Errorf("Payload = %v, want %q", ev.Payload, "initial")
	}
}

func TestPublish_DeliversToLiveSubscriber(t *testing.T) {
	b := New()
	sub := b.Subscribe(Event{Payload: "initial"})
	defer sub.Unsubscribe()
	waitEvent(t, sub) // drain snapshot

	b.Publish(Event{Kind: KindStudentOutput, Payload: "out-1"})
	ev := waitEvent(t, sub)
	if ev.Kind != KindStudentOutput || ev.Payload != "out-1" {
		t.Errorf("got %+v", ev)
	}
}

func TestPublish_NeverBlocksOnSlowSubscriber(t *testing.T) {
	b := NewWithCapacity(2)
	sub := b.Subscribe(Event{Payload: "initial"})
	defer sub.Unsubscribe()

	// Flood more events than the ring can hold without ever draining; this
	// must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Event{Kind: KindStudentOutput, Payload: i})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked under a slow subscriber")
	}
}

func TestSubscriber_ReportsGapAfterOverflow(t *testing.T) {
	b := NewWithCapacity(2)
	sub := b.Subscribe(Event{Payload: "initial"})
	defer sub.Unsubscribe()
	waitEvent(t, sub) // drain snapshot

	// Publish more than capacity before draining so the ring overflows.
	for i := 0; i < 5; i++ {
		b.Publish(Event{Kind: KindStudentOutput, Payload: i})
	}

	ev := waitEvent(t, sub)
	if ev.Gap == 0 {
		t.Error("expected a nonzero Gap after overflow, got 0")
	}
}

func TestUnsubscribe_StopsFurtherDelivery(t *testing.T) {
	b := New()
	sub := b.Subscribe(Event{Payload: "initial"})
	waitEvent(t, sub) // drain snapshot
	sub.Unsubscribe()

	b.Publish(Event{Kind: KindStudentOutput, Payload: "after-unsub"})

	select {
	case ev, ok := <-sub.Events():
		if ok {
			t.Errorf("received unexpected event after unsubscribe: %+v", ev)
		}
	case <-time.After(100 * time.Millisecond):
		// No delivery within the window is the expected outcome.
	}
}

func TestClose_SendsClosedToAllSubscribers(t *testing.T) {
	b := New()
	sub1 := b.Subscribe(Event{Payload: "initial"})
	sub2 := b.Subscribe(Event{Payload: "initial"})
	waitEvent(t, sub1)
	waitEvent(t, sub2)

	b.Close()

	for _, sub := range []*Subscription{sub1, sub2} {
		ev := waitEvent(t, sub)
		if ev.Kind != KindClosed {
			t.Errorf("Kind = %q, want %q", ev.Kind, KindClosed)
		}
	}
}

func TestSubscribe_AfterCloseDeliversClosedImmediately(t *testing.T) {
	b := New()
	b.Close()

	sub := b.Subscribe(Event{Payload: "initial"})
	waitEvent(t, sub) // synthetic snapshot, still delivered even to a closed bus
	ev := waitEvent(t, sub)
	if ev.Kind != KindClosed {
		t.Errorf("Kind = %q, want %q", ev.Kind, KindClosed)
	}
}
