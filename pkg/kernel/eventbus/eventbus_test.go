package eventbus

import (
	"testing"
	"time"
)

func recvWithTimeout(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("channel closed unexpectedly")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestPublishOrderPreservedPerSubscriber(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("d1")
	defer unsub()

	b.Publish("d1", Event{Type: "a"})
	b.Publish("d1", Event{Type: "b"})
	b.Publish("d1", Event{Type: "c"})

	for _, want := range []EventType{"a", "b", "c"} {
		ev := recvWithTimeout(t, ch)
		if ev.Type != want {
			t.Fatalf("got %q, want %q", ev.Type, want)
		}
	}
}

func TestPublishDroppedWithNoSubscribers(t *testing.T) {
	b := New()
	b.Publish("d1", Event{Type: "a"}) // no subscriber: dropped

	ch, unsub := b.Subscribe("d1")
	defer unsub()

	// The only thing delivered should be the "most recent value" replay,
	// not a queued backlog of every drop.
	ev := recvWithTimeout(t, ch)
	if ev.Type != "a" {
		t.Fatalf("expected replay of last value %q, got %q", "a", ev.Type)
	}

	select {
	case extra := <-ch:
		t.Fatalf("unexpected extra event after replay: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLateSubscriberGetsMostRecentThenStreamsOnward(t *testing.T) {
	b := New()
	b.Publish("d1", Event{Type: "a"})

	ch, unsub := b.Subscribe("d1")
	defer unsub()

	ev := recvWithTimeout(t, ch)
	if ev.Type != "a" {
		t.Fatalf("got %q, want replay of %q", ev.Type, "a")
	}

	b.Publish("d1", Event{Type: "b"})
	ev = recvWithTimeout(t, ch)
	if ev.Type != "b" {
		t.Fatalf("got %q, want %q", ev.Type, "b")
	}
}

func TestEndOfStreamTerminatesAndSuppressesFurtherPublishes(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("d1")
	defer unsub()

	b.Publish("d1", Event{Type: "a"})
	b.Publish("d1", Event{Type: EndOfStream})
	b.Publish("d1", Event{Type: "ignored-after-end"})

	ev := recvWithTimeout(t, ch)
	if ev.Type != "a" {
		t.Fatalf("got %q, want %q", ev.Type, "a")
	}
	ev = recvWithTimeout(t, ch)
	if ev.Type != EndOfStream {
		t.Fatalf("got %q, want end_of_stream", ev.Type)
	}

	select {
	case extra, ok := <-ch:
		if ok {
			t.Fatalf("received event after end_of_stream: %+v", extra)
		}
	case <-time.After(50 * time.Millisecond):
		t.Fatal("channel neither closed nor yielded after end_of_stream")
	}
}

func TestSubscriberAfterEndGetsImmediateTermination(t *testing.T) {
	b := New()
	b.Publish("d1", Event{Type: "a"})
	b.Publish("d1", Event{Type: EndOfStream})

	ch, unsub := b.Subscribe("d1")
	defer unsub()

	ev := recvWithTimeout(t, ch)
	if ev.Type != "a" {
		t.Fatalf("got %q, want replay %q", ev.Type, "a")
	}
	ev = recvWithTimeout(t, ch)
	if ev.Type != EndOfStream {
		t.Fatalf("got %q, want end_of_stream", ev.Type)
	}
}

func TestSlowSubscriberDoesNotBlockFastSubscriber(t *testing.T) {
	b := New(WithBufferSize(1))
	slow, unsubSlow := b.Subscribe("d1")
	fast, unsubFast := b.Subscribe("d1")
	defer unsubSlow()
	defer unsubFast()

	const n = 50
	done := make(chan struct{})
	go func() {
		for i := 0; i < n; i++ {
			b.Publish("d1", Event{Type: "tick"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked — a slow subscriber stalled the publisher")
	}

	// Drain the fast subscriber fully; the slow one is left untouched.
	count := 0
	for count < n {
		select {
		case <-fast:
			count++
		case <-time.After(time.Second):
			t.Fatalf("fast subscriber only received %d/%d events", count, n)
		}
	}
	_ = slow
}

func TestIndependentKeysDoNotInteract(t *testing.T) {
	b := New()
	chA, unsubA := b.Subscribe("a")
	defer unsubA()
	chB, unsubB := b.Subscribe("b")
	defer unsubB()

	b.Publish("a", Event{Type: "only-a"})

	ev := recvWithTimeout(t, chA)
	if ev.Type != "only-a" {
		t.Fatalf("got %q", ev.Type)
	}
	select {
	case extra := <-chB:
		t.Fatalf("key b received an event published to key a: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}
