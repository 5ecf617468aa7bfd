package broadcast

import (
	"testing"
	"time"
)

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatalf("no event within 1s")
		return Event{}
	}
}

func TestHubDeliversToAllSubscribers(t *testing.T) {
	h := NewHub()
	ch1, cancel1 := h.Subscribe("", 4)
	defer cancel1()
	ch2, cancel2 := h.Subscribe("", 4)
	defer cancel2()

	h.Publish(Event{Kind: KindCallStarted, CallID: "c1"})

	for _, ch := range []<-chan Event{ch1, ch2} {
		ev := recv(t, ch)
		if ev.Kind != KindCallStarted || ev.CallID != "c1" {
			t.Fatalf("event = %+v", ev)
		}
		if ev.At.IsZero() {
			t.Fatalf("Publish() did not stamp At")
		}
	}
}

func TestHubFiltersByCallID(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe("c2", 4)
	defer cancel()

	h.Publish(Event{Kind: KindSpeechRecognized, CallID: "c1"})
	h.Publish(Event{Kind: KindSpeechRecognized, CallID: "c2"})

	ev := recv(t, ch)
	if ev.CallID != "c2" {
		t.Fatalf("CallID = %q, want c2", ev.CallID)
	}
	select {
	case extra := <-ch:
		t.Fatalf("unexpected extra event %+v", extra)
	default:
	}
}

func TestHubDropsWhenSubscriberIsFull(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe("", 1)
	defer cancel()

	h.Publish(Event{Kind: KindCallStarted, CallID: "c1"})
	done := make(chan struct{})
	go func() {
		h.Publish(Event{Kind: KindCallEnded, CallID: "c1"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Publish() blocked on a full subscriber")
	}

	if ev := recv(t, ch); ev.Kind != KindCallStarted {
		t.Fatalf("Kind = %q, want the first event", ev.Kind)
	}
}

func TestHubCancelIsIdempotent(t *testing.T) {
	h := NewHub()
	_, cancel := h.Subscribe("", 1)
	cancel()
	cancel()
	if n := h.SubscriberCount(); n != 0 {
		t.Fatalf("SubscriberCount() = %d, want 0", n)
	}
	h.Publish(Event{Kind: KindError, CallID: "c1"})
}
