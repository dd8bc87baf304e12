package notify

import (
	"testing"
	"time"

	"call-processing/internal/callstate"
)

func mustReceive(t *testing.T, h *Handle) Event {
	t.Helper()
	select {
	case ev, ok := <-h.Events():
		if !ok {
			t.Fatalf("channel closed")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return Event{}
}

func TestPublish_PerCallSubscription(t *testing.T) {
	n := New(4, nil)
	h := n.Register()
	n.Subscribe(h, "c1")

	n.Publish(Event{CallID: "c1", State: callstate.StateProcessingAI, Timestamp: time.Now()})
	ev := mustReceive(t, h)
	if ev.CallID != "c1" || ev.State != callstate.StateProcessingAI {
		t.Fatalf("unexpected event %+v", ev)
	}

	// Not subscribed to c2.
	n.Publish(Event{CallID: "c2", State: callstate.StateCompleted})
	select {
	case ev := <-h.Events():
		t.Fatalf("unexpected delivery %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestPublish_GlobalSubscriptionSeesAllCalls(t *testing.T) {
	n := New(4, nil)
	h := n.Register()
	n.Subscribe(h, "")

	n.Publish(Event{CallID: "a", State: callstate.StateProcessingAI})
	n.Publish(Event{CallID: "b", State: callstate.StateCompleted})

	if ev := mustReceive(t, h); ev.CallID != "a" {
		t.Fatalf("expected event for a, got %+v", ev)
	}
	if ev := mustReceive(t, h); ev.CallID != "b" {
		t.Fatalf("expected event for b, got %+v", ev)
	}
}

func TestPublish_DualSubscriptionDeliversOnce(t *testing.T) {
	n := New(4, nil)
	h := n.Register()
	n.Subscribe(h, "")
	n.Subscribe(h, "c1")

	n.Publish(Event{CallID: "c1", State: callstate.StateCompleted})
	mustReceive(t, h)

	select {
	case ev := <-h.Events():
		t.Fatalf("duplicate delivery %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestPublish_SlowSubscriberIsDropped(t *testing.T) {
	n := New(1, nil)
	slow := n.Register()
	healthy := n.Register()
	n.Subscribe(slow, "c1")
	n.Subscribe(healthy, "c1")

	// First event fills both buffers. healthy drains its buffer before the
	// second publish and slow does not, so only slow's buffer overflows.
	n.Publish(Event{CallID: "c1", State: callstate.StateProcessingAI})
	mustReceive(t, healthy)
	n.Publish(Event{CallID: "c1", State: callstate.StateCompleted})

	// slow got the first event, then its channel was closed.
	if ev := mustReceive(t, slow); ev.State != callstate.StateProcessingAI {
		t.Fatalf("unexpected first event %+v", ev)
	}
	if _, ok := <-slow.Events(); ok {
		t.Fatalf("expected slow subscriber channel closed")
	}

	// healthy keeps receiving.
	if ev := mustReceive(t, healthy); ev.State != callstate.StateCompleted {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestUnsubscribe_ClosesChannelAndStopsDelivery(t *testing.T) {
	n := New(4, nil)
	h := n.Register()
	n.Subscribe(h, "c1")
	n.Unsubscribe(h)

	if _, ok := <-h.Events(); ok {
		t.Fatalf("expected closed channel after unsubscribe")
	}

	// Publishing afterwards must not panic or deliver.
	n.Publish(Event{CallID: "c1", State: callstate.StateCompleted})
}

func TestUnsubscribeGlobal_KeepsPerCall(t *testing.T) {
	n := New(4, nil)
	h := n.Register()
	n.Subscribe(h, "")
	n.Subscribe(h, "c1")
	n.UnsubscribeGlobal(h)

	n.Publish(Event{CallID: "other", State: callstate.StateCompleted})
	select {
	case ev := <-h.Events():
		t.Fatalf("expected no delivery for other call, got %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}

	n.Publish(Event{CallID: "c1", State: callstate.StateCompleted})
	mustReceive(t, h)
}

func TestPublish_OrderPerSubscriber(t *testing.T) {
	n := New(8, nil)
	h := n.Register()
	n.Subscribe(h, "c1")

	states := []callstate.State{
		callstate.StateProcessingAI,
		callstate.StateCompleted,
		callstate.StateArchived,
	}
	for _, s := range states {
		n.Publish(Event{CallID: "c1", State: s})
	}
	for _, want := range states {
		if ev := mustReceive(t, h); ev.State != want {
			t.Fatalf("out of order: got %s want %s", ev.State, want)
		}
	}
}

func TestPublish_SlowDroppedBeforeFirstReadStillClosed(t *testing.T) {
	// A handle that never reads eventually has a closed channel once its
	// buffer overflows, so writers cannot leak goroutines on it.
	n := New(1, nil)
	h := n.Register()
	n.Subscribe(h, "c1")

	n.Publish(Event{CallID: "c1", State: callstate.StateProcessingAI})
	n.Publish(Event{CallID: "c1", State: callstate.StateFailed})

	// Drain: one buffered event, then closed.
	mustReceive(t, h)
	if _, ok := <-h.Events(); ok {
		t.Fatalf("expected closed channel")
	}
}
