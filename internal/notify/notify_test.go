package notify

import (
	"testing"
	"time"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	n := New()
	sub := n.Subscribe("alice")
	defer sub.Unsubscribe()

	n.Publish(Event{Type: MessageReceived, UserID: "alice", EnvelopeID: "env-1"})

	select {
	case ev := <-sub.C():
		if ev.EnvelopeID != "env-1" {
			t.Fatalf("got envelope id %q, want env-1", ev.EnvelopeID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishIgnoresOtherUsers(t *testing.T) {
	n := New()
	sub := n.Subscribe("alice")
	defer sub.Unsubscribe()

	n.Publish(Event{Type: MessageReceived, UserID: "bob", EnvelopeID: "env-1"})

	select {
	case ev := <-sub.C():
		t.Fatalf("unexpected event delivered to alice: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishDropsOnFullQueueWithoutBlocking(t *testing.T) {
	n := New()
	sub := n.Subscribe("alice")
	defer sub.Unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < QueueSize+10; i++ {
			n.Publish(Event{Type: MessageReceived, UserID: "alice", EnvelopeID: "x"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked instead of dropping on a full subscriber queue")
	}

	if n.Dropped("alice") == 0 {
		t.Fatal("expected at least one drop to be counted")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	n := New()
	sub := n.Subscribe("alice")
	sub.Unsubscribe()

	_, ok := <-sub.C()
	if ok {
		t.Fatal("expected channel to be closed after Unsubscribe")
	}
	if n.SubscriberCount("alice") != 0 {
		t.Fatalf("SubscriberCount = %d, want 0 after unsubscribe", n.SubscriberCount("alice"))
	}
}

func TestPublishReturnsDeliveredCount(t *testing.T) {
	n := New()
	if got := n.Publish(Event{Type: MessageReceived, UserID: "alice", EnvelopeID: "env-1"}); got != 0 {
		t.Fatalf("Publish() with no subscriber = %d, want 0", got)
	}

	sub1 := n.Subscribe("alice")
	sub2 := n.Subscribe("alice")
	defer sub1.Unsubscribe()
	defer sub2.Unsubscribe()

	got := n.Publish(Event{Type: MessageReceived, UserID: "alice", EnvelopeID: "env-2"})
	if got != 2 {
		t.Fatalf("Publish() with two subscribers = %d, want 2", got)
	}
}

func TestMultipleSubscribersAllReceive(t *testing.T) {
	n := New()
	sub1 := n.Subscribe("alice")
	sub2 := n.Subscribe("alice")
	defer sub1.Unsubscribe()
	defer sub2.Unsubscribe()

	n.Publish(Event{Type: Disconnect, UserID: "alice", Reason: "takeover"})

	for _, sub := range []*Subscription{sub1, sub2} {
		select {
		case ev := <-sub.C():
			if ev.Type != Disconnect {
				t.Fatalf("got type %v, want Disconnect", ev.Type)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}
