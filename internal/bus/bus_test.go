package bus

import (
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/duskline/relay/internal/notify"
)

func TestDeliverRelaysWellFormedPayload(t *testing.T) {
	n := notify.New()
	sub := n.Subscribe("alice")
	defer sub.Unsubscribe()

	b := New(nil, n, nil)
	b.deliver("alice", `{"type":0,"user_id":"alice","envelope_id":"env-1"}`)

	select {
	case ev := <-sub.C():
		if ev.Type != notify.MessageReceived || ev.EnvelopeID != "env-1" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for relayed event")
	}
}

func TestDeliverIgnoresMalformedPayload(t *testing.T) {
	n := notify.New()
	sub := n.Subscribe("alice")
	defer sub.Unsubscribe()

	b := New(nil, n, nil)
	b.deliver("alice", `not-json`)

	select {
	case ev := <-sub.C():
		t.Fatalf("unexpected event delivered from malformed payload: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestChannelForNamespacesByPrefix(t *testing.T) {
	got := channelFor("user-123")
	want := ChannelPrefix + "user-123"
	if got != want {
		t.Fatalf("channelFor() = %q, want %q", got, want)
	}
}

func TestPublishBackoffHasBoundedElapsedTime(t *testing.T) {
	bo := publishBackoff()
	exp, ok := bo.(*backoff.ExponentialBackOff)
	if !ok || exp.MaxElapsedTime <= 0 {
		t.Fatalf("publishBackoff() = %#v, want an exponential backoff with a positive MaxElapsedTime", bo)
	}
	if bo.NextBackOff() <= 0 {
		t.Fatal("expected a positive initial backoff interval")
	}
}

func TestSubscribeBackoffNeverGivesUp(t *testing.T) {
	bo := subscribeBackoff()
	if bo.MaxElapsedTime != 0 {
		t.Fatalf("MaxElapsedTime = %v, want 0 (never stop reconnecting)", bo.MaxElapsedTime)
	}
}
