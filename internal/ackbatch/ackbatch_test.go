package ackbatch

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeApplier struct {
	mu    sync.Mutex
	calls []call
}

type call struct {
	recipientID string
	ids         []string
}

func (f *fakeApplier) AckMany(ctx context.Context, recipientID string, envelopeIDs []string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]string(nil), envelopeIDs...)
	f.calls = append(f.calls, call{recipientID: recipientID, ids: cp})
	return len(envelopeIDs), nil
}

func (f *fakeApplier) snapshot() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func (f *fakeApplier) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += len(c.ids)
	}
	return n
}

func TestFlushesOnBatchSize(t *testing.T) {
	applier := &fakeApplier{}
	b := New(applier, 3, time.Hour, nil) // interval long enough that only size triggers

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	for i := 0; i < 3; i++ {
		b.Ack("alice", "env")
	}

	deadline := time.Now().Add(time.Second)
	for applier.total() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := applier.total(); got != 3 {
		t.Fatalf("total acked = %d, want 3", got)
	}
}

func TestFlushesOnInterval(t *testing.T) {
	applier := &fakeApplier{}
	b := New(applier, 1000, 20*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	b.Ack("alice", "env-1")

	deadline := time.Now().Add(time.Second)
	for applier.total() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := applier.total(); got != 1 {
		t.Fatalf("total acked = %d, want 1 after interval flush", got)
	}
}

func TestFlushesRemainderOnShutdown(t *testing.T) {
	applier := &fakeApplier{}
	b := New(applier, 1000, time.Hour, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go b.Run(ctx)

	b.Ack("alice", "env-1")
	b.Ack("bob", "env-2")
	time.Sleep(20 * time.Millisecond) // let the requests land in pending

	cancel()
	time.Sleep(50 * time.Millisecond)

	if got := applier.total(); got != 2 {
		t.Fatalf("total acked after shutdown = %d, want 2", got)
	}
}

func TestSeparatesRecipients(t *testing.T) {
	applier := &fakeApplier{}
	b := New(applier, 2, time.Hour, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	b.Ack("alice", "a1")
	b.Ack("bob", "b1")
	b.Ack("alice", "a2") // triggers alice's flush at batch size 2
	b.Ack("bob", "b2")   // triggers bob's flush at batch size 2

	deadline := time.Now().Add(time.Second)
	for applier.total() < 4 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	for _, c := range applier.snapshot() {
		if len(c.ids) != 2 {
			t.Fatalf("call for %s had %d ids, want 2 (recipients should not mix)", c.recipientID, len(c.ids))
		}
	}
}
