package push

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/duskline/relay/internal/model"
)

type fakeQueue struct {
	mu        sync.Mutex
	due       []model.PushJob
	completed []model.PushJob
	retried   []model.PushJob
}

func (f *fakeQueue) Lease(ctx context.Context) ([]model.PushJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	due := f.due
	f.due = nil
	return due, nil
}

func (f *fakeQueue) Complete(ctx context.Context, j model.PushJob) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, j)
}

func (f *fakeQueue) Retry(ctx context.Context, j model.PushJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j.Attempt++
	f.retried = append(f.retried, j)
	return nil
}

type fakeSender struct {
	result map[string]error
}

func (f *fakeSender) Send(ctx context.Context, userID, envelopeID string) error {
	return f.result[userID]
}

func TestWorkerCompletesSuccessfulSend(t *testing.T) {
	q := &fakeQueue{due: []model.PushJob{{ID: "j1", UserID: "alice", EnvelopeID: "e1"}}}
	sender := &fakeSender{result: map[string]error{}}
	w := NewWorker(q, sender, nil, nil)

	w.tick(context.Background())

	if len(q.completed) != 1 || q.completed[0].ID != "j1" {
		t.Fatalf("completed = %+v, want job j1 completed", q.completed)
	}
	if len(q.retried) != 0 {
		t.Fatalf("retried = %+v, want no retries on success", q.retried)
	}
}

func TestWorkerRetriesTransientFailure(t *testing.T) {
	q := &fakeQueue{due: []model.PushJob{{ID: "j1", UserID: "bob", EnvelopeID: "e1"}}}
	sender := &fakeSender{result: map[string]error{"bob": fmt.Errorf("provider unavailable")}}
	w := NewWorker(q, sender, nil, nil)

	w.tick(context.Background())

	if len(q.retried) != 1 {
		t.Fatalf("retried = %+v, want one retry scheduled", q.retried)
	}
	if len(q.completed) != 1 {
		t.Fatalf("completed = %+v, want the original lease entry removed", q.completed)
	}
}

func TestWorkerReportsInvalidTokenToJanitor(t *testing.T) {
	q := &fakeQueue{due: []model.PushJob{{ID: "j1", UserID: "carol", EnvelopeID: "e1"}}}
	sender := &fakeSender{result: map[string]error{"carol": ErrInvalidToken}}
	deleter := &fakeDeleter{}
	janitor := NewTokenJanitor(deleter, 10, nil)
	w := NewWorker(q, sender, janitor, nil)

	w.tick(context.Background())

	if len(q.retried) != 0 {
		t.Fatalf("retried = %+v, want no retry for an invalid token", q.retried)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go janitor.Run(ctx, time.Hour)
	time.Sleep(20 * time.Millisecond)
	cancel()
	time.Sleep(20 * time.Millisecond)

	deleter.mu.Lock()
	defer deleter.mu.Unlock()
	if len(deleter.deleted) != 1 || deleter.deleted[0] != "carol" {
		t.Fatalf("deleted = %+v, want [carol]", deleter.deleted)
	}
}

type fakeDeleter struct {
	mu      sync.Mutex
	deleted []string
}

func (f *fakeDeleter) DeleteTokensFor(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, userID)
	return nil
}

func TestTokenJanitorFlushesOnBatchSize(t *testing.T) {
	deleter := &fakeDeleter{}
	janitor := NewTokenJanitor(deleter, 2, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go janitor.Run(ctx, time.Hour)

	janitor.Report("a")
	janitor.Report("b")

	deadline := time.Now().Add(time.Second)
	for {
		deleter.mu.Lock()
		n := len(deleter.deleted)
		deleter.mu.Unlock()
		if n >= 2 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	deleter.mu.Lock()
	defer deleter.mu.Unlock()
	if len(deleter.deleted) != 2 {
		t.Fatalf("deleted = %+v, want 2 entries flushed at batch size", deleter.deleted)
	}
}
