// Package ackbatch implements the Ack Batcher: client acks are coalesced
// per recipient and flushed to the envelope store either once BatchSize
// accumulates or FlushInterval elapses, trading a small ack-latency delay
// for far fewer round trips to storage under bursty traffic.
package ackbatch

import (
	"context"
	"sync"
	"time"

	"github.com/duskline/relay/internal/telemetry"
)

// AckApplier applies a batch of envelope-id acks for a single recipient.
type AckApplier interface {
	AckMany(ctx context.Context, recipientID string, envelopeIDs []string) (int, error)
}

const (
	// DefaultBatchSize is the per-recipient ack count that triggers an
	// immediate flush without waiting for FlushInterval.
	DefaultBatchSize = 50
	// DefaultFlushInterval bounds the worst-case ack latency.
	DefaultFlushInterval = 250 * time.Millisecond
)

type request struct {
	recipientID string
	envelopeID  string
}

// Batcher coalesces Ack calls per recipient.
type Batcher struct {
	applier       AckApplier
	log           *telemetry.Logger
	batchSize     int
	flushInterval time.Duration

	mu      sync.Mutex
	pending map[string][]string

	reqCh chan request
	done  chan struct{}
}

// New constructs a Batcher. Call Run in a goroutine before calling Ack.
func New(applier AckApplier, batchSize int, flushInterval time.Duration, log *telemetry.Logger) *Batcher {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}
	if log == nil {
		log = telemetry.Nop
	}
	return &Batcher{
		applier:       applier,
		log:           log,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		pending:       make(map[string][]string),
		reqCh:         make(chan request, 1024),
		done:          make(chan struct{}),
	}
}

// Ack enqueues envelopeID for recipientID to be acked on the next flush.
// Safe to call concurrently; never blocks on storage.
func (b *Batcher) Ack(recipientID, envelopeID string) {
	select {
	case b.reqCh <- request{recipientID: recipientID, envelopeID: envelopeID}:
	case <-b.done:
	}
}

// Run processes enqueued acks until ctx is canceled, flushing any recipient
// whose pending count reaches batchSize immediately and sweeping every
// recipient with pending acks once per flushInterval.
func (b *Batcher) Run(ctx context.Context) {
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()
	defer close(b.done)

	for {
		select {
		case <-ctx.Done():
			b.flushAll(context.Background())
			return
		case req := <-b.reqCh:
			b.mu.Lock()
			b.pending[req.recipientID] = append(b.pending[req.recipientID], req.envelopeID)
			ready := len(b.pending[req.recipientID]) >= b.batchSize
			b.mu.Unlock()
			if ready {
				b.flushOne(ctx, req.recipientID)
			}
		case <-ticker.C:
			b.flushAll(ctx)
		}
	}
}

func (b *Batcher) flushOne(ctx context.Context, recipientID string) {
	b.mu.Lock()
	ids := b.pending[recipientID]
	delete(b.pending, recipientID)
	b.mu.Unlock()

	if len(ids) == 0 {
		return
	}
	if _, err := b.applier.AckMany(ctx, recipientID, ids); err != nil {
		b.log.Warn(ctx, "ack batch flush failed", map[string]any{"recipient_id": recipientID, "count": len(ids), "error": err.Error()})
	}
}

func (b *Batcher) flushAll(ctx context.Context) {
	b.mu.Lock()
	recipients := make([]string, 0, len(b.pending))
	for r := range b.pending {
		recipients = append(recipients, r)
	}
	b.mu.Unlock()

	for _, r := range recipients {
		b.flushOne(ctx, r)
	}
}
