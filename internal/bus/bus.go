// Package bus implements the Cross-Node Bus: a Redis pub/sub fan-out that
// lets a MessageReceived notification raised on one gateway node reach a
// subscriber connected to a different node. Publish and Subscribe run
// independent reconnect loops, each with its own exponential backoff, since
// a broker outage should degrade the two directions independently rather
// than retry in lockstep.
package bus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/duskline/relay/internal/notify"
	"github.com/duskline/relay/internal/telemetry"
)

// ChannelPrefix namespaces the per-user Redis pub/sub channels.
const ChannelPrefix = "relay:user:"

func channelFor(userID string) string {
	return ChannelPrefix + userID
}

// wireEvent is the JSON payload published on the bus. Only the fields
// needed to reconstruct a notify.Event cross the wire; the relay never
// publishes ciphertext itself, only the fact that an envelope arrived.
type wireEvent struct {
	Type       int    `json:"type"`
	UserID     string `json:"user_id"`
	EnvelopeID string `json:"envelope_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Remaining  int    `json:"remaining,omitempty"`
}

// Bus fans local notify.Events out to other nodes over Redis and replays
// remote events into a local notify.Notifier.
type Bus struct {
	client *redis.Client
	local  *notify.Notifier
	log    *telemetry.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc // userID -> cancel for its subscribe loop
}

// New constructs a Bus backed by client, delivering remote events into local.
func New(client *redis.Client, local *notify.Notifier, log *telemetry.Logger) *Bus {
	if log == nil {
		log = telemetry.Nop
	}
	return &Bus{client: client, local: local, log: log, active: make(map[string]context.CancelFunc)}
}

// Publish fans ev out to every node subscribed to ev.UserID's channel. It
// runs the retry inline with its own backoff policy up to ctx's deadline;
// callers that cannot afford to block should run Publish in a goroutine.
func (b *Bus) Publish(ctx context.Context, ev notify.Event) error {
	payload, err := json.Marshal(wireEvent{
		Type:       int(ev.Type),
		UserID:     ev.UserID,
		EnvelopeID: ev.EnvelopeID,
		Reason:     ev.Reason,
		Remaining:  ev.Remaining,
	})
	if err != nil {
		return err
	}

	bo := publishBackoff()
	return backoff.Retry(func() error {
		return b.client.Publish(ctx, channelFor(ev.UserID), payload).Err()
	}, backoff.WithContext(bo, ctx))
}

// Watch starts relaying remote events for userID into local until ctx is
// canceled. Watch returns immediately without waiting for the subscription
// to be established; the relay loop (with its own independent reconnect
// backoff) runs in the background and stops when ctx is canceled or
// StopWatch is called.
func (b *Bus) Watch(ctx context.Context, userID string) {
	childCtx, cancel := context.WithCancel(ctx)

	b.mu.Lock()
	if prev, ok := b.active[userID]; ok {
		prev()
	}
	b.active[userID] = cancel
	b.mu.Unlock()

	go b.subscribeLoop(childCtx, userID)
}

// StopWatch stops relaying events for userID, e.g. when its local
// subscription is torn down.
func (b *Bus) StopWatch(userID string) {
	b.mu.Lock()
	if cancel, ok := b.active[userID]; ok {
		cancel()
		delete(b.active, userID)
	}
	b.mu.Unlock()
}

func (b *Bus) subscribeLoop(ctx context.Context, userID string) {
	bo := subscribeBackoff()
	for {
		if ctx.Err() != nil {
			return
		}
		if err := b.runSubscription(ctx, userID); err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := bo.NextBackOff()
			if wait == backoff.Stop {
				return
			}
			b.log.Warn(ctx, "bus subscription dropped, reconnecting", map[string]any{
				"user_id": userID,
				"error":   err.Error(),
				"wait_ms": wait.Milliseconds(),
			})
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			}
			continue
		}
		return
	}
}

// runSubscription blocks relaying messages until ctx is canceled or the
// message channel closes. It returns an error only when the initial
// subscription confirmation fails; the caller's backoff is never reset.
func (b *Bus) runSubscription(ctx context.Context, userID string) error {
	sub := b.client.Subscribe(ctx, channelFor(userID))
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.deliver(userID, msg.Payload)
		}
	}
}

func (b *Bus) deliver(userID, payload string) {
	var we wireEvent
	if err := json.Unmarshal([]byte(payload), &we); err != nil {
		b.log.Warn(context.Background(), "bus payload decode failed", map[string]any{"user_id": userID, "error": err.Error()})
		return
	}
	b.local.Publish(notify.Event{
		Type:       notify.EventType(we.Type),
		UserID:     we.UserID,
		EnvelopeID: we.EnvelopeID,
		Reason:     we.Reason,
		Remaining:  we.Remaining,
	})
}

func publishBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = 5 * time.Second
	return bo
}

func subscribeBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0 // never give up; the node should keep trying to reconnect
	return bo
}
