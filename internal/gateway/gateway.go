// Package gateway implements the Session Gateway: the gorilla/websocket
// server that terminates client connections, gates connect on key presence,
// streams queued envelopes, applies acks, and relays MessageReceived
// notifications from internal/notify and internal/bus into the live
// connection. Framing uses internal/wire; the server loop and graceful
// shutdown style mirror the teacher's client-side dial/reconnect loop,
// mirrored to the server side.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/duskline/relay/internal/ackbatch"
	"github.com/duskline/relay/internal/auth"
	"github.com/duskline/relay/internal/bus"
	"github.com/duskline/relay/internal/envelope"
	"github.com/duskline/relay/internal/keys"
	"github.com/duskline/relay/internal/notify"
	"github.com/duskline/relay/internal/relayerr"
	"github.com/duskline/relay/internal/telemetry"
	"github.com/duskline/relay/internal/wire"
)

const (
	// WriteWait bounds how long a single websocket write may take.
	WriteWait = 10 * time.Second
	// PongWait is how long the server waits for a pong before considering
	// the connection dead.
	PongWait = 60 * time.Second
	// PingPeriod must be less than PongWait; the server sends a ping this
	// often to keep NATs/load-balancers from reaping idle connections.
	PingPeriod = (PongWait * 9) / 10
	// SendQueueSize bounds the per-connection outbound buffer. Once full,
	// further frames are dropped and counted while the connection stays open
	// -- the same drop-and-count backpressure policy as internal/notify.
	SendQueueSize = 64
	// FetchBatchSize is how many queued envelopes are streamed at connect time.
	FetchBatchSize = 100
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Pusher schedules a push-notification fallback job for userID about
// envelopeID. Satisfied by *internal/push.Queue; a nil Server.Push simply
// skips the fallback (used by tests that don't exercise it).
type Pusher interface {
	Enqueue(ctx context.Context, userID, envelopeID string) error
}

// Server is the Session Gateway.
type Server struct {
	Envelopes *envelope.Store
	Keys      *keys.Directory
	Notifier  *notify.Notifier
	Bus       *bus.Bus
	Verifier  auth.TokenVerifier
	Acks      *ackbatch.Batcher
	Push      Pusher
	Log       *telemetry.Logger

	mu       sync.Mutex
	dropped  int64
	resolver UserResolver
}

// UserResolver maps a recipient handle to an internal user id on the submit
// path.
type UserResolver interface {
	ResolveHandle(ctx context.Context, handle string) (string, error)
}

// New constructs a Server. resolver may be nil, in which case a submit's
// recipient handle is used as the recipient id unchanged. acks and pusher
// may be nil in tests that don't exercise batched acks or push fallback.
func New(envStore *envelope.Store, keyDir *keys.Directory, notifier *notify.Notifier, b *bus.Bus, verifier auth.TokenVerifier, acks *ackbatch.Batcher, pusher Pusher, resolver UserResolver, log *telemetry.Logger) *Server {
	if log == nil {
		log = telemetry.Nop
	}
	return &Server{Envelopes: envStore, Keys: keyDir, Notifier: notifier, Bus: b, Verifier: verifier, Acks: acks, Push: pusher, resolver: resolver, Log: log}
}

// ServeHTTP upgrades the request to a websocket and drives the connection's
// lifecycle: authenticate, gate on key presence, stream backlog, then loop
// reading client frames and relaying notifier/bus events until the
// connection closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	token := r.URL.Query().Get("token")
	if token == "" {
		relayerr.WriteHTTP(w, relayerr.New(relayerr.CodeUnauthorized, "missing bearer token"))
		return
	}
	claims, err := s.Verifier.Verify(ctx, token)
	if err != nil {
		relayerr.WriteHTTP(w, err)
		return
	}

	// Key-before-connect gate: a user with no identity key on file cannot
	// open a session, since no peer could ever establish one with them.
	hasKey, err := s.Keys.HasIdentityKey(ctx, claims.UserID)
	if err != nil {
		relayerr.WriteHTTP(w, err)
		return
	}
	if !hasKey {
		relayerr.WriteHTTP(w, relayerr.New(relayerr.CodeBundleIncomplete, "register an identity key before connecting"))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Log.Warn(ctx, "websocket upgrade failed", map[string]any{"error": err.Error()})
		return
	}

	c := &connection{
		server: s,
		userID: claims.UserID,
		conn:   conn,
		send:   make(chan []byte, SendQueueSize),
	}
	c.run(ctx)
}

// connection holds the per-connection state for the lifetime of one
// websocket session.
type connection struct {
	server *Server
	userID string
	conn   *websocket.Conn
	send   chan []byte

	sub *notify.Subscription
}

func (c *connection) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	defer c.conn.Close()

	c.sub = c.server.Notifier.Subscribe(c.userID)
	defer c.sub.Unsubscribe()

	if c.server.Bus != nil {
		c.server.Bus.Watch(ctx, c.userID)
		defer c.server.Bus.StopWatch(c.userID)
	}

	c.conn.SetReadDeadline(time.Now().Add(PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(PongWait))
		return nil
	})

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); c.writePump(ctx) }()
	go func() { defer wg.Done(); c.eventPump(ctx) }()
	go func() { defer wg.Done(); c.readPump(ctx, cancel) }()

	c.flushBacklog(ctx)

	wg.Wait()
}

// flushBacklog streams any envelopes already queued for the user at
// connect time, before the event-driven delivery path takes over.
func (c *connection) flushBacklog(ctx context.Context) {
	envs, err := c.server.Envelopes.FetchBatch(ctx, c.userID, FetchBatchSize)
	if err != nil {
		c.server.Log.Warn(ctx, "backlog fetch failed", map[string]any{"user_id": c.userID, "error": err.Error()})
		return
	}
	for _, env := range envs {
		c.deliverEnvelope(env.ID, env.SenderID, env.Ciphertext)
	}
}

func (c *connection) deliverEnvelope(envelopeID, senderID string, ciphertext []byte) {
	frame, err := wire.Encode(wire.FrameDeliver, wire.DeliverPayload{
		EnvelopeID: envelopeID,
		SenderID:   senderID,
		Ciphertext: ciphertext,
	})
	if err != nil {
		return
	}
	c.enqueue(frame)
}

// enqueue writes to the connection's send buffer, dropping and counting on
// backpressure rather than blocking the caller (which may be the event pump
// or another connection's read pump via the notifier).
func (c *connection) enqueue(frame []byte) {
	select {
	case c.send <- frame:
	default:
		c.server.mu.Lock()
		c.server.dropped++
		c.server.mu.Unlock()
	}
}

// writePump drains the send channel to the socket and drives the heartbeat
// ping on PingPeriod.
func (c *connection) writePump(ctx context.Context) {
	ticker := time.NewTicker(PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-c.send:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(WriteWait))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// eventPump relays notify.Events (raised locally or replayed from the bus)
// into outbound frames for the life of the connection.
func (c *connection) eventPump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.sub.C():
			if !ok {
				return
			}
			switch ev.Type {
			case notify.MessageReceived:
				c.deliverOne(ctx, ev.EnvelopeID)
			case notify.Disconnect:
				c.conn.Close()
				return
			case notify.LowPreKeys:
				frame, err := wire.Encode(wire.FrameLowKeys, wire.LowKeysPayload{Remaining: ev.Remaining})
				if err == nil {
					c.enqueue(frame)
				}
			}
		}
	}
}

func (c *connection) deliverOne(ctx context.Context, envelopeID string) {
	envs, err := c.server.Envelopes.FetchBatch(ctx, c.userID, FetchBatchSize)
	if err != nil {
		return
	}
	for _, env := range envs {
		if env.ID == envelopeID {
			c.deliverEnvelope(env.ID, env.SenderID, env.Ciphertext)
			return
		}
	}
}

// readPump reads client frames until the connection closes, handling each
// synchronously since per-connection ordering of submit/ack/put-keys
// matters to the client.
func (c *connection) readPump(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.handleFrame(ctx, data)
	}
}

func (c *connection) handleFrame(ctx context.Context, data []byte) {
	f, err := wire.Decode(data)
	if err != nil {
		c.sendError(relayerr.New(relayerr.CodeValidationFailed, "malformed frame"))
		return
	}

	switch f.Type {
	case wire.FrameSubmit:
		c.handleSubmit(ctx, f.Body)
	case wire.FrameAck:
		c.handleAck(ctx, f.Body)
	case wire.FramePutKeys:
		c.handlePutKeys(ctx, f.Body)
	case wire.FrameHeartbeat:
		pong, err := wire.Encode(wire.FramePong, struct{}{})
		if err == nil {
			c.enqueue(pong)
		}
	default:
		c.sendError(relayerr.New(relayerr.CodeValidationFailed, "unknown frame type"))
	}
}

func (c *connection) handleSubmit(ctx context.Context, body []byte) {
	var payload wire.SubmitPayload
	if err := unmarshalBody(body, &payload); err != nil {
		c.sendError(err)
		return
	}

	recipientID := payload.RecipientHandle
	if c.server.resolver != nil {
		resolved, err := c.server.resolver.ResolveHandle(ctx, payload.RecipientHandle)
		if err != nil {
			c.sendError(err)
			return
		}
		recipientID = resolved
	}

	result, err := c.server.Envelopes.Insert(ctx, recipientID, c.userID, payload.SubmissionID, payload.Ciphertext, 0)
	if err != nil {
		c.sendError(err)
		return
	}
	if result.Duplicate {
		return
	}

	ev := notify.Event{Type: notify.MessageReceived, UserID: recipientID, EnvelopeID: result.Envelope.ID}
	delivered := c.server.Notifier.Publish(ev)
	if c.server.Bus != nil {
		go func() {
			publishCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = c.server.Bus.Publish(publishCtx, ev)
		}()
	}
	// No live local subscriber accepted the event; the bus fan-out above is
	// best-effort and does not report delivered_count, so a zero local count
	// is what decides a push fallback job is warranted.
	if delivered == 0 && c.server.Push != nil {
		if err := c.server.Push.Enqueue(ctx, recipientID, result.Envelope.ID); err != nil {
			c.server.Log.Warn(ctx, "push fallback enqueue failed", map[string]any{"recipient_id": recipientID, "envelope_id": result.Envelope.ID, "error": err.Error()})
		}
	}
}

func (c *connection) handleAck(ctx context.Context, body []byte) {
	var payload wire.AckPayload
	if err := unmarshalBody(body, &payload); err != nil {
		c.sendError(err)
		return
	}
	if c.server.Acks != nil {
		for _, id := range payload.EnvelopeIDs {
			c.server.Acks.Ack(c.userID, id)
		}
	}
	// Count reflects ids accepted for batched deletion, not rows actually
	// removed yet -- the batcher applies them asynchronously.
	frame, err := wire.Encode(wire.FrameAcked, wire.AckedPayload{Count: len(payload.EnvelopeIDs)})
	if err == nil {
		c.enqueue(frame)
	}
}

func (c *connection) handlePutKeys(ctx context.Context, body []byte) {
	var payload wire.PutKeysPayload
	if err := unmarshalBody(body, &payload); err != nil {
		c.sendError(err)
		return
	}

	spk, otps := keysFromPutPayload(c.userID, payload)
	if err := c.server.Keys.PutSignedPreKey(ctx, spk); err != nil {
		c.sendError(err)
		return
	}
	if len(otps) > 0 {
		if err := c.server.Keys.PutOneTimePreKeys(ctx, otps); err != nil {
			c.sendError(err)
			return
		}
	}
}

func (c *connection) sendError(err error) {
	env, _ := relayerr.NewEnvelope(err)
	frame, encErr := wire.Encode(wire.FrameError, wire.ErrorPayload{Code: string(env.Error.Code), Message: env.Error.Message})
	if encErr == nil {
		c.enqueue(frame)
	}
}

func unmarshalBody(body []byte, out any) error {
	if err := json.Unmarshal(body, out); err != nil {
		return relayerr.Wrap(relayerr.CodeValidationFailed, "malformed payload", err)
	}
	return nil
}
