// Command relayd is the delivery-plane daemon: it serves the websocket
// Session Gateway, the out-of-core HTTP surface, and the background
// workers (retention sweep, push fallback, ack batching) from one process.
// Wiring style (env-var config helpers, signal.NotifyContext shutdown,
// minimal health endpoint) is grounded on the teacher's crypto-stream
// service entrypoint.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/duskline/relay/cmd/relayd/httpstub"
	"github.com/duskline/relay/internal/ackbatch"
	"github.com/duskline/relay/internal/auth"
	"github.com/duskline/relay/internal/bus"
	"github.com/duskline/relay/internal/config"
	"github.com/duskline/relay/internal/envelope"
	"github.com/duskline/relay/internal/gateway"
	"github.com/duskline/relay/internal/keys"
	"github.com/duskline/relay/internal/notify"
	"github.com/duskline/relay/internal/push"
	"github.com/duskline/relay/internal/relaydb"
	"github.com/duskline/relay/internal/retention"
	"github.com/duskline/relay/internal/takeover"
	"github.com/duskline/relay/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "relayd:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(config.Options{
		BaseFile: getenv("RELAY_CONFIG_FILE", "config/base.yaml"),
		Env:      os.Getenv("RELAY_ENV"),
	})
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := telemetry.New(os.Stdout, telemetry.Options{
		Service: "relayd",
		Level:   telemetry.Level(cfg.String("log.level", "info")),
	})

	db, err := sql.Open("postgres", cfg.String("database.dsn", os.Getenv("RELAY_DATABASE_DSN")))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Int("database.max_open_conns", 20))
	db.SetMaxIdleConns(cfg.Int("database.max_idle_conns", 10))

	redisClient := redis.NewClient(&redis.Options{
		Addr: cfg.String("redis.addr", "127.0.0.1:6379"),
	})
	defer redisClient.Close()

	accounts := relaydb.New(db)
	notifier := notify.New()
	keyDir := keys.New(db, keys.WithLowPreKeyAlerts(notifier, cfg.Int("keys.low_prekey_threshold", keys.DefaultLowPreKeyThreshold)))
	envStore := envelope.New(db, envelope.Options{
		MaxInbox:   cfg.Int("envelope.max_inbox", 1000),
		DefaultTTL: time.Duration(cfg.Int("envelope.default_ttl_hours", 336)) * time.Hour,
	})

	for _, ensurer := range []func(context.Context) error{
		accounts.EnsureSchema,
		accounts.EnsureTokenSchema,
		keyDir.EnsureSchema,
		envStore.EnsureSchema,
	} {
		if err := ensurer(ctx); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}

	crossNode := bus.New(redisClient, notifier, log)

	verifier := auth.NewHS256Verifier([]byte(mustSecret(cfg)), cfg.String("auth.issuer", "relay"))

	batcher := ackbatch.New(envStore, cfg.Int("ackbatch.batch_size", ackbatch.DefaultBatchSize),
		time.Duration(cfg.Int("ackbatch.flush_interval_ms", int(ackbatch.DefaultFlushInterval/time.Millisecond)))*time.Millisecond, log)
	go batcher.Run(ctx)

	pushQueue := push.New(redisClient,
		time.Duration(cfg.Int("push.grace_period_seconds", int(push.DefaultGracePeriod/time.Second)))*time.Second, log)
	janitor := push.NewTokenJanitor(accounts, 50, log)
	go janitor.Run(ctx, 10*time.Second)
	pushWorker := push.NewWorker(pushQueue, noopSender{}, janitor, log)
	go pushWorker.Run(ctx, 2*time.Second)

	gw := gateway.New(envStore, keyDir, notifier, crossNode, verifier, batcher, pushQueue, handleResolver{accounts}, log)
	takeoverCoord := takeover.New(keyDir, envStore, notifier, log)

	retentionWorker := retention.New(envStore, time.Duration(cfg.Int("retention.interval_seconds", int(retention.DefaultInterval/time.Second)))*time.Second, log)
	go retentionWorker.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gw.ServeHTTP)
	mux.HandleFunc("/health", serveHealth)
	mux.Handle("/", httpstub.NewRouter(accounts, keyDir, takeoverCoord, verifier, log))

	srv := &http.Server{
		Addr:    cfg.String("http.addr", ":8080"),
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info(ctx, "relayd listening", map[string]any{"addr": srv.Addr})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func serveHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func mustSecret(cfg *config.Document) string {
	if s := cfg.String("auth.hmac_secret", os.Getenv("RELAY_AUTH_SECRET")); s != "" {
		return s
	}
	return "dev-only-insecure-secret"
}

type handleResolver struct {
	accounts *relaydb.Store
}

func (h handleResolver) ResolveHandle(ctx context.Context, handle string) (string, error) {
	u, err := h.accounts.ResolveHandle(ctx, handle)
	if err != nil {
		return "", err
	}
	return u.ID, nil
}

// noopSender is the default push.Sender until a real provider (APNs/FCM) is
// wired; it always reports failure so jobs retry with backoff rather than
// being silently dropped as delivered.
type noopSender struct{}

func (noopSender) Send(ctx context.Context, userID, envelopeID string) error {
	return fmt.Errorf("push: no provider configured")
}
