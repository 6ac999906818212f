package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRegistry fans events out over Redis pub/sub so that a dispatch
// running in one process reaches sessions connected to another. It
// keeps the in-memory registry's semantics: no backlog, non-blocking
// emit, events dropped when nobody listens.
type RedisRegistry struct {
	client     *redis.Client
	prefix     string
	bufferSize int
	logger     *slog.Logger

	mu     sync.Mutex
	locals map[*subscriber]struct{}
	closed bool
	wg     sync.WaitGroup
}

// RedisOption configures a RedisRegistry.
type RedisOption func(*RedisRegistry)

// WithRedisBufferSize sets the per-subscriber channel buffer.
func WithRedisBufferSize(n int) RedisOption {
	return func(r *RedisRegistry) {
		if n > 0 {
			r.bufferSize = n
		}
	}
}

// WithRedisLogger sets the logger for publish and decode diagnostics.
func WithRedisLogger(logger *slog.Logger) RedisOption {
	return func(r *RedisRegistry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithChannelPrefix overrides the pub/sub channel name prefix.
func WithChannelPrefix(prefix string) RedisOption {
	return func(r *RedisRegistry) {
		if prefix != "" {
			r.prefix = prefix
		}
	}
}

// NewRedisRegistry creates a registry backed by the given Redis client.
// The client's lifecycle is owned by the caller.
func NewRedisRegistry(client *redis.Client, opts ...RedisOption) *RedisRegistry {
	r := &RedisRegistry{
		client:     client,
		prefix:     "stream:recipient:",
		bufferSize: 16,
		logger:     slog.Default(),
		locals:     make(map[*subscriber]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RedisRegistry) key(recipientID string) string {
	return r.prefix + recipientID
}

// Emit publishes the event to the recipient's pub/sub channel.
// Publish failures are logged and swallowed: the stream is best-effort
// and must never fail the dispatch path.
func (r *RedisRegistry) Emit(ctx context.Context, recipientID string, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		r.logger.LogAttrs(ctx, slog.LevelWarn, "stream event not serializable",
			slog.String("recipient_id", recipientID),
			slog.Any("error", err),
		)
		return
	}

	if err := r.client.Publish(ctx, r.key(recipientID), payload).Err(); err != nil {
		r.logger.LogAttrs(ctx, slog.LevelWarn, "stream publish failed",
			slog.String("recipient_id", recipientID),
			slog.Any("error", err),
		)
	}
}

// Subscribe opens a pub/sub subscription for the recipient and bridges
// it into a Subscriber. The subscription closes when ctx is cancelled.
func (r *RedisRegistry) Subscribe(ctx context.Context, recipientID string) Subscriber {
	sub := newSubscriber(r.bufferSize)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = sub.Close()
		return sub
	}
	r.locals[sub] = struct{}{}
	r.mu.Unlock()

	ps := r.client.Subscribe(ctx, r.key(recipientID))

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			_ = ps.Close()
			r.mu.Lock()
			delete(r.locals, sub)
			r.mu.Unlock()
			_ = sub.Close()
		}()

		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					r.logger.LogAttrs(ctx, slog.LevelWarn, "stream event not decodable",
						slog.String("recipient_id", recipientID),
						slog.Any("error", err),
					)
					continue
				}
				// Same drop policy as the in-memory registry.
				sub.send(ev)
			}
		}
	}()

	return sub
}

// KeepAlive pings locally connected subscribers at the given interval.
// Pings are a connection-liveness signal, so they go directly to this
// process's sessions instead of a round trip through Redis.
func (r *RedisRegistry) KeepAlive(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ev := Ping()
			r.mu.Lock()
			for sub := range r.locals {
				sub.send(ev)
			}
			r.mu.Unlock()
		}
	}
}

// Close closes all local subscribers. It does not close the Redis
// client, which the caller owns.
func (r *RedisRegistry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	for sub := range r.locals {
		_ = sub.Close()
	}
	clear(r.locals)
	r.mu.Unlock()

	return nil
}
