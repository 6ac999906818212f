package stream

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Subscriber receives events for one recipient. Implementations are
// safe for concurrent use. Close is idempotent.
type Subscriber interface {
	// Receive returns the channel events arrive on. The channel is
	// closed when the subscriber is closed.
	Receive() <-chan Event

	// Close detaches the subscriber and closes its receive channel.
	Close() error
}

type subscriber struct {
	ch     chan Event
	closed bool
	mu     sync.RWMutex
}

func newSubscriber(bufferSize int) *subscriber {
	return &subscriber{ch: make(chan Event, bufferSize)}
}

func (s *subscriber) Receive() <-chan Event { return s.ch }

func (s *subscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		close(s.ch)
		s.closed = true
	}
	return nil
}

// send delivers non-blocking; a full buffer means the event is dropped
// for this subscriber rather than stalling the emitter.
func (s *subscriber) send(ev Event) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false
	}

	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

// channel is the per-recipient broadcast group.
type channel struct {
	subs map[*subscriber]struct{}
	mu   sync.RWMutex
}

func (c *channel) broadcast(ev Event) (delivered int) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for sub := range c.subs {
		if sub.send(ev) {
			delivered++
		}
	}
	return delivered
}

func (c *channel) add(sub *subscriber) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[sub] = struct{}{}
}

func (c *channel) remove(sub *subscriber) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, sub)
	_ = sub.Close()
}

func (c *channel) active() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs) > 0
}

// Registry is an in-memory per-recipient event hub. The zero value is
// not usable; construct with NewRegistry. Channels are created lazily
// and kept for the registry's lifetime, which is acceptable for a
// bounded recipient population.
type Registry struct {
	channels   map[string]*channel
	bufferSize int
	closed     bool
	done       chan struct{}
	logger     *slog.Logger
	mu         sync.RWMutex
	cleanupWg  sync.WaitGroup
}

// Option configures a Registry.
type Option func(*Registry)

// WithBufferSize sets the per-subscriber channel buffer. A minimum of
// 1 is enforced so sends stay non-blocking.
func WithBufferSize(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.bufferSize = n
		}
	}
}

// WithLogger sets the logger used for drop diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRegistry creates an in-memory registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		channels:   make(map[string]*channel),
		bufferSize: 16,
		done:       make(chan struct{}),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe attaches a live session to the recipient's channel,
// creating the channel if this is the recipient's first subscription.
// The subscription is cleaned up when ctx is cancelled. Subscribing on
// a closed registry returns an already-closed subscriber.
func (r *Registry) Subscribe(ctx context.Context, recipientID string) Subscriber {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		sub := newSubscriber(r.bufferSize)
		_ = sub.Close()
		return sub
	}
	ch := r.channel(recipientID)
	r.mu.Unlock()

	sub := newSubscriber(r.bufferSize)
	ch.add(sub)

	if ctx.Done() != nil {
		r.cleanupWg.Add(1)
		go func() {
			defer r.cleanupWg.Done()
			select {
			case <-ctx.Done():
				ch.remove(sub)
			case <-r.done:
				// Close already detached every subscriber.
			}
		}()
	}

	return sub
}

// Emit pushes an event to every live session for the recipient. It
// never blocks and never reports failure to the caller: absent or slow
// subscribers simply miss the event.
func (r *Registry) Emit(ctx context.Context, recipientID string, ev Event) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	ch := r.channel(recipientID)
	r.mu.Unlock()

	delivered := ch.broadcast(ev)
	if delivered == 0 {
		r.logger.LogAttrs(ctx, slog.LevelDebug, "stream event dropped, no live session",
			slog.String("recipient_id", recipientID),
			slog.String("event_type", string(ev.Type)),
		)
	}
}

// KeepAlive emits ping events to every recipient with at least one
// live subscriber, at the given interval, until ctx is cancelled.
func (r *Registry) KeepAlive(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.pingAll()
		}
	}
}

func (r *Registry) pingAll() {
	r.mu.RLock()
	channels := make([]*channel, 0, len(r.channels))
	for _, ch := range r.channels {
		if ch.active() {
			channels = append(channels, ch)
		}
	}
	r.mu.RUnlock()

	ev := Ping()
	for _, ch := range channels {
		ch.broadcast(ev)
	}
}

// Close shuts down the registry and closes every subscriber. It is
// safe to call multiple times.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.done)

	for _, ch := range r.channels {
		ch.mu.Lock()
		for sub := range ch.subs {
			_ = sub.Close()
		}
		clear(ch.subs)
		ch.mu.Unlock()
	}
	clear(r.channels)
	r.mu.Unlock()

	r.cleanupWg.Wait()
	return nil
}

// channel returns the recipient's broadcast group, creating it lazily.
// Caller must hold r.mu.
func (r *Registry) channel(recipientID string) *channel {
	ch, ok := r.channels[recipientID]
	if !ok {
		ch = &channel{subs: make(map[*subscriber]struct{})}
		r.channels[recipientID] = ch
	}
	return ch
}
