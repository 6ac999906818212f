package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/notifykit/pkg/dispatch"
	"github.com/dmitrymomot/notifykit/pkg/logger"
)

// Dispatcher is the engine surface the scheduler drives, implemented
// by dispatch.Engine.
type Dispatcher interface {
	ListDue(ctx context.Context, now time.Time) ([]dispatch.Notification, error)
	Dispatch(ctx context.Context, id uuid.UUID) (dispatch.Result, error)
}

// Scheduler polls for due scheduled notifications and dispatches them.
type Scheduler struct {
	dispatcher Dispatcher
	interval   time.Duration
	logger     *slog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval overrides the default 30 second poll interval.
func WithInterval(interval time.Duration) Option {
	return func(s *Scheduler) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a scheduler over the given dispatcher.
func New(dispatcher Dispatcher, opts ...Option) *Scheduler {
	s := &Scheduler{
		dispatcher: dispatcher,
		interval:   30 * time.Second,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs the polling loop until the context is canceled, ticking
// once immediately. It returns the context's error on shutdown.
func (s *Scheduler) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.LogAttrs(ctx, slog.LevelInfo, "scheduler started",
		slog.Duration("interval", s.interval),
	)

	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.LogAttrs(ctx, slog.LevelInfo, "scheduler shutting down")
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick dispatches every notification due at the current time. Errors
// are contained per notification: one failed dispatch never stops the
// rest of the batch, and the loop itself never returns an error.
func (s *Scheduler) Tick(ctx context.Context) {
	now := time.Now()

	due, err := s.dispatcher.ListDue(ctx, now)
	if err != nil {
		s.logger.LogAttrs(ctx, slog.LevelError, "failed to list due notifications",
			logger.Error(err),
		)
		return
	}
	if len(due) == 0 {
		return
	}

	s.logger.LogAttrs(ctx, slog.LevelInfo, "dispatching due notifications",
		slog.Int("count", len(due)),
	)

	for _, n := range due {
		if ctx.Err() != nil {
			return
		}
		res, err := s.dispatcher.Dispatch(ctx, n.ID)
		switch {
		case err != nil:
			s.logger.LogAttrs(ctx, slog.LevelError, "scheduled dispatch failed",
				logger.NotificationID(n.ID),
				logger.Error(err),
			)
		case res.Skipped:
			s.logger.LogAttrs(ctx, slog.LevelInfo, "scheduled dispatch skipped",
				logger.NotificationID(n.ID),
				slog.String("reason", res.SkipReason),
			)
		default:
			s.logger.LogAttrs(ctx, slog.LevelInfo, "scheduled notification dispatched",
				logger.NotificationID(n.ID),
				logger.Recipients(res.Recipients),
			)
		}
	}
}
