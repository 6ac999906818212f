package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/notifykit/pkg/audience"
	"github.com/dmitrymomot/notifykit/pkg/logger"
	"github.com/dmitrymomot/notifykit/pkg/provider"
	"github.com/dmitrymomot/notifykit/pkg/stream"
)

// Sender is the push provider surface the engine depends on,
// implemented by provider.Client.
type Sender interface {
	Name() string
	Status() provider.Status
	SendChain(ctx context.Context, targets []provider.Target, msg provider.Message) (provider.Result, error)
}

// Emitter pushes best-effort realtime events to live sessions,
// implemented by stream.Registry and stream.RedisRegistry.
type Emitter interface {
	Emit(ctx context.Context, recipientID string, ev stream.Event)
}

// Result is the outcome of a create or dispatch call.
type Result struct {
	Notification Notification
	Skipped      bool
	SkipReason   string
	Recipients   int
	Attempt      int
	Mode         provider.Mode
}

// CreateInput describes a new notification.
type CreateInput struct {
	Title      string
	Body       string
	SendAt     *time.Time
	AudienceID *uuid.UUID
}

// UpdateInput carries pre-dispatch edits. Nil fields are left untouched.
type UpdateInput struct {
	Title      *string
	Body       *string
	SendAt     *time.Time
	AudienceID *uuid.UUID
}

// Engine runs the dispatch state machine. Construct with NewEngine;
// the zero value is not usable.
type Engine struct {
	storage    Storage
	recipients RecipientSource
	sender     Sender
	audiences  AudienceSource
	emitter    Emitter
	logger     *slog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithAudienceSource wires audience rule resolution. Without it every
// notification targets the default reachable-recipients audience.
func WithAudienceSource(src AudienceSource) EngineOption {
	return func(e *Engine) { e.audiences = src }
}

// WithEmitter wires the realtime fan-out registry.
func WithEmitter(emitter Emitter) EngineOption {
	return func(e *Engine) { e.emitter = emitter }
}

// WithEngineLogger sets the logger.
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEngine creates a dispatch engine over the given collaborators.
func NewEngine(storage Storage, recipients RecipientSource, sender Sender, opts ...EngineOption) *Engine {
	e := &Engine{
		storage:    storage,
		recipients: recipients,
		sender:     sender,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Create stores a new notification. A future SendAt stores it as
// scheduled for the scheduler to pick up; otherwise it is stored
// pending and dispatched synchronously within this call.
func (e *Engine) Create(ctx context.Context, input CreateInput) (Result, error) {
	now := time.Now()

	n := Notification{
		ID:        uuid.New(),
		Title:     strings.TrimSpace(input.Title),
		Body:      input.Body,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if n.Title == "" {
		return Result{}, fmt.Errorf("%w: title is required", ErrDispatchFailed)
	}

	if input.SendAt != nil && input.SendAt.After(now) {
		n.SendAt = input.SendAt
		n.Status = StatusScheduled
	} else {
		sendAt := now
		if input.SendAt != nil {
			sendAt = *input.SendAt
		}
		n.SendAt = &sendAt
		n.Status = StatusPending
	}

	if err := e.storage.CreateNotification(ctx, n); err != nil {
		return Result{}, err
	}
	if input.AudienceID != nil {
		if err := e.storage.SetAudience(ctx, n.ID, *input.AudienceID); err != nil {
			return Result{}, err
		}
	}

	if n.Status == StatusScheduled {
		e.logger.LogAttrs(ctx, slog.LevelInfo, "notification scheduled",
			logger.NotificationID(n.ID),
			slog.Time("send_at", *n.SendAt),
		)
		return Result{Notification: n}, nil
	}

	return e.Dispatch(ctx, n.ID)
}

// Dispatch runs one full send attempt for the notification. An already
// sent notification is an idempotent no-op: the result reports skipped
// and nothing is written. Any failure inside the attempt is contained:
// the notification is marked failed with the captured message, a
// failed log row is appended, and the error is returned wrapped in
// ErrDispatchFailed.
func (e *Engine) Dispatch(ctx context.Context, id uuid.UUID) (Result, error) {
	n, err := e.storage.GetNotification(ctx, id)
	if err != nil {
		return Result{}, err
	}

	if n.Status == StatusSent {
		return Result{Notification: n, Skipped: true, SkipReason: "already sent"}, nil
	}

	// Provider guard states are known without a network call, so a
	// disabled or dry-run provider is reported before the claim: the
	// notification's status and retry counter stay untouched and the
	// scheduler will see it again once the provider is live. The
	// resolved audience size is still reported for dry-run visibility.
	if st := e.sender.Status(); st.State != provider.StateOK {
		resolved, _, rerr := e.resolve(ctx, id)
		if rerr != nil {
			resolved = nil
		}
		e.logger.LogAttrs(ctx, slog.LevelInfo, "dispatch skipped by provider guard",
			logger.NotificationID(id),
			slog.String("reason", string(st.State)),
			slog.Int("resolved", len(resolved)),
		)
		return Result{Notification: n, Skipped: true, SkipReason: string(st.State), Recipients: len(resolved)}, nil
	}

	// The claim is the soft lock: retryCount++ and status=pending in
	// one conditional write, completed before any other I/O so the
	// scheduler cannot re-select this notification mid-flight.
	claimed, err := e.storage.ClaimForDispatch(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAlreadySent) {
			return Result{Notification: n, Skipped: true, SkipReason: "already sent"}, nil
		}
		return Result{}, err
	}

	res, err := e.deliver(ctx, claimed)
	if err != nil {
		return e.fail(ctx, claimed, err)
	}
	return res, nil
}

// deliver performs the post-claim pipeline. Panics in collaborators
// are converted to errors so one notification cannot take down the
// scheduler loop.
func (e *Engine) deliver(ctx context.Context, n Notification) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during dispatch: %v", r)
		}
	}()

	matched, _, err := e.resolve(ctx, n.ID)
	if err != nil {
		return Result{}, err
	}
	if len(matched) == 0 {
		return Result{}, ErrNoRecipients
	}

	// Realtime fan-out is best effort and independent of provider
	// outcome; it can neither block nor fail the dispatch.
	if e.emitter != nil {
		data := map[string]any{"notification_id": n.ID.String()}
		for _, r := range matched {
			e.emitter.Emit(ctx, r.ID, stream.NotificationEvent(n.ID.String(), n.Title, n.Body, data))
		}
	}

	sendRes, err := e.sender.SendChain(ctx, chainTargets(matched), provider.Message{Title: n.Title, Body: n.Body})
	if err != nil {
		return Result{}, err
	}
	if !sendRes.Delivered() {
		if sendRes.Skipped {
			return Result{}, fmt.Errorf("provider skipped send: %s", sendRes.SkipReason)
		}
		return Result{}, fmt.Errorf("provider confirmed zero recipients (targeted %d)", len(matched))
	}

	now := time.Now()

	// Delivery records cover exactly the recipients addressable in the
	// authoritative targeting mode. Existing rows are skipped, so a
	// retry after a partial failure stays idempotent.
	delivered := recipientIDsForMode(matched, sendRes.Mode)
	if _, err := e.storage.CreateDeliveryRecords(ctx, n.ID, delivered, now); err != nil {
		return Result{}, fmt.Errorf("record deliveries: %w", err)
	}

	updated, err := e.storage.MarkSent(ctx, n.ID, now)
	if err != nil {
		return Result{}, fmt.Errorf("mark sent: %w", err)
	}

	if err := e.storage.AppendLog(ctx, LogEntry{
		NotificationID:    n.ID,
		Attempt:           n.RetryCount,
		StatusBefore:      StatusPending,
		StatusAfter:       StatusSent,
		Success:           true,
		Provider:          e.sender.Name(),
		ProviderMessageID: sendRes.MessageID,
		CreatedAt:         now,
	}); err != nil {
		e.logger.LogAttrs(ctx, slog.LevelError, "failed to append attempt log",
			logger.NotificationID(n.ID),
			logger.Error(err),
		)
	}

	e.logger.LogAttrs(ctx, slog.LevelInfo, "notification sent",
		logger.NotificationID(n.ID),
		logger.Attempt(n.RetryCount),
		logger.Recipients(sendRes.Recipients),
		slog.String("mode", string(sendRes.Mode)),
	)

	return Result{
		Notification: updated,
		Recipients:   sendRes.Recipients,
		Attempt:      n.RetryCount,
		Mode:         sendRes.Mode,
	}, nil
}

// fail converts a contained dispatch error into the failed state plus
// a failed log row.
func (e *Engine) fail(ctx context.Context, n Notification, cause error) (Result, error) {
	msg := cause.Error()

	updated, err := e.storage.MarkFailed(ctx, n.ID, msg)
	if err != nil {
		e.logger.LogAttrs(ctx, slog.LevelError, "failed to mark notification failed",
			logger.NotificationID(n.ID),
			logger.Error(err),
		)
		updated = n
	}

	if err := e.storage.AppendLog(ctx, LogEntry{
		NotificationID: n.ID,
		Attempt:        n.RetryCount,
		StatusBefore:   StatusPending,
		StatusAfter:    StatusFailed,
		Success:        false,
		Error:          msg,
		Provider:       e.sender.Name(),
		CreatedAt:      time.Now(),
	}); err != nil {
		e.logger.LogAttrs(ctx, slog.LevelError, "failed to append attempt log",
			logger.NotificationID(n.ID),
			logger.Error(err),
		)
	}

	e.logger.LogAttrs(ctx, slog.LevelWarn, "notification dispatch failed",
		logger.NotificationID(n.ID),
		logger.Attempt(n.RetryCount),
		slog.String("error", msg),
	)

	return Result{Notification: updated, Attempt: n.RetryCount}, fmt.Errorf("%w: %s", ErrDispatchFailed, msg)
}

// resolve loads the current recipient pool and filters it through the
// linked audience's rules. A missing link or an unresolvable audience
// degrades to the default reachable-recipients predicate; rule-level
// failures are already contained by the evaluator.
func (e *Engine) resolve(ctx context.Context, id uuid.UUID) ([]audience.Recipient, []audience.Rule, error) {
	var rules []audience.Rule

	audienceID, linked, err := e.storage.AudienceID(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve audience link: %w", err)
	}
	if linked && e.audiences != nil {
		rules, err = e.audiences.Rules(ctx, audienceID)
		if err != nil {
			// Not yet resolvable: fall back to the default predicate
			// rather than failing the whole dispatch.
			e.logger.LogAttrs(ctx, slog.LevelWarn, "audience rules unavailable, using default predicate",
				logger.NotificationID(id),
				logger.AudienceID(audienceID),
				logger.Error(err),
			)
			rules = nil
		}
	}

	pool, err := e.recipients.ListActive(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("list recipients: %w", err)
	}

	return audience.Filter(pool, rules), rules, nil
}

// Update applies pre-dispatch edits. Terminal notifications are
// immutable through this path.
func (e *Engine) Update(ctx context.Context, id uuid.UUID, input UpdateInput) (Notification, error) {
	n, err := e.storage.GetNotification(ctx, id)
	if err != nil {
		return Notification{}, err
	}
	if n.Status.Terminal() {
		return Notification{}, fmt.Errorf("%w: %s", ErrTerminalState, n.Status)
	}

	if input.Title != nil {
		n.Title = strings.TrimSpace(*input.Title)
	}
	if input.Body != nil {
		n.Body = *input.Body
	}
	if input.SendAt != nil {
		// Reclassify exactly as creation does.
		sendAt := *input.SendAt
		n.SendAt = &sendAt
		if sendAt.After(time.Now()) {
			n.Status = StatusScheduled
		} else {
			n.Status = StatusPending
		}
	}
	n.UpdatedAt = time.Now()

	if err := e.storage.UpdateNotification(ctx, n); err != nil {
		return Notification{}, err
	}

	if input.AudienceID != nil {
		if err := e.storage.SetAudience(ctx, id, *input.AudienceID); err != nil {
			return Notification{}, err
		}
	}

	return n, nil
}

// Cancel moves any non-sent notification to failed with a fixed
// message, without attempting delivery.
func (e *Engine) Cancel(ctx context.Context, id uuid.UUID) (Notification, error) {
	n, err := e.storage.GetNotification(ctx, id)
	if err != nil {
		return Notification{}, err
	}
	if n.Status == StatusSent {
		return Notification{}, ErrAlreadySent
	}

	updated, err := e.storage.MarkFailed(ctx, id, "canceled by admin")
	if err != nil {
		return Notification{}, err
	}

	e.logger.LogAttrs(ctx, slog.LevelInfo, "notification canceled",
		logger.NotificationID(id),
	)
	return updated, nil
}

// Get returns the notification or ErrNotFound.
func (e *Engine) Get(ctx context.Context, id uuid.UUID) (Notification, error) {
	return e.storage.GetNotification(ctx, id)
}

// ListDue exposes due scheduled notifications for the scheduler loop.
func (e *Engine) ListDue(ctx context.Context, now time.Time) ([]Notification, error) {
	return e.storage.ListDue(ctx, now)
}

// chainTargets builds the fallback order: application-level external
// ids first, then provider subscription ids, then legacy device ids.
func chainTargets(matched []audience.Recipient) []provider.Target {
	var external, subscription, device []string
	for _, r := range matched {
		if strings.TrimSpace(r.ExternalID) != "" {
			external = append(external, strings.TrimSpace(r.ExternalID))
		}
		if strings.TrimSpace(r.SubscriptionID) != "" {
			subscription = append(subscription, strings.TrimSpace(r.SubscriptionID))
		}
		if strings.TrimSpace(r.DeviceID) != "" {
			device = append(device, strings.TrimSpace(r.DeviceID))
		}
	}
	return []provider.Target{
		{Mode: provider.ModeExternalID, IDs: external},
		{Mode: provider.ModeSubscriptionID, IDs: subscription},
		{Mode: provider.ModeDeviceID, IDs: device},
	}
}

// recipientIDsForMode returns the user ids addressable in the mode the
// provider confirmed - exactly the set that gets delivery records.
func recipientIDsForMode(matched []audience.Recipient, mode provider.Mode) []string {
	ids := make([]string, 0, len(matched))
	for _, r := range matched {
		var channel string
		switch mode {
		case provider.ModeExternalID:
			channel = r.ExternalID
		case provider.ModeSubscriptionID:
			channel = r.SubscriptionID
		case provider.ModeDeviceID:
			channel = r.DeviceID
		}
		if strings.TrimSpace(channel) != "" {
			ids = append(ids, r.ID)
		}
	}
	return ids
}
