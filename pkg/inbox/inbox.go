package inbox

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultDays is the lookback window applied when the caller does
	// not ask for one.
	DefaultDays = 7
	// MaxDays caps the lookback window.
	MaxDays = 30
)

// Item is one delivered notification as the recipient sees it.
type Item struct {
	UserID         string     `json:"user_id"`
	NotificationID uuid.UUID  `json:"notification_id"`
	Title          string     `json:"title"`
	Body           string     `json:"body"`
	DeliveredAt    time.Time  `json:"delivered_at"`
	ShownAt        *time.Time `json:"shown_at,omitempty"`
	OpenedAt       *time.Time `json:"opened_at,omitempty"`
}

// Seen reports whether the item was ever rendered on a device.
func (i Item) Seen() bool { return i.ShownAt != nil }

// Opened reports whether the recipient tapped through.
func (i Item) Opened() bool { return i.OpenedAt != nil }

// Engagement aggregates per-notification funnel counts for the admin
// metrics view.
type Engagement struct {
	NotificationID uuid.UUID `json:"notification_id"`
	Delivered      int       `json:"delivered"`
	Shown          int       `json:"shown"`
	Opened         int       `json:"opened"`
}

// Storage is the persistence surface the inbox reads and marks
// against. MarkShown and MarkOpened set the timestamp only when it is
// not already set and report ErrNotFound for a missing row.
type Storage interface {
	ListRecent(ctx context.Context, userID string, since time.Time) ([]Item, error)
	MarkShown(ctx context.Context, userID string, notificationID uuid.UUID, at time.Time) (Item, error)
	MarkOpened(ctx context.Context, userID string, notificationID uuid.UUID, at time.Time) (Item, error)
	Engagement(ctx context.Context, notificationID uuid.UUID) (Engagement, error)
}

// Service wraps Storage with input validation and window clamping.
type Service struct {
	storage Storage
	logger  *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates an inbox service over the given storage.
func New(storage Storage, opts ...Option) *Service {
	s := &Service{
		storage: storage,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Recent lists the user's deliveries from the last days days, newest
// first. Days outside 1..30 are clamped rather than rejected; zero
// means the default window.
func (s *Service) Recent(ctx context.Context, userID string, days int) ([]Item, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrInvalidUser
	}

	since := time.Now().AddDate(0, 0, -clampDays(days))
	return s.storage.ListRecent(ctx, userID, since)
}

// MarkShown records that the notification was rendered for the user.
// Repeat calls keep the original timestamp.
func (s *Service) MarkShown(ctx context.Context, userID string, notificationID uuid.UUID) (Item, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Item{}, ErrInvalidUser
	}
	return s.storage.MarkShown(ctx, userID, notificationID, time.Now())
}

// MarkOpened records that the user tapped the notification. Repeat
// calls keep the original timestamp.
func (s *Service) MarkOpened(ctx context.Context, userID string, notificationID uuid.UUID) (Item, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Item{}, ErrInvalidUser
	}
	return s.storage.MarkOpened(ctx, userID, notificationID, time.Now())
}

// Engagement returns delivered, shown, and opened counts for one
// notification.
func (s *Service) Engagement(ctx context.Context, notificationID uuid.UUID) (Engagement, error) {
	return s.storage.Engagement(ctx, notificationID)
}

func clampDays(days int) int {
	switch {
	case days <= 0:
		return DefaultDays
	case days > MaxDays:
		return MaxDays
	default:
		return days
	}
}
