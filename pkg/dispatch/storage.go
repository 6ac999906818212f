package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/notifykit/pkg/audience"
)

// Storage is the persistence collaborator for notifications, the
// attempt log, and delivery records.
type Storage interface {
	// CreateNotification stores a new notification.
	CreateNotification(ctx context.Context, n Notification) error

	// GetNotification returns the notification or ErrNotFound.
	GetNotification(ctx context.Context, id uuid.UUID) (Notification, error)

	// UpdateNotification persists pre-dispatch edits (title, body,
	// schedule, status classification).
	UpdateNotification(ctx context.Context, n Notification) error

	// SetAudience links the notification to an audience, replacing any
	// previous link. A notification has at most one audience.
	SetAudience(ctx context.Context, notificationID, audienceID uuid.UUID) error

	// AudienceID returns the linked audience id, if any.
	AudienceID(ctx context.Context, notificationID uuid.UUID) (uuid.UUID, bool, error)

	// ClaimForDispatch is the concurrency guard: in a single
	// conditional write it increments the retry counter and forces
	// status to pending, but only while the current status permits a
	// claim. It returns ErrAlreadySent when the notification is
	// already sent, so a racing dispatcher backs off instead of
	// delivering twice.
	ClaimForDispatch(ctx context.Context, id uuid.UUID) (Notification, error)

	// MarkSent finalizes a successful dispatch: status sent, sentAt
	// stamped, error cleared.
	MarkSent(ctx context.Context, id uuid.UUID, sentAt time.Time) (Notification, error)

	// MarkFailed finalizes a failed dispatch with the captured message.
	MarkFailed(ctx context.Context, id uuid.UUID, msg string) (Notification, error)

	// AppendLog appends one attempt row. The log is append-only.
	AppendLog(ctx context.Context, entry LogEntry) error

	// ListLog returns the attempt log for a notification, oldest first.
	ListLog(ctx context.Context, notificationID uuid.UUID) ([]LogEntry, error)

	// CreateDeliveryRecords inserts one row per user id, silently
	// skipping (userID, notificationID) pairs that already exist so
	// retries stay idempotent. Returns the number of rows created.
	CreateDeliveryRecords(ctx context.Context, notificationID uuid.UUID, userIDs []string, deliveredAt time.Time) (int, error)

	// ListDue returns scheduled notifications whose sendAt has passed.
	ListDue(ctx context.Context, now time.Time) ([]Notification, error)
}

// AudienceSource resolves an audience id into its rule list. Audiences
// are owned by the admin surface; the core only reads them.
type AudienceSource interface {
	Rules(ctx context.Context, audienceID uuid.UUID) ([]audience.Rule, error)
}

// RecipientSource supplies the recipient pool snapshot. Recipients are
// owned by the external user-management collaborator.
type RecipientSource interface {
	ListActive(ctx context.Context) ([]audience.Recipient, error)
}
