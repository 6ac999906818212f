package dispatch

import (
	"time"

	"github.com/google/uuid"
)

// Status is the notification lifecycle state.
type Status string

const (
	// StatusPending marks a notification claimed for, or awaiting,
	// immediate dispatch.
	StatusPending Status = "PENDING"
	// StatusScheduled marks a notification waiting for its sendAt time.
	StatusScheduled Status = "SCHEDULED"
	// StatusSent is final: the provider confirmed recipients.
	StatusSent Status = "SENT"
	// StatusFailed marks a dispatch that ended in error or an admin
	// cancellation. A failed notification can be claimed again by a
	// manual resend.
	StatusFailed Status = "FAILED"
)

// transitions is the closed set of allowed status moves. Anything not
// listed - in particular anything leading out of SENT - is forbidden.
var transitions = map[Status]map[Status]struct{}{
	StatusScheduled: {StatusPending: {}, StatusFailed: {}},
	StatusPending:   {StatusSent: {}, StatusFailed: {}},
	StatusFailed:    {StatusPending: {}},
	StatusSent:      {},
}

// CanTransition reports whether moving from s to next is allowed.
func (s Status) CanTransition(next Status) bool {
	_, ok := transitions[s][next]
	return ok
}

// Terminal reports whether the status ends the dispatch lifecycle.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed
}

// Notification is the core record mutated only by the dispatch engine
// and scheduler.
type Notification struct {
	ID         uuid.UUID
	Title      string
	Body       string
	SendAt     *time.Time
	SentAt     *time.Time
	Status     Status
	Error      string
	RetryCount int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// LogEntry is one row of the append-only dispatch attempt log. Rows
// are never updated or deleted.
type LogEntry struct {
	NotificationID    uuid.UUID
	Attempt           int
	StatusBefore      Status
	StatusAfter       Status
	Success           bool
	Error             string
	Provider          string
	ProviderMessageID string
	CreatedAt         time.Time
}

// DeliveryRecord is a per-recipient inbox row, created only for
// recipients the provider confirmed as reached. Unique per
// (UserID, NotificationID).
type DeliveryRecord struct {
	UserID         string
	NotificationID uuid.UUID
	DeliveredAt    time.Time
	ShownAt        *time.Time
	OpenedAt       *time.Time
}
