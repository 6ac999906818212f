package dispatch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStorage implements Storage for tests and local development.
// All methods are safe for concurrent use.
type MemoryStorage struct {
	mu            sync.RWMutex
	notifications map[uuid.UUID]*Notification
	audienceLinks map[uuid.UUID]uuid.UUID
	log           []LogEntry
	deliveries    map[deliveryKey]*DeliveryRecord
}

type deliveryKey struct {
	userID         string
	notificationID uuid.UUID
}

// NewMemoryStorage creates an empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		notifications: make(map[uuid.UUID]*Notification),
		audienceLinks: make(map[uuid.UUID]uuid.UUID),
		deliveries:    make(map[deliveryKey]*DeliveryRecord),
	}
}

func (ms *MemoryStorage) CreateNotification(ctx context.Context, n Notification) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	// Clone to prevent external mutation of stored state.
	cp := n
	ms.notifications[n.ID] = &cp
	return nil
}

func (ms *MemoryStorage) GetNotification(ctx context.Context, id uuid.UUID) (Notification, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	n, ok := ms.notifications[id]
	if !ok {
		return Notification{}, ErrNotFound
	}
	return *n, nil
}

func (ms *MemoryStorage) UpdateNotification(ctx context.Context, n Notification) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, ok := ms.notifications[n.ID]; !ok {
		return ErrNotFound
	}
	cp := n
	ms.notifications[n.ID] = &cp
	return nil
}

func (ms *MemoryStorage) SetAudience(ctx context.Context, notificationID, audienceID uuid.UUID) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, ok := ms.notifications[notificationID]; !ok {
		return ErrNotFound
	}
	ms.audienceLinks[notificationID] = audienceID
	return nil
}

func (ms *MemoryStorage) AudienceID(ctx context.Context, notificationID uuid.UUID) (uuid.UUID, bool, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	id, ok := ms.audienceLinks[notificationID]
	return id, ok, nil
}

func (ms *MemoryStorage) ClaimForDispatch(ctx context.Context, id uuid.UUID) (Notification, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	n, ok := ms.notifications[id]
	if !ok {
		return Notification{}, ErrNotFound
	}
	if n.Status == StatusSent {
		return Notification{}, ErrAlreadySent
	}

	n.RetryCount++
	n.Status = StatusPending
	n.UpdatedAt = time.Now()
	return *n, nil
}

func (ms *MemoryStorage) MarkSent(ctx context.Context, id uuid.UUID, sentAt time.Time) (Notification, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	n, ok := ms.notifications[id]
	if !ok {
		return Notification{}, ErrNotFound
	}

	n.Status = StatusSent
	n.SentAt = &sentAt
	n.Error = ""
	n.UpdatedAt = time.Now()
	return *n, nil
}

func (ms *MemoryStorage) MarkFailed(ctx context.Context, id uuid.UUID, msg string) (Notification, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	n, ok := ms.notifications[id]
	if !ok {
		return Notification{}, ErrNotFound
	}

	n.Status = StatusFailed
	n.Error = msg
	n.UpdatedAt = time.Now()
	return *n, nil
}

func (ms *MemoryStorage) AppendLog(ctx context.Context, entry LogEntry) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	ms.log = append(ms.log, entry)
	return nil
}

func (ms *MemoryStorage) ListLog(ctx context.Context, notificationID uuid.UUID) ([]LogEntry, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var entries []LogEntry
	for _, e := range ms.log {
		if e.NotificationID == notificationID {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func (ms *MemoryStorage) CreateDeliveryRecords(ctx context.Context, notificationID uuid.UUID, userIDs []string, deliveredAt time.Time) (int, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	created := 0
	for _, userID := range userIDs {
		key := deliveryKey{userID: userID, notificationID: notificationID}
		if _, exists := ms.deliveries[key]; exists {
			continue
		}
		ms.deliveries[key] = &DeliveryRecord{
			UserID:         userID,
			NotificationID: notificationID,
			DeliveredAt:    deliveredAt,
		}
		created++
	}
	return created, nil
}

func (ms *MemoryStorage) ListDue(ctx context.Context, now time.Time) ([]Notification, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var due []Notification
	for _, n := range ms.notifications {
		if n.Status == StatusScheduled && n.SendAt != nil && !n.SendAt.After(now) {
			due = append(due, *n)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].SendAt.Before(*due[j].SendAt) })
	return due, nil
}

// DeliveryRecords returns the inbox rows for a notification, for
// assertions in tests and the admin metrics view.
func (ms *MemoryStorage) DeliveryRecords(notificationID uuid.UUID) []DeliveryRecord {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var records []DeliveryRecord
	for _, r := range ms.deliveries {
		if r.NotificationID == notificationID {
			records = append(records, *r)
		}
	}
	return records
}
