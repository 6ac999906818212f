package inbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStorage implements Storage for tests and local development.
type MemoryStorage struct {
	mu    sync.RWMutex
	items map[itemKey]*Item
}

type itemKey struct {
	userID         string
	notificationID uuid.UUID
}

// NewMemoryStorage creates an empty in-memory inbox storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{items: make(map[itemKey]*Item)}
}

// Add seeds a delivery row. Existing rows are left untouched so
// seeding stays idempotent like the real delivery write.
func (ms *MemoryStorage) Add(item Item) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	key := itemKey{userID: item.UserID, notificationID: item.NotificationID}
	if _, exists := ms.items[key]; exists {
		return
	}
	cp := item
	ms.items[key] = &cp
}

func (ms *MemoryStorage) ListRecent(ctx context.Context, userID string, since time.Time) ([]Item, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var items []Item
	for _, item := range ms.items {
		if item.UserID == userID && !item.DeliveredAt.Before(since) {
			items = append(items, *item)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].DeliveredAt.After(items[j].DeliveredAt) })
	return items, nil
}

func (ms *MemoryStorage) MarkShown(ctx context.Context, userID string, notificationID uuid.UUID, at time.Time) (Item, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	item, ok := ms.items[itemKey{userID: userID, notificationID: notificationID}]
	if !ok {
		return Item{}, ErrNotFound
	}
	if item.ShownAt == nil {
		item.ShownAt = &at
	}
	return *item, nil
}

func (ms *MemoryStorage) MarkOpened(ctx context.Context, userID string, notificationID uuid.UUID, at time.Time) (Item, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	item, ok := ms.items[itemKey{userID: userID, notificationID: notificationID}]
	if !ok {
		return Item{}, ErrNotFound
	}
	if item.OpenedAt == nil {
		item.OpenedAt = &at
	}
	return *item, nil
}

func (ms *MemoryStorage) Engagement(ctx context.Context, notificationID uuid.UUID) (Engagement, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	eng := Engagement{NotificationID: notificationID}
	for _, item := range ms.items {
		if item.NotificationID != notificationID {
			continue
		}
		eng.Delivered++
		if item.Seen() {
			eng.Shown++
		}
		if item.Opened() {
			eng.Opened++
		}
	}
	return eng, nil
}
