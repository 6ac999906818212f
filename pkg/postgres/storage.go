package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmitrymomot/notifykit/pkg/audience"
	"github.com/dmitrymomot/notifykit/pkg/dispatch"
	"github.com/dmitrymomot/notifykit/pkg/inbox"
)

// Storage is the shared persistence layer. It implements
// dispatch.Storage, dispatch.AudienceSource, dispatch.RecipientSource,
// and inbox.Storage over one connection pool.
type Storage struct {
	pool *pgxpool.Pool
}

// NewStorage creates a Storage over an established pool.
func NewStorage(pool *pgxpool.Pool) *Storage {
	return &Storage{pool: pool}
}

const notificationColumns = `id, title, body, status, send_at, sent_at, error, retry_count, created_at, updated_at`

func scanNotification(row pgx.Row) (dispatch.Notification, error) {
	var n dispatch.Notification
	err := row.Scan(&n.ID, &n.Title, &n.Body, &n.Status, &n.SendAt, &n.SentAt, &n.Error, &n.RetryCount, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		if IsNotFoundError(err) {
			return dispatch.Notification{}, dispatch.ErrNotFound
		}
		return dispatch.Notification{}, err
	}
	return n, nil
}

func (s *Storage) CreateNotification(ctx context.Context, n dispatch.Notification) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notifications (id, title, body, status, send_at, sent_at, error, retry_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		n.ID, n.Title, n.Body, n.Status, n.SendAt, n.SentAt, n.Error, n.RetryCount, n.CreatedAt, n.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (s *Storage) GetNotification(ctx context.Context, id uuid.UUID) (dispatch.Notification, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id = $1`, id)
	return scanNotification(row)
}

func (s *Storage) UpdateNotification(ctx context.Context, n dispatch.Notification) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE notifications
		SET title = $2, body = $3, status = $4, send_at = $5, updated_at = $6
		WHERE id = $1`,
		n.ID, n.Title, n.Body, n.Status, n.SendAt, n.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update notification: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return dispatch.ErrNotFound
	}
	return nil
}

func (s *Storage) SetAudience(ctx context.Context, notificationID, audienceID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE notifications SET audience_id = $2, updated_at = now() WHERE id = $1`,
		notificationID, audienceID,
	)
	if err != nil {
		return fmt.Errorf("set audience: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return dispatch.ErrNotFound
	}
	return nil
}

func (s *Storage) AudienceID(ctx context.Context, notificationID uuid.UUID) (uuid.UUID, bool, error) {
	var audienceID *uuid.UUID
	err := s.pool.QueryRow(ctx,
		`SELECT audience_id FROM notifications WHERE id = $1`, notificationID,
	).Scan(&audienceID)
	if err != nil {
		if IsNotFoundError(err) {
			return uuid.Nil, false, dispatch.ErrNotFound
		}
		return uuid.Nil, false, err
	}
	if audienceID == nil {
		return uuid.Nil, false, nil
	}
	return *audienceID, true, nil
}

// ClaimForDispatch bumps the retry counter and forces pending state in
// one conditional UPDATE, so concurrent dispatchers race on the
// database row instead of in memory. A sent notification never
// matches the WHERE clause.
func (s *Storage) ClaimForDispatch(ctx context.Context, id uuid.UUID) (dispatch.Notification, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE notifications
		SET retry_count = retry_count + 1, status = $2, updated_at = now()
		WHERE id = $1 AND status <> $3
		RETURNING `+notificationColumns,
		id, dispatch.StatusPending, dispatch.StatusSent,
	)
	n, err := scanNotification(row)
	if err == nil {
		return n, nil
	}
	if err != dispatch.ErrNotFound {
		return dispatch.Notification{}, fmt.Errorf("claim notification: %w", err)
	}

	// No row claimed: distinguish missing from already sent.
	existing, gerr := s.GetNotification(ctx, id)
	if gerr != nil {
		return dispatch.Notification{}, gerr
	}
	if existing.Status == dispatch.StatusSent {
		return dispatch.Notification{}, dispatch.ErrAlreadySent
	}
	return dispatch.Notification{}, fmt.Errorf("claim notification %s: unexpected status %s", id, existing.Status)
}

func (s *Storage) MarkSent(ctx context.Context, id uuid.UUID, sentAt time.Time) (dispatch.Notification, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE notifications
		SET status = $2, sent_at = $3, error = '', updated_at = now()
		WHERE id = $1
		RETURNING `+notificationColumns,
		id, dispatch.StatusSent, sentAt,
	)
	return scanNotification(row)
}

func (s *Storage) MarkFailed(ctx context.Context, id uuid.UUID, msg string) (dispatch.Notification, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE notifications
		SET status = $2, error = $3, updated_at = now()
		WHERE id = $1
		RETURNING `+notificationColumns,
		id, dispatch.StatusFailed, msg,
	)
	return scanNotification(row)
}

func (s *Storage) AppendLog(ctx context.Context, entry dispatch.LogEntry) error {
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notification_logs (notification_id, attempt, status_before, status_after, success, error, provider, provider_message_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.NotificationID, entry.Attempt, entry.StatusBefore, entry.StatusAfter,
		entry.Success, entry.Error, entry.Provider, entry.ProviderMessageID, createdAt,
	)
	if err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	return nil
}

func (s *Storage) ListLog(ctx context.Context, notificationID uuid.UUID) ([]dispatch.LogEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT notification_id, attempt, status_before, status_after, success, error, provider, provider_message_id, created_at
		FROM notification_logs
		WHERE notification_id = $1
		ORDER BY id`,
		notificationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list log: %w", err)
	}
	defer rows.Close()

	var entries []dispatch.LogEntry
	for rows.Next() {
		var e dispatch.LogEntry
		if err := rows.Scan(&e.NotificationID, &e.Attempt, &e.StatusBefore, &e.StatusAfter, &e.Success, &e.Error, &e.Provider, &e.ProviderMessageID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CreateDeliveryRecords inserts inbox rows for the given user ids.
// ON CONFLICT DO NOTHING keeps overlapping retries idempotent at the
// database level.
func (s *Storage) CreateDeliveryRecords(ctx context.Context, notificationID uuid.UUID, userIDs []string, deliveredAt time.Time) (int, error) {
	if len(userIDs) == 0 {
		return 0, nil
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO delivery_records (user_id, notification_id, delivered_at)
		SELECT unnest($1::text[]), $2, $3
		ON CONFLICT (user_id, notification_id) DO NOTHING`,
		userIDs, notificationID, deliveredAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert delivery records: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Storage) ListDue(ctx context.Context, now time.Time) ([]dispatch.Notification, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+notificationColumns+`
		FROM notifications
		WHERE status = $1 AND send_at IS NOT NULL AND send_at <= $2
		ORDER BY send_at`,
		dispatch.StatusScheduled, now,
	)
	if err != nil {
		return nil, fmt.Errorf("list due notifications: %w", err)
	}
	defer rows.Close()

	var due []dispatch.Notification
	for rows.Next() {
		var n dispatch.Notification
		if err := rows.Scan(&n.ID, &n.Title, &n.Body, &n.Status, &n.SendAt, &n.SentAt, &n.Error, &n.RetryCount, &n.CreatedAt, &n.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan due notification: %w", err)
		}
		due = append(due, n)
	}
	return due, rows.Err()
}

// CreateAudience stores a named rule set and returns its id.
func (s *Storage) CreateAudience(ctx context.Context, name string, rules []audience.Rule) (uuid.UUID, error) {
	raw, err := json.Marshal(rules)
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshal rules: %w", err)
	}

	id := uuid.New()
	_, err = s.pool.Exec(ctx,
		`INSERT INTO audiences (id, name, rules) VALUES ($1, $2, $3)`,
		id, name, raw,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert audience: %w", err)
	}
	return id, nil
}

// UpdateAudienceRules replaces the audience's rule set.
func (s *Storage) UpdateAudienceRules(ctx context.Context, id uuid.UUID, rules []audience.Rule) error {
	raw, err := json.Marshal(rules)
	if err != nil {
		return fmt.Errorf("marshal rules: %w", err)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE audiences SET rules = $2, updated_at = now() WHERE id = $1`,
		id, raw,
	)
	if err != nil {
		return fmt.Errorf("update audience: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return dispatch.ErrNotFound
	}
	return nil
}

// Rules implements dispatch.AudienceSource.
func (s *Storage) Rules(ctx context.Context, audienceID uuid.UUID) ([]audience.Rule, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT rules FROM audiences WHERE id = $1`, audienceID,
	).Scan(&raw)
	if err != nil {
		if IsNotFoundError(err) {
			return nil, dispatch.ErrNotFound
		}
		return nil, fmt.Errorf("get audience rules: %w", err)
	}

	var rules []audience.Rule
	if err := json.Unmarshal(raw, &rules); err != nil {
		return nil, fmt.Errorf("unmarshal audience rules: %w", err)
	}
	return rules, nil
}

// UpsertRecipient syncs one recipient row from the user-management
// collaborator.
func (s *Storage) UpsertRecipient(ctx context.Context, r audience.Recipient) error {
	attrs, err := json.Marshal(r.Attributes)
	if err != nil {
		return fmt.Errorf("marshal attributes: %w", err)
	}
	if r.Attributes == nil {
		attrs = []byte(`{}`)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO recipients (id, external_id, subscription_id, device_id, active, attributes)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET external_id = EXCLUDED.external_id,
		    subscription_id = EXCLUDED.subscription_id,
		    device_id = EXCLUDED.device_id,
		    active = EXCLUDED.active,
		    attributes = EXCLUDED.attributes,
		    updated_at = now()`,
		r.ID, r.ExternalID, r.SubscriptionID, r.DeviceID, r.Active, attrs,
	)
	if err != nil {
		return fmt.Errorf("upsert recipient: %w", err)
	}
	return nil
}

// ListActive implements dispatch.RecipientSource.
func (s *Storage) ListActive(ctx context.Context) ([]audience.Recipient, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, external_id, subscription_id, device_id, active, attributes
		FROM recipients
		WHERE active`,
	)
	if err != nil {
		return nil, fmt.Errorf("list recipients: %w", err)
	}
	defer rows.Close()

	var recipients []audience.Recipient
	for rows.Next() {
		var r audience.Recipient
		var attrs []byte
		if err := rows.Scan(&r.ID, &r.ExternalID, &r.SubscriptionID, &r.DeviceID, &r.Active, &attrs); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		if len(attrs) > 0 {
			if err := json.Unmarshal(attrs, &r.Attributes); err != nil {
				return nil, fmt.Errorf("unmarshal recipient attributes: %w", err)
			}
		}
		recipients = append(recipients, r)
	}
	return recipients, rows.Err()
}

// ListRecent implements inbox.Storage via a join with notification
// content, newest delivery first.
func (s *Storage) ListRecent(ctx context.Context, userID string, since time.Time) ([]inbox.Item, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT d.user_id, d.notification_id, n.title, n.body, d.delivered_at, d.shown_at, d.opened_at
		FROM delivery_records d
		JOIN notifications n ON n.id = d.notification_id
		WHERE d.user_id = $1 AND d.delivered_at >= $2
		ORDER BY d.delivered_at DESC`,
		userID, since,
	)
	if err != nil {
		return nil, fmt.Errorf("list inbox items: %w", err)
	}
	defer rows.Close()

	var items []inbox.Item
	for rows.Next() {
		var item inbox.Item
		if err := rows.Scan(&item.UserID, &item.NotificationID, &item.Title, &item.Body, &item.DeliveredAt, &item.ShownAt, &item.OpenedAt); err != nil {
			return nil, fmt.Errorf("scan inbox item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// MarkShown implements inbox.Storage. COALESCE keeps the first
// timestamp on repeat marks.
func (s *Storage) MarkShown(ctx context.Context, userID string, notificationID uuid.UUID, at time.Time) (inbox.Item, error) {
	return s.mark(ctx, userID, notificationID, at, "shown_at")
}

// MarkOpened implements inbox.Storage.
func (s *Storage) MarkOpened(ctx context.Context, userID string, notificationID uuid.UUID, at time.Time) (inbox.Item, error) {
	return s.mark(ctx, userID, notificationID, at, "opened_at")
}

func (s *Storage) mark(ctx context.Context, userID string, notificationID uuid.UUID, at time.Time, column string) (inbox.Item, error) {
	// column is one of two compile-time constants, never user input.
	row := s.pool.QueryRow(ctx, `
		UPDATE delivery_records d
		SET `+column+` = COALESCE(d.`+column+`, $3)
		FROM notifications n
		WHERE d.user_id = $1 AND d.notification_id = $2 AND n.id = d.notification_id
		RETURNING d.user_id, d.notification_id, n.title, n.body, d.delivered_at, d.shown_at, d.opened_at`,
		userID, notificationID, at,
	)

	var item inbox.Item
	err := row.Scan(&item.UserID, &item.NotificationID, &item.Title, &item.Body, &item.DeliveredAt, &item.ShownAt, &item.OpenedAt)
	if err != nil {
		if IsNotFoundError(err) {
			return inbox.Item{}, inbox.ErrNotFound
		}
		return inbox.Item{}, fmt.Errorf("mark %s: %w", column, err)
	}
	return item, nil
}

// Engagement implements inbox.Storage.
func (s *Storage) Engagement(ctx context.Context, notificationID uuid.UUID) (inbox.Engagement, error) {
	eng := inbox.Engagement{NotificationID: notificationID}
	err := s.pool.QueryRow(ctx, `
		SELECT count(*),
		       count(shown_at),
		       count(opened_at)
		FROM delivery_records
		WHERE notification_id = $1`,
		notificationID,
	).Scan(&eng.Delivered, &eng.Shown, &eng.Opened)
	if err != nil {
		return inbox.Engagement{}, fmt.Errorf("engagement counts: %w", err)
	}
	return eng, nil
}
