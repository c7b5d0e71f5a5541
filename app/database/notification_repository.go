package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

type SQLNotificationRepository struct {
	db *DB
}

var _ NotificationRepository = (*SQLNotificationRepository)(nil)

func NewNotificationRepository(db *DB) *SQLNotificationRepository {
	return &SQLNotificationRepository{db: db}
}

func (r *SQLNotificationRepository) CreateNotification(ctx context.Context, n *Notification) (bool, error) {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO notifications
		 (user_id, subscription_id, event_id, channel, status, attempts, last_error, fingerprint, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.UserID, n.SubscriptionID, n.EventID, string(n.Channel), string(n.Status),
		n.Attempts, n.LastError, n.Fingerprint, now.Format(timeLayout), now.Format(timeLayout),
	)
	if err != nil {
		return false, fmt.Errorf("insert notification: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return false, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return false, fmt.Errorf("last insert id: %w", err)
	}
	n.ID = id
	n.CreatedAt = now
	n.UpdatedAt = now
	return true, nil
}

// UpdateNotificationStatus advances a notification's lifecycle. The WHERE
// guard keeps terminal rows immutable so status never regresses from
// SENT or FAILED.
func (r *SQLNotificationRepository) UpdateNotificationStatus(ctx context.Context, id int64, status Status, attempts int, lastError *string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE notifications
		 SET status = ?, attempts = MAX(attempts, ?), last_error = COALESCE(?, last_error), updated_at = ?
		 WHERE id = ? AND status NOT IN ('SENT', 'FAILED')`,
		string(status), attempts, lastError, time.Now().UTC().Format(timeLayout), id,
	)
	if err != nil {
		return fmt.Errorf("update notification status: %w", err)
	}
	return nil
}

func (r *SQLNotificationRepository) GetNotification(ctx context.Context, id int64) (*Notification, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, subscription_id, event_id, channel, status, attempts, last_error, fingerprint, created_at, updated_at
		 FROM notifications WHERE id = ?`, id)
	return scanNotification(row)
}

func (r *SQLNotificationRepository) ListNotifications(ctx context.Context, filter NotificationFilter) ([]NotificationRow, error) {
	var conditions []string
	var args []any

	conditions = append(conditions, "n.user_id = ?")
	args = append(args, filter.UserID)

	if filter.Status != "" {
		conditions = append(conditions, "n.status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.From != nil {
		conditions = append(conditions, "n.created_at >= ?")
		args = append(args, filter.From.UTC().Format(timeLayout))
	}
	if filter.To != nil {
		conditions = append(conditions, "n.created_at <= ?")
		args = append(args, filter.To.UTC().Format(timeLayout))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, filter.Offset)

	query := fmt.Sprintf(`
		SELECT n.id, n.user_id, n.subscription_id, n.event_id, n.channel, n.status,
		       n.attempts, n.last_error, n.fingerprint, n.created_at, n.updated_at,
		       COALESCE(e.title, ''), COALESCE(e.source_type, ''), COALESCE(e.priority, '')
		FROM notifications n
		LEFT JOIN events e ON e.id = n.event_id
		WHERE %s
		ORDER BY n.created_at DESC, n.id DESC
		LIMIT ? OFFSET ?`, strings.Join(conditions, " AND "))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []NotificationRow
	for rows.Next() {
		var nr NotificationRow
		var channel, status, created, updated string
		var lastError sql.NullString
		var eventSource, eventPriority string
		err := rows.Scan(&nr.ID, &nr.UserID, &nr.SubscriptionID, &nr.EventID, &channel, &status,
			&nr.Attempts, &lastError, &nr.Fingerprint, &created, &updated,
			&nr.EventTitle, &eventSource, &eventPriority)
		if err != nil {
			return nil, fmt.Errorf("scan notification row: %w", err)
		}
		nr.Channel = Channel(channel)
		nr.Status = Status(status)
		if lastError.Valid {
			nr.LastError = &lastError.String
		}
		nr.EventSource = SourceType(eventSource)
		nr.EventPriority = Priority(eventPriority)
		nr.CreatedAt, _ = time.Parse(timeLayout, created)
		nr.UpdatedAt, _ = time.Parse(timeLayout, updated)
		result = append(result, nr)
	}
	return result, rows.Err()
}

func (r *SQLNotificationRepository) CountSentNotifications(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE status = 'SENT'`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count sent notifications: %w", err)
	}
	return count, nil
}

// CountCreatedSince backs the rate-limit gate: notifications created for a
// subscription+channel in a trailing window.
func (r *SQLNotificationRepository) CountCreatedSince(ctx context.Context, subscriptionID int64, channel Channel, since time.Time) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications
		 WHERE subscription_id = ? AND channel = ? AND created_at >= ?`,
		subscriptionID, string(channel), since.UTC().Format(timeLayout)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count notifications since: %w", err)
	}
	return count, nil
}

// FingerprintSeenSince backs the dedup-window gate.
func (r *SQLNotificationRepository) FingerprintSeenSince(ctx context.Context, subscriptionID int64, channel Channel, fingerprint string, since time.Time) (bool, error) {
	var exists int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications
		 WHERE subscription_id = ? AND channel = ? AND fingerprint = ? AND created_at >= ?
		 LIMIT 1`,
		subscriptionID, string(channel), fingerprint, since.UTC().Format(timeLayout)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check fingerprint: %w", err)
	}
	return exists > 0, nil
}

func scanNotification(row scannable) (*Notification, error) {
	var n Notification
	var channel, status, created, updated string
	var lastError sql.NullString
	err := row.Scan(&n.ID, &n.UserID, &n.SubscriptionID, &n.EventID, &channel, &status,
		&n.Attempts, &lastError, &n.Fingerprint, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan notification: %w", err)
	}
	n.Channel = Channel(channel)
	n.Status = Status(status)
	if lastError.Valid {
		n.LastError = &lastError.String
	}
	n.CreatedAt, _ = time.Parse(timeLayout, created)
	n.UpdatedAt, _ = time.Parse(timeLayout, updated)
	return &n, nil
}
