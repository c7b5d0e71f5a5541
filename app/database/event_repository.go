package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type SQLEventRepository struct {
	db *DB
}

var _ EventRepository = (*SQLEventRepository)(nil)

func NewEventRepository(db *DB) *SQLEventRepository {
	return &SQLEventRepository{db: db}
}

func (r *SQLEventRepository) InsertEvent(ctx context.Context, event *Event) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO events (id, subscription_id, source_type, external_id, title, payload, priority, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.SubscriptionID, string(event.SourceType), event.ExternalID,
		event.Title, event.Payload, string(event.Priority), event.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return false, fmt.Errorf("insert event: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

func (r *SQLEventRepository) UpdateEventPriority(ctx context.Context, id string, priority Priority) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE events SET priority = ? WHERE id = ?`, string(priority), id)
	if err != nil {
		return fmt.Errorf("update event priority: %w", err)
	}
	return nil
}

func (r *SQLEventRepository) GetEvent(ctx context.Context, id string) (*Event, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, subscription_id, source_type, external_id, title, payload, priority, created_at
		 FROM events WHERE id = ?`, id)
	return scanEvent(row)
}

// ListRecentExternalIDs returns the most recently stored external ids for a
// subscription, newest first. Connectors use it to resume their seen-sets
// after a restart.
func (r *SQLEventRepository) ListRecentExternalIDs(ctx context.Context, subscriptionID int64, limit int) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT external_id FROM events
		 WHERE subscription_id = ?
		 ORDER BY created_at DESC, external_id DESC
		 LIMIT ?`, subscriptionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent external ids: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan external id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *SQLEventRepository) CountEvents(ctx context.Context) (int, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return count, nil
}

func (r *SQLEventRepository) CountEventsForSubscription(ctx context.Context, subscriptionID int64) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE subscription_id = ?`, subscriptionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count events for subscription: %w", err)
	}
	return count, nil
}

func scanEvent(row scannable) (*Event, error) {
	var e Event
	var sourceType, priority, created string
	err := row.Scan(&e.ID, &e.SubscriptionID, &sourceType, &e.ExternalID,
		&e.Title, &e.Payload, &priority, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan event: %w", err)
	}
	e.SourceType = SourceType(sourceType)
	e.Priority = Priority(priority)
	e.CreatedAt, _ = time.Parse(timeLayout, created)
	return &e, nil
}
