package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type SQLSubscriptionRepository struct {
	db *DB
}

var _ SubscriptionRepository = (*SQLSubscriptionRepository)(nil)

func NewSubscriptionRepository(db *DB) *SQLSubscriptionRepository {
	return &SQLSubscriptionRepository{db: db}
}

func (r *SQLSubscriptionRepository) CreateSubscription(ctx context.Context, sub *Subscription) error {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO subscriptions (user_id, source_type, params, email_enabled, enabled, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sub.UserID, string(sub.SourceType), sub.Params,
		boolToInt(sub.EmailEnabled), boolToInt(sub.Enabled), now.Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	sub.ID = id
	sub.CreatedAt = now
	return nil
}

func (r *SQLSubscriptionRepository) UpdateSubscription(ctx context.Context, sub *Subscription) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE subscriptions SET source_type = ?, params = ?, email_enabled = ?, enabled = ?
		 WHERE id = ?`,
		string(sub.SourceType), sub.Params, boolToInt(sub.EmailEnabled), boolToInt(sub.Enabled), sub.ID,
	)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	return nil
}

func (r *SQLSubscriptionRepository) DeleteSubscription(ctx context.Context, id int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM rules WHERE subscription_id = ?`, id); err != nil {
		return fmt.Errorf("delete rules: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	return tx.Commit()
}

func (r *SQLSubscriptionRepository) GetSubscription(ctx context.Context, id int64) (*Subscription, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, source_type, params, email_enabled, enabled, created_at
		 FROM subscriptions WHERE id = ?`, id)
	return scanSubscription(row)
}

func (r *SQLSubscriptionRepository) ListSubscriptions(ctx context.Context, userID int64) ([]Subscription, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, source_type, params, email_enabled, enabled, created_at
		 FROM subscriptions WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanSubscriptions(rows)
}

func (r *SQLSubscriptionRepository) ListEnabledSubscriptions(ctx context.Context) ([]Subscription, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, source_type, params, email_enabled, enabled, created_at
		 FROM subscriptions WHERE enabled = 1 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query enabled subscriptions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanSubscriptions(rows)
}

func (r *SQLSubscriptionRepository) GetSubscriptionCount(ctx context.Context) (int, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM subscriptions`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count subscriptions: %w", err)
	}
	return count, nil
}

func scanSubscription(row scannable) (*Subscription, error) {
	var s Subscription
	var sourceType, created string
	var emailEnabled, enabled int
	err := row.Scan(&s.ID, &s.UserID, &sourceType, &s.Params, &emailEnabled, &enabled, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan subscription: %w", err)
	}
	s.SourceType = SourceType(sourceType)
	s.EmailEnabled = emailEnabled == 1
	s.Enabled = enabled == 1
	s.CreatedAt, _ = time.Parse(timeLayout, created)
	return &s, nil
}

func scanSubscriptions(rows *sql.Rows) ([]Subscription, error) {
	var subs []Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *s)
	}
	return subs, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
