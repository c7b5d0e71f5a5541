package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type SQLRuleRepository struct {
	db *DB
}

var _ RuleRepository = (*SQLRuleRepository)(nil)

func NewRuleRepository(db *DB) *SQLRuleRepository {
	return &SQLRuleRepository{db: db}
}

func (r *SQLRuleRepository) CreateRule(ctx context.Context, rule *Rule) error {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO rules (subscription_id, keyword_filter, dedup_window_minutes,
		                    rate_limit_per_hour, priority, quiet_hours_start, quiet_hours_end, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rule.SubscriptionID, rule.KeywordFilter, rule.DedupWindowMinutes,
		rule.RateLimitPerHour, string(rule.Priority), rule.QuietHoursStart, rule.QuietHoursEnd,
		now.Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	rule.ID = id
	rule.CreatedAt = now
	return nil
}

func (r *SQLRuleRepository) UpdateRule(ctx context.Context, rule *Rule) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE rules SET keyword_filter = ?, dedup_window_minutes = ?, rate_limit_per_hour = ?,
		                  priority = ?, quiet_hours_start = ?, quiet_hours_end = ?
		 WHERE id = ?`,
		rule.KeywordFilter, rule.DedupWindowMinutes, rule.RateLimitPerHour,
		string(rule.Priority), rule.QuietHoursStart, rule.QuietHoursEnd, rule.ID,
	)
	if err != nil {
		return fmt.Errorf("update rule: %w", err)
	}
	return nil
}

func (r *SQLRuleRepository) DeleteRule(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM rules WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	return nil
}

func (r *SQLRuleRepository) DeleteRulesForSubscription(ctx context.Context, subscriptionID int64) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM rules WHERE subscription_id = ?`, subscriptionID); err != nil {
		return fmt.Errorf("delete rules for subscription: %w", err)
	}
	return nil
}

func (r *SQLRuleRepository) GetRule(ctx context.Context, id int64) (*Rule, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, subscription_id, keyword_filter, dedup_window_minutes, rate_limit_per_hour,
		        priority, quiet_hours_start, quiet_hours_end, created_at
		 FROM rules WHERE id = ?`, id)
	return scanRule(row)
}

// ListRules returns the rules for a subscription in creation order, which
// is the order the engine evaluates them in.
func (r *SQLRuleRepository) ListRules(ctx context.Context, subscriptionID int64) ([]Rule, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, subscription_id, keyword_filter, dedup_window_minutes, rate_limit_per_hour,
		        priority, quiet_hours_start, quiet_hours_end, created_at
		 FROM rules WHERE subscription_id = ? ORDER BY id`, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var rules []Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, *rule)
	}
	return rules, rows.Err()
}

func scanRule(row scannable) (*Rule, error) {
	var rule Rule
	var priority, created string
	var quietStart, quietEnd sql.NullString
	err := row.Scan(&rule.ID, &rule.SubscriptionID, &rule.KeywordFilter,
		&rule.DedupWindowMinutes, &rule.RateLimitPerHour, &priority,
		&quietStart, &quietEnd, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan rule: %w", err)
	}
	rule.Priority = Priority(priority)
	if quietStart.Valid {
		rule.QuietHoursStart = &quietStart.String
	}
	if quietEnd.Valid {
		rule.QuietHoursEnd = &quietEnd.String
	}
	rule.CreatedAt, _ = time.Parse(timeLayout, created)
	return &rule, nil
}
