package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/notifyhub/notifyhub/app/database"
)

// CreateRule validates and persists a rule for one of the user's
// subscriptions.
func (r *Registry) CreateRule(ctx context.Context, userID int64, rule *database.Rule) error {
	if err := r.checkRuleOwnership(ctx, userID, rule.SubscriptionID); err != nil {
		return err
	}
	if err := validateRule(rule); err != nil {
		return err
	}

	rule.CreatedAt = time.Now().UTC()
	if err := r.rules.CreateRule(ctx, rule); err != nil {
		return fmt.Errorf("create rule: %w", err)
	}
	r.invalidateRules(rule.SubscriptionID)
	return nil
}

func (r *Registry) UpdateRule(ctx context.Context, userID int64, rule *database.Rule) error {
	existing, err := r.rules.GetRule(ctx, rule.ID)
	if err != nil {
		return fmt.Errorf("load rule: %w", err)
	}
	if existing == nil {
		return ErrNotFound
	}
	if err := r.checkRuleOwnership(ctx, userID, existing.SubscriptionID); err != nil {
		return err
	}
	if err := validateRule(rule); err != nil {
		return err
	}

	rule.SubscriptionID = existing.SubscriptionID
	rule.CreatedAt = existing.CreatedAt
	if err := r.rules.UpdateRule(ctx, rule); err != nil {
		return fmt.Errorf("update rule: %w", err)
	}
	r.invalidateRules(existing.SubscriptionID)
	return nil
}

func (r *Registry) DeleteRule(ctx context.Context, userID, ruleID int64) error {
	existing, err := r.rules.GetRule(ctx, ruleID)
	if err != nil {
		return fmt.Errorf("load rule: %w", err)
	}
	if existing == nil {
		return ErrNotFound
	}
	if err := r.checkRuleOwnership(ctx, userID, existing.SubscriptionID); err != nil {
		return err
	}

	if err := r.rules.DeleteRule(ctx, ruleID); err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	r.invalidateRules(existing.SubscriptionID)
	return nil
}

// RulesFor returns the subscription's rules in creation order, served
// from an in-memory cache that rule mutations invalidate.
func (r *Registry) RulesFor(ctx context.Context, subscriptionID int64) ([]database.Rule, error) {
	r.rulesMu.RLock()
	cached, ok := r.rulesCache[subscriptionID]
	r.rulesMu.RUnlock()
	if ok {
		return cached, nil
	}

	rules, err := r.rules.ListRules(ctx, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}

	r.rulesMu.Lock()
	r.rulesCache[subscriptionID] = rules
	r.rulesMu.Unlock()
	return rules, nil
}

func (r *Registry) invalidateRules(subscriptionID int64) {
	r.rulesMu.Lock()
	delete(r.rulesCache, subscriptionID)
	r.rulesMu.Unlock()
}

func (r *Registry) checkRuleOwnership(ctx context.Context, userID, subscriptionID int64) error {
	sub, err := r.subscriptions.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return fmt.Errorf("load subscription: %w", err)
	}
	if sub == nil || sub.UserID != userID {
		return ErrNotFound
	}
	return nil
}

func validateRule(rule *database.Rule) error {
	if rule.DedupWindowMinutes < 0 {
		return fmt.Errorf("%w: dedup window must not be negative", ErrInvalid)
	}
	if rule.RateLimitPerHour < 0 {
		return fmt.Errorf("%w: rate limit must not be negative", ErrInvalid)
	}
	if !rule.Priority.Valid() {
		return fmt.Errorf("%w: unknown priority %q", ErrInvalid, rule.Priority)
	}

	if (rule.QuietHoursStart == nil) != (rule.QuietHoursEnd == nil) {
		return fmt.Errorf("%w: quiet hours require both start and end", ErrInvalid)
	}
	if rule.QuietHoursStart != nil {
		for _, v := range []string{*rule.QuietHoursStart, *rule.QuietHoursEnd} {
			if _, err := time.Parse("15:04", v); err != nil {
				return fmt.Errorf("%w: invalid quiet hours time %q", ErrInvalid, v)
			}
		}
	}
	return nil
}
