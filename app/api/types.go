package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/notifyhub/notifyhub/app/database"
	"github.com/notifyhub/notifyhub/app/registry"
	"github.com/notifyhub/notifyhub/app/stream"
)

// RegistryInterface is the control-plane surface the handlers mutate
// subscriptions and rules through.
type RegistryInterface interface {
	Upsert(ctx context.Context, sub *database.Subscription) error
	Delete(ctx context.Context, userID, subscriptionID int64) error
	CreateRule(ctx context.Context, userID int64, rule *database.Rule) error
	UpdateRule(ctx context.Context, userID int64, rule *database.Rule) error
	DeleteRule(ctx context.Context, userID, ruleID int64) error
}

var _ RegistryInterface = (*registry.Registry)(nil)

type Handler struct {
	registry      RegistryInterface
	users         database.UserRepository
	subscriptions database.SubscriptionRepository
	rules         database.RuleRepository
	events        database.EventRepository
	notifications database.NotificationRepository
	hub           *stream.Hub
}

type SubscriptionRequest struct {
	SourceType   string          `json:"source_type" binding:"required"`
	Params       json.RawMessage `json:"params"`
	EmailEnabled bool            `json:"email_enabled"`
	Enabled      *bool           `json:"enabled"`
}

type SubscriptionResponse struct {
	ID           int64           `json:"id"`
	SourceType   string          `json:"source_type"`
	Params       json.RawMessage `json:"params"`
	EmailEnabled bool            `json:"email_enabled"`
	Enabled      bool            `json:"enabled"`
	CreatedAt    time.Time       `json:"created_at"`
}

func subscriptionResponse(sub database.Subscription) SubscriptionResponse {
	params := json.RawMessage(sub.Params)
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	return SubscriptionResponse{
		ID:           sub.ID,
		SourceType:   string(sub.SourceType),
		Params:       params,
		EmailEnabled: sub.EmailEnabled,
		Enabled:      sub.Enabled,
		CreatedAt:    sub.CreatedAt,
	}
}

type RuleRequest struct {
	SubscriptionID     int64   `json:"subscription_id"`
	KeywordFilter      string  `json:"keyword_filter"`
	DedupWindowMinutes int     `json:"dedup_window_minutes"`
	RateLimitPerHour   int     `json:"rate_limit_per_hour"`
	Priority           string  `json:"priority"`
	QuietHoursStart    *string `json:"quiet_hours_start"`
	QuietHoursEnd      *string `json:"quiet_hours_end"`
}

type RuleResponse struct {
	ID                 int64     `json:"id"`
	SubscriptionID     int64     `json:"subscription_id"`
	KeywordFilter      string    `json:"keyword_filter"`
	DedupWindowMinutes int       `json:"dedup_window_minutes"`
	RateLimitPerHour   int       `json:"rate_limit_per_hour"`
	Priority           string    `json:"priority"`
	QuietHoursStart    *string   `json:"quiet_hours_start,omitempty"`
	QuietHoursEnd      *string   `json:"quiet_hours_end,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

func ruleResponse(rule database.Rule) RuleResponse {
	return RuleResponse{
		ID:                 rule.ID,
		SubscriptionID:     rule.SubscriptionID,
		KeywordFilter:      rule.KeywordFilter,
		DedupWindowMinutes: rule.DedupWindowMinutes,
		RateLimitPerHour:   rule.RateLimitPerHour,
		Priority:           string(rule.Priority),
		QuietHoursStart:    rule.QuietHoursStart,
		QuietHoursEnd:      rule.QuietHoursEnd,
		CreatedAt:          rule.CreatedAt,
	}
}
