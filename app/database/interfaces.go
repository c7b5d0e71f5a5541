package database

import (
	"context"
	"time"
)

type UserRepository interface {
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id int64) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	GetUserCount(ctx context.Context) (int, error)
}

type SubscriptionRepository interface {
	CreateSubscription(ctx context.Context, sub *Subscription) error
	UpdateSubscription(ctx context.Context, sub *Subscription) error
	DeleteSubscription(ctx context.Context, id int64) error
	GetSubscription(ctx context.Context, id int64) (*Subscription, error)
	ListSubscriptions(ctx context.Context, userID int64) ([]Subscription, error)
	ListEnabledSubscriptions(ctx context.Context) ([]Subscription, error)
	GetSubscriptionCount(ctx context.Context) (int, error)
}

type RuleRepository interface {
	CreateRule(ctx context.Context, rule *Rule) error
	UpdateRule(ctx context.Context, rule *Rule) error
	DeleteRule(ctx context.Context, id int64) error
	DeleteRulesForSubscription(ctx context.Context, subscriptionID int64) error
	GetRule(ctx context.Context, id int64) (*Rule, error)
	ListRules(ctx context.Context, subscriptionID int64) ([]Rule, error)
}

type EventRepository interface {
	// InsertEvent stores an event unless its (subscription, external id)
	// pair was seen before. Returns false for duplicates.
	InsertEvent(ctx context.Context, event *Event) (bool, error)
	UpdateEventPriority(ctx context.Context, id string, priority Priority) error
	GetEvent(ctx context.Context, id string) (*Event, error)
	ListRecentExternalIDs(ctx context.Context, subscriptionID int64, limit int) ([]string, error)
	CountEvents(ctx context.Context) (int, error)
	CountEventsForSubscription(ctx context.Context, subscriptionID int64) (int, error)
}

type NotificationRepository interface {
	// CreateNotification inserts a notification unless one already exists
	// for the same (event, channel) pair. Returns false when skipped.
	CreateNotification(ctx context.Context, n *Notification) (bool, error)
	// UpdateNotificationStatus advances the lifecycle. Rows already in a
	// terminal status are left untouched.
	UpdateNotificationStatus(ctx context.Context, id int64, status Status, attempts int, lastError *string) error
	GetNotification(ctx context.Context, id int64) (*Notification, error)
	ListNotifications(ctx context.Context, filter NotificationFilter) ([]NotificationRow, error)
	CountSentNotifications(ctx context.Context) (int, error)
	CountCreatedSince(ctx context.Context, subscriptionID int64, channel Channel, since time.Time) (int, error)
	FingerprintSeenSince(ctx context.Context, subscriptionID int64, channel Channel, fingerprint string, since time.Time) (bool, error)
}
