package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/notifyhub/notifyhub/app/database"
)

const maxRetryDelay = 30 * time.Second

// Dispatcher turns accepted events into per-channel notifications and
// drives their delivery lifecycle: CREATED, QUEUED, then SENT or FAILED.
// Status moves forward only; the store rejects updates to terminal rows.
type Dispatcher struct {
	notifications database.NotificationRepository
	publish       func(view NotificationUpdate)
	providers     map[database.Channel]Provider
	maxAttempts   int
	baseDelay     time.Duration

	wg sync.WaitGroup
}

// NotificationUpdate is a notification status change paired with its
// originating event, published on every transition.
type NotificationUpdate struct {
	Notification database.Notification
	Event        database.Event
}

func NewDispatcher(notifications database.NotificationRepository, publish func(NotificationUpdate), providers []Provider, maxAttempts int, baseDelay time.Duration) *Dispatcher {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if baseDelay <= 0 {
		baseDelay = 2 * time.Second
	}
	byChannel := make(map[database.Channel]Provider, len(providers))
	for _, p := range providers {
		byChannel[p.Channel()] = p
	}
	return &Dispatcher{
		notifications: notifications,
		publish:       publish,
		providers:     byChannel,
		maxAttempts:   maxAttempts,
		baseDelay:     baseDelay,
	}
}

// Create persists one notification per target channel for an accepted
// event and moves each straight to QUEUED. LIVE is always targeted; EMAIL
// only when the subscription opted in and the user has an address;
// TELEGRAM only when the user has a chat id. The unique (event, channel)
// constraint makes replays no-ops.
func (d *Dispatcher) Create(ctx context.Context, sub database.Subscription, user database.User, event database.Event, fingerprint string) ([]database.Notification, error) {
	channels := []database.Channel{database.ChannelLive}
	if sub.EmailEnabled && user.Email != "" {
		channels = append(channels, database.ChannelEmail)
	}
	if user.TelegramChatID != "" {
		channels = append(channels, database.ChannelTelegram)
	}

	now := time.Now().UTC()
	var created []database.Notification
	for _, channel := range channels {
		n := database.Notification{
			UserID:         sub.UserID,
			SubscriptionID: sub.ID,
			EventID:        event.ID,
			Channel:        channel,
			Status:         database.StatusCreated,
			Fingerprint:    fingerprint,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		inserted, err := d.notifications.CreateNotification(ctx, &n)
		if err != nil {
			return created, fmt.Errorf("create %s notification: %w", channel, err)
		}
		if !inserted {
			slog.Debug("Notification already exists for event and channel",
				"event_id", event.ID, "channel", channel)
			continue
		}
		d.publish(NotificationUpdate{Notification: n, Event: event})

		if err := d.notifications.UpdateNotificationStatus(ctx, n.ID, database.StatusQueued, n.Attempts, nil); err != nil {
			return created, fmt.Errorf("queue notification %d: %w", n.ID, err)
		}
		n.Status = database.StatusQueued
		n.UpdatedAt = time.Now().UTC()
		d.publish(NotificationUpdate{Notification: n, Event: event})

		created = append(created, n)
	}
	return created, nil
}

// Deliver starts asynchronous delivery of queued notifications. Each
// notification retries with capped exponential backoff up to the attempt
// budget; a fatal provider error fails it immediately.
func (d *Dispatcher) Deliver(ctx context.Context, notifications []database.Notification, event database.Event, user database.User) {
	for _, n := range notifications {
		d.wg.Add(1)
		go func(n database.Notification) {
			defer d.wg.Done()
			d.deliver(ctx, n, event, user)
		}(n)
	}
}

// Wait blocks until all in-flight deliveries have finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, n database.Notification, event database.Event, user database.User) {
	if n.Status.Terminal() {
		slog.Debug("Notification already terminal, skipping delivery",
			"notification_id", n.ID, "status", n.Status)
		return
	}

	provider := d.providers[n.Channel]
	if provider == nil {
		d.finish(ctx, n, event, database.StatusFailed, n.Attempts,
			fmt.Errorf("no provider for channel %s", n.Channel))
		return
	}

	backoff := retry.WithCappedDuration(maxRetryDelay, retry.NewExponential(d.baseDelay))
	backoff = retry.WithMaxRetries(uint64(d.maxAttempts-1), backoff)

	attempts := n.Attempts
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		deliverErr := provider.Deliver(ctx, n, event, user)
		if deliverErr == nil {
			return nil
		}

		msg := deliverErr.Error()
		if err := d.notifications.UpdateNotificationStatus(ctx, n.ID, database.StatusQueued, attempts, &msg); err != nil {
			slog.Warn("Failed to record delivery attempt", "notification_id", n.ID, "error", err)
		}
		n.Attempts = attempts
		n.LastError = &msg
		n.UpdatedAt = time.Now().UTC()
		d.publish(NotificationUpdate{Notification: n, Event: event})

		if IsFatal(deliverErr) {
			return deliverErr
		}
		return retry.RetryableError(deliverErr)
	})

	if err != nil {
		if ctx.Err() != nil && !IsFatal(err) {
			// Shutdown mid-delivery: the notification stays QUEUED rather
			// than being falsely failed.
			slog.Debug("Delivery interrupted by shutdown", "notification_id", n.ID)
			return
		}
		d.finish(ctx, n, event, database.StatusFailed, attempts, err)
		return
	}
	d.finish(ctx, n, event, database.StatusSent, attempts, nil)
}

func (d *Dispatcher) finish(ctx context.Context, n database.Notification, event database.Event, status database.Status, attempts int, deliverErr error) {
	// Status only moves forward; the store enforces the same rule.
	if status.Rank() <= n.Status.Rank() && status != n.Status {
		slog.Warn("Refusing backward status transition",
			"notification_id", n.ID, "from", n.Status, "to", status)
		return
	}

	var lastError *string
	if deliverErr != nil {
		msg := deliverErr.Error()
		lastError = &msg
	}

	if err := d.notifications.UpdateNotificationStatus(ctx, n.ID, status, attempts, lastError); err != nil {
		slog.Error("Failed to finalize notification status",
			"notification_id", n.ID, "status", status, "error", err)
		return
	}

	n.Status = status
	n.Attempts = attempts
	n.LastError = lastError
	n.UpdatedAt = time.Now().UTC()
	d.publish(NotificationUpdate{Notification: n, Event: event})

	if status == database.StatusFailed {
		slog.Warn("Notification delivery failed",
			"notification_id", n.ID, "channel", n.Channel, "attempts", attempts, "error", deliverErr)
	} else {
		slog.Debug("Notification delivered",
			"notification_id", n.ID, "channel", n.Channel, "attempts", attempts)
	}
}
