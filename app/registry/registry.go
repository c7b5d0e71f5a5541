package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/notifyhub/notifyhub/app/database"
	"github.com/notifyhub/notifyhub/app/source"
)

var (
	ErrNotFound = errors.New("not found")
	ErrInvalid  = errors.New("invalid")
)

// EventSink receives the events produced by poll tasks.
type EventSink interface {
	Enqueue(ctx context.Context, event database.Event) error
}

type pollTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Registry is the control plane for subscriptions: it validates and
// persists subscription and rule mutations, and keeps exactly one running
// poll task per enabled subscription. Mutations take effect on the
// polling schedule without a restart.
type Registry struct {
	subscriptions database.SubscriptionRepository
	rules         database.RuleRepository
	connectors    map[database.SourceType]source.Connector
	sink          EventSink
	pollInterval  time.Duration

	mu    sync.Mutex
	tasks map[int64]*pollTask
	ctx   context.Context

	rulesMu    sync.RWMutex
	rulesCache map[int64][]database.Rule
}

func New(subscriptions database.SubscriptionRepository, rules database.RuleRepository, connectors []source.Connector, sink EventSink, pollInterval time.Duration) *Registry {
	if pollInterval <= 0 {
		pollInterval = time.Minute
	}
	byType := make(map[database.SourceType]source.Connector, len(connectors))
	for _, c := range connectors {
		byType[c.Type()] = c
	}
	return &Registry{
		subscriptions: subscriptions,
		rules:         rules,
		connectors:    byType,
		sink:          sink,
		pollInterval:  pollInterval,
		tasks:         make(map[int64]*pollTask),
		rulesCache:    make(map[int64][]database.Rule),
	}
}

// SetSink wires the event sink after construction. The registry and the
// pipeline reference each other, so the sink cannot be a constructor
// argument on both sides; it must be set before Start.
func (r *Registry) SetSink(sink EventSink) {
	r.sink = sink
}

// Start boots a poll task for every enabled subscription.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	r.ctx = ctx
	r.mu.Unlock()

	subs, err := r.subscriptions.ListEnabledSubscriptions(ctx)
	if err != nil {
		return fmt.Errorf("list enabled subscriptions: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sub := range subs {
		r.startTaskLocked(sub)
	}
	slog.Info("Registry started", "subscriptions", len(subs))
	return nil
}

// Stop cancels all poll tasks and waits for them to finish.
func (r *Registry) Stop() {
	r.mu.Lock()
	tasks := make([]*pollTask, 0, len(r.tasks))
	for id, task := range r.tasks {
		task.cancel()
		tasks = append(tasks, task)
		delete(r.tasks, id)
	}
	r.mu.Unlock()

	for _, task := range tasks {
		<-task.done
	}
	slog.Info("Registry stopped")
}

// Upsert validates and persists a subscription, then reconciles its poll
// task: stopped when disabled, started when enabled, restarted when the
// parameters changed.
func (r *Registry) Upsert(ctx context.Context, sub *database.Subscription) error {
	if _, ok := r.connectors[sub.SourceType]; !ok {
		return fmt.Errorf("%w: unknown source type %q", ErrInvalid, sub.SourceType)
	}
	if _, err := source.ParseParams(sub.SourceType, sub.Params); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	var previous *database.Subscription
	if sub.ID == 0 {
		sub.CreatedAt = time.Now().UTC()
		if err := r.subscriptions.CreateSubscription(ctx, sub); err != nil {
			return fmt.Errorf("create subscription: %w", err)
		}
	} else {
		existing, err := r.subscriptions.GetSubscription(ctx, sub.ID)
		if err != nil {
			return fmt.Errorf("load subscription: %w", err)
		}
		if existing == nil || existing.UserID != sub.UserID {
			return ErrNotFound
		}
		previous = existing
		sub.CreatedAt = existing.CreatedAt
		if err := r.subscriptions.UpdateSubscription(ctx, sub); err != nil {
			return fmt.Errorf("update subscription: %w", err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.stopTaskLocked(sub.ID)
	if previous != nil && (previous.SourceType != sub.SourceType || previous.Params != sub.Params) {
		if connector, ok := r.connectors[previous.SourceType]; ok {
			connector.Reset(sub.ID)
		}
	}
	if sub.Enabled {
		r.startTaskLocked(*sub)
	}
	return nil
}

// Delete stops a subscription's poll task and removes it together with
// its rules.
func (r *Registry) Delete(ctx context.Context, userID, subscriptionID int64) error {
	sub, err := r.subscriptions.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return fmt.Errorf("load subscription: %w", err)
	}
	if sub == nil || sub.UserID != userID {
		return ErrNotFound
	}

	r.mu.Lock()
	r.stopTaskLocked(subscriptionID)
	if connector, ok := r.connectors[sub.SourceType]; ok {
		connector.Reset(subscriptionID)
	}
	r.mu.Unlock()

	if err := r.rules.DeleteRulesForSubscription(ctx, subscriptionID); err != nil {
		return fmt.Errorf("delete rules: %w", err)
	}
	if err := r.subscriptions.DeleteSubscription(ctx, subscriptionID); err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	r.invalidateRules(subscriptionID)
	return nil
}

// stopTaskLocked cancels the subscription's poll task and waits for it to
// drain. Caller holds r.mu; the task never takes r.mu, so waiting under
// the lock cannot deadlock.
func (r *Registry) stopTaskLocked(subscriptionID int64) {
	task, ok := r.tasks[subscriptionID]
	if !ok {
		return
	}
	task.cancel()
	<-task.done
	delete(r.tasks, subscriptionID)
}

func (r *Registry) startTaskLocked(sub database.Subscription) {
	if r.ctx == nil {
		return
	}
	if _, exists := r.tasks[sub.ID]; exists {
		return
	}

	interval := r.pollInterval
	if params, err := source.ParseParams(sub.SourceType, sub.Params); err == nil && params.IntervalSeconds > 0 {
		interval = time.Duration(params.IntervalSeconds) * time.Second
	}

	taskCtx, cancel := context.WithCancel(r.ctx)
	task := &pollTask{cancel: cancel, done: make(chan struct{})}
	r.tasks[sub.ID] = task

	go r.runTask(taskCtx, sub, interval, task.done)
	slog.Info("Poll task started", "subscription_id", sub.ID, "source_type", sub.SourceType, "interval", interval)
}

func (r *Registry) runTask(ctx context.Context, sub database.Subscription, interval time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.pollOnce(ctx, sub)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.pollOnce(ctx, sub)
		}
	}
}

func (r *Registry) pollOnce(ctx context.Context, sub database.Subscription) {
	connector := r.connectors[sub.SourceType]
	events, err := connector.Poll(ctx, sub)
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("Poll failed", "subscription_id", sub.ID, "source_type", sub.SourceType, "error", err)
		}
		return
	}
	for _, event := range events {
		if err := r.sink.Enqueue(ctx, event); err != nil {
			slog.Warn("Failed to enqueue event", "subscription_id", sub.ID, "error", err)
			return
		}
	}
	if len(events) > 0 {
		slog.Debug("Poll produced events", "subscription_id", sub.ID, "count", len(events))
	}
}
