package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/notifyhub/notifyhub/app/database"
	"github.com/notifyhub/notifyhub/app/dispatch"
	"github.com/notifyhub/notifyhub/app/engine"
)

// RulesProvider resolves the current rules of a subscription.
type RulesProvider interface {
	RulesFor(ctx context.Context, subscriptionID int64) ([]database.Rule, error)
}

var ErrStopped = errors.New("pipeline stopped")

// Pipeline is the intake stage between connectors and dispatch: a bounded
// queue drained by a worker pool. Each event is persisted exactly once,
// evaluated against its subscription's rules, and handed to the
// dispatcher when accepted. Events for the same subscription are gated
// under a per-subscription lock so dedup and rate-limit checks observe
// every previously accepted event.
type Pipeline struct {
	events        database.EventRepository
	subscriptions database.SubscriptionRepository
	users         database.UserRepository
	rules         RulesProvider
	engine        *engine.Engine
	dispatcher    *dispatch.Dispatcher

	queue       chan database.Event
	workerCount int

	lockMu   sync.Mutex
	subLocks map[int64]*sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(events database.EventRepository, subscriptions database.SubscriptionRepository, users database.UserRepository, rules RulesProvider, eng *engine.Engine, dispatcher *dispatch.Dispatcher, workerCount, queueSize int) *Pipeline {
	if workerCount < 1 {
		workerCount = 1
	}
	if queueSize < 1 {
		queueSize = workerCount * 4
	}
	return &Pipeline{
		events:        events,
		subscriptions: subscriptions,
		users:         users,
		rules:         rules,
		engine:        eng,
		dispatcher:    dispatcher,
		queue:         make(chan database.Event, queueSize),
		workerCount:   workerCount,
		subLocks:      make(map[int64]*sync.Mutex),
	}
}

func (p *Pipeline) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	slog.Info("Pipeline started", "workers", p.workerCount, "queue_size", cap(p.queue))
}

// Stop drains the workers and waits for in-flight deliveries.
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.dispatcher.Wait()
	slog.Info("Pipeline stopped")
}

// Enqueue hands an event to the worker pool, blocking while the queue is
// full until either context is canceled.
func (p *Pipeline) Enqueue(ctx context.Context, event database.Event) error {
	if p.ctx == nil {
		return ErrStopped
	}
	select {
	case p.queue <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrStopped
	}
}

func (p *Pipeline) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case event := <-p.queue:
			p.process(p.ctx, event)
		}
	}
}

func (p *Pipeline) process(ctx context.Context, event database.Event) {
	inserted, err := p.events.InsertEvent(ctx, &event)
	if err != nil {
		slog.Error("Failed to persist event",
			"subscription_id", event.SubscriptionID, "external_id", event.ExternalID, "error", err)
		return
	}
	if !inserted {
		slog.Debug("Duplicate event dropped",
			"subscription_id", event.SubscriptionID, "external_id", event.ExternalID)
		return
	}

	sub, err := p.subscriptions.GetSubscription(ctx, event.SubscriptionID)
	if err != nil {
		slog.Warn("Failed to load subscription for event", "subscription_id", event.SubscriptionID, "error", err)
		return
	}
	if sub == nil || !sub.Enabled {
		// Subscription deleted or disabled while the event was in flight.
		return
	}

	rules, err := p.rules.RulesFor(ctx, sub.ID)
	if err != nil {
		slog.Warn("Failed to load rules for event", "subscription_id", sub.ID, "error", err)
		return
	}

	user, err := p.users.GetUser(ctx, sub.UserID)
	if err != nil || user == nil {
		slog.Warn("Failed to load user for event", "user_id", sub.UserID, "error", err)
		return
	}

	// Evaluation and notification creation share a per-subscription lock so
	// two events for the same subscription cannot both pass a dedup or
	// rate-limit gate that only one of them should clear.
	lock := p.lockFor(sub.ID)
	lock.Lock()
	decision := p.engine.Evaluate(ctx, event, rules)
	if !decision.Accepted {
		lock.Unlock()
		slog.Debug("Event suppressed",
			"event_id", event.ID, "subscription_id", sub.ID, "rule_id", decision.RuleID, "reason", decision.Reason)
		return
	}

	if event.Priority != decision.Priority {
		event.Priority = decision.Priority
		if err := p.events.UpdateEventPriority(ctx, event.ID, decision.Priority); err != nil {
			slog.Warn("Failed to update event priority", "event_id", event.ID, "error", err)
		}
	}

	created, err := p.dispatcher.Create(ctx, *sub, *user, event, engine.Fingerprint(event.Title))
	lock.Unlock()
	if err != nil {
		slog.Error("Failed to create notifications", "event_id", event.ID, "error", err)
	}
	if len(created) == 0 {
		return
	}

	slog.Info("Event accepted",
		"event_id", event.ID, "subscription_id", sub.ID, "priority", event.Priority, "notifications", len(created))
	p.dispatcher.Deliver(ctx, created, event, *user)
}

func (p *Pipeline) lockFor(subscriptionID int64) *sync.Mutex {
	p.lockMu.Lock()
	defer p.lockMu.Unlock()
	lock, ok := p.subLocks[subscriptionID]
	if !ok {
		lock = &sync.Mutex{}
		p.subLocks[subscriptionID] = lock
	}
	return lock
}
