package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/notifyhub/notifyhub/app/database"
	"github.com/notifyhub/notifyhub/app/source"
)

type fakeSubRepo struct {
	database.SubscriptionRepository

	mu     sync.Mutex
	nextID int64
	subs   map[int64]database.Subscription
}

func newFakeSubRepo() *fakeSubRepo {
	return &fakeSubRepo{subs: make(map[int64]database.Subscription)}
}

func (f *fakeSubRepo) CreateSubscription(_ context.Context, sub *database.Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	sub.ID = f.nextID
	f.subs[sub.ID] = *sub
	return nil
}

func (f *fakeSubRepo) UpdateSubscription(_ context.Context, sub *database.Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[sub.ID] = *sub
	return nil
}

func (f *fakeSubRepo) DeleteSubscription(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, id)
	return nil
}

func (f *fakeSubRepo) GetSubscription(_ context.Context, id int64) (*database.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subs[id]
	if !ok {
		return nil, nil
	}
	return &sub, nil
}

func (f *fakeSubRepo) ListEnabledSubscriptions(_ context.Context) ([]database.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []database.Subscription
	for _, sub := range f.subs {
		if sub.Enabled {
			out = append(out, sub)
		}
	}
	return out, nil
}

type fakeRuleRepo struct {
	database.RuleRepository

	mu        sync.Mutex
	nextID    int64
	rules     map[int64]database.Rule
	listCalls int
}

func newFakeRuleRepo() *fakeRuleRepo {
	return &fakeRuleRepo{rules: make(map[int64]database.Rule)}
}

func (f *fakeRuleRepo) CreateRule(_ context.Context, rule *database.Rule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	rule.ID = f.nextID
	f.rules[rule.ID] = *rule
	return nil
}

func (f *fakeRuleRepo) UpdateRule(_ context.Context, rule *database.Rule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules[rule.ID] = *rule
	return nil
}

func (f *fakeRuleRepo) DeleteRule(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rules, id)
	return nil
}

func (f *fakeRuleRepo) DeleteRulesForSubscription(_ context.Context, subscriptionID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, rule := range f.rules {
		if rule.SubscriptionID == subscriptionID {
			delete(f.rules, id)
		}
	}
	return nil
}

func (f *fakeRuleRepo) GetRule(_ context.Context, id int64) (*database.Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rule, ok := f.rules[id]
	if !ok {
		return nil, nil
	}
	return &rule, nil
}

func (f *fakeRuleRepo) ListRules(_ context.Context, subscriptionID int64) ([]database.Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	var out []database.Rule
	for _, rule := range f.rules {
		if rule.SubscriptionID == subscriptionID {
			out = append(out, rule)
		}
	}
	return out, nil
}

type fakeConnector struct {
	typ database.SourceType

	mu     sync.Mutex
	polls  int
	resets []int64
}

func (f *fakeConnector) Type() database.SourceType { return f.typ }

func (f *fakeConnector) Poll(_ context.Context, sub database.Subscription) ([]database.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	return []database.Event{{
		ID:             fmt.Sprintf("evt-%d", f.polls),
		SubscriptionID: sub.ID,
		SourceType:     f.typ,
		ExternalID:     fmt.Sprintf("gen:%d:%d", sub.ID, f.polls),
		Title:          "generated",
		Priority:       database.PriorityMedium,
	}}, nil
}

func (f *fakeConnector) Reset(subscriptionID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets = append(f.resets, subscriptionID)
}

func (f *fakeConnector) resetCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.resets)
}

type chanSink struct {
	ch chan database.Event
}

func newChanSink() *chanSink {
	return &chanSink{ch: make(chan database.Event, 64)}
}

func (s *chanSink) Enqueue(_ context.Context, event database.Event) error {
	s.ch <- event
	return nil
}

func (s *chanSink) waitEvent(t *testing.T) database.Event {
	t.Helper()
	select {
	case event := <-s.ch:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for a polled event")
	}
	return database.Event{}
}

func newTestRegistry(t *testing.T) (*Registry, *fakeSubRepo, *fakeRuleRepo, *fakeConnector, *chanSink) {
	t.Helper()
	subs := newFakeSubRepo()
	rules := newFakeRuleRepo()
	connector := &fakeConnector{typ: database.SourceGen}
	sink := newChanSink()
	reg := New(subs, rules, []source.Connector{connector}, sink, time.Hour)
	return reg, subs, rules, connector, sink
}

func TestUpsertRejectsInvalidInput(t *testing.T) {
	reg, _, _, _, _ := newTestRegistry(t)

	err := reg.Upsert(context.Background(), &database.Subscription{
		UserID: 1, SourceType: "SMOKE", Params: "{}",
	})
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("Unknown source type: expected ErrInvalid, got %v", err)
	}

	err = reg.Upsert(context.Background(), &database.Subscription{
		UserID: 1, SourceType: database.SourceGitHub, Params: `{"repo":"broken"}`,
	})
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("Bad params: expected ErrInvalid, got %v", err)
	}
}

func TestUpsertStartsPollTask(t *testing.T) {
	reg, _, _, _, sink := newTestRegistry(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := reg.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer reg.Stop()

	sub := database.Subscription{UserID: 1, SourceType: database.SourceGen, Params: "{}", Enabled: true}
	if err := reg.Upsert(context.Background(), &sub); err != nil {
		t.Fatal(err)
	}
	if sub.ID == 0 {
		t.Fatal("Expected an id to be assigned")
	}

	// The first poll runs immediately, before the first tick.
	event := sink.waitEvent(t)
	if event.SubscriptionID != sub.ID {
		t.Errorf("Event for subscription %d, want %d", event.SubscriptionID, sub.ID)
	}
}

func TestUpsertDisabledStopsPolling(t *testing.T) {
	reg, _, _, connector, sink := newTestRegistry(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := reg.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer reg.Stop()

	sub := database.Subscription{UserID: 1, SourceType: database.SourceGen, Params: "{}", Enabled: true}
	if err := reg.Upsert(context.Background(), &sub); err != nil {
		t.Fatal(err)
	}
	sink.waitEvent(t)

	disabled := sub
	disabled.Enabled = false
	if err := reg.Upsert(context.Background(), &disabled); err != nil {
		t.Fatal(err)
	}

	connector.mu.Lock()
	pollsAfterStop := connector.polls
	connector.mu.Unlock()

	time.Sleep(50 * time.Millisecond)
	connector.mu.Lock()
	defer connector.mu.Unlock()
	if connector.polls != pollsAfterStop {
		t.Errorf("Expected no polls after disabling, got %d more", connector.polls-pollsAfterStop)
	}
}

func TestUpsertParamChangeResetsConnector(t *testing.T) {
	reg, _, _, connector, _ := newTestRegistry(t)

	sub := database.Subscription{UserID: 1, SourceType: database.SourceGen, Params: "{}", Enabled: false}
	if err := reg.Upsert(context.Background(), &sub); err != nil {
		t.Fatal(err)
	}

	changed := sub
	changed.Params = `{"interval_seconds":120}`
	if err := reg.Upsert(context.Background(), &changed); err != nil {
		t.Fatal(err)
	}
	if connector.resetCount() != 1 {
		t.Errorf("Expected 1 reset after a param change, got %d", connector.resetCount())
	}

	// Same params again: no reset.
	if err := reg.Upsert(context.Background(), &changed); err != nil {
		t.Fatal(err)
	}
	if connector.resetCount() != 1 {
		t.Errorf("Expected no reset without a param change, got %d", connector.resetCount())
	}
}

func TestUpsertUnknownSubscription(t *testing.T) {
	reg, _, _, _, _ := newTestRegistry(t)

	err := reg.Upsert(context.Background(), &database.Subscription{
		ID: 99, UserID: 1, SourceType: database.SourceGen, Params: "{}",
	})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestDeleteStopsTaskAndRemovesSubscription(t *testing.T) {
	reg, subs, _, connector, sink := newTestRegistry(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := reg.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer reg.Stop()

	sub := database.Subscription{UserID: 1, SourceType: database.SourceGen, Params: "{}", Enabled: true}
	if err := reg.Upsert(context.Background(), &sub); err != nil {
		t.Fatal(err)
	}
	sink.waitEvent(t)

	if err := reg.Delete(context.Background(), 1, sub.ID); err != nil {
		t.Fatal(err)
	}

	if got, _ := subs.GetSubscription(context.Background(), sub.ID); got != nil {
		t.Error("Expected the subscription to be deleted")
	}
	if connector.resetCount() != 1 {
		t.Errorf("Expected connector state to be reset on delete, got %d resets", connector.resetCount())
	}

	// Deleting someone else's subscription is not found.
	other := database.Subscription{UserID: 2, SourceType: database.SourceGen, Params: "{}"}
	if err := reg.Upsert(context.Background(), &other); err != nil {
		t.Fatal(err)
	}
	if err := reg.Delete(context.Background(), 1, other.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for foreign subscription, got %v", err)
	}
}

func TestRuleValidation(t *testing.T) {
	reg, _, _, _, _ := newTestRegistry(t)

	sub := database.Subscription{UserID: 1, SourceType: database.SourceGen, Params: "{}"}
	if err := reg.Upsert(context.Background(), &sub); err != nil {
		t.Fatal(err)
	}

	start := "22:00"
	badTime := "25:99"

	tests := []struct {
		name string
		rule database.Rule
		want error
	}{
		{"negative dedup", database.Rule{SubscriptionID: sub.ID, DedupWindowMinutes: -1, Priority: database.PriorityMedium}, ErrInvalid},
		{"negative rate", database.Rule{SubscriptionID: sub.ID, RateLimitPerHour: -1, Priority: database.PriorityMedium}, ErrInvalid},
		{"bad priority", database.Rule{SubscriptionID: sub.ID, Priority: "URGENT"}, ErrInvalid},
		{"one-sided quiet hours", database.Rule{SubscriptionID: sub.ID, Priority: database.PriorityMedium, QuietHoursStart: &start}, ErrInvalid},
		{"unparseable quiet hours", database.Rule{SubscriptionID: sub.ID, Priority: database.PriorityMedium, QuietHoursStart: &badTime, QuietHoursEnd: &start}, ErrInvalid},
		{"unknown subscription", database.Rule{SubscriptionID: 999, Priority: database.PriorityMedium}, ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := tt.rule
			if err := reg.CreateRule(context.Background(), 1, &rule); !errors.Is(err, tt.want) {
				t.Errorf("CreateRule error = %v, want %v", err, tt.want)
			}
		})
	}

	valid := database.Rule{SubscriptionID: sub.ID, KeywordFilter: "alert", Priority: database.PriorityHigh}
	if err := reg.CreateRule(context.Background(), 1, &valid); err != nil {
		t.Errorf("Valid rule rejected: %v", err)
	}
}

func TestRulesForCachesUntilMutation(t *testing.T) {
	reg, _, rules, _, _ := newTestRegistry(t)

	sub := database.Subscription{UserID: 1, SourceType: database.SourceGen, Params: "{}"}
	if err := reg.Upsert(context.Background(), &sub); err != nil {
		t.Fatal(err)
	}

	rule := database.Rule{SubscriptionID: sub.ID, KeywordFilter: "alert", Priority: database.PriorityHigh}
	if err := reg.CreateRule(context.Background(), 1, &rule); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		got, err := reg.RulesFor(context.Background(), sub.ID)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 1 {
			t.Fatalf("Expected 1 rule, got %d", len(got))
		}
	}
	rules.mu.Lock()
	calls := rules.listCalls
	rules.mu.Unlock()
	if calls != 1 {
		t.Errorf("Expected a single repository read for cached rules, got %d", calls)
	}

	rule.KeywordFilter = "warning"
	if err := reg.UpdateRule(context.Background(), 1, &rule); err != nil {
		t.Fatal(err)
	}
	got, err := reg.RulesFor(context.Background(), sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].KeywordFilter != "warning" {
		t.Errorf("Expected the cache to refresh after mutation, got %+v", got)
	}
}
