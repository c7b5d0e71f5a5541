package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/notifyhub/notifyhub/app/database"
)

type fakeNotificationRepo struct {
	database.NotificationRepository

	seen     bool
	seenErr  error
	count    int
	countErr error

	lastFingerprint string
	lastSeenSince   time.Time
	lastCountSince  time.Time
}

func (f *fakeNotificationRepo) FingerprintSeenSince(_ context.Context, _ int64, _ database.Channel, fingerprint string, since time.Time) (bool, error) {
	f.lastFingerprint = fingerprint
	f.lastSeenSince = since
	return f.seen, f.seenErr
}

func (f *fakeNotificationRepo) CountCreatedSince(_ context.Context, _ int64, _ database.Channel, since time.Time) (int, error) {
	f.lastCountSince = since
	return f.count, f.countErr
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func strPtr(s string) *string { return &s }

func testEvent(title string) database.Event {
	return database.Event{
		ID:             "evt-1",
		SubscriptionID: 1,
		SourceType:     database.SourceGen,
		ExternalID:     "gen:1:1",
		Title:          title,
		Payload:        `{"generated":true}`,
		Priority:       database.PriorityMedium,
	}
}

func TestEvaluateNoRulesAccepts(t *testing.T) {
	eng := New(&fakeNotificationRepo{})

	decision := eng.Evaluate(context.Background(), testEvent("anything"), nil)

	if !decision.Accepted {
		t.Fatal("Expected event to be accepted with no rules")
	}
	if decision.Priority != database.PriorityMedium {
		t.Errorf("Expected MEDIUM priority, got %s", decision.Priority)
	}
}

func TestKeywordMatching(t *testing.T) {
	tests := []struct {
		name    string
		filter  string
		title   string
		payload string
		want    bool
	}{
		{"empty filter matches all", "", "whatever", "", true},
		{"title match", "alert,warning", "System Alert raised", "", true},
		{"case insensitive", "ALERT", "system alert", "", true},
		{"payload match", "deploy", "release", `{"msg":"deploy done"}`, true},
		{"no match", "alert,warning", "all quiet", `{"msg":"fine"}`, false},
		{"whitespace around keywords", " alert , warning ", "warning issued", "", true},
		{"only commas matches all", ",,", "anything", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event := testEvent(tt.title)
			event.Payload = tt.payload
			got := matchesKeywords(event, tt.filter)
			if got != tt.want {
				t.Errorf("matchesKeywords(%q) = %v, want %v", tt.filter, got, tt.want)
			}
		})
	}
}

func TestFirstMatchingRuleWins(t *testing.T) {
	eng := New(&fakeNotificationRepo{})

	rules := []database.Rule{
		{ID: 1, KeywordFilter: "nomatch", Priority: database.PriorityLow},
		{ID: 2, KeywordFilter: "alert", Priority: database.PriorityHigh},
		{ID: 3, KeywordFilter: "", Priority: database.PriorityLow},
	}

	decision := eng.Evaluate(context.Background(), testEvent("alert fired"), rules)

	if !decision.Accepted {
		t.Fatal("Expected event to be accepted")
	}
	if decision.RuleID != 2 {
		t.Errorf("Expected rule 2 to win, got rule %d", decision.RuleID)
	}
	if decision.Priority != database.PriorityHigh {
		t.Errorf("Expected HIGH priority from matching rule, got %s", decision.Priority)
	}
}

func TestNoMatchingRuleSuppresses(t *testing.T) {
	eng := New(&fakeNotificationRepo{})

	rules := []database.Rule{
		{ID: 1, KeywordFilter: "alert", Priority: database.PriorityHigh},
	}

	decision := eng.Evaluate(context.Background(), testEvent("all quiet"), rules)

	if decision.Accepted {
		t.Fatal("Expected event to be suppressed")
	}
	if decision.Reason != "no matching rule" {
		t.Errorf("Unexpected suppression reason: %s", decision.Reason)
	}
}

func TestQuietHours(t *testing.T) {
	tests := []struct {
		name       string
		start, end string
		clock      string
		suppressed bool
	}{
		{"inside wrapping window late", "22:00", "06:00", "2026-03-10T23:30:00Z", true},
		{"inside wrapping window early", "22:00", "06:00", "2026-03-10T03:00:00Z", true},
		{"outside wrapping window", "22:00", "06:00", "2026-03-10T12:00:00Z", false},
		{"start boundary inclusive", "22:00", "06:00", "2026-03-10T22:00:00Z", true},
		{"end boundary exclusive", "22:00", "06:00", "2026-03-10T06:00:00Z", false},
		{"plain window inside", "09:00", "17:00", "2026-03-10T12:00:00Z", true},
		{"plain window outside", "09:00", "17:00", "2026-03-10T18:00:00Z", false},
		{"equal start and end disabled", "09:00", "09:00", "2026-03-10T09:00:00Z", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now, err := time.Parse(time.RFC3339, tt.clock)
			if err != nil {
				t.Fatal(err)
			}
			eng := NewWithClock(&fakeNotificationRepo{}, fixedClock(now))

			rules := []database.Rule{{
				ID:              1,
				Priority:        database.PriorityMedium,
				QuietHoursStart: strPtr(tt.start),
				QuietHoursEnd:   strPtr(tt.end),
			}}

			decision := eng.Evaluate(context.Background(), testEvent("event"), rules)
			if decision.Accepted == tt.suppressed {
				t.Errorf("accepted=%v, want suppressed=%v", decision.Accepted, tt.suppressed)
			}
			if tt.suppressed && decision.Reason != "quiet hours" {
				t.Errorf("Unexpected suppression reason: %s", decision.Reason)
			}
		})
	}
}

func TestDedupWindow(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	repo := &fakeNotificationRepo{seen: true}
	eng := NewWithClock(repo, fixedClock(now))

	rules := []database.Rule{{ID: 1, DedupWindowMinutes: 40, Priority: database.PriorityMedium}}

	decision := eng.Evaluate(context.Background(), testEvent("Build  FAILED"), rules)

	if decision.Accepted {
		t.Fatal("Expected suppression inside dedup window")
	}
	if decision.Reason != "dedup window" {
		t.Errorf("Unexpected suppression reason: %s", decision.Reason)
	}
	if want := now.Add(-40 * time.Minute); !repo.lastSeenSince.Equal(want) {
		t.Errorf("Dedup window start = %v, want %v", repo.lastSeenSince, want)
	}
	if repo.lastFingerprint != "build failed" {
		t.Errorf("Fingerprint = %q, want normalized title", repo.lastFingerprint)
	}

	repo.seen = false
	decision = eng.Evaluate(context.Background(), testEvent("Build FAILED"), rules)
	if !decision.Accepted {
		t.Fatal("Expected acceptance once fingerprint is unseen")
	}
}

func TestRateLimit(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	repo := &fakeNotificationRepo{count: 3}
	eng := NewWithClock(repo, fixedClock(now))

	rules := []database.Rule{{ID: 1, RateLimitPerHour: 3, Priority: database.PriorityMedium}}

	decision := eng.Evaluate(context.Background(), testEvent("event"), rules)

	if decision.Accepted {
		t.Fatal("Expected suppression at the rate limit")
	}
	if decision.Reason != "rate limit" {
		t.Errorf("Unexpected suppression reason: %s", decision.Reason)
	}
	if want := now.Add(-time.Hour); !repo.lastCountSince.Equal(want) {
		t.Errorf("Rate window start = %v, want %v", repo.lastCountSince, want)
	}

	repo.count = 2
	decision = eng.Evaluate(context.Background(), testEvent("event"), rules)
	if !decision.Accepted {
		t.Fatal("Expected acceptance under the rate limit")
	}
}

func TestGateErrorTreatsRuleAsNonMatching(t *testing.T) {
	repo := &fakeNotificationRepo{seenErr: errors.New("db down")}
	eng := New(repo)

	rules := []database.Rule{
		{ID: 1, DedupWindowMinutes: 10, Priority: database.PriorityHigh},
		{ID: 2, Priority: database.PriorityLow},
	}

	decision := eng.Evaluate(context.Background(), testEvent("event"), rules)

	if !decision.Accepted {
		t.Fatal("Expected the next rule to accept after a gate error")
	}
	if decision.RuleID != 2 {
		t.Errorf("Expected rule 2 to win, got rule %d", decision.RuleID)
	}
}

func TestMalformedQuietHoursTreatsRuleAsNonMatching(t *testing.T) {
	eng := New(&fakeNotificationRepo{})

	rules := []database.Rule{
		{ID: 1, Priority: database.PriorityHigh, QuietHoursStart: strPtr("25:99"), QuietHoursEnd: strPtr("06:00")},
		{ID: 2, Priority: database.PriorityLow},
	}

	decision := eng.Evaluate(context.Background(), testEvent("event"), rules)

	if !decision.Accepted || decision.RuleID != 2 {
		t.Errorf("Expected rule 2 to accept, got accepted=%v rule=%d", decision.Accepted, decision.RuleID)
	}
}

func TestFingerprint(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Hello World", "hello world"},
		{"  Hello   WORLD  ", "hello world"},
		{"MiXeD\tCase\nTitle", "mixed case title"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Fingerprint(tt.in); got != tt.want {
			t.Errorf("Fingerprint(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
