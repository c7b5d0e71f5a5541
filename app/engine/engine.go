package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/text/cases"

	"github.com/notifyhub/notifyhub/app/database"
)

// Gate failures count against the LIVE channel because every accepted
// event creates a LIVE notification, making it the complete record of what
// was let through for a subscription.
const gateChannel = database.ChannelLive

// Decision is the outcome of evaluating an event against its
// subscription's rules.
type Decision struct {
	Accepted bool
	Priority database.Priority
	RuleID   int64  // matching rule, 0 when no rules exist
	Reason   string // suppression reason, empty when accepted
}

// Engine decides whether an incoming event becomes a notification.
//
// Rules are evaluated in creation order and the first rule whose keyword
// filter matches wins. The winning rule's gates (quiet hours, dedup
// window, rate limit) may still suppress the event. A rule that fails to
// evaluate is logged and treated as not matching; a bad rule never blocks
// other rules or subscriptions.
type Engine struct {
	notifications database.NotificationRepository
	now           func() time.Time
}

func New(notifications database.NotificationRepository) *Engine {
	return &Engine{
		notifications: notifications,
		now:           time.Now,
	}
}

// NewWithClock creates an engine with a fixed clock source for tests.
func NewWithClock(notifications database.NotificationRepository, now func() time.Time) *Engine {
	return &Engine{notifications: notifications, now: now}
}

func (e *Engine) Evaluate(ctx context.Context, event database.Event, rules []database.Rule) Decision {
	if len(rules) == 0 {
		return Decision{Accepted: true, Priority: database.PriorityMedium}
	}

	now := e.now()

	for _, rule := range rules {
		if !matchesKeywords(event, rule.KeywordFilter) {
			continue
		}

		if suppressed, reason, err := e.applyGates(ctx, event, rule, now); err != nil {
			slog.Warn("Rule evaluation failed, treating as non-matching",
				"rule_id", rule.ID, "subscription_id", event.SubscriptionID, "error", err)
			continue
		} else if suppressed {
			return Decision{RuleID: rule.ID, Reason: reason}
		}

		priority := rule.Priority
		if !priority.Valid() {
			priority = database.PriorityMedium
		}
		return Decision{Accepted: true, Priority: priority, RuleID: rule.ID}
	}

	return Decision{Reason: "no matching rule"}
}

// applyGates runs the matching rule's throttling gates in order: quiet
// hours, dedup window, rate limit. The first gate that trips suppresses
// the event.
func (e *Engine) applyGates(ctx context.Context, event database.Event, rule database.Rule, now time.Time) (bool, string, error) {
	inQuiet, err := withinQuietHours(rule, now)
	if err != nil {
		return false, "", err
	}
	if inQuiet {
		return true, "quiet hours", nil
	}

	if rule.DedupWindowMinutes > 0 {
		since := now.Add(-time.Duration(rule.DedupWindowMinutes) * time.Minute)
		seen, err := e.notifications.FingerprintSeenSince(ctx, event.SubscriptionID, gateChannel, Fingerprint(event.Title), since)
		if err != nil {
			return false, "", fmt.Errorf("dedup lookup: %w", err)
		}
		if seen {
			return true, "dedup window", nil
		}
	}

	if rule.RateLimitPerHour > 0 {
		count, err := e.notifications.CountCreatedSince(ctx, event.SubscriptionID, gateChannel, now.Add(-time.Hour))
		if err != nil {
			return false, "", fmt.Errorf("rate limit lookup: %w", err)
		}
		if count >= rule.RateLimitPerHour {
			return true, "rate limit", nil
		}
	}

	return false, "", nil
}

// matchesKeywords reports whether the event matches a rule's keyword
// filter: empty filter matches everything, otherwise at least one keyword
// must appear as a case-insensitive substring of the title or payload.
func matchesKeywords(event database.Event, keywordFilter string) bool {
	if strings.TrimSpace(keywordFilter) == "" {
		return true
	}

	content := strings.ToLower(event.Title + " " + event.Payload)
	for _, keyword := range strings.Split(keywordFilter, ",") {
		keyword = strings.ToLower(strings.TrimSpace(keyword))
		if keyword == "" {
			continue
		}
		if strings.Contains(content, keyword) {
			return true
		}
	}
	return false
}

// withinQuietHours reports whether now falls inside the rule's quiet-hours
// interval [start, end), wrapping past midnight when end < start.
func withinQuietHours(rule database.Rule, now time.Time) (bool, error) {
	if rule.QuietHoursStart == nil || rule.QuietHoursEnd == nil {
		return false, nil
	}

	start, err := parseTimeOfDay(*rule.QuietHoursStart)
	if err != nil {
		return false, fmt.Errorf("quiet hours start: %w", err)
	}
	end, err := parseTimeOfDay(*rule.QuietHoursEnd)
	if err != nil {
		return false, fmt.Errorf("quiet hours end: %w", err)
	}

	minute := now.Hour()*60 + now.Minute()
	if start == end {
		return false, nil
	}
	if start < end {
		return minute >= start && minute < end, nil
	}
	return minute >= start || minute < end, nil
}

// parseTimeOfDay parses "HH:MM" into minutes since midnight.
func parseTimeOfDay(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Fingerprint normalizes an event title for dedup-window comparison:
// whitespace collapsed and Unicode case folded.
func Fingerprint(title string) string {
	collapsed := strings.Join(strings.Fields(title), " ")
	return cases.Fold().String(collapsed)
}
