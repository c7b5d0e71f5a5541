package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/notifyhub/notifyhub/app/database"
)

// Connector polls one external or synthetic source on behalf of a
// subscription and returns the new events discovered since the last poll.
// Implementations deduplicate against already-seen upstream identifiers, so
// replaying the same feed never yields the same event twice.
type Connector interface {
	Type() database.SourceType

	// Poll fetches or generates events for the subscription. A transient
	// fetch failure returns an error; the caller logs it and waits for the
	// next scheduled tick.
	Poll(ctx context.Context, sub database.Subscription) ([]database.Event, error)

	// Reset drops the in-memory watermark/seen state for a subscription.
	// Called when a subscription's parameters change and the poll task is
	// restarted with a fresh watermark.
	Reset(subscriptionID int64)
}

// History restores per-subscription dedup state from the event store after
// a restart.
type History interface {
	ListRecentExternalIDs(ctx context.Context, subscriptionID int64, limit int) ([]string, error)
	CountEventsForSubscription(ctx context.Context, subscriptionID int64) (int, error)
}

// Params is the typed variant behind a subscription's params JSON. Which
// fields are required depends on the source type.
type Params struct {
	Repo            string `json:"repo,omitempty"`             // GITHUB: "owner/repo"
	URL             string `json:"url,omitempty"`              // RSS: feed URL
	IntervalSeconds int    `json:"interval_seconds,omitempty"` // optional per-subscription poll cadence
}

// ParseParams decodes and validates subscription params for a source type.
// The registry rejects invalid params at mutation time so they never reach
// a running poll task.
func ParseParams(sourceType database.SourceType, raw string) (Params, error) {
	var p Params
	if strings.TrimSpace(raw) == "" {
		raw = "{}"
	}
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return p, fmt.Errorf("parse params: %w", err)
	}
	if p.IntervalSeconds < 0 {
		return p, fmt.Errorf("interval_seconds must not be negative")
	}

	switch sourceType {
	case database.SourceGitHub:
		parts := strings.Split(p.Repo, "/")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return p, fmt.Errorf("github params require repo in \"owner/repo\" form")
		}
	case database.SourceRSS:
		u, err := url.Parse(p.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return p, fmt.Errorf("rss params require a valid http(s) url")
		}
	case database.SourceGen:
		// No required fields.
	default:
		return p, fmt.Errorf("unsupported source type: %s", sourceType)
	}
	return p, nil
}

func newEvent(sub database.Subscription, externalID, title, payload string) database.Event {
	return database.Event{
		ID:             uuid.NewString(),
		SubscriptionID: sub.ID,
		SourceType:     sub.SourceType,
		ExternalID:     externalID,
		Title:          title,
		Payload:        payload,
		Priority:       database.PriorityMedium,
		CreatedAt:      time.Now().UTC(),
	}
}
