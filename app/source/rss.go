package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/mmcdole/gofeed"

	"github.com/notifyhub/notifyhub/app/database"
)

const (
	rssMaxEntries  = 20
	rssSeenSetCap  = 500
	rssMaxBodySize = 5 * 1024 * 1024
)

// seenSet is a bounded FIFO set of upstream identifiers. Once the cap is
// reached the oldest entries are evicted, which is safe because feeds only
// show a bounded recency window anyway.
type seenSet struct {
	order  []string
	set    map[string]struct{}
	primed bool
}

func newSeenSet() *seenSet {
	return &seenSet{set: make(map[string]struct{})}
}

func (s *seenSet) contains(id string) bool {
	_, ok := s.set[id]
	return ok
}

func (s *seenSet) add(id string) {
	if s.contains(id) {
		return
	}
	s.set[id] = struct{}{}
	s.order = append(s.order, id)
	for len(s.order) > rssSeenSetCap {
		delete(s.set, s.order[0])
		s.order = s.order[1:]
	}
}

// RSSConnector polls a feed URL. The entry GUID (or link when the GUID is
// absent) is the upstream identifier.
type RSSConnector struct {
	client    *http.Client
	history   History
	userAgent string

	mu    sync.Mutex
	state map[int64]*seenSet
}

var _ Connector = (*RSSConnector)(nil)

func NewRSSConnector(client *http.Client, history History, userAgent string) *RSSConnector {
	return &RSSConnector{
		client:    client,
		history:   history,
		userAgent: userAgent,
		state:     make(map[int64]*seenSet),
	}
}

func (c *RSSConnector) Type() database.SourceType {
	return database.SourceRSS
}

func (c *RSSConnector) Reset(subscriptionID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.state, subscriptionID)
}

func (c *RSSConnector) Poll(ctx context.Context, sub database.Subscription) ([]database.Event, error) {
	params, err := ParseParams(database.SourceRSS, sub.Params)
	if err != nil {
		return nil, err
	}

	feed, err := c.fetchFeed(ctx, params.URL)
	if err != nil {
		return nil, fmt.Errorf("fetch feed %s: %w", params.URL, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	seen := c.state[sub.ID]
	if seen == nil {
		seen = c.restoreState(ctx, sub.ID)
		c.state[sub.ID] = seen
	}

	items := feed.Items
	if len(items) > rssMaxEntries {
		items = items[:rssMaxEntries]
	}

	if !seen.primed {
		// First poll with no history: mark the current window as seen so a
		// fresh subscription does not replay the feed's backlog.
		for _, item := range items {
			seen.add(entryExternalID(params.URL, item))
		}
		seen.primed = true
		slog.Debug("RSS seen-set primed", "subscription_id", sub.ID, "url", params.URL, "entries", len(items))
		return nil, nil
	}

	var events []database.Event
	for _, item := range items {
		externalID := entryExternalID(params.URL, item)
		if seen.contains(externalID) {
			continue
		}
		payload, _ := json.Marshal(map[string]any{
			"title":       item.Title,
			"link":        item.Link,
			"description": item.Description,
			"published":   item.Published,
		})
		events = append(events, newEvent(sub, externalID, item.Title, string(payload)))
		seen.add(externalID)
	}

	return events, nil
}

func (c *RSSConnector) restoreState(ctx context.Context, subscriptionID int64) *seenSet {
	seen := newSeenSet()
	ids, err := c.history.ListRecentExternalIDs(ctx, subscriptionID, rssSeenSetCap)
	if err != nil {
		slog.Warn("Failed to restore RSS seen-set", "subscription_id", subscriptionID, "error", err)
		return seen
	}
	// Recent-first from the store; insert oldest-first so FIFO eviction
	// drops the right end.
	for i := len(ids) - 1; i >= 0; i-- {
		seen.add(ids[i])
	}
	seen.primed = len(ids) > 0
	return seen
}

func (c *RSSConnector) fetchFeed(ctx context.Context, url string) (*gofeed.Feed, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, rssMaxBodySize))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	// A parser per fetch: gofeed parsers are not safe for concurrent use.
	feed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}
	return feed, nil
}

func entryExternalID(feedURL string, item *gofeed.Item) string {
	id := item.GUID
	if id == "" {
		id = item.Link
	}
	return "rss:" + feedURL + ":" + id
}
