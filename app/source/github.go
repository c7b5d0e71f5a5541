package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/notifyhub/notifyhub/app/database"
)

const (
	githubAPIBase    = "https://api.github.com"
	releasesPerPage  = 10
	seenHistoryLimit = 500
)

type githubRelease struct {
	TagName     string    `json:"tag_name"`
	Name        string    `json:"name"`
	HTMLURL     string    `json:"html_url"`
	Body        string    `json:"body"`
	PublishedAt time.Time `json:"published_at"`
	Draft       bool      `json:"draft"`
}

type githubState struct {
	watermark time.Time
	seen      map[string]struct{}
	primed    bool
}

// GitHubConnector polls the releases endpoint of a repository. The release
// tag is the upstream identifier; only releases published after the
// per-subscription watermark are emitted, and the watermark advances
// monotonically.
type GitHubConnector struct {
	client    *http.Client
	history   History
	baseURL   string
	userAgent string

	mu    sync.Mutex
	state map[int64]*githubState
}

var _ Connector = (*GitHubConnector)(nil)

func NewGitHubConnector(client *http.Client, history History, userAgent string) *GitHubConnector {
	return &GitHubConnector{
		client:    client,
		history:   history,
		baseURL:   githubAPIBase,
		userAgent: userAgent,
		state:     make(map[int64]*githubState),
	}
}

func (c *GitHubConnector) Type() database.SourceType {
	return database.SourceGitHub
}

func (c *GitHubConnector) Reset(subscriptionID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.state, subscriptionID)
}

func (c *GitHubConnector) Poll(ctx context.Context, sub database.Subscription) ([]database.Event, error) {
	params, err := ParseParams(database.SourceGitHub, sub.Params)
	if err != nil {
		return nil, err
	}

	releases, err := c.fetchReleases(ctx, params.Repo)
	if err != nil {
		return nil, fmt.Errorf("fetch releases for %s: %w", params.Repo, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.state[sub.ID]
	if st == nil {
		st = c.restoreState(ctx, sub.ID)
		c.state[sub.ID] = st
	}

	if !st.primed {
		// Unknown watermark: start from "now" so existing releases are not
		// re-announced.
		for _, rel := range releases {
			st.seen[releaseExternalID(params.Repo, rel.TagName)] = struct{}{}
			if rel.PublishedAt.After(st.watermark) {
				st.watermark = rel.PublishedAt
			}
		}
		st.primed = true
		slog.Debug("GitHub watermark primed", "subscription_id", sub.ID, "repo", params.Repo, "watermark", st.watermark)
		return nil, nil
	}

	var events []database.Event
	for _, rel := range releases {
		if rel.Draft || rel.TagName == "" {
			continue
		}
		externalID := releaseExternalID(params.Repo, rel.TagName)
		if _, ok := st.seen[externalID]; ok {
			continue
		}
		if !rel.PublishedAt.IsZero() && rel.PublishedAt.Before(st.watermark) {
			// Older than the watermark: already observed under a previous
			// state, do not re-announce.
			st.seen[externalID] = struct{}{}
			continue
		}

		title := rel.Name
		if title == "" {
			title = rel.TagName
		}
		payload, _ := json.Marshal(map[string]any{
			"repo":         params.Repo,
			"tag":          rel.TagName,
			"url":          rel.HTMLURL,
			"published_at": rel.PublishedAt,
			"body":         rel.Body,
		})
		events = append(events, newEvent(sub, externalID, title, string(payload)))

		st.seen[externalID] = struct{}{}
		if rel.PublishedAt.After(st.watermark) {
			st.watermark = rel.PublishedAt
		}
	}

	return events, nil
}

func (c *GitHubConnector) restoreState(ctx context.Context, subscriptionID int64) *githubState {
	st := &githubState{seen: make(map[string]struct{})}
	ids, err := c.history.ListRecentExternalIDs(ctx, subscriptionID, seenHistoryLimit)
	if err != nil {
		slog.Warn("Failed to restore GitHub watermark state", "subscription_id", subscriptionID, "error", err)
		return st
	}
	for _, id := range ids {
		st.seen[id] = struct{}{}
	}
	st.primed = len(ids) > 0
	return st
}

func (c *GitHubConnector) fetchReleases(ctx context.Context, repo string) ([]githubRelease, error) {
	url := fmt.Sprintf("%s/repos/%s/releases?per_page=%d", c.baseURL, repo, releasesPerPage)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 5*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	var releases []githubRelease
	if err := json.Unmarshal(body, &releases); err != nil {
		return nil, fmt.Errorf("decode releases: %w", err)
	}
	return releases, nil
}

func releaseExternalID(repo, tag string) string {
	return "github:" + repo + ":" + tag
}
