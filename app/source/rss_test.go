package source

import (
	"context"
	"fmt"
	"testing"

	"github.com/h2non/gock"

	"github.com/notifyhub/notifyhub/app/database"
)

const rssFeedURL = "https://blog.example.com/feed.xml"

func rssSubscription() database.Subscription {
	return database.Subscription{
		ID:         2,
		UserID:     1,
		SourceType: database.SourceRSS,
		Params:     fmt.Sprintf(`{"url":%q}`, rssFeedURL),
		Enabled:    true,
	}
}

func feedXML(items ...[2]string) string {
	body := `<?xml version="1.0" encoding="UTF-8"?><rss version="2.0"><channel><title>Example Blog</title>`
	for _, item := range items {
		body += fmt.Sprintf(`<item><title>%s</title><link>https://blog.example.com/%s</link><guid>%s</guid></item>`,
			item[1], item[0], item[0])
	}
	return body + `</channel></rss>`
}

func mockFeed(body string) {
	gock.New("https://blog.example.com").
		Get("/feed.xml").
		Reply(200).
		SetHeader("Content-Type", "application/rss+xml").
		BodyString(body)
}

func TestRSSFirstPollPrimesWithoutEmitting(t *testing.T) {
	client := interceptedClient(t)
	mockFeed(feedXML([2]string{"post-1", "First Post"}))

	c := NewRSSConnector(client, &fakeHistory{}, "test-agent")

	events, err := c.Poll(context.Background(), rssSubscription())
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Fatalf("Expected priming poll to emit nothing, got %d events", len(events))
	}
}

func TestRSSEmitsNewEntries(t *testing.T) {
	client := interceptedClient(t)
	mockFeed(feedXML([2]string{"post-1", "First Post"}))
	mockFeed(feedXML(
		[2]string{"post-2", "Second Post"},
		[2]string{"post-1", "First Post"},
	))

	c := NewRSSConnector(client, &fakeHistory{}, "test-agent")
	sub := rssSubscription()

	if _, err := c.Poll(context.Background(), sub); err != nil {
		t.Fatal(err)
	}
	events, err := c.Poll(context.Background(), sub)
	if err != nil {
		t.Fatal(err)
	}

	if len(events) != 1 {
		t.Fatalf("Expected 1 new entry, got %d", len(events))
	}
	if want := "rss:" + rssFeedURL + ":post-2"; events[0].ExternalID != want {
		t.Errorf("External id = %s, want %s", events[0].ExternalID, want)
	}
	if events[0].Title != "Second Post" {
		t.Errorf("Unexpected title: %s", events[0].Title)
	}
}

func TestRSSReplayedFeedEmitsNothing(t *testing.T) {
	client := interceptedClient(t)
	body := feedXML([2]string{"post-1", "First Post"}, [2]string{"post-2", "Second Post"})
	mockFeed(body)
	mockFeed(body)

	history := &fakeHistory{ids: []string{
		"rss:" + rssFeedURL + ":post-2",
		"rss:" + rssFeedURL + ":post-1",
	}}
	c := NewRSSConnector(client, history, "test-agent")
	sub := rssSubscription()

	for i := 0; i < 2; i++ {
		events, err := c.Poll(context.Background(), sub)
		if err != nil {
			t.Fatal(err)
		}
		if len(events) != 0 {
			t.Fatalf("Poll %d: expected no events for a replayed feed, got %d", i+1, len(events))
		}
	}
}

func TestRSSFallsBackToLinkWithoutGUID(t *testing.T) {
	client := interceptedClient(t)
	body := `<?xml version="1.0"?><rss version="2.0"><channel><title>T</title>` +
		`<item><title>No GUID</title><link>https://blog.example.com/no-guid</link></item></channel></rss>`
	mockFeed(body)

	// Primed history so the entry is emitted rather than swallowed.
	c := NewRSSConnector(client, &fakeHistory{ids: []string{"rss:" + rssFeedURL + ":other"}}, "test-agent")

	events, err := c.Poll(context.Background(), rssSubscription())
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(events))
	}
	if want := "rss:" + rssFeedURL + ":https://blog.example.com/no-guid"; events[0].ExternalID != want {
		t.Errorf("External id = %s, want %s", events[0].ExternalID, want)
	}
}

func TestRSSUpstreamErrorPropagates(t *testing.T) {
	client := interceptedClient(t)
	gock.New("https://blog.example.com").
		Get("/feed.xml").
		Reply(500)

	c := NewRSSConnector(client, &fakeHistory{}, "test-agent")

	if _, err := c.Poll(context.Background(), rssSubscription()); err == nil {
		t.Fatal("Expected an error on upstream failure")
	}
}

func TestSeenSetEvictsOldest(t *testing.T) {
	s := newSeenSet()
	for i := 0; i < rssSeenSetCap+10; i++ {
		s.add(fmt.Sprintf("id-%d", i))
	}

	if s.contains("id-0") {
		t.Error("Expected the oldest entry to be evicted")
	}
	if !s.contains(fmt.Sprintf("id-%d", rssSeenSetCap+9)) {
		t.Error("Expected the newest entry to be retained")
	}
	if len(s.order) != rssSeenSetCap {
		t.Errorf("Expected %d retained entries, got %d", rssSeenSetCap, len(s.order))
	}
}
