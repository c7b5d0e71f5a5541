package source

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/notifyhub/notifyhub/app/database"
)

func genSubscription() database.Subscription {
	return database.Subscription{
		ID:         3,
		UserID:     1,
		SourceType: database.SourceGen,
		Params:     `{"interval_seconds":30}`,
		Enabled:    true,
	}
}

func TestGeneratorEmitsOneEventPerPoll(t *testing.T) {
	c := NewGeneratorConnector(&fakeHistory{})
	sub := genSubscription()

	for i := 1; i <= 3; i++ {
		events, err := c.Poll(context.Background(), sub)
		if err != nil {
			t.Fatal(err)
		}
		if len(events) != 1 {
			t.Fatalf("Poll %d: expected 1 event, got %d", i, len(events))
		}
		if want := fmt.Sprintf("gen:%d:%d", sub.ID, i); events[0].ExternalID != want {
			t.Errorf("Poll %d: external id = %s, want %s", i, events[0].ExternalID, want)
		}
		if events[0].Title != generatorTitles[i-1] {
			t.Errorf("Poll %d: unexpected title %s", i, events[0].Title)
		}
		if !strings.Contains(events[0].Payload, fmt.Sprintf(`"sequence":%d`, i)) {
			t.Errorf("Poll %d: payload missing sequence: %s", i, events[0].Payload)
		}
	}
}

func TestGeneratorResumesFromHistory(t *testing.T) {
	c := NewGeneratorConnector(&fakeHistory{count: 5})
	sub := genSubscription()

	events, err := c.Poll(context.Background(), sub)
	if err != nil {
		t.Fatal(err)
	}
	if want := fmt.Sprintf("gen:%d:6", sub.ID); events[0].ExternalID != want {
		t.Errorf("External id = %s, want %s", events[0].ExternalID, want)
	}
}

func TestGeneratorTitlesCycle(t *testing.T) {
	c := NewGeneratorConnector(&fakeHistory{count: len(generatorTitles)})
	sub := genSubscription()

	events, err := c.Poll(context.Background(), sub)
	if err != nil {
		t.Fatal(err)
	}
	if events[0].Title != generatorTitles[0] {
		t.Errorf("Expected titles to cycle back to the first, got %s", events[0].Title)
	}
}

func TestGeneratorResetRestoresFromHistory(t *testing.T) {
	history := &fakeHistory{count: 2}
	c := NewGeneratorConnector(history)
	sub := genSubscription()

	if _, err := c.Poll(context.Background(), sub); err != nil {
		t.Fatal(err)
	}
	c.Reset(sub.ID)

	events, err := c.Poll(context.Background(), sub)
	if err != nil {
		t.Fatal(err)
	}
	if want := fmt.Sprintf("gen:%d:3", sub.ID); events[0].ExternalID != want {
		t.Errorf("External id after reset = %s, want %s", events[0].ExternalID, want)
	}
}
