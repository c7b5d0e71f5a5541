package source

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/notifyhub/notifyhub/app/database"
)

var generatorTitles = []string{
	"System Health Check Alert",
	"High CPU Usage Detected",
	"New Deployment Available",
	"Database Backup Completed",
	"Security Scan Finished",
	"Memory Usage Warning",
	"Service Restart Required",
	"SSL Certificate Expiring Soon",
	"New User Registration Spike",
	"API Rate Limit Approaching",
}

// GeneratorConnector emits one synthetic event per poll tick, for demos and
// testing. The upstream identifier is a monotonically increasing counter
// scoped to the subscription, resumed from the event store on restart.
type GeneratorConnector struct {
	history History

	mu       sync.Mutex
	counters map[int64]int
}

var _ Connector = (*GeneratorConnector)(nil)

func NewGeneratorConnector(history History) *GeneratorConnector {
	return &GeneratorConnector{
		history:  history,
		counters: make(map[int64]int),
	}
}

func (c *GeneratorConnector) Type() database.SourceType {
	return database.SourceGen
}

func (c *GeneratorConnector) Reset(subscriptionID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.counters, subscriptionID)
}

func (c *GeneratorConnector) Poll(ctx context.Context, sub database.Subscription) ([]database.Event, error) {
	if _, err := ParseParams(database.SourceGen, sub.Params); err != nil {
		return nil, err
	}

	c.mu.Lock()
	n, ok := c.counters[sub.ID]
	if !ok {
		count, err := c.history.CountEventsForSubscription(ctx, sub.ID)
		if err != nil {
			c.mu.Unlock()
			return nil, fmt.Errorf("restore generator counter: %w", err)
		}
		n = count
		slog.Debug("Generator counter restored", "subscription_id", sub.ID, "counter", n)
	}
	n++
	c.counters[sub.ID] = n
	c.mu.Unlock()

	title := generatorTitles[(n-1)%len(generatorTitles)]
	externalID := fmt.Sprintf("gen:%d:%d", sub.ID, n)
	payload := fmt.Sprintf(`{"generated":true,"sequence":%d,"timestamp":%q}`,
		n, time.Now().UTC().Format(time.RFC3339))

	return []database.Event{newEvent(sub, externalID, title, payload)}, nil
}
