package stream

import (
	"log/slog"
	"sync"
	"time"

	"github.com/notifyhub/notifyhub/app/database"
)

const DefaultBuffer = 16

// NotificationView is the live-feed payload: a notification enriched with
// its originating event, as pushed to SSE clients and returned by the
// notification read model.
type NotificationView struct {
	ID             int64     `json:"id"`
	UserID         int64     `json:"user_id"`
	SubscriptionID int64     `json:"subscription_id"`
	EventID        string    `json:"event_id"`
	Channel        string    `json:"channel"`
	Status         string    `json:"status"`
	Attempts       int       `json:"attempts"`
	LastError      *string   `json:"last_error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	EventTitle     string    `json:"event_title"`
	EventSource    string    `json:"event_source"`
	EventPriority  string    `json:"event_priority"`
}

func ViewFromRow(row database.NotificationRow) NotificationView {
	return NotificationView{
		ID:             row.ID,
		UserID:         row.UserID,
		SubscriptionID: row.SubscriptionID,
		EventID:        row.EventID,
		Channel:        string(row.Channel),
		Status:         string(row.Status),
		Attempts:       row.Attempts,
		LastError:      row.LastError,
		CreatedAt:      row.CreatedAt,
		UpdatedAt:      row.UpdatedAt,
		EventTitle:     row.EventTitle,
		EventSource:    string(row.EventSource),
		EventPriority:  string(row.EventPriority),
	}
}

// ViewOf pairs a notification with its originating event, for transitions
// published before a joined row exists.
func ViewOf(n database.Notification, event database.Event) NotificationView {
	return NotificationView{
		ID:             n.ID,
		UserID:         n.UserID,
		SubscriptionID: n.SubscriptionID,
		EventID:        n.EventID,
		Channel:        string(n.Channel),
		Status:         string(n.Status),
		Attempts:       n.Attempts,
		LastError:      n.LastError,
		CreatedAt:      n.CreatedAt,
		UpdatedAt:      n.UpdatedAt,
		EventTitle:     event.Title,
		EventSource:    string(event.SourceType),
		EventPriority:  string(event.Priority),
	}
}

// Hub multiplexes notification updates to live subscribers, keyed by user
// id. Every connection gets an independent bounded queue; a slow consumer
// loses its oldest buffered items instead of blocking the publisher.
type Hub struct {
	mu     sync.RWMutex
	conns  map[int64]map[*Subscription]struct{}
	buffer int
}

// Subscription is one live connection's view of the hub.
type Subscription struct {
	hub    *Hub
	userID int64
	ch     chan NotificationView
	once   sync.Once
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		conns:  make(map[int64]map[*Subscription]struct{}),
		buffer: buffer,
	}
}

// Subscribe registers a new live connection for a user. Multiple
// simultaneous connections for the same user each receive an independent
// copy of every published view.
func (h *Hub) Subscribe(userID int64) *Subscription {
	sub := &Subscription{
		hub:    h,
		userID: userID,
		ch:     make(chan NotificationView, h.buffer),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[userID] == nil {
		h.conns[userID] = make(map[*Subscription]struct{})
	}
	h.conns[userID][sub] = struct{}{}
	return sub
}

// Publish fans a view out to every connection of the matching user. Never
// blocks: on a full buffer the oldest queued view is dropped.
func (h *Hub) Publish(view NotificationView) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.conns[view.UserID] {
		select {
		case sub.ch <- view:
		default:
			select {
			case <-sub.ch:
				slog.Debug("Live subscriber buffer full, dropping oldest", "user_id", view.UserID)
			default:
			}
			select {
			case sub.ch <- view:
			default:
			}
		}
	}
}

// ConnectionCount returns the number of live connections across all users.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	total := 0
	for _, subs := range h.conns {
		total += len(subs)
	}
	return total
}

// C is the connection's receive channel. It is closed when the
// subscription is closed.
func (s *Subscription) C() <-chan NotificationView {
	return s.ch
}

// Close unsubscribes this connection. Other connections, including ones
// for the same user, are unaffected. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		defer s.hub.mu.Unlock()
		if subs, ok := s.hub.conns[s.userID]; ok {
			delete(subs, s)
			if len(subs) == 0 {
				delete(s.hub.conns, s.userID)
			}
		}
		close(s.ch)
	})
}
