package database

import (
	"time"
)

type SourceType string

const (
	SourceGitHub SourceType = "GITHUB"
	SourceRSS    SourceType = "RSS"
	SourceGen    SourceType = "GEN"
)

func (s SourceType) Valid() bool {
	switch s {
	case SourceGitHub, SourceRSS, SourceGen:
		return true
	}
	return false
}

type Channel string

const (
	ChannelLive     Channel = "LIVE"
	ChannelEmail    Channel = "EMAIL"
	ChannelTelegram Channel = "TELEGRAM"
)

type Status string

const (
	StatusCreated Status = "CREATED"
	StatusQueued  Status = "QUEUED"
	StatusSent    Status = "SENT"
	StatusFailed  Status = "FAILED"
)

// Rank orders the notification lifecycle: CREATED < QUEUED < SENT/FAILED.
// A status may never move to one with a lower or equal rank, except
// QUEUED -> QUEUED which is allowed for retry bookkeeping.
func (s Status) Rank() int {
	switch s {
	case StatusCreated:
		return 0
	case StatusQueued:
		return 1
	case StatusSent, StatusFailed:
		return 2
	}
	return -1
}

func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed
}

func (s Status) Valid() bool {
	return s.Rank() >= 0
}

type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

type User struct {
	ID             int64
	Username       string
	Email          string
	TelegramChatID string // empty = no Telegram delivery for this user
	CreatedAt      time.Time
}

type Subscription struct {
	ID           int64
	UserID       int64
	SourceType   SourceType
	Params       string // JSON, schema depends on SourceType
	EmailEnabled bool
	Enabled      bool
	CreatedAt    time.Time
}

type Rule struct {
	ID                 int64
	SubscriptionID     int64
	KeywordFilter      string // comma-separated, empty = match-all
	DedupWindowMinutes int
	RateLimitPerHour   int
	Priority           Priority
	QuietHoursStart    *string // "HH:MM", both set or both nil
	QuietHoursEnd      *string
	CreatedAt          time.Time
}

type Event struct {
	ID             string // uuid
	SubscriptionID int64
	SourceType     SourceType
	ExternalID     string
	Title          string
	Payload        string
	Priority       Priority
	CreatedAt      time.Time
}

type Notification struct {
	ID             int64
	UserID         int64
	SubscriptionID int64
	EventID        string
	Channel        Channel
	Status         Status
	Attempts       int
	LastError      *string
	Fingerprint    string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NotificationRow is the read-model projection: a notification enriched
// with fields of its originating event.
type NotificationRow struct {
	Notification
	EventTitle    string
	EventSource   SourceType
	EventPriority Priority
}

// NotificationFilter narrows notification read-model queries.
type NotificationFilter struct {
	UserID int64
	Status Status // empty = any
	From   *time.Time
	To     *time.Time
	Limit  int
	Offset int
}
