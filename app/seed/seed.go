package seed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/notifyhub/notifyhub/app/database"
)

// File is the YAML layout of a seed file: users with their subscriptions
// and rules, created at startup when absent.
type File struct {
	Users []User `yaml:"users"`
}

type User struct {
	Username       string         `yaml:"username"`
	Email          string         `yaml:"email"`
	TelegramChatID string         `yaml:"telegram_chat_id"`
	Subscriptions  []Subscription `yaml:"subscriptions"`
}

type Subscription struct {
	SourceType   string         `yaml:"source_type"`
	Params       map[string]any `yaml:"params"`
	EmailEnabled bool           `yaml:"email_enabled"`
	Enabled      *bool          `yaml:"enabled"`
	Rules        []Rule         `yaml:"rules"`
}

type Rule struct {
	KeywordFilter      string  `yaml:"keyword_filter"`
	DedupWindowMinutes int     `yaml:"dedup_window_minutes"`
	RateLimitPerHour   int     `yaml:"rate_limit_per_hour"`
	Priority           string  `yaml:"priority"`
	QuietHoursStart    *string `yaml:"quiet_hours_start"`
	QuietHoursEnd      *string `yaml:"quiet_hours_end"`
}

// Registry is the control-plane surface seeding goes through, so seeded
// subscriptions get the same validation and poll tasks as API-created ones.
type Registry interface {
	Upsert(ctx context.Context, sub *database.Subscription) error
	CreateRule(ctx context.Context, userID int64, rule *database.Rule) error
}

func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	for i, user := range f.Users {
		if user.Username == "" {
			return nil, fmt.Errorf("seed user %d has no username", i)
		}
	}
	return &f, nil
}

// Apply creates the seed file's users, subscriptions and rules. Users
// are matched by username; an existing user is left untouched, so
// seeding is idempotent across restarts.
func Apply(ctx context.Context, path string, users database.UserRepository, reg Registry) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read seed file: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return err
	}

	for _, seedUser := range f.Users {
		existing, err := users.GetUserByUsername(ctx, seedUser.Username)
		if err != nil {
			return fmt.Errorf("look up user %q: %w", seedUser.Username, err)
		}
		if existing != nil {
			slog.Debug("Seed user already exists", "username", seedUser.Username)
			continue
		}

		user := database.User{
			Username:       seedUser.Username,
			Email:          seedUser.Email,
			TelegramChatID: seedUser.TelegramChatID,
			CreatedAt:      time.Now().UTC(),
		}
		if err := users.CreateUser(ctx, &user); err != nil {
			return fmt.Errorf("create user %q: %w", seedUser.Username, err)
		}

		for _, seedSub := range seedUser.Subscriptions {
			params := "{}"
			if len(seedSub.Params) > 0 {
				raw, err := json.Marshal(seedSub.Params)
				if err != nil {
					return fmt.Errorf("encode params for user %q: %w", seedUser.Username, err)
				}
				params = string(raw)
			}

			sub := database.Subscription{
				UserID:       user.ID,
				SourceType:   database.SourceType(seedSub.SourceType),
				Params:       params,
				EmailEnabled: seedSub.EmailEnabled,
				Enabled:      seedSub.Enabled == nil || *seedSub.Enabled,
			}
			if err := reg.Upsert(ctx, &sub); err != nil {
				return fmt.Errorf("create subscription for user %q: %w", seedUser.Username, err)
			}

			for _, seedRule := range seedSub.Rules {
				priority := seedRule.Priority
				if priority == "" {
					priority = string(database.PriorityMedium)
				}
				rule := database.Rule{
					SubscriptionID:     sub.ID,
					KeywordFilter:      seedRule.KeywordFilter,
					DedupWindowMinutes: seedRule.DedupWindowMinutes,
					RateLimitPerHour:   seedRule.RateLimitPerHour,
					Priority:           database.Priority(priority),
					QuietHoursStart:    seedRule.QuietHoursStart,
					QuietHoursEnd:      seedRule.QuietHoursEnd,
				}
				if err := reg.CreateRule(ctx, user.ID, &rule); err != nil {
					return fmt.Errorf("create rule for user %q: %w", seedUser.Username, err)
				}
			}
		}
		slog.Info("Seed user created", "username", seedUser.Username, "subscriptions", len(seedUser.Subscriptions))
	}
	return nil
}
