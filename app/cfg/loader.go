package cfg

import (
	"cmp"
	"fmt"
	"time"

	"github.com/jessevdk/go-flags"
)

// Version is set at build time via -ldflags
var Version = "dev"

func GetVersion() string {
	return cmp.Or(Version, "unknown")
}

type rawCfg struct {
	// Database configuration
	DBPath string `long:"db-path" env:"DB_PATH" default:"./notifyhub.db" description:"Path to the SQLite database file"`

	// Application configuration
	Port                string `long:"port" env:"PORT" default:"8080" description:"HTTP server port"`
	SeedFile            string `long:"seed-file" env:"SEED_FILE" description:"YAML file with users and subscriptions to create at startup (optional)"`
	WorkerCount         int    `long:"worker-count" env:"WORKER_COUNT" default:"5" description:"Number of pipeline workers for event processing"`
	QueueSize           int    `long:"queue-size" env:"QUEUE_SIZE" default:"64" description:"Size of the event intake queue"`
	PollInterval        int    `long:"poll-interval" env:"POLL_INTERVAL" default:"60" description:"Default source poll interval in seconds"`
	MaxDeliveryAttempts int    `long:"max-delivery-attempts" env:"MAX_DELIVERY_ATTEMPTS" default:"3" description:"Delivery attempts per notification before it is failed"`
	RetryBaseDelay      int    `long:"retry-base-delay" env:"RETRY_BASE_DELAY" default:"2" description:"Base delay between delivery retries in seconds"`
	StreamBuffer        int    `long:"stream-buffer" env:"STREAM_BUFFER" default:"16" description:"Per-connection live stream buffer size"`
	APIAccessKey        string `long:"api-key" env:"API_ACCESS_KEY" description:"API access key for authentication (optional)"`

	// Email configuration
	SMTPHost string `long:"smtp-host" env:"SMTP_HOST" description:"SMTP relay host; email delivery is log-only when unset"`
	SMTPPort int    `long:"smtp-port" env:"SMTP_PORT" default:"587" description:"SMTP relay port"`
	SMTPFrom string `long:"smtp-from" env:"SMTP_FROM" default:"notifyhub@localhost" description:"Sender address for email notifications"`

	// Telegram configuration
	TelegramToken string `long:"telegram-token" env:"TELEGRAM_TOKEN" description:"Telegram bot token; telegram delivery is log-only when unset"`

	// Application metadata
	UserAgent string `long:"user-agent" env:"USER_AGENT" default:"NotifyHub/1.0" description:"User agent string for HTTP requests"`
	Timezone  string `long:"timezone" env:"TZ" default:"UTC" description:"Timezone for timestamps (e.g., UTC, America/New_York)"`
	Debug     bool   `long:"debug" env:"DEBUG" description:"Enable debug logging"`
}

var globalCfg *Cfg

func Load() (*Cfg, error) {
	var raw rawCfg

	parser := flags.NewParser(&raw, flags.Default)

	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok {
			if flagsErr.Type == flags.ErrHelp {
				return nil, nil
			}
		}
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	cfg := &Cfg{
		DBPath:              raw.DBPath,
		Port:                raw.Port,
		SeedFile:            raw.SeedFile,
		WorkerCount:         raw.WorkerCount,
		QueueSize:           raw.QueueSize,
		PollInterval:        raw.PollInterval,
		MaxDeliveryAttempts: raw.MaxDeliveryAttempts,
		RetryBaseDelay:      raw.RetryBaseDelay,
		StreamBuffer:        raw.StreamBuffer,
		APIAccessKey:        raw.APIAccessKey,
		SMTPHost:            raw.SMTPHost,
		SMTPPort:            raw.SMTPPort,
		SMTPFrom:            raw.SMTPFrom,
		TelegramToken:       raw.TelegramToken,
		UserAgent:           raw.UserAgent,
		Timezone:            raw.Timezone,
		Debug:               raw.Debug,
		Version:             GetVersion(),
	}

	if err := applyTimezone(cfg.Timezone); err != nil {
		fmt.Printf("Warning: Invalid timezone '%s', using system default: %v\n", cfg.Timezone, err)
	}

	globalCfg = cfg

	return cfg, nil
}

func Get() *Cfg {
	if globalCfg == nil {
		panic("configuration not loaded - call cfg.Load() first")
	}
	return globalCfg
}

func applyTimezone(timezone string) error {
	if timezone != "" {
		if loc, err := time.LoadLocation(timezone); err != nil {
			return err
		} else {
			time.Local = loc
			fmt.Printf("Timezone configured: %s\n", timezone)
		}
	}
	return nil
}
