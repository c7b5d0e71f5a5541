package cfg

type Cfg struct {
	// Database configuration
	DBPath string

	// Application configuration
	Port                string
	SeedFile            string
	WorkerCount         int
	QueueSize           int
	PollInterval        int
	MaxDeliveryAttempts int
	RetryBaseDelay      int
	StreamBuffer        int
	APIAccessKey        string

	// Email configuration
	SMTPHost string
	SMTPPort int
	SMTPFrom string

	// Telegram configuration
	TelegramToken string

	// Application metadata
	UserAgent string
	Timezone  string
	Debug     bool
	Version   string
}
