package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"CoachMail/internal/schedule"
)

type Config struct {
	// ----------------------------
	// SMTP
	// ----------------------------
	SMTPHost        string        `envconfig:"SMTP_HOST" default:"localhost"`
	SMTPPort        int           `envconfig:"SMTP_PORT" default:"1025"`
	SMTPSecure      bool          `envconfig:"SMTP_SECURE" default:"false"`
	SMTPUser        string        `envconfig:"SMTP_USER" default:""`
	SMTPPassword    string        `envconfig:"SMTP_PASSWORD" default:""`
	SMTPFrom        string        `envconfig:"SMTP_FROM" default:"noreply@coachmail.app"`
	SMTPReplyTo     string        `envconfig:"SMTP_REPLY_TO" default:""`
	SMTPSendTimeout time.Duration `envconfig:"SMTP_SEND_TIMEOUT" default:"30s"`
	SMTPIdleTimeout time.Duration `envconfig:"SMTP_IDLE_TIMEOUT" default:"5m"`

	// ----------------------------
	// Dispatcher
	// ----------------------------
	BatchSize       int           `envconfig:"BATCH_SIZE" default:"50"`
	MaxRetries      int           `envconfig:"MAX_RETRIES" default:"3"`
	RetryBackoff    time.Duration `envconfig:"RETRY_BACKOFF" default:"5m"`
	RetryMaxDelay   time.Duration `envconfig:"RETRY_MAX_DELAY" default:"1h"`
	WorkerCount     int           `envconfig:"WORKER_COUNT" default:"5"`
	RateLimit       int           `envconfig:"RATE_LIMIT" default:"10"`
	InProgressLease time.Duration `envconfig:"IN_PROGRESS_LEASE" default:"10m"`
	DefaultTimezone string        `envconfig:"DEFAULT_TIMEZONE" default:"UTC"`

	// ----------------------------
	// Attachments
	// ----------------------------
	AttachmentMaxSize           int64    `envconfig:"ATTACHMENT_MAX_SIZE" default:"10485760"`
	AttachmentAllowedExtensions []string `envconfig:"ATTACHMENT_ALLOWED_EXTENSIONS" default:"pdf,doc,docx,xls,xlsx,csv,txt,png,jpg,jpeg,gif"`
	AttachmentBaseDir           string   `envconfig:"ATTACHMENT_BASE_DIR" default:""` // empty disables local file references

	// ----------------------------
	// Triggers
	// ----------------------------
	CronSecret       string `envconfig:"CRON_SECRET" default:""`
	DispatchSchedule string `envconfig:"DISPATCH_SCHEDULE" default:""`

	// ----------------------------
	// HTTP API
	// ----------------------------
	APIPort string `envconfig:"API_PORT" default:"8080"`

	// ----------------------------
	// Metrics
	// ----------------------------
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`

	// ----------------------------
	// Database
	// ----------------------------
	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
}

// Load reads an optional .env file from the working directory, then the
// environment. Variables already set in the environment win over .env.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	var problems []string

	if c.SMTPPort <= 0 || c.SMTPPort > 65535 {
		problems = append(problems, fmt.Sprintf("SMTP_PORT %d out of range", c.SMTPPort))
	}
	if strings.TrimSpace(c.SMTPFrom) == "" {
		problems = append(problems, "SMTP_FROM is empty")
	}
	if c.SMTPSendTimeout <= 0 {
		problems = append(problems, "SMTP_SEND_TIMEOUT must be positive")
	}
	if c.BatchSize <= 0 {
		problems = append(problems, "BATCH_SIZE must be positive")
	}
	if c.MaxRetries <= 0 {
		problems = append(problems, "MAX_RETRIES must be positive")
	}
	if c.RetryBackoff < 0 || c.RetryMaxDelay < 0 {
		problems = append(problems, "RETRY_BACKOFF and RETRY_MAX_DELAY must not be negative")
	}
	if c.WorkerCount <= 0 {
		problems = append(problems, "WORKER_COUNT must be positive")
	}
	if c.RateLimit < 0 {
		problems = append(problems, "RATE_LIMIT must not be negative")
	}
	if c.InProgressLease <= c.SMTPSendTimeout {
		problems = append(problems, "IN_PROGRESS_LEASE must exceed SMTP_SEND_TIMEOUT")
	}
	if c.AttachmentMaxSize < 0 {
		problems = append(problems, "ATTACHMENT_MAX_SIZE must not be negative")
	}
	if strings.TrimSpace(c.DatabaseURL) == "" {
		problems = append(problems, "DATABASE_URL is empty")
	}
	if !schedule.IsValidTimezone(c.DefaultTimezone) {
		problems = append(problems, fmt.Sprintf("DEFAULT_TIMEZONE %q is not an IANA zone", c.DefaultTimezone))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
