package models

import "time"

type EmailStatus string

const (
	StatusPending    EmailStatus = "pending"
	StatusInProgress EmailStatus = "in_progress"
	StatusSent       EmailStatus = "sent"
	StatusFailed     EmailStatus = "failed"
)

// ScheduledEmail is one row of the scheduled_emails queue. DateToSend and
// TimeToSend are wall-clock values in Timezone, not UTC.
type ScheduledEmail struct {
	EmailID       string `json:"email_id"`
	ToEmail       string `json:"to_email"`
	CcEmail       string `json:"cc_email,omitempty"`
	BccEmail      string `json:"bcc_email,omitempty"`
	Subject       string `json:"subject"`
	Body          string `json:"body"`
	AttachmentURL string `json:"attachment_url,omitempty"`

	DateToSend string `json:"date_to_send"`
	TimeToSend string `json:"time_to_send"`
	Timezone   string `json:"timezone"`

	Sent       bool        `json:"sent"`
	Status     EmailStatus `json:"status"`
	RetryCount int         `json:"retry_count"`
	LastError  string      `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Parked reports whether the record has used up its retry budget.
func (e ScheduledEmail) Parked(maxRetries int) bool {
	return !e.Sent && e.RetryCount >= maxRetries
}
