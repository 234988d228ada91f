package db

import (
	"context"
	_ "embed"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"CoachMail/internal/models"
	"CoachMail/internal/schedule"
)

//go:embed schema.sql
var schemaSQL string

// MaxZoneOffset is the easternmost UTC offset in the zone database
// (Pacific/Kiritimati). No wall clock anywhere is further ahead of UTC.
const MaxZoneOffset = 14 * time.Hour

var (
	ErrNotClaimed = errors.New("scheduled email is claimed by another run")
	ErrNotFound   = errors.New("scheduled email not found")
)

type Settings struct {
	// InProgressLease is how long an in_progress claim blocks other runs.
	InProgressLease time.Duration
	// RetryBackoff delays a failed row by RetryBackoff * 2^(retries-1).
	RetryBackoff  time.Duration
	MaxRetryDelay time.Duration
}

type Store struct {
	Pool     *pgxpool.Pool
	settings Settings
}

func New(conn string, settings Settings) (*Store, error) {
	pool, err := pgxpool.New(context.Background(), conn)
	if err != nil {
		return nil, errors.Wrap(err, "open database pool")
	}

	return &Store{Pool: pool, settings: settings}, nil
}

func (s *Store) Close() {
	s.Pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return errors.Wrap(s.Pool.Ping(ctx), "ping database")
}

// WaitReady pings the database with exponential backoff.
func (s *Store) WaitReady(ctx context.Context, logger *zap.Logger) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 30 * time.Second

	return backoff.RetryNotify(
		func() error { return s.Ping(ctx) },
		backoff.WithContext(b, ctx),
		func(err error, next time.Duration) {
			logger.Warn("database not ready",
				zap.Error(err),
				zap.Duration("retry_in", next),
			)
		},
	)
}

func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.Pool.Exec(ctx, schemaSQL)
	return errors.Wrap(err, "apply schema")
}

// DueReference is the naive wall clock used by the coarse due filter: now
// moved to the easternmost zone. Every truly due row has a wall clock at or
// before it, so the filter may over-select but never misses a row.
func DueReference(now time.Time) (date, clock string) {
	ref := now.UTC().Add(MaxZoneOffset)
	return ref.Format(schedule.DateLayout), ref.Format(schedule.ClockLayout)
}

func (s *Store) FetchDue(
	ctx context.Context,
	now time.Time,
	limit int,
	maxRetries int,
) ([]models.ScheduledEmail, error) {

	refDate, refClock := DueReference(now)

	rows, err := s.Pool.Query(ctx,
		`SELECT email_id, to_email, COALESCE(cc_email, ''), COALESCE(bcc_email, ''),
		        subject, body, COALESCE(attachment_url, ''),
		        date_to_send::text, time_to_send::text, timezone,
		        sent, status, retry_count, COALESCE(last_error, ''),
		        created_at, updated_at
		 FROM scheduled_emails
		 WHERE sent = FALSE
		   AND retry_count < $1
		   AND (status <> 'in_progress'
		        OR updated_at < $2::timestamptz - make_interval(secs => $3::float8))
		   AND (retry_count = 0
		        OR updated_at <= $2::timestamptz - make_interval(secs =>
		             LEAST($4::float8 * power(2, retry_count - 1), $5::float8)))
		   AND (date_to_send < $6::date
		        OR (date_to_send = $6::date AND time_to_send <= $7::time))
		 ORDER BY created_at ASC
		 LIMIT $8`,
		maxRetries,
		now,
		s.settings.InProgressLease.Seconds(),
		s.settings.RetryBackoff.Seconds(),
		s.settings.MaxRetryDelay.Seconds(),
		refDate,
		refClock,
		limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "query due emails")
	}
	defer rows.Close()

	var emails []models.ScheduledEmail

	for rows.Next() {
		var (
			e      models.ScheduledEmail
			status string
		)

		if err := rows.Scan(
			&e.EmailID, &e.ToEmail, &e.CcEmail, &e.BccEmail,
			&e.Subject, &e.Body, &e.AttachmentURL,
			&e.DateToSend, &e.TimeToSend, &e.Timezone,
			&e.Sent, &status, &e.RetryCount, &e.LastError,
			&e.CreatedAt, &e.UpdatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "scan due email")
		}

		e.Status = models.EmailStatus(status)
		emails = append(emails, e)
	}

	return emails, errors.Wrap(rows.Err(), "iterate due emails")
}

// MarkInProgress claims a row. It only succeeds for an unsent row that no
// other run holds, whose retry count is still the one fetchedRetries saw and
// below maxRetries. A run that failed the row after this one fetched it bumps
// the count, so the stale copy can neither resend it nor revive a parked row.
func (s *Store) MarkInProgress(ctx context.Context, id string, fetchedRetries, maxRetries int) error {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE scheduled_emails
		 SET status = $1,
		     updated_at = NOW()
		 WHERE email_id = $2
		   AND sent = FALSE
		   AND retry_count = $4
		   AND retry_count < $5
		   AND (status <> $1 OR updated_at < NOW() - make_interval(secs => $3::float8))`,
		models.StatusInProgress,
		id,
		s.settings.InProgressLease.Seconds(),
		fetchedRetries,
		maxRetries,
	)
	if err != nil {
		return errors.Wrapf(err, "claim email %s", id)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotClaimed
	}

	return nil
}

func (s *Store) MarkSent(ctx context.Context, id string) error {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE scheduled_emails
		 SET status = $1,
		     sent = TRUE,
		     last_error = NULL,
		     updated_at = NOW()
		 WHERE email_id = $2`,
		models.StatusSent,
		id,
	)
	if err != nil {
		return errors.Wrapf(err, "mark email %s sent", id)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

func (s *Store) MarkFailed(ctx context.Context, id string, reason string) error {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE scheduled_emails
		 SET status = $1,
		     sent = FALSE,
		     retry_count = retry_count + 1,
		     last_error = $2,
		     updated_at = NOW()
		 WHERE email_id = $3`,
		models.StatusFailed,
		reason,
		id,
	)
	if err != nil {
		return errors.Wrapf(err, "mark email %s failed", id)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// Insert queues a new pending email. An empty EmailID gets a UUID.
func (s *Store) Insert(ctx context.Context, e *models.ScheduledEmail) error {
	if strings.TrimSpace(e.EmailID) == "" {
		e.EmailID = uuid.NewString()
	}
	if e.Timezone == "" {
		e.Timezone = "UTC"
	}

	e.Sent = false
	e.Status = models.StatusPending
	e.RetryCount = 0

	err := s.Pool.QueryRow(ctx,
		`INSERT INTO scheduled_emails
		 (email_id, to_email, cc_email, bcc_email, subject, body, attachment_url,
		  date_to_send, time_to_send, timezone, sent, status, retry_count, created_at, updated_at)
		 VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, NULLIF($7, ''),
		         $8::date, $9::time, $10, FALSE, $11, 0, NOW(), NOW())
		 RETURNING created_at, updated_at`,
		e.EmailID,
		e.ToEmail,
		e.CcEmail,
		e.BccEmail,
		e.Subject,
		e.Body,
		e.AttachmentURL,
		e.DateToSend,
		e.TimeToSend,
		e.Timezone,
		models.StatusPending,
	).Scan(&e.CreatedAt, &e.UpdatedAt)

	return errors.Wrapf(err, "insert email for %s", e.ToEmail)
}
