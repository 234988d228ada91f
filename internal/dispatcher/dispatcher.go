// Package dispatcher sends scheduled emails that have come due.
//
// One call to ProcessScheduledEmails fetches a batch of candidates from the
// queue, re-checks each against its own timezone, sends the due ones and
// records the outcome on the row. The dispatcher keeps no state between calls;
// the queue rows are the only memory.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"CoachMail/internal/db"
	"CoachMail/internal/email"
	"CoachMail/internal/metrics"
	"CoachMail/internal/models"
	"CoachMail/internal/schedule"
	"CoachMail/internal/worker"
)

const (
	ReasonInvalidTimezone = "invalid timezone"
	ReasonInvalidSendTime = "invalid send time"
	ReasonNonexistentTime = "nonexistent local send time"
	ReasonNotDue          = "not due"
	ReasonClaimed         = "claimed by another run"
	ReasonCancelled       = "cancelled"
)

// Queue is the persisted store of scheduled emails. Each call is atomic for
// a single row; nothing spans rows.
type Queue interface {
	FetchDue(ctx context.Context, now time.Time, limit int, maxRetries int) ([]models.ScheduledEmail, error)
	// MarkInProgress claims the row only while its retry count still equals
	// the fetched one and is below maxRetries.
	MarkInProgress(ctx context.Context, emailID string, fetchedRetries, maxRetries int) error
	MarkSent(ctx context.Context, emailID string) error
	MarkFailed(ctx context.Context, emailID string, reason string) error
}

type Transport interface {
	Send(ctx context.Context, msg email.Message) email.SendResult
}

type AttachmentResolver interface {
	Resolve(ctx context.Context, ref string) (email.Attachment, error)
}

type Options struct {
	BatchSize       int
	MaxRetries      int
	Workers         int
	DefaultTimezone string
}

type Dispatcher struct {
	queue       Queue
	transport   Transport
	attachments AttachmentResolver
	limiter     *rate.Limiter
	log         *zap.Logger
	opts        Options
	now         func() time.Time
}

// New wires a dispatcher. limiter may be nil to send without pacing.
func New(
	queue Queue,
	transport Transport,
	attachments AttachmentResolver,
	limiter *rate.Limiter,
	logger *zap.Logger,
	opts Options,
) *Dispatcher {

	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Workers > opts.BatchSize {
		opts.Workers = opts.BatchSize
	}
	if opts.DefaultTimezone == "" {
		opts.DefaultTimezone = "UTC"
	}

	return &Dispatcher{
		queue:       queue,
		transport:   transport,
		attachments: attachments,
		limiter:     limiter,
		log:         logger,
		opts:        opts,
		now:         time.Now,
	}
}

// ProcessScheduledEmails runs one batch. Per-record problems end up in the
// result; only a failure to fetch the batch is returned as an error.
func (d *Dispatcher) ProcessScheduledEmails(ctx context.Context) (*models.DispatchResult, error) {
	started := time.Now()
	now := d.now()
	runID := uuid.NewString()
	log := d.log.With(zap.String("run_id", runID))

	candidates, err := d.queue.FetchDue(ctx, now, d.opts.BatchSize, d.opts.MaxRetries)
	if err != nil {
		metrics.DispatchRuns.WithLabelValues("error").Inc()
		log.Error("failed to fetch due emails", zap.Error(err))
		return nil, fmt.Errorf("fetch due emails: %w", err)
	}

	log.Info("dispatch run started", zap.Int("candidates", len(candidates)))

	// rows a cancelled run never reaches stay untouched
	outcomes := make([]models.Outcome, len(candidates))
	for i, c := range candidates {
		outcomes[i] = models.Outcome{
			EmailID: c.EmailID,
			Status:  models.OutcomeSkipped,
			Reason:  ReasonCancelled,
		}
	}

	worker.Run(ctx, d.opts.Workers, len(candidates), log,
		func(ctx context.Context, workerID int, i int) {
			outcomes[i] = d.process(ctx, log.With(zap.Int("worker_id", workerID)), now, candidates[i])
		},
	)

	result := models.NewDispatchResult(runID, outcomes)

	metrics.EmailsSent.Add(float64(result.Sent))
	metrics.EmailFailures.Add(float64(result.Failed))
	metrics.EmailsSkipped.Add(float64(result.Skipped))
	metrics.DispatchRuns.WithLabelValues("ok").Inc()
	metrics.DispatchDuration.Observe(time.Since(started).Seconds())

	log.Info("dispatch run complete",
		zap.Int("processed", result.Processed),
		zap.Int("sent", result.Sent),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed),
		zap.Duration("took", time.Since(started)),
	)

	return result, nil
}

// process takes one candidate to its outcome. A row whose timezone, date or
// time is malformed, or whose local time falls in a DST gap, is marked failed
// and counts toward its retries; only a well-formed time in the future is
// skipped as not due. Cancellation before the claim leaves the row untouched.
// Once claimed, the send and its bookkeeping run to completion.
func (d *Dispatcher) process(
	ctx context.Context,
	log *zap.Logger,
	now time.Time,
	e models.ScheduledEmail,
) models.Outcome {

	start := time.Now()
	log = log.With(zap.String("email_id", e.EmailID))

	out := models.Outcome{EmailID: e.EmailID}
	done := func(status models.OutcomeStatus) models.Outcome {
		out.Status = status
		out.ProcessingTimeMs = time.Since(start).Milliseconds()
		return out
	}
	skip := func(reason string) models.Outcome {
		out.Reason = reason
		return done(models.OutcomeSkipped)
	}
	fail := func(reason string) models.Outcome {
		out.Error = d.markFailed(ctx, log, e, reason)
		return done(models.OutcomeFailed)
	}

	// ----------------------------
	// Due check
	// ----------------------------
	tz := strings.TrimSpace(e.Timezone)
	if tz == "" {
		tz = d.opts.DefaultTimezone
	}
	if !schedule.IsValidTimezone(tz) {
		return fail(ReasonInvalidTimezone)
	}

	if _, err := schedule.ParseWallClock(e.DateToSend, e.TimeToSend); err != nil {
		return fail(ReasonInvalidSendTime)
	}

	sendAt, ok := schedule.ConvertToUTC(e.DateToSend, e.TimeToSend, tz)
	if !ok {
		return fail(ReasonNonexistentTime)
	}
	if sendAt.After(now) {
		log.Debug("scheduled email not due yet", zap.Time("send_at", sendAt))
		return skip(ReasonNotDue)
	}

	// ----------------------------
	// Validation
	// ----------------------------
	msg, err := buildMessage(e)
	if err != nil {
		return fail(err.Error())
	}

	if strings.TrimSpace(e.AttachmentURL) != "" {
		att, err := d.resolveAttachment(ctx, e.AttachmentURL)
		if err != nil {
			if ctx.Err() != nil {
				return skip(ReasonCancelled)
			}
			return fail(err.Error())
		}
		msg.Attachments = []email.Attachment{att}
	}

	// ----------------------------
	// Rate Limit
	// ----------------------------
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			log.Warn("rate limiter stopped by context", zap.Error(err))
			return skip(ReasonCancelled)
		}
	}

	// ----------------------------
	// Claim
	// ----------------------------
	if ctx.Err() != nil {
		return skip(ReasonCancelled)
	}

	if err := d.queue.MarkInProgress(ctx, e.EmailID, e.RetryCount, d.opts.MaxRetries); err != nil {
		if errors.Is(err, db.ErrNotClaimed) {
			log.Info("scheduled email claimed by another run")
			return skip(ReasonClaimed)
		}
		log.Error("failed to update status to in_progress", zap.Error(err))
		out.Error = fmt.Sprintf("claim failed: %v", err)
		return done(models.OutcomeFailed)
	}

	// ----------------------------
	// Send
	// ----------------------------
	// a claimed row is finished even if the trigger goes away; the socket
	// deadline bounds the send
	claimed := context.WithoutCancel(ctx)

	res := d.transport.Send(claimed, msg)

	if !res.Success {
		out.Error = d.markFailed(claimed, log, e, res.Error)
		return done(models.OutcomeFailed)
	}

	if err := d.queue.MarkSent(claimed, e.EmailID); err != nil {
		log.Error("failed to update sent status", zap.Error(err))
		out.Error = fmt.Sprintf("status update failed: %v", err)
	}

	log.Info("scheduled email sent",
		zap.String("message_id", res.MessageID),
		zap.String("to", e.ToEmail),
	)

	return done(models.OutcomeSent)
}

// markFailed records reason on the row and returns the text for the outcome.
func (d *Dispatcher) markFailed(ctx context.Context, log *zap.Logger, e models.ScheduledEmail, reason string) string {
	if reason == "" {
		reason = "unknown error"
	}

	log.Warn("scheduled email failed",
		zap.String("reason", reason),
		zap.Int("attempt", e.RetryCount+1),
		zap.Int("max_retries", d.opts.MaxRetries),
	)

	if err := d.queue.MarkFailed(ctx, e.EmailID, reason); err != nil {
		log.Error("failed to update failure status", zap.Error(err))
		return fmt.Sprintf("%s; status update failed: %v", reason, err)
	}

	if e.RetryCount+1 >= d.opts.MaxRetries {
		log.Warn("scheduled email parked after exhausting retries")
	}

	return reason
}

func (d *Dispatcher) resolveAttachment(ctx context.Context, ref string) (email.Attachment, error) {
	if d.attachments == nil {
		return email.Attachment{Source: ref}, nil
	}
	return d.attachments.Resolve(ctx, ref)
}

func buildMessage(e models.ScheduledEmail) (email.Message, error) {
	to, err := parseAddresses(e.ToEmail)
	if err != nil || len(to) == 0 {
		return email.Message{}, fmt.Errorf("invalid recipient %q", e.ToEmail)
	}

	cc, err := parseAddresses(e.CcEmail)
	if err != nil {
		return email.Message{}, fmt.Errorf("invalid cc recipient %q", e.CcEmail)
	}

	bcc, err := parseAddresses(e.BccEmail)
	if err != nil {
		return email.Message{}, fmt.Errorf("invalid bcc recipient %q", e.BccEmail)
	}

	return email.Message{
		To:      to,
		Cc:      cc,
		Bcc:     bcc,
		Subject: e.Subject,
		HTML:    e.Body,
	}, nil
}

// parseAddresses accepts a comma or semicolon separated address list.
func parseAddresses(raw string) ([]string, error) {
	raw = strings.TrimSpace(strings.ReplaceAll(raw, ";", ","))
	if raw == "" {
		return nil, nil
	}

	list, err := mail.ParseAddressList(raw)
	if err != nil {
		return nil, err
	}

	addrs := make([]string, 0, len(list))
	for _, a := range list {
		addrs = append(addrs, a.Address)
	}
	return addrs, nil
}
