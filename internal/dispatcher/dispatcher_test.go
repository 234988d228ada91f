package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"CoachMail/internal/db"
	"CoachMail/internal/email"
	"CoachMail/internal/models"
	"CoachMail/internal/schedule"
)

// fakeQueue keeps rows in memory and applies the same row rules as the
// Postgres store: retry bound, coarse due filter and compare-and-set claim.
type fakeQueue struct {
	mu   sync.Mutex
	rows map[string]*models.ScheduledEmail

	// coarse disables the due pre-filter so not-yet-due rows are fetched too
	coarse   bool
	fetchErr error
	claimErr map[string]error
	sentErr  error
	order    []string

	// beforeClaim runs under the lock ahead of the claim check, standing in
	// for another run that touched the row after it was fetched
	beforeClaim func(r *models.ScheduledEmail)
}

func newFakeQueue(rows ...models.ScheduledEmail) *fakeQueue {
	q := &fakeQueue{rows: make(map[string]*models.ScheduledEmail), claimErr: make(map[string]error)}
	for i := range rows {
		r := rows[i]
		if r.Status == "" {
			r.Status = models.StatusPending
		}
		r.CreatedAt = time.Unix(int64(i), 0)
		q.rows[r.EmailID] = &r
		q.order = append(q.order, r.EmailID)
	}
	return q
}

func (q *fakeQueue) FetchDue(_ context.Context, now time.Time, limit int, maxRetries int) ([]models.ScheduledEmail, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.fetchErr != nil {
		return nil, q.fetchErr
	}

	refDate, refClock := db.DueReference(now)
	ref, _ := schedule.ParseWallClock(refDate, refClock)

	var out []models.ScheduledEmail
	for _, id := range q.order {
		r := q.rows[id]
		if r.Sent || r.RetryCount >= maxRetries || r.Status == models.StatusInProgress {
			continue
		}
		if !q.coarse {
			wall, err := schedule.ParseWallClock(r.DateToSend, r.TimeToSend)
			if err == nil && wall.After(ref) {
				continue
			}
		}
		out = append(out, *r)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (q *fakeQueue) MarkInProgress(_ context.Context, id string, fetchedRetries, maxRetries int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.claimErr[id]; err != nil {
		return err
	}
	r := q.rows[id]
	if q.beforeClaim != nil {
		q.beforeClaim(r)
	}
	if r.Sent || r.Status == models.StatusInProgress ||
		r.RetryCount != fetchedRetries || r.RetryCount >= maxRetries {
		return db.ErrNotClaimed
	}
	r.Status = models.StatusInProgress
	return nil
}

func (q *fakeQueue) MarkSent(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.sentErr != nil {
		return q.sentErr
	}
	r := q.rows[id]
	r.Status = models.StatusSent
	r.Sent = true
	r.LastError = ""
	return nil
}

func (q *fakeQueue) MarkFailed(_ context.Context, id string, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	r := q.rows[id]
	r.Status = models.StatusFailed
	r.RetryCount++
	r.LastError = reason
	return nil
}

func (q *fakeQueue) get(id string) models.ScheduledEmail {
	q.mu.Lock()
	defer q.mu.Unlock()
	return *q.rows[id]
}

type fakeTransport struct {
	mu   sync.Mutex
	sent []email.Message
	fail map[string]string

	// onSend runs before the result is decided, like bytes on the wire
	onSend  func()
	ctxErrs []error
}

func (f *fakeTransport) Send(ctx context.Context, msg email.Message) email.SendResult {
	if f.onSend != nil {
		f.onSend()
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	f.sent = append(f.sent, msg)
	if reason, ok := f.fail[msg.To[0]]; ok {
		return email.SendResult{Success: false, Error: reason}
	}
	return email.SendResult{Success: true, MessageID: "<" + msg.To[0] + ">"}
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeResolver struct {
	errs map[string]error
}

func (f fakeResolver) Resolve(_ context.Context, ref string) (email.Attachment, error) {
	if err := f.errs[ref]; err != nil {
		return email.Attachment{}, err
	}
	return email.Attachment{Filename: "file.pdf", Content: []byte("%PDF"), Source: ref}, nil
}

var testNow = time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

func newTestDispatcher(q Queue, tr Transport, opts Options) *Dispatcher {
	d := New(q, tr, fakeResolver{}, nil, zap.NewNop(), opts)
	d.now = func() time.Time { return testNow }
	return d
}

func row(id, to, date, clock, tz string) models.ScheduledEmail {
	return models.ScheduledEmail{
		EmailID:    id,
		ToEmail:    to,
		Subject:    "Weekly check-in",
		Body:       "<p>Hello</p>",
		DateToSend: date,
		TimeToSend: clock,
		Timezone:   tz,
	}
}

func TestProcess_SendsDueEmail(t *testing.T) {
	q := newFakeQueue(row("e1", "a@x.com", "2026-10-15", "09:00:00", "America/New_York"))
	tr := &fakeTransport{}

	res, err := newTestDispatcher(q, tr, Options{BatchSize: 10, MaxRetries: 3}).ProcessScheduledEmails(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 1, res.Sent)
	assert.NotEmpty(t, res.RunID)
	require.Len(t, res.Details, 1)
	assert.Equal(t, models.OutcomeSent, res.Details[0].Status)

	got := q.get("e1")
	assert.True(t, got.Sent)
	assert.Equal(t, models.StatusSent, got.Status)

	require.Equal(t, 1, tr.count())
	assert.Equal(t, []string{"a@x.com"}, tr.sent[0].To)
	assert.Equal(t, "Weekly check-in", tr.sent[0].Subject)
	assert.Equal(t, "<p>Hello</p>", tr.sent[0].HTML)
}

func TestProcess_NotDueIsSkippedWithoutMutation(t *testing.T) {
	// 23:59:59 in Kiritimati is 09:59:59Z, still ahead of midnight UTC
	q := newFakeQueue(row("e1", "a@x.com", "2026-10-16", "23:59:59", "Pacific/Kiritimati"))
	q.coarse = true
	tr := &fakeTransport{}

	d := newTestDispatcher(q, tr, Options{BatchSize: 10, MaxRetries: 3})
	d.now = func() time.Time { return time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC) }

	res, err := d.ProcessScheduledEmails(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, ReasonNotDue, res.Details[0].Reason)
	assert.Zero(t, tr.count())

	got := q.get("e1")
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Zero(t, got.RetryCount)
	assert.False(t, got.Sent)
}

func TestProcess_CoarseFilterStillNeedsResolver(t *testing.T) {
	// passes the +14h wall clock filter but 13:00 New York is 17:00Z
	q := newFakeQueue(row("e1", "a@x.com", "2026-10-16", "13:00:00", "America/New_York"))
	tr := &fakeTransport{}

	res, err := newTestDispatcher(q, tr, Options{BatchSize: 10, MaxRetries: 3}).ProcessScheduledEmails(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Skipped)
	assert.Zero(t, tr.count())
}

func TestProcess_InvalidTimezoneFails(t *testing.T) {
	q := newFakeQueue(row("e1", "a@x.com", "2026-10-15", "09:00:00", "Not/AZone"))
	tr := &fakeTransport{}

	res, err := newTestDispatcher(q, tr, Options{BatchSize: 10, MaxRetries: 3}).ProcessScheduledEmails(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, ReasonInvalidTimezone, res.Details[0].Error)
	assert.Zero(t, tr.count())

	got := q.get("e1")
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, ReasonInvalidTimezone, got.LastError)
}

func TestProcess_EmptyTimezoneUsesDefault(t *testing.T) {
	// 20:00 Tokyo is 11:00Z and due; read as UTC it would not be
	q := newFakeQueue(row("e1", "a@x.com", "2026-10-16", "20:00:00", ""))
	tr := &fakeTransport{}

	res, err := newTestDispatcher(q, tr, Options{BatchSize: 10, MaxRetries: 3, DefaultTimezone: "Asia/Tokyo"}).
		ProcessScheduledEmails(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Sent)
}

func TestProcess_NonexistentLocalTimeFails(t *testing.T) {
	q := newFakeQueue(row("e1", "a@x.com", "2026-03-08", "02:30:00", "America/New_York"))
	tr := &fakeTransport{}

	res, err := newTestDispatcher(q, tr, Options{BatchSize: 10, MaxRetries: 3}).ProcessScheduledEmails(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, ReasonNonexistentTime, res.Details[0].Error)
	assert.Zero(t, tr.count())
}

// Malformed times are failures that count toward the retry bound, not rows
// that stay "not due" forever.
func TestProcess_MalformedSendTimeFails(t *testing.T) {
	q := newFakeQueue(
		row("bad-date", "a@x.com", "2026-02-30", "09:00:00", "UTC"),
		row("bad-clock", "b@x.com", "2026-10-15", "9am", "UTC"),
	)
	tr := &fakeTransport{}

	res, err := newTestDispatcher(q, tr, Options{BatchSize: 10, MaxRetries: 3}).ProcessScheduledEmails(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, res.Failed)
	for _, o := range res.Details {
		assert.Equal(t, ReasonInvalidSendTime, o.Error)
		got := q.get(o.EmailID)
		assert.Equal(t, models.StatusFailed, got.Status)
		assert.Equal(t, 1, got.RetryCount)
	}
	assert.Zero(t, tr.count())
}

func TestProcess_RetryBoundParksRow(t *testing.T) {
	r := row("e1", "bad@x.com", "2026-10-15", "09:00:00", "UTC")
	r.RetryCount = 2
	r.Status = models.StatusFailed
	q := newFakeQueue(r)
	tr := &fakeTransport{fail: map[string]string{"bad@x.com": "550 mailbox unavailable"}}
	d := newTestDispatcher(q, tr, Options{BatchSize: 10, MaxRetries: 3})

	res, err := d.ProcessScheduledEmails(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, "550 mailbox unavailable", res.Details[0].Error)

	got := q.get("e1")
	assert.Equal(t, 3, got.RetryCount)
	assert.True(t, got.Parked(3))

	res, err = d.ProcessScheduledEmails(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Processed)
	assert.Equal(t, 1, tr.count())
}

func TestProcess_FailureIsIsolatedWithinBatch(t *testing.T) {
	q := newFakeQueue(
		row("e1", "a@x.com", "2026-10-15", "09:00:00", "UTC"),
		row("e2", "b@x.com", "2026-10-15", "09:00:00", "UTC"),
		row("e3", "c@x.com", "2026-10-15", "09:00:00", "UTC"),
	)
	tr := &fakeTransport{fail: map[string]string{"b@x.com": "connection reset"}}

	res, err := newTestDispatcher(q, tr, Options{BatchSize: 10, MaxRetries: 3, Workers: 3}).
		ProcessScheduledEmails(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, res.Processed)
	assert.Equal(t, 2, res.Sent)
	assert.Equal(t, 0, res.Skipped)
	assert.Equal(t, 1, res.Failed)

	// details keep fetch order regardless of worker scheduling
	ids := []string{res.Details[0].EmailID, res.Details[1].EmailID, res.Details[2].EmailID}
	assert.Equal(t, []string{"e1", "e2", "e3"}, ids)
	assert.Equal(t, models.OutcomeFailed, res.Details[1].Status)

	assert.True(t, q.get("e1").Sent)
	assert.False(t, q.get("e2").Sent)
	assert.True(t, q.get("e3").Sent)
}

func TestProcess_RespectsBatchSize(t *testing.T) {
	var rows []models.ScheduledEmail
	for i := 0; i < 7; i++ {
		rows = append(rows, row(fmt.Sprintf("e%d", i), fmt.Sprintf("u%d@x.com", i), "2026-10-15", "09:00:00", "UTC"))
	}
	q := newFakeQueue(rows...)
	tr := &fakeTransport{}

	d := newTestDispatcher(q, tr, Options{BatchSize: 5, MaxRetries: 3, Workers: 2})

	res, err := d.ProcessScheduledEmails(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, res.Processed)

	res, err = d.ProcessScheduledEmails(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 7, tr.count())
}

func TestProcess_ClaimedElsewhereIsSkipped(t *testing.T) {
	q := newFakeQueue(row("e1", "a@x.com", "2026-10-15", "09:00:00", "UTC"))
	q.claimErr["e1"] = db.ErrNotClaimed
	tr := &fakeTransport{}

	res, err := newTestDispatcher(q, tr, Options{BatchSize: 10, MaxRetries: 3}).ProcessScheduledEmails(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, ReasonClaimed, res.Details[0].Reason)
	assert.Zero(t, tr.count())
	assert.Zero(t, q.get("e1").RetryCount)
}

func TestProcess_ClaimErrorFailsWithoutRetryIncrement(t *testing.T) {
	q := newFakeQueue(row("e1", "a@x.com", "2026-10-15", "09:00:00", "UTC"))
	q.claimErr["e1"] = errors.New("connection refused")
	tr := &fakeTransport{}

	res, err := newTestDispatcher(q, tr, Options{BatchSize: 10, MaxRetries: 3}).ProcessScheduledEmails(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Failed)
	assert.Contains(t, res.Details[0].Error, "connection refused")
	assert.Zero(t, tr.count())
	assert.Zero(t, q.get("e1").RetryCount)
}

func TestProcess_FetchErrorIsFatal(t *testing.T) {
	q := newFakeQueue()
	q.fetchErr = errors.New("database is down")

	res, err := newTestDispatcher(q, &fakeTransport{}, Options{}).ProcessScheduledEmails(context.Background())

	assert.Nil(t, res)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is down")
}

func TestProcess_InvalidRecipientFails(t *testing.T) {
	q := newFakeQueue(row("e1", "not an address", "2026-10-15", "09:00:00", "UTC"))
	tr := &fakeTransport{}

	res, err := newTestDispatcher(q, tr, Options{BatchSize: 10, MaxRetries: 3}).ProcessScheduledEmails(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Failed)
	assert.Contains(t, res.Details[0].Error, "invalid recipient")
	assert.Equal(t, 1, q.get("e1").RetryCount)
	assert.Zero(t, tr.count())
}

func TestProcess_CcAndBccLists(t *testing.T) {
	r := row("e1", "a@x.com", "2026-10-15", "09:00:00", "UTC")
	r.CcEmail = "Coach <coach@x.com>; lead@x.com"
	r.BccEmail = "audit@x.com"
	q := newFakeQueue(r)
	tr := &fakeTransport{}

	_, err := newTestDispatcher(q, tr, Options{BatchSize: 10, MaxRetries: 3}).ProcessScheduledEmails(context.Background())
	require.NoError(t, err)

	require.Equal(t, 1, tr.count())
	assert.Equal(t, []string{"coach@x.com", "lead@x.com"}, tr.sent[0].Cc)
	assert.Equal(t, []string{"audit@x.com"}, tr.sent[0].Bcc)
}

func TestProcess_AttachmentRejectedFails(t *testing.T) {
	r := row("e1", "a@x.com", "2026-10-15", "09:00:00", "UTC")
	r.AttachmentURL = "https://files.example.com/run.exe"
	q := newFakeQueue(r)
	tr := &fakeTransport{}

	d := newTestDispatcher(q, tr, Options{BatchSize: 10, MaxRetries: 3})
	d.attachments = fakeResolver{errs: map[string]error{r.AttachmentURL: errors.New("attachment rejected: extension .exe")}}

	res, err := d.ProcessScheduledEmails(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Failed)
	assert.Contains(t, res.Details[0].Error, ".exe")
	assert.Zero(t, tr.count())
}

func TestProcess_AttachmentIsForwarded(t *testing.T) {
	r := row("e1", "a@x.com", "2026-10-15", "09:00:00", "UTC")
	r.AttachmentURL = "https://files.example.com/plan.pdf"
	q := newFakeQueue(r)
	tr := &fakeTransport{}

	res, err := newTestDispatcher(q, tr, Options{BatchSize: 10, MaxRetries: 3}).ProcessScheduledEmails(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Sent)
	require.Len(t, tr.sent[0].Attachments, 1)
	assert.Equal(t, "file.pdf", tr.sent[0].Attachments[0].Filename)
}

func TestProcess_MarkSentErrorStillReportsSent(t *testing.T) {
	q := newFakeQueue(row("e1", "a@x.com", "2026-10-15", "09:00:00", "UTC"))
	q.sentErr = errors.New("write timeout")
	tr := &fakeTransport{}

	res, err := newTestDispatcher(q, tr, Options{BatchSize: 10, MaxRetries: 3}).ProcessScheduledEmails(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Sent)
	assert.Contains(t, res.Details[0].Error, "write timeout")
}

func TestProcess_CancelledRunLeavesRowsUntouched(t *testing.T) {
	q := newFakeQueue(
		row("e1", "a@x.com", "2026-10-15", "09:00:00", "UTC"),
		row("e2", "b@x.com", "2026-10-15", "09:00:00", "UTC"),
	)
	tr := &fakeTransport{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := newTestDispatcher(q, tr, Options{BatchSize: 10, MaxRetries: 3})
	res, err := d.ProcessScheduledEmails(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 2, res.Skipped)
	assert.Zero(t, tr.count())

	for _, o := range res.Details {
		assert.Equal(t, ReasonCancelled, o.Reason)
		assert.Equal(t, models.StatusPending, q.get(o.EmailID).Status)
		assert.Zero(t, q.get(o.EmailID).RetryCount)
	}
}

// The trigger going away mid-send must not turn a delivered message into a
// failure that is retried and delivered again.
func TestProcess_CancelDuringSendStillRecordsSent(t *testing.T) {
	q := newFakeQueue(row("e1", "a@x.com", "2026-10-15", "09:00:00", "UTC"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr := &fakeTransport{onSend: cancel}

	res, err := newTestDispatcher(q, tr, Options{BatchSize: 10, MaxRetries: 3}).ProcessScheduledEmails(ctx)
	require.NoError(t, err)

	require.Error(t, ctx.Err())
	assert.Equal(t, 1, res.Sent)
	assert.Zero(t, res.Failed)
	require.Len(t, tr.ctxErrs, 1)
	assert.NoError(t, tr.ctxErrs[0])

	got := q.get("e1")
	assert.True(t, got.Sent)
	assert.Equal(t, models.StatusSent, got.Status)
	assert.Zero(t, got.RetryCount)
}

func TestProcess_ClaimRejectsRowChangedSinceFetch(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *models.ScheduledEmail)
	}{
		{"failed and parked by another run", func(r *models.ScheduledEmail) {
			r.Status = models.StatusFailed
			r.RetryCount = 3
		}},
		{"failed once by another run", func(r *models.ScheduledEmail) {
			r.Status = models.StatusFailed
			r.RetryCount++
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := row("e1", "a@x.com", "2026-10-15", "09:00:00", "UTC")
			r.RetryCount = 1
			q := newFakeQueue(r)
			q.beforeClaim = tt.mutate
			tr := &fakeTransport{}

			res, err := newTestDispatcher(q, tr, Options{BatchSize: 10, MaxRetries: 3}).ProcessScheduledEmails(context.Background())
			require.NoError(t, err)

			assert.Equal(t, 1, res.Skipped)
			assert.Equal(t, ReasonClaimed, res.Details[0].Reason)
			assert.Zero(t, tr.count())
			assert.Equal(t, models.StatusFailed, q.get("e1").Status)
		})
	}
}

func TestProcess_RepeatedRunsNeverResend(t *testing.T) {
	var rows []models.ScheduledEmail
	for i := 0; i < 20; i++ {
		rows = append(rows, row(fmt.Sprintf("e%02d", i), fmt.Sprintf("u%02d@x.com", i), "2026-10-15", "09:00:00", "UTC"))
	}
	q := newFakeQueue(rows...)
	tr := &fakeTransport{}
	d := newTestDispatcher(q, tr, Options{BatchSize: 20, MaxRetries: 3, Workers: 4})

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.ProcessScheduledEmails(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	var to []string
	for _, m := range tr.sent {
		to = append(to, m.To[0])
	}
	sort.Strings(to)

	assert.Len(t, to, 20)
	for i := 1; i < len(to); i++ {
		assert.NotEqual(t, to[i-1], to[i])
	}
}

func TestParseAddresses(t *testing.T) {
	tests := []struct {
		in      string
		want    []string
		wantErr bool
	}{
		{"", nil, false},
		{"  ", nil, false},
		{"a@x.com", []string{"a@x.com"}, false},
		{"A <a@x.com>, b@x.com", []string{"a@x.com", "b@x.com"}, false},
		{"a@x.com;b@x.com", []string{"a@x.com", "b@x.com"}, false},
		{"nope", nil, true},
	}

	for _, tt := range tests {
		got, err := parseAddresses(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
