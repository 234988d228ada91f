package csvparser

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"CoachMail/internal/models"
	"CoachMail/internal/schedule"
)

const DefaultMaxRows = 1000

var requiredColumns = []string{"to_email", "subject", "date_to_send", "time_to_send"}

// RowError describes a data row that was skipped. Line is 1-based and counts
// the header.
type RowError struct {
	Line int
	Err  error
}

func (e RowError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

// ParseScheduledEmails reads scheduled emails from CSV. The header names the
// columns (case-insensitive, any order): to_email, cc_email, bcc_email,
// subject, body, attachment_url, date_to_send, time_to_send, timezone.
// Malformed rows are skipped and reported; maxRows bounds the accepted rows.
func ParseScheduledEmails(r io.Reader, maxRows int) ([]models.ScheduledEmail, []RowError, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	headers, err := reader.Read()
	if err == io.EOF {
		return nil, nil, errors.New("csv is empty")
	}
	if err != nil {
		return nil, nil, err
	}

	index := make(map[string]int, len(headers))
	for i, h := range headers {
		h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if h != "" {
			index[h] = i
		}
	}
	for _, col := range requiredColumns {
		if _, ok := index[col]; !ok {
			return nil, nil, fmt.Errorf("csv must contain a %s column", col)
		}
	}

	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}

	var (
		emails  = make([]models.ScheduledEmail, 0)
		skipped []RowError
		line    = 1
	)

	for len(emails) < maxRows {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				skipped = append(skipped, RowError{Line: line, Err: err})
				continue
			}
			return nil, nil, err
		}
		if len(record) != len(headers) {
			skipped = append(skipped, RowError{Line: line, Err: fmt.Errorf("expected %d fields, got %d", len(headers), len(record))})
			continue
		}

		get := func(col string) string {
			if i, ok := index[col]; ok {
				return strings.TrimSpace(record[i])
			}
			return ""
		}

		e, err := buildRow(get)
		if err != nil {
			skipped = append(skipped, RowError{Line: line, Err: err})
			continue
		}
		emails = append(emails, e)
	}

	if len(emails) == 0 && len(skipped) == 0 {
		return nil, nil, errors.New("csv must contain at least one data row")
	}

	return emails, skipped, nil
}

func buildRow(get func(string) string) (models.ScheduledEmail, error) {
	e := models.ScheduledEmail{
		ToEmail:       get("to_email"),
		CcEmail:       get("cc_email"),
		BccEmail:      get("bcc_email"),
		Subject:       get("subject"),
		Body:          get("body"),
		AttachmentURL: get("attachment_url"),
		Timezone:      get("timezone"),
		Status:        models.StatusPending,
	}

	if e.ToEmail == "" {
		return e, errors.New("to_email is empty")
	}
	if e.Subject == "" {
		return e, errors.New("subject is empty")
	}
	if e.Timezone != "" && !schedule.IsValidTimezone(e.Timezone) {
		return e, fmt.Errorf("unknown timezone %q", e.Timezone)
	}

	wall, err := schedule.ParseWallClock(get("date_to_send"), get("time_to_send"))
	if err != nil {
		return e, err
	}
	e.DateToSend = wall.Format(schedule.DateLayout)
	e.TimeToSend = wall.Format(schedule.ClockLayout)

	return e, nil
}
