package csvparser

import (
	"os"

	"CoachMail/internal/models"
)

// ParseFile opens path and parses it with ParseScheduledEmails.
func ParseFile(path string, maxRows int) ([]models.ScheduledEmail, []RowError, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	return ParseScheduledEmails(f, maxRows)
}
