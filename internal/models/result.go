package models

type OutcomeStatus string

const (
	OutcomeSent    OutcomeStatus = "sent"
	OutcomeSkipped OutcomeStatus = "skipped"
	OutcomeFailed  OutcomeStatus = "failed"
)

// Outcome is the per-record entry of a DispatchResult.
type Outcome struct {
	EmailID          string        `json:"emailId"`
	Status           OutcomeStatus `json:"status"`
	Reason           string        `json:"reason,omitempty"`
	Error            string        `json:"error,omitempty"`
	ProcessingTimeMs int64         `json:"processingTimeMs,omitempty"`
}

// DispatchResult summarises one dispatcher invocation. It is never persisted.
type DispatchResult struct {
	RunID     string    `json:"runId"`
	Processed int       `json:"processed"`
	Sent      int       `json:"sent"`
	Skipped   int       `json:"skipped"`
	Failed    int       `json:"failed"`
	Details   []Outcome `json:"details"`
}

// NewDispatchResult counts outcomes, keeping details in the given order.
func NewDispatchResult(runID string, outcomes []Outcome) *DispatchResult {
	res := &DispatchResult{
		RunID:   runID,
		Details: make([]Outcome, 0, len(outcomes)),
	}

	for _, o := range outcomes {
		switch o.Status {
		case OutcomeSent:
			res.Sent++
		case OutcomeFailed:
			res.Failed++
		default:
			o.Status = OutcomeSkipped
			res.Skipped++
		}
		res.Processed++
		res.Details = append(res.Details, o)
	}

	return res
}
