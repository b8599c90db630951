package model

import "time"

// OutcomeStatus classifies how a single email finished within a run.
type OutcomeStatus string

const (
	OutcomeCompleted     OutcomeStatus = "completed"
	OutcomeInformational OutcomeStatus = "informational"
	OutcomeEvidence      OutcomeStatus = "evidence"
	OutcomeFailed        OutcomeStatus = "failed"
)

// ErrorKind sub-classifies a failed item.
type ErrorKind string

const (
	ErrorKindAPI              ErrorKind = "api_error"
	ErrorKindSchemaValidation ErrorKind = "schema_validation"
	ErrorKindUnknown          ErrorKind = "unknown"
	ErrorKindPersistence      ErrorKind = "persistence"
)

// ItemOutcome records one email's extraction attempt within a run. It is
// written once and never updated.
type ItemOutcome struct {
	ID             string        `json:"id"`
	RunID          string        `json:"run_id"`
	EmailID        string        `json:"email_id"`
	Status         OutcomeStatus `json:"status"`
	RawOutput      string        `json:"raw_output,omitempty"`
	Confidence     float64       `json:"confidence"`
	DurationMs     int64         `json:"duration_ms"`
	TransactionIDs []string      `json:"transaction_ids,omitempty"`
	ErrorKind      ErrorKind     `json:"error_kind,omitempty"`
	ErrorMessage   string        `json:"error_message,omitempty"`
	InputTokens    int64         `json:"input_tokens"`
	OutputTokens   int64         `json:"output_tokens"`
	CostUSD        float64       `json:"cost_usd"`
	CreatedAt      time.Time     `json:"created_at"`
}

// Contribution returns what this outcome adds to its run's counters.
func (o *ItemOutcome) Contribution() Contribution {
	c := Contribution{Processed: 1}
	switch o.Status {
	case OutcomeCompleted:
		c.Transactions = len(o.TransactionIDs)
	case OutcomeInformational:
		c.Informational = 1
	case OutcomeFailed:
		c.Errors = 1
	}
	return c
}

// Evidence is the discussion-summary artifact recorded for evidence emails.
type Evidence struct {
	ID                      string    `json:"id"`
	RunID                   string    `json:"run_id"`
	EmailID                 string    `json:"email_id"`
	DiscussionSummary       string    `json:"discussion_summary"`
	RelatedReferenceNumbers []string  `json:"related_reference_numbers,omitempty"`
	CreatedAt               time.Time `json:"created_at"`
}

// ErrorLog is a structured failure entry referencing a run and an email.
type ErrorLog struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	EmailID   string    `json:"email_id"`
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}
