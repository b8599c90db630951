package model

import "time"

// RunStatus represents the lifecycle state of an extraction run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusCancelled || s == RunStatusFailed
}

// Counters holds the run-level tallies folded in from item outcomes.
type Counters struct {
	EmailsProcessed     int `json:"emails_processed"`
	TransactionsCreated int `json:"transactions_created"`
	InformationalCount  int `json:"informational_count"`
	ErrorCount          int `json:"error_count"`
}

// Add folds a single item contribution into the counters.
func (c Counters) Add(delta Contribution) Counters {
	c.EmailsProcessed += delta.Processed
	c.TransactionsCreated += delta.Transactions
	c.InformationalCount += delta.Informational
	c.ErrorCount += delta.Errors
	return c
}

// Contribution is what one finished item adds to its run's counters.
type Contribution struct {
	Processed     int `json:"processed"`
	Transactions  int `json:"transactions"`
	Informational int `json:"informational"`
	Errors        int `json:"errors"`
}

// Run is one extraction attempt over one email collection with one
// model/prompt pair.
type Run struct {
	ID           string     `json:"id"`
	CollectionID string     `json:"collection_id"`
	Version      int        `json:"version"`
	ModelID      string     `json:"model_id"`
	PromptID     string     `json:"prompt_id"`
	Status       RunStatus  `json:"status"`
	Counters     Counters   `json:"counters"`
	TargetTotal  int        `json:"target_total"`
	SampleSize   *int       `json:"sample_size,omitempty"`
	CostUSD      float64    `json:"cost_usd"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ResumedAt    *time.Time `json:"resumed_at,omitempty"`
	HeartbeatAt  *time.Time `json:"heartbeat_at,omitempty"`
}

// Done reports whether the run has processed its whole target population.
func (r *Run) Done() bool {
	return r.Counters.EmailsProcessed >= r.TargetTotal
}
