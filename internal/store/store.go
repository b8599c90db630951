// Package store is the persistence gateway: the only code that touches
// durable storage. Postgres is the production backend; SQLite serves local
// runs and tests.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/email-extract/internal/model"
)

var (
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = eris.New("store: not found")
	// ErrCountersClosed is returned when a counter increment is rejected
	// because the run is finalized or already at its target total.
	ErrCountersClosed = eris.New("store: run counters closed")
)

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status       model.RunStatus `json:"status,omitempty"`
	CollectionID string          `json:"collection_id,omitempty"`
	Limit        int             `json:"limit,omitempty"`
	Offset       int             `json:"offset,omitempty"`
}

// Progress is the run state observed right after an atomic counter update.
type Progress struct {
	Counters    model.Counters  `json:"counters"`
	TargetTotal int             `json:"target_total"`
	Status      model.RunStatus `json:"status"`
}

// Complete reports whether the run has reached its target total.
func (p Progress) Complete() bool {
	return p.Counters.EmailsProcessed >= p.TargetTotal
}

// ItemRecord is everything one processed email writes, persisted together.
type ItemRecord struct {
	Outcome      model.ItemOutcome
	Transactions []model.Transaction
	Evidence     *model.Evidence
	ErrorLog     *model.ErrorLog
}

// Store defines the persistence interface for extraction runs.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *model.Run) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)
	ReopenRun(ctx context.Context, runID string, counters model.Counters, at time.Time) error
	SetWorkload(ctx context.Context, runID string, targetTotal int, emailIDs []string) error
	ListRunItems(ctx context.Context, runID string) ([]string, error)
	IncrementCounters(ctx context.Context, runID string, delta model.Contribution, costUSD float64) (*Progress, error)
	CompleteRun(ctx context.Context, runID string, at time.Time) (bool, error)
	CancelRun(ctx context.Context, runID string, at time.Time) (bool, error)
	FailRun(ctx context.Context, runID string, at time.Time) (bool, error)
	TouchHeartbeat(ctx context.Context, runID string, at time.Time) error
	// ClearHeartbeat drops the heartbeat of a running run whose executor
	// stopped without finishing, so it can be resumed at once.
	ClearHeartbeat(ctx context.Context, runID string) error

	// Collection inputs
	InsertEmails(ctx context.Context, emails []model.Email) (int, error)
	ListEmails(ctx context.Context, collectionID string) ([]model.Email, error)
	UpsertPrompt(ctx context.Context, prompt *model.Prompt) error
	GetPrompt(ctx context.Context, promptID string) (*model.Prompt, error)

	// Accounts
	ListAccounts(ctx context.Context) ([]model.Account, error)
	InsertAccounts(ctx context.Context, accounts []model.Account) error

	// Item results
	SaveItem(ctx context.Context, rec ItemRecord) error
	InsertErrorLogs(ctx context.Context, logs []model.ErrorLog) error
	ListOutcomes(ctx context.Context, runID string) ([]model.ItemOutcome, error)
	ListTransactions(ctx context.Context, runID string) ([]model.Transaction, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// defaultListLimit caps ListRuns when the filter sets no limit.
const defaultListLimit = 100
