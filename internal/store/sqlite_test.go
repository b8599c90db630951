package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/email-extract/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func createTestRun(t *testing.T, st *SQLiteStore, id, collection string, target int) *model.Run {
	t.Helper()
	ctx := context.Background()
	run := &model.Run{
		ID:           id,
		CollectionID: collection,
		ModelID:      "claude-haiku-4-5-20251001",
		PromptID:     "prompt-1",
		Status:       model.RunStatusRunning,
		StartedAt:    time.Now().UTC(),
	}
	require.NoError(t, st.CreateRun(ctx, run))
	ids := make([]string, target)
	for i := range ids {
		ids[i] = fmt.Sprintf("%s-e%d", id, i)
	}
	require.NoError(t, st.SetWorkload(ctx, id, target, ids))
	return run
}

// --- Runs ---

func TestSQLite_CreateRun_VersionsPerCollection(t *testing.T) {
	st := newTestSQLiteStore(t)

	r1 := createTestRun(t, st, "run-a1", "coll-a", 1)
	r2 := createTestRun(t, st, "run-a2", "coll-a", 1)
	r3 := createTestRun(t, st, "run-b1", "coll-b", 1)

	assert.Equal(t, 1, r1.Version)
	assert.Equal(t, 2, r2.Version)
	assert.Equal(t, 1, r3.Version)
}

func TestSQLite_GetRun(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	sample := 3
	run := &model.Run{
		ID: "run-1", CollectionID: "coll", ModelID: "m", PromptID: "p",
		Status: model.RunStatusRunning, SampleSize: &sample, StartedAt: time.Now().UTC(),
	}
	require.NoError(t, st.CreateRun(ctx, run))

	got, err := st.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "coll", got.CollectionID)
	assert.Equal(t, model.RunStatusRunning, got.Status)
	require.NotNil(t, got.SampleSize)
	assert.Equal(t, 3, *got.SampleSize)
	assert.Nil(t, got.CompletedAt)
	assert.NotNil(t, got.HeartbeatAt)

	_, err = st.GetRun(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLite_ListRuns_Filter(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	createTestRun(t, st, "run-1", "coll-a", 1)
	createTestRun(t, st, "run-2", "coll-b", 1)
	_, err := st.CancelRun(ctx, "run-2", time.Now())
	require.NoError(t, err)

	all, err := st.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	cancelled, err := st.ListRuns(ctx, RunFilter{Status: model.RunStatusCancelled})
	require.NoError(t, err)
	require.Len(t, cancelled, 1)
	assert.Equal(t, "run-2", cancelled[0].ID)

	byColl, err := st.ListRuns(ctx, RunFilter{CollectionID: "coll-a", Limit: 10})
	require.NoError(t, err)
	require.Len(t, byColl, 1)
	assert.Equal(t, "run-1", byColl[0].ID)
}

func TestSQLite_Workload_PreservesOrder(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	run := &model.Run{ID: "run-1", CollectionID: "c", ModelID: "m", PromptID: "p", Status: model.RunStatusRunning, StartedAt: time.Now()}
	require.NoError(t, st.CreateRun(ctx, run))
	require.NoError(t, st.SetWorkload(ctx, "run-1", 3, []string{"e3", "e1", "e2"}))

	ids, err := st.ListRunItems(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"e3", "e1", "e2"}, ids)

	got, err := st.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 3, got.TargetTotal)
}

func TestSQLite_IncrementCounters_BoundedByTarget(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	createTestRun(t, st, "run-1", "coll", 2)

	p, err := st.IncrementCounters(ctx, "run-1", model.Contribution{Processed: 1, Transactions: 3}, 0.5)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Counters.EmailsProcessed)
	assert.False(t, p.Complete())

	p, err = st.IncrementCounters(ctx, "run-1", model.Contribution{Processed: 1, Errors: 1}, 0.25)
	require.NoError(t, err)
	assert.Equal(t, model.Counters{EmailsProcessed: 2, TransactionsCreated: 3, ErrorCount: 1}, p.Counters)
	assert.True(t, p.Complete())

	_, err = st.IncrementCounters(ctx, "run-1", model.Contribution{Processed: 1}, 0)
	assert.True(t, errors.Is(err, ErrCountersClosed))

	got, err := st.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Counters.EmailsProcessed)
	assert.InDelta(t, 0.75, got.CostUSD, 1e-9)
}

func TestSQLite_IncrementCounters_ConcurrentAtomic(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	createTestRun(t, st, "run-1", "coll", 20)

	var wg sync.WaitGroup
	var completions atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := st.IncrementCounters(ctx, "run-1", model.Contribution{Processed: 1, Informational: 1}, 0)
			if err == nil && p.Complete() {
				completions.Add(1)
			}
		}()
	}
	wg.Wait()

	got, err := st.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 20, got.Counters.EmailsProcessed)
	assert.Equal(t, 20, got.Counters.InformationalCount)
	assert.Equal(t, int32(1), completions.Load())
}

func TestSQLite_IncrementCounters_RejectedAfterCompletion(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	createTestRun(t, st, "run-1", "coll", 3)

	won, err := st.CompleteRun(ctx, "run-1", time.Now())
	require.NoError(t, err)
	require.True(t, won)

	_, err = st.IncrementCounters(ctx, "run-1", model.Contribution{Processed: 1}, 0)
	assert.True(t, errors.Is(err, ErrCountersClosed))
}

func TestSQLite_IncrementCounters_AllowedWhileCancelled(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	createTestRun(t, st, "run-1", "coll", 3)

	ok, err := st.CancelRun(ctx, "run-1", time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	p, err := st.IncrementCounters(ctx, "run-1", model.Contribution{Processed: 1}, 0)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCancelled, p.Status)
}

func TestSQLite_CompleteRun_ExactlyOnce(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	createTestRun(t, st, "run-1", "coll", 1)

	var wg sync.WaitGroup
	var wins atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := st.CompleteRun(ctx, "run-1", time.Now())
			if err == nil && won {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	got, err := st.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
}

func TestSQLite_CompleteRun_MarksTransactions(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	createTestRun(t, st, "run-1", "coll", 1)

	now := time.Now().UTC()
	require.NoError(t, st.SaveItem(ctx, ItemRecord{
		Outcome: model.ItemOutcome{
			ID: "o1", RunID: "run-1", EmailID: "e1", Status: model.OutcomeCompleted,
			TransactionIDs: []string{"t1", "t2"}, CreatedAt: now,
		},
		Transactions: []model.Transaction{
			{ID: "t1", RunID: "run-1", EmailID: "e1", Amount: "10.00", ModelID: "m", CreatedAt: now},
			{ID: "t2", RunID: "run-1", EmailID: "e1", Amount: "20.00", ModelID: "m", CreatedAt: now},
		},
	}))

	txs, err := st.ListTransactions(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, txs, 2)
	for _, tx := range txs {
		assert.False(t, tx.RunCompleted)
	}

	won, err := st.CompleteRun(ctx, "run-1", now)
	require.NoError(t, err)
	require.True(t, won)

	txs, err = st.ListTransactions(ctx, "run-1")
	require.NoError(t, err)
	for _, tx := range txs {
		assert.True(t, tx.RunCompleted)
	}
}

func TestSQLite_CancelRun_OnlyFromRunning(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	createTestRun(t, st, "run-1", "coll", 1)

	ok, err := st.CancelRun(ctx, "run-1", time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.CancelRun(ctx, "run-1", time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	won, err := st.CompleteRun(ctx, "run-1", time.Now())
	require.NoError(t, err)
	assert.False(t, won)
}

func TestSQLite_ReopenRun(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	createTestRun(t, st, "run-1", "coll", 4)

	_, err := st.FailRun(ctx, "run-1", time.Now())
	require.NoError(t, err)

	counters := model.Counters{EmailsProcessed: 2, TransactionsCreated: 1, InformationalCount: 1}
	require.NoError(t, st.ReopenRun(ctx, "run-1", counters, time.Now()))

	got, err := st.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, got.Status)
	assert.Equal(t, counters, got.Counters)
	assert.Nil(t, got.CompletedAt)
	assert.NotNil(t, got.ResumedAt)

	_, err = st.CompleteRun(ctx, "run-1", time.Now())
	require.NoError(t, err)
	err = st.ReopenRun(ctx, "run-1", counters, time.Now())
	assert.True(t, errors.Is(err, ErrNotFound))
}

// --- Inputs ---

func TestSQLite_Emails_InsertIdempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	emails := []model.Email{
		{ID: "e1", CollectionID: "c", Subject: "Payment received", Body: "You paid $10", ReceivedAt: time.Now().UTC()},
		{ID: "e2", CollectionID: "c", Subject: "Newsletter", ReceivedAt: time.Now().UTC()},
		{ID: "x1", CollectionID: "other", ReceivedAt: time.Now().UTC()},
	}
	n, err := st.InsertEmails(ctx, emails)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = st.InsertEmails(ctx, emails[:1])
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	got, err := st.ListEmails(ctx, "c")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Payment received", got[0].Subject)
}

func TestSQLite_Prompt_Upsert(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertPrompt(ctx, &model.Prompt{ID: "p1", Name: "v1", Content: "extract", JSONSchema: `{}`}))
	require.NoError(t, st.UpsertPrompt(ctx, &model.Prompt{ID: "p1", Name: "v2", Content: "extract better", JSONSchema: `{}`}))

	p, err := st.GetPrompt(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "v2", p.Name)
	assert.Equal(t, "extract better", p.Content)

	_, err = st.GetPrompt(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLite_Accounts(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	accts := []model.Account{
		{ID: "a1", DisplayName: "Chase Checking", Institution: "Chase", MaskedNumber: "1234", CreatedAt: time.Now().UTC()},
		{ID: "a2", DisplayName: "Landlord LLC", IsExternal: true, CreatedAt: time.Now().UTC()},
	}
	require.NoError(t, st.InsertAccounts(ctx, accts))
	require.NoError(t, st.InsertAccounts(ctx, accts[:1]))

	got, err := st.ListAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)

	byID := map[string]model.Account{}
	for _, a := range got {
		byID[a.ID] = a
	}
	assert.Equal(t, "1234", byID["a1"].MaskedNumber)
	assert.True(t, byID["a2"].IsExternal)
}

func TestSQLite_ClearHeartbeat_OnlyRunning(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	createTestRun(t, st, "run-1", "c", 1)
	createTestRun(t, st, "run-2", "c", 1)

	now := time.Now().UTC()
	require.NoError(t, st.TouchHeartbeat(ctx, "run-1", now))
	require.NoError(t, st.TouchHeartbeat(ctx, "run-2", now))
	_, err := st.CancelRun(ctx, "run-2", now)
	require.NoError(t, err)

	require.NoError(t, st.ClearHeartbeat(ctx, "run-1"))
	require.NoError(t, st.ClearHeartbeat(ctx, "run-2"))

	r1, err := st.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Nil(t, r1.HeartbeatAt)
	r2, err := st.GetRun(ctx, "run-2")
	require.NoError(t, err)
	assert.NotNil(t, r2.HeartbeatAt)
}

func TestSQLite_BatchSizeChunksInserts(t *testing.T) {
	ctx := context.Background()
	st, err := NewSQLite(filepath.Join(t.TempDir(), "batch.db"), WithBatchSize(2))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))
	assert.Equal(t, 2, st.batchSize)

	run := &model.Run{ID: "run-b", CollectionID: "c", ModelID: "m", PromptID: "p", Status: model.RunStatusRunning, StartedAt: time.Now().UTC()}
	require.NoError(t, st.CreateRun(ctx, run))
	ids := []string{"e5", "e1", "e4", "e2", "e3"}
	require.NoError(t, st.SetWorkload(ctx, "run-b", len(ids), ids))

	got, err := st.ListRunItems(ctx, "run-b")
	require.NoError(t, err)
	assert.Equal(t, ids, got)

	var accts []model.Account
	for i := range 5 {
		accts = append(accts, model.Account{ID: fmt.Sprintf("a%d", i), DisplayName: "Card", CreatedAt: time.Now().UTC()})
	}
	// a duplicate inside a later chunk is skipped, not an error
	accts = append(accts, accts[0])
	require.NoError(t, st.InsertAccounts(ctx, accts))

	all, err := st.ListAccounts(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestSQLite_BatchSizeNonPositiveKeepsDefault(t *testing.T) {
	st, err := NewSQLite(filepath.Join(t.TempDir(), "d.db"), WithBatchSize(0))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	assert.Equal(t, 500, st.batchSize)
}

// --- Item results ---

func TestSQLite_SaveItem_EvidenceAndErrorLog(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	createTestRun(t, st, "run-1", "coll", 2)
	now := time.Now().UTC()

	require.NoError(t, st.SaveItem(ctx, ItemRecord{
		Outcome: model.ItemOutcome{ID: "o1", RunID: "run-1", EmailID: "e1", Status: model.OutcomeEvidence, CreatedAt: now},
		Evidence: &model.Evidence{
			ID: "ev1", RunID: "run-1", EmailID: "e1", DiscussionSummary: "Disputed charge",
			RelatedReferenceNumbers: []string{"REF-9"}, CreatedAt: now,
		},
	}))
	require.NoError(t, st.SaveItem(ctx, ItemRecord{
		Outcome: model.ItemOutcome{
			ID: "o2", RunID: "run-1", EmailID: "e2", Status: model.OutcomeFailed,
			ErrorKind: model.ErrorKindSchemaValidation, ErrorMessage: "missing transactions", CreatedAt: now,
		},
		ErrorLog: &model.ErrorLog{
			ID: "l1", RunID: "run-1", EmailID: "e2", Kind: model.ErrorKindSchemaValidation,
			Message: "missing transactions", CreatedAt: now,
		},
	}))

	outcomes, err := st.ListOutcomes(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, outcomes, 2)

	statuses := map[string]model.OutcomeStatus{}
	for _, o := range outcomes {
		statuses[o.EmailID] = o.Status
	}
	assert.Equal(t, model.OutcomeEvidence, statuses["e1"])
	assert.Equal(t, model.OutcomeFailed, statuses["e2"])
}

func TestSQLite_SaveItem_DuplicateOutcomeRejected(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	createTestRun(t, st, "run-1", "coll", 1)
	now := time.Now().UTC()

	rec := ItemRecord{Outcome: model.ItemOutcome{ID: "o1", RunID: "run-1", EmailID: "e1", Status: model.OutcomeInformational, CreatedAt: now}}
	require.NoError(t, st.SaveItem(ctx, rec))

	rec.Outcome.ID = "o2"
	rec.Transactions = []model.Transaction{{ID: "t1", RunID: "run-1", EmailID: "e1", ModelID: "m", CreatedAt: now}}
	require.Error(t, st.SaveItem(ctx, rec))

	txs, err := st.ListTransactions(ctx, "run-1")
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestSQLite_SaveItem_TransactionData(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	createTestRun(t, st, "run-1", "coll", 1)
	now := time.Now().UTC()

	require.NoError(t, st.InsertAccounts(ctx, []model.Account{{ID: "acct-1", DisplayName: "Checking", CreatedAt: now}}))
	require.NoError(t, st.SaveItem(ctx, ItemRecord{
		Outcome: model.ItemOutcome{ID: "o1", RunID: "run-1", EmailID: "e1", Status: model.OutcomeCompleted, TransactionIDs: []string{"t1"}, CreatedAt: now},
		Transactions: []model.Transaction{{
			ID: "t1", RunID: "run-1", EmailID: "e1", AccountID: "acct-1", Amount: "99.99", Currency: "USD",
			Date: "2026-01-15", Data: map[string]any{"merchantCategory": "grocery"}, ModelID: "m", Confidence: 0.8, CreatedAt: now,
		}},
	}))

	txs, err := st.ListTransactions(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "acct-1", txs[0].AccountID)
	assert.Empty(t, txs[0].ToAccountID)
	assert.Equal(t, "99.99", txs[0].Amount)
	assert.Equal(t, "grocery", txs[0].Data["merchantCategory"])

	outcomes, err := st.ListOutcomes(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, []string{"t1"}, outcomes[0].TransactionIDs)
}

func TestSQLite_InsertErrorLogs(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	err := st.InsertErrorLogs(ctx, []model.ErrorLog{
		{ID: "l1", RunID: "run-x", EmailID: "e1", Kind: model.ErrorKindPersistence, Message: "disk full", CreatedAt: time.Now()},
	})
	require.NoError(t, err)
}
