package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/email-extract/internal/db"
	"github.com/sells-group/email-extract/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool      db.Pool
	closeFn   func()
	batchSize int
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns  int32
	MinConns  int32
	BatchSize int
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	pgxCfg.MaxConns = 10
	pgxCfg.MinConns = 2
	batchSize := 0
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			pgxCfg.MaxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			pgxCfg.MinConns = poolCfg.MinConns
		}
		batchSize = poolCfg.BatchSize
	}
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close, batchSize: batchSize}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS emails (
	id            TEXT PRIMARY KEY,
	collection_id TEXT NOT NULL,
	subject       TEXT NOT NULL DEFAULT '',
	sender        TEXT NOT NULL DEFAULT '',
	recipients    TEXT NOT NULL DEFAULT '',
	body          TEXT NOT NULL DEFAULT '',
	received_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS prompts (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL DEFAULT '',
	content     TEXT NOT NULL,
	json_schema TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS runs (
	id                   TEXT PRIMARY KEY,
	collection_id        TEXT NOT NULL,
	version              INTEGER NOT NULL,
	model_id             TEXT NOT NULL,
	prompt_id            TEXT NOT NULL,
	status               TEXT NOT NULL DEFAULT 'running',
	emails_processed     INTEGER NOT NULL DEFAULT 0,
	transactions_created INTEGER NOT NULL DEFAULT 0,
	informational_count  INTEGER NOT NULL DEFAULT 0,
	error_count          INTEGER NOT NULL DEFAULT 0,
	target_total         INTEGER NOT NULL DEFAULT 0,
	sample_size          INTEGER,
	cost_usd             DOUBLE PRECISION NOT NULL DEFAULT 0,
	started_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at         TIMESTAMPTZ,
	resumed_at           TIMESTAMPTZ,
	heartbeat_at         TIMESTAMPTZ,
	UNIQUE (collection_id, version)
);

CREATE TABLE IF NOT EXISTS run_items (
	run_id   TEXT NOT NULL REFERENCES runs(id),
	email_id TEXT NOT NULL,
	position INTEGER NOT NULL,
	PRIMARY KEY (run_id, email_id)
);

CREATE TABLE IF NOT EXISTS accounts (
	id            TEXT PRIMARY KEY,
	display_name  TEXT NOT NULL DEFAULT '',
	institution   TEXT NOT NULL DEFAULT '',
	masked_number TEXT NOT NULL DEFAULT '',
	is_external   BOOLEAN NOT NULL DEFAULT FALSE,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS transactions (
	id               TEXT PRIMARY KEY,
	run_id           TEXT NOT NULL REFERENCES runs(id),
	email_id         TEXT NOT NULL,
	account_id       TEXT REFERENCES accounts(id),
	to_account_id    TEXT REFERENCES accounts(id),
	type             TEXT NOT NULL DEFAULT '',
	amount           TEXT NOT NULL DEFAULT '',
	currency         TEXT NOT NULL DEFAULT '',
	date             TEXT NOT NULL DEFAULT '',
	description      TEXT NOT NULL DEFAULT '',
	counterparty     TEXT NOT NULL DEFAULT '',
	reference_number TEXT NOT NULL DEFAULT '',
	category         TEXT NOT NULL DEFAULT '',
	data             JSONB,
	model_id         TEXT NOT NULL,
	confidence       DOUBLE PRECISION NOT NULL DEFAULT 0,
	run_completed    BOOLEAN NOT NULL DEFAULT FALSE,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS item_outcomes (
	id              TEXT PRIMARY KEY,
	run_id          TEXT NOT NULL REFERENCES runs(id),
	email_id        TEXT NOT NULL,
	status          TEXT NOT NULL,
	raw_output      TEXT NOT NULL DEFAULT '',
	confidence      DOUBLE PRECISION NOT NULL DEFAULT 0,
	duration_ms     BIGINT NOT NULL DEFAULT 0,
	transaction_ids JSONB,
	error_kind      TEXT NOT NULL DEFAULT '',
	error_message   TEXT NOT NULL DEFAULT '',
	input_tokens    BIGINT NOT NULL DEFAULT 0,
	output_tokens   BIGINT NOT NULL DEFAULT 0,
	cost_usd        DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (run_id, email_id)
);

CREATE TABLE IF NOT EXISTS evidence (
	id                        TEXT PRIMARY KEY,
	run_id                    TEXT NOT NULL REFERENCES runs(id),
	email_id                  TEXT NOT NULL,
	discussion_summary        TEXT NOT NULL DEFAULT '',
	related_reference_numbers JSONB,
	created_at                TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS error_logs (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL,
	email_id   TEXT NOT NULL DEFAULT '',
	kind       TEXT NOT NULL,
	message    TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_emails_collection ON emails(collection_id);
CREATE INDEX IF NOT EXISTS idx_runs_collection ON runs(collection_id);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_transactions_run ON transactions(run_id);
CREATE INDEX IF NOT EXISTS idx_item_outcomes_run ON item_outcomes(run_id);
CREATE INDEX IF NOT EXISTS idx_error_logs_run ON error_logs(run_id);
CREATE INDEX IF NOT EXISTS idx_evidence_run ON evidence(run_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Runs ---

const pgRunColumns = `id, collection_id, version, model_id, prompt_id, status,
	emails_processed, transactions_created, informational_count, error_count,
	target_total, sample_size, cost_usd, started_at, completed_at, resumed_at, heartbeat_at`

func (s *PostgresStore) CreateRun(ctx context.Context, run *model.Run) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO runs (id, collection_id, version, model_id, prompt_id, status, sample_size, started_at, heartbeat_at)
		 SELECT $1, $2, COALESCE(MAX(version), 0) + 1, $3, $4, $5, $6, $7, $7 FROM runs WHERE collection_id = $2
		 RETURNING version`,
		run.ID, run.CollectionID, run.ModelID, run.PromptID, string(run.Status), run.SampleSize, run.StartedAt,
	).Scan(&run.Version)
	if err != nil {
		return eris.Wrapf(err, "postgres: insert run for collection %s", run.CollectionID)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgRunColumns+` FROM runs WHERE id = $1`, runID)
	r, err := scanPgRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "run %s", runID)
		}
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT ` + pgRunColumns + ` FROM runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.CollectionID != "" {
		query += fmt.Sprintf(` AND collection_id = $%d`, argIdx)
		args = append(args, filter.CollectionID)
		argIdx++
	}
	query += ` ORDER BY started_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanPgRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) ReopenRun(ctx context.Context, runID string, c model.Counters, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, completed_at = NULL, resumed_at = $2, heartbeat_at = $2,
		 emails_processed = $3, transactions_created = $4, informational_count = $5, error_count = $6
		 WHERE id = $7 AND status <> $8`,
		string(model.RunStatusRunning), at,
		c.EmailsProcessed, c.TransactionsCreated, c.InformationalCount, c.ErrorCount,
		runID, string(model.RunStatusCompleted),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: reopen run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "reopenable run %s", runID)
	}
	return nil
}

func (s *PostgresStore) SetWorkload(ctx context.Context, runID string, targetTotal int, emailIDs []string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: set workload begin")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, `UPDATE runs SET target_total = $1 WHERE id = $2`, targetTotal, runID)
	if err != nil {
		return eris.Wrapf(err, "postgres: set target total %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}

	rows := make([][]any, len(emailIDs))
	for i, id := range emailIDs {
		rows[i] = []any{runID, id, i}
	}
	if _, err := db.CopyInChunks(ctx, tx, "run_items", []string{"run_id", "email_id", "position"}, rows, s.batchSize); err != nil {
		return eris.Wrapf(err, "postgres: insert run items %s", runID)
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: set workload commit")
}

func (s *PostgresStore) ListRunItems(ctx context.Context, runID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT email_id FROM run_items WHERE run_id = $1 ORDER BY position`, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list run items %s", runID)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run item")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "postgres: list run items iterate")
}

// IncrementCounters is a single atomic read-modify-write. Increments are
// accepted while the run is running or cancelled (in-flight items of a
// cancelled run still count) and never past the target total.
func (s *PostgresStore) IncrementCounters(ctx context.Context, runID string, d model.Contribution, costUSD float64) (*Progress, error) {
	var p Progress
	var status string
	err := s.pool.QueryRow(ctx,
		`UPDATE runs SET
			emails_processed = emails_processed + $1,
			transactions_created = transactions_created + $2,
			informational_count = informational_count + $3,
			error_count = error_count + $4,
			cost_usd = cost_usd + $5
		 WHERE id = $6 AND status IN ($7, $8) AND emails_processed + $1 <= target_total
		 RETURNING emails_processed, transactions_created, informational_count, error_count, target_total, status`,
		d.Processed, d.Transactions, d.Informational, d.Errors, costUSD,
		runID, string(model.RunStatusRunning), string(model.RunStatusCancelled),
	).Scan(&p.Counters.EmailsProcessed, &p.Counters.TransactionsCreated, &p.Counters.InformationalCount,
		&p.Counters.ErrorCount, &p.TargetTotal, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrCountersClosed, "run %s", runID)
		}
		return nil, eris.Wrapf(err, "postgres: increment counters %s", runID)
	}
	p.Status = model.RunStatus(status)
	return &p, nil
}

// CompleteRun is the finalization compare-and-set: only the caller that
// moves the run from running to completed marks its transactions.
func (s *PostgresStore) CompleteRun(ctx context.Context, runID string, at time.Time) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, eris.Wrap(err, "postgres: complete run begin")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`UPDATE runs SET status = $1, completed_at = $2 WHERE id = $3 AND status = $4`,
		string(model.RunStatusCompleted), at, runID, string(model.RunStatusRunning),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: complete run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if _, err := tx.Exec(ctx, `UPDATE transactions SET run_completed = TRUE WHERE run_id = $1`, runID); err != nil {
		return false, eris.Wrapf(err, "postgres: mark transactions %s", runID)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, eris.Wrap(err, "postgres: complete run commit")
	}
	return true, nil
}

func (s *PostgresStore) CancelRun(ctx context.Context, runID string, at time.Time) (bool, error) {
	return s.closeRun(ctx, runID, model.RunStatusCancelled, at)
}

func (s *PostgresStore) FailRun(ctx context.Context, runID string, at time.Time) (bool, error) {
	return s.closeRun(ctx, runID, model.RunStatusFailed, at)
}

func (s *PostgresStore) closeRun(ctx context.Context, runID string, to model.RunStatus, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, completed_at = $2 WHERE id = $3 AND status = $4`,
		string(to), at, runID, string(model.RunStatusRunning),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: %s run %s", to, runID)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) TouchHeartbeat(ctx context.Context, runID string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE runs SET heartbeat_at = $1 WHERE id = $2`, at, runID)
	return eris.Wrapf(err, "postgres: heartbeat %s", runID)
}

func (s *PostgresStore) ClearHeartbeat(ctx context.Context, runID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE runs SET heartbeat_at = NULL WHERE id = $1 AND status = $2`,
		runID, string(model.RunStatusRunning))
	return eris.Wrapf(err, "postgres: clear heartbeat %s", runID)
}

// --- Collection inputs ---

func (s *PostgresStore) InsertEmails(ctx context.Context, emails []model.Email) (int, error) {
	rows := make([][]any, len(emails))
	for i, e := range emails {
		rows[i] = []any{e.ID, e.CollectionID, e.Subject, e.Sender, e.Recipients, e.Body, e.ReceivedAt}
	}
	var total int64
	for _, chunk := range db.Chunk(rows, s.batchSize) {
		n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
			Table:        "emails",
			Columns:      []string{"id", "collection_id", "subject", "sender", "recipients", "body", "received_at"},
			ConflictKeys: []string{"id"},
			DoNothing:    true,
		}, chunk)
		if err != nil {
			return int(total), eris.Wrap(err, "postgres: insert emails")
		}
		total += n
	}
	return int(total), nil
}

func (s *PostgresStore) ListEmails(ctx context.Context, collectionID string) ([]model.Email, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, collection_id, subject, sender, recipients, body, received_at
		 FROM emails WHERE collection_id = $1 ORDER BY received_at, id`,
		collectionID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list emails %s", collectionID)
	}
	defer rows.Close()

	var emails []model.Email
	for rows.Next() {
		var e model.Email
		if err := rows.Scan(&e.ID, &e.CollectionID, &e.Subject, &e.Sender, &e.Recipients, &e.Body, &e.ReceivedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan email")
		}
		emails = append(emails, e)
	}
	return emails, eris.Wrap(rows.Err(), "postgres: list emails iterate")
}

func (s *PostgresStore) UpsertPrompt(ctx context.Context, p *model.Prompt) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO prompts (id, name, content, json_schema, created_at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET name = $2, content = $3, json_schema = $4`,
		p.ID, p.Name, p.Content, p.JSONSchema, time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: upsert prompt %s", p.ID)
}

func (s *PostgresStore) GetPrompt(ctx context.Context, promptID string) (*model.Prompt, error) {
	var p model.Prompt
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, content, json_schema, created_at FROM prompts WHERE id = $1`, promptID,
	).Scan(&p.ID, &p.Name, &p.Content, &p.JSONSchema, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "prompt %s", promptID)
		}
		return nil, eris.Wrapf(err, "postgres: get prompt %s", promptID)
	}
	return &p, nil
}

// --- Accounts ---

func (s *PostgresStore) ListAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, display_name, institution, masked_number, is_external, created_at
		 FROM accounts ORDER BY created_at, id`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list accounts")
	}
	defer rows.Close()

	var accounts []model.Account
	for rows.Next() {
		var a model.Account
		if err := rows.Scan(&a.ID, &a.DisplayName, &a.Institution, &a.MaskedNumber, &a.IsExternal, &a.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan account")
		}
		accounts = append(accounts, a)
	}
	return accounts, eris.Wrap(rows.Err(), "postgres: list accounts iterate")
}

func (s *PostgresStore) InsertAccounts(ctx context.Context, accounts []model.Account) error {
	rows := make([][]any, len(accounts))
	for i, a := range accounts {
		rows[i] = []any{a.ID, a.DisplayName, a.Institution, a.MaskedNumber, a.IsExternal, a.CreatedAt}
	}
	for _, chunk := range db.Chunk(rows, s.batchSize) {
		if _, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
			Table:        "accounts",
			Columns:      []string{"id", "display_name", "institution", "masked_number", "is_external", "created_at"},
			ConflictKeys: []string{"id"},
			DoNothing:    true,
		}, chunk); err != nil {
			return eris.Wrap(err, "postgres: insert accounts")
		}
	}
	return nil
}

// --- Item results ---

var pgTransactionColumns = []string{
	"id", "run_id", "email_id", "account_id", "to_account_id", "type", "amount", "currency", "date",
	"description", "counterparty", "reference_number", "category", "data", "model_id", "confidence",
	"run_completed", "created_at",
}

func (s *PostgresStore) SaveItem(ctx context.Context, rec ItemRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: save item begin")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if len(rec.Transactions) > 0 {
		rows := make([][]any, len(rec.Transactions))
		for i, t := range rec.Transactions {
			data, err := marshalJSON(t.Data)
			if err != nil {
				return eris.Wrap(err, "postgres: marshal transaction data")
			}
			rows[i] = []any{
				t.ID, t.RunID, t.EmailID, nullable(t.AccountID), nullable(t.ToAccountID), t.Type, t.Amount,
				t.Currency, t.Date, t.Description, t.Counterparty, t.ReferenceNumber, t.Category, data,
				t.ModelID, t.Confidence, t.RunCompleted, t.CreatedAt,
			}
		}
		if _, err := db.CopyInChunks(ctx, tx, "transactions", pgTransactionColumns, rows, s.batchSize); err != nil {
			return eris.Wrap(err, "postgres: insert transactions")
		}
	}

	o := rec.Outcome
	txIDs, err := marshalJSON(o.TransactionIDs)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal transaction ids")
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO item_outcomes (id, run_id, email_id, status, raw_output, confidence, duration_ms,
		 transaction_ids, error_kind, error_message, input_tokens, output_tokens, cost_usd, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		o.ID, o.RunID, o.EmailID, string(o.Status), o.RawOutput, o.Confidence, o.DurationMs,
		txIDs, string(o.ErrorKind), o.ErrorMessage, o.InputTokens, o.OutputTokens, o.CostUSD, o.CreatedAt,
	); err != nil {
		return eris.Wrapf(err, "postgres: insert outcome %s/%s", o.RunID, o.EmailID)
	}

	if ev := rec.Evidence; ev != nil {
		refs, err := marshalJSON(ev.RelatedReferenceNumbers)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal reference numbers")
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO evidence (id, run_id, email_id, discussion_summary, related_reference_numbers, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			ev.ID, ev.RunID, ev.EmailID, ev.DiscussionSummary, refs, ev.CreatedAt,
		); err != nil {
			return eris.Wrap(err, "postgres: insert evidence")
		}
	}

	if el := rec.ErrorLog; el != nil {
		if _, err := tx.Exec(ctx,
			`INSERT INTO error_logs (id, run_id, email_id, kind, message, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
			el.ID, el.RunID, el.EmailID, string(el.Kind), el.Message, el.CreatedAt,
		); err != nil {
			return eris.Wrap(err, "postgres: insert error log")
		}
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: save item commit")
}

func (s *PostgresStore) InsertErrorLogs(ctx context.Context, logs []model.ErrorLog) error {
	rows := make([][]any, len(logs))
	for i, l := range logs {
		rows[i] = []any{l.ID, l.RunID, l.EmailID, string(l.Kind), l.Message, l.CreatedAt}
	}
	_, err := db.CopyInChunks(ctx, s.pool, "error_logs",
		[]string{"id", "run_id", "email_id", "kind", "message", "created_at"}, rows, s.batchSize)
	return eris.Wrap(err, "postgres: insert error logs")
}

func (s *PostgresStore) ListOutcomes(ctx context.Context, runID string) ([]model.ItemOutcome, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, email_id, status, raw_output, confidence, duration_ms, transaction_ids,
		 error_kind, error_message, input_tokens, output_tokens, cost_usd, created_at
		 FROM item_outcomes WHERE run_id = $1 ORDER BY created_at, id`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list outcomes %s", runID)
	}
	defer rows.Close()

	var out []model.ItemOutcome
	for rows.Next() {
		var o model.ItemOutcome
		var status, kind string
		var txIDs []byte
		if err := rows.Scan(&o.ID, &o.RunID, &o.EmailID, &status, &o.RawOutput, &o.Confidence, &o.DurationMs,
			&txIDs, &kind, &o.ErrorMessage, &o.InputTokens, &o.OutputTokens, &o.CostUSD, &o.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan outcome")
		}
		o.Status = model.OutcomeStatus(status)
		o.ErrorKind = model.ErrorKind(kind)
		if err := unmarshalJSON(txIDs, &o.TransactionIDs); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal transaction ids")
		}
		out = append(out, o)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list outcomes iterate")
}

func (s *PostgresStore) ListTransactions(ctx context.Context, runID string) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, email_id, COALESCE(account_id, ''), COALESCE(to_account_id, ''), type, amount,
		 currency, date, description, counterparty, reference_number, category, data, model_id, confidence,
		 run_completed, created_at
		 FROM transactions WHERE run_id = $1 ORDER BY created_at, id`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list transactions %s", runID)
	}
	defer rows.Close()

	var out []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var data []byte
		if err := rows.Scan(&t.ID, &t.RunID, &t.EmailID, &t.AccountID, &t.ToAccountID, &t.Type, &t.Amount,
			&t.Currency, &t.Date, &t.Description, &t.Counterparty, &t.ReferenceNumber, &t.Category, &data,
			&t.ModelID, &t.Confidence, &t.RunCompleted, &t.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan transaction")
		}
		if err := unmarshalJSON(data, &t.Data); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal transaction data")
		}
		out = append(out, t)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list transactions iterate")
}

// --- helpers ---

func scanPgRun(row pgx.Row) (*model.Run, error) {
	var r model.Run
	var status string
	var sample *int32
	if err := row.Scan(&r.ID, &r.CollectionID, &r.Version, &r.ModelID, &r.PromptID, &status,
		&r.Counters.EmailsProcessed, &r.Counters.TransactionsCreated, &r.Counters.InformationalCount,
		&r.Counters.ErrorCount, &r.TargetTotal, &sample, &r.CostUSD, &r.StartedAt,
		&r.CompletedAt, &r.ResumedAt, &r.HeartbeatAt); err != nil {
		return nil, err
	}
	r.Status = model.RunStatus(status)
	if sample != nil {
		n := int(*sample)
		r.SampleSize = &n
	}
	return &r, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func marshalJSON(v any) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		if len(t) == 0 {
			return nil, nil
		}
	case []string:
		if len(t) == 0 {
			return nil, nil
		}
	}
	return json.Marshal(v)
}

func unmarshalJSON(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}
