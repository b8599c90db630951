package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/email-extract/internal/db"
	"github.com/sells-group/email-extract/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db        *sql.DB
	batchSize int
}

// SQLiteOption configures a SQLiteStore.
type SQLiteOption func(*SQLiteStore)

// WithBatchSize sets the number of rows per multi-row insert. Non-positive
// values keep the default.
func WithBatchSize(n int) SQLiteOption {
	return func(s *SQLiteStore) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
// A single connection serializes writers so compare-and-set updates and
// multi-statement transactions never interleave.
func NewSQLite(dsn string, opts ...SQLiteOption) (*SQLiteStore, error) {
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	conn.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	s := &SQLiteStore{db: conn, batchSize: db.DefaultChunkSize}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// sqliteMaxVars is SQLite's default bound on host parameters per statement.
const sqliteMaxVars = 32766

// insertChunked writes rows with one multi-row INSERT per batch. head is the
// statement up to and including VALUES; tail follows the value list.
func (s *SQLiteStore) insertChunked(ctx context.Context, tx *sql.Tx, head, tail string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	cols := len(rows[0])
	size := min(s.batchSize, sqliteMaxVars/cols)
	tuple := "(" + strings.TrimSuffix(strings.Repeat("?, ", cols), ", ") + ")"

	for _, chunk := range db.Chunk(rows, size) {
		var b strings.Builder
		b.WriteString(head)
		args := make([]any, 0, len(chunk)*cols)
		for i, row := range chunk {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(tuple)
			args = append(args, row...)
		}
		b.WriteString(tail)
		if _, err := tx.ExecContext(ctx, b.String(), args...); err != nil {
			return err
		}
	}
	return nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS emails (
	id            TEXT PRIMARY KEY,
	collection_id TEXT NOT NULL,
	subject       TEXT NOT NULL DEFAULT '',
	sender        TEXT NOT NULL DEFAULT '',
	recipients    TEXT NOT NULL DEFAULT '',
	body          TEXT NOT NULL DEFAULT '',
	received_at   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS prompts (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL DEFAULT '',
	content     TEXT NOT NULL,
	json_schema TEXT NOT NULL DEFAULT '',
	created_at  DATETIME NOT NULL DEFAULT (datetime('now'))
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
	cost_usd             REAL NOT NULL DEFAULT 0,
	started_at           DATETIME NOT NULL DEFAULT (datetime('now')),
	completed_at         DATETIME,
	resumed_at           DATETIME,
	heartbeat_at         DATETIME,
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
	is_external   INTEGER NOT NULL DEFAULT 0,
	created_at    DATETIME NOT NULL DEFAULT (datetime('now'))
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
	data             TEXT,
	model_id         TEXT NOT NULL,
	confidence       REAL NOT NULL DEFAULT 0,
	run_completed    INTEGER NOT NULL DEFAULT 0,
	created_at       DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS item_outcomes (
	id              TEXT PRIMARY KEY,
	run_id          TEXT NOT NULL REFERENCES runs(id),
	email_id        TEXT NOT NULL,
	status          TEXT NOT NULL,
	raw_output      TEXT NOT NULL DEFAULT '',
	confidence      REAL NOT NULL DEFAULT 0,
	duration_ms     INTEGER NOT NULL DEFAULT 0,
	transaction_ids TEXT,
	error_kind      TEXT NOT NULL DEFAULT '',
	error_message   TEXT NOT NULL DEFAULT '',
	input_tokens    INTEGER NOT NULL DEFAULT 0,
	output_tokens   INTEGER NOT NULL DEFAULT 0,
	cost_usd        REAL NOT NULL DEFAULT 0,
	created_at      DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (run_id, email_id)
);

CREATE TABLE IF NOT EXISTS evidence (
	id                        TEXT PRIMARY KEY,
	run_id                    TEXT NOT NULL REFERENCES runs(id),
	email_id                  TEXT NOT NULL,
	discussion_summary        TEXT NOT NULL DEFAULT '',
	related_reference_numbers TEXT,
	created_at                DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS error_logs (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL,
	email_id   TEXT NOT NULL DEFAULT '',
	kind       TEXT NOT NULL,
	message    TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_emails_collection ON emails(collection_id);
CREATE INDEX IF NOT EXISTS idx_runs_collection ON runs(collection_id);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_transactions_run ON transactions(run_id);
CREATE INDEX IF NOT EXISTS idx_item_outcomes_run ON item_outcomes(run_id);
CREATE INDEX IF NOT EXISTS idx_error_logs_run ON error_logs(run_id);
CREATE INDEX IF NOT EXISTS idx_evidence_run ON evidence(run_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Runs ---

const sqliteRunColumns = `id, collection_id, version, model_id, prompt_id, status,
	emails_processed, transactions_created, informational_count, error_count,
	target_total, sample_size, cost_usd, started_at, completed_at, resumed_at, heartbeat_at`

func (s *SQLiteStore) CreateRun(ctx context.Context, run *model.Run) error {
	var sample sql.NullInt64
	if run.SampleSize != nil {
		sample = sql.NullInt64{Int64: int64(*run.SampleSize), Valid: true}
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO runs (id, collection_id, version, model_id, prompt_id, status, sample_size, started_at, heartbeat_at)
		 SELECT ?1, ?2, COALESCE(MAX(version), 0) + 1, ?3, ?4, ?5, ?6, ?7, ?7 FROM runs WHERE collection_id = ?2
		 RETURNING version`,
		run.ID, run.CollectionID, run.ModelID, run.PromptID, string(run.Status), sample, run.StartedAt.UTC(),
	).Scan(&run.Version)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert run for collection %s", run.CollectionID)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteRunColumns+` FROM runs WHERE id = ?`, runID)
	r, err := scanSQLiteRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "run %s", runID)
		}
		return nil, eris.Wrapf(err, "sqlite: get run %s", runID)
	}
	return r, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT ` + sqliteRunColumns + ` FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.CollectionID != "" {
		query += ` AND collection_id = ?`
		args = append(args, filter.CollectionID)
	}
	query += ` ORDER BY started_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) ReopenRun(ctx context.Context, runID string, c model.Counters, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, completed_at = NULL, resumed_at = ?, heartbeat_at = ?,
		 emails_processed = ?, transactions_created = ?, informational_count = ?, error_count = ?
		 WHERE id = ? AND status <> ?`,
		string(model.RunStatusRunning), at.UTC(), at.UTC(),
		c.EmailsProcessed, c.TransactionsCreated, c.InformationalCount, c.ErrorCount,
		runID, string(model.RunStatusCompleted),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: reopen run %s", runID)
	}
	return checkRowsAffected(res, "reopenable run", runID)
}

func (s *SQLiteStore) SetWorkload(ctx context.Context, runID string, targetTotal int, emailIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: set workload begin")
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `UPDATE runs SET target_total = ? WHERE id = ?`, targetTotal, runID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set target total %s", runID)
	}
	if err := checkRowsAffected(res, "run", runID); err != nil {
		return err
	}

	rows := make([][]any, len(emailIDs))
	for i, id := range emailIDs {
		rows[i] = []any{runID, id, i}
	}
	if err := s.insertChunked(ctx, tx, `INSERT INTO run_items (run_id, email_id, position) VALUES `, "", rows); err != nil {
		return eris.Wrapf(err, "sqlite: insert run items %s", runID)
	}

	return eris.Wrap(tx.Commit(), "sqlite: set workload commit")
}

func (s *SQLiteStore) ListRunItems(ctx context.Context, runID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT email_id FROM run_items WHERE run_id = ? ORDER BY position`, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list run items %s", runID)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run item")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "sqlite: list run items iterate")
}

func (s *SQLiteStore) IncrementCounters(ctx context.Context, runID string, d model.Contribution, costUSD float64) (*Progress, error) {
	var p Progress
	var status string
	err := s.db.QueryRowContext(ctx,
		`UPDATE runs SET
			emails_processed = emails_processed + ?1,
			transactions_created = transactions_created + ?2,
			informational_count = informational_count + ?3,
			error_count = error_count + ?4,
			cost_usd = cost_usd + ?5
		 WHERE id = ?6 AND status IN (?7, ?8) AND emails_processed + ?1 <= target_total
		 RETURNING emails_processed, transactions_created, informational_count, error_count, target_total, status`,
		d.Processed, d.Transactions, d.Informational, d.Errors, costUSD,
		runID, string(model.RunStatusRunning), string(model.RunStatusCancelled),
	).Scan(&p.Counters.EmailsProcessed, &p.Counters.TransactionsCreated, &p.Counters.InformationalCount,
		&p.Counters.ErrorCount, &p.TargetTotal, &status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(ErrCountersClosed, "run %s", runID)
		}
		return nil, eris.Wrapf(err, "sqlite: increment counters %s", runID)
	}
	p.Status = model.RunStatus(status)
	return &p, nil
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, runID string, at time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: complete run begin")
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`UPDATE runs SET status = ?, completed_at = ? WHERE id = ? AND status = ?`,
		string(model.RunStatusCompleted), at.UTC(), runID, string(model.RunStatusRunning),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: complete run %s", runID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `UPDATE transactions SET run_completed = 1 WHERE run_id = ?`, runID); err != nil {
		return false, eris.Wrapf(err, "sqlite: mark transactions %s", runID)
	}
	if err := tx.Commit(); err != nil {
		return false, eris.Wrap(err, "sqlite: complete run commit")
	}
	return true, nil
}

func (s *SQLiteStore) CancelRun(ctx context.Context, runID string, at time.Time) (bool, error) {
	return s.closeRun(ctx, runID, model.RunStatusCancelled, at)
}

func (s *SQLiteStore) FailRun(ctx context.Context, runID string, at time.Time) (bool, error) {
	return s.closeRun(ctx, runID, model.RunStatusFailed, at)
}

func (s *SQLiteStore) closeRun(ctx context.Context, runID string, to model.RunStatus, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, completed_at = ? WHERE id = ? AND status = ?`,
		string(to), at.UTC(), runID, string(model.RunStatusRunning),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: %s run %s", to, runID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

func (s *SQLiteStore) TouchHeartbeat(ctx context.Context, runID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE runs SET heartbeat_at = ? WHERE id = ?`, at.UTC(), runID)
	return eris.Wrapf(err, "sqlite: heartbeat %s", runID)
}

func (s *SQLiteStore) ClearHeartbeat(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE runs SET heartbeat_at = NULL WHERE id = ? AND status = ?`,
		runID, string(model.RunStatusRunning))
	return eris.Wrapf(err, "sqlite: clear heartbeat %s", runID)
}

// --- Collection inputs ---

func (s *SQLiteStore) InsertEmails(ctx context.Context, emails []model.Email) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: insert emails begin")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO emails (id, collection_id, subject, sender, recipients, body, received_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare insert emails")
	}
	defer stmt.Close()

	var inserted int
	for _, e := range emails {
		res, err := stmt.ExecContext(ctx, e.ID, e.CollectionID, e.Subject, e.Sender, e.Recipients, e.Body, e.ReceivedAt.UTC())
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert email %s", e.ID)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: insert emails commit")
	}
	return inserted, nil
}

func (s *SQLiteStore) ListEmails(ctx context.Context, collectionID string) ([]model.Email, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, collection_id, subject, sender, recipients, body, received_at
		 FROM emails WHERE collection_id = ? ORDER BY received_at, id`,
		collectionID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list emails %s", collectionID)
	}
	defer rows.Close()

	var emails []model.Email
	for rows.Next() {
		var e model.Email
		if err := rows.Scan(&e.ID, &e.CollectionID, &e.Subject, &e.Sender, &e.Recipients, &e.Body, &e.ReceivedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan email")
		}
		emails = append(emails, e)
	}
	return emails, eris.Wrap(rows.Err(), "sqlite: list emails iterate")
}

func (s *SQLiteStore) UpsertPrompt(ctx context.Context, p *model.Prompt) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO prompts (id, name, content, json_schema, created_at) VALUES (?1, ?2, ?3, ?4, ?5)
		 ON CONFLICT (id) DO UPDATE SET name = ?2, content = ?3, json_schema = ?4`,
		p.ID, p.Name, p.Content, p.JSONSchema, time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: upsert prompt %s", p.ID)
}

func (s *SQLiteStore) GetPrompt(ctx context.Context, promptID string) (*model.Prompt, error) {
	var p model.Prompt
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, content, json_schema, created_at FROM prompts WHERE id = ?`, promptID,
	).Scan(&p.ID, &p.Name, &p.Content, &p.JSONSchema, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "prompt %s", promptID)
		}
		return nil, eris.Wrapf(err, "sqlite: get prompt %s", promptID)
	}
	return &p, nil
}

// --- Accounts ---

func (s *SQLiteStore) ListAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, display_name, institution, masked_number, is_external, created_at
		 FROM accounts ORDER BY created_at, id`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list accounts")
	}
	defer rows.Close()

	var accounts []model.Account
	for rows.Next() {
		var a model.Account
		if err := rows.Scan(&a.ID, &a.DisplayName, &a.Institution, &a.MaskedNumber, &a.IsExternal, &a.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan account")
		}
		accounts = append(accounts, a)
	}
	return accounts, eris.Wrap(rows.Err(), "sqlite: list accounts iterate")
}

func (s *SQLiteStore) InsertAccounts(ctx context.Context, accounts []model.Account) error {
	if len(accounts) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: insert accounts begin")
	}
	defer tx.Rollback() //nolint:errcheck

	rows := make([][]any, len(accounts))
	for i, a := range accounts {
		rows[i] = []any{a.ID, a.DisplayName, a.Institution, a.MaskedNumber, a.IsExternal, a.CreatedAt.UTC()}
	}
	if err := s.insertChunked(ctx, tx,
		`INSERT INTO accounts (id, display_name, institution, masked_number, is_external, created_at) VALUES `,
		` ON CONFLICT (id) DO NOTHING`, rows,
	); err != nil {
		return eris.Wrap(err, "sqlite: insert accounts")
	}
	return eris.Wrap(tx.Commit(), "sqlite: insert accounts commit")
}

// --- Item results ---

func (s *SQLiteStore) SaveItem(ctx context.Context, rec ItemRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: save item begin")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, chunk := range db.Chunk(rec.Transactions, s.batchSize) {
		for _, t := range chunk {
			data, err := marshalJSON(t.Data)
			if err != nil {
				return eris.Wrap(err, "sqlite: marshal transaction data")
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO transactions (id, run_id, email_id, account_id, to_account_id, type, amount, currency,
				 date, description, counterparty, reference_number, category, data, model_id, confidence,
				 run_completed, created_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				t.ID, t.RunID, t.EmailID, nullable(t.AccountID), nullable(t.ToAccountID), t.Type, t.Amount,
				t.Currency, t.Date, t.Description, t.Counterparty, t.ReferenceNumber, t.Category, nullableText(data),
				t.ModelID, t.Confidence, t.RunCompleted, t.CreatedAt.UTC(),
			); err != nil {
				return eris.Wrapf(err, "sqlite: insert transaction %s", t.ID)
			}
		}
	}

	o := rec.Outcome
	txIDs, err := marshalJSON(o.TransactionIDs)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal transaction ids")
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO item_outcomes (id, run_id, email_id, status, raw_output, confidence, duration_ms,
		 transaction_ids, error_kind, error_message, input_tokens, output_tokens, cost_usd, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.RunID, o.EmailID, string(o.Status), o.RawOutput, o.Confidence, o.DurationMs,
		nullableText(txIDs), string(o.ErrorKind), o.ErrorMessage, o.InputTokens, o.OutputTokens, o.CostUSD, o.CreatedAt.UTC(),
	); err != nil {
		return eris.Wrapf(err, "sqlite: insert outcome %s/%s", o.RunID, o.EmailID)
	}

	if ev := rec.Evidence; ev != nil {
		refs, err := marshalJSON(ev.RelatedReferenceNumbers)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal reference numbers")
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO evidence (id, run_id, email_id, discussion_summary, related_reference_numbers, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			ev.ID, ev.RunID, ev.EmailID, ev.DiscussionSummary, nullableText(refs), ev.CreatedAt.UTC(),
		); err != nil {
			return eris.Wrap(err, "sqlite: insert evidence")
		}
	}

	if el := rec.ErrorLog; el != nil {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO error_logs (id, run_id, email_id, kind, message, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			el.ID, el.RunID, el.EmailID, string(el.Kind), el.Message, el.CreatedAt.UTC(),
		); err != nil {
			return eris.Wrap(err, "sqlite: insert error log")
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: save item commit")
}

func (s *SQLiteStore) InsertErrorLogs(ctx context.Context, logs []model.ErrorLog) error {
	for _, l := range logs {
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO error_logs (id, run_id, email_id, kind, message, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			l.ID, l.RunID, l.EmailID, string(l.Kind), l.Message, l.CreatedAt.UTC(),
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert error log %s", l.ID)
		}
	}
	return nil
}

func (s *SQLiteStore) ListOutcomes(ctx context.Context, runID string) ([]model.ItemOutcome, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, email_id, status, raw_output, confidence, duration_ms, COALESCE(transaction_ids, ''),
		 error_kind, error_message, input_tokens, output_tokens, cost_usd, created_at
		 FROM item_outcomes WHERE run_id = ? ORDER BY created_at, id`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list outcomes %s", runID)
	}
	defer rows.Close()

	var out []model.ItemOutcome
	for rows.Next() {
		var o model.ItemOutcome
		var status, kind, txIDs string
		if err := rows.Scan(&o.ID, &o.RunID, &o.EmailID, &status, &o.RawOutput, &o.Confidence, &o.DurationMs,
			&txIDs, &kind, &o.ErrorMessage, &o.InputTokens, &o.OutputTokens, &o.CostUSD, &o.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan outcome")
		}
		o.Status = model.OutcomeStatus(status)
		o.ErrorKind = model.ErrorKind(kind)
		if err := unmarshalJSON([]byte(txIDs), &o.TransactionIDs); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal transaction ids")
		}
		out = append(out, o)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list outcomes iterate")
}

func (s *SQLiteStore) ListTransactions(ctx context.Context, runID string) ([]model.Transaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, email_id, COALESCE(account_id, ''), COALESCE(to_account_id, ''), type, amount,
		 currency, date, description, counterparty, reference_number, category, COALESCE(data, ''), model_id,
		 confidence, run_completed, created_at
		 FROM transactions WHERE run_id = ? ORDER BY created_at, id`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list transactions %s", runID)
	}
	defer rows.Close()

	var out []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var data string
		if err := rows.Scan(&t.ID, &t.RunID, &t.EmailID, &t.AccountID, &t.ToAccountID, &t.Type, &t.Amount,
			&t.Currency, &t.Date, &t.Description, &t.Counterparty, &t.ReferenceNumber, &t.Category, &data,
			&t.ModelID, &t.Confidence, &t.RunCompleted, &t.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan transaction")
		}
		if err := unmarshalJSON([]byte(data), &t.Data); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal transaction data")
		}
		out = append(out, t)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list transactions iterate")
}

// --- helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRun(row rowScanner) (*model.Run, error) {
	var r model.Run
	var status string
	var sample sql.NullInt64
	var completed, resumed, heartbeat sql.NullTime
	if err := row.Scan(&r.ID, &r.CollectionID, &r.Version, &r.ModelID, &r.PromptID, &status,
		&r.Counters.EmailsProcessed, &r.Counters.TransactionsCreated, &r.Counters.InformationalCount,
		&r.Counters.ErrorCount, &r.TargetTotal, &sample, &r.CostUSD, &r.StartedAt,
		&completed, &resumed, &heartbeat); err != nil {
		return nil, err
	}
	r.Status = model.RunStatus(status)
	if sample.Valid {
		n := int(sample.Int64)
		r.SampleSize = &n
	}
	r.CompletedAt = nullTime(completed)
	r.ResumedAt = nullTime(resumed)
	r.HeartbeatAt = nullTime(heartbeat)
	return &r, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullableText(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}
