package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go driver
)

// SQLiteConfig defines SQLite operational parameters.
type SQLiteConfig struct {
	BusyTimeout time.Duration
}

// DefaultSQLiteConfig returns the recommended configuration.
func DefaultSQLiteConfig() SQLiteConfig {
	return SQLiteConfig{BusyTimeout: 5 * time.Second}
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	key          TEXT PRIMARY KEY,
	agent        TEXT NOT NULL,
	status       TEXT NOT NULL,
	run_id       TEXT NOT NULL,
	attempts     INTEGER NOT NULL DEFAULT 1,
	claimed_at   INTEGER NOT NULL,
	lease_until  INTEGER NOT NULL,
	finished_at  INTEGER NOT NULL DEFAULT 0,
	error        TEXT NOT NULL DEFAULT '',
	cost_usd     REAL NOT NULL DEFAULT 0,
	findings     INTEGER NOT NULL DEFAULT 0,
	issues_filed INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS jobs_claimed_at ON jobs (claimed_at DESC);
CREATE TABLE IF NOT EXISTS spend (
	day    TEXT NOT NULL,
	scope  TEXT NOT NULL,
	usd    REAL NOT NULL DEFAULT 0,
	tokens INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (day, scope)
);
`

// SQLiteStore is a Store backed by a SQLite file.
type SQLiteStore struct {
	db   *sql.DB
	opts Options
}

// OpenSQLite opens (and migrates) the ledger database at path.
// Transactions take the write lock up front (_txlock=immediate) so two
// runners claiming the same key serialize instead of deadlocking.
func OpenSQLite(path string, cfg SQLiteConfig, opts Options) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("sqlite: creating directory %s: %w", dir, err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)",
		path, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open failed: %w", err)
	}
	// One writer connection; the ledger is tiny and contention is per key.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping failed: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: migrating schema: %w", err)
	}
	return &SQLiteStore{db: db, opts: opts}, nil
}

const recordColumns = `key, agent, status, run_id, attempts, claimed_at, lease_until, finished_at, error, cost_usd, findings, issues_filed`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var r Record
	var status string
	var claimedAt, leaseUntil, finishedAt int64
	err := row.Scan(&r.Key, &r.Agent, &status, &r.RunID, &r.Attempts, &claimedAt, &leaseUntil, &finishedAt, &r.Error, &r.CostUSD, &r.Findings, &r.IssuesFiled)
	if err != nil {
		return Record{}, err
	}
	r.Status = Status(status)
	r.ClaimedAt = fromNanos(claimedAt)
	r.LeaseUntil = fromNanos(leaseUntil)
	r.FinishedAt = fromNanos(finishedAt)
	return r, nil
}

func (s *SQLiteStore) Claim(ctx context.Context, key, agent, runID string, lease time.Duration) (Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, fmt.Errorf("sqlite: begin claim: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var existing *Record
	r, err := scanRecord(tx.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM jobs WHERE key = ?`, key))
	switch {
	case err == nil:
		existing = &r
	case errors.Is(err, sql.ErrNoRows):
	default:
		return Record{}, fmt.Errorf("sqlite: reading %s: %w", key, err)
	}

	next, err := decideClaim(existing, key, agent, runID, s.opts.now(), lease)
	if err != nil {
		return next, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (key, agent, status, run_id, attempts, claimed_at, lease_until, finished_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, '')
		ON CONFLICT(key) DO UPDATE SET
			agent = excluded.agent, status = excluded.status, run_id = excluded.run_id,
			attempts = excluded.attempts, claimed_at = excluded.claimed_at,
			lease_until = excluded.lease_until, finished_at = 0, error = ''`,
		next.Key, next.Agent, string(next.Status), next.RunID, next.Attempts,
		next.ClaimedAt.UnixNano(), next.LeaseUntil.UnixNano())
	if err != nil {
		return Record{}, fmt.Errorf("sqlite: writing claim %s: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("sqlite: committing claim %s: %w", key, err)
	}
	return next, nil
}

func (s *SQLiteStore) Complete(ctx context.Context, key, runID string, out Outcome) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, finished_at = ?, error = '', cost_usd = ?, findings = ?, issues_filed = ?
		WHERE key = ? AND run_id = ? AND status = ?`,
		string(StatusCompleted), s.opts.now().UnixNano(), out.CostUSD, out.Findings, out.IssuesFiled,
		key, runID, string(StatusRunning))
	if err != nil {
		return fmt.Errorf("sqlite: completing %s: %w", key, err)
	}
	return requireOneRow(res, "completing", key)
}

func (s *SQLiteStore) Fail(ctx context.Context, key, runID string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, finished_at = ?, error = ?
		WHERE key = ? AND run_id = ? AND status = ?`,
		string(StatusFailed), s.opts.now().UnixNano(), msg, key, runID, string(StatusRunning))
	if err != nil {
		return fmt.Errorf("sqlite: failing %s: %w", key, err)
	}
	return requireOneRow(res, "failing", key)
}

func requireOneRow(res sql.Result, op, key string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: %s %s: %w", op, key, err)
	}
	if n != 1 {
		return fmt.Errorf("%s %s: %w", op, key, ErrNotOwner)
	}
	return nil
}

func (s *SQLiteStore) Reset(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE key = ?`, key); err != nil {
		return fmt.Errorf("sqlite: resetting %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Reopen(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE key = ? AND status = ?`, key, string(StatusCompleted))
	if err != nil {
		return false, fmt.Errorf("sqlite: reopening %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: reopening %s: %w", key, err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (Record, error) {
	r, err := scanRecord(s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM jobs WHERE key = ?`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("sqlite: reading %s: %w", key, err)
	}
	return r, nil
}

func (s *SQLiteStore) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM jobs ORDER BY claimed_at DESC, key ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scanning record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Prune(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE status != ? AND finished_at < ?`,
		string(StatusRunning), before.UTC().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("sqlite: pruning: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) AddSpend(ctx context.Context, day, scope string, usd float64, tokens int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO spend (day, scope, usd, tokens) VALUES (?, ?, ?, ?)
		ON CONFLICT(day, scope) DO UPDATE SET usd = usd + excluded.usd, tokens = tokens + excluded.tokens`,
		day, scope, usd, tokens)
	if err != nil {
		return fmt.Errorf("sqlite: recording spend: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Spend(ctx context.Context, day, scope string) (Spend, error) {
	var sp Spend
	err := s.db.QueryRowContext(ctx, `SELECT usd, tokens FROM spend WHERE day = ? AND scope = ?`, day, scope).Scan(&sp.USD, &sp.Tokens)
	if errors.Is(err, sql.ErrNoRows) {
		return Spend{}, nil
	}
	if err != nil {
		return Spend{}, fmt.Errorf("sqlite: reading spend: %w", err)
	}
	return sp, nil
}

// VerifyIntegrity runs PRAGMA quick_check and returns the diagnostic rows,
// or nil when the database is healthy.
func (s *SQLiteStore) VerifyIntegrity(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `PRAGMA quick_check;`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: integrity pragma failed: %w", err)
	}
	defer rows.Close()

	var results []string
	for rows.Next() {
		var res string
		if err := rows.Scan(&res); err != nil {
			return nil, fmt.Errorf("sqlite: scanning integrity row: %w", err)
		}
		results = append(results, res)
	}
	if len(results) == 1 && results[0] == "ok" {
		return nil, nil
	}
	if len(results) == 0 {
		return []string{"no results returned from integrity check"}, nil
	}
	return results, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
