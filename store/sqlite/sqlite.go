/*
Package sqlite provides a SQLite-backed implementation of the engine and job
queue storage interfaces.

PURPOSE:
  Implements engine.Store, engine.Tx (through WithTx), ledger.Store and
  jobs.Store on a single SQLite database. The schema is portable to
  PostgreSQL with minor dialect changes.

KEY TABLES:
  facilities:         Facility profiles and wallet balance (minor units)
  professionals:      Professional profiles and wallet balance (minor units)
  shifts:             Shift postings with escrow balance (minor units)
  shift_applications: One row per (shift, professional)
  ledger_entries:     Append-only wallet history
  jobs:               Durable job queue (transactional outbox)

MONEY:
  Wallet and escrow balances are stored as integer minor units (2 dp), so
  the non-negative rule is enforced in SQL:
    UPDATE ... SET wallet_balance_minor = wallet_balance_minor + ?
    WHERE id = ? AND wallet_balance_minor + ? >= 0
  A zero row count means either the owner is missing or funds are short.
  Rates and paid amounts are stored as decimal strings.

CONSTRAINTS:
  - UNIQUE(shift_id, professional_id) on shift_applications
  - UNIQUE idempotency_key on ledger_entries and jobs
  - CHECK 0 <= quantity_filled <= quantity_needed, escrow_minor >= 0

CONCURRENCY:
  Uses sync.RWMutex to serialise writers inside the process. The callback
  passed to WithTx receives a view bound to the *sql.Tx; it never calls back
  into the locked Store methods.

WAL MODE:
  File databases are opened with WAL and a busy timeout. ":memory:" is
  limited to one connection, since every connection to it is a separate
  database.

TIME FORMAT:
  Timestamps are stored as fixed-width UTC text (timeLayout) so string
  comparison in SQL orders them correctly.

USAGE:
  store, err := sqlite.New("./data/shifta.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  eng := engine.New(store, sink, engine.DefaultConfig(), logger)

SEE ALSO:
  - engine/store.go: Interface definitions
  - store/memory: In-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/shifta/marketplace-engine/engine"
	"github.com/shifta/marketplace-engine/jobs"
	"github.com/shifta/marketplace-engine/ledger"
	"github.com/shopspring/decimal"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var (
	_ engine.Store = (*Store)(nil)
	_ jobs.Store   = (*Store)(nil)
	_ engine.Tx    = conn{}
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
	if dbPath == ":memory:" {
		dsn = ":memory:?_foreign_keys=on"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS facilities (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL,
		address TEXT NOT NULL DEFAULT '',
		is_verified INTEGER NOT NULL DEFAULT 0,
		lat REAL,
		lng REAL,
		wallet_balance_minor INTEGER NOT NULL DEFAULT 0 CHECK (wallet_balance_minor >= 0),
		credit_limit TEXT NOT NULL DEFAULT '0',
		currency TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS professionals (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		full_name TEXT NOT NULL DEFAULT '',
		specialties_json TEXT NOT NULL DEFAULT '[]',
		is_verified INTEGER NOT NULL DEFAULT 0,
		lat REAL,
		lng REAL,
		wallet_balance_minor INTEGER NOT NULL DEFAULT 0 CHECK (wallet_balance_minor >= 0),
		currency TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_professionals_verified
		ON professionals(is_verified) WHERE lat IS NOT NULL AND lng IS NOT NULL;

	CREATE TABLE IF NOT EXISTS shifts (
		id TEXT PRIMARY KEY,
		facility_id TEXT NOT NULL REFERENCES facilities(id),
		role TEXT NOT NULL,
		specialty TEXT NOT NULL,
		quantity_needed INTEGER NOT NULL CHECK (quantity_needed >= 1),
		quantity_filled INTEGER NOT NULL DEFAULT 0,
		start_time TEXT NOT NULL,
		end_time TEXT NOT NULL,
		rate TEXT NOT NULL,
		is_negotiable INTEGER NOT NULL DEFAULT 0,
		min_rate TEXT,
		address TEXT NOT NULL DEFAULT '',
		lat REAL,
		lng REAL,
		status TEXT NOT NULL,
		escrow_minor INTEGER NOT NULL DEFAULT 0 CHECK (escrow_minor >= 0),
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		CHECK (quantity_filled >= 0 AND quantity_filled <= quantity_needed),
		CHECK (end_time > start_time)
	);

	CREATE INDEX IF NOT EXISTS idx_shifts_facility ON shifts(facility_id);
	CREATE INDEX IF NOT EXISTS idx_shifts_status_start ON shifts(status, start_time);

	CREATE TABLE IF NOT EXISTS shift_applications (
		id TEXT PRIMARY KEY,
		shift_id TEXT NOT NULL REFERENCES shifts(id),
		professional_id TEXT NOT NULL REFERENCES professionals(id),
		status TEXT NOT NULL,
		clock_in_time TEXT,
		clock_out_time TEXT,
		approved_by TEXT NOT NULL DEFAULT '',
		paid_amount TEXT NOT NULL DEFAULT '0',
		settled_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE (shift_id, professional_id)
	);

	CREATE INDEX IF NOT EXISTS idx_applications_professional
		ON shift_applications(professional_id, status);
	CREATE INDEX IF NOT EXISTS idx_applications_unsettled
		ON shift_applications(clock_out_time) WHERE settled_at IS NULL;

	-- Append-only: no UPDATE or DELETE is ever issued against this table
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		owner_kind TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		delta_minor INTEGER NOT NULL,
		balance_after_minor INTEGER NOT NULL,
		currency TEXT NOT NULL,
		entry_type TEXT NOT NULL,
		reference_id TEXT,
		reason TEXT,
		idempotency_key TEXT UNIQUE,
		created_by TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_entries_owner
		ON ledger_entries(owner_kind, owner_id);

	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		job_type TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		idempotency_key TEXT UNIQUE,
		run_at TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		last_error TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_due ON jobs(status, run_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (engine.Store)
// =============================================================================

// WithTx executes fn within a database transaction. The transaction is
// rolled back if fn returns an error or panics.
func (s *Store) WithTx(ctx context.Context, fn func(tx engine.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.inTx(ctx, func(c conn) error { return fn(c) })
}

// inTx assumes the caller holds the write lock.
func (s *Store) inTx(ctx context.Context, fn func(c conn) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(conn{q: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

func (s *Store) reader() conn { return conn{q: s.db} }

// =============================================================================
// READS
// =============================================================================

func (s *Store) GetFacility(ctx context.Context, id string) (*engine.Facility, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader().GetFacility(ctx, id)
}

func (s *Store) GetProfessional(ctx context.Context, id string) (*engine.Professional, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader().GetProfessional(ctx, id)
}

func (s *Store) GetShift(ctx context.Context, id string) (*engine.Shift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader().GetShift(ctx, id)
}

func (s *Store) GetApplication(ctx context.Context, id string) (*engine.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader().GetApplication(ctx, id)
}

func (s *Store) FindApplication(ctx context.Context, shiftID, professionalID string) (*engine.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader().FindApplication(ctx, shiftID, professionalID)
}

func (s *Store) ListShifts(ctx context.Context, f engine.ShiftFilter) ([]engine.Shift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader().ListShifts(ctx, f)
}

func (s *Store) ListApplications(ctx context.Context, f engine.ApplicationFilter) ([]engine.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader().ListApplications(ctx, f)
}

func (s *Store) ListMatchCandidates(ctx context.Context, specialty string) ([]engine.Professional, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader().ListMatchCandidates(ctx, specialty)
}

func (s *Store) ListCommitments(ctx context.Context, professionalID string) ([]engine.Commitment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader().ListCommitments(ctx, professionalID)
}

func (s *Store) Balance(ctx context.Context, a ledger.Account) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader().Balance(ctx, a)
}

func (s *Store) Entries(ctx context.Context, a ledger.Account) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader().Entries(ctx, a)
}

// =============================================================================
// WRITES OUTSIDE A CALLER TRANSACTION
// =============================================================================

// ApplyEntry runs the balance update and the entry insert in one
// transaction.
func (s *Store) ApplyEntry(ctx context.Context, e ledger.Entry) (ledger.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out ledger.Entry
	err := s.inTx(ctx, func(c conn) error {
		var err error
		out, err = c.ApplyEntry(ctx, e)
		return err
	})
	return out, err
}

func (s *Store) SaveFacility(ctx context.Context, f engine.Facility) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reader().SaveFacility(ctx, f)
}

func (s *Store) SaveProfessional(ctx context.Context, p engine.Professional) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reader().SaveProfessional(ctx, p)
}

// Reset clears all data (for dev seeding).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"jobs", "ledger_entries", "shift_applications", "shifts", "professionals", "facilities"}
	return s.inTx(ctx, func(c conn) error {
		for _, table := range tables {
			if _, err := c.q.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return err
			}
		}
		return nil
	})
}

// =============================================================================
// JOB QUEUE (jobs.Store)
// =============================================================================

func (s *Store) EnqueueJob(ctx context.Context, j jobs.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reader().EnqueueJob(ctx, j)
}

func (s *Store) GetJobByKey(ctx context.Context, key string) (*jobs.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader().GetJobByKey(ctx, key)
}

// ListJobs returns every job ordered by run time (for admin view and tests).
func (s *Store) ListJobs(ctx context.Context) ([]jobs.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader().queryJobs(ctx, jobColumns+" FROM jobs ORDER BY run_at ASC, created_at ASC")
}

// ClaimDueJobs selects due jobs and marks them running in one transaction.
func (s *Store) ClaimDueJobs(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = -1
	}

	var claimed []jobs.Job
	err := s.inTx(ctx, func(c conn) error {
		due, err := c.queryJobs(ctx, jobColumns+`
			FROM jobs
			WHERE (status = ? AND run_at <= ?)
			   OR (status = ? AND updated_at < ?)
			ORDER BY run_at ASC, created_at ASC
			LIMIT ?`,
			jobs.StatusPending, formatTime(now),
			jobs.StatusRunning, formatTime(now.Add(-lease)),
			limit,
		)
		if err != nil {
			return err
		}

		for _, j := range due {
			_, err := c.q.ExecContext(ctx,
				"UPDATE jobs SET status = ?, attempts = attempts + 1, updated_at = ? WHERE id = ?",
				jobs.StatusRunning, formatTime(now), j.ID,
			)
			if err != nil {
				return fmt.Errorf("failed to claim job %s: %w", j.ID, err)
			}
			j.Status = jobs.StatusRunning
			j.Attempts++
			j.UpdatedAt = now.UTC()
			claimed = append(claimed, j)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *Store) CompleteJob(ctx context.Context, id string) error {
	return s.updateJob(ctx, id,
		"UPDATE jobs SET status = ?, last_error = '', updated_at = ? WHERE id = ?",
		jobs.StatusDone, formatTime(time.Now()), id)
}

func (s *Store) RetryJob(ctx context.Context, id string, runAt time.Time, lastError string) error {
	return s.updateJob(ctx, id,
		"UPDATE jobs SET status = ?, run_at = ?, last_error = ?, updated_at = ? WHERE id = ?",
		jobs.StatusPending, formatTime(runAt), lastError, formatTime(time.Now()), id)
}

func (s *Store) FailJob(ctx context.Context, id string, lastError string) error {
	return s.updateJob(ctx, id,
		"UPDATE jobs SET status = ?, last_error = ?, updated_at = ? WHERE id = ?",
		jobs.StatusFailed, lastError, formatTime(time.Now()), id)
}

func (s *Store) updateJob(ctx context.Context, id, query string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", id, err)
	}
	return requireRow(res, "job", id)
}

// =============================================================================
// UTILITIES
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func timePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func requireRow(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", entity, id, engine.ErrNotFound)
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}
