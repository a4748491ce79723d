/*
Package sqlite provides a SQLite-backed implementation of record.Store.

PURPOSE:
  The default store for a single-node deployment: one file on disk holding
  every canonical record plus the ingestion run history. The hosted MySQL
  deployment uses store/gormstore instead; both satisfy the same interfaces.

INTERFACES IMPLEMENTED:
  record.Store:   FindByKey, Insert, Update, QueryAll
  record.Deleter: Delete
  record.RunLog:  SaveRun, ListRuns

KEY TABLES:
  records:        One row per business key. Stage dates are TEXT
                  (YYYY-MM-DD), the amount is TEXT holding a decimal string
                  so no precision is lost through float64.
  ingestion_runs: Append-only history of ingestion runs with the JSON report.

UPSERT SEMANTICS:
  - business_key is the PRIMARY KEY. A constraint violation on Insert is
    translated to record.ErrDuplicateKey so the upserter can retry as an
    update.
  - Update is a single UPDATE ... SET col = COALESCE(?, col) statement.
    A NULL parameter leaves the stored value alone.
  - updated_at is written on every Update, even when nothing else changed.

CONCURRENCY:
  Uses sync.RWMutex around statements. SQLite serializes writers anyway;
  the mutex keeps the FindByKey/Insert pair of one upsert from interleaving
  with another goroutine in the same process. Separate processes are
  guarded by the primary key alone.

WAL MODE:
  The database is opened with WAL (Write-Ahead Logging) so analytics reads
  do not block behind an ingestion run.

USAGE:
  store, err := sqlite.New("./data/freightsla.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  upserter := ingest.NewUpserter(store, logger)

MIGRATION:
  Schema is auto-migrated on New(). Statements are idempotent
  (CREATE ... IF NOT EXISTS).

SEE ALSO:
  - record/store.go: Interface definitions and upsert contract
  - record/memory/memory.go: In-memory implementation for testing
  - store/gormstore/gormstore.go: MySQL via GORM
*/
package sqlite

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/freight-sla/record"
)

// Store implements record.Store, record.Deleter and record.RunLog using SQLite.
type Store struct {
	db  *sql.DB
	mu  sync.RWMutex
	now func() time.Time
}

var (
	_ record.Store   = (*Store)(nil)
	_ record.Deleter = (*Store)(nil)
	_ record.RunLog  = (*Store)(nil)
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// WithClock replaces the clock used for created_at/updated_at.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	return s
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		business_key INTEGER PRIMARY KEY CHECK (business_key > 0),
		party_name TEXT,
		asset_tag TEXT,
		amount TEXT NOT NULL DEFAULT '0',
		free_text_note TEXT,
		source_tag TEXT,
		issuance_date TEXT,
		inclusion_date TEXT,
		first_dispatch_date TEXT,
		requisition_date TEXT,
		attestation_date TEXT,
		approval_date TEXT,
		final_dispatch_date TEXT,
		billing_date TEXT,
		settlement_date TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_records_issuance
		ON records(issuance_date);
	CREATE INDEX IF NOT EXISTS idx_records_open
		ON records(settlement_date) WHERE settlement_date IS NULL;

	CREATE TABLE IF NOT EXISTS ingestion_runs (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		source TEXT NOT NULL,
		source_tag TEXT NOT NULL,
		status TEXT NOT NULL,
		rows_total INTEGER NOT NULL DEFAULT 0,
		rows_accepted INTEGER NOT NULL DEFAULT 0,
		rows_rejected INTEGER NOT NULL DEFAULT 0,
		inserted INTEGER NOT NULL DEFAULT 0,
		updated INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		report_json TEXT,
		started_at TEXT NOT NULL,
		finished_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ingestion_runs_status
		ON ingestion_runs(status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// RECORDS
// =============================================================================

// stageColumns lists the stage date columns in stage order.
var stageColumns = func() []string {
	cols := make([]string, 0, record.StageCount)
	for _, st := range record.Stages() {
		cols = append(cols, string(st.Field()))
	}
	return cols
}()

var recordColumns = "business_key, party_name, asset_tag, amount, free_text_note, source_tag, " +
	strings.Join(stageColumns, ", ") + ", created_at, updated_at"

// FindByKey returns the stored record, or nil when the key is unknown.
func (s *Store) FindByKey(ctx context.Context, key record.BusinessKey) (*record.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, "SELECT "+recordColumns+" FROM records WHERE business_key = ?", int64(key))
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, translate(err)
	}
	return &rec, nil
}

// Insert writes a new record. An existing key yields record.ErrDuplicateKey.
func (s *Store) Insert(ctx context.Context, rec record.Record) error {
	if !rec.BusinessKey.Valid() {
		return &record.KeyError{Key: rec.BusinessKey, Err: record.ErrInvalidKey}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec = rec.WithDefaults()
	now := formatTime(s.now())

	args := []any{
		int64(rec.BusinessKey),
		nullString(rec.PartyName),
		nullString(rec.AssetTag),
		rec.Amount.Decimal.String(),
		nullString(rec.Note),
		nullString(rec.SourceTag),
	}
	args = append(args, dateArgs(rec.Timeline)...)
	args = append(args, now, now)

	query := "INSERT INTO records (" + recordColumns + ") VALUES (" + placeholders(len(args)) + ")"
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		if isUniqueConstraintError(err) {
			return &record.KeyError{Key: rec.BusinessKey, Err: record.ErrDuplicateKey}
		}
		return translate(err)
	}
	return nil
}

// Update coalesces patch into the stored record. Null patch fields keep
// the stored value.
func (s *Store) Update(ctx context.Context, key record.BusinessKey, patch record.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sets := []string{
		"party_name = COALESCE(?, party_name)",
		"asset_tag = COALESCE(?, asset_tag)",
		"amount = COALESCE(?, amount)",
		"free_text_note = COALESCE(?, free_text_note)",
		"source_tag = COALESCE(?, source_tag)",
	}
	for _, col := range stageColumns {
		sets = append(sets, col+" = COALESCE(?, "+col+")")
	}
	sets = append(sets, "updated_at = MAX(?, created_at)")

	var amount any
	if patch.Amount.Valid {
		amount = patch.Amount.Decimal.String()
	}
	args := []any{
		nullString(patch.PartyName),
		nullString(patch.AssetTag),
		amount,
		nullString(patch.Note),
		nullString(patch.SourceTag),
	}
	args = append(args, dateArgs(patch.Timeline)...)
	args = append(args, formatTime(s.now()), int64(key))

	res, err := s.db.ExecContext(ctx, "UPDATE records SET "+strings.Join(sets, ", ")+" WHERE business_key = ?", args...)
	if err != nil {
		return translate(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return translate(err)
	}
	if n == 0 {
		return &record.KeyError{Key: key, Err: record.ErrNotFound}
	}
	return nil
}

// QueryAll returns every record ordered by business key.
func (s *Store) QueryAll(ctx context.Context) ([]record.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT "+recordColumns+" FROM records ORDER BY business_key")
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	result := []record.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, translate(err)
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, translate(err)
	}
	return result, nil
}

// Delete removes the record with the given key.
func (s *Store) Delete(ctx context.Context, key record.BusinessKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM records WHERE business_key = ?", int64(key))
	if err != nil {
		return translate(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &record.KeyError{Key: key, Err: record.ErrNotFound}
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (record.Record, error) {
	var (
		rec                          record.Record
		key                          int64
		party, asset, note, tag      sql.NullString
		amount, createdAt, updatedAt string
		dates                        [record.StageCount]sql.NullString
	)

	dest := []any{&key, &party, &asset, &amount, &note, &tag}
	for i := range dates {
		dest = append(dest, &dates[i])
	}
	dest = append(dest, &createdAt, &updatedAt)
	if err := sc.Scan(dest...); err != nil {
		return rec, err
	}

	rec.BusinessKey = record.BusinessKey(key)
	rec.PartyName = party.String
	rec.AssetTag = asset.String
	rec.Note = note.String
	rec.SourceTag = tag.String

	d, err := decimal.NewFromString(amount)
	if err != nil {
		return rec, fmt.Errorf("record %d: bad amount %q: %w", key, amount, err)
	}
	rec.Amount = decimal.NullDecimal{Decimal: d, Valid: true}

	for i, st := range record.Stages() {
		if !dates[i].Valid || dates[i].String == "" {
			continue
		}
		t, err := time.Parse(record.DateLayout, dates[i].String)
		if err != nil {
			return rec, fmt.Errorf("record %d: bad %s %q: %w", key, st.Field(), dates[i].String, err)
		}
		rec.Timeline.Set(st, t)
	}

	rec.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	rec.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	return rec, nil
}

// =============================================================================
// RUN LOG
// =============================================================================

// SaveRun appends one ingestion run.
func (s *Store) SaveRun(ctx context.Context, r record.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO ingestion_runs (id, source, source_tag, status,
			rows_total, rows_accepted, rows_rejected, inserted, updated, failed,
			error, report_json, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var report sql.NullString
	if len(r.Report) > 0 {
		report = sql.NullString{String: string(r.Report), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.Source, r.SourceTag, string(r.Status),
		r.RowsTotal, r.RowsAccepted, r.RowsRejected, r.Inserted, r.Updated, r.Failed,
		nullString(r.Error), report,
		formatTime(r.StartedAt), formatTime(r.FinishedAt),
	)
	return translate(err)
}

// ListRuns returns up to limit runs, newest first. limit <= 0 means all.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]record.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, source, source_tag, status,
			rows_total, rows_accepted, rows_rejected, inserted, updated, failed,
			error, report_json, started_at, finished_at
		FROM ingestion_runs
		ORDER BY seq DESC
	`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var runs []record.Run
	for rows.Next() {
		var (
			r                   record.Run
			status              string
			errText, report     sql.NullString
			startedAt, finished string
		)
		if err := rows.Scan(&r.ID, &r.Source, &r.SourceTag, &status,
			&r.RowsTotal, &r.RowsAccepted, &r.RowsRejected, &r.Inserted, &r.Updated, &r.Failed,
			&errText, &report, &startedAt, &finished); err != nil {
			return nil, translate(err)
		}
		r.Status = record.RunStatus(status)
		r.Error = errText.String
		if report.Valid {
			r.Report = []byte(report.String)
		}
		r.StartedAt, _ = time.Parse(timeLayout, startedAt)
		r.FinishedAt, _ = time.Parse(timeLayout, finished)
		runs = append(runs, r)
	}
	return runs, translate(rows.Err())
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func dateArgs(tl record.Timeline) []any {
	args := make([]any, 0, record.StageCount)
	for _, st := range record.Stages() {
		if t, ok := tl.Get(st); ok {
			args = append(args, t.Format(record.DateLayout))
		} else {
			args = append(args, nil)
		}
	}
	return args
}

// timeLayout is fixed width so timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrConstraint &&
			(se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || se.ExtendedCode == sqlite3.ErrConstraintUnique)
	}
	return false
}

// translate wraps connectivity failures in record.ErrStoreUnavailable.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn) ||
		strings.Contains(err.Error(), "database is closed") {
		return fmt.Errorf("%w: %v", record.ErrStoreUnavailable, err)
	}
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrCantOpen || se.Code == sqlite3.ErrIoErr ||
		se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%w: %v", record.ErrStoreUnavailable, err)
	}
	return err
}
