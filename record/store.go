/*
store.go - Persistence interface for canonical records

PURPOSE:
  Defines the interface between the ingestion/analytics core and whatever
  database holds the records. The core only needs key uniqueness and the
  coalesce-merge semantics of Update; it does not care whether the store is
  SQLite, a hosted MySQL or a map.

KEY INTERFACES:
  Store:   FindByKey, Insert, Update, QueryAll (the four core operations)
  Deleter: explicit deletion, never used by ingestion
  RunLog:  history of ingestion runs with their mapping reports

UPSERT CONTRACT:
  - Insert fails with ErrDuplicateKey when the key exists (the store's
    uniqueness constraint is the only concurrency guard between runs).
  - Update coalesces: only non-null fields of the patch overwrite, null
    fields leave the stored value alone. UpdatedAt is refreshed by the
    store on every Update, even when nothing changed.
  - Connectivity failures wrap ErrStoreUnavailable.

IMPLEMENTATIONS:
  - record/memory/memory.go: In-memory, for tests and dry runs
  - store/sqlite/sqlite.go: Local SQLite database
  - store/gormstore/gormstore.go: GORM (hosted MySQL)

SEE ALSO:
  - ingest/upsert.go: Upserter built on Store
*/
package record

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Record persistence
// =============================================================================

// Store persists canonical records keyed by BusinessKey.
type Store interface {
	// FindByKey returns the stored record, or nil when the key is unknown.
	FindByKey(ctx context.Context, key BusinessKey) (*Record, error)

	// Insert writes a new record. Returns ErrDuplicateKey if the key exists.
	Insert(ctx context.Context, rec Record) error

	// Update coalesces patch into the stored record with the given key.
	// Returns ErrNotFound if the key does not exist.
	Update(ctx context.Context, key BusinessKey, patch Record) error

	// QueryAll returns a snapshot of every record ordered by key.
	QueryAll(ctx context.Context) ([]Record, error)
}

// Deleter removes records. Deletion is an explicit operation outside
// ingestion.
type Deleter interface {
	Delete(ctx context.Context, key BusinessKey) error
}

// =============================================================================
// RUN LOG - One entry per ingestion run
// =============================================================================

// RunStatus summarizes how a run ended.
type RunStatus string

const (
	RunOK      RunStatus = "ok"      // every row accepted and written
	RunPartial RunStatus = "partial" // some rows rejected or writes failed
	RunFailed  RunStatus = "failed"  // mapping or store failure, nothing reliable written
)

// Run records one ingestion run. Report holds the JSON mapping report and
// statistics produced by the pipeline.
type Run struct {
	ID           string
	Source       string
	SourceTag    string
	Status       RunStatus
	RowsTotal    int
	RowsAccepted int
	RowsRejected int
	Inserted     int
	Updated      int
	Failed       int
	Error        string
	Report       []byte
	StartedAt    time.Time
	FinishedAt   time.Time
}

// RunLog stores ingestion runs, newest first on read.
type RunLog interface {
	SaveRun(ctx context.Context, run Run) error
	ListRuns(ctx context.Context, limit int) ([]Run, error)
}
