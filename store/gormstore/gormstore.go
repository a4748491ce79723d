/*
Package gormstore implements record.Store on top of GORM.

PURPOSE:
  The hosted deployment keeps its records in MySQL. GORM gives us the
  same Store contract as store/sqlite without hand-writing a second SQL
  dialect; any gorm.Dialector works, which is how the tests run it against
  SQLite.

MODELS:
  recordRow: table "records", business_key is the primary key (no auto
             increment: keys come from the source documents).
  runRow:    table "ingestion_runs", append-only.

UPSERT SEMANTICS:
  - Insert relies on the primary key. TranslateError turns the driver's
    duplicate-key error into gorm.ErrDuplicatedKey, which we map to
    record.ErrDuplicateKey.
  - Update builds a column map holding only the non-null patch fields plus
    updated_at. Columns not in the map are untouched, which is the
    coalesce merge.

CONNECTION:
  OpenMySQL(dsn, opts) opens a MySQL database the way the hosted service
  does (parseTime=true is required for DATE/DATETIME columns). Open takes any
  dialector. Both auto-migrate the two tables.

SEE ALSO:
  - record/store.go: Interface definitions
  - store/sqlite/sqlite.go: Plain database/sql implementation
*/
package gormstore

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/warp/freight-sla/record"
)

// =============================================================================
// MODELS
// =============================================================================

type recordRow struct {
	BusinessKey       int64           `gorm:"primaryKey;autoIncrement:false"`
	PartyName         *string         `gorm:"size:200"`
	AssetTag          *string         `gorm:"size:64"`
	Amount            decimal.Decimal `gorm:"type:decimal(18,4);not null;default:0"`
	FreeTextNote      *string         `gorm:"type:text"`
	SourceTag         *string         `gorm:"size:255"`
	IssuanceDate      *time.Time      `gorm:"type:date;index"`
	InclusionDate     *time.Time      `gorm:"type:date"`
	FirstDispatchDate *time.Time      `gorm:"type:date"`
	RequisitionDate   *time.Time      `gorm:"type:date"`
	AttestationDate   *time.Time      `gorm:"type:date"`
	ApprovalDate      *time.Time      `gorm:"type:date"`
	FinalDispatchDate *time.Time      `gorm:"type:date"`
	BillingDate       *time.Time      `gorm:"type:date"`
	SettlementDate    *time.Time      `gorm:"type:date;index"`
	CreatedAt         time.Time       `gorm:"autoCreateTime"`
	UpdatedAt         time.Time       `gorm:"autoUpdateTime"`
}

func (recordRow) TableName() string { return "records" }

// dates returns pointers to the stage columns in stage order.
func (r *recordRow) dates() [record.StageCount]**time.Time {
	return [record.StageCount]**time.Time{
		&r.IssuanceDate, &r.InclusionDate, &r.FirstDispatchDate,
		&r.RequisitionDate, &r.AttestationDate, &r.ApprovalDate,
		&r.FinalDispatchDate, &r.BillingDate, &r.SettlementDate,
	}
}

type runRow struct {
	Seq          uint   `gorm:"primaryKey;autoIncrement"`
	RunID        string `gorm:"size:64;uniqueIndex;not null"`
	Source       string `gorm:"size:255;not null"`
	SourceTag    string `gorm:"size:255;not null"`
	Status       string `gorm:"size:16;index;not null"`
	RowsTotal    int
	RowsAccepted int
	RowsRejected int
	Inserted     int
	Updated      int
	Failed       int
	Error        string `gorm:"type:text"`
	ReportJSON   string `gorm:"type:text"`
	StartedAt    time.Time
	FinishedAt   time.Time
}

func (runRow) TableName() string { return "ingestion_runs" }

func toRow(rec record.Record) recordRow {
	row := recordRow{
		BusinessKey:  int64(rec.BusinessKey),
		PartyName:    optString(rec.PartyName),
		AssetTag:     optString(rec.AssetTag),
		Amount:       rec.AmountOrZero(),
		FreeTextNote: optString(rec.Note),
		SourceTag:    optString(rec.SourceTag),
	}
	cols := row.dates()
	for i, st := range record.Stages() {
		if t, ok := rec.Timeline.Get(st); ok {
			t := t
			*cols[i] = &t
		}
	}
	return row
}

func fromRow(row recordRow) record.Record {
	rec := record.Record{
		BusinessKey: record.BusinessKey(row.BusinessKey),
		PartyName:   deref(row.PartyName),
		AssetTag:    deref(row.AssetTag),
		Amount:      decimal.NullDecimal{Decimal: row.Amount, Valid: true},
		Note:        deref(row.FreeTextNote),
		SourceTag:   deref(row.SourceTag),
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
	}
	for i, p := range row.dates() {
		if *p != nil {
			rec.Timeline.Set(record.Stage(i), **p)
		}
	}
	return rec
}

// =============================================================================
// STORE
// =============================================================================

// Options tune Open. The zero value is usable.
type Options struct {
	// Logger receives GORM's error and slow-query lines. Nil discards them.
	Logger logrus.FieldLogger

	// Now overrides the clock used for created_at/updated_at.
	Now func() time.Time
}

// Store implements record.Store, record.Deleter and record.RunLog via GORM.
type Store struct {
	db *gorm.DB
}

var (
	_ record.Store   = (*Store)(nil)
	_ record.Deleter = (*Store)(nil)
	_ record.RunLog  = (*Store)(nil)
)

// OpenMySQL connects to MySQL using a go-sql-driver DSN such as
// "user:pass@tcp(host:3306)/freight?parseTime=true".
func OpenMySQL(dsn string, opts Options) (*Store, error) {
	if !strings.Contains(dsn, "parseTime=true") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "parseTime=true"
	}
	return Open(mysql.Open(dsn), opts)
}

// Open connects with any GORM dialector and migrates the schema.
func Open(dialector gorm.Dialector, opts Options) (*Store, error) {
	cfg := &gorm.Config{
		TranslateError: true,
		Logger:         newGormLogger(opts.Logger),
	}
	if opts.Now != nil {
		cfg.NowFunc = opts.Now
	}

	db, err := gorm.Open(dialector, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", record.ErrStoreUnavailable, err)
	}
	if err := db.AutoMigrate(&recordRow{}, &runRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Store{db: db}, nil
}

func newGormLogger(l logrus.FieldLogger) logger.Interface {
	if l == nil {
		return logger.Discard
	}
	return logger.New(l, logger.Config{
		SlowThreshold:             time.Second,
		LogLevel:                  logger.Error,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// FindByKey returns the stored record, or nil when the key is unknown.
func (s *Store) FindByKey(ctx context.Context, key record.BusinessKey) (*record.Record, error) {
	var rows []recordRow
	if err := s.db.WithContext(ctx).Where("business_key = ?", int64(key)).Limit(1).Find(&rows).Error; err != nil {
		return nil, translate(err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	rec := fromRow(rows[0])
	return &rec, nil
}

// Insert writes a new record. An existing key yields record.ErrDuplicateKey.
func (s *Store) Insert(ctx context.Context, rec record.Record) error {
	if !rec.BusinessKey.Valid() {
		return &record.KeyError{Key: rec.BusinessKey, Err: record.ErrInvalidKey}
	}
	row := toRow(rec.WithDefaults())
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isDuplicate(err) {
			return &record.KeyError{Key: rec.BusinessKey, Err: record.ErrDuplicateKey}
		}
		return translate(err)
	}
	return nil
}

// Update writes the non-null fields of patch and refreshes updated_at.
func (s *Store) Update(ctx context.Context, key record.BusinessKey, patch record.Record) error {
	cols := map[string]any{"updated_at": s.db.NowFunc()}
	if patch.PartyName != "" {
		cols["party_name"] = patch.PartyName
	}
	if patch.AssetTag != "" {
		cols["asset_tag"] = patch.AssetTag
	}
	if patch.Amount.Valid {
		cols["amount"] = patch.Amount.Decimal
	}
	if patch.Note != "" {
		cols["free_text_note"] = patch.Note
	}
	if patch.SourceTag != "" {
		cols["source_tag"] = patch.SourceTag
	}
	for _, st := range record.Stages() {
		if t, ok := patch.Timeline.Get(st); ok {
			cols[string(st.Field())] = t
		}
	}

	db := s.db.WithContext(ctx)
	res := db.Model(&recordRow{}).Where("business_key = ?", int64(key)).Updates(cols)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	// MySQL reports 0 affected rows when the new values equal the old ones.
	var n int64
	if err := db.Model(&recordRow{}).Where("business_key = ?", int64(key)).Count(&n).Error; err != nil {
		return translate(err)
	}
	if n == 0 {
		return &record.KeyError{Key: key, Err: record.ErrNotFound}
	}
	return nil
}

// QueryAll returns every record ordered by business key.
func (s *Store) QueryAll(ctx context.Context) ([]record.Record, error) {
	var rows []recordRow
	if err := s.db.WithContext(ctx).Order("business_key").Find(&rows).Error; err != nil {
		return nil, translate(err)
	}
	result := make([]record.Record, 0, len(rows))
	for _, row := range rows {
		result = append(result, fromRow(row))
	}
	return result, nil
}

// Delete removes the record with the given key.
func (s *Store) Delete(ctx context.Context, key record.BusinessKey) error {
	res := s.db.WithContext(ctx).Where("business_key = ?", int64(key)).Delete(&recordRow{})
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return &record.KeyError{Key: key, Err: record.ErrNotFound}
	}
	return nil
}

// =============================================================================
// RUN LOG
// =============================================================================

// SaveRun appends one ingestion run.
func (s *Store) SaveRun(ctx context.Context, r record.Run) error {
	row := runRow{
		RunID:        r.ID,
		Source:       r.Source,
		SourceTag:    r.SourceTag,
		Status:       string(r.Status),
		RowsTotal:    r.RowsTotal,
		RowsAccepted: r.RowsAccepted,
		RowsRejected: r.RowsRejected,
		Inserted:     r.Inserted,
		Updated:      r.Updated,
		Failed:       r.Failed,
		Error:        r.Error,
		ReportJSON:   string(r.Report),
		StartedAt:    r.StartedAt.UTC(),
		FinishedAt:   r.FinishedAt.UTC(),
	}
	return translate(s.db.WithContext(ctx).Create(&row).Error)
}

// ListRuns returns up to limit runs, newest first. limit <= 0 means all.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]record.Run, error) {
	q := s.db.WithContext(ctx).Order("seq DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []runRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, translate(err)
	}

	runs := make([]record.Run, 0, len(rows))
	for _, row := range rows {
		run := record.Run{
			ID:           row.RunID,
			Source:       row.Source,
			SourceTag:    row.SourceTag,
			Status:       record.RunStatus(row.Status),
			RowsTotal:    row.RowsTotal,
			RowsAccepted: row.RowsAccepted,
			RowsRejected: row.RowsRejected,
			Inserted:     row.Inserted,
			Updated:      row.Updated,
			Failed:       row.Failed,
			Error:        row.Error,
			StartedAt:    row.StartedAt,
			FinishedAt:   row.FinishedAt,
		}
		if row.ReportJSON != "" {
			run.Report = []byte(row.ReportJSON)
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// isDuplicate matches the translated error, and the raw driver text for
// dialectors that do not implement error translation.
func isDuplicate(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey) ||
		strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "Duplicate entry")
}

// translate wraps connectivity failures in record.ErrStoreUnavailable.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.As(err, &netErr) ||
		strings.Contains(err.Error(), "database is closed") ||
		strings.Contains(err.Error(), "invalid connection") {
		return fmt.Errorf("%w: %v", record.ErrStoreUnavailable, err)
	}
	return err
}
