package gormstore_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"

	"github.com/warp/freight-sla/record"
	"github.com/warp/freight-sla/store/gormstore"
)

func newTestStore(t *testing.T) *gormstore.Store {
	logger, _ := test.NewNullLogger()
	now := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	store, err := gormstore.Open(sqlite.Open(filepath.Join(t.TempDir(), "records.db")), gormstore.Options{
		Logger: logger,
		Now: func() time.Time {
			now = now.Add(time.Second)
			return now
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestInsertFindUpdate(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	// GIVEN: A stored record
	rec := record.Record{
		BusinessKey: 1001,
		PartyName:   "ACME",
		AssetTag:    "ABC1D23",
		Amount:      decimal.NullDecimal{Decimal: decimal.RequireFromString("1234.56"), Valid: true},
	}
	rec.Timeline.Set(record.StageIssuance, record.NewDate(2024, 1, 5))
	require.NoError(t, store.Insert(ctx, rec))

	got, err := store.FindByKey(ctx, 1001)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "ACME", got.PartyName)
	assert.True(t, got.Amount.Decimal.Equal(decimal.RequireFromString("1234.56")))
	assert.Equal(t, rec.Timeline, got.Timeline)

	// WHEN: Updating with a sparse patch
	patch := record.Record{PartyName: "ACME Ltda"}
	patch.Timeline.Set(record.StageBilling, record.NewDate(2024, 2, 1))
	require.NoError(t, store.Update(ctx, 1001, patch))

	// THEN: Absent patch fields keep the stored values
	got, err = store.FindByKey(ctx, 1001)
	require.NoError(t, err)
	assert.Equal(t, "ACME Ltda", got.PartyName)
	assert.Equal(t, "ABC1D23", got.AssetTag)
	assert.True(t, got.Amount.Decimal.Equal(decimal.RequireFromString("1234.56")))
	assert.True(t, got.Timeline.Has(record.StageIssuance))
	assert.True(t, got.Timeline.Has(record.StageBilling))
	assert.True(t, got.UpdatedAt.After(got.CreatedAt))
}

func TestFindByKey_Missing(t *testing.T) {
	got, err := newTestStore(t).FindByKey(context.Background(), 5)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestInsert_Duplicate(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.Insert(ctx, record.Record{BusinessKey: 1}))
	assert.ErrorIs(t, store.Insert(ctx, record.Record{BusinessKey: 1}), record.ErrDuplicateKey)
	assert.ErrorIs(t, store.Insert(ctx, record.Record{BusinessKey: -1}), record.ErrInvalidKey)

	got, err := store.FindByKey(ctx, 1)
	require.NoError(t, err)
	assert.True(t, got.Amount.Valid)
	assert.True(t, got.Amount.Decimal.IsZero())
}

func TestUpdate_MissingAndEmptyPatch(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	assert.ErrorIs(t, store.Update(ctx, 9, record.Record{PartyName: "X"}), record.ErrNotFound)

	require.NoError(t, store.Insert(ctx, record.Record{BusinessKey: 9, PartyName: "X"}))
	before, err := store.FindByKey(ctx, 9)
	require.NoError(t, err)
	require.NoError(t, store.Update(ctx, 9, record.Record{}))
	after, err := store.FindByKey(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, "X", after.PartyName)
	assert.True(t, after.UpdatedAt.After(before.UpdatedAt))
}

func TestQueryAllAndDelete(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for _, k := range []record.BusinessKey{3, 1, 2} {
		require.NoError(t, store.Insert(ctx, record.Record{BusinessKey: k}))
	}
	require.NoError(t, store.Delete(ctx, 2))
	assert.ErrorIs(t, store.Delete(ctx, 2), record.ErrNotFound)

	all, err := store.QueryAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, record.BusinessKey(1), all[0].BusinessKey)
	assert.Equal(t, record.BusinessKey(3), all[1].BusinessKey)
}

func TestRunLog(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	start := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

	require.NoError(t, store.SaveRun(ctx, record.Run{ID: "a", Source: "x.csv", SourceTag: "x.csv#a", Status: record.RunOK, StartedAt: start, FinishedAt: start}))
	require.NoError(t, store.SaveRun(ctx, record.Run{ID: "b", Source: "y.csv", SourceTag: "y.csv#b", Status: record.RunPartial, RowsRejected: 2, Report: []byte(`{}`), StartedAt: start, FinishedAt: start}))

	runs, err := store.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "b", runs[0].ID)
	assert.Equal(t, record.RunPartial, runs[0].Status)
	assert.Equal(t, 2, runs[0].RowsRejected)
	assert.Equal(t, "{}", string(runs[0].Report))
	assert.Nil(t, runs[1].Report)

	one, err := store.ListRuns(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, one, 1)
}

func TestClosedStoreIsUnavailable(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Close())

	_, err := store.QueryAll(context.Background())
	assert.ErrorIs(t, err, record.ErrStoreUnavailable)
}
