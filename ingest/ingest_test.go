package ingest_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/freight-sla/ingest"
	"github.com/warp/freight-sla/normalize"
	"github.com/warp/freight-sla/record"
	"github.com/warp/freight-sla/record/memory"
	"github.com/warp/freight-sla/schema"
	"github.com/warp/freight-sla/source"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func fields() []schema.FieldSpec {
	return []schema.FieldSpec{
		{Field: record.FieldBusinessKey, Aliases: []string{"CTE"}, Required: true},
		{Field: record.FieldPartyName, Aliases: []string{"Cliente"}},
		{Field: record.FieldAmount, Aliases: []string{"Total"}},
		{Field: record.StageIssuance.Field(), Aliases: []string{"Emissão"}},
		{Field: record.StageFinalDispatch.Field(), Aliases: []string{"Expedição Final"}},
		{Field: record.StageSettlement.Field(), Aliases: []string{"Pagamento"}},
	}
}

func quietLogger() logrus.FieldLogger {
	l, _ := test.NewNullLogger()
	return l
}

func newIngestor() *ingest.Ingestor {
	return ingest.NewIngestor(normalize.New(normalize.DefaultOptions()), quietLogger())
}

func ingestRows(t *testing.T, in *ingest.Ingestor, header []string, rows [][]string) ingest.Batch {
	t.Helper()
	m, err := schema.Build(header, fields())
	require.NoError(t, err)
	b, err := in.Ingest(context.Background(), source.FromRows(header, rows), m, "test#1")
	require.NoError(t, err)
	return b
}

func day(y int, m time.Month, d int) time.Time { return record.NewDate(y, m, d) }

type tickingClock struct{ t time.Time }

func (c *tickingClock) now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func newStore() *memory.Memory {
	c := &tickingClock{t: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)}
	return memory.New().WithClock(c.now)
}

// =============================================================================
// INGESTOR
// =============================================================================

func TestIngest_ExampleRow(t *testing.T) {
	// GIVEN: The CT-e export header and one row
	header := []string{"CTE", "Cliente", " Total ", "Emissão"}
	rows := [][]string{{"1001", "Acme Co", "R$ 1.234,56", "05/jan/24"}}

	// WHEN: Ingesting
	b := ingestRows(t, newIngestor(), header, rows)

	// THEN: One canonical record with parsed values
	require.Len(t, b.Records, 1)
	rec := b.Records[0]
	assert.Equal(t, record.BusinessKey(1001), rec.BusinessKey)
	assert.Equal(t, "Acme Co", rec.PartyName)
	require.True(t, rec.Amount.Valid)
	assert.True(t, rec.Amount.Decimal.Equal(decimal.RequireFromString("1234.56")))
	issued, ok := rec.Timeline.Get(record.StageIssuance)
	require.True(t, ok)
	assert.Equal(t, day(2024, time.January, 5), issued)
	assert.Equal(t, "test#1", rec.SourceTag)

	assert.Equal(t, 1, b.Stats.RowsAccepted)
	assert.Equal(t, 1.0, b.Stats.FillRate[record.FieldAmount])
	assert.Equal(t, 0.0, b.Stats.FillRate[record.StageSettlement.Field()], "unmapped field has zero fill")
}

func TestIngest_EmptyKeyRejected(t *testing.T) {
	header := []string{"CTE", "Cliente", "Total"}
	rows := [][]string{
		{"", "No Key", "10"},
		{"abc", "Bad Key", "10"},
		{"-3", "Negative", "10"},
		{"1002", "Good", "10"},
	}

	b := ingestRows(t, newIngestor(), header, rows)

	assert.Equal(t, 4, b.Stats.RowsTotal)
	assert.Equal(t, 1, b.Stats.RowsAccepted)
	assert.Equal(t, 3, b.Stats.RowsRejected)
	require.Len(t, b.Stats.Rejections, 3)
	assert.Equal(t, 1, b.Stats.Rejections[0].Row)
	assert.Contains(t, b.Stats.Rejections[0].Reason, "missing")
	assert.Contains(t, b.Stats.Rejections[1].Reason, "invalid")
}

func TestIngest_MalformedCellsDegrade(t *testing.T) {
	header := []string{"CTE", "Total", "Emissão", "Pagamento"}
	rows := [][]string{
		{"1", "garbage", "31/02/2024", "n/a"},
		{"2", "", "05/01/1999", "06/01/2024"},
	}

	b := ingestRows(t, newIngestor(), header, rows)

	require.Len(t, b.Records, 2)
	assert.False(t, b.Records[0].Amount.Valid, "degraded amount stays absent so it never overwrites")
	assert.False(t, b.Records[0].Timeline.Has(record.StageIssuance))
	assert.Equal(t, 1, b.Stats.Degraded[record.FieldAmount], "empty cell is missing, not degraded")
	assert.Equal(t, 2, b.Stats.Degraded[record.StageIssuance.Field()])
	assert.Equal(t, 0.5, b.Stats.FillRate[record.StageSettlement.Field()])
	assert.Equal(t, 1.0, b.Stats.FillRate[record.FieldBusinessKey])
}

func TestIngest_StageBeforeIssuanceDiscarded(t *testing.T) {
	header := []string{"CTE", "Emissão", "Expedição Final", "Pagamento"}
	rows := [][]string{{"7", "10/01/2024", "09/01/2024", "20/01/2024"}}

	b := ingestRows(t, newIngestor(), header, rows)

	rec := b.Records[0]
	assert.False(t, rec.Timeline.Has(record.StageFinalDispatch))
	assert.True(t, rec.Timeline.Has(record.StageSettlement))
	assert.Equal(t, 1, b.Stats.Degraded[record.StageFinalDispatch.Field()])
}

func TestIngest_ShortRowsAreTolerated(t *testing.T) {
	header := []string{"CTE", "Cliente", "Total", "Emissão"}
	b := ingestRows(t, newIngestor(), header, [][]string{{"5"}})
	require.Len(t, b.Records, 1)
	assert.False(t, b.Records[0].Amount.Valid)
}

func TestIngest_ParallelPreservesOrder(t *testing.T) {
	header := []string{"CTE", "Total"}
	var rows [][]string
	for i := 1; i <= 500; i++ {
		key := fmt.Sprint(i)
		if i%7 == 0 {
			key = "x"
		}
		rows = append(rows, []string{key, fmt.Sprintf("%d,50", i)})
	}

	seq := ingestRows(t, newIngestor(), header, rows)

	par := newIngestor()
	par.Workers = 4
	got := ingestRows(t, par, header, rows)

	assert.Equal(t, seq.Stats, got.Stats)
	require.Len(t, got.Records, len(seq.Records))
	for i := range seq.Records {
		assert.Equal(t, seq.Records[i].BusinessKey, got.Records[i].BusinessKey)
	}
}

func TestIngest_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m, err := schema.Build([]string{"CTE"}, fields()[:1])
	require.NoError(t, err)
	_, err = newIngestor().Ingest(ctx, source.FromRows([]string{"CTE"}, [][]string{{"1"}}), m, "x")
	assert.ErrorIs(t, err, context.Canceled)
}

// =============================================================================
// UPSERTER
// =============================================================================

func amount(s string) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: decimal.RequireFromString(s), Valid: true}
}

func TestUpsert_TwoRunCoalesce(t *testing.T) {
	// GIVEN: Run 1 with amount=100 and no settlement date
	store := newStore()
	u := ingest.NewUpserter(store, quietLogger())
	ctx := context.Background()

	res, err := u.Upsert(ctx, []record.Record{{BusinessKey: 42, Amount: amount("100")}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)

	// WHEN: Run 2 has no amount but a settlement date
	second := record.Record{BusinessKey: 42}
	second.Timeline.Set(record.StageSettlement, day(2024, time.February, 1))
	res, err = u.Upsert(ctx, []record.Record{second})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)

	// THEN: Both values survive
	got, err := store.FindByKey(ctx, 42)
	require.NoError(t, err)
	assert.True(t, got.Amount.Decimal.Equal(decimal.NewFromInt(100)))
	settled, ok := got.Timeline.Get(record.StageSettlement)
	require.True(t, ok)
	assert.Equal(t, day(2024, time.February, 1), settled)
}

func TestUpsert_IdempotentExceptUpdatedAt(t *testing.T) {
	store := newStore()
	u := ingest.NewUpserter(store, quietLogger())
	ctx := context.Background()

	rec := record.Record{BusinessKey: 9, PartyName: "Acme", Amount: amount("12.5")}
	rec.Timeline.Set(record.StageIssuance, day(2024, time.January, 2))

	_, err := u.Upsert(ctx, []record.Record{rec})
	require.NoError(t, err)
	once, _ := store.FindByKey(ctx, 9)

	_, err = u.Upsert(ctx, []record.Record{rec})
	require.NoError(t, err)
	twice, _ := store.FindByKey(ctx, 9)

	assert.True(t, twice.UpdatedAt.After(once.UpdatedAt))
	assert.Equal(t, once.CreatedAt, twice.CreatedAt)
	once.UpdatedAt, twice.UpdatedAt = time.Time{}, time.Time{}
	assert.Equal(t, *once, *twice)
}

func TestUpsert_PartialNeverNulls(t *testing.T) {
	store := newStore()
	u := ingest.NewUpserter(store, quietLogger())
	ctx := context.Background()

	full := record.Record{BusinessKey: 3, PartyName: "Acme", AssetTag: "ABC1D23", Amount: amount("5"), Note: "fragile"}
	full.Timeline.Set(record.StageIssuance, day(2024, time.January, 2))
	_, err := u.Upsert(ctx, []record.Record{full})
	require.NoError(t, err)

	_, err = u.Upsert(ctx, []record.Record{{BusinessKey: 3, AssetTag: "XYZ9Z99"}})
	require.NoError(t, err)

	got, _ := store.FindByKey(ctx, 3)
	assert.Equal(t, "Acme", got.PartyName)
	assert.Equal(t, "XYZ9Z99", got.AssetTag)
	assert.Equal(t, "fragile", got.Note)
	assert.True(t, got.Amount.Decimal.Equal(decimal.NewFromInt(5)))
	assert.True(t, got.Timeline.Has(record.StageIssuance))
}

func TestUpsert_DiscardsStageBeforeStoredIssuance(t *testing.T) {
	store := newStore()
	u := ingest.NewUpserter(store, quietLogger())
	ctx := context.Background()

	first := record.Record{BusinessKey: 8}
	first.Timeline.Set(record.StageIssuance, day(2024, time.March, 10))
	_, err := u.Upsert(ctx, []record.Record{first})
	require.NoError(t, err)

	late := record.Record{BusinessKey: 8}
	late.Timeline.Set(record.StageSettlement, day(2024, time.March, 1))
	res, err := u.Upsert(ctx, []record.Record{late})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Discarded)
	got, _ := store.FindByKey(ctx, 8)
	assert.False(t, got.Timeline.Has(record.StageSettlement))
}

func TestUpsert_DiscardsIssuanceAfterStoredStage(t *testing.T) {
	store := newStore()
	u := ingest.NewUpserter(store, quietLogger())
	ctx := context.Background()

	// GIVEN: A stored record issued on the 10th and attested on the 12th
	first := record.Record{BusinessKey: 9}
	first.Timeline.Set(record.StageIssuance, day(2024, time.January, 10))
	first.Timeline.Set(record.StageAttestation, day(2024, time.January, 12))
	_, err := u.Upsert(ctx, []record.Record{first})
	require.NoError(t, err)

	// WHEN: A later run moves issuance past the stored attestation
	patch := record.Record{BusinessKey: 9, PartyName: "ACME"}
	patch.Timeline.Set(record.StageIssuance, day(2024, time.January, 15))
	res, err := u.Upsert(ctx, []record.Record{patch})
	require.NoError(t, err)

	// THEN: The incoming issuance is dropped, the rest of the patch applies
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, 1, res.Discarded)
	got, err := store.FindByKey(ctx, 9)
	require.NoError(t, err)
	issued, _ := got.Timeline.Get(record.StageIssuance)
	assert.Equal(t, day(2024, time.January, 10), issued)
	assert.Equal(t, "ACME", got.PartyName)
}

func TestUpsert_AcceptsIssuanceConsistentWithMergedTimeline(t *testing.T) {
	store := newStore()
	u := ingest.NewUpserter(store, quietLogger())
	ctx := context.Background()

	first := record.Record{BusinessKey: 10}
	first.Timeline.Set(record.StageIssuance, day(2024, time.January, 10))
	first.Timeline.Set(record.StageAttestation, day(2024, time.January, 12))
	_, err := u.Upsert(ctx, []record.Record{first})
	require.NoError(t, err)

	// The patch moves issuance later but also replaces the attestation it
	// would otherwise overtake.
	patch := record.Record{BusinessKey: 10}
	patch.Timeline.Set(record.StageIssuance, day(2024, time.January, 15))
	patch.Timeline.Set(record.StageAttestation, day(2024, time.January, 20))
	res, err := u.Upsert(ctx, []record.Record{patch})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Discarded)

	got, err := store.FindByKey(ctx, 10)
	require.NoError(t, err)
	issued, _ := got.Timeline.Get(record.StageIssuance)
	attested, _ := got.Timeline.Get(record.StageAttestation)
	assert.Equal(t, day(2024, time.January, 15), issued)
	assert.Equal(t, day(2024, time.January, 20), attested)

	// Moving issuance earlier never conflicts.
	earlier := record.Record{BusinessKey: 10}
	earlier.Timeline.Set(record.StageIssuance, day(2024, time.January, 5))
	res, err = u.Upsert(ctx, []record.Record{earlier})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Discarded)
	got, _ = store.FindByKey(ctx, 10)
	issued, _ = got.Timeline.Get(record.StageIssuance)
	assert.Equal(t, day(2024, time.January, 5), issued)
}

func TestUpsert_InsertDropsStageBeforeOwnIssuance(t *testing.T) {
	store := newStore()
	u := ingest.NewUpserter(store, quietLogger())
	ctx := context.Background()

	rec := record.Record{BusinessKey: 11}
	rec.Timeline.Set(record.StageIssuance, day(2024, time.February, 10))
	rec.Timeline.Set(record.StageBilling, day(2024, time.February, 1))
	res, err := u.Upsert(ctx, []record.Record{rec})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 1, res.Discarded)
	got, _ := store.FindByKey(ctx, 11)
	assert.False(t, got.Timeline.Has(record.StageBilling))
}

// flakyStore fails selected keys and can lose connectivity.
type flakyStore struct {
	*memory.Memory
	failKeys map[record.BusinessKey]error
	raceKeys map[record.BusinessKey]bool
}

func (s *flakyStore) Insert(ctx context.Context, rec record.Record) error {
	if err, ok := s.failKeys[rec.BusinessKey]; ok {
		return err
	}
	if s.raceKeys[rec.BusinessKey] {
		// Another run inserted the key between FindByKey and Insert.
		delete(s.raceKeys, rec.BusinessKey)
		_ = s.Memory.Insert(ctx, record.Record{BusinessKey: rec.BusinessKey, PartyName: "other run"})
		return s.Memory.Insert(ctx, rec)
	}
	return s.Memory.Insert(ctx, rec)
}

func TestUpsert_PerRecordFailureContinues(t *testing.T) {
	store := &flakyStore{
		Memory:   newStore(),
		failKeys: map[record.BusinessKey]error{2: errors.New("constraint violation")},
	}
	u := ingest.NewUpserter(store, quietLogger())

	res, err := u.Upsert(context.Background(), []record.Record{{BusinessKey: 1}, {BusinessKey: 2}, {BusinessKey: 3}, {BusinessKey: 0}})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)
	assert.Equal(t, 2, res.Failed)
	require.Len(t, res.Failures, 2)
	assert.Equal(t, record.BusinessKey(2), res.Failures[0].Key)
}

func TestUpsert_DuplicateRaceBecomesUpdate(t *testing.T) {
	store := &flakyStore{Memory: newStore(), raceKeys: map[record.BusinessKey]bool{5: true}}
	u := ingest.NewUpserter(store, quietLogger())

	res, err := u.Upsert(context.Background(), []record.Record{{BusinessKey: 5, Amount: amount("7")}})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Inserted)
	assert.Equal(t, 1, res.Updated)

	got, _ := store.FindByKey(context.Background(), 5)
	assert.Equal(t, "other run", got.PartyName)
	assert.True(t, got.Amount.Decimal.Equal(decimal.NewFromInt(7)))
}

func TestUpsert_ConnectivityFailureAborts(t *testing.T) {
	store := &flakyStore{
		Memory:   newStore(),
		failKeys: map[record.BusinessKey]error{2: fmt.Errorf("dial: %w", record.ErrStoreUnavailable)},
	}
	u := ingest.NewUpserter(store, quietLogger())

	res, err := u.Upsert(context.Background(), []record.Record{{BusinessKey: 1}, {BusinessKey: 2}, {BusinessKey: 3}})
	require.Error(t, err)
	assert.ErrorIs(t, err, record.ErrStoreUnavailable)
	assert.Equal(t, 1, res.Inserted, "committed writes remain")

	got, _ := store.FindByKey(context.Background(), 3)
	assert.Nil(t, got)
}

// =============================================================================
// PIPELINE
// =============================================================================

func TestPipeline_RunStatuses(t *testing.T) {
	store := newStore()
	p := ingest.NewPipeline(fields(), newIngestor(), store, quietLogger())
	ctx := context.Background()

	header := []string{"CTE", "Cliente", "Total"}
	rep, err := p.Run(ctx, source.FromRows(header, [][]string{{"1", "A", "10"}}), "ok.csv")
	require.NoError(t, err)
	assert.Equal(t, record.RunOK, rep.Status)
	assert.Equal(t, 1, rep.Upsert.Inserted)
	assert.Contains(t, rep.SourceTag, "ok.csv#")
	assert.Equal(t, "CTE", rep.Mapping.Columns[record.FieldBusinessKey])

	rep, err = p.Run(ctx, source.FromRows(header, [][]string{{"", "B", "1"}, {"1", "A", "20"}}), "partial.csv")
	require.NoError(t, err)
	assert.Equal(t, record.RunPartial, rep.Status)
	assert.Equal(t, 1, rep.Upsert.Updated)

	rep, err = p.Run(ctx, source.FromRows([]string{"Cliente", "Total"}, nil), "bad.csv")
	require.Error(t, err)
	assert.ErrorIs(t, err, schema.ErrRequiredFieldUnmapped)
	assert.Equal(t, record.RunFailed, rep.Status)
	assert.Equal(t, []string{"Cliente", "Total"}, rep.Mapping.Header)

	runs, err := store.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "bad.csv", runs[0].Source, "newest first")
	assert.NotEmpty(t, runs[0].Report)
}

func TestPipeline_DryRunWritesNothing(t *testing.T) {
	store := newStore()
	p := ingest.NewPipeline(fields(), newIngestor(), store, quietLogger())
	ctx := context.Background()

	rep, err := p.DryRun(ctx, source.FromRows([]string{"CTE", "Total"}, [][]string{{"1", "10"}}), "preview.csv")
	require.NoError(t, err)
	assert.True(t, rep.DryRun)
	assert.Equal(t, 1, rep.Stats.RowsAccepted)

	all, _ := store.QueryAll(ctx)
	assert.Empty(t, all)
	runs, _ := store.ListRuns(ctx, 10)
	assert.Empty(t, runs)
}
