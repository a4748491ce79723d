/*
Package ingest turns a mapped table into canonical records and writes them.

PURPOSE:
  Three steps share this package:
    Ingestor  - rows -> records, with per-row rejection and fill-rate stats
    Upserter  - records -> store, insert-or-coalesce per business key
    Pipeline  - Table -> mapping -> Ingestor -> Upserter -> run log

ROW POLICY:
  - A row without a positive integer business key is rejected and counted.
  - Every other cell degrades instead of failing: a malformed amount or date
    leaves that field absent on the record and is counted in Stats.Degraded.
  - A stage date earlier than the row's issuance date is discarded and
    counted as degraded.
  Ingest only returns an error when the table itself cannot be read or the
  context is cancelled.

CONCURRENCY:
  Rows are independent. With Workers > 1 they are normalized concurrently in
  contiguous chunks (errgroup); output order always matches input order.

SEE ALSO:
  - upsert.go: Store write policy
  - pipeline.go: End-to-end run with RunReport
*/
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/warp/freight-sla/normalize"
	"github.com/warp/freight-sla/record"
	"github.com/warp/freight-sla/schema"
	"github.com/warp/freight-sla/source"
)

const (
	// MaxRejections caps the rejection samples kept in Stats.
	MaxRejections = 50

	partyMaxRunes = 200
	tagMaxRunes   = 64
)

// =============================================================================
// TYPES
// =============================================================================

// Rejection explains why a row produced no record. Row is 1-based and counts
// data rows only (the header is row 0).
type Rejection struct {
	Row    int    `json:"row"`
	Reason string `json:"reason"`
	Raw    string `json:"raw,omitempty"`
}

// Stats is the observability summary of one ingestion.
type Stats struct {
	RowsTotal    int                      `json:"rows_total"`
	RowsAccepted int                      `json:"rows_accepted"`
	RowsRejected int                      `json:"rows_rejected"`
	FillRate     map[record.Field]float64 `json:"fill_rate"`
	Degraded     map[record.Field]int     `json:"degraded"`
	Rejections   []Rejection              `json:"rejections,omitempty"`
}

// Batch is the output of Ingest.
type Batch struct {
	Records []record.Record
	Stats   Stats
}

// Ingestor builds canonical records from mapped rows.
type Ingestor struct {
	Normalizer *normalize.Normalizer
	Workers    int
	Logger     logrus.FieldLogger
}

// NewIngestor creates a sequential ingestor.
func NewIngestor(n *normalize.Normalizer, logger logrus.FieldLogger) *Ingestor {
	if n == nil {
		n = normalize.New(normalize.DefaultOptions())
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Ingestor{Normalizer: n, Workers: 1, Logger: logger}
}

// rowOutcome is the result of one row, independent of every other row.
type rowOutcome struct {
	rec      record.Record
	rejected *Rejection
	degraded []record.Field
}

// =============================================================================
// INGEST
// =============================================================================

// Ingest reads every row of table and builds records using mapping. Each
// accepted record carries sourceTag.
func (in *Ingestor) Ingest(ctx context.Context, table source.Table, mapping schema.Mapping, sourceTag string) (Batch, error) {
	if _, ok := mapping.Column(record.FieldBusinessKey); !ok {
		return Batch{}, &schema.UnmappedError{Fields: []record.Field{record.FieldBusinessKey}, Header: mapping.Header}
	}

	var rows [][]string
	for {
		if err := ctx.Err(); err != nil {
			return Batch{}, err
		}
		row, err := table.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Batch{}, fmt.Errorf("read row %d: %w", len(rows)+1, err)
		}
		rows = append(rows, row)
	}

	outcomes, err := in.process(ctx, rows, mapping, sourceTag)
	if err != nil {
		return Batch{}, err
	}

	batch := Batch{Stats: Stats{
		RowsTotal: len(rows),
		FillRate:  make(map[record.Field]float64),
		Degraded:  make(map[record.Field]int),
	}}
	for _, o := range outcomes {
		for _, f := range o.degraded {
			batch.Stats.Degraded[f]++
		}
		if o.rejected != nil {
			batch.Stats.RowsRejected++
			if len(batch.Stats.Rejections) < MaxRejections {
				batch.Stats.Rejections = append(batch.Stats.Rejections, *o.rejected)
			}
			continue
		}
		batch.Records = append(batch.Records, o.rec)
	}
	batch.Stats.RowsAccepted = len(batch.Records)
	batch.Stats.FillRate = FillRates(batch.Records, mapping.Fields())

	in.Logger.WithFields(logrus.Fields{
		"source_tag": sourceTag,
		"rows":       batch.Stats.RowsTotal,
		"accepted":   batch.Stats.RowsAccepted,
		"rejected":   batch.Stats.RowsRejected,
	}).Info("ingested table")

	return batch, nil
}

func (in *Ingestor) process(ctx context.Context, rows [][]string, mapping schema.Mapping, sourceTag string) ([]rowOutcome, error) {
	out := make([]rowOutcome, len(rows))
	workers := in.Workers
	if workers <= 1 || len(rows) < 2*workers {
		for i, row := range rows {
			out[i] = in.buildRow(i+1, row, mapping, sourceTag)
		}
		return out, ctx.Err()
	}

	g, gctx := errgroup.WithContext(ctx)
	chunk := (len(rows) + workers - 1) / workers
	for start := 0; start < len(rows); start += chunk {
		start, end := start, min(start+chunk, len(rows))
		g.Go(func() error {
			for i := start; i < end; i++ {
				if i%256 == 0 {
					if err := gctx.Err(); err != nil {
						return err
					}
				}
				out[i] = in.buildRow(i+1, rows[i], mapping, sourceTag)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// buildRow converts one row. It never fails; problems become a rejection or
// degraded fields.
func (in *Ingestor) buildRow(rowNum int, row []string, mapping schema.Mapping, sourceTag string) rowOutcome {
	var o rowOutcome
	n := in.Normalizer

	cell := func(f record.Field) (string, bool) {
		c, ok := mapping.Column(f)
		if !ok {
			return "", false
		}
		if c.Index >= len(row) {
			return "", true
		}
		return row[c.Index], true
	}

	rawKey, _ := cell(record.FieldBusinessKey)
	key := n.BusinessKey(rawKey)
	if !key.Status.OK() {
		o.rejected = &Rejection{Row: rowNum, Reason: "business key " + key.Status.String(), Raw: rawKey}
		return o
	}

	o.rec = record.Record{BusinessKey: record.BusinessKey(key.Value), SourceTag: sourceTag}
	degrade := func(f record.Field, s normalize.Status) {
		if s == normalize.StatusInvalid || s == normalize.StatusOutOfRange {
			o.degraded = append(o.degraded, f)
		}
	}

	if raw, ok := cell(record.FieldPartyName); ok {
		if r := n.Text(raw, partyMaxRunes); r.Status.OK() {
			o.rec.PartyName = r.Value
		}
	}
	if raw, ok := cell(record.FieldAssetTag); ok {
		if r := n.Text(raw, tagMaxRunes); r.Status.OK() {
			o.rec.AssetTag = r.Value
		}
	}
	if raw, ok := cell(record.FieldNote); ok {
		if r := n.Text(raw, 0); r.Status.OK() {
			o.rec.Note = r.Value
		}
	}
	if raw, ok := cell(record.FieldAmount); ok {
		r := n.Amount(raw)
		if r.Status.OK() {
			o.rec.Amount = decimal.NullDecimal{Decimal: r.Value, Valid: true}
		} else {
			degrade(record.FieldAmount, r.Status)
		}
	}
	for _, s := range record.Stages() {
		raw, ok := cell(s.Field())
		if !ok {
			continue
		}
		r := n.Date(raw)
		if r.Status.OK() {
			o.rec.Timeline.Set(s, r.Value)
		} else {
			degrade(s.Field(), r.Status)
		}
	}

	o.degraded = append(o.degraded, DiscardBeforeIssuance(&o.rec.Timeline, time.Time{})...)
	return o
}

// =============================================================================
// HELPERS
// =============================================================================

// DiscardBeforeIssuance clears every stage dated before the issuance date and
// returns the fields it cleared. When tl has no issuance date, fallback (the
// stored issuance, if any) is used instead.
func DiscardBeforeIssuance(tl *record.Timeline, fallback time.Time) []record.Field {
	issued, ok := tl.Get(record.StageIssuance)
	if !ok {
		if fallback.IsZero() {
			return nil
		}
		issued = record.Day(fallback)
	}
	var cleared []record.Field
	for _, s := range record.Stages() {
		if s == record.StageIssuance {
			continue
		}
		if t, ok := tl.Get(s); ok && t.Before(issued) {
			tl.Set(s, time.Time{})
			cleared = append(cleared, s.Field())
		}
	}
	return cleared
}

// FillRates returns, per field, the fraction of records with a non-null
// value. With no records every rate is 0.
func FillRates(records []record.Record, fields []record.Field) map[record.Field]float64 {
	rates := make(map[record.Field]float64, len(fields))
	for _, f := range fields {
		if len(records) == 0 {
			rates[f] = 0
			continue
		}
		filled := 0
		for _, r := range records {
			if r.Has(f) {
				filled++
			}
		}
		rates[f] = float64(filled) / float64(len(records))
	}
	return rates
}
