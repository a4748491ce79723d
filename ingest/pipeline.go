package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/warp/freight-sla/record"
	"github.com/warp/freight-sla/schema"
	"github.com/warp/freight-sla/source"
)

// =============================================================================
// PIPELINE - One ingestion run end to end
// =============================================================================

// RunReport is what a caller sees after a run: enough to tell "ran
// perfectly" from "ran with partial data loss" from "did not run".
type RunReport struct {
	RunID      string           `json:"run_id"`
	Source     string           `json:"source"`
	SourceTag  string           `json:"source_tag"`
	Format     string           `json:"format,omitempty"`
	DryRun     bool             `json:"dry_run"`
	Status     record.RunStatus `json:"status"`
	Mapping    schema.Report    `json:"mapping"`
	Stats      Stats            `json:"stats"`
	Upsert     UpsertResult     `json:"upsert"`
	Error      string           `json:"error,omitempty"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
}

// Pipeline wires mapping, ingestion, upsert and the run log.
type Pipeline struct {
	Fields   []schema.FieldSpec
	Mapper   schema.Mapper
	Ingestor *Ingestor
	Upserter *Upserter
	RunLog   record.RunLog // optional
	Logger   logrus.FieldLogger
	Now      func() time.Time
}

// NewPipeline builds a pipeline over store. When store also implements
// record.RunLog, runs are logged to it.
func NewPipeline(fields []schema.FieldSpec, ingestor *Ingestor, store record.Store, logger logrus.FieldLogger) *Pipeline {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	p := &Pipeline{
		Fields:   fields,
		Ingestor: ingestor,
		Upserter: NewUpserter(store, logger),
		Logger:   logger,
		Now:      func() time.Time { return time.Now().UTC() },
	}
	if rl, ok := store.(record.RunLog); ok {
		p.RunLog = rl
	}
	return p
}

// Run maps, ingests and upserts table. The returned report is always
// populated; err is non-nil when the run failed as a whole (unmapped
// business key, unreadable table, store unavailable).
func (p *Pipeline) Run(ctx context.Context, table source.Table, sourceName string) (RunReport, error) {
	return p.run(ctx, table, sourceName, false)
}

// DryRun maps and ingests without writing records or logging the run.
func (p *Pipeline) DryRun(ctx context.Context, table source.Table, sourceName string) (RunReport, error) {
	return p.run(ctx, table, sourceName, true)
}

func (p *Pipeline) run(ctx context.Context, table source.Table, sourceName string, dry bool) (RunReport, error) {
	runID := uuid.NewString()
	rep := RunReport{
		RunID:     runID,
		Source:    sourceName,
		SourceTag: sourceName + "#" + runID,
		Format:    table.Format(),
		DryRun:    dry,
		StartedAt: p.Now(),
	}
	log := p.Logger.WithFields(logrus.Fields{"run_id": runID, "source": sourceName})

	err := p.execute(ctx, table, &rep, dry)
	rep.FinishedAt = p.Now()
	switch {
	case err != nil:
		rep.Status = record.RunFailed
		rep.Error = err.Error()
	case rep.Stats.RowsRejected > 0 || rep.Upsert.Failed > 0:
		rep.Status = record.RunPartial
	default:
		rep.Status = record.RunOK
	}

	entry := log.WithFields(logrus.Fields{
		"status":   rep.Status,
		"accepted": rep.Stats.RowsAccepted,
		"rejected": rep.Stats.RowsRejected,
		"inserted": rep.Upsert.Inserted,
		"updated":  rep.Upsert.Updated,
		"failed":   rep.Upsert.Failed,
	})
	if err != nil {
		entry.WithError(err).Error("ingestion run failed")
	} else {
		entry.Info("ingestion run finished")
	}

	if !dry && p.RunLog != nil {
		if saveErr := p.RunLog.SaveRun(context.WithoutCancel(ctx), rep.Run()); saveErr != nil {
			log.WithError(saveErr).Warn("could not save run log")
		}
	}
	return rep, err
}

func (p *Pipeline) execute(ctx context.Context, table source.Table, rep *RunReport, dry bool) error {
	mapping, err := p.Mapper.Build(table.Header(), p.Fields)
	rep.Mapping = mapping.Report()
	if err != nil {
		return err
	}

	batch, err := p.Ingestor.Ingest(ctx, table, mapping, rep.SourceTag)
	rep.Stats = batch.Stats
	if err != nil {
		return err
	}
	if dry {
		return nil
	}

	res, err := p.Upserter.Upsert(ctx, batch.Records)
	rep.Upsert = res
	return err
}

// Run converts the report into a run-log entry.
func (r RunReport) Run() record.Run {
	body, _ := json.Marshal(r)
	return record.Run{
		ID:           r.RunID,
		Source:       r.Source,
		SourceTag:    r.SourceTag,
		Status:       r.Status,
		RowsTotal:    r.Stats.RowsTotal,
		RowsAccepted: r.Stats.RowsAccepted,
		RowsRejected: r.Stats.RowsRejected,
		Inserted:     r.Upsert.Inserted,
		Updated:      r.Upsert.Updated,
		Failed:       r.Upsert.Failed,
		Error:        r.Error,
		Report:       body,
		StartedAt:    r.StartedAt,
		FinishedAt:   r.FinishedAt,
	}
}
