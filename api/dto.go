/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Records are rendered
  with dates as YYYY-MM-DD strings and amounts as decimal strings so no
  client ever sees a float.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Response: Complex response wrappers

TYPES:
  Records:   RecordDTO
  Runs:      RunDTO (the stored report is embedded as raw JSON)
  Analytics: DurationsResponse, AlertsResponse (analytics types are already
             JSON-tagged and are returned as-is inside the wrappers)

SEE ALSO:
  - handlers.go: Uses these types
  - ingest/pipeline.go: RunReport, returned directly by POST /api/ingest
*/
package api

import (
	"encoding/json"
	"time"

	"github.com/warp/freight-sla/analytics"
	"github.com/warp/freight-sla/normalize"
	"github.com/warp/freight-sla/record"
)

// =============================================================================
// RECORDS
// =============================================================================

// RecordDTO represents a canonical record in API responses.
type RecordDTO struct {
	BusinessKey record.BusinessKey `json:"business_key"`
	PartyName   string             `json:"party_name,omitempty"`
	AssetTag    string             `json:"asset_tag,omitempty"`
	Amount      string             `json:"amount"`
	AmountText  string             `json:"amount_display"`
	Note        string             `json:"free_text_note,omitempty"`
	SourceTag   string             `json:"source_tag,omitempty"`
	Dates       map[string]string  `json:"dates"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

func toRecordDTO(rec record.Record) RecordDTO {
	amt := rec.AmountOrZero()
	dto := RecordDTO{
		BusinessKey: rec.BusinessKey,
		PartyName:   rec.PartyName,
		AssetTag:    rec.AssetTag,
		Amount:      amt.StringFixed(2),
		AmountText:  normalize.FormatAmount(amt),
		Note:        rec.Note,
		SourceTag:   rec.SourceTag,
		Dates:       make(map[string]string),
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
	}
	for _, st := range record.Stages() {
		if t, ok := rec.Timeline.Get(st); ok {
			dto.Dates[string(st.Field())] = t.Format(record.DateLayout)
		}
	}
	return dto
}

// =============================================================================
// RUNS
// =============================================================================

// RunDTO represents one logged ingestion run.
type RunDTO struct {
	ID           string           `json:"id"`
	Source       string           `json:"source"`
	SourceTag    string           `json:"source_tag"`
	Status       record.RunStatus `json:"status"`
	RowsTotal    int              `json:"rows_total"`
	RowsAccepted int              `json:"rows_accepted"`
	RowsRejected int              `json:"rows_rejected"`
	Inserted     int              `json:"inserted"`
	Updated      int              `json:"updated"`
	Failed       int              `json:"failed"`
	Error        string           `json:"error,omitempty"`
	Report       json.RawMessage  `json:"report,omitempty"`
	StartedAt    time.Time        `json:"started_at"`
	FinishedAt   time.Time        `json:"finished_at"`
}

func toRunDTO(r record.Run) RunDTO {
	dto := RunDTO{
		ID:           r.ID,
		Source:       r.Source,
		SourceTag:    r.SourceTag,
		Status:       r.Status,
		RowsTotal:    r.RowsTotal,
		RowsAccepted: r.RowsAccepted,
		RowsRejected: r.RowsRejected,
		Inserted:     r.Inserted,
		Updated:      r.Updated,
		Failed:       r.Failed,
		Error:        r.Error,
		StartedAt:    r.StartedAt,
		FinishedAt:   r.FinishedAt,
	}
	if json.Valid(r.Report) {
		dto.Report = json.RawMessage(r.Report)
	}
	return dto
}

// =============================================================================
// ANALYTICS
// =============================================================================

// DurationsResponse wraps the per-pair metrics.
type DurationsResponse struct {
	Records int                        `json:"records"`
	Metrics []analytics.DurationMetric `json:"metrics"`
}

// AlertsResponse wraps the alert buckets for one reference date.
type AlertsResponse struct {
	AsOf    string                  `json:"as_of"`
	Buckets []analytics.AlertBucket `json:"buckets"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}
