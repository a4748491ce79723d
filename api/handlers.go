/*
handlers.go - HTTP API handlers for the freight SLA engine

PURPOSE:
  Exposes ingestion, the record store and the analytics over REST. Handles
  HTTP request/response and JSON serialization; every decision is delegated
  to the ingest and analytics packages.

ENDPOINTS:
  Health:
    GET    /api/health                  Liveness plus the active profile

  Ingestion:
    POST   /api/ingest                  Multipart upload (field "file"),
                                        ?dry_run=true maps without writing
    GET    /api/runs?limit=N            Run log, newest first

  Records:
    GET    /api/records                 Every record, ordered by key
    GET    /api/records/{key}           One record
    DELETE /api/records/{key}           Explicit deletion

  Analytics:
    GET    /api/analytics/durations     Stage-pair metrics and tiers
    GET    /api/analytics/summary       Headline figures (?as_of=)
    GET    /api/alerts                  Alert buckets (?as_of=YYYY-MM-DD)

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Malformed key, date or upload
  - 404: Record not found
  - 422: File read but unusable (no header, business key unmapped)
  - 501: Store lacks the optional capability (deletion, run log)
  - 503: Store unavailable
  - 500: Internal errors
  A failed ingestion still returns its RunReport as the body.

SECURITY NOTE:
  No authentication middleware. Deploy behind the gateway.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/warp/freight-sla/analytics"
	"github.com/warp/freight-sla/factory"
	"github.com/warp/freight-sla/ingest"
	"github.com/warp/freight-sla/record"
	"github.com/warp/freight-sla/schema"
	"github.com/warp/freight-sla/source"
)

// DefaultMaxUpload bounds multipart uploads.
const DefaultMaxUpload = 32 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store     record.Store
	Profile   *factory.Profile
	Pipeline  *ingest.Pipeline
	Logger    logrus.FieldLogger
	Now       func() time.Time
	MaxUpload int64
}

// NewHandler creates a handler over store using profile's configuration.
func NewHandler(store record.Store, profile *factory.Profile, workers int, logger logrus.FieldLogger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{
		Store:     store,
		Profile:   profile,
		Pipeline:  profile.Pipeline(store, workers, logger),
		Logger:    logger,
		Now:       func() time.Time { return time.Now().UTC() },
		MaxUpload: DefaultMaxUpload,
	}
}

// Health reports liveness and the profile in use.
// GET /api/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "profile": h.Profile.Name})
}

// =============================================================================
// INGESTION
// =============================================================================

// Ingest reads an uploaded export and runs the pipeline on it.
// POST /api/ingest
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.MaxUpload)
	if err := r.ParseMultipartForm(h.MaxUpload); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid multipart upload", err)
		return
	}
	file, hdr, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Missing form field \"file\"", err)
		return
	}
	defer file.Close()

	if !source.Supported(hdr.Filename) {
		writeError(w, http.StatusBadRequest, "Unsupported file type", nil)
		return
	}

	dry := false
	if v := r.URL.Query().Get("dry_run"); v != "" {
		if dry, err = strconv.ParseBool(v); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid dry_run", err)
			return
		}
	}

	table, err := source.FromReader(hdr.Filename, file)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "Could not read file", err)
		return
	}

	run := h.Pipeline.Run
	if dry {
		run = h.Pipeline.DryRun
	}
	rep, err := run(r.Context(), table, hdr.Filename)
	writeJSON(w, runStatusCode(err), rep)
}

func runStatusCode(err error) int {
	var unmapped *schema.UnmappedError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &unmapped):
		return http.StatusUnprocessableEntity
	case errors.Is(err, record.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ListRuns returns the run log.
// GET /api/runs?limit=N
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	runLog, ok := h.Store.(record.RunLog)
	if !ok {
		writeError(w, http.StatusNotImplemented, "Store keeps no run log", nil)
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}

	runs, err := runLog.ListRuns(r.Context(), limit)
	if err != nil {
		writeStoreError(w, "Failed to list runs", err)
		return
	}
	dtos := make([]RunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toRunDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// RECORDS
// =============================================================================

// ListRecords returns every record.
// GET /api/records
func (h *Handler) ListRecords(w http.ResponseWriter, r *http.Request) {
	records, err := h.Store.QueryAll(r.Context())
	if err != nil {
		writeStoreError(w, "Failed to list records", err)
		return
	}
	dtos := make([]RecordDTO, len(records))
	for i, rec := range records {
		dtos[i] = toRecordDTO(rec)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetRecord returns one record.
// GET /api/records/{key}
func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	key, err := record.ParseBusinessKey(chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid business key", err)
		return
	}
	rec, err := h.Store.FindByKey(r.Context(), key)
	if err != nil {
		writeStoreError(w, "Failed to get record", err)
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "Record not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toRecordDTO(*rec))
}

// DeleteRecord removes one record.
// DELETE /api/records/{key}
func (h *Handler) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	deleter, ok := h.Store.(record.Deleter)
	if !ok {
		writeError(w, http.StatusNotImplemented, "Store does not support deletion", nil)
		return
	}
	key, err := record.ParseBusinessKey(chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid business key", err)
		return
	}
	if err := deleter.Delete(r.Context(), key); err != nil {
		writeStoreError(w, "Failed to delete record", err)
		return
	}
	h.Logger.WithField("business_key", key).Info("record deleted")
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// ANALYTICS
// =============================================================================

// Durations returns the stage-pair metrics over every record.
// GET /api/analytics/durations
func (h *Handler) Durations(w http.ResponseWriter, r *http.Request) {
	records, err := h.Store.QueryAll(r.Context())
	if err != nil {
		writeStoreError(w, "Failed to load records", err)
		return
	}
	writeJSON(w, http.StatusOK, DurationsResponse{
		Records: len(records),
		Metrics: analytics.Durations(records, h.Profile.Pairs, h.Profile.Tiers),
	})
}

// Summary returns the headline figures.
// GET /api/analytics/summary?as_of=YYYY-MM-DD
func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	asOf, err := h.asOf(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid as_of date (expected YYYY-MM-DD)", err)
		return
	}
	records, err := h.Store.QueryAll(r.Context())
	if err != nil {
		writeStoreError(w, "Failed to load records", err)
		return
	}
	writeJSON(w, http.StatusOK, analytics.Summarize(records, asOf))
}

// Alerts evaluates the profile's alert rules.
// GET /api/alerts?as_of=YYYY-MM-DD
func (h *Handler) Alerts(w http.ResponseWriter, r *http.Request) {
	asOf, err := h.asOf(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid as_of date (expected YYYY-MM-DD)", err)
		return
	}
	records, err := h.Store.QueryAll(r.Context())
	if err != nil {
		writeStoreError(w, "Failed to load records", err)
		return
	}
	writeJSON(w, http.StatusOK, AlertsResponse{
		AsOf:    asOf.Format(record.DateLayout),
		Buckets: h.Profile.AlertEngine().Evaluate(records, asOf),
	})
}

// asOf reads ?as_of=, defaulting to today.
func (h *Handler) asOf(r *http.Request) (time.Time, error) {
	v := r.URL.Query().Get("as_of")
	if v == "" {
		return record.Day(h.Now()), nil
	}
	return time.Parse(record.DateLayout, v)
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func writeStoreError(w http.ResponseWriter, message string, err error) {
	switch {
	case record.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Record not found", err)
	case errors.Is(err, record.ErrStoreUnavailable):
		writeError(w, http.StatusServiceUnavailable, message, err)
	case record.IsClientError(err):
		writeError(w, http.StatusConflict, message, err)
	default:
		writeError(w, http.StatusInternalServerError, message, err)
	}
}
