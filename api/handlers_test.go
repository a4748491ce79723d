package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/warp/freight-sla/analytics"
	"github.com/warp/freight-sla/factory"
	"github.com/warp/freight-sla/ingest"
	"github.com/warp/freight-sla/record"
	"github.com/warp/freight-sla/record/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// =============================================================================
// TEST HELPERS
// =============================================================================

const exampleCSV = "CTE;Cliente; Total ;Emissão;Faturamento\n" +
	"1001;ACME Transportes;1.234,56;05/01/2024;10/01/2024\n" +
	"1002;Beta Log;100,00;06/01/2024;\n" +
	";Sem Chave;50,00;07/01/2024;\n"

func quietLogger() logrus.FieldLogger {
	l, _ := test.NewNullLogger()
	return l
}

type fixture struct {
	store   *memory.Memory
	handler *Handler
	router  http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	profile, err := factory.DefaultProfile()
	require.NoError(t, err)

	store := memory.New()
	h := NewHandler(store, profile, 1, quietLogger())
	h.Now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	return &fixture{store: store, handler: h, router: NewRouter(h)}
}

func (f *fixture) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func uploadRequest(t *testing.T, target, filename, body string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write([]byte(body))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, target, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// =============================================================================
// INGESTION
// =============================================================================

func TestIngest_UploadWritesRecords(t *testing.T) {
	f := newFixture(t)

	// GIVEN: A CT-e export with one keyless row
	req := uploadRequest(t, "/api/ingest", "cte.csv", exampleCSV)

	// WHEN: Uploading it
	rec := f.do(t, req)

	// THEN: Two records are written and the run is partial
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rep := decode[ingest.RunReport](t, rec)
	assert.Equal(t, record.RunPartial, rep.Status)
	assert.Equal(t, 3, rep.Stats.RowsTotal)
	assert.Equal(t, 1, rep.Stats.RowsRejected)
	assert.Equal(t, 2, rep.Upsert.Inserted)
	assert.Equal(t, "Cliente", rep.Mapping.Columns[record.FieldPartyName])

	all, err := f.store.QueryAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 2)

	runs, err := f.store.ListRuns(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, rep.RunID, runs[0].ID)
}

func TestIngest_DryRun(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, uploadRequest(t, "/api/ingest?dry_run=true", "cte.csv", exampleCSV))
	require.Equal(t, http.StatusOK, rec.Code)
	rep := decode[ingest.RunReport](t, rec)
	assert.True(t, rep.DryRun)
	assert.Equal(t, 2, rep.Stats.RowsAccepted)
	assert.Zero(t, rep.Upsert.Inserted)

	all, err := f.store.QueryAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestIngest_Errors(t *testing.T) {
	f := newFixture(t)

	// Business key column missing: the run fails before reading rows.
	rec := f.do(t, uploadRequest(t, "/api/ingest", "cte.csv", "Cliente;Total;Emissão\nACME;1,00;05/01/2024\n"))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	rep := decode[ingest.RunReport](t, rec)
	assert.Equal(t, record.RunFailed, rep.Status)
	assert.Contains(t, rep.Mapping.Unmapped, record.FieldBusinessKey)

	rec = f.do(t, uploadRequest(t, "/api/ingest", "cte.pdf", exampleCSV))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, uploadRequest(t, "/api/ingest", "empty.csv", "\n\n"))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = f.do(t, uploadRequest(t, "/api/ingest?dry_run=maybe", "cte.csv", exampleCSV))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, httptest.NewRequest(http.MethodPost, "/api/ingest", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListRuns(t *testing.T) {
	f := newFixture(t)
	f.do(t, uploadRequest(t, "/api/ingest", "a.csv", exampleCSV))
	f.do(t, uploadRequest(t, "/api/ingest", "b.csv", exampleCSV))

	rec := f.do(t, httptest.NewRequest(http.MethodGet, "/api/runs?limit=1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	runs := decode[[]RunDTO](t, rec)
	require.Len(t, runs, 1)
	assert.Equal(t, "b.csv", runs[0].Source)
	assert.Equal(t, 2, runs[0].Updated)
	assert.NotEmpty(t, runs[0].Report)

	rec = f.do(t, httptest.NewRequest(http.MethodGet, "/api/runs?limit=x", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// RECORDS
// =============================================================================

func TestRecords_GetListDelete(t *testing.T) {
	f := newFixture(t)
	f.do(t, uploadRequest(t, "/api/ingest", "cte.csv", exampleCSV))

	rec := f.do(t, httptest.NewRequest(http.MethodGet, "/api/records", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]RecordDTO](t, rec)
	require.Len(t, list, 2)
	assert.Equal(t, record.BusinessKey(1001), list[0].BusinessKey)

	rec = f.do(t, httptest.NewRequest(http.MethodGet, "/api/records/1001", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	one := decode[RecordDTO](t, rec)
	assert.Equal(t, "ACME Transportes", one.PartyName)
	assert.Equal(t, "1234.56", one.Amount)
	assert.Equal(t, "1.234,56", one.AmountText)
	assert.Equal(t, "2024-01-05", one.Dates["issuance_date"])
	assert.Equal(t, "2024-01-10", one.Dates["billing_date"])
	assert.NotContains(t, one.Dates, "settlement_date")

	rec = f.do(t, httptest.NewRequest(http.MethodGet, "/api/records/abc", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, httptest.NewRequest(http.MethodGet, "/api/records/9999", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, httptest.NewRequest(http.MethodDelete, "/api/records/1001", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(t, httptest.NewRequest(http.MethodDelete, "/api/records/1001", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// ANALYTICS
// =============================================================================

func TestAnalyticsEndpoints(t *testing.T) {
	f := newFixture(t)
	f.do(t, uploadRequest(t, "/api/ingest", "cte.csv", exampleCSV))

	rec := f.do(t, httptest.NewRequest(http.MethodGet, "/api/analytics/durations", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	durations := decode[DurationsResponse](t, rec)
	assert.Equal(t, 2, durations.Records)
	assert.Len(t, durations.Metrics, len(f.handler.Profile.Pairs))

	rec = f.do(t, httptest.NewRequest(http.MethodGet, "/api/analytics/summary?as_of=2024-03-01", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	summary := decode[analytics.Summary](t, rec)
	assert.Equal(t, 2, summary.Records)
	assert.Equal(t, 2, summary.Open)
	assert.Equal(t, "1334.56", summary.TotalAmount.String())

	rec = f.do(t, httptest.NewRequest(http.MethodGet, "/api/analytics/summary?as_of=01/03/2024", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAlertsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.do(t, uploadRequest(t, "/api/ingest", "cte.csv", exampleCSV))

	// GIVEN: 1001 billed 2024-01-10 and never settled
	// WHEN: Asking for alerts on 2024-03-01 (51 days later)
	rec := f.do(t, httptest.NewRequest(http.MethodGet, "/api/alerts?as_of=2024-03-01", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[AlertsResponse](t, rec)

	// THEN: One bucket per rule; the unsettled bucket holds 1001
	assert.Equal(t, "2024-03-01", resp.AsOf)
	require.Len(t, resp.Buckets, len(f.handler.Profile.Rules))
	var unsettled analytics.AlertBucket
	for _, b := range resp.Buckets {
		if b.Kind == "unsettled" {
			unsettled = b
		}
	}
	require.Equal(t, 1, unsettled.Count)
	assert.Equal(t, record.BusinessKey(1001), unsettled.Offenders[0].BusinessKey)
	assert.Equal(t, 51, unsettled.Offenders[0].AgeDays)

	// Default as_of is the handler clock.
	rec = f.do(t, httptest.NewRequest(http.MethodGet, "/api/alerts", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2024-03-01", decode[AlertsResponse](t, rec).AsOf)
}

func TestHealthAndIndex(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cte-default", decode[map[string]string](t, rec)["profile"])

	rec = f.do(t, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/api/alerts")
}

// storeOnly hides the optional capabilities of the memory store.
type storeOnly struct{ record.Store }

func TestOptionalCapabilities(t *testing.T) {
	profile, err := factory.DefaultProfile()
	require.NoError(t, err)
	router := NewRouter(NewHandler(storeOnly{memory.New()}, profile, 1, quietLogger()))

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodGet, "/api/runs", nil),
		httptest.NewRequest(http.MethodDelete, "/api/records/1", nil),
	} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNotImplemented, rec.Code, req.URL.Path)
	}
}
