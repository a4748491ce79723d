package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/freight-sla/ingest"
	"github.com/warp/freight-sla/record"
)

const exportCSV = "CTE;Cliente; Total ;Emissão;Faturamento\n" +
	"1001;ACME Transportes;1.234,56;05/01/2024;10/01/2024\n" +
	"1002;Beta Log;100,00;06/01/2024;\n"

// cleanEnv isolates a test from FREIGHTSLA_* variables of the host.
func cleanEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"FREIGHTSLA_DB_DRIVER", "FREIGHTSLA_DB_DSN", "FREIGHTSLA_PROFILE",
		"FREIGHTSLA_PORT", "FREIGHTSLA_LOG_LEVEL", "FREIGHTSLA_LOG_FORMAT",
		"FREIGHTSLA_INBOX_DIR", "FREIGHTSLA_ALERT_INTERVAL", "FREIGHTSLA_WORKERS",
	} {
		t.Setenv(k, "")
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd(&out)
	root.SetArgs(append([]string{"--log-level", "error"}, args...))
	err := root.Execute()
	return out.String(), err
}

func writeExport(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestIngestThenReport(t *testing.T) {
	cleanEnv(t)
	dir := t.TempDir()
	db := filepath.Join(dir, "sla.db")
	export := writeExport(t, dir, "cte.csv", exportCSV)

	// GIVEN: An export ingested into a SQLite store
	out, err := execute(t, "--db", db, "ingest", export)
	require.NoError(t, err)

	var reports []ingest.RunReport
	require.NoError(t, json.Unmarshal([]byte(out), &reports))
	require.Len(t, reports, 1)
	assert.Equal(t, record.RunOK, reports[0].Status)
	assert.Equal(t, 2, reports[0].Upsert.Inserted)

	// WHEN: Reporting as JSON
	out, err = execute(t, "--db", db, "report", "--as-of", "2024-03-01", "--format", "json")
	require.NoError(t, err)

	// THEN: The snapshot reflects both records
	var rep reportOutput
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.Equal(t, 2, rep.Summary.Records)
	assert.Equal(t, "1334.56", rep.Summary.TotalAmount.String())
	assert.Equal(t, 2, rep.Summary.Open)
	assert.NotEmpty(t, rep.Durations)
	assert.NotEmpty(t, rep.Alerts)
}

func TestIngest_DryRunWritesNothing(t *testing.T) {
	cleanEnv(t)
	dir := t.TempDir()
	db := filepath.Join(dir, "sla.db")
	export := writeExport(t, dir, "cte.csv", exportCSV)

	out, err := execute(t, "--db", db, "ingest", "--dry-run", export)
	require.NoError(t, err)
	assert.Contains(t, out, `"dry_run": true`)

	out, err = execute(t, "--db", db, "report", "--format", "json")
	require.NoError(t, err)
	var rep reportOutput
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.Equal(t, 0, rep.Summary.Records)
}

func TestIngest_FailedFileIsReported(t *testing.T) {
	cleanEnv(t)
	dir := t.TempDir()
	db := filepath.Join(dir, "sla.db")
	good := writeExport(t, dir, "good.csv", exportCSV)
	nokey := writeExport(t, dir, "nokey.csv", "Cliente;Total\nACME;1,00\n")

	out, err := execute(t, "--db", db, "ingest", good, nokey)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 files failed: nokey.csv")

	var reports []ingest.RunReport
	require.NoError(t, json.Unmarshal([]byte(out), &reports))
	require.Len(t, reports, 2)
	assert.Equal(t, record.RunFailed, reports[1].Status)
}

func TestIngest_UnsupportedFile(t *testing.T) {
	cleanEnv(t)
	dir := t.TempDir()
	pdf := writeExport(t, dir, "cte.pdf", "%PDF")

	_, err := execute(t, "--db-driver", "memory", "ingest", pdf)
	require.Error(t, err)
}

func TestReport_TextFormat(t *testing.T) {
	cleanEnv(t)
	dir := t.TempDir()
	db := filepath.Join(dir, "sla.db")
	export := writeExport(t, dir, "cte.csv", exportCSV)
	_, err := execute(t, "--db", db, "ingest", export)
	require.NoError(t, err)

	out, err := execute(t, "--db", db, "report", "--as-of", "2024-03-01")
	require.NoError(t, err)
	assert.Contains(t, out, "cte-default")
	assert.Contains(t, out, "2024-03-01")
	assert.Contains(t, out, "unsettled")
	assert.Contains(t, out, "CONFORMANCE")
}

func TestReport_BadFlags(t *testing.T) {
	cleanEnv(t)

	_, err := execute(t, "--db-driver", "memory", "report", "--as-of", "01/03/2024")
	assert.Error(t, err)

	_, err = execute(t, "--db-driver", "memory", "report", "--format", "xml")
	assert.Error(t, err)
}

func TestDelete(t *testing.T) {
	cleanEnv(t)
	dir := t.TempDir()
	db := filepath.Join(dir, "sla.db")
	export := writeExport(t, dir, "cte.csv", exportCSV)
	_, err := execute(t, "--db", db, "ingest", export)
	require.NoError(t, err)

	out, err := execute(t, "--db", db, "delete", "1001")
	require.NoError(t, err)
	assert.Equal(t, "deleted 1001\n", out)

	_, err = execute(t, "--db", db, "delete", "1001")
	assert.ErrorIs(t, err, record.ErrNotFound)

	_, err = execute(t, "--db", db, "delete", "abc")
	assert.ErrorIs(t, err, record.ErrInvalidKey)
}

func TestProfileCommand(t *testing.T) {
	cleanEnv(t)

	out, err := execute(t, "--db-driver", "memory", "profile")
	require.NoError(t, err)
	assert.Contains(t, out, "name: cte-default")
}

func TestInvalidConfiguration(t *testing.T) {
	cleanEnv(t)

	_, err := execute(t, "--db-driver", "postgres", "profile")
	assert.Error(t, err)

	_, err = execute(t, "--db-driver", "memory", "--workers", "0", "profile")
	assert.Error(t, err)
}
