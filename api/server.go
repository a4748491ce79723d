/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, copied into every log line
  2. Logger:     One logrus entry per request (method, path, status, bytes,
                 duration, request_id)
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the dashboard

ROUTE GROUPS:
  /api/health            Liveness
  /api/ingest, /api/runs Ingestion and run log
  /api/records/*         Record store
  /api/analytics/*       Durations and summary
  /api/alerts            Alert buckets
  /                      Endpoint index

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/freightsla/serve.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"
)

// DefaultAllowedOrigins are the dashboard origins used in development.
var DefaultAllowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(requestLogger(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   DefaultAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Post("/ingest", h.Ingest)
		r.Get("/runs", h.ListRuns)

		r.Route("/records", func(r chi.Router) {
			r.Get("/", h.ListRecords)
			r.Get("/{key}", h.GetRecord)
			r.Delete("/{key}", h.DeleteRecord)
		})

		r.Route("/analytics", func(r chi.Router) {
			r.Get("/durations", h.Durations)
			r.Get("/summary", h.Summary)
		})

		r.Get("/alerts", h.Alerts)
	})

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<!DOCTYPE html>
<html>
<head><title>Freight SLA</title></head>
<body style="font-family: system-ui; max-width: 800px; margin: 50px auto; padding: 20px;">
<h1>Freight SLA API</h1>
<h2>API Endpoints</h2>
<ul>
<li><a href="/api/health">/api/health</a> - Liveness and active profile</li>
<li><a href="/api/runs">/api/runs</a> - Ingestion run log</li>
<li><a href="/api/records">/api/records</a> - Canonical records</li>
<li><a href="/api/analytics/durations">/api/analytics/durations</a> - Stage durations and tiers</li>
<li><a href="/api/analytics/summary">/api/analytics/summary</a> - Headline figures</li>
<li><a href="/api/alerts">/api/alerts</a> - Alert buckets</li>
</ul>
<p>POST a spreadsheet export to <code>/api/ingest</code> as multipart field <code>file</code>.</p>
</body>
</html>`))
	})

	return r
}

// requestLogger logs one entry per request through logger.
func requestLogger(logger logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.WithFields(logrus.Fields{
					"method":      r.Method,
					"path":        r.URL.Path,
					"status":      ww.Status(),
					"bytes":       ww.BytesWritten(),
					"duration_ms": time.Since(start).Milliseconds(),
					"request_id":  middleware.GetReqID(r.Context()),
				}).Info("http request")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
