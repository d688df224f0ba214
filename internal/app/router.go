// Package app assembles the HTTP surface and the background maintenance
// loops shared by the server binary.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/fairyhunter13/shopwatch/internal/adapter/httpserver"
	"github.com/fairyhunter13/shopwatch/internal/adapter/observability"
	"github.com/fairyhunter13/shopwatch/internal/config"
	"github.com/fairyhunter13/shopwatch/internal/scheduler"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming
// spaces. An empty input means every origin.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server, ready *Readiness) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(30 * time.Second))
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Rate limit mutating endpoints only; status reads stay cheap.
	r.Group(func(wr chi.Router) {
		wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, time.Minute))
		wr.Post("/v1/workflows/execute", srv.ExecuteWorkflow())
		wr.Post("/v1/workflows/{id}/reload", srv.ReloadWorkflow())
		wr.Post("/v1/scheduler/start", srv.SetScope(scheduler.ScopeScheduler, true))
		wr.Post("/v1/scheduler/stop", srv.SetScope(scheduler.ScopeScheduler, false))
		wr.Post("/v1/watcher/start", srv.SetScope(scheduler.ScopeWatcher, true))
		wr.Post("/v1/watcher/stop", srv.SetScope(scheduler.ScopeWatcher, false))
	})
	r.Get("/v1/workflows", srv.ListWorkflows())
	r.Get("/v1/workflows/jobs/{id}", srv.GetJob())
	r.Get("/v1/scheduler/status", srv.SchedulerStatus())

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })
	r.Get("/readyz", ready.Handler())

	return httpserver.SecurityHeaders(r)
}
