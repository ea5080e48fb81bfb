// Package app wires application components: the HTTP router, readiness
// checks and the background maintenance loops.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	httpserver "github.com/vedfolnir/vedfolnir/internal/adapter/httpserver"
	"github.com/vedfolnir/vedfolnir/internal/adapter/observability"
	"github.com/vedfolnir/vedfolnir/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming
// spaces. An empty input means all origins.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// keyBySubscriber buckets stream connections by the authenticated user,
// falling back to client IP when identity has not been established.
func keyBySubscriber(r *http.Request) (string, error) {
	if u, ok := httpserver.CurrentUser(r.Context()); ok {
		return u.ID, nil
	}
	return httprate.KeyByIP(r)
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Route("/v1", func(r chi.Router) {
		r.Use(httpserver.Identity(srv.Users))

		// Mutating endpoints are rate limited per client IP.
		r.Group(func(wr chi.Router) {
			wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, time.Minute))
			wr.Post("/tasks", srv.CreateTaskHandler())
			wr.Post("/tasks/{id}/cancel", srv.CancelTaskHandler())
			wr.Post("/platforms", srv.CreatePlatformHandler())
			wr.Post("/platforms/{id}/default", srv.SetDefaultPlatformHandler())
			wr.Post("/platforms/{id}/test", srv.TestPlatformHandler())
			wr.Delete("/platforms/{id}", srv.DeletePlatformHandler())
			wr.Put("/settings", srv.UpdateSettingsHandler())
		})

		// Request/response endpoints run behind a hard timeout; the
		// streaming endpoints below stay outside it since TimeoutHandler
		// buffers the body and breaks flushing and upgrades.
		r.Group(func(gr chi.Router) {
			gr.Use(httpserver.TimeoutMiddleware(cfg.HTTPWriteTimeout))
			gr.Get("/tasks", srv.TaskHistoryHandler())
			gr.Get("/tasks/{id}", srv.TaskStatusHandler())
			gr.Get("/tasks/{id}/results", srv.TaskResultsHandler())

			gr.Group(func(rr chi.Router) {
				rr.Use(httpserver.RequireReviewer)
				rr.Get("/review/queue", srv.ReviewQueueHandler())
				rr.Post("/images/{id}/review", srv.ReviewImageHandler())
				rr.Post("/batches/{batch_id}/review", srv.BatchReviewHandler())
			})

			gr.Get("/platforms", srv.ListPlatformsHandler())
			gr.Get("/platforms/{id}", srv.GetPlatformHandler())
			gr.Get("/settings", srv.GetSettingsHandler())
		})

		// Stream connections are limited per subscriber, not per IP, so
		// one user behind a NAT cannot starve the others.
		r.Group(func(sr chi.Router) {
			sr.Use(httprate.Limit(cfg.RateLimitStreamsPerMin, time.Minute,
				httprate.WithKeyFuncs(keyBySubscriber)))
			sr.Get("/tasks/{id}/events", srv.TaskEventsHandler())
			sr.Get("/tasks/{id}/ws", srv.TaskWSHandler())
		})

		r.Route("/admin", func(ar chi.Router) {
			ar.Use(httpserver.RequireAdmin)
			ar.Get("/tasks", srv.AdminListTasksHandler())
			ar.Post("/tasks/{id}/cancel", srv.AdminCancelTaskHandler())
			ar.Post("/tasks/cleanup", srv.AdminCleanupHandler())
			ar.Get("/users/{id}/tasks", srv.AdminUserTasksHandler())
			ar.Get("/metrics", srv.AdminMetricsHandler())
			ar.Get("/notifications", srv.AdminNotificationsHandler())
			ar.Post("/notifications/{id}/read", srv.AdminMarkNotificationReadHandler())
		})
	})

	r.Get("/healthz", srv.HealthzHandler())
	r.Get("/readyz", srv.ReadyzHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	return otelhttp.NewHandler(httpserver.SecurityHeaders(r), "http.server")
}
