package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// buildRouter constructs the chi router with all routes and middleware.
func (s *server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware())

	r.Get("/health", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		// Dashboard and client endpoints.
		r.Group(func(r chi.Router) {
			if s.cfg.RateLimit.Enabled {
				r.Use(s.rateLimitMiddleware(s.cfg.RateLimit.Clients))
			}

			r.Route("/jobs", func(r chi.Router) {
				r.Post("/", s.handleCreateJob)
				r.Get("/", s.handleListJobs)
				r.Get("/{job_id}", s.handleGetJob)
				r.Delete("/{job_id}", s.handleDeleteJob)
				r.Post("/{job_id}/runs/{run_id}/stop", s.handleStopRun)
			})

			r.Get("/tests/last_reports", s.handleLastReports)
			r.Get("/tests/{test_id}/reports", s.handleListReports)
			r.Get("/tests/{test_id}/reports/{report_id}", s.handleGetReport)
			r.Put("/tests/{test_id}/reports/{report_id}", s.handleUpdateReport)
			r.Get("/tests/{test_id}/reports/{report_id}/stats", s.handleGetStats)
		})

		// Runner endpoints, called by every runner of every run.
		r.Group(func(r chi.Router) {
			if s.cfg.RateLimit.Enabled {
				r.Use(s.rateLimitMiddleware(s.cfg.RateLimit.Runners))
			}

			r.Post("/tests/{test_id}/reports/{report_id}/subscribe", s.handleSubscribe)
			r.Post("/tests/{test_id}/reports/{report_id}/stats", s.handlePostStats)
		})
	})

	return r
}

// corsMiddleware returns a CORS handler configured from the server config.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods: []string{"GET", "HEAD", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         300,
	}

	origins := s.cfg.CORSOrigins

	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		opts.AllowedOrigins = []string{"*"}
	} else {
		opts.AllowedOrigins = origins
	}

	return cors.Handler(opts)
}
