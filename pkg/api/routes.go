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

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware())

	// Probes.
	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)

	// Promptset discovery.
	r.Get("/promptsets", s.handleListPromptsets)
	r.Get("/promptsets/{id}", s.handleGetPromptset)

	// Run submission and polling.
	r.Route("/harness", func(r chi.Router) {
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{run_id}", s.handleGetRun)

		r.Group(func(r chi.Router) {
			if s.cfg.Server.RateLimit.Enabled {
				r.Use(s.rateLimitMiddleware(s.cfg.Server.RateLimit))
			}

			r.Post("/run", s.handleSubmitRun)
			r.Post("/runs/{run_id}/cancel", s.handleCancelRun)
		})
	})

	// Ad-hoc scoring and target checks.
	r.Group(func(r chi.Router) {
		if s.cfg.Server.RateLimit.Enabled {
			r.Use(s.rateLimitMiddleware(s.cfg.Server.RateLimit))
		}

		r.Post("/score", s.handleScore)
		r.Post("/test", s.handleTest)
	})

	if s.cfg.Metrics.Enabled {
		r.Get("/metrics", s.metrics.Handler().ServeHTTP)
	}

	return r
}

// corsMiddleware returns a CORS handler configured from the server config.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods: []string{"GET", "HEAD", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         300,
	}

	origins := s.cfg.Server.CORSOrigins

	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		opts.AllowOriginFunc = func(_ *http.Request, _ string) bool {
			return true
		}
	} else {
		opts.AllowedOrigins = origins
	}

	return cors.Handler(opts)
}
