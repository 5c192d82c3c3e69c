package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Version is reported by GET /api/v1/.
const Version = "0.1.0"

// MountRoutes registers all API routes on the given chi router. mws wrap
// the /api/v1 group only.
func MountRoutes(r chi.Router, h *Handlers, mws ...func(http.Handler) http.Handler) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(mws...)

		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"version": Version})
		})

		// Runs
		r.Post("/runs", h.StartRun)
		r.Get("/runs", h.ListRuns)
		r.Get("/runs/{id}", h.GetRun)
		r.Post("/runs/{id}/approve", h.ApproveRun)
		r.Post("/runs/{id}/cancel", h.CancelRun)
		r.Get("/runs/{id}/messages", h.ListRunMessages)

		// Providers and cache
		r.Get("/providers", h.ListProviders)
		r.Get("/cache/stats", h.CacheStats)
	})
}
