package report

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes returns the report router. Every route requires auth: reports
// are always owner-scoped.
func (h *Handler) Routes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)

		r.Post("/", h.Start)
		r.Get("/", h.List)
		r.Get("/{id}", h.Get)
		r.Get("/{id}/status", h.Status)
		r.Post("/{id}/resubmit", h.Resubmit)
	})

	return r
}
