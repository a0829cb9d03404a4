package upload

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes returns the upload router
func (h *Handler) Routes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)

		r.Post("/", h.Create)
		r.Post("/presign", h.Presign)
	})

	return r
}
