package credit

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes returns the credit router
func (h *Handler) Routes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)

		r.Get("/balance", h.Balance)
		r.Get("/transactions", h.Transactions)
		r.Post("/purchase", h.Purchase)
	})

	return r
}
