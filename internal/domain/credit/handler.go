package credit

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/autolens/autolens-api/internal/middleware"
	"github.com/autolens/autolens-api/internal/pkg/errorhandler"
	"github.com/autolens/autolens-api/internal/pkg/response"
	"github.com/autolens/autolens-api/internal/pkg/validator"
)

type Handler struct {
	svc Service
}

type purchaseRequest struct {
	Amount     int    `json:"amount" validate:"required,gte=1,lte=100000"`
	PaymentRef string `json:"payment_ref" validate:"required,max=128"`
}

func NewHandler(svc Service) *Handler {
	return &Handler{svc: svc}
}

// Balance handles GET /credits/balance
func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	account, err := h.svc.GetAccount(r.Context(), userID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			response.OK(w, map[string]interface{}{"balance": 0, "total_purchased": 0, "total_used": 0})
			return
		}
		errorhandler.Internal(r.Context(), w, err)
		return
	}

	response.OK(w, map[string]interface{}{
		"balance":         account.Balance,
		"total_purchased": account.TotalPurchased,
		"total_used":      account.TotalUsed,
	})
}

// Purchase handles POST /credits/purchase
func (h *Handler) Purchase(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	var req purchaseRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}

	if fieldErrors := validator.Validate(req); fieldErrors != nil {
		response.ValidationError(w, fieldErrors)
		return
	}

	if err := h.svc.Purchase(r.Context(), userID, req.Amount, req.PaymentRef); err != nil {
		if errors.Is(err, ErrInvalidAmount) {
			response.BadRequest(w, "amount must be greater than zero")
			return
		}
		errorhandler.Internal(r.Context(), w, err)
		return
	}

	balance, err := h.svc.GetBalance(r.Context(), userID)
	if err != nil {
		errorhandler.Internal(r.Context(), w, err)
		return
	}

	response.OK(w, map[string]interface{}{"balance": balance})
}

// Transactions handles GET /credits/transactions
func (h *Handler) Transactions(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	txs, err := h.svc.ListTransactions(r.Context(), userID, limit, offset)
	if err != nil {
		errorhandler.Internal(r.Context(), w, err)
		return
	}

	response.OK(w, map[string]interface{}{"transactions": txs})
}
