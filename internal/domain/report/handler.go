package report

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/autolens/autolens-api/internal/domain/credit"
	"github.com/autolens/autolens-api/internal/middleware"
	"github.com/autolens/autolens-api/internal/pkg/errorhandler"
	"github.com/autolens/autolens-api/internal/pkg/response"
	"github.com/autolens/autolens-api/internal/pkg/validator"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Start handles POST /reports
func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	var req StartRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}

	if fieldErrors := validator.Validate(req); fieldErrors != nil {
		response.ValidationError(w, fieldErrors)
		return
	}

	resp, err := h.svc.Start(r.Context(), userID, &req)
	if err != nil {
		switch {
		case errors.Is(err, credit.ErrInsufficientCredits):
			response.Error(w, http.StatusPaymentRequired, "INSUFFICIENT_CREDITS", "not enough credits for analysis")
		case errors.Is(err, ErrNoImages):
			response.BadRequest(w, "at least one image is required")
		case errors.Is(err, ErrInvalidVehicle):
			response.BadRequest(w, "invalid vehicle details")
		default:
			errorhandler.Internal(r.Context(), w, err)
		}
		return
	}

	response.Created(w, resp)
}

// Get handles GET /reports/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	resp, err := h.svc.GetReport(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		h.writeLookupError(w, r, err)
		return
	}

	response.OK(w, resp)
}

// Status handles GET /reports/{id}/status
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	resp, err := h.svc.GetStatus(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		h.writeLookupError(w, r, err)
		return
	}

	response.OK(w, resp)
}

// Resubmit handles POST /reports/{id}/resubmit
func (h *Handler) Resubmit(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	err := h.svc.Resubmit(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		switch {
		case errors.Is(err, ErrAlreadyTerminal):
			response.Conflict(w, "report already finished")
		default:
			h.writeLookupError(w, r, err)
		}
		return
	}

	response.OK(w, map[string]interface{}{"status": "queued"})
}

// List handles GET /reports
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	reports, err := h.svc.ListReports(r.Context(), userID, limit, offset)
	if err != nil {
		errorhandler.Internal(r.Context(), w, err)
		return
	}

	response.OK(w, map[string]interface{}{"reports": reports})
}

func (h *Handler) writeLookupError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		response.NotFound(w, "report not found")
	case errors.Is(err, ErrForbidden):
		response.Forbidden(w, "report belongs to another user")
	default:
		errorhandler.Internal(r.Context(), w, err)
	}
}
