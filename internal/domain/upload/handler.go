package upload

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/autolens/autolens-api/internal/middleware"
	"github.com/autolens/autolens-api/internal/pkg/errorhandler"
	"github.com/autolens/autolens-api/internal/pkg/response"
	"github.com/autolens/autolens-api/internal/pkg/storage"
	"github.com/autolens/autolens-api/internal/pkg/validator"
)

const (
	category = "report_image"
	maxFiles = 12
)

// UploadedFile is one stored photo, ready to be referenced from a
// report submission.
type UploadedFile struct {
	Key         string `json:"key"`
	URL         string `json:"url,omitempty"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// Handler accepts vehicle photos and stores them under per-user keys.
type Handler struct {
	store storage.Storage
}

func NewHandler(store storage.Storage) *Handler {
	return &Handler{store: store}
}

// Create handles POST /uploads. Multipart form, field name "images",
// up to 12 files per request.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	maxSize := storage.MaxFileSizes[category]
	if err := r.ParseMultipartForm(maxSize); err != nil {
		response.BadRequest(w, "invalid multipart body")
		return
	}

	files := r.MultipartForm.File["images"]
	if len(files) == 0 {
		response.BadRequest(w, "no images attached")
		return
	}
	if len(files) > maxFiles {
		response.BadRequest(w, fmt.Sprintf("too many images, maximum is %d", maxFiles))
		return
	}

	uploaded := make([]UploadedFile, 0, len(files))
	for _, fh := range files {
		file, err := fh.Open()
		if err != nil {
			response.BadRequest(w, "could not read uploaded file")
			return
		}

		data, mimeType, err := storage.ValidateFile(file, category, maxSize)
		file.Close()
		if err != nil {
			switch {
			case errors.Is(err, storage.ErrFileTooLarge):
				response.Error(w, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", "image exceeds the size limit")
			case errors.Is(err, storage.ErrInvalidMimeType):
				response.BadRequest(w, "only JPEG, PNG and WebP images are accepted")
			case errors.Is(err, storage.ErrEmptyFile):
				response.BadRequest(w, "empty file")
			default:
				errorhandler.Internal(r.Context(), w, err)
			}
			return
		}

		key := buildKey(userID, mimeType)
		if err := h.store.Put(r.Context(), key, bytes.NewReader(data), mimeType); err != nil {
			errorhandler.Internal(r.Context(), w, fmt.Errorf("store %s: %w", key, err))
			return
		}

		uploaded = append(uploaded, UploadedFile{
			Key:         key,
			URL:         h.store.GetURL(key),
			ContentType: mimeType,
			Size:        int64(len(data)),
		})
	}

	log.Info().
		Str("user_id", userID.String()).
		Int("files", len(uploaded)).
		Msg("Images uploaded")

	response.Created(w, map[string]interface{}{"files": uploaded})
}

type presignRequest struct {
	Filename    string `json:"filename" validate:"required,max=255"`
	ContentType string `json:"content_type" validate:"required"`
	Size        int64  `json:"size" validate:"required,gte=1"`
}

type presignResponse struct {
	UploadURL string    `json:"upload_url"`
	Key       string    `json:"key"`
	PublicURL string    `json:"public_url,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

const presignTTL = 15 * time.Minute

// Presign handles POST /uploads/presign. Issues a short-lived PUT URL
// for a direct upload to the object store; only S3-compatible backends
// support it.
func (h *Handler) Presign(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	presigner, ok := h.store.(storage.Presigner)
	if !ok {
		response.Error(w, http.StatusNotImplemented, "PRESIGN_UNSUPPORTED", "direct uploads are not available on this deployment")
		return
	}

	var req presignRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	if fieldErrors := validator.Validate(req); fieldErrors != nil {
		response.ValidationError(w, fieldErrors)
		return
	}

	if !allowedMime(req.ContentType) {
		response.BadRequest(w, "only JPEG, PNG and WebP images are accepted")
		return
	}
	if req.Size > storage.MaxFileSizes[category] {
		response.Error(w, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", "image exceeds the size limit")
		return
	}

	key := buildKey(userID, req.ContentType)
	url, err := presigner.PresignPut(r.Context(), key, req.ContentType, req.Size, presignTTL)
	if err != nil {
		errorhandler.Internal(r.Context(), w, fmt.Errorf("presign %s: %w", key, err))
		return
	}

	response.OK(w, presignResponse{
		UploadURL: url,
		Key:       key,
		PublicURL: h.store.GetURL(key),
		ExpiresAt: time.Now().Add(presignTTL),
	})
}

func allowedMime(mimeType string) bool {
	for _, m := range storage.AllowedMimeTypes[category] {
		if m == mimeType {
			return true
		}
	}
	return false
}

func buildKey(userID uuid.UUID, mimeType string) string {
	return fmt.Sprintf("reports/%s/%s/%s%s",
		userID.String(),
		time.Now().UTC().Format("2006/01"),
		uuid.New().String(),
		storage.GetExtensionForMime(mimeType),
	)
}
