package errorhandler

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/autolens/autolens-api/internal/middleware"
	"github.com/autolens/autolens-api/internal/pkg/response"
)

// HandleError logs the failure with request context and sends the
// formatted error envelope. The logged error never reaches the client.
func HandleError(ctx context.Context, w http.ResponseWriter, status int, code, message string, err error) {
	event := log.Error().
		Str("request_id", middleware.GetRequestID(ctx)).
		Str("error_code", code).
		Int("status_code", status)

	if err != nil {
		event.Err(err)
	}

	event.Msg("Request error")

	response.Error(w, status, code, message)
}

// Internal logs err and answers with the opaque 500 envelope.
func Internal(ctx context.Context, w http.ResponseWriter, err error) {
	log.Error().
		Str("request_id", middleware.GetRequestID(ctx)).
		Err(err).
		Msg("Request error")

	response.InternalError(w)
}
