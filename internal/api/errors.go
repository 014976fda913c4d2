package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/eugeniagram/eugeniagram/internal/common/utils"
	"github.com/eugeniagram/eugeniagram/internal/store"
)

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, store.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, store.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, store.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrUnknownProcedure):
		return http.StatusNotFound
	case errors.Is(err, store.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps store errors onto the response envelope. Internal errors are logged and
// not echoed to the client.
func writeError(w http.ResponseWriter, log *slog.Logger, err error) {
	status := statusFor(err)
	code := store.CodeOf(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		log.Error("request failed", "error", err)
		message = "Internal server error"
	}
	utils.CodedErrorResponse(w, message, code, status)
}
