// Package apierr maps service errors onto HTTP responses.
package apierr

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/zhouzirui/z-tavern/npc/internal/model/character"
	avatarservice "github.com/zhouzirui/z-tavern/npc/internal/service/avatar"
	chatservice "github.com/zhouzirui/z-tavern/npc/internal/service/chat"
	"github.com/zhouzirui/z-tavern/npc/internal/service/image"
	"github.com/zhouzirui/z-tavern/npc/internal/service/llm"
	"github.com/zhouzirui/z-tavern/npc/internal/service/session"
	"github.com/zhouzirui/z-tavern/npc/pkg/logger"
	"github.com/zhouzirui/z-tavern/npc/pkg/utils"
)

// RequestError is a malformed or invalid client request.
type RequestError struct {
	Message string
}

func (e *RequestError) Error() string { return e.Message }

// BadRequest builds a RequestError.
func BadRequest(format string, args ...any) error {
	return &RequestError{Message: fmt.Sprintf(format, args...)}
}

// Status returns the HTTP status and client-facing message for err.
func Status(err error) (int, string) {
	var (
		reqErr    *RequestError
		roleErr   *session.RoleMismatchError
		httpErr   *llm.HTTPStatusError
		formatErr *llm.UpstreamFormatError
		validErr  *llm.ResponseValidationError
	)

	switch {
	case errors.As(err, &reqErr), errors.As(err, &roleErr),
		errors.Is(err, chatservice.ErrMissingUserMessage),
		errors.Is(err, session.ErrCharacterRequired),
		errors.Is(err, session.ErrInvalidCursor),
		errors.Is(err, image.ErrInvalidIntent),
		errors.Is(err, image.ErrInvalidRatio):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, character.ErrNotFound),
		errors.Is(err, avatarservice.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, session.ErrVersionConflict):
		return http.StatusConflict, err.Error()
	case errors.As(err, &httpErr):
		return http.StatusBadGateway, fmt.Sprintf("upstream returned status %d", httpErr.StatusCode)
	case errors.As(err, &formatErr), errors.As(err, &validErr),
		errors.Is(err, llm.ErrEmptyStream),
		errors.Is(err, image.ErrEmptyImage):
		return http.StatusBadGateway, "upstream returned an invalid response"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "upstream timed out"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

// Respond writes err as a JSON error body and logs server-side failures.
func Respond(w http.ResponseWriter, log *logger.Logger, err error) {
	status, msg := Status(err)
	if status >= http.StatusInternalServerError {
		log.Error("request failed", "status", status, "error", err)
	} else {
		log.Debug("request rejected", "status", status, "error", err)
	}
	utils.RespondError(w, status, msg)
}
