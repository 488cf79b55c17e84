package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-marketplace-messaging/internal/http/middleware"
	"github.com/tbourn/go-marketplace-messaging/internal/services"
)

// Error codes carried in ErrorResponse.Code.
//
// The messenger classifies failures by status: 400 validation_error is never
// retried, 404 means the conversation is gone or stale, 429 waits for
// Retry-After, and any 5xx is retried with backoff.
const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeValidation   = "validation_error"
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeNotFound     = "not_found"
	ErrCodeRateLimited  = "rate_limited" // written by the limiter middleware
	ErrCodeInternal     = "internal_error"

	ErrCodeSendFailed       = "send_failed"
	ErrCodeCreateFailed     = "create_failed"
	ErrCodeListFailed       = "list_failed"
	ErrCodeUpgradeFailed    = "upgrade_failed"
	ErrCodeMethodNotAllowed = "method_not_allowed"
)

// failService maps a service error to its HTTP envelope. Unknown errors become
// a 500 carrying fallbackCode.
func (h *Handlers) failService(c *gin.Context, err error, fallbackCode string) {
	switch {
	case errors.Is(err, services.ErrEmptyText):
		fail(c, http.StatusBadRequest, ErrCodeValidation, err.Error())
	case errors.Is(err, services.ErrTooLong):
		msg := err.Error()
		if h.MaxTextRunes > 0 {
			msg = fmt.Sprintf("%s: max %d characters", msg, h.MaxTextRunes)
		}
		fail(c, http.StatusBadRequest, ErrCodeValidation, msg)
	case errors.Is(err, services.ErrSelfConversation),
		errors.Is(err, services.ErrMissingTarget):
		fail(c, http.StatusBadRequest, ErrCodeValidation, err.Error())
	case errors.Is(err, services.ErrConversationNotFound),
		errors.Is(err, services.ErrNotificationNotFound),
		errors.Is(err, services.ErrMessageNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, err.Error())
	case errors.Is(err, context.Canceled):
		// client went away
		c.Abort()
	default:
		// The cause stays in the log; clients get a generic message.
		lg := middleware.LoggerFrom(c)
		lg.Error().Err(err).Str("code", fallbackCode).Msg("service failure")
		fail(c, http.StatusInternalServerError, fallbackCode, "internal error")
	}
}
