// Package handlers provides HTTP handler implementations for the public API.
//
// This file holds the service contracts the handlers consume, the Handlers
// wiring type, and the helpers shared by every endpoint: caller identity
// and pagination parsing.
package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-marketplace-messaging/internal/domain"
	"github.com/tbourn/go-marketplace-messaging/internal/http/middleware"
	"github.com/tbourn/go-marketplace-messaging/internal/services"
)

//
// Service contracts (context-aware)
//

// ConversationService creates, lists and acknowledges conversations.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type ConversationService interface {
	// Start resolves or creates the conversation with counterpartyID and
	// optionally delivers text as its first message.
	Start(ctx context.Context, userID, counterpartyID, text string) (*services.StartResult, error)
	// List returns the caller's conversations, most recent first.
	List(ctx context.Context, userID string) ([]domain.ConversationSummary, error)
	// MarkRead marks messages addressed to userID as read and returns how many changed.
	MarkRead(ctx context.Context, userID, conversationID string) (int64, error)
}

// MessageService delivers and lists messages.
type MessageService interface {
	// Send delivers a message; the returned conversation id is authoritative.
	Send(ctx context.Context, userID string, in services.SendInput) (*services.SendResult, error)
	// ListPage returns a page of messages (oldest first) and the total count.
	ListPage(ctx context.Context, userID, conversationID string, page, pageSize int) ([]domain.Message, int64, error)
}

// NotificationService lists and acknowledges notifications.
type NotificationService interface {
	List(ctx context.Context, userID string, unreadOnly bool, limit int) ([]domain.NotificationView, error)
	MarkRead(ctx context.Context, userID, id string) error
}

//
// Handler wiring
//

// Handlers groups HTTP endpoints for conversations, messages and
// notifications. It depends on abstract service interfaces to keep transport
// concerns separate from business logic.
type Handlers struct {
	convSvc  ConversationService
	msgSvc   MessageService
	notifSvc NotificationService

	// MaxTextRunes is reported in "too long" errors; 0 omits the limit.
	MaxTextRunes int
}

// New constructs a Handlers instance bound to the given services.
func New(convSvc ConversationService, msgSvc MessageService, notifSvc NotificationService) *Handlers {
	h := &Handlers{convSvc: convSvc, msgSvc: msgSvc, notifSvc: notifSvc}
	if ms, ok := msgSvc.(*services.MessageService); ok {
		h.MaxTextRunes = ms.MaxTextRunes
	}
	return h
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

func newPagination(page, pageSize int, total int64) Pagination {
	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	return Pagination{
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
	}
}

//
// Helpers
//

// userID returns the caller set by middleware.Auth. Handlers mounted without
// Auth (unit tests) fall back to the X-User-ID header.
func userID(c *gin.Context) string {
	if uid := middleware.CurrentUser(c); uid != "" {
		return uid
	}
	if c != nil && c.Request != nil {
		return c.GetHeader(middleware.HeaderUserID)
	}
	return ""
}

// requireUser writes 401 and returns false when the caller is anonymous.
func requireUser(c *gin.Context) (string, bool) {
	uid := userID(c)
	if uid == "" {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "authentication required")
		return "", false
	}
	return uid, true
}

// queryInt reads an integer query parameter, returning def when it is absent
// or malformed.
func queryInt(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// clampPagination parses page/page_size with the given default size and cap.
func clampPagination(c *gin.Context, defaultSize, maxSize int) (page, pageSize int) {
	page = queryInt(c, "page", 1)
	if page < 1 {
		page = 1
	}
	pageSize = queryInt(c, "page_size", defaultSize)
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > maxSize {
		pageSize = maxSize
	}
	return
}

