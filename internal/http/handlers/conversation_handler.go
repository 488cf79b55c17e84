// Conversation HTTP handlers.
//
// This file exposes REST endpoints for conversations:
//   - POST /conversations             (create-or-get by participant pair)
//   - GET  /conversations             (list with unread counts, ETag support)
//   - POST /conversations/{id}/read   (acknowledge messages addressed to the caller)
//
// Handlers are transport-thin: they validate input, call application services,
// and translate results into HTTP responses (including conditional responses).
package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/tbourn/go-marketplace-messaging/internal/domain"
	"github.com/tbourn/go-marketplace-messaging/internal/repo"
	"github.com/tbourn/go-marketplace-messaging/internal/services"
)

//
// DTOs
//

// CreateConversationRequest is the JSON payload for starting a conversation.
type CreateConversationRequest struct {
	// CounterpartyID is the other participant (customer or provider).
	CounterpartyID string `json:"counterparty_id" binding:"required" example:"provider-42"`
	// Text optionally becomes the first message of the conversation.
	Text string `json:"text" example:"Hi, is the Saturday slot still free?"`
}

// CreateConversationResponse reports the resolved conversation.
type CreateConversationResponse struct {
	ConversationID string `json:"conversation_id" example:"141add05-4415-4938-b5a1-17e0d3171aff"`
	// Created is false when the pair already had a conversation.
	Created bool `json:"created"`
	// MessageID is set when Text was delivered.
	MessageID string `json:"message_id,omitempty"`
}

// ListConversationsResponse wraps the caller's conversation summaries.
type ListConversationsResponse struct {
	Conversations []domain.ConversationSummary `json:"conversations"`
}

// MarkReadResponse reports how many messages were acknowledged.
type MarkReadResponse struct {
	Updated int64 `json:"updated"`
}

//
// Handlers
//

// CreateConversation godoc
// @ID          createConversation
// @Summary     Start or resume a conversation
// @Description Resolves the single conversation between the caller and counterparty_id, creating it when absent.
// @Description When text is non-empty it is delivered as a message in the same request.
// @Tags        Conversations
// @Accept      json
// @Produce     json
//
// @Param       Authorization  header  string  false "Bearer JWT"
// @Param       body           body    handlers.CreateConversationRequest  true  "Counterparty and optional first message"
//
// @Success     201  {object}  handlers.CreateConversationResponse  "Created"
// @Success     200  {object}  handlers.CreateConversationResponse  "Already existed"
// @Failure     400  {object}  handlers.ErrorResponse  "Validation error"
// @Failure     429  {object}  handlers.ErrorResponse  "Rate limited"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /conversations [post]
func (h *Handlers) CreateConversation(c *gin.Context) {
	uid, okUser := requireUser(c)
	if !okUser {
		return
	}
	var req CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeValidation, "counterparty_id is required")
		return
	}

	res, err := h.convSvc.Start(c.Request.Context(), uid, strings.TrimSpace(req.CounterpartyID), req.Text)
	if err != nil {
		h.failService(c, err, ErrCodeCreateFailed)
		return
	}

	resp := CreateConversationResponse{ConversationID: res.Conversation.ID, Created: res.Created}
	if res.Message != nil {
		resp.MessageID = res.Message.ID
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	ok(c, status, resp)
}

// ListConversations godoc
// @ID          listConversations
// @Summary     List conversations
// @Description Returns the caller's conversations ordered by most recent activity, with server-computed unread counts.
// @Description Supports weak ETag via If-None-Match and may return 304.
// @Tags        Conversations
// @Produce     json
//
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"  example(W/\"abc123\")
//
// @Success     200  {object} handlers.ListConversationsResponse
// @Header      200  {string} ETag "Weak ETag for current result"
// @Success     304  {string} string "Not Modified"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /conversations [get]
func (h *Handlers) ListConversations(c *gin.Context) {
	uid, okUser := requireUser(c)
	if !okUser {
		return
	}
	ctx := c.Request.Context()

	// ETag pre-check (best effort).
	var db *gorm.DB
	if svc, ok := h.convSvc.(*services.ConversationService); ok {
		db = svc.DB
	}
	if db != nil {
		count, maxTS, unread, err := repo.ConversationsStats(ctx, db, uid)
		if err == nil && notModified(c, weakETag("conversations", uid, count, unixNano(maxTS), unread)) {
			return
		}
	}

	items, err := h.convSvc.List(ctx, uid)
	if err != nil {
		h.failService(c, err, ErrCodeListFailed)
		return
	}
	if items == nil {
		items = []domain.ConversationSummary{}
	}
	ok(c, http.StatusOK, ListConversationsResponse{Conversations: items})
}

// MarkConversationRead godoc
// @ID          markConversationRead
// @Summary     Mark a conversation read
// @Description Marks every message addressed to the caller in the conversation as read.
// @Tags        Conversations
// @Produce     json
//
// @Param       id  path  string  true  "Conversation ID (UUID)"  format(uuid)
//
// @Success     200  {object} handlers.MarkReadResponse
// @Failure     404  {object} handlers.ErrorResponse "Conversation not found"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /conversations/{id}/read [post]
func (h *Handlers) MarkConversationRead(c *gin.Context) {
	uid, okUser := requireUser(c)
	if !okUser {
		return
	}
	n, err := h.convSvc.MarkRead(c.Request.Context(), uid, c.Param("id"))
	if err != nil {
		h.failService(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, MarkReadResponse{Updated: n})
}

func unixNano(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.UnixNano()
}
