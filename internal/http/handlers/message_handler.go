// Message HTTP handlers.
//
// This file exposes REST endpoints for messages:
//   - POST /messages                    (deliver a message, creating the conversation if needed)
//   - GET  /conversations/{id}/messages (list paginated messages, oldest first)
//
// Handlers are transport-thin:
//   - validate & normalize inputs (line endings, blank-line runs)
//   - delegate to application services (MessageService)
//   - implement conditional responses (ETag) and idempotency semantics
//
// Idempotency:
// If the client supplies an Idempotency-Key header and a previous successful
// send exists for (user, key), the recorded ids are returned again and the
// response carries `Idempotency-Replayed: true`.
package handlers

import (
	"errors"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/tbourn/go-marketplace-messaging/internal/domain"
	"github.com/tbourn/go-marketplace-messaging/internal/http/middleware"
	"github.com/tbourn/go-marketplace-messaging/internal/repo"
	"github.com/tbourn/go-marketplace-messaging/internal/services"
)

//
// DTOs
//

// SendMessageRequest is the JSON payload for sending a message. Either field
// may identify the target; when conversation_id is missing, stale, or does not
// belong to the caller and receiver, the pair's conversation is used instead.
type SendMessageRequest struct {
	ConversationID string `json:"conversation_id" example:"141add05-4415-4938-b5a1-17e0d3171aff"`
	ReceiverID     string `json:"receiver_id" example:"provider-42"`
	Text           string `json:"text" example:"Hello"`
}

// SendMessageResponse carries the authoritative conversation id.
type SendMessageResponse struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

// ListMessagesResponse contains a page of messages and pagination metadata.
type ListMessagesResponse struct {
	Messages   []domain.Message `json:"messages"`
	Pagination Pagination       `json:"pagination"`
}

//
// Helpers
//

// nlCollapseRE collapses runs of 3+ newlines to two, preserving paragraphs.
var nlCollapseRE = regexp.MustCompile(`\n{3,}`)

// sanitizeText normalizes user text for consistent downstream behavior:
//   - converts CRLF/CR to LF,
//   - collapses runs of 3+ LFs to exactly two (paragraph separation),
//   - trims surrounding whitespace.
func sanitizeText(raw string) string {
	s := strings.ReplaceAll(raw, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = nlCollapseRE.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// idempotencyKey prefers the key validated by middleware and falls back to
// the raw header when the validator is not mounted.
func idempotencyKey(c *gin.Context) string {
	if k, ok := middleware.GetIdempotencyKey(c); ok {
		return k
	}
	return strings.TrimSpace(c.GetHeader(middleware.HeaderIdempotencyKey))
}

//
// Handlers
//

// SendMessage godoc
// @ID          sendMessage
// @Summary     Send a message
// @Description Delivers a message to receiver_id. The response's conversation_id is authoritative and may differ from the one sent.
// @Description Supports idempotency via the Idempotency-Key header (same key → same result).
// @Tags        Messages
// @Accept      json
// @Produce     json
//
// @Param       Idempotency-Key  header  string  false "Idempotency key for safe retries (UUID recommended)"  example(7a8d9f4c-1b2a-4c3d-8e9f-0123456789ab)
// @Param       body             body    handlers.SendMessageRequest  true  "Message payload"
//
// @Success     201  {object}  handlers.SendMessageResponse
// @Header      201  {string}  Idempotency-Replayed "true when served from a previous request"
// @Failure     400  {object}  handlers.ErrorResponse  "Validation error"
// @Failure     404  {object}  handlers.ErrorResponse  "Conversation not found"
// @Failure     429  {object}  handlers.ErrorResponse  "Rate limited (see Retry-After)"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /messages [post]
func (h *Handlers) SendMessage(c *gin.Context) {
	uid, okUser := requireUser(c)
	if !okUser {
		return
	}
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	text := sanitizeText(req.Text)
	if text == "" {
		fail(c, http.StatusBadRequest, ErrCodeValidation, services.ErrEmptyText.Error())
		return
	}

	res, err := h.msgSvc.Send(c.Request.Context(), uid, services.SendInput{
		ConversationID: req.ConversationID,
		ReceiverID:     req.ReceiverID,
		Text:           text,
		IdempotencyKey: idempotencyKey(c),
	})
	if err != nil {
		h.failService(c, err, ErrCodeSendFailed)
		return
	}

	if res.Replayed {
		c.Header(middleware.HeaderReplayed, "true")
	}
	if req.ConversationID != "" && req.ConversationID != res.Message.ConversationID {
		middleware.LoggerFrom(c).Info().
			Str("requested_conversation_id", req.ConversationID).
			Str("conversation_id", res.Message.ConversationID).
			Msg("conversation id corrected")
	}
	ok(c, http.StatusCreated, SendMessageResponse{
		ConversationID: res.Message.ConversationID,
		MessageID:      res.Message.ID,
	})
}

// ListMessages godoc
// @ID          listMessages
// @Summary     List messages in a conversation
// @Description Returns a page of messages ordered oldest first. Supports weak ETag via If-None-Match.
// @Tags        Messages
// @Produce     json
//
// @Param       id         path   string  true  "Conversation ID (UUID)"  format(uuid)
// @Param       page       query  int     false "Page number"     minimum(1) default(1)
// @Param       page_size  query  int     false "Items per page"  minimum(1) maximum(200) default(50)
//
// @Success     200  {object} handlers.ListMessagesResponse
// @Success     304  {string} string "Not Modified"
// @Failure     404  {object} handlers.ErrorResponse "Conversation not found"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /conversations/{id}/messages [get]
func (h *Handlers) ListMessages(c *gin.Context) {
	uid, okUser := requireUser(c)
	if !okUser {
		return
	}
	ctx := c.Request.Context()
	convID := c.Param("id")

	page, pageSize := clampPagination(c, 50, 200)

	// ETag pre-check (best effort), only once membership is established. The
	// page window is part of the tag.
	var db *gorm.DB
	if svc, ok := h.msgSvc.(*services.MessageService); ok {
		db = svc.DB
	}
	if db != nil {
		if _, err := repo.GetConversationForUser(ctx, db, convID, uid); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				h.failService(c, services.ErrConversationNotFound, ErrCodeListFailed)
				return
			}
		} else if count, maxTS, unread, err := repo.MessagesStats(ctx, db, convID); err == nil {
			if notModified(c, weakETag("messages", convID, page, pageSize, count, unixNano(maxTS), unread)) {
				return
			}
		}
	}

	items, total, err := h.msgSvc.ListPage(ctx, uid, convID, page, pageSize)
	if err != nil {
		h.failService(c, err, ErrCodeListFailed)
		return
	}
	if items == nil {
		items = []domain.Message{}
	}
	ok(c, http.StatusOK, ListMessagesResponse{
		Messages:   items,
		Pagination: newPagination(page, pageSize, total),
	})
}
