// Package services – ConversationService
//
// ConversationService creates or resolves the single conversation between two
// users (optionally delivering the first message through MessageService),
// lists a user's conversations with server-computed unread counts, and
// records read acknowledgements.
package services

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-marketplace-messaging/internal/domain"
	"github.com/tbourn/go-marketplace-messaging/internal/repo"
)

// ConversationService provides conversation-level operations.
type ConversationService struct {
	DB       *gorm.DB
	Messages *MessageService
}

// StartResult describes the conversation a Start call resolved to.
type StartResult struct {
	Conversation *domain.Conversation
	Created      bool
	Message      *domain.Message // first message, when text was supplied
}

// Start resolves or creates the conversation between userID and counterpartyID.
// A non-empty text is delivered as a message in the same call.
func (s *ConversationService) Start(ctx context.Context, userID, counterpartyID, text string) (*StartResult, error) {
	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, "Start",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("counterparty.id", counterpartyID),
		),
	)
	defer span.End()

	counterpartyID = strings.TrimSpace(counterpartyID)
	if counterpartyID == "" {
		return nil, ErrMissingTarget
	}
	if counterpartyID == userID {
		return nil, ErrSelfConversation
	}

	text = NormalizeText(text)
	if text != "" && s.Messages != nil {
		if err := validateText(text, s.Messages.MaxTextRunes); err != nil {
			return nil, err
		}
	}

	conv, created, err := repo.GetOrCreateConversation(ctx, s.DB, userID, counterpartyID)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Bool("conversation.created", created))

	res := &StartResult{Conversation: conv, Created: created}
	if text == "" || s.Messages == nil {
		return res, nil
	}
	sent, err := s.Messages.Send(ctx, userID, SendInput{
		ConversationID: conv.ID,
		ReceiverID:     counterpartyID,
		Text:           text,
	})
	if err != nil {
		return nil, err
	}
	res.Message = sent.Message
	return res, nil
}

// List returns the user's conversations, most recent first, with unread counts.
func (s *ConversationService) List(ctx context.Context, userID string) ([]domain.ConversationSummary, error) {
	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, "List", trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()

	convs, err := repo.ListConversationsForUser(ctx, s.DB, userID)
	if err != nil {
		return nil, err
	}
	unread, err := repo.UnreadCounts(ctx, s.DB, userID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.ConversationSummary, 0, len(convs))
	for _, c := range convs {
		out = append(out, domain.Summarize(c, unread[c.ID]))
	}
	return out, nil
}

// Get returns a conversation the caller participates in.
func (s *ConversationService) Get(ctx context.Context, userID, id string) (*domain.Conversation, error) {
	c, err := repo.GetConversationForUser(ctx, s.DB, id, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrConversationNotFound
	}
	return c, err
}

// MarkRead acknowledges every message addressed to userID in the conversation.
func (s *ConversationService) MarkRead(ctx context.Context, userID, id string) (int64, error) {
	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, "MarkRead", trace.WithAttributes(attribute.String("conversation.id", id)))
	defer span.End()

	if _, err := s.Get(ctx, userID, id); err != nil {
		return 0, err
	}
	return repo.MarkConversationRead(ctx, s.DB, id, userID)
}
