// Package services – MessageService
//
// MessageService owns message delivery: it normalizes and validates text,
// resolves the target conversation (the server's conversation id is always
// authoritative, so a stale or foreign id from a client is corrected by
// resolving the participant pair), persists the message with its list preview
// and receiver notification atomically, replays idempotent retries, and hands
// committed events to the configured EventSink.
//
// Observability: public methods are OpenTelemetry-instrumented.
package services

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-marketplace-messaging/internal/domain"
	"github.com/tbourn/go-marketplace-messaging/internal/repo"
)

// IdempotencyScopeMessages scopes Idempotency-Key records written by Send.
const IdempotencyScopeMessages = "messages"

const (
	defaultPreviewRunes   = 120
	defaultIdempotencyTTL = 24 * time.Hour
)

// MessageService coordinates message persistence and push fan-out.
type MessageService struct {
	DB     *gorm.DB
	Events EventSink

	// MaxTextRunes caps message length; 0 disables the check.
	MaxTextRunes int
	// PreviewRunes caps the last-message/notification preview.
	PreviewRunes int
	// IdempotencyTTL bounds how long an Idempotency-Key replays.
	IdempotencyTTL time.Duration
	// Clock stamps idempotency records; nil means the real clock.
	Clock clockwork.Clock
}

func (s *MessageService) now() time.Time {
	if s.Clock == nil {
		return time.Now().UTC()
	}
	return s.Clock.Now().UTC()
}

func idemKey(userID, key string) repo.IdemKey {
	return repo.IdemKey{UserID: userID, Scope: IdempotencyScopeMessages, Key: key}
}

// SendInput names the target either by conversation id, by receiver id, or both.
type SendInput struct {
	ConversationID string
	ReceiverID     string
	Text           string
	IdempotencyKey string
}

// SendResult is the outcome of Send. Replayed is true when the result was
// served from a previous request with the same Idempotency-Key.
type SendResult struct {
	Message             *domain.Message
	Notification        *domain.Notification
	ConversationCreated bool
	Replayed            bool
}

// Send validates and delivers a message from userID.
func (s *MessageService) Send(ctx context.Context, userID string, in SendInput) (*SendResult, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "Send",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("conversation.id", in.ConversationID),
			attribute.String("receiver.id", in.ReceiverID),
		),
	)
	defer span.End()

	text := NormalizeText(in.Text)
	if err := validateText(text, s.MaxTextRunes); err != nil {
		return nil, err
	}

	key := strings.TrimSpace(in.IdempotencyKey)
	if key != "" {
		if res, ok := s.replay(ctx, userID, key); ok {
			span.SetAttributes(attribute.Bool("idempotency.replayed", true))
			return res, nil
		}
	}

	conv, receiverID, created, err := s.resolveTarget(ctx, userID, in.ConversationID, in.ReceiverID)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("conversation.resolved_id", conv.ID))

	preview := Preview(text, s.previewRunes())
	var (
		msg   *domain.Message
		notif *domain.Notification
	)
	ttl := s.IdempotencyTTL
	if ttl <= 0 {
		ttl = defaultIdempotencyTTL
	}
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m, err := repo.CreateMessage(ctx, tx, conv.ID, userID, receiverID, text)
		if err != nil {
			return err
		}
		if err := repo.TouchConversation(ctx, tx, conv.ID, preview, m.CreatedAt); err != nil {
			return err
		}
		n, err := repo.CreateMessageNotification(ctx, tx, m, preview)
		if err != nil {
			return err
		}
		// The key is claimed in the same transaction, so of two concurrent
		// sends with one key only the first commits a message.
		if key != "" {
			if _, err := repo.RememberMessage(ctx, tx, idemKey(userID, key), m, http.StatusCreated, s.now(), ttl); err != nil {
				return err
			}
		}
		msg, notif = m, n
		return nil
	})
	if errors.Is(err, repo.ErrDuplicate) && key != "" {
		if res, ok := s.replay(ctx, userID, key); ok {
			span.SetAttributes(attribute.Bool("idempotency.replayed", true))
			return res, nil
		}
	}
	if err != nil {
		return nil, err
	}

	sink := sinkOrNop(s.Events)
	sink.MessageCreated(ctx, *msg)
	sink.NotificationCreated(ctx, *notif)

	return &SendResult{Message: msg, Notification: notif, ConversationCreated: created}, nil
}

func (s *MessageService) replay(ctx context.Context, userID, key string) (*SendResult, bool) {
	rec, err := repo.FindIdempotency(ctx, s.DB, idemKey(userID, key), s.now())
	if err != nil {
		return nil, false
	}
	m, err := repo.GetMessage(ctx, s.DB, rec.MessageID)
	if err != nil {
		return nil, false
	}
	return &SendResult{Message: m, Replayed: true}, true
}

// resolveTarget returns the conversation the message belongs to. A supplied
// conversation id is honored only if the caller and receiver are its
// participants; otherwise the pair's own conversation is resolved or created.
func (s *MessageService) resolveTarget(ctx context.Context, userID, conversationID, receiverID string) (*domain.Conversation, string, bool, error) {
	conversationID = strings.TrimSpace(conversationID)
	receiverID = strings.TrimSpace(receiverID)

	if conversationID != "" {
		conv, err := repo.GetConversationForUser(ctx, s.DB, conversationID, userID)
		switch {
		case err == nil:
			if receiverID == "" {
				receiverID = conv.Counterparty(userID)
			}
			if receiverID != userID && conv.HasParticipant(receiverID) {
				return conv, receiverID, false, nil
			}
		case !errors.Is(err, repo.ErrNotFound):
			return nil, "", false, err
		}
	}

	if receiverID == "" {
		if conversationID != "" {
			return nil, "", false, ErrConversationNotFound
		}
		return nil, "", false, ErrMissingTarget
	}
	if receiverID == userID {
		return nil, "", false, ErrSelfConversation
	}

	conv, created, err := repo.GetOrCreateConversation(ctx, s.DB, userID, receiverID)
	if err != nil {
		return nil, "", false, err
	}
	return conv, receiverID, created, nil
}

// List returns every message of a conversation the caller participates in.
func (s *MessageService) List(ctx context.Context, userID, conversationID string) ([]domain.Message, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "List",
		trace.WithAttributes(attribute.String("conversation.id", conversationID)),
	)
	defer span.End()

	if _, err := repo.GetConversationForUser(ctx, s.DB, conversationID, userID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}
	return repo.ListMessages(ctx, s.DB, conversationID, 0)
}

// ListPage returns a page of messages (oldest first) and the total count.
func (s *MessageService) ListPage(ctx context.Context, userID, conversationID string, page, pageSize int) ([]domain.Message, int64, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "ListPage",
		trace.WithAttributes(
			attribute.String("conversation.id", conversationID),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 50
	}

	if _, err := repo.GetConversationForUser(ctx, s.DB, conversationID, userID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, 0, ErrConversationNotFound
		}
		return nil, 0, err
	}
	total, err := repo.CountMessages(ctx, s.DB, conversationID)
	if err != nil {
		return nil, 0, err
	}
	items, err := repo.ListMessagesPage(ctx, s.DB, conversationID, (page-1)*pageSize, pageSize)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (s *MessageService) previewRunes() int {
	if s.PreviewRunes > 0 {
		return s.PreviewRunes
	}
	return defaultPreviewRunes
}
