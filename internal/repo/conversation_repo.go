// This file provides repository functions for the Conversation model.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions. They follow the "thin repository"
// approach: no business logic, only persistence and query composition.
//
// Error semantics:
//   - Missing rows surface as ErrNotFound (gorm.ErrRecordNotFound).
//   - A concurrent insert for the same participant pair surfaces as ErrDuplicate;
//     callers re-read with FindConversationByPair.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-marketplace-messaging/internal/domain"
)

// CreateConversation inserts a conversation for the (unordered) pair x,y.
// Returns ErrDuplicate when the pair already has a conversation.
func CreateConversation(ctx context.Context, db *gorm.DB, x, y string) (*domain.Conversation, error) {
	a, b := domain.SortedPair(x, y)
	now := time.Now().UTC()
	c := &domain.Conversation{
		ID:           uuid.NewString(),
		ParticipantA: a,
		ParticipantB: b,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := db.WithContext(ctx).Create(c).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return c, nil
}

// FindConversationByPair returns the conversation between x and y or ErrNotFound.
func FindConversationByPair(ctx context.Context, db *gorm.DB, x, y string) (*domain.Conversation, error) {
	a, b := domain.SortedPair(x, y)
	var c domain.Conversation
	err := db.WithContext(ctx).
		Where("participant_a = ? AND participant_b = ?", a, b).
		First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetOrCreateConversation resolves the pair's conversation, creating it when
// missing. created reports whether this call inserted the row. A lost insert
// race is resolved by re-reading the winner.
func GetOrCreateConversation(ctx context.Context, db *gorm.DB, x, y string) (conv *domain.Conversation, created bool, err error) {
	conv, err = FindConversationByPair(ctx, db, x, y)
	if err == nil {
		return conv, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}
	conv, err = CreateConversation(ctx, db, x, y)
	if errors.Is(err, ErrDuplicate) {
		conv, err = FindConversationByPair(ctx, db, x, y)
		return conv, false, err
	}
	if err != nil {
		return nil, false, err
	}
	return conv, true, nil
}

// GetConversation fetches a conversation by id.
func GetConversation(ctx context.Context, db *gorm.DB, id string) (*domain.Conversation, error) {
	var c domain.Conversation
	if err := db.WithContext(ctx).Where("id = ?", id).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// GetConversationForUser fetches a conversation only if userID participates in it.
// Non-participants get ErrNotFound so ids do not leak.
func GetConversationForUser(ctx context.Context, db *gorm.DB, id, userID string) (*domain.Conversation, error) {
	var c domain.Conversation
	err := db.WithContext(ctx).
		Where("id = ? AND (participant_a = ? OR participant_b = ?)", id, userID, userID).
		First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListConversationsForUser returns the user's conversations, most recently
// active first.
func ListConversationsForUser(ctx context.Context, db *gorm.DB, userID string) ([]domain.Conversation, error) {
	var out []domain.Conversation
	err := db.WithContext(ctx).
		Where("participant_a = ? OR participant_b = ?", userID, userID).
		Order("updated_at DESC, id DESC").
		Find(&out).Error
	return out, err
}

// TouchConversation records the newest message preview and bumps UpdatedAt
// so list ordering follows recency.
func TouchConversation(ctx context.Context, db *gorm.DB, id, preview string, at time.Time) error {
	res := db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"last_message_text": preview,
			"last_message_at":   at,
			"updated_at":        at,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UnreadCounts returns, per conversation, the number of unread messages
// addressed to userID. Conversations without unread messages are absent.
func UnreadCounts(ctx context.Context, db *gorm.DB, userID string) (map[string]int, error) {
	var rows []struct {
		ConversationID string
		N              int
	}
	err := db.WithContext(ctx).
		Model(&domain.Message{}).
		Select("conversation_id, COUNT(*) AS n").
		Where("receiver_id = ? AND is_read = ?", userID, false).
		Group("conversation_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(rows))
	for _, r := range rows {
		out[r.ConversationID] = r.N
	}
	return out, nil
}
