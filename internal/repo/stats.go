// This file provides small aggregate queries used for conditional responses
// (ETag generation) in the HTTP layer.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-marketplace-messaging/internal/domain"
)

// ConversationsStats returns the number of conversations userID takes part in,
// the greatest UpdatedAt among them, and the user's total unread count. Any
// new message or read acknowledgement changes at least one of the three.
func ConversationsStats(ctx context.Context, db *gorm.DB, userID string) (count int64, maxUpdatedAt *time.Time, unread int64, err error) {
	q := db.WithContext(ctx).Model(&domain.Conversation{}).
		Where("participant_a = ? OR participant_b = ?", userID, userID)

	if err = q.Count(&count).Error; err != nil {
		return 0, nil, 0, err
	}
	if count == 0 {
		return 0, nil, 0, nil
	}

	// Get latest updated_at (avoid MAX() -> TEXT in SQLite)
	var row struct {
		UpdatedAt time.Time
	}
	if err = q.Select("updated_at").Order("updated_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, 0, err
	}

	err = db.WithContext(ctx).Model(&domain.Message{}).
		Where("receiver_id = ? AND is_read = ?", userID, false).
		Count(&unread).Error
	if err != nil {
		return 0, nil, 0, err
	}
	return count, &row.UpdatedAt, unread, nil
}

// MessagesStats returns the message count of a conversation, the newest
// CreatedAt, and how many are still unread.
func MessagesStats(ctx context.Context, db *gorm.DB, conversationID string) (count int64, maxCreatedAt *time.Time, unread int64, err error) {
	q := db.WithContext(ctx).Model(&domain.Message{}).Where("conversation_id = ?", conversationID)

	if err = q.Count(&count).Error; err != nil {
		return 0, nil, 0, err
	}
	if count == 0 {
		return 0, nil, 0, nil
	}

	var row struct {
		CreatedAt time.Time
	}
	if err = q.Select("created_at").Order("created_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, 0, err
	}
	err = db.WithContext(ctx).Model(&domain.Message{}).
		Where("conversation_id = ? AND is_read = ?", conversationID, false).
		Count(&unread).Error
	if err != nil {
		return 0, nil, 0, err
	}
	return count, &row.CreatedAt, unread, nil
}
