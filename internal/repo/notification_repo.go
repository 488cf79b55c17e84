// This file provides repository functions for the Notification model.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-marketplace-messaging/internal/domain"
)

// CreateMessageNotification records a "message" notification for the receiver of m.
func CreateMessageNotification(ctx context.Context, db *gorm.DB, m *domain.Message, preview string) (*domain.Notification, error) {
	n := &domain.Notification{
		ID:             uuid.NewString(),
		UserID:         m.ReceiverID,
		Type:           domain.NotificationTypeMessage,
		ConversationID: m.ConversationID,
		MessageID:      m.ID,
		SenderID:       m.SenderID,
		Text:           preview,
		CreatedAt:      time.Now().UTC(),
	}
	return n, db.WithContext(ctx).Create(n).Error
}

// ListNotifications returns the user's notifications, newest first.
func ListNotifications(ctx context.Context, db *gorm.DB, userID string, unreadOnly bool, limit int) ([]domain.Notification, error) {
	var out []domain.Notification
	q := db.WithContext(ctx).Where("user_id = ?", userID)
	if unreadOnly {
		q = q.Where("is_read = ?", false)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Order("created_at DESC, id DESC").Find(&out).Error
	return out, err
}

// MarkNotificationRead marks one notification read. Returns ErrNotFound when
// it does not exist or belongs to someone else.
func MarkNotificationRead(ctx context.Context, db *gorm.DB, id, userID string) error {
	res := db.WithContext(ctx).
		Model(&domain.Notification{}).
		Where("id = ? AND user_id = ?", id, userID).
		Update("is_read", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
