package services

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/tbourn/go-marketplace-messaging/internal/domain"
	"github.com/tbourn/go-marketplace-messaging/internal/repo"
)

// NotificationService lists and acknowledges per-user notifications.
type NotificationService struct {
	DB *gorm.DB
}

// List returns up to limit notifications, newest first.
func (s *NotificationService) List(ctx context.Context, userID string, unreadOnly bool, limit int) ([]domain.NotificationView, error) {
	items, err := repo.ListNotifications(ctx, s.DB, userID, unreadOnly, limit)
	if err != nil {
		return nil, err
	}
	out := make([]domain.NotificationView, 0, len(items))
	for _, n := range items {
		out = append(out, n.View())
	}
	return out, nil
}

// MarkRead acknowledges one notification.
func (s *NotificationService) MarkRead(ctx context.Context, userID, id string) error {
	err := repo.MarkNotificationRead(ctx, s.DB, id, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return ErrNotificationNotFound
	}
	return err
}
