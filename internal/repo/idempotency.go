package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-marketplace-messaging/internal/domain"
)

// IdemKey identifies a remembered request. Keys are private to a user and a
// scope, so two buyers may send the same Idempotency-Key.
type IdemKey struct {
	UserID string
	Scope  string
	Key    string
}

func (k IdemKey) blank() bool {
	return strings.TrimSpace(k.Scope) == "" || strings.TrimSpace(k.Key) == ""
}

// FindIdempotency returns the record for k that is still live at now, or
// ErrNotFound.
func FindIdempotency(ctx context.Context, db *gorm.DB, k IdemKey, now time.Time) (*domain.Idempotency, error) {
	if k.blank() {
		return nil, ErrNotFound
	}
	var rec domain.Idempotency
	err := db.WithContext(ctx).
		Where("user_id = ? AND scope = ? AND idem_key = ?", k.UserID, k.Scope, k.Key).
		Where("expires_at > ?", now).
		Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// RememberMessage records that k produced msg with the given status until
// now+ttl. An expired record for k is replaced; a live one yields
// ErrDuplicate.
func RememberMessage(ctx context.Context, db *gorm.DB, k IdemKey, msg *domain.Message, status int, now time.Time, ttl time.Duration) (*domain.Idempotency, error) {
	if k.blank() {
		return nil, errors.New("idempotency key and scope are required")
	}
	rec := &domain.Idempotency{
		ID:             uuid.NewString(),
		UserID:         k.UserID,
		Scope:          k.Scope,
		Key:            k.Key,
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		Status:         status,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
	}
	err := db.WithContext(ctx).
		Where("user_id = ? AND scope = ? AND idem_key = ?", k.UserID, k.Scope, k.Key).
		Where("expires_at <= ?", now).
		Delete(&domain.Idempotency{}).Error
	if err != nil {
		return nil, err
	}
	err = db.WithContext(ctx).Create(rec).Error
	switch {
	case isUniqueViolation(err):
		return nil, ErrDuplicate
	case err != nil:
		return nil, err
	}
	return rec, nil
}

// PurgeExpiredIdempotency deletes records that expired at or before now.
func PurgeExpiredIdempotency(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Where("expires_at <= ?", now).Delete(&domain.Idempotency{})
	return res.RowsAffected, res.Error
}
