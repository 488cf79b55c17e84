package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tbourn/go-marketplace-messaging/internal/domain"
)

func TestIdempotency_RememberFindDuplicateExpiry(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	key := IdemKey{UserID: "u1", Scope: "messages", Key: "k1"}
	first := &domain.Message{ID: "m1", ConversationID: "c1"}

	if _, err := FindIdempotency(ctx, db, IdemKey{UserID: "u1", Scope: "messages", Key: "   "}, now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("blank key: want ErrNotFound, got %v", err)
	}
	if _, err := RememberMessage(ctx, db, IdemKey{UserID: "u1", Key: "k1"}, first, 201, now, time.Hour); err == nil {
		t.Fatalf("blank scope must be rejected")
	}

	rec, err := RememberMessage(ctx, db, key, first, 201, now, time.Hour)
	if err != nil {
		t.Fatalf("RememberMessage: %v", err)
	}
	if !rec.ExpiresAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("ExpiresAt = %v", rec.ExpiresAt)
	}
	got, err := FindIdempotency(ctx, db, key, now.Add(59*time.Minute))
	if err != nil || got.ID != rec.ID || got.ConversationID != "c1" || got.MessageID != "m1" || got.Status != 201 {
		t.Fatalf("FindIdempotency: %+v err=%v", got, err)
	}

	if _, err := RememberMessage(ctx, db, key, &domain.Message{ID: "m2", ConversationID: "c1"}, 201, now, time.Hour); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("want ErrDuplicate, got %v", err)
	}

	// Keys are per user.
	other := IdemKey{UserID: "u2", Scope: "messages", Key: "k1"}
	if _, err := RememberMessage(ctx, db, other, &domain.Message{ID: "m9", ConversationID: "c9"}, 201, now, 3*time.Hour); err != nil {
		t.Fatalf("other user same key: %v", err)
	}

	later := now.Add(2 * time.Hour)
	if _, err := FindIdempotency(ctx, db, key, later); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired record must be invisible, got %v", err)
	}
	n, err := PurgeExpiredIdempotency(ctx, db, later)
	if err != nil || n != 1 {
		t.Fatalf("PurgeExpiredIdempotency = %d err=%v", n, err)
	}
	if _, err := FindIdempotency(ctx, db, other, later); err != nil {
		t.Fatalf("live record purged: %v", err)
	}
}

func TestRememberMessage_ReplacesExpiredKey(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	key := IdemKey{UserID: "u1", Scope: "messages", Key: "k1"}

	if _, err := RememberMessage(ctx, db, key, &domain.Message{ID: "m1", ConversationID: "c1"}, 201, now, time.Minute); err != nil {
		t.Fatalf("first: %v", err)
	}
	later := now.Add(time.Hour)
	rec, err := RememberMessage(ctx, db, key, &domain.Message{ID: "m2", ConversationID: "c1"}, 201, later, time.Minute)
	if err != nil {
		t.Fatalf("expired key must be reusable: %v", err)
	}
	got, err := FindIdempotency(ctx, db, key, later)
	if err != nil || got.ID != rec.ID || got.MessageID != "m2" {
		t.Fatalf("FindIdempotency = %+v err=%v", got, err)
	}
	var n int64
	db.Model(&domain.Idempotency{}).Count(&n)
	if n != 1 {
		t.Fatalf("records = %d, want 1", n)
	}
}
