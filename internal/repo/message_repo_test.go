package repo

import (
	"context"
	"errors"
	"testing"
)

func TestMessages_CreateListPageCountGet(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()
	c, _ := CreateConversation(ctx, db, "a", "b")

	var ids []string
	for _, txt := range []string{"one", "two", "three"} {
		m, err := CreateMessage(ctx, db, c.ID, "a", "b", txt)
		if err != nil {
			t.Fatalf("CreateMessage(%s): %v", txt, err)
		}
		if m.Read {
			t.Fatalf("new message must be unread")
		}
		ids = append(ids, m.ID)
	}

	all, err := ListMessages(ctx, db, c.ID, 0)
	if err != nil || len(all) != 3 {
		t.Fatalf("ListMessages: len=%d err=%v", len(all), err)
	}
	for i := 1; i < len(all); i++ {
		if all[i].CreatedAt.Before(all[i-1].CreatedAt) {
			t.Fatalf("messages not ordered oldest first: %+v", all)
		}
	}
	limited, _ := ListMessages(ctx, db, c.ID, 2)
	if len(limited) != 2 {
		t.Fatalf("expected limit=2 to return 2, got %d", len(limited))
	}

	n, err := CountMessages(ctx, db, c.ID)
	if err != nil || n != 3 {
		t.Fatalf("CountMessages = %d err=%v", n, err)
	}
	page, err := ListMessagesPage(ctx, db, c.ID, 2, 10)
	if err != nil || len(page) != 1 {
		t.Fatalf("ListMessagesPage: len=%d err=%v", len(page), err)
	}

	got, err := GetMessage(ctx, db, ids[1])
	if err != nil || got.Text == "" {
		t.Fatalf("GetMessage: %+v err=%v", got, err)
	}
	if _, err := GetMessage(ctx, db, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateMessage_RequiresConversation(t *testing.T) {
	db := newRepoDB(t)
	if _, err := CreateMessage(context.Background(), db, "no-such-conversation", "a", "b", "x"); err == nil {
		t.Fatalf("expected FK violation for unknown conversation")
	}
}

func TestMarkConversationRead_OnlyReceiverSide(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()
	c, _ := CreateConversation(ctx, db, "a", "b")
	_, _ = CreateMessage(ctx, db, c.ID, "a", "b", "to b 1")
	_, _ = CreateMessage(ctx, db, c.ID, "a", "b", "to b 2")
	_, _ = CreateMessage(ctx, db, c.ID, "b", "a", "to a")

	n, err := MarkConversationRead(ctx, db, c.ID, "b")
	if err != nil || n != 2 {
		t.Fatalf("MarkConversationRead(b) = %d err=%v", n, err)
	}
	n, _ = MarkConversationRead(ctx, db, c.ID, "b")
	if n != 0 {
		t.Fatalf("second mark should change nothing, got %d", n)
	}
	counts, _ := UnreadCounts(ctx, db, "a")
	if counts[c.ID] != 1 {
		t.Fatalf("a's unread must be untouched, got %v", counts)
	}
}
