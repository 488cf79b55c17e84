package messenger

import (
	"context"
	"strings"

	"github.com/tbourn/go-marketplace-messaging/internal/apierr"
	"github.com/tbourn/go-marketplace-messaging/internal/client"
)

// SendMessage delivers text to the open conversation, or to the pending
// counterparty after resolving (or creating) their conversation. The draft
// is cleared on success and kept on failure. Only one send runs at a time.
func (c *Coordinator) SendMessage(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		err := apierr.NewValidation("Message cannot be empty.")
		c.fail(err, err.Message)
		return err
	}

	var convID, counterparty string
	busy := false
	if !c.update(func(s *State) {
		if s.Sending {
			busy = true
			return
		}
		s.Sending = true
		s.Draft = text
		s.Error = ""
		convID, counterparty = s.SelectedID, s.Counterparty
	}) {
		return ErrClosed
	}
	if busy {
		return ErrSendInProgress
	}
	defer c.update(func(s *State) { s.Sending = false })

	ctx, done := c.bind(ctx)
	defer done()

	if convID == "" {
		if counterparty == "" {
			c.fail(ErrNoTarget, "Select a conversation first.")
			return ErrNoTarget
		}
		id, delivered, err := c.resolve(ctx, counterparty, text)
		if err != nil {
			c.fail(err, "Could not start the conversation.")
			return err
		}
		c.update(func(s *State) {
			if s.SelectedID == "" && s.Counterparty == counterparty {
				s.SelectedID = id
			}
			if delivered && s.Draft == text {
				s.Draft = ""
			}
		})
		if delivered {
			return c.loadMessages(ctx, id)
		}
		convID = id
	}

	return c.deliver(ctx, convID, counterparty, text)
}

// deliver sends text into convID and adopts the server's conversation id.
func (c *Coordinator) deliver(ctx context.Context, convID, counterparty, text string) error {
	resp, err := c.api.SendMessage(ctx, client.SendMessageRequest{
		ConversationID: convID,
		ReceiverID:     counterparty,
		Text:           text,
	})
	if err != nil {
		c.fail(err, "Failed to send message.")
		return err
	}

	serverID := resp.ConversationID
	if serverID == "" {
		serverID = convID
	}
	if serverID != convID {
		c.log.Info().Str("local_id", convID).Str("server_id", serverID).Msg("conversation_id_corrected")
	}
	c.update(func(s *State) {
		if s.SelectedID == convID {
			s.SelectedID = serverID
		}
		if s.Draft == text {
			s.Draft = ""
		}
	})
	c.scheduleRefresh()
	return c.loadMessages(ctx, serverID)
}

// StartConversationWith resolves or creates the conversation with
// counterparty, opens it and, when text is non-empty, delivers text exactly
// once. It returns the server's conversation id.
func (c *Coordinator) StartConversationWith(ctx context.Context, counterparty, text string) (string, error) {
	counterparty = strings.TrimSpace(counterparty)
	text = strings.TrimSpace(text)
	if counterparty == "" {
		return "", ErrNoTarget
	}
	if counterparty == c.self {
		err := apierr.NewValidation("You cannot start a conversation with yourself.")
		c.fail(err, err.Message)
		return "", err
	}

	ctx, done := c.bind(ctx)
	defer done()

	id, delivered, err := c.resolve(ctx, counterparty, text)
	if err != nil {
		c.fail(err, "Could not start the conversation.")
		return "", err
	}
	if !c.update(func(s *State) {
		if s.SelectedID != id {
			s.Messages = nil
		}
		s.SelectedID = id
		s.Counterparty = counterparty
	}) {
		return "", ErrClosed
	}

	if text != "" && !delivered {
		if err := c.deliver(ctx, id, counterparty, text); err != nil {
			return id, err
		}
		return c.Snapshot().SelectedID, nil
	}
	return id, c.loadMessages(ctx, id)
}
