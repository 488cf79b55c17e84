package messenger

import (
	"context"

	"github.com/tbourn/go-marketplace-messaging/internal/apierr"
	"github.com/tbourn/go-marketplace-messaging/internal/client"
	"github.com/tbourn/go-marketplace-messaging/internal/domain"
	"github.com/tbourn/go-marketplace-messaging/internal/retry"
)

type creation struct {
	id    string
	token uint64
}

// resolve returns the conversation with counterparty, creating it when none
// is known locally. Concurrent callers for the same counterparty share one
// creation; different counterparties proceed independently. delivered
// reports whether text went out with the creation on this caller's behalf.
//
// The creation runs under the coordinator's lifetime, so a caller that stops
// waiting (ctx done) gets ErrCreationPending while the creation carries on.
func (c *Coordinator) resolve(ctx context.Context, counterparty, text string) (id string, delivered bool, err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", false, ErrClosed
	}
	if conv, ok := c.st.ConversationWith(c.self, counterparty); ok {
		c.mu.Unlock()
		return conv.ID, false, nil
	}

	c.tokens++
	token := c.tokens
	_, joining := c.creating[counterparty]
	if !joining {
		c.creating[counterparty] = struct{}{}
		c.wg.Add(1)
	}
	ch := c.group.DoChan(counterparty, func() (any, error) {
		defer c.wg.Done()
		return c.create(counterparty, text, token)
	})
	snap := c.publishLocked()
	c.mu.Unlock()

	if joining {
		if c.joined != nil {
			c.joined(counterparty)
		}
	} else if c.onChange != nil {
		c.onChange(snap)
	}

	select {
	case r := <-ch:
		if r.Err != nil {
			return "", false, r.Err
		}
		cr := r.Val.(creation)
		return cr.id, cr.token == token && text != "", nil
	case <-c.ctx.Done():
		return "", false, ErrClosed
	case <-ctx.Done():
		if c.ctx.Err() != nil {
			return "", false, ErrClosed
		}
		return "", false, ErrCreationPending
	}
}

// create is the single in-flight creation for counterparty. The marker and
// the singleflight key are released together, and on success the new
// conversation is added locally in the same critical section, so a later
// caller either finds it or starts a fresh attempt.
func (c *Coordinator) create(counterparty, text string, token uint64) (any, error) {
	res, err := retry.Do(c.ctx, c.retrier, func(ctx context.Context) (client.CreateConversationResponse, error) {
		return c.api.CreateConversation(ctx, counterparty, text)
	})
	if err == nil && res.ConversationID == "" {
		err = &apierr.Error{Kind: apierr.Server, Message: "server returned no conversation id"}
	}

	c.mu.Lock()
	delete(c.creating, counterparty)
	c.group.Forget(counterparty)
	closed := c.closed
	if err == nil && !closed {
		if _, ok := c.st.Conversation(res.ConversationID); !ok {
			c.st.Conversations = append([]domain.ConversationSummary{{
				ID:             res.ConversationID,
				ParticipantIDs: []string{c.self, counterparty},
				UpdatedAt:      c.clock.Now(),
			}}, c.st.Conversations...)
		}
	}
	snap := c.publishLocked()
	c.mu.Unlock()

	if closed {
		return nil, ErrClosed
	}
	if c.onChange != nil {
		c.onChange(snap)
	}
	if err != nil {
		c.log.Debug().Err(err).Str("counterparty", counterparty).Msg("conversation_create_failed")
		return nil, err
	}
	c.log.Debug().Str("counterparty", counterparty).Str("conversation_id", res.ConversationID).Bool("created", res.Created).Msg("conversation_resolved")
	c.scheduleRefresh()
	return creation{id: res.ConversationID, token: token}, nil
}
