package realtime

import (
	"context"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-marketplace-messaging/internal/domain"
)

// DefaultRelayPrefix namespaces the per-user pub/sub channels.
const DefaultRelayPrefix = "messaging:user:"

// Relay carries push events between API replicas over Redis pub/sub. Every
// replica publishes to the recipient's channel and delivers what it receives
// to its own Hub, so a user connected to any replica gets the frame exactly
// once. When a Relay is installed it replaces the Hub as the event sink.
type Relay struct {
	rdb    redis.UniversalClient
	hub    *Hub
	prefix string

	once   sync.Once
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRelay binds hub to rdb. Call Start to begin receiving.
func NewRelay(rdb redis.UniversalClient, hub *Hub) *Relay {
	return &Relay{rdb: rdb, hub: hub, prefix: DefaultRelayPrefix, done: make(chan struct{})}
}

// Channel returns the pub/sub channel for userID.
func (r *Relay) Channel(userID string) string { return r.prefix + userID }

// userFromChannel is the inverse of Channel.
func (r *Relay) userFromChannel(ch string) (string, bool) {
	if !strings.HasPrefix(ch, r.prefix) {
		return "", false
	}
	u := strings.TrimPrefix(ch, r.prefix)
	return u, u != ""
}

// Start subscribes to every user channel and delivers to the local hub until
// Close. The subscription is confirmed before Start returns.
func (r *Relay) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	sub := r.rdb.PSubscribe(ctx, r.prefix+"*")
	if _, err := sub.Receive(ctx); err != nil {
		cancel()
		_ = sub.Close()
		return err
	}
	r.cancel = cancel

	go func() {
		defer close(r.done)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				r.deliver(m.Channel, []byte(m.Payload))
			}
		}
	}()
	log.Info().Str("pattern", r.prefix+"*").Msg("ws relay subscribed")
	return nil
}

// deliver decodes a relayed frame and hands it to the local hub.
func (r *Relay) deliver(channel string, payload []byte) int {
	uid, ok := r.userFromChannel(channel)
	if !ok {
		return 0
	}
	e, err := Decode(payload)
	if err != nil {
		log.Warn().Err(err).Str("channel", channel).Msg("ws relay dropped frame")
		return 0
	}
	return r.hub.Publish(uid, e)
}

func (r *Relay) publish(ctx context.Context, userID string, e Event) {
	payload, err := Encode(e)
	if err != nil {
		log.Error().Err(err).Str("event", string(e.Kind)).Msg("ws relay encode failed")
		return
	}
	if err := r.rdb.Publish(context.WithoutCancel(ctx), r.Channel(userID), payload).Err(); err != nil {
		// Keep local users served when Redis is unavailable.
		log.Warn().Err(err).Str("user_id", userID).Msg("ws relay publish failed, delivering locally")
		r.hub.Publish(userID, e)
	}
}

// MessageCreated relays message:new to both participants.
func (r *Relay) MessageCreated(ctx context.Context, m domain.Message) {
	e := NewMessageEvent(m)
	r.publish(ctx, m.SenderID, e)
	if m.ReceiverID != m.SenderID {
		r.publish(ctx, m.ReceiverID, e)
	}
}

// NotificationCreated relays notification:new to the notified user.
func (r *Relay) NotificationCreated(ctx context.Context, n domain.Notification) {
	r.publish(ctx, n.UserID, NewNotificationEvent(n.View()))
}

// Close stops receiving and waits for the receive loop to exit.
func (r *Relay) Close() {
	r.once.Do(func() {
		if r.cancel == nil {
			return
		}
		r.cancel()
		<-r.done
	})
}
