package broker

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-marketplace-messaging/internal/domain"
)

// Routing keys on the events exchange.
const (
	RoutingMessageNew      = "message.new"
	RoutingNotificationNew = "notification.new"
)

// Envelope is the AMQP message body.
type Envelope struct {
	Event      string    `json:"event"`
	OccurredAt time.Time `json:"occurred_at"`
	Data       any       `json:"data"`
}

// Sink forwards committed message and notification events to a Publisher.
// Publish failures are logged; the write that produced the event has
// already committed.
type Sink struct {
	Publisher Publisher
	Timeout   time.Duration
	Now       func() time.Time
}

// NewSink wraps p with a 2s publish timeout.
func NewSink(p Publisher) *Sink {
	return &Sink{Publisher: p, Timeout: 2 * time.Second, Now: time.Now}
}

// MessageCreated publishes message.new.
func (s *Sink) MessageCreated(ctx context.Context, m domain.Message) {
	s.publish(ctx, RoutingMessageNew, "message:new", m)
}

// NotificationCreated publishes notification.new with the user it targets.
func (s *Sink) NotificationCreated(ctx context.Context, n domain.Notification) {
	s.publish(ctx, RoutingNotificationNew, "notification:new", struct {
		UserID string `json:"user_id"`
		domain.NotificationView
	}{n.UserID, n.View()})
}

func (s *Sink) publish(ctx context.Context, key, event string, data any) {
	if s == nil || s.Publisher == nil {
		return
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	// Detach from the request so a client disconnect does not drop the event.
	pctx := context.WithoutCancel(ctx)
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(pctx, s.Timeout)
		defer cancel()
	}
	env := Envelope{Event: event, OccurredAt: now().UTC(), Data: data}
	if err := s.Publisher.Publish(pctx, key, env); err != nil {
		log.Warn().Err(err).Str("routing_key", key).Msg("amqp_publish_failed")
	}
}
