package services

import (
	"context"

	"github.com/tbourn/go-marketplace-messaging/internal/domain"
)

// EventSink receives domain events after they are committed. Implementations
// must not block for long: they run on the request path.
type EventSink interface {
	MessageCreated(ctx context.Context, m domain.Message)
	NotificationCreated(ctx context.Context, n domain.Notification)
}

// FanOut delivers every event to each sink in order.
type FanOut []EventSink

func (f FanOut) MessageCreated(ctx context.Context, m domain.Message) {
	for _, s := range f {
		if s != nil {
			s.MessageCreated(ctx, m)
		}
	}
}

func (f FanOut) NotificationCreated(ctx context.Context, n domain.Notification) {
	for _, s := range f {
		if s != nil {
			s.NotificationCreated(ctx, n)
		}
	}
}

type nopSink struct{}

func (nopSink) MessageCreated(context.Context, domain.Message)           {}
func (nopSink) NotificationCreated(context.Context, domain.Notification) {}

func sinkOrNop(s EventSink) EventSink {
	if s == nil {
		return nopSink{}
	}
	return s
}
