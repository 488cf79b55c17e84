// Package realtime carries push events between the messaging server and its
// clients. Frames on the wire are {"event": <kind>, "data": <payload>}; inside
// the process they are a validated tagged union (Event) so consumers never
// look at event names or raw JSON.
package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tbourn/go-marketplace-messaging/internal/domain"
)

// Kind discriminates Event.
type Kind string

const (
	KindNewMessage      Kind = "message:new"
	KindNewNotification Kind = "notification:new"
)

var (
	// ErrUnknownEvent is returned by Decode for event names it does not model.
	ErrUnknownEvent = errors.New("realtime: unknown event")
	// ErrInvalidEvent is returned by Decode for malformed or incomplete frames.
	ErrInvalidEvent = errors.New("realtime: invalid event")
)

// Event is exactly one of a new message or a new notification; the pointer
// matching Kind is always set.
type Event struct {
	Kind         Kind
	Message      *domain.Message
	Notification *domain.NotificationView
}

// NewMessageEvent wraps m.
func NewMessageEvent(m domain.Message) Event {
	return Event{Kind: KindNewMessage, Message: &m}
}

// NewNotificationEvent wraps n.
func NewNotificationEvent(n domain.NotificationView) Event {
	return Event{Kind: KindNewNotification, Notification: &n}
}

// ConversationID returns the conversation the event refers to, if any.
func (e Event) ConversationID() string {
	switch e.Kind {
	case KindNewMessage:
		if e.Message != nil {
			return e.Message.ConversationID
		}
	case KindNewNotification:
		if e.Notification != nil {
			return e.Notification.Payload.ConversationID
		}
	}
	return ""
}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Encode renders e as a wire frame.
func Encode(e Event) ([]byte, error) {
	var data any
	switch e.Kind {
	case KindNewMessage:
		if e.Message == nil {
			return nil, fmt.Errorf("%w: %s without message", ErrInvalidEvent, e.Kind)
		}
		data = e.Message
	case KindNewNotification:
		if e.Notification == nil {
			return nil, fmt.Errorf("%w: %s without notification", ErrInvalidEvent, e.Kind)
		}
		data = e.Notification
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, e.Kind)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(frame{Event: string(e.Kind), Data: raw})
}

// Decode parses and validates a wire frame.
func Decode(b []byte) (Event, error) {
	var f frame
	if err := json.Unmarshal(b, &f); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if len(f.Data) == 0 || string(f.Data) == "null" {
		return Event{}, fmt.Errorf("%w: %q has no data", ErrInvalidEvent, f.Event)
	}

	switch Kind(f.Event) {
	case KindNewMessage:
		var m domain.Message
		if err := json.Unmarshal(f.Data, &m); err != nil {
			return Event{}, fmt.Errorf("%w: message: %v", ErrInvalidEvent, err)
		}
		if strings.TrimSpace(m.ID) == "" || strings.TrimSpace(m.ConversationID) == "" {
			return Event{}, fmt.Errorf("%w: message without id or conversation_id", ErrInvalidEvent)
		}
		return NewMessageEvent(m), nil

	case KindNewNotification:
		var n domain.NotificationView
		if err := json.Unmarshal(f.Data, &n); err != nil {
			return Event{}, fmt.Errorf("%w: notification: %v", ErrInvalidEvent, err)
		}
		if strings.TrimSpace(n.Type) == "" {
			return Event{}, fmt.Errorf("%w: notification without type", ErrInvalidEvent)
		}
		if n.Type == domain.NotificationTypeMessage && strings.TrimSpace(n.Payload.ConversationID) == "" {
			return Event{}, fmt.Errorf("%w: message notification without conversation_id", ErrInvalidEvent)
		}
		return NewNotificationEvent(n), nil
	}
	return Event{}, fmt.Errorf("%w: %q", ErrUnknownEvent, f.Event)
}
