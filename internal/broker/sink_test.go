package broker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbourn/go-marketplace-messaging/internal/domain"
)

type published struct {
	key   string
	event any
}

type fakePublisher struct {
	calls []published
	err   error
}

func (f *fakePublisher) Publish(_ context.Context, key string, event any) error {
	f.calls = append(f.calls, published{key, event})
	return f.err
}

func (f *fakePublisher) Close() error { return nil }

func TestSink_RoutesEvents(t *testing.T) {
	fp := &fakePublisher{}
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := &Sink{Publisher: fp, Now: func() time.Time { return at }}

	s.MessageCreated(context.Background(), domain.Message{ID: "m1", ConversationID: "c1", Text: "hi"})
	s.NotificationCreated(context.Background(), domain.Notification{ID: "n1", UserID: "bob", Type: "message", ConversationID: "c1"})

	require.Len(t, fp.calls, 2)
	assert.Equal(t, RoutingMessageNew, fp.calls[0].key)
	assert.Equal(t, RoutingNotificationNew, fp.calls[1].key)

	env, ok := fp.calls[1].event.(Envelope)
	require.True(t, ok)
	assert.Equal(t, "notification:new", env.Event)
	assert.Equal(t, at, env.OccurredAt)

	b, err := json.Marshal(env)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"user_id":"bob"`)
	assert.Contains(t, string(b), `"conversation_id":"c1"`)
}

func TestSink_PublishErrorIsSwallowed(t *testing.T) {
	fp := &fakePublisher{err: errors.New("channel closed")}
	s := NewSink(fp)
	assert.NotPanics(t, func() {
		s.MessageCreated(context.Background(), domain.Message{ID: "m1"})
	})
	assert.Len(t, fp.calls, 1)
}

func TestSink_CancelledRequestStillPublishes(t *testing.T) {
	fp := &fakePublisher{}
	s := NewSink(fp)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.MessageCreated(ctx, domain.Message{ID: "m1"})
	assert.Len(t, fp.calls, 1)
}

func TestNewPublisher_EmptyURLIsNoop(t *testing.T) {
	p := NewPublisher("", "messaging.events")
	assert.Equal(t, "noop", Mode(p))
	assert.Equal(t, "empty amqp url", NoopReason(p))
	assert.NoError(t, p.Publish(context.Background(), "k", nil))
	assert.NoError(t, p.Close())

	var nilSink *Sink
	assert.NotPanics(t, func() { nilSink.MessageCreated(context.Background(), domain.Message{}) })
}
