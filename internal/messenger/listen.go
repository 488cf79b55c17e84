package messenger

import (
	"sync"

	"github.com/google/uuid"

	"github.com/tbourn/go-marketplace-messaging/internal/domain"
	"github.com/tbourn/go-marketplace-messaging/internal/realtime"
)

// Listen registers exactly one handler per event kind on bus. The returned
// function removes exactly those handlers and is safe to call twice.
//
// Handlers only trigger refetches: a message for the open conversation
// reloads its messages, anything else reloads the conversation list. Since a
// refetch replaces the list wholesale, duplicate or reordered events
// converge to the server's state.
func (c *Coordinator) Listen(bus *realtime.Bus) (unmount func()) {
	offMessage := bus.Subscribe(realtime.KindNewMessage, c.onMessage)
	offNotification := bus.Subscribe(realtime.KindNewNotification, c.onNotification)

	var once sync.Once
	return func() {
		once.Do(func() {
			offMessage()
			offNotification()
		})
	}
}

func (c *Coordinator) onMessage(e realtime.Event) {
	convID := e.ConversationID()
	c.mu.Lock()
	open := c.st.SelectedID
	c.mu.Unlock()

	if convID != "" && convID == open {
		c.spawn(func() { _ = c.loadMessages(c.ctx, convID) })
		return
	}
	c.spawn(func() { _ = c.LoadConversations(c.ctx) })
}

func (c *Coordinator) onNotification(e realtime.Event) {
	n := e.Notification
	if n == nil || n.Type != domain.NotificationTypeMessage {
		return
	}
	convID := n.Payload.ConversationID
	text := noticeText(*n)

	c.update(func(s *State) {
		if convID == s.SelectedID {
			return
		}
		for i := range s.Notices {
			if s.Notices[i].ConversationID == convID && s.Notices[i].Level == NoticeInfo {
				s.Notices[i].Text = text
				return
			}
		}
		s.Notices = append(s.Notices, Notice{
			ID:             uuid.NewString(),
			Level:          NoticeInfo,
			Text:           text,
			ConversationID: convID,
		})
	})
	c.spawn(func() { _ = c.LoadConversations(c.ctx) })
}

func noticeText(n domain.NotificationView) string {
	from := n.Payload.SenderID
	if from == "" {
		from = "someone"
	}
	if n.Payload.Text == "" {
		return "New message from " + from
	}
	return "New message from " + from + ": " + n.Payload.Text
}
