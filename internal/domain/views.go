package domain

import "time"

// LastMessage is the preview shown in a conversation list.
type LastMessage struct {
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// ConversationSummary is the list view of a conversation for one user.
// UnreadCount is server-authoritative: unread messages addressed to that user.
type ConversationSummary struct {
	ID             string       `json:"id"`
	ParticipantIDs []string     `json:"participant_ids"`
	LastMessage    *LastMessage `json:"last_message,omitempty"`
	UnreadCount    int          `json:"unread_count"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// HasParticipant reports whether userID appears in the pair.
func (s ConversationSummary) HasParticipant(userID string) bool {
	for _, p := range s.ParticipantIDs {
		if p == userID {
			return true
		}
	}
	return false
}

// Counterparty returns the participant that is not self, or "" when unknown.
func (s ConversationSummary) Counterparty(self string) string {
	for _, p := range s.ParticipantIDs {
		if p != self {
			return p
		}
	}
	return ""
}

// Summarize builds the list view of c for userID.
func Summarize(c Conversation, unread int) ConversationSummary {
	s := ConversationSummary{
		ID:             c.ID,
		ParticipantIDs: c.Participants(),
		UnreadCount:    unread,
		UpdatedAt:      c.UpdatedAt,
	}
	if c.LastMessageAt != nil {
		s.LastMessage = &LastMessage{Text: c.LastMessageText, CreatedAt: *c.LastMessageAt}
	}
	return s
}

// NotificationPayload carries what a client needs to jump to the conversation.
type NotificationPayload struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id,omitempty"`
	SenderID       string `json:"sender_id,omitempty"`
	Text           string `json:"text,omitempty"`
}

// NotificationView is the wire form of a Notification.
type NotificationView struct {
	ID        string              `json:"id,omitempty"`
	Type      string              `json:"type"`
	Payload   NotificationPayload `json:"payload"`
	Read      bool                `json:"read"`
	CreatedAt time.Time           `json:"created_at"`
}

// View converts n to its wire form.
func (n Notification) View() NotificationView {
	return NotificationView{
		ID:   n.ID,
		Type: n.Type,
		Payload: NotificationPayload{
			ConversationID: n.ConversationID,
			MessageID:      n.MessageID,
			SenderID:       n.SenderID,
			Text:           n.Text,
		},
		Read:      n.Read,
		CreatedAt: n.CreatedAt,
	}
}
