// Package domain defines the persistence models for conversations, messages
// and notifications, plus the wire views the API exchanges with clients.
// Models are mapped with GORM and form the data layer of the messaging service.
package domain

import (
	"strings"
	"time"
)

// Conversation is a two-party thread between a customer and a provider.
// Participants are stored as a sorted pair so the unique index guarantees
// at most one conversation per pair regardless of who initiated it.
//
// Fields:
//   - ID: stable UUID primary key (char(36)).
//   - ParticipantA / ParticipantB: the pair, ParticipantA <= ParticipantB.
//   - LastMessageText / LastMessageAt: snapshot of the newest message for list display.
//   - CreatedAt / UpdatedAt: timestamps managed by GORM; UpdatedAt moves on every message.
type Conversation struct {
	ID              string     `json:"id"            gorm:"type:char(36);primaryKey"`
	ParticipantA    string     `json:"participant_a" gorm:"type:varchar(64);not null;uniqueIndex:ux_conversation_pair,priority:1;index:idx_conv_a"`
	ParticipantB    string     `json:"participant_b" gorm:"type:varchar(64);not null;uniqueIndex:ux_conversation_pair,priority:2;index:idx_conv_b"`
	LastMessageText string     `json:"last_message_text" gorm:"type:text"`
	LastMessageAt   *time.Time `json:"last_message_at,omitempty" gorm:"index"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// TableName returns the database table name for Conversation.
func (Conversation) TableName() string { return "conversations" }

// Participants returns the pair in storage order.
func (c Conversation) Participants() []string {
	return []string{c.ParticipantA, c.ParticipantB}
}

// HasParticipant reports whether userID is one side of the conversation.
func (c Conversation) HasParticipant(userID string) bool {
	return userID != "" && (c.ParticipantA == userID || c.ParticipantB == userID)
}

// Counterparty returns the side of the pair that is not self.
func (c Conversation) Counterparty(self string) string {
	if c.ParticipantA == self {
		return c.ParticipantB
	}
	return c.ParticipantA
}

// SortedPair orders two user ids so (a,b) and (b,a) map to the same row.
func SortedPair(x, y string) (string, string) {
	x, y = strings.TrimSpace(x), strings.TrimSpace(y)
	if x <= y {
		return x, y
	}
	return y, x
}

// Message is a single message inside a conversation. Messages are immutable
// once created except for the Read flag, which the receiver flips.
//
// Fields:
//   - ID: UUID primary key (char(36)).
//   - ConversationID: foreign key to the owning conversation (indexed with CreatedAt).
//   - SenderID / ReceiverID: the two participants, receiver drives unread counts.
//   - Text: normalized message body.
//   - Read: set once the receiver acknowledges it.
type Message struct {
	ID             string    `json:"id"              gorm:"type:char(36);primaryKey"`
	ConversationID string    `json:"conversation_id" gorm:"type:char(36);not null;index:idx_conv_msgs,priority:1"`
	SenderID       string    `json:"sender_id"       gorm:"type:varchar(64);not null"`
	ReceiverID     string    `json:"receiver_id"     gorm:"type:varchar(64);not null;index:idx_unread,priority:1"`
	Text           string    `json:"text"            gorm:"type:text;not null"`
	Read           bool      `json:"read"            gorm:"column:is_read;not null;default:false;index:idx_unread,priority:2"`
	CreatedAt      time.Time `json:"created_at"      gorm:"index:idx_conv_msgs,priority:2"`

	// Conversation is the parent thread. Messages are cascade-deleted
	// if their conversation is removed.
	Conversation Conversation `json:"-" gorm:"foreignKey:ConversationID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }

// NotificationTypeMessage marks notifications raised by an inbound message.
const NotificationTypeMessage = "message"

// Notification is a per-user alert. Message notifications reference the
// conversation so a client can switch to it.
type Notification struct {
	ID             string    `json:"id"              gorm:"type:char(36);primaryKey"`
	UserID         string    `json:"user_id"         gorm:"type:varchar(64);not null;index:idx_user_notifs,priority:1"`
	Type           string    `json:"type"            gorm:"type:varchar(32);not null"`
	ConversationID string    `json:"conversation_id" gorm:"type:char(36)"`
	MessageID      string    `json:"message_id"      gorm:"type:char(36)"`
	SenderID       string    `json:"sender_id"       gorm:"type:varchar(64)"`
	Text           string    `json:"text"            gorm:"type:text"`
	Read           bool      `json:"read"            gorm:"column:is_read;not null;default:false"`
	CreatedAt      time.Time `json:"created_at"      gorm:"index:idx_user_notifs,priority:2"`
}

// TableName returns the database table name for Notification.
func (Notification) TableName() string { return "notifications" }
