package messenger

import (
	"slices"

	"github.com/tbourn/go-marketplace-messaging/internal/domain"
)

// NoticeLevel tells a renderer how to style a notice.
type NoticeLevel int

const (
	NoticeInfo NoticeLevel = iota
	NoticeError
)

// Notice is a transient, dismissible alert. When ConversationID is set,
// activating the notice opens that conversation.
type Notice struct {
	ID             string
	Level          NoticeLevel
	Text           string
	ConversationID string
}

// State is the observable view state of a Coordinator. Snapshots are copies;
// mutating them has no effect on the coordinator.
type State struct {
	Conversations []domain.ConversationSummary
	Messages      []domain.Message

	// SelectedID is the open conversation, empty when none is open.
	SelectedID string
	// Counterparty is the other participant of the open conversation, or the
	// user a conversation is about to be created with when SelectedID is empty.
	Counterparty string

	LoadingConversations bool
	LoadingMessages      bool
	Sending              bool

	Error   string
	Draft   string
	Notices []Notice

	// Creating lists counterparties with a conversation creation in flight.
	Creating []string

	// Version increases with every published change. OnChange may observe
	// snapshots out of order; a consumer keeps the highest version it saw.
	Version uint64
}

func (s State) clone() State {
	out := s
	out.Conversations = cloneSummaries(s.Conversations)
	out.Messages = slices.Clone(s.Messages)
	out.Notices = slices.Clone(s.Notices)
	out.Creating = slices.Clone(s.Creating)
	return out
}

func cloneSummaries(in []domain.ConversationSummary) []domain.ConversationSummary {
	if in == nil {
		return nil
	}
	out := make([]domain.ConversationSummary, len(in))
	for i, c := range in {
		c.ParticipantIDs = slices.Clone(c.ParticipantIDs)
		if c.LastMessage != nil {
			lm := *c.LastMessage
			c.LastMessage = &lm
		}
		out[i] = c
	}
	return out
}

// ConversationWith returns the local conversation whose participants are
// self and counterparty.
func (s State) ConversationWith(self, counterparty string) (domain.ConversationSummary, bool) {
	for _, c := range s.Conversations {
		if c.HasParticipant(counterparty) && (self == "" || c.HasParticipant(self)) {
			return c, true
		}
	}
	return domain.ConversationSummary{}, false
}

// Conversation returns the local conversation with id.
func (s State) Conversation(id string) (domain.ConversationSummary, bool) {
	for _, c := range s.Conversations {
		if c.ID == id {
			return c, true
		}
	}
	return domain.ConversationSummary{}, false
}
