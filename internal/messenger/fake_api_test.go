package messenger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tbourn/go-marketplace-messaging/internal/apierr"
	"github.com/tbourn/go-marketplace-messaging/internal/client"
	"github.com/tbourn/go-marketplace-messaging/internal/domain"
)

// fakeAPI is an in-memory server for one user. Gates, when set, hold the
// corresponding call until a value is sent or the channel is closed.
type fakeAPI struct {
	self string

	mu     sync.Mutex
	convs  []domain.ConversationSummary
	msgs   map[string][]domain.Message
	nextID int

	createCalls, sendCalls, fetchMsgCalls, fetchConvCalls, markReadCalls int

	createErrs    []error
	createGate    chan struct{}
	createStarted chan string
	sendGate      chan struct{}
	sendErr       error
	sendOverride  string // conversation id the server "corrects" sends to
}

func newFakeAPI(self string) *fakeAPI {
	return &fakeAPI{self: self, msgs: make(map[string][]domain.Message), createStarted: make(chan string, 16)}
}

func (f *fakeAPI) id(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s%d", prefix, f.nextID)
}

// seed adds a conversation with other and returns its id.
func (f *fakeAPI) seed(other string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ensureLocked(other)
}

func (f *fakeAPI) ensureLocked(other string) string {
	for _, c := range f.convs {
		if c.HasParticipant(other) {
			return c.ID
		}
	}
	id := f.id("c")
	f.convs = append([]domain.ConversationSummary{{ID: id, ParticipantIDs: []string{f.self, other}}}, f.convs...)
	return id
}

func (f *fakeAPI) addLocked(convID, sender, receiver, text string) domain.Message {
	m := domain.Message{
		ID:             f.id("m"),
		ConversationID: convID,
		SenderID:       sender,
		ReceiverID:     receiver,
		Text:           text,
		CreatedAt:      time.Unix(int64(f.nextID), 0).UTC(),
	}
	f.msgs[convID] = append(f.msgs[convID], m)
	for i := range f.convs {
		if f.convs[i].ID == convID {
			f.convs[i].LastMessage = &domain.LastMessage{Text: text, CreatedAt: m.CreatedAt}
			if receiver == f.self {
				f.convs[i].UnreadCount++
			}
		}
	}
	return m
}

// deliverInbound simulates the counterparty writing to us.
func (f *fakeAPI) deliverInbound(convID, from, text string) domain.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addLocked(convID, from, f.self, text)
}

func (f *fakeAPI) CreateConversation(ctx context.Context, counterpartyID, text string) (client.CreateConversationResponse, error) {
	f.mu.Lock()
	f.createCalls++
	gate := f.createGate
	f.mu.Unlock()

	select {
	case f.createStarted <- counterpartyID:
	default:
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return client.CreateConversationResponse{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.createErrs) > 0 {
		err := f.createErrs[0]
		f.createErrs = f.createErrs[1:]
		return client.CreateConversationResponse{}, err
	}
	before := len(f.convs)
	id := f.ensureLocked(counterpartyID)
	res := client.CreateConversationResponse{ConversationID: id, Created: len(f.convs) > before}
	if text != "" {
		res.MessageID = f.addLocked(id, f.self, counterpartyID, text).ID
	}
	return res, nil
}

func (f *fakeAPI) SendMessage(ctx context.Context, req client.SendMessageRequest) (client.SendMessageResponse, error) {
	f.mu.Lock()
	f.sendCalls++
	gate := f.sendGate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return client.SendMessageResponse{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return client.SendMessageResponse{}, f.sendErr
	}
	convID := req.ConversationID
	if f.sendOverride != "" {
		convID = f.sendOverride
	}
	if _, ok := f.msgs[convID]; !ok && !f.knownLocked(convID) {
		return client.SendMessageResponse{}, apierr.NewNotFound("conversation not found")
	}
	m := f.addLocked(convID, f.self, req.ReceiverID, req.Text)
	return client.SendMessageResponse{ConversationID: convID, MessageID: m.ID}, nil
}

func (f *fakeAPI) knownLocked(id string) bool {
	for _, c := range f.convs {
		if c.ID == id {
			return true
		}
	}
	return false
}

func (f *fakeAPI) FetchMessages(_ context.Context, conversationID string) ([]domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchMsgCalls++
	return append([]domain.Message{}, f.msgs[conversationID]...), nil
}

func (f *fakeAPI) FetchConversations(context.Context) ([]domain.ConversationSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchConvCalls++
	return cloneSummaries(f.convs), nil
}

func (f *fakeAPI) MarkRead(_ context.Context, conversationID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markReadCalls++
	var n int64
	for i, m := range f.msgs[conversationID] {
		if m.ReceiverID == f.self && !m.Read {
			f.msgs[conversationID][i].Read = true
			n++
		}
	}
	for i := range f.convs {
		if f.convs[i].ID == conversationID {
			f.convs[i].UnreadCount = 0
		}
	}
	return n, nil
}

func (f *fakeAPI) counts() (create, send, fetchMsgs, fetchConvs int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCalls, f.sendCalls, f.fetchMsgCalls, f.fetchConvCalls
}

func (f *fakeAPI) messages(convID string) []domain.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Message{}, f.msgs[convID]...)
}

func (f *fakeAPI) conversationCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.convs)
}
