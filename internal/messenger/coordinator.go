// Package messenger holds the client-side coordinator of a messaging view:
// it resolves or creates the conversation with a counterparty at most once,
// delivers messages, and keeps the conversation and message lists converged
// with the server by refetching whenever a push event says they changed.
package messenger

import (
	"context"
	"errors"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/tbourn/go-marketplace-messaging/internal/apierr"
	"github.com/tbourn/go-marketplace-messaging/internal/client"
	"github.com/tbourn/go-marketplace-messaging/internal/domain"
	"github.com/tbourn/go-marketplace-messaging/internal/retry"
)

// DefaultRefreshDelay gives the server time to propagate a new conversation
// before the list is refetched.
const DefaultRefreshDelay = 500 * time.Millisecond

var (
	// ErrSendInProgress rejects a send while the previous one is unanswered.
	ErrSendInProgress = errors.New("messenger: a message is already being sent")
	// ErrCreationPending is returned to a caller that stopped waiting while
	// the conversation it needs is still being created.
	ErrCreationPending = errors.New("messenger: conversation is still being created")
	// ErrNoTarget means neither a conversation nor a counterparty is selected.
	ErrNoTarget = errors.New("messenger: no conversation selected")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("messenger: coordinator closed")
)

// API is the server surface the coordinator depends on.
type API interface {
	CreateConversation(ctx context.Context, counterpartyID, text string) (client.CreateConversationResponse, error)
	SendMessage(ctx context.Context, req client.SendMessageRequest) (client.SendMessageResponse, error)
	FetchMessages(ctx context.Context, conversationID string) ([]domain.Message, error)
	FetchConversations(ctx context.Context) ([]domain.ConversationSummary, error)
	MarkRead(ctx context.Context, conversationID string) (int64, error)
}

// Options configures a Coordinator.
type Options struct {
	SelfID string
	API    API
	Clock  clockwork.Clock
	Logger zerolog.Logger

	// Retry bounds conversation creation under rate limiting.
	Retry retry.Policy
	// RefreshDelay postpones the list refresh after a create or send.
	RefreshDelay time.Duration

	// OnChange receives a snapshot after every state change. It runs on the
	// goroutine that made the change and must not call back into mutating
	// methods synchronously.
	OnChange func(State)
}

// Coordinator owns the messaging view state. All methods are safe for
// concurrent use.
type Coordinator struct {
	self     string
	api      API
	clock    clockwork.Clock
	log      zerolog.Logger
	retrier  *retry.Retrier
	delay    time.Duration
	onChange func(State)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	group  singleflight.Group

	mu       sync.Mutex
	st       State
	closed   bool
	creating map[string]struct{}
	refresh  clockwork.Timer
	msgGen   uint64
	convGen  uint64
	tokens   uint64

	joined func(counterparty string) // test hook: a caller joined an in-flight creation
}

// New builds a Coordinator. Call Close to release its timers and goroutines.
func New(opts Options) *Coordinator {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	delay := opts.RefreshDelay
	if delay <= 0 {
		delay = DefaultRefreshDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		self:     opts.SelfID,
		api:      opts.API,
		clock:    clock,
		log:      opts.Logger,
		retrier:  &retry.Retrier{Policy: opts.Retry, Clock: clock, Logger: opts.Logger},
		delay:    delay,
		onChange: opts.OnChange,
		ctx:      ctx,
		cancel:   cancel,
		creating: make(map[string]struct{}),
	}
}

// Snapshot returns a copy of the current state.
func (c *Coordinator) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Coordinator) snapshotLocked() State {
	s := c.st.clone()
	s.Creating = make([]string, 0, len(c.creating))
	for k := range c.creating {
		s.Creating = append(s.Creating, k)
	}
	sort.Strings(s.Creating)
	return s
}

// publishLocked stamps the next version on the state and returns the
// snapshot to hand to onChange once the lock is released.
func (c *Coordinator) publishLocked() State {
	c.st.Version++
	return c.snapshotLocked()
}

// update applies fn under the lock and publishes the result. It reports
// false, without applying fn, once the coordinator is closed.
func (c *Coordinator) update(fn func(s *State)) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	fn(&c.st)
	snap := c.publishLocked()
	c.mu.Unlock()

	if c.onChange != nil {
		c.onChange(snap)
	}
	return true
}

// bind derives a context that also ends when the coordinator closes.
func (c *Coordinator) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// spawn runs fn on a goroutine joined by Close. It does nothing once closed.
func (c *Coordinator) spawn(fn func()) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		fn()
	}()
	return true
}

// SetDraft records the text being composed.
func (c *Coordinator) SetDraft(text string) {
	c.update(func(s *State) { s.Draft = text })
}

// Close cancels pending timers, in-flight creations and refetches, and waits
// for the coordinator's goroutines to finish. No state change is published
// afterwards.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	t := c.refresh
	c.refresh = nil
	c.mu.Unlock()

	if t != nil {
		t.Stop()
	}
	c.cancel()
	c.wg.Wait()
}

// scheduleRefresh (re)arms the delayed conversation-list refresh.
func (c *Coordinator) scheduleRefresh() {
	t := c.clock.AfterFunc(c.delay, func() {
		c.spawn(func() { _ = c.LoadConversations(c.ctx) })
	})

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		t.Stop()
		return
	}
	old := c.refresh
	c.refresh = t
	c.mu.Unlock()

	if old != nil {
		old.Stop()
	}
}

// LoadConversations replaces the conversation list with the server's.
func (c *Coordinator) LoadConversations(ctx context.Context) error {
	ctx, done := c.bind(ctx)
	defer done()

	var gen uint64
	if !c.update(func(s *State) {
		c.convGen++
		gen = c.convGen
		s.LoadingConversations = true
	}) {
		return ErrClosed
	}

	list, err := c.api.FetchConversations(ctx)
	var adopt string
	c.update(func(s *State) {
		if gen != c.convGen {
			return
		}
		s.LoadingConversations = false
		if err != nil {
			return
		}
		s.Conversations = list
		if s.SelectedID == "" && s.Counterparty != "" {
			if conv, ok := s.ConversationWith(c.self, s.Counterparty); ok {
				s.SelectedID = conv.ID
				adopt = conv.ID
			}
		}
	})
	if err != nil {
		c.fail(err, "Could not load conversations.")
		return err
	}
	if adopt != "" {
		c.spawn(func() { _ = c.loadMessages(c.ctx, adopt) })
	}
	return nil
}

// SelectConversation opens a conversation and loads its messages.
func (c *Coordinator) SelectConversation(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrNoTarget
	}
	if !c.update(func(s *State) {
		if s.SelectedID != id {
			s.Messages = nil
		}
		s.SelectedID = id
		s.Counterparty = ""
		if conv, ok := s.Conversation(id); ok {
			s.Counterparty = conv.Counterparty(c.self)
		}
		s.Error = ""
	}) {
		return ErrClosed
	}
	return c.loadMessages(ctx, id)
}

// OpenCounterparty opens the conversation with counterparty if one is known
// locally. Otherwise the counterparty is remembered and the conversation is
// created by the first send.
func (c *Coordinator) OpenCounterparty(ctx context.Context, counterparty string) error {
	counterparty = strings.TrimSpace(counterparty)
	if counterparty == "" {
		return ErrNoTarget
	}
	var existing string
	if !c.update(func(s *State) {
		if conv, ok := s.ConversationWith(c.self, counterparty); ok {
			existing = conv.ID
			return
		}
		s.SelectedID = ""
		s.Messages = nil
		s.Counterparty = counterparty
	}) {
		return ErrClosed
	}
	if existing != "" {
		return c.SelectConversation(ctx, existing)
	}
	return nil
}

// loadMessages replaces the message list of conversation id. Results for a
// conversation that is no longer open, or superseded by a newer load, are
// discarded.
func (c *Coordinator) loadMessages(ctx context.Context, id string) error {
	ctx, done := c.bind(ctx)
	defer done()

	var gen uint64
	if !c.update(func(s *State) {
		c.msgGen++
		gen = c.msgGen
		s.LoadingMessages = true
	}) {
		return ErrClosed
	}

	msgs, err := c.api.FetchMessages(ctx, id)
	unread := false
	c.update(func(s *State) {
		if gen != c.msgGen {
			return
		}
		s.LoadingMessages = false
		if err != nil || s.SelectedID != id {
			return
		}
		s.Messages = msgs
		for _, m := range msgs {
			if m.ReceiverID == c.self && !m.Read {
				unread = true
				break
			}
		}
	})
	if err != nil {
		c.fail(err, "Could not load messages.")
		return err
	}
	if unread {
		c.spawn(func() { c.markRead(id) })
	}
	return nil
}

// MarkRead acknowledges the unread messages of the open conversation and
// refreshes the conversation list when anything changed.
func (c *Coordinator) MarkRead(ctx context.Context) error {
	id := c.Snapshot().SelectedID
	if id == "" {
		return ErrNoTarget
	}
	ctx, done := c.bind(ctx)
	defer done()

	n, err := c.api.MarkRead(ctx, id)
	if err != nil {
		c.fail(err, "Could not mark the conversation read.")
		return err
	}
	if n > 0 {
		return c.LoadConversations(ctx)
	}
	return nil
}

func (c *Coordinator) markRead(id string) {
	n, err := c.api.MarkRead(c.ctx, id)
	if err != nil {
		c.log.Debug().Err(err).Str("conversation_id", id).Msg("mark_read_failed")
		return
	}
	if n > 0 {
		_ = c.LoadConversations(c.ctx)
	}
}

// fail surfaces err as an error notice.
func (c *Coordinator) fail(err error, fallback string) {
	if errors.Is(err, context.Canceled) {
		return
	}
	msg := fallback
	if errors.Is(err, ErrCreationPending) {
		msg = "The conversation is still being created, please wait."
	} else if !errors.Is(err, ErrSendInProgress) {
		msg = apierr.UserMessage(err, fallback)
	}
	c.log.Debug().Err(err).Msg("messenger_error")
	c.update(func(s *State) {
		s.Error = msg
		if n := len(s.Notices); n > 0 && s.Notices[n-1].Level == NoticeError && s.Notices[n-1].Text == msg {
			return
		}
		s.Notices = append(s.Notices, Notice{ID: uuid.NewString(), Level: NoticeError, Text: msg})
	})
}

// DismissNotice removes a notice.
func (c *Coordinator) DismissNotice(id string) {
	c.update(func(s *State) {
		s.Notices = slices.DeleteFunc(s.Notices, func(n Notice) bool { return n.ID == id })
	})
}

// ActivateNotice removes a notice and opens the conversation it refers to.
func (c *Coordinator) ActivateNotice(ctx context.Context, id string) error {
	var target string
	c.update(func(s *State) {
		for _, n := range s.Notices {
			if n.ID == id {
				target = n.ConversationID
			}
		}
		s.Notices = slices.DeleteFunc(s.Notices, func(n Notice) bool { return n.ID == id })
	})
	if target == "" {
		return nil
	}
	return c.SelectConversation(ctx, target)
}
