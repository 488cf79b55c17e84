package messenger

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbourn/go-marketplace-messaging/internal/apierr"
	"github.com/tbourn/go-marketplace-messaging/internal/retry"
)

const waitFor = 2 * time.Second

type harness struct {
	c       *Coordinator
	api     *fakeAPI
	joins   atomic.Int32
	changes atomic.Int32
}

func newHarness(t *testing.T, clock clockwork.Clock) *harness {
	t.Helper()
	h := &harness{api: newFakeAPI("alice")}
	h.c = New(Options{
		SelfID:   "alice",
		API:      h.api,
		Clock:    clock,
		Logger:   zerolog.Nop(),
		Retry:    retry.Policy{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second},
		OnChange: func(State) { h.changes.Add(1) },
	})
	h.c.joined = func(string) { h.joins.Add(1) }
	t.Cleanup(h.c.Close)
	return h
}

func (h *harness) waitCreateStarted(t *testing.T) {
	t.Helper()
	select {
	case <-h.api.createStarted:
	case <-time.After(waitFor):
		t.Fatal("create was not called")
	}
}

func (h *harness) waitJoins(t *testing.T, n int32) {
	t.Helper()
	require.Eventually(t, func() bool { return h.joins.Load() == n }, waitFor, time.Millisecond)
}

type startResult struct {
	id  string
	err error
}

func (h *harness) startAsync(ctx context.Context, counterparty, text string) <-chan startResult {
	ch := make(chan startResult, 1)
	go func() {
		id, err := h.c.StartConversationWith(ctx, counterparty, text)
		ch <- startResult{id, err}
	}()
	return ch
}

func (h *harness) sendAsync(ctx context.Context, text string) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- h.c.SendMessage(ctx, text) }()
	return ch
}

func TestStartConversationWith_ConcurrentCallersShareOneCreate(t *testing.T) {
	h := newHarness(t, clockwork.NewFakeClock())
	h.api.createGate = make(chan struct{})
	ctx := context.Background()

	const n = 5
	results := make([]startResult, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := h.c.StartConversationWith(ctx, "bob", "")
			results[i] = startResult{id, err}
		}(i)
	}

	h.waitCreateStarted(t)
	h.waitJoins(t, n-1)
	assert.Equal(t, []string{"bob"}, h.c.Snapshot().Creating)

	close(h.api.createGate)
	wg.Wait()

	for _, r := range results {
		require.NoError(t, r.err)
		assert.Equal(t, results[0].id, r.id)
	}
	create, _, _, _ := h.api.counts()
	assert.Equal(t, 1, create)
	assert.Equal(t, 1, h.api.conversationCount())
	assert.Empty(t, h.c.Snapshot().Creating)
}

func TestStartConversationWith_DifferentCounterpartiesAreIndependent(t *testing.T) {
	h := newHarness(t, clockwork.NewFakeClock())
	ctx := context.Background()

	a := h.startAsync(ctx, "bob", "")
	b := h.startAsync(ctx, "carol", "")
	ra, rb := <-a, <-b
	require.NoError(t, ra.err)
	require.NoError(t, rb.err)
	assert.NotEqual(t, ra.id, rb.id)

	create, _, _, _ := h.api.counts()
	assert.Equal(t, 2, create)
	assert.Zero(t, h.joins.Load())
}

func TestStartConversationWith_ExistingConversationShortCircuits(t *testing.T) {
	h := newHarness(t, clockwork.NewFakeClock())
	ctx := context.Background()
	existing := h.api.seed("bob")
	require.NoError(t, h.c.LoadConversations(ctx))

	id, err := h.c.StartConversationWith(ctx, "bob", "")
	require.NoError(t, err)
	assert.Equal(t, existing, id)

	create, _, _, _ := h.api.counts()
	assert.Zero(t, create)
	assert.Equal(t, existing, h.c.Snapshot().SelectedID)
}

// A send from the auto-opened provider page races a background open of the
// same provider: one conversation, one "Hello", both paths agree on the id.
func TestHelloConvergence_SendLeads(t *testing.T) {
	h := newHarness(t, clockwork.NewFakeClock())
	h.api.createGate = make(chan struct{})
	ctx := context.Background()

	require.NoError(t, h.c.OpenCounterparty(ctx, "bob"))
	snap := h.c.Snapshot()
	assert.Equal(t, "bob", snap.Counterparty)
	assert.Empty(t, snap.SelectedID)

	sent := h.sendAsync(ctx, "Hello")
	h.waitCreateStarted(t)
	started := h.startAsync(ctx, "bob", "")
	h.waitJoins(t, 1)
	close(h.api.createGate)

	require.NoError(t, <-sent)
	r := <-started
	require.NoError(t, r.err)

	create, send, _, _ := h.api.counts()
	assert.Equal(t, 1, create)
	assert.Equal(t, 0, send)
	assert.Equal(t, 1, h.api.conversationCount())
	msgs := h.api.messages(r.id)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Hello", msgs[0].Text)

	snap = h.c.Snapshot()
	assert.Equal(t, r.id, snap.SelectedID)
	assert.Empty(t, snap.Draft)
	require.Len(t, snap.Messages, 1)
}

func TestHelloConvergence_BackgroundOpenLeads(t *testing.T) {
	h := newHarness(t, clockwork.NewFakeClock())
	h.api.createGate = make(chan struct{})
	ctx := context.Background()

	require.NoError(t, h.c.OpenCounterparty(ctx, "bob"))
	started := h.startAsync(ctx, "bob", "")
	h.waitCreateStarted(t)
	sent := h.sendAsync(ctx, "Hello")
	h.waitJoins(t, 1)
	close(h.api.createGate)

	r := <-started
	require.NoError(t, r.err)
	require.NoError(t, <-sent)

	create, send, _, _ := h.api.counts()
	assert.Equal(t, 1, create)
	assert.Equal(t, 1, send)
	msgs := h.api.messages(r.id)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Hello", msgs[0].Text)
	assert.Equal(t, r.id, h.c.Snapshot().SelectedID)
}

// create answers 429 with Retry-After 2s twice, then succeeds.
func TestStartConversationWith_RetriesRateLimit(t *testing.T) {
	clock := clockwork.NewFakeClock()
	h := newHarness(t, clock)
	h.api.createErrs = []error{apierr.NewRateLimited(2 * time.Second), apierr.NewRateLimited(2 * time.Second)}
	begin := clock.Now()

	res := h.startAsync(context.Background(), "bob", "hi")
	for i := 0; i < 2; i++ {
		clock.BlockUntil(1)
		clock.Advance(2 * time.Second)
	}

	r := <-res
	require.NoError(t, r.err)
	create, _, _, _ := h.api.counts()
	assert.Equal(t, 3, create)
	assert.GreaterOrEqual(t, clock.Since(begin), 4*time.Second)
	require.Len(t, h.api.messages(r.id), 1)
}

func TestStartConversationWith_GivesUpAfterMaxRetries(t *testing.T) {
	clock := clockwork.NewFakeClock()
	h := newHarness(t, clock)
	h.api.createErrs = []error{apierr.NewRateLimited(0), apierr.NewRateLimited(0), apierr.NewRateLimited(0)}

	res := h.startAsync(context.Background(), "bob", "")
	clock.BlockUntil(1)
	clock.Advance(time.Second)
	clock.BlockUntil(1)
	clock.Advance(2 * time.Second)

	r := <-res
	require.Error(t, r.err)
	assert.True(t, apierr.IsRateLimited(r.err))
	create, _, _, _ := h.api.counts()
	assert.Equal(t, 3, create)

	snap := h.c.Snapshot()
	assert.Contains(t, snap.Error, "Too many requests")
	assert.Empty(t, snap.Creating)
	assert.Empty(t, snap.SelectedID)

	// The marker was cleared, so a manual retry goes through.
	id, err := h.c.StartConversationWith(context.Background(), "bob", "")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	create, _, _, _ = h.api.counts()
	assert.Equal(t, 4, create)
}

func TestClose_CancelsPendingRetryWithoutFurtherMutation(t *testing.T) {
	clock := clockwork.NewFakeClock()
	h := newHarness(t, clock)
	h.api.createErrs = []error{apierr.NewRateLimited(5 * time.Second)}

	res := h.startAsync(context.Background(), "bob", "")
	clock.BlockUntil(1)
	// the only change so far is the creation marker
	require.Eventually(t, func() bool { return h.changes.Load() == 1 }, waitFor, time.Millisecond)
	before := h.changes.Load()

	h.c.Close()
	r := <-res
	assert.Error(t, r.err)

	clock.Advance(time.Minute)
	create, _, _, _ := h.api.counts()
	assert.Equal(t, 1, create)
	assert.Equal(t, before, h.changes.Load())
	assert.ErrorIs(t, h.c.SendMessage(context.Background(), "late"), ErrClosed)
}

func TestRefreshIsScheduledAfterCreateAndStoppedByClose(t *testing.T) {
	clock := clockwork.NewFakeClock()
	h := newHarness(t, clock)

	_, err := h.c.StartConversationWith(context.Background(), "bob", "")
	require.NoError(t, err)
	_, _, _, convs := h.api.counts()

	clock.BlockUntil(1)
	clock.Advance(DefaultRefreshDelay)
	require.Eventually(t, func() bool {
		_, _, _, n := h.api.counts()
		return n == convs+1
	}, waitFor, time.Millisecond)

	_, err = h.c.StartConversationWith(context.Background(), "carol", "")
	require.NoError(t, err)
	clock.BlockUntil(1)
	h.c.Close()
	clock.Advance(time.Second)
	time.Sleep(20 * time.Millisecond)
	_, _, _, after := h.api.counts()
	assert.Equal(t, convs+1, after)
}

func TestSendMessage_AdoptsServerConversationID(t *testing.T) {
	h := newHarness(t, clockwork.NewFakeClock())
	ctx := context.Background()
	local := h.api.seed("bob")
	server := h.api.seed("zed")
	h.api.sendOverride = server
	require.NoError(t, h.c.LoadConversations(ctx))
	require.NoError(t, h.c.SelectConversation(ctx, local))

	require.NoError(t, h.c.SendMessage(ctx, "hi"))

	snap := h.c.Snapshot()
	assert.Equal(t, server, snap.SelectedID)
	assert.Empty(t, snap.Draft)
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "hi", snap.Messages[0].Text)
}

func TestSendMessage_FailurePreservesDraft(t *testing.T) {
	h := newHarness(t, clockwork.NewFakeClock())
	ctx := context.Background()
	id := h.api.seed("bob")
	require.NoError(t, h.c.LoadConversations(ctx))
	require.NoError(t, h.c.SelectConversation(ctx, id))
	h.api.sendErr = apierr.NewValidation("message text too long")

	err := h.c.SendMessage(ctx, "a very long draft")
	assert.Equal(t, apierr.Validation, apierr.KindOf(err))

	snap := h.c.Snapshot()
	assert.Equal(t, "a very long draft", snap.Draft)
	assert.Equal(t, "message text too long", snap.Error)
	assert.False(t, snap.Sending)
	require.NotEmpty(t, snap.Notices)
	assert.Equal(t, NoticeError, snap.Notices[len(snap.Notices)-1].Level)
}

func TestSendMessage_RejectsOverlappingSend(t *testing.T) {
	h := newHarness(t, clockwork.NewFakeClock())
	ctx := context.Background()
	id := h.api.seed("bob")
	require.NoError(t, h.c.LoadConversations(ctx))
	require.NoError(t, h.c.SelectConversation(ctx, id))
	h.api.sendGate = make(chan struct{})

	first := h.sendAsync(ctx, "one")
	require.Eventually(t, func() bool {
		_, send, _, _ := h.api.counts()
		return send == 1 && h.c.Snapshot().Sending
	}, waitFor, time.Millisecond)

	assert.ErrorIs(t, h.c.SendMessage(ctx, "two"), ErrSendInProgress)
	close(h.api.sendGate)
	require.NoError(t, <-first)

	msgs := h.api.messages(id)
	require.Len(t, msgs, 1)
	assert.Equal(t, "one", msgs[0].Text)
	assert.False(t, h.c.Snapshot().Sending)
}

func TestSendMessage_ValidationAndTarget(t *testing.T) {
	h := newHarness(t, clockwork.NewFakeClock())
	ctx := context.Background()

	err := h.c.SendMessage(ctx, "   ")
	assert.Equal(t, apierr.Validation, apierr.KindOf(err))
	assert.ErrorIs(t, h.c.SendMessage(ctx, "hi"), ErrNoTarget)

	create, send, _, _ := h.api.counts()
	assert.Zero(t, create)
	assert.Zero(t, send)
	assert.Equal(t, "hi", h.c.Snapshot().Draft)
}

func TestSendMessage_AbandonedWhileCreationPending(t *testing.T) {
	h := newHarness(t, clockwork.NewFakeClock())
	h.api.createGate = make(chan struct{})
	ctx := context.Background()

	require.NoError(t, h.c.OpenCounterparty(ctx, "bob"))
	started := h.startAsync(ctx, "bob", "")
	h.waitCreateStarted(t)

	sendCtx, cancel := context.WithCancel(ctx)
	sent := h.sendAsync(sendCtx, "hi")
	h.waitJoins(t, 1)
	cancel()

	assert.ErrorIs(t, <-sent, ErrCreationPending)
	snap := h.c.Snapshot()
	assert.Equal(t, "hi", snap.Draft)
	assert.Contains(t, snap.Error, "still being created")

	close(h.api.createGate)
	require.NoError(t, (<-started).err)
	_, send, _, _ := h.api.counts()
	assert.Zero(t, send)
}

func TestLoadConversations_IsIdempotent(t *testing.T) {
	h := newHarness(t, clockwork.NewFakeClock())
	ctx := context.Background()
	h.api.seed("bob")
	h.api.seed("carol")

	require.NoError(t, h.c.LoadConversations(ctx))
	first := h.c.Snapshot()
	require.NoError(t, h.c.LoadConversations(ctx))
	second := h.c.Snapshot()

	assert.Equal(t, first.Conversations, second.Conversations)
	assert.Len(t, second.Conversations, 2)
	assert.False(t, second.LoadingConversations)
}

func TestOpenCounterparty_AdoptsConversationOnceListed(t *testing.T) {
	h := newHarness(t, clockwork.NewFakeClock())
	ctx := context.Background()

	require.NoError(t, h.c.OpenCounterparty(ctx, "bob"))
	id := h.api.seed("bob")
	require.NoError(t, h.c.LoadConversations(ctx))

	assert.Equal(t, id, h.c.Snapshot().SelectedID)
}

func TestSelectConversation_MarksInboundRead(t *testing.T) {
	h := newHarness(t, clockwork.NewFakeClock())
	ctx := context.Background()
	id := h.api.seed("bob")
	h.api.deliverInbound(id, "bob", "ping")
	require.NoError(t, h.c.LoadConversations(ctx))
	conv, _ := h.c.Snapshot().Conversation(id)
	assert.Equal(t, 1, conv.UnreadCount)

	require.NoError(t, h.c.SelectConversation(ctx, id))
	require.Eventually(t, func() bool {
		c, ok := h.c.Snapshot().Conversation(id)
		return ok && c.UnreadCount == 0
	}, waitFor, time.Millisecond)
	assert.Equal(t, "bob", h.c.Snapshot().Counterparty)
}

func TestOnChange_VersionsAreUniqueAndIncreasing(t *testing.T) {
	var (
		mu       sync.Mutex
		versions = map[uint64]bool{}
	)
	c := New(Options{
		SelfID: "alice",
		API:    newFakeAPI("alice"),
		Clock:  clockwork.NewFakeClock(),
		Logger: zerolog.Nop(),
		OnChange: func(s State) {
			mu.Lock()
			versions[s.Version] = true
			mu.Unlock()
		},
	})
	t.Cleanup(c.Close)

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				c.SetDraft("typing")
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, versions, writers*25)
	assert.False(t, versions[0])
	assert.Equal(t, uint64(writers*25), c.Snapshot().Version)
	assert.True(t, versions[c.Snapshot().Version])
}
