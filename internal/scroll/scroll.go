// Package scroll decides when a message list should jump to its newest
// message. It knows nothing about rendering: callers report the viewport as
// it was before each update and supply the function that performs the scroll.
package scroll

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultThreshold is how close to the bottom, in pixels or lines, still
// counts as "at the bottom".
const DefaultThreshold = 150

// DefaultSettleDelays re-scroll after a conversation opens so late layout
// (images, wrapped lines) does not leave the view short of the bottom.
var DefaultSettleDelays = []time.Duration{50 * time.Millisecond, 200 * time.Millisecond, 500 * time.Millisecond}

// Viewport is a scroll position snapshot.
type Viewport struct {
	ScrollTop    float64
	ScrollHeight float64
	ClientHeight float64
}

// DistanceFromBottom is how far the visible window ends above the content end.
func (v Viewport) DistanceFromBottom() float64 {
	d := v.ScrollHeight - v.ScrollTop - v.ClientHeight
	if d < 0 {
		return 0
	}
	return d
}

// Update describes one message list change.
type Update struct {
	ConversationID string
	Loading        bool
	Sending        bool
	Before         Viewport // position before the new content was laid out
}

// Decision is what Observe did.
type Decision int

const (
	Stay   Decision = iota // left the position alone
	Follow                 // scrolled once, the user was near the bottom
	Settle                 // scrolled and scheduled the settle retries
)

func (d Decision) String() string {
	switch d {
	case Follow:
		return "follow"
	case Settle:
		return "settle"
	}
	return "stay"
}

// Machine tracks the open conversation and its loading state across updates.
type Machine struct {
	Threshold      float64
	Delays         []time.Duration
	Clock          clockwork.Clock
	ScrollToBottom func()

	mu      sync.Mutex
	conv    string
	loading bool
	opened  bool
	pending []clockwork.Timer
}

// New returns a machine with the default threshold and settle delays.
func New(clock clockwork.Clock, scrollToBottom func()) *Machine {
	return &Machine{
		Threshold:      DefaultThreshold,
		Delays:         DefaultSettleDelays,
		Clock:          clock,
		ScrollToBottom: scrollToBottom,
	}
}

// Observe applies one update.
func (m *Machine) Observe(u Update) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	if u.ConversationID != m.conv {
		m.cancelLocked()
		m.conv = u.ConversationID
		m.opened = false
		m.loading = u.Loading
	}
	if u.ConversationID == "" {
		return Stay
	}

	finishedLoading := m.loading && !u.Loading
	m.loading = u.Loading
	if u.Loading {
		return Stay
	}

	if !m.opened || finishedLoading {
		m.opened = true
		m.cancelLocked()
		m.scroll()
		m.scheduleLocked()
		return Settle
	}

	if u.Sending {
		return Stay
	}
	if u.Before.DistanceFromBottom() <= m.threshold() {
		m.scroll()
		return Follow
	}
	return Stay
}

// Cancel stops pending settle scrolls, e.g. when the view is torn down.
func (m *Machine) Cancel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelLocked()
}

func (m *Machine) threshold() float64 {
	if m.Threshold < 0 {
		return 0
	}
	return m.Threshold
}

func (m *Machine) scroll() {
	if m.ScrollToBottom != nil {
		m.ScrollToBottom()
	}
}

func (m *Machine) scheduleLocked() {
	clock := m.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	for _, d := range m.Delays {
		m.pending = append(m.pending, clock.AfterFunc(d, m.scroll))
	}
}

func (m *Machine) cancelLocked() {
	for _, t := range m.pending {
		t.Stop()
	}
	m.pending = nil
}
