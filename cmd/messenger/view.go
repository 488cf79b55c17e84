package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/tbourn/go-marketplace-messaging/internal/messenger"
	"github.com/tbourn/go-marketplace-messaging/internal/scroll"
)

// view renders coordinator snapshots as a fixed-height window over the open
// conversation. Scroll positions are in lines, one message per line.
type view struct {
	out  io.Writer
	self string
	rows int

	machine *scroll.Machine

	mu    sync.Mutex
	st    messenger.State
	top   int
	frame string
}

func newView(out io.Writer, self string, rows int, clock clockwork.Clock, threshold float64) *view {
	if rows < 1 {
		rows = 20
	}
	v := &view{out: out, self: self, rows: rows}
	v.machine = scroll.New(clock, v.scrollToBottom)
	v.machine.Threshold = threshold
	return v
}

// Update is the coordinator's OnChange hook. Snapshots older than the one
// on screen are dropped.
func (v *view) Update(st messenger.State) {
	v.mu.Lock()
	if st.Version < v.st.Version {
		v.mu.Unlock()
		return
	}
	before := v.viewportLocked()
	v.st = st
	v.clampLocked()
	v.mu.Unlock()

	// The machine calls back into scrollToBottom, so it runs unlocked.
	v.machine.Observe(scroll.Update{
		ConversationID: st.SelectedID,
		Loading:        st.LoadingMessages,
		Sending:        st.Sending,
		Before:         before,
	})
	v.render()
}

// Scroll moves the window by delta lines (negative is up).
func (v *view) Scroll(delta int) {
	v.mu.Lock()
	v.top += delta
	v.clampLocked()
	v.mu.Unlock()
	v.render()
}

// Page is the scroll step for /up and /down.
func (v *view) Page() int { return max(1, v.rows-1) }

// Close stops pending settle scrolls.
func (v *view) Close() { v.machine.Cancel() }

func (v *view) scrollToBottom() {
	v.mu.Lock()
	v.top = max(0, len(v.st.Messages)-v.rows)
	v.mu.Unlock()
	v.render()
}

func (v *view) viewportLocked() scroll.Viewport {
	return scroll.Viewport{
		ScrollTop:    float64(v.top),
		ScrollHeight: float64(len(v.st.Messages)),
		ClientHeight: float64(v.rows),
	}
}

func (v *view) clampLocked() {
	v.top = min(v.top, max(0, len(v.st.Messages)-v.rows))
	v.top = max(v.top, 0)
}

// render writes the frame when it differs from the last one written.
func (v *view) render() {
	v.mu.Lock()
	defer v.mu.Unlock()
	f := v.frameLocked()
	if f == v.frame {
		return
	}
	v.frame = f
	_, _ = io.WriteString(v.out, f)
}

func (v *view) frameLocked() string {
	var b strings.Builder
	st := v.st

	switch {
	case st.SelectedID != "":
		fmt.Fprintf(&b, "== %s (%s) ==\n", st.Counterparty, st.SelectedID)
	case st.Counterparty != "":
		fmt.Fprintf(&b, "== %s (new conversation) ==\n", st.Counterparty)
	default:
		b.WriteString("== no conversation open (/list, /with <user>) ==\n")
	}

	if st.LoadingMessages {
		b.WriteString("  loading...\n")
	}
	end := min(len(st.Messages), v.top+v.rows)
	if v.top > 0 {
		fmt.Fprintf(&b, "  ^ %d earlier\n", v.top)
	}
	for _, m := range st.Messages[v.top:end] {
		who := m.SenderID
		if who == v.self {
			who = "you"
		}
		fmt.Fprintf(&b, "  [%s] %s: %s\n", m.CreatedAt.Local().Format("15:04"), who, m.Text)
	}
	if below := len(st.Messages) - end; below > 0 {
		fmt.Fprintf(&b, "  v %d newer\n", below)
	}

	if st.Sending {
		b.WriteString("  sending...\n")
	}
	if st.Error != "" {
		fmt.Fprintf(&b, "! %s\n", st.Error)
	}
	for i, n := range st.Notices {
		fmt.Fprintf(&b, "* [%d] %s\n", i+1, n.Text)
	}
	return b.String()
}

// listing formats the conversation list for /list.
func listing(self string, st messenger.State) string {
	if len(st.Conversations) == 0 {
		return "no conversations yet\n"
	}
	var b strings.Builder
	for _, c := range st.Conversations {
		mark := " "
		if c.ID == st.SelectedID {
			mark = ">"
		}
		last := ""
		if c.LastMessage != nil {
			last = c.LastMessage.Text
		}
		unread := ""
		if c.UnreadCount > 0 {
			unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
		}
		fmt.Fprintf(&b, "%s %s  %s%s  %s\n", mark, c.ID, c.Counterparty(self), unread, last)
	}
	return b.String()
}
