// Command messenger is a line-oriented chat client for the messaging API.
// It keeps the conversation list and the open conversation in sync with the
// server over REST and the WebSocket push channel.
//
// Anything typed that is not a command is sent to the open conversation.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/tbourn/go-marketplace-messaging/internal/client"
	"github.com/tbourn/go-marketplace-messaging/internal/config"
	"github.com/tbourn/go-marketplace-messaging/internal/messenger"
	"github.com/tbourn/go-marketplace-messaging/internal/observability"
	"github.com/tbourn/go-marketplace-messaging/internal/realtime"
	"github.com/tbourn/go-marketplace-messaging/internal/retry"
	"github.com/tbourn/go-marketplace-messaging/internal/sysutil"
)

const help = `commands:
  /list                show conversations
  /open <id>           open a conversation
  /with <user> [text]  open the conversation with a user, starting it with text
  /read                mark the open conversation read
  /go <n>              open the conversation of notice n
  /dismiss <n>         dismiss notice n
  /up, /down           scroll the open conversation
  /help                this text
  /quit                exit
`

var version = "dev"

var usage = map[string]string{
	"open": "open <id>",
	"with": "with <user> [text]",
	"read": "read (with a conversation open)",
}

// linePixels converts the pixel-based scroll threshold to terminal lines.
const linePixels = 20

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadClient()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}

	var (
		to   = flag.String("to", "", "open the conversation with this user on start")
		user = flag.String("user", cfg.UserID, "your user id")
		api  = flag.String("api", cfg.APIURL, "API base URL")
		ws   = flag.String("ws", "", "push URL (derived from -api when empty)")
		rows = flag.Int("rows", 20, "visible message lines")
	)
	flag.Parse()

	cfg.UserID = strings.TrimSpace(*user)
	if a := strings.TrimRight(*api, "/"); a != cfg.APIURL {
		cfg.APIURL = a
		cfg.WSURL = config.DeriveWSURL(a)
	}
	cfg.WSURL = sysutil.FirstNonEmpty(*ws, cfg.WSURL)
	if cfg.UserID == "" {
		fmt.Fprintln(os.Stderr, "a user id is required (-user or MESSENGER_USER_ID)")
		os.Exit(2)
	}

	logger := sysutil.ConfigureLogger(observability.ComponentMessenger, cfg.LogLevel, cfg.LogPretty, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version, observability.ComponentMessenger)
	if err != nil {
		logger.Warn().Err(err).Msg("tracing disabled")
		shutdownOTel = func(context.Context) error { return nil }
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = shutdownOTel(sctx)
	}()

	if err := run(ctx, cfg, *to, *rows, os.Stdin, os.Stdout, logger); err != nil {
		logger.Error().Err(err).Msg("messenger stopped")
		stop()
		os.Exit(1)
	}
}

// retryWaits lists the waits between attempts when the server sends no
// Retry-After.
func retryWaits(p retry.Policy) []time.Duration {
	return p.Delays(make([]time.Duration, max(p.MaxRetries-1, 0))...)
}

func run(ctx context.Context, cfg config.Client, to string, rows int, in io.Reader, out io.Writer, logger zerolog.Logger) error {
	clock := clockwork.NewRealClock()
	v := newView(out, cfg.UserID, rows, clock, cfg.ScrollThreshold/linePixels)
	defer v.Close()

	policy := retry.Policy{
		MaxRetries:    cfg.MaxRetries,
		BaseDelay:     cfg.BaseDelay,
		MaxDelay:      cfg.MaxDelay,
		MaxRetryAfter: cfg.MaxRetryAfter,
	}
	logger.Debug().
		Int("max_attempts", cfg.MaxRetries).
		Durs("waits", retryWaits(policy)).
		Msg("create retry schedule")

	coord := messenger.New(messenger.Options{
		SelfID:       cfg.UserID,
		API:          client.New(cfg.APIURL, cfg.Token, cfg.UserID, cfg.Timeout),
		Clock:        clock,
		Logger:       logger,
		Retry:        policy,
		RefreshDelay: cfg.RefreshDelay,
		OnChange:     v.Update,
	})
	defer coord.Close()

	bus := realtime.NewBus()
	unmount := coord.Listen(bus)
	defer unmount()
	logger.Debug().
		Int("message_handlers", bus.Handlers(realtime.KindNewMessage)).
		Int("notification_handlers", bus.Handlers(realtime.KindNewNotification)).
		Msg("listener mounted")

	pushCtx, cancelPush := context.WithCancel(ctx)
	defer cancelPush()
	push := &realtime.Client{
		URL:    cfg.WSURL,
		Header: pushHeader(cfg),
		Bus:    bus,
		Logger: logger,
		Clock:  clock,
		OnState: func(connected bool) {
			logger.Info().Bool("connected", connected).Str("url", cfg.WSURL).Msg("push channel")
		},
	}
	go func() { _ = push.Run(pushCtx) }()

	if err := coord.LoadConversations(ctx); err != nil {
		logger.Warn().Err(err).Msg("initial conversation load failed")
	}
	if to != "" {
		if err := coord.OpenCounterparty(ctx, to); err != nil {
			logger.Warn().Err(err).Str("to", to).Msg("open counterparty")
		}
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleLine(ctx, coord, v, out, cfg.UserID, line); quit {
				return nil
			}
		}
	}
}

func pushHeader(cfg config.Client) http.Header {
	h := http.Header{}
	if cfg.Token != "" {
		h.Set("Authorization", "Bearer "+cfg.Token)
	} else {
		h.Set("X-User-ID", cfg.UserID)
	}
	return h
}

// parseCommand splits "/cmd arg" input. Plain text yields an empty command.
func parseCommand(line string) (cmd, arg string) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return "", line
	}
	cmd, arg, _ = strings.Cut(line[1:], " ")
	return strings.ToLower(cmd), strings.TrimSpace(arg)
}

// splitTarget splits "<user> [text]".
func splitTarget(arg string) (user, text string) {
	user, text, _ = strings.Cut(strings.TrimSpace(arg), " ")
	return user, strings.TrimSpace(text)
}

// noticeID maps a 1-based notice position to its id.
func noticeID(st messenger.State, arg string) (string, bool) {
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 || n > len(st.Notices) {
		return "", false
	}
	return st.Notices[n-1].ID, true
}

// handleLine executes one input line and reports whether to quit.
func handleLine(ctx context.Context, coord *messenger.Coordinator, v *view, out io.Writer, self, line string) bool {
	cmd, arg := parseCommand(line)
	var err error
	switch cmd {
	case "":
		if arg == "" {
			return false
		}
		err = coord.SendMessage(ctx, arg)
	case "quit", "q", "exit":
		return true
	case "help", "?":
		_, _ = io.WriteString(out, help)
	case "list", "ls":
		if err = coord.LoadConversations(ctx); err == nil {
			_, _ = io.WriteString(out, listing(self, coord.Snapshot()))
		}
	case "open":
		err = coord.SelectConversation(ctx, arg)
	case "with":
		user, text := splitTarget(arg)
		if text == "" {
			err = coord.OpenCounterparty(ctx, user)
		} else {
			_, err = coord.StartConversationWith(ctx, user, text)
		}
	case "read":
		err = coord.MarkRead(ctx)
	case "go", "dismiss":
		id, ok := noticeID(coord.Snapshot(), arg)
		if !ok {
			fmt.Fprintf(out, "no notice %q\n", arg)
			return false
		}
		if cmd == "dismiss" {
			coord.DismissNotice(id)
		} else {
			err = coord.ActivateNotice(ctx, id)
		}
	case "up":
		v.Scroll(-v.Page())
	case "down":
		v.Scroll(v.Page())
	default:
		fmt.Fprintf(out, "unknown command /%s (try /help)\n", cmd)
	}

	// Everything else is surfaced through the state's Error field.
	if errors.Is(err, messenger.ErrNoTarget) && cmd != "" {
		fmt.Fprintf(out, "usage: /%s\n", usage[cmd])
	}
	return false
}
