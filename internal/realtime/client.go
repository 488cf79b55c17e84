package realtime

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Client keeps a push connection open to the server and republishes every
// decoded event on Bus. It reconnects with exponential backoff until ctx ends.
type Client struct {
	URL    string
	Header http.Header
	Bus    *Bus
	Logger zerolog.Logger
	Clock  clockwork.Clock
	Dialer *websocket.Dialer

	// NewBackOff builds the reconnect policy; nil uses 500ms doubling up to 30s.
	NewBackOff func() backoff.BackOff

	// OnState, when set, is told about connect and disconnect transitions.
	OnState func(connected bool)
}

func defaultReconnectBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.Multiplier = 2
	b.Reset()
	return b
}

// Run blocks until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	if c.Bus == nil {
		return errors.New("realtime: client has no bus")
	}
	clock := c.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	dialer := c.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	newBackOff := c.NewBackOff
	if newBackOff == nil {
		newBackOff = defaultReconnectBackOff
	}
	bo := newBackOff()

	for {
		ws, _, err := dialer.DialContext(ctx, c.URL, c.Header)
		if err == nil {
			bo.Reset()
			c.setState(true)
			c.Logger.Info().Str("url", c.URL).Msg("ws_connected")
			err = c.readLoop(ctx, ws)
			c.setState(false)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return err
		}
		c.Logger.Warn().Err(err).Dur("retry_in", wait).Msg("ws_disconnected")

		t := clock.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.Chan():
		}
	}
}

func (c *Client) readLoop(ctx context.Context, ws *websocket.Conn) error {
	stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
	defer stop()
	defer ws.Close()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		e, err := Decode(data)
		if err != nil {
			c.Logger.Debug().Err(err).Msg("ws_event_dropped")
			continue
		}
		c.Bus.Publish(e)
	}
}

func (c *Client) setState(connected bool) {
	if c.OnState != nil {
		c.OnState(connected)
	}
}
