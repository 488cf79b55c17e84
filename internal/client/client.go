// Package client is the REST transport the messenger coordinator talks to.
// Every non-2xx answer is classified into an *apierr.Error so callers can
// tell a rate limit from a validation failure from a stale reference.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/tbourn/go-marketplace-messaging/internal/apierr"
	"github.com/tbourn/go-marketplace-messaging/internal/domain"
)

const maxErrorBody = 64 << 10

// messagesPageSize is the largest page the server hands out.
const messagesPageSize = 200

// Client calls the messaging API as one user.
type Client struct {
	BaseURL string // e.g. http://localhost:8080/api/v1
	Token   string // bearer JWT; when empty UserID is sent as X-User-ID
	UserID  string
	HTTP    *http.Client

	// Now is used to resolve HTTP-date Retry-After values.
	Now func() time.Time
	// NewKey mints Idempotency-Key values for sends.
	NewKey func() string
}

// New returns a Client with the given timeout.
func New(baseURL, token, userID string, timeout time.Duration) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		UserID:  userID,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// CreateConversationResponse mirrors POST /conversations.
type CreateConversationResponse struct {
	ConversationID string `json:"conversation_id"`
	Created        bool   `json:"created"`
	MessageID      string `json:"message_id,omitempty"`
}

// SendMessageRequest mirrors the POST /messages body.
type SendMessageRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	ReceiverID     string `json:"receiver_id"`
	Text           string `json:"text"`
}

// SendMessageResponse mirrors POST /messages.
type SendMessageResponse struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CreateConversation resolves or creates the conversation with counterpartyID,
// delivering text as its first message when non-empty.
func (c *Client) CreateConversation(ctx context.Context, counterpartyID, text string) (CreateConversationResponse, error) {
	var out CreateConversationResponse
	body := map[string]string{"counterparty_id": counterpartyID}
	if text != "" {
		body["text"] = text
	}
	err := c.do(ctx, http.MethodPost, "/conversations", body, nil, &out)
	return out, err
}

// SendMessage delivers a message. A fresh Idempotency-Key is attached so a
// transport-level resend cannot duplicate it.
func (c *Client) SendMessage(ctx context.Context, req SendMessageRequest) (SendMessageResponse, error) {
	var out SendMessageResponse
	key := uuid.NewString()
	if c.NewKey != nil {
		key = c.NewKey()
	}
	h := http.Header{"Idempotency-Key": []string{key}}
	err := c.do(ctx, http.MethodPost, "/messages", req, h, &out)
	return out, err
}

// FetchMessages returns the full, ordered message list of a conversation,
// walking every page the server reports.
func (c *Client) FetchMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	base := "/conversations/" + url.PathEscape(conversationID) + "/messages?page_size=" + strconv.Itoa(messagesPageSize)
	all := []domain.Message{}
	for page := 1; ; page++ {
		var out struct {
			Messages   []domain.Message `json:"messages"`
			Pagination struct {
				HasNext bool `json:"has_next"`
			} `json:"pagination"`
		}
		if err := c.do(ctx, http.MethodGet, base+"&page="+strconv.Itoa(page), nil, nil, &out); err != nil {
			return nil, err
		}
		all = append(all, out.Messages...)
		if !out.Pagination.HasNext || len(out.Messages) == 0 {
			return all, nil
		}
	}
}

// FetchConversations returns the caller's conversations, most recent first.
func (c *Client) FetchConversations(ctx context.Context) ([]domain.ConversationSummary, error) {
	var out struct {
		Conversations []domain.ConversationSummary `json:"conversations"`
	}
	if err := c.do(ctx, http.MethodGet, "/conversations", nil, nil, &out); err != nil {
		return nil, err
	}
	if out.Conversations == nil {
		out.Conversations = []domain.ConversationSummary{}
	}
	return out.Conversations, nil
}

// MarkRead acknowledges the caller's unread messages in a conversation.
func (c *Client) MarkRead(ctx context.Context, conversationID string) (int64, error) {
	var out struct {
		Updated int64 `json:"updated"`
	}
	err := c.do(ctx, http.MethodPost, "/conversations/"+url.PathEscape(conversationID)+"/read", nil, nil, &out)
	return out.Updated, err
}

func (c *Client) do(ctx context.Context, method, path string, in any, extra http.Header, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	} else if c.UserID != "" {
		req.Header.Set("X-User-ID", c.UserID)
	}
	for k, vs := range extra {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return apierr.NewTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || resp.StatusCode == http.StatusNoContent {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
			return &apierr.Error{Kind: apierr.Server, Status: resp.StatusCode, Message: "malformed response", Err: err}
		}
		return nil
	}
	return c.classify(resp)
}

func (c *Client) classify(resp *http.Response) error {
	var eb errorBody
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_ = json.Unmarshal(raw, &eb)

	e := &apierr.Error{Status: resp.StatusCode, Code: eb.Code, Message: eb.Message}
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		now := time.Now
		if c.Now != nil {
			now = c.Now
		}
		e.Kind = apierr.RateLimited
		e.RetryAfter = ParseRetryAfter(resp.Header.Get("Retry-After"), now())
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		e.Kind = apierr.Validation
	case http.StatusNotFound, http.StatusGone:
		e.Kind = apierr.NotFoundOrStale
	default:
		e.Kind = apierr.Server
		if e.Message == "" {
			e.Message = fmt.Sprintf("unexpected status %d", resp.StatusCode)
		}
	}
	return e
}

// ParseRetryAfter reads a Retry-After value as delta-seconds or an HTTP-date.
// Malformed, zero, negative or past values yield 0 (absent).
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		if secs <= 0 || secs > int64(24*time.Hour/time.Second) {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
