// Package client talks to the chat HTTP API and keeps a local view of one
// conversation in sync with the server while replies stream in.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	chatv1 "github.com/hrygo/casechat/api/chat/v1"
	"github.com/hrygo/casechat/plugin/chatstream"
)

// APIError is a non-2xx response of the chat API.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("chat api: status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("chat api: %s: %s", e.Code, e.Message)
}

// IsAPIErrorCode reports whether err is an APIError carrying code.
func IsAPIErrorCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

type Client struct {
	baseURL     string
	token       string
	httpClient  *http.Client
	idleTimeout time.Duration
}

type Option func(*Client)

// WithHTTPClient replaces http.DefaultClient. Its Timeout must be zero or longer than any reply.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) { c.httpClient = httpClient }
}

// WithIdleTimeout bounds the silence tolerated on a reply stream.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *Client) { c.idleTimeout = d }
}

// New returns a client for the API rooted at baseURL, authenticating with token.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		token:       token,
		httpClient:  http.DefaultClient,
		idleTimeout: chatstream.DefaultIdleTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) ListConversations(ctx context.Context) ([]*chatv1.Conversation, error) {
	var response chatv1.ListConversationsResponse
	if err := c.do(ctx, http.MethodGet, "/api/chat/conversations", nil, &response); err != nil {
		return nil, err
	}
	return response.Conversations, nil
}

func (c *Client) CreateConversation(ctx context.Context, title string) (*chatv1.Conversation, error) {
	var conversation chatv1.Conversation
	if err := c.do(ctx, http.MethodPost, "/api/chat/conversations", chatv1.CreateConversationRequest{Title: title}, &conversation); err != nil {
		return nil, err
	}
	return &conversation, nil
}

func (c *Client) RenameConversation(ctx context.Context, conversationID, title string) (*chatv1.Conversation, error) {
	var conversation chatv1.Conversation
	if err := c.do(ctx, http.MethodPatch, conversationPath(conversationID), chatv1.UpdateConversationRequest{Title: title}, &conversation); err != nil {
		return nil, err
	}
	return &conversation, nil
}

func (c *Client) DeleteConversation(ctx context.Context, conversationID string) error {
	return c.do(ctx, http.MethodDelete, conversationPath(conversationID), nil, nil)
}

// ListMessages returns the persisted messages of a conversation, oldest first.
func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]*chatv1.Message, error) {
	var response chatv1.ListMessagesResponse
	if err := c.do(ctx, http.MethodGet, conversationPath(conversationID)+"/messages", nil, &response); err != nil {
		return nil, err
	}
	return response.Messages, nil
}

// SendMessage submits content and reads the reply stream into acc. onSnapshot, if
// set, observes every accumulator change.
//
// A rejection before the stream starts is returned as an *APIError and leaves acc
// untouched. Once the stream starts, the returned snapshot is terminal: Completed
// with the reply text, or Failed with the reason.
func (c *Client) SendMessage(ctx context.Context, conversationID, content string, acc *chatstream.Accumulator, onSnapshot func(chatstream.Snapshot)) (chatstream.Snapshot, error) {
	body, err := json.Marshal(chatv1.SendMessageRequest{Content: content})
	if err != nil {
		return chatstream.Snapshot{}, errors.Wrap(err, "failed to marshal message")
	}
	req, err := c.newRequest(ctx, http.MethodPost, conversationPath(conversationID)+"/messages", bytes.NewReader(body))
	if err != nil {
		return chatstream.Snapshot{}, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return chatstream.Snapshot{}, errors.Wrap(err, "failed to send message")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return chatstream.Snapshot{}, decodeAPIError(resp)
	}
	if mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mediaType != "text/event-stream" {
		return chatstream.Snapshot{}, errors.Errorf("unexpected content type %q", resp.Header.Get("Content-Type"))
	}

	return chatstream.ReadStream(ctx, resp.Body, acc, chatstream.ReadOptions{
		IdleTimeout: c.idleTimeout,
		OnSnapshot:  onSnapshot,
	})
}

// Watch delivers the notices of one conversation to handler until ctx ends, the
// conversation is deleted, or the connection breaks.
func (c *Client) Watch(ctx context.Context, conversationID string, handler func(chatv1.Notice)) error {
	req, err := c.newRequest(ctx, http.MethodGet, conversationPath(conversationID)+"/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "failed to watch conversation")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}

	decoder := chatstream.NewLineDecoder(chatstream.DefaultMaxLineSize)
	buf := make([]byte, 4096)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			lines, err := decoder.Feed(buf[:n])
			if err != nil {
				return err
			}
			for _, line := range lines {
				payload, ok := chatstream.DataPayload(line)
				if !ok {
					continue
				}
				var notice chatv1.Notice
				if err := json.Unmarshal([]byte(payload), &notice); err != nil {
					continue
				}
				handler(notice)
			}
		}
		if readErr != nil {
			if ctx.Err() != nil || errors.Is(readErr, io.EOF) {
				return nil
			}
			return errors.Wrap(readErr, "notice stream interrupted")
		}
	}
}

func conversationPath(conversationID string) string {
	return "/api/chat/conversations/" + url.PathEscape(conversationID)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "failed to marshal request")
		}
		body = bytes.NewReader(payload)
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "failed to decode response")
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body chatv1.ErrorResponse
	if err := json.Unmarshal(raw, &body); err == nil && body.Code != "" {
		apiErr.Code = body.Code
		apiErr.Message = body.Message
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(string(raw))
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}
