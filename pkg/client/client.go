// Package client talks to a running visqueue API server. *Client implements
// store.Backend, so a visqueue.Client can sit on top of a remote server the
// same way it sits on top of an in-process store.
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
	"strings"
	"time"

	"github.com/aridsondez/visqueue/internal/queue"
	"github.com/aridsondez/visqueue/internal/queue/store"
)

// Ensure *Client implements store.Backend at compile time.
var _ store.Backend = (*Client)(nil)

// Client for the visqueue HTTP API. Durations travel as whole
// milliseconds and are rounded up, so a lease is never shorter than asked.
type Client struct {
	baseURL string
	client  *http.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client (5s timeout).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// NewClient creates a new client for the server at baseURL
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 5 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type message struct {
	ID           string    `json:"id"`
	Content      []byte    `json:"content"`
	InsertedAt   time.Time `json:"inserted_at"`
	VisibleAt    time.Time `json:"visible_at"`
	DequeueCount int       `json:"dequeue_count"`
	Receipt      string    `json:"receipt,omitempty"`
}

func (m message) toMessage() queue.Message {
	content := m.Content
	if content == nil {
		content = []byte{}
	}
	return queue.Message{
		ID:           queue.MessageID(m.ID),
		Content:      content,
		InsertedAt:   m.InsertedAt,
		VisibleAt:    m.VisibleAt,
		DequeueCount: m.DequeueCount,
	}
}

func (c *Client) CreateIfNotExists(ctx context.Context, name string) (queue.Handle, error) {
	if err := queue.ValidateName(name); err != nil {
		return queue.Handle{}, err
	}
	if err := c.do(ctx, http.MethodPut, queuePath(name), nil, nil); err != nil {
		return queue.Handle{}, err
	}
	return queue.Handle{Name: name}, nil
}

func (c *Client) DeleteQueue(ctx context.Context, h queue.Handle) error {
	return c.do(ctx, http.MethodDelete, queuePath(h.Name), nil, nil)
}

func (c *Client) ListQueues(ctx context.Context) ([]string, error) {
	var out struct {
		Queues []string `json:"queues"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/queues", nil, &out); err != nil {
		return nil, err
	}
	return out.Queues, nil
}

func (c *Client) Send(ctx context.Context, h queue.Handle, content []byte, delay time.Duration) (queue.MessageID, error) {
	if err := queue.ValidateVisibility(delay); err != nil {
		return "", err
	}
	req := map[string]any{
		"content":  content,
		"delay_ms": millis(delay),
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, queuePath(h.Name)+"/messages", req, &out); err != nil {
		return "", err
	}
	return queue.MessageID(out.ID), nil
}

func (c *Client) Receive(ctx context.Context, h queue.Handle, opts queue.LeaseOptions) ([]queue.LeasedMessage, error) {
	if err := queue.ValidateLease(opts); err != nil {
		return nil, err
	}
	req := map[string]any{
		"max":           opts.MaxCount,
		"visibility_ms": millis(opts.Visibility),
	}
	var out struct {
		Messages []message `json:"messages"`
	}
	if err := c.do(ctx, http.MethodPost, queuePath(h.Name)+"/receive", req, &out); err != nil {
		return nil, err
	}

	leased := make([]queue.LeasedMessage, 0, len(out.Messages))
	for _, m := range out.Messages {
		leased = append(leased, queue.LeasedMessage{
			Message:    m.toMessage(),
			PopReceipt: queue.PopReceipt(m.Receipt),
		})
	}
	return leased, nil
}

func (c *Client) Delete(ctx context.Context, h queue.Handle, id queue.MessageID, receipt queue.PopReceipt) error {
	path := messagePath(h.Name, id) + "?" + url.Values{"receipt": {string(receipt)}}.Encode()
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

func (c *Client) Update(ctx context.Context, h queue.Handle, id queue.MessageID, receipt queue.PopReceipt,
	content []byte, visibility time.Duration) (queue.PopReceipt, error) {
	if err := queue.ValidateVisibility(visibility); err != nil {
		return "", err
	}
	req := map[string]any{
		"receipt":       receipt,
		"content":       content,
		"visibility_ms": millis(visibility),
	}
	var out struct {
		Receipt string `json:"receipt"`
	}
	if err := c.do(ctx, http.MethodPut, messagePath(h.Name, id), req, &out); err != nil {
		return "", err
	}
	return queue.PopReceipt(out.Receipt), nil
}

func (c *Client) Peek(ctx context.Context, h queue.Handle) (*queue.Message, error) {
	var out *message
	if err := c.do(ctx, http.MethodGet, queuePath(h.Name)+"/peek", nil, &out); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, nil
	}
	m := out.toMessage()
	return &m, nil
}

func (c *Client) Stats(ctx context.Context, h queue.Handle) (queue.Stats, error) {
	var out struct {
		Messages  int `json:"messages"`
		Visible   int `json:"visible"`
		Invisible int `json:"invisible"`
	}
	if err := c.do(ctx, http.MethodGet, queuePath(h.Name), nil, &out); err != nil {
		return queue.Stats{}, err
	}
	return queue.Stats{Messages: out.Messages, Visible: out.Visible, Invisible: out.Invisible}, nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

// millis rounds d up to the next whole millisecond.
func millis(d time.Duration) int64 {
	ms := d.Milliseconds()
	if d > time.Duration(ms)*time.Millisecond {
		ms++
	}
	return ms
}

func queuePath(name string) string {
	return "/v1/queues/" + url.PathEscape(name)
}

func messagePath(name string, id queue.MessageID) string {
	return queuePath(name) + "/messages/" + url.PathEscape(string(id))
}

// do sends body as JSON and decodes a 2xx reply into out. A 204 leaves out
// untouched.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return queue.Unavailable(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return queue.Unavailable(fmt.Errorf("decode response: %w", err))
	}
	return nil
}

var codes = map[string]error{
	"invalid_argument":    queue.ErrInvalidArgument,
	"not_found":           queue.ErrNotFound,
	"queue_not_found":     queue.ErrQueueNotFound,
	"receipt_mismatch":    queue.ErrReceiptMismatch,
	"backend_unavailable": queue.ErrBackendUnavailable,
}

func decodeError(resp *http.Response) error {
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var e struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if err := json.Unmarshal(bodyBytes, &e); err != nil || e.Code == "" {
		e.Error = strings.TrimSpace(string(bodyBytes))
	}

	if sentinel, ok := codes[e.Code]; ok {
		if sentinel == queue.ErrBackendUnavailable {
			return queue.Unavailable(errors.New(e.Error))
		}
		return fmt.Errorf("%w (%s)", sentinel, e.Error)
	}
	err := fmt.Errorf("%s: %s", resp.Status, e.Error)
	if resp.StatusCode >= 500 {
		return queue.Unavailable(err)
	}
	return err
}
