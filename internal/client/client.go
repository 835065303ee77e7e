// Package client is a thin HTTP client for the Sqew API, used by the
// CLI. Every method maps one-to-one onto a server route and decodes
// the standard error envelope into an *APIError.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sqew/sqew/internal/model"
	"github.com/sqew/sqew/internal/queue"
)

// APIError is a non-2xx response decoded from the server's error
// envelope.
type APIError struct {
	Status int
	Kind   string
	Detail string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s (http %d)", e.Kind, e.Detail, e.Status)
}

// Client talks to a Sqew server.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New creates a client for the server at baseURL. An empty token sends
// no Authorization header.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

type errorEnvelope struct {
	Error struct {
		Kind   string `json:"kind"`
		Detail string `json:"detail"`
	} `json:"error"`
}

// doJSON issues a request with an optional JSON body and decodes the
// JSON response into out (when out is non-nil).
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var env errorEnvelope
		apiErr := &APIError{Status: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(&env); err == nil && env.Error.Kind != "" {
			apiErr.Kind = env.Error.Kind
			apiErr.Detail = env.Error.Detail
		} else {
			apiErr.Kind = "HTTP_ERROR"
			apiErr.Detail = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Health checks the server liveness endpoint.
func (c *Client) Health(ctx context.Context) error {
	var status string
	return c.doJSON(ctx, http.MethodGet, "/health", nil, &status)
}

// Metrics fetches the Prometheus exposition text.
func (c *Client) Metrics(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/metrics", nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", &APIError{Status: resp.StatusCode, Kind: "HTTP_ERROR", Detail: http.StatusText(resp.StatusCode)}
	}
	buf, err := io.ReadAll(resp.Body)
	return string(buf), err
}

// CreateQueueParams configure a new queue. Zero values take server
// defaults.
type CreateQueueParams struct {
	Name         string `json:"name"`
	MaxAttempts  int    `json:"max_attempts,omitempty"`
	VisibilityMS int64  `json:"visibility_ms,omitempty"`
	DLQ          string `json:"dlq,omitempty"`
}

func (c *Client) CreateQueue(ctx context.Context, p CreateQueueParams) (model.Queue, error) {
	var q model.Queue
	err := c.doJSON(ctx, http.MethodPost, "/queues", p, &q)
	return q, err
}

func (c *Client) ListQueues(ctx context.Context) ([]model.Queue, error) {
	var queues []model.Queue
	err := c.doJSON(ctx, http.MethodGet, "/queues", nil, &queues)
	return queues, err
}

func (c *Client) GetQueue(ctx context.Context, name string) (model.Queue, error) {
	var q model.Queue
	err := c.doJSON(ctx, http.MethodGet, "/queues/"+url.PathEscape(name), nil, &q)
	return q, err
}

func (c *Client) DeleteQueue(ctx context.Context, name string) error {
	return c.doJSON(ctx, http.MethodDelete, "/queues/"+url.PathEscape(name), nil, nil)
}

func (c *Client) QueueStats(ctx context.Context, name string) (model.Stats, error) {
	var st model.Stats
	err := c.doJSON(ctx, http.MethodGet, "/queues/"+url.PathEscape(name)+"/stats", nil, &st)
	return st, err
}

func (c *Client) CompactQueue(ctx context.Context, name string) error {
	return c.doJSON(ctx, http.MethodPost, "/queues/"+url.PathEscape(name)+"/compact", nil, nil)
}

// PurgeQueue deletes every message in the queue and reports the count.
func (c *Client) PurgeQueue(ctx context.Context, name string) (int64, error) {
	var res struct {
		Deleted int64 `json:"deleted"`
	}
	err := c.doJSON(ctx, http.MethodDelete, "/queues/"+url.PathEscape(name)+"/messages", nil, &res)
	return res.Deleted, err
}

// EnqueueParams carry one message to enqueue.
type EnqueueParams struct {
	Payload        json.RawMessage `json:"payload"`
	Priority       int             `json:"priority,omitempty"`
	DelayMS        int64           `json:"delay_ms,omitempty"`
	TTLMS          int64           `json:"ttl_ms,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

func (c *Client) Enqueue(ctx context.Context, queueName string, p EnqueueParams) (queue.EnqueueResult, error) {
	var res queue.EnqueueResult
	err := c.doJSON(ctx, http.MethodPost, "/queues/"+url.PathEscape(queueName)+"/messages", p, &res)
	return res, err
}

// PollParams control a poll request. Batch clamps server-side to
// [1, 256]; WaitMS above the server's long-poll cap is shortened.
type PollParams struct {
	Batch        int
	WaitMS       int64
	VisibilityMS int64
	ConsumerTag  string
}

func (c *Client) Poll(ctx context.Context, queueName string, p PollParams) ([]queue.LeasedMessage, error) {
	q := url.Values{}
	if p.Batch > 0 {
		q.Set("batch", strconv.Itoa(p.Batch))
	}
	if p.WaitMS > 0 {
		q.Set("wait_ms", strconv.FormatInt(p.WaitMS, 10))
	}
	path := "/queues/" + url.PathEscape(queueName) + "/poll"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	body := map[string]any{}
	if p.VisibilityMS > 0 {
		body["visibility_ms"] = p.VisibilityMS
	}
	if p.ConsumerTag != "" {
		body["consumer_tag"] = p.ConsumerTag
	}

	var res struct {
		Messages []queue.LeasedMessage `json:"messages"`
	}
	err := c.doJSON(ctx, http.MethodPost, path, body, &res)
	return res.Messages, err
}

func (c *Client) Ack(ctx context.Context, queueName string, items []queue.AckItem) ([]queue.ItemResult, error) {
	var res struct {
		Results []queue.ItemResult `json:"results"`
	}
	body := map[string]any{"items": items}
	err := c.doJSON(ctx, http.MethodPost, "/queues/"+url.PathEscape(queueName)+"/ack", body, &res)
	return res.Results, err
}

// Nack releases leases. A non-nil delayMS overrides the server's
// exponential backoff for every item.
func (c *Client) Nack(ctx context.Context, queueName string, items []queue.AckItem, delayMS *int64) ([]queue.ItemResult, error) {
	var res struct {
		Results []queue.ItemResult `json:"results"`
	}
	body := map[string]any{"items": items}
	if delayMS != nil {
		body["delay_ms"] = *delayMS
	}
	err := c.doJSON(ctx, http.MethodPost, "/queues/"+url.PathEscape(queueName)+"/nack", body, &res)
	return res.Results, err
}

// ExtendLease pushes a lease expiry further out and returns the new
// expiry.
func (c *Client) ExtendLease(ctx context.Context, queueName string, id int64, token string, extendMS int64) (int64, error) {
	body := map[string]any{"id": id, "token": token, "extend_ms": extendMS}
	var res struct {
		LeaseExpiresAt int64 `json:"lease_expires_at"`
	}
	err := c.doJSON(ctx, http.MethodPost, "/queues/"+url.PathEscape(queueName)+"/extend", body, &res)
	return res.LeaseExpiresAt, err
}

// Peek lists ready messages in delivery order without leasing them.
func (c *Client) Peek(ctx context.Context, queueName string, limit int) ([]model.Message, error) {
	path := "/queues/" + url.PathEscape(queueName) + "/messages"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var msgs []model.Message
	err := c.doJSON(ctx, http.MethodGet, path, nil, &msgs)
	return msgs, err
}

func (c *Client) GetMessage(ctx context.Context, queueName string, id int64) (model.Message, error) {
	var msg model.Message
	err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/queues/%s/messages/%d", url.PathEscape(queueName), id), nil, &msg)
	return msg, err
}

func (c *Client) RemoveMessage(ctx context.Context, queueName string, id int64) error {
	return c.doJSON(ctx, http.MethodDelete, fmt.Sprintf("/queues/%s/messages/%d", url.PathEscape(queueName), id), nil, nil)
}
