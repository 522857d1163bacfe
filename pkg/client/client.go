// Package client is the Go SDK for LeaseQ.
//
// # Quick start
//
//	c := client.New("http://localhost:8080")
//
//	// Enqueue
//	id, err := c.Enqueue(ctx, "invoices", []byte(`{"amount":42}`))
//
//	// Enqueue on an ordered queue, deduplicated, visible in one minute
//	id, err := c.Enqueue(ctx, "payments", body,
//	    client.WithGroupKey("customer-7"),
//	    client.WithDedupKey("payment-991"),
//	    client.WithDelay(time.Minute))
//
//	// Receive with a 10 s long poll, then settle
//	msgs, err := c.Receive(ctx, "invoices", client.WithMax(10), client.WithWait(10*time.Second))
//	for _, m := range msgs {
//	    if err := process(m); err != nil {
//	        c.Nack(ctx, "invoices", m.ReceiptHandle, 5*time.Second)
//	        continue
//	    }
//	    c.Ack(ctx, "invoices", m.ReceiptHandle)
//	}
//
// # Error handling
//
// All methods return an *APIError when the server responds with a non-2xx
// status code. Use IsNotFound, IsConflict or errors.As to inspect it.
//
// # Connection reuse
//
// Client is safe for concurrent use. It shares a single http.Client internally
// so connections are reused across goroutines.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// ─── Error type ───────────────────────────────────────────────────────────────

// APIError is returned when the LeaseQ server responds with a non-2xx status.
type APIError struct {
	StatusCode int    // HTTP status code
	Message    string // "error" field from the JSON response body
}

func (e *APIError) Error() string {
	return fmt.Sprintf("leaseq: server returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the server. Nack and Extend
// on an expired lease return it.
func IsNotFound(err error) bool {
	return hasStatus(err, http.StatusNotFound)
}

// IsConflict reports whether err is a 409 (already exists) from the server.
func IsConflict(err error) bool {
	return hasStatus(err, http.StatusConflict)
}

// IsQueueFull reports whether err is a 429 caused by queue capacity or rate
// limiting.
func IsQueueFull(err error) bool {
	return hasStatus(err, http.StatusTooManyRequests)
}

func hasStatus(err error, code int) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == code
}

// ─── Client options ───────────────────────────────────────────────────────────

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAPIKey sets the API key sent in every request as the X-Api-Key header.
// Required when the server has auth.enabled = true.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout. The default is 30 seconds,
// which outlasts the server's longest long poll.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http.Timeout = d }
}

// ─── Client ───────────────────────────────────────────────────────────────────

// Client is the LeaseQ API client. It is safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a Client that talks to the LeaseQ server at baseURL.
//
//	c := client.New("http://localhost:8080")
//	c := client.New("https://leaseq.example.com", client.WithAPIKey("secret"))
func New(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ─── Enqueue options ──────────────────────────────────────────────────────────

// EnqueueOption configures a single Enqueue call.
type EnqueueOption func(*enqueuePayload)

// WithGroupKey sets the message group. Required on ordered queues.
func WithGroupKey(key string) EnqueueOption {
	return func(p *enqueuePayload) { p.GroupKey = key }
}

// WithDedupKey suppresses duplicates: enqueues with the same key inside the
// queue's dedup window return the first message's id.
func WithDedupKey(key string) EnqueueOption {
	return func(p *enqueuePayload) { p.DedupKey = key }
}

// WithDelay keeps the message invisible for d after enqueue.
func WithDelay(d time.Duration) EnqueueOption {
	return func(p *enqueuePayload) { p.DelayMs = d.Milliseconds() }
}

// WithAttributes attaches user-defined key/value pairs to the message.
func WithAttributes(m map[string]string) EnqueueOption {
	return func(p *enqueuePayload) { p.Attributes = m }
}

// ─── Receive options ──────────────────────────────────────────────────────────

// ReceiveOption configures a single Receive call.
type ReceiveOption func(*receiveParams)

// WithMax sets the maximum number of messages returned.
func WithMax(n int) ReceiveOption {
	return func(p *receiveParams) { p.max = n }
}

// WithWait long-polls for up to d when the queue is empty. The server caps
// the wait at 20 seconds.
func WithWait(d time.Duration) ReceiveOption {
	return func(p *receiveParams) { p.waitMs = d.Milliseconds() }
}

// WithVisibilityTimeout overrides the queue's visibility timeout for the
// leases granted by this call.
func WithVisibilityTimeout(d time.Duration) ReceiveOption {
	return func(p *receiveParams) { p.visibilityMs = d.Milliseconds() }
}

// ─── Queue options ────────────────────────────────────────────────────────────

// QueueOption configures CreateQueue. Unset fields take the server's defaults.
type QueueOption func(*createQueuePayload)

// WithQueueVisibilityTimeout sets the queue's default lease length.
func WithQueueVisibilityTimeout(d time.Duration) QueueOption {
	return func(p *createQueuePayload) { p.VisibilityTimeoutMs = d.Milliseconds() }
}

// WithRedrive sends messages received more than maxReceiveCount times to the
// queue called target.
func WithRedrive(maxReceiveCount int, target string) QueueOption {
	return func(p *createQueuePayload) {
		p.MaxReceiveCount = maxReceiveCount
		p.DeadLetterTarget = target
	}
}

// WithMaxReceiveCount sets the receive budget without a dead-letter target;
// the queue's exhausted policy decides what happens next.
func WithMaxReceiveCount(n int) QueueOption {
	return func(p *createQueuePayload) { p.MaxReceiveCount = n }
}

// WithOrdering makes the queue FIFO per group key.
func WithOrdering() QueueOption {
	return func(p *createQueuePayload) { p.Ordering = true }
}

// WithRetentionPeriod bounds how long an undelivered message is kept.
func WithRetentionPeriod(d time.Duration) QueueOption {
	return func(p *createQueuePayload) { p.RetentionPeriodMs = d.Milliseconds() }
}

// WithDedupWindow sets how long a dedup key suppresses duplicates.
func WithDedupWindow(d time.Duration) QueueOption {
	return func(p *createQueuePayload) { p.DedupWindowMs = d.Milliseconds() }
}

// WithExhaustedPolicy sets "purge" or "retain" for queues without a
// dead-letter target.
func WithExhaustedPolicy(policy string) QueueOption {
	return func(p *createQueuePayload) { p.ExhaustedPolicy = policy }
}

// ─── Domain types ─────────────────────────────────────────────────────────────

// Message is a message returned by Receive or PeekDeadLetters.
type Message struct {
	ID    string
	Queue string

	// Body is the raw payload decoded from base64.
	Body []byte

	// ReceiptHandle identifies this lease for Ack, Nack and Extend. Empty
	// on peeked messages.
	ReceiptHandle string

	// ReceiveCount is 1 on first delivery.
	ReceiveCount int

	EnqueuedAt time.Time
	GroupKey   string

	// State is set on peeked messages only.
	State string

	Attributes map[string]string
}

// QueueStats is the depth snapshot of a queue.
type QueueStats struct {
	Name         string `json:"name"`
	Available    int    `json:"available"`
	Delayed      int    `json:"delayed"`
	InFlight     int    `json:"in_flight"`
	DeadLettered int    `json:"dead_lettered"`
	Groups       int    `json:"groups"`
	LockedGroups int    `json:"locked_groups"`
	OldestAgeMs  int64  `json:"oldest_age_ms"`
}

// QueueConfig is a queue's effective configuration.
type QueueConfig struct {
	VisibilityTimeout time.Duration
	MaxReceiveCount   int
	DeadLetterTarget  string
	Ordering          bool
	RetentionPeriod   time.Duration
	DedupWindow       time.Duration
	ExhaustedPolicy   string
	MaxBatchSize      int
	MaxMessageSize    int
	MaxMessages       int
}

// QueueInfo is returned by CreateQueue and GetQueue.
type QueueInfo struct {
	Name   string
	Config QueueConfig
	Stats  QueueStats
}

// ReplayResult reports what ReplayDeadLetters moved.
type ReplayResult struct {
	Replayed int `json:"replayed"`
	Failed   int `json:"failed"`
}

// Subscription is a registered webhook.
type Subscription struct {
	ID        string    `json:"id"`
	Queue     string    `json:"queue"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
}

// HealthInfo contains the data returned by the /health endpoint.
type HealthInfo struct {
	Status       string
	NodeID       string
	Version      string
	Uptime       time.Duration
	Queues       int
	Available    int
	InFlight     int
	Delayed      int
	DeadLettered int
}

// ─── Message operations ───────────────────────────────────────────────────────

// Enqueue sends a message to queue and returns its id. A deduplicated
// enqueue returns the id of the original message.
func (c *Client) Enqueue(ctx context.Context, queue string, body []byte, opts ...EnqueueOption) (string, error) {
	p := &enqueuePayload{Body: base64.StdEncoding.EncodeToString(body)}
	for _, o := range opts {
		o(p)
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, queuePath(queue, "messages"), p, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// Receive leases messages from queue. It returns an empty slice when nothing
// became available within the wait.
func (c *Client) Receive(ctx context.Context, queue string, opts ...ReceiveOption) ([]*Message, error) {
	p := &receiveParams{}
	for _, o := range opts {
		o(p)
	}
	q := url.Values{}
	if p.max > 0 {
		q.Set("max", strconv.Itoa(p.max))
	}
	if p.waitMs > 0 {
		q.Set("wait_ms", strconv.FormatInt(p.waitMs, 10))
	}
	if p.visibilityMs > 0 {
		q.Set("visibility_ms", strconv.FormatInt(p.visibilityMs, 10))
	}
	path := queuePath(queue, "messages")
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	return c.messages(ctx, http.MethodGet, path, nil)
}

// Ack deletes the message leased under receipt. Acking an expired or already
// settled receipt succeeds without effect.
func (c *Client) Ack(ctx context.Context, queue, receipt string) error {
	return c.do(ctx, http.MethodDelete, queuePath(queue, "messages", receipt), nil, nil)
}

// Nack returns the message to the queue, visible again after delay.
func (c *Client) Nack(ctx context.Context, queue, receipt string, delay time.Duration) error {
	p := map[string]int64{"delay_ms": delay.Milliseconds()}
	return c.do(ctx, http.MethodPost, queuePath(queue, "messages", receipt, "nack"), p, nil)
}

// Extend moves the lease deadline of receipt to now + timeout.
func (c *Client) Extend(ctx context.Context, queue, receipt string, timeout time.Duration) error {
	p := map[string]int64{"timeout_ms": timeout.Milliseconds()}
	return c.do(ctx, http.MethodPost, queuePath(queue, "messages", receipt, "extend"), p, nil)
}

// ─── Queue management ─────────────────────────────────────────────────────────

// CreateQueue creates a queue. It returns an error satisfying IsConflict
// when the queue already exists.
func (c *Client) CreateQueue(ctx context.Context, name string, opts ...QueueOption) (*QueueInfo, error) {
	p := &createQueuePayload{}
	for _, o := range opts {
		o(p)
	}
	var resp wireQueue
	if err := c.do(ctx, http.MethodPost, queuePath(name), p, &resp); err != nil {
		return nil, err
	}
	return resp.toInfo(), nil
}

// GetQueue returns a queue's configuration and stats.
func (c *Client) GetQueue(ctx context.Context, name string) (*QueueInfo, error) {
	var resp wireQueue
	if err := c.do(ctx, http.MethodGet, queuePath(name), nil, &resp); err != nil {
		return nil, err
	}
	return resp.toInfo(), nil
}

// ListQueues returns the stats of every queue, sorted by name.
func (c *Client) ListQueues(ctx context.Context) ([]QueueStats, error) {
	var resp struct {
		Queues []QueueStats `json:"queues"`
	}
	if err := c.do(ctx, http.MethodGet, "/queues", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Queues, nil
}

// DeleteQueue removes a queue, its messages and its subscriptions.
func (c *Client) DeleteQueue(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, queuePath(name), nil, nil)
}

// Purge drops every message in the queue and returns how many were dropped.
func (c *Client) Purge(ctx context.Context, name string) (int, error) {
	var resp struct {
		Purged int `json:"purged"`
	}
	if err := c.do(ctx, http.MethodDelete, queuePath(name, "messages"), nil, &resp); err != nil {
		return 0, err
	}
	return resp.Purged, nil
}

// ─── Dead letters ─────────────────────────────────────────────────────────────

// PeekDeadLetters returns up to limit messages from a dead-letter queue
// without leasing them.
func (c *Client) PeekDeadLetters(ctx context.Context, queue string, limit int) ([]*Message, error) {
	path := queuePath(queue, "dead-letters") + "?" + url.Values{"limit": {strconv.Itoa(limit)}}.Encode()
	return c.messages(ctx, http.MethodGet, path, nil)
}

// ReplayDeadLetters moves up to limit messages (0 = all) from a dead-letter
// queue back to their source queue, or to target when set.
func (c *Client) ReplayDeadLetters(ctx context.Context, queue string, limit int, target string) (ReplayResult, error) {
	p := map[string]any{}
	if limit > 0 {
		p["limit"] = limit
	}
	if target != "" {
		p["target"] = target
	}
	var resp ReplayResult
	err := c.do(ctx, http.MethodPost, queuePath(queue, "dead-letters", "replay"), p, &resp)
	return resp, err
}

// ─── Subscriptions ────────────────────────────────────────────────────────────

// Subscribe registers a webhook that receives every message of queue as a
// signed POST. It returns the subscription id.
func (c *Client) Subscribe(ctx context.Context, queue, webhookURL, secret string) (string, error) {
	payload := map[string]string{"url": webhookURL, "secret": secret}
	var resp Subscription
	if err := c.do(ctx, http.MethodPost, queuePath(queue, "subscriptions"), payload, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// Subscriptions lists every registered webhook.
func (c *Client) Subscriptions(ctx context.Context) ([]Subscription, error) {
	var resp struct {
		Subscriptions []Subscription `json:"subscriptions"`
	}
	if err := c.do(ctx, http.MethodGet, "/subscriptions", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Subscriptions, nil
}

// Unsubscribe removes a webhook subscription.
func (c *Client) Unsubscribe(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/subscriptions/"+url.PathEscape(id), nil, nil)
}

// ─── Health ───────────────────────────────────────────────────────────────────

// Health returns the server's health summary.
func (c *Client) Health(ctx context.Context) (*HealthInfo, error) {
	var resp struct {
		Status       string `json:"status"`
		NodeID       string `json:"node_id"`
		Version      string `json:"version"`
		UptimeMs     int64  `json:"uptime_ms"`
		Queues       int    `json:"queues"`
		Available    int    `json:"available"`
		InFlight     int    `json:"in_flight"`
		Delayed      int    `json:"delayed"`
		DeadLettered int    `json:"dead_lettered"`
	}
	if err := c.do(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &HealthInfo{
		Status:       resp.Status,
		NodeID:       resp.NodeID,
		Version:      resp.Version,
		Uptime:       time.Duration(resp.UptimeMs) * time.Millisecond,
		Queues:       resp.Queues,
		Available:    resp.Available,
		InFlight:     resp.InFlight,
		Delayed:      resp.Delayed,
		DeadLettered: resp.DeadLettered,
	}, nil
}

// ─── Transport ────────────────────────────────────────────────────────────────

func (c *Client) messages(ctx context.Context, method, path string, body any) ([]*Message, error) {
	var resp struct {
		Messages []wireMessage `json:"messages"`
	}
	if err := c.do(ctx, method, path, body, &resp); err != nil {
		return nil, err
	}
	out := make([]*Message, 0, len(resp.Messages))
	for i := range resp.Messages {
		m, err := resp.Messages[i].toMessage()
		if err != nil {
			return nil, fmt.Errorf("leaseq: decode message %d: %w", i, err)
		}
		out = append(out, m)
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, resp any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("leaseq: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("leaseq: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("leaseq: request %s %s: %w", method, path, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusNoContent {
		return nil
	}

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("leaseq: read response body: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		msg := errResp.Error
		if msg == "" {
			msg = http.StatusText(httpResp.StatusCode)
		}
		return &APIError{StatusCode: httpResp.StatusCode, Message: msg}
	}

	if resp != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, resp); err != nil {
			return fmt.Errorf("leaseq: decode response: %w", err)
		}
	}
	return nil
}

func queuePath(queue string, rest ...string) string {
	p := "/queues/" + url.PathEscape(queue)
	for _, r := range rest {
		p += "/" + url.PathEscape(r)
	}
	return p
}

// ─── Internal wire types ──────────────────────────────────────────────────────

type enqueuePayload struct {
	Body       string            `json:"body"`
	GroupKey   string            `json:"group_key,omitempty"`
	DedupKey   string            `json:"dedup_key,omitempty"`
	DelayMs    int64             `json:"delay_ms,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type receiveParams struct {
	max          int
	waitMs       int64
	visibilityMs int64
}

type createQueuePayload struct {
	VisibilityTimeoutMs int64  `json:"visibility_timeout_ms,omitempty"`
	MaxReceiveCount     int    `json:"max_receive_count,omitempty"`
	DeadLetterTarget    string `json:"dead_letter_target,omitempty"`
	Ordering            bool   `json:"ordering,omitempty"`
	RetentionPeriodMs   int64  `json:"retention_period_ms,omitempty"`
	DedupWindowMs       int64  `json:"dedup_window_ms,omitempty"`
	ExhaustedPolicy     string `json:"exhausted_policy,omitempty"`
}

type wireMessage struct {
	ID            string            `json:"id"`
	Queue         string            `json:"queue"`
	Body          string            `json:"body"` // base64
	ReceiptHandle string            `json:"receipt_handle"`
	ReceiveCount  int               `json:"receive_count"`
	EnqueuedAt    int64             `json:"enqueued_at"`
	GroupKey      string            `json:"group_key"`
	State         string            `json:"state"`
	Attributes    map[string]string `json:"attributes"`
}

func (w *wireMessage) toMessage() (*Message, error) {
	body, err := base64.StdEncoding.DecodeString(w.Body)
	if err != nil {
		return nil, err
	}
	return &Message{
		ID:            w.ID,
		Queue:         w.Queue,
		Body:          body,
		ReceiptHandle: w.ReceiptHandle,
		ReceiveCount:  w.ReceiveCount,
		EnqueuedAt:    time.UnixMilli(w.EnqueuedAt).UTC(),
		GroupKey:      w.GroupKey,
		State:         w.State,
		Attributes:    w.Attributes,
	}, nil
}

type wireQueue struct {
	Name   string `json:"name"`
	Config struct {
		VisibilityTimeoutMs int64  `json:"visibility_timeout_ms"`
		MaxReceiveCount     int    `json:"max_receive_count"`
		DeadLetterTarget    string `json:"dead_letter_target"`
		Ordering            bool   `json:"ordering"`
		RetentionPeriodMs   int64  `json:"retention_period_ms"`
		DedupWindowMs       int64  `json:"dedup_window_ms"`
		ExhaustedPolicy     string `json:"exhausted_policy"`
		MaxBatchSize        int    `json:"max_batch_size"`
		MaxMessageSize      int    `json:"max_message_size"`
		MaxMessages         int    `json:"max_messages"`
	} `json:"config"`
	Stats QueueStats `json:"stats"`
}

func (w *wireQueue) toInfo() *QueueInfo {
	ms := func(n int64) time.Duration { return time.Duration(n) * time.Millisecond }
	return &QueueInfo{
		Name: w.Name,
		Config: QueueConfig{
			VisibilityTimeout: ms(w.Config.VisibilityTimeoutMs),
			MaxReceiveCount:   w.Config.MaxReceiveCount,
			DeadLetterTarget:  w.Config.DeadLetterTarget,
			Ordering:          w.Config.Ordering,
			RetentionPeriod:   ms(w.Config.RetentionPeriodMs),
			DedupWindow:       ms(w.Config.DedupWindowMs),
			ExhaustedPolicy:   w.Config.ExhaustedPolicy,
			MaxBatchSize:      w.Config.MaxBatchSize,
			MaxMessageSize:    w.Config.MaxMessageSize,
			MaxMessages:       w.Config.MaxMessages,
		},
		Stats: w.Stats,
	}
}
