package http

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/snehjoshi/leaseq/internal/broker"
	"github.com/snehjoshi/leaseq/internal/config"
	"github.com/snehjoshi/leaseq/internal/consumer"
	"github.com/snehjoshi/leaseq/internal/dlq"
	"github.com/snehjoshi/leaseq/internal/queue"
)

// Version is reported by GET /health.
const Version = "1.0.0"

// Attribute limits, enforced on every enqueue.
const (
	attrMaxKeys     = 16
	attrMaxKeyBytes = 64
	attrMaxValBytes = 512
)

// errInvalidRequest marks malformed input detected by the handlers.
var errInvalidRequest = errors.New("invalid request")

func validateAttributes(m map[string]string) error {
	if len(m) > attrMaxKeys {
		return fmt.Errorf("%w: too many attributes (max %d)", errInvalidRequest, attrMaxKeys)
	}
	for k, v := range m {
		if k == "" {
			return fmt.Errorf("%w: attribute key must not be empty", errInvalidRequest)
		}
		if len(k) > attrMaxKeyBytes {
			return fmt.Errorf("%w: attribute key too long (max %d bytes)", errInvalidRequest, attrMaxKeyBytes)
		}
		if len(v) > attrMaxValBytes {
			return fmt.Errorf("%w: attribute value too long (max %d bytes)", errInvalidRequest, attrMaxValBytes)
		}
	}
	return nil
}

// Handler groups all HTTP request handlers around a Broker.
type Handler struct {
	broker   *broker.Broker
	consumer *consumer.Manager
	log      *slog.Logger
	started  time.Time
}

// ─── DTOs ─────────────────────────────────────────────────────────────────────

type enqueueReq struct {
	Body       string            `json:"body"` // base64-encoded
	GroupKey   string            `json:"group_key"`
	DedupKey   string            `json:"dedup_key"`
	DelayMs    int64             `json:"delay_ms"`
	Attributes map[string]string `json:"attributes"`
}

type enqueueResp struct {
	ID string `json:"id"`
}

// messageDTO is the wire form of a message. ReceiptHandle is empty for
// messages that were peeked rather than received.
type messageDTO struct {
	ID            string            `json:"id"`
	Queue         string            `json:"queue"`
	Body          string            `json:"body"` // base64
	ReceiptHandle string            `json:"receipt_handle,omitempty"`
	ReceiveCount  int               `json:"receive_count"`
	EnqueuedAt    int64             `json:"enqueued_at"` // unix ms
	GroupKey      string            `json:"group_key,omitempty"`
	State         string            `json:"state,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
}

type messagesResp struct {
	Messages []messageDTO `json:"messages"`
}

type createQueueReq struct {
	VisibilityTimeoutMs int64  `json:"visibility_timeout_ms"`
	MaxReceiveCount     int    `json:"max_receive_count"`
	DeadLetterTarget    string `json:"dead_letter_target"`
	Ordering            bool   `json:"ordering"`
	RetentionPeriodMs   int64  `json:"retention_period_ms"`
	DedupWindowMs       int64  `json:"dedup_window_ms"`
	ExhaustedPolicy     string `json:"exhausted_policy"`
}

type queueConfigDTO struct {
	VisibilityTimeoutMs int64  `json:"visibility_timeout_ms"`
	MaxReceiveCount     int    `json:"max_receive_count"`
	DeadLetterTarget    string `json:"dead_letter_target,omitempty"`
	Ordering            bool   `json:"ordering"`
	RetentionPeriodMs   int64  `json:"retention_period_ms"`
	DedupWindowMs       int64  `json:"dedup_window_ms"`
	ExhaustedPolicy     string `json:"exhausted_policy"`
	MaxBatchSize        int    `json:"max_batch_size"`
	MaxMessageSize      int    `json:"max_message_size"`
	MaxMessages         int    `json:"max_messages"`
}

type queueResp struct {
	Name   string         `json:"name"`
	Config queueConfigDTO `json:"config"`
	Stats  queue.Stats    `json:"stats"`
}

type queueListResp struct {
	Queues []queue.Stats `json:"queues"`
}

type nackReq struct {
	DelayMs int64 `json:"delay_ms"`
}

type extendReq struct {
	TimeoutMs int64 `json:"timeout_ms"`
}

type replayReq struct {
	Limit  int    `json:"limit"`
	Target string `json:"target"`
}

type subscribeReq struct {
	URL    string `json:"url"`
	Secret string `json:"secret"`
}

type healthResp struct {
	Status   string `json:"status"`
	Uptime   string `json:"uptime"`
	UptimeMs int64  `json:"uptime_ms"`
	Version  string `json:"version"`
	broker.Summary
}

// ─── Health ───────────────────────────────────────────────────────────────────

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	elapsed := time.Since(h.started)
	writeJSON(w, http.StatusOK, healthResp{
		Status:   "ok",
		Uptime:   elapsed.Round(time.Second).String(),
		UptimeMs: elapsed.Milliseconds(),
		Version:  Version,
		Summary:  h.broker.Summary(),
	})
}

// ─── Queue management ─────────────────────────────────────────────────────────

func (h *Handler) createQueue(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := queue.ValidateName(name); err != nil {
		h.writeError(w, r, err)
		return
	}

	var req createQueueReq
	if !decodeJSON(w, r, &req, true) {
		return
	}
	vis, err1 := millis("visibility_timeout_ms", req.VisibilityTimeoutMs)
	retention, err2 := millis("retention_period_ms", req.RetentionPeriodMs)
	window, err3 := millis("dedup_window_ms", req.DedupWindowMs)
	if err := errors.Join(err1, err2, err3); err != nil {
		h.writeError(w, r, err)
		return
	}
	cfg, err := h.broker.CreateQueue(name, config.QueueDecl{
		VisibilityTimeout: config.Duration(vis),
		MaxReceiveCount:   req.MaxReceiveCount,
		DeadLetterTarget:  req.DeadLetterTarget,
		Ordering:          req.Ordering,
		RetentionPeriod:   config.Duration(retention),
		DedupWindow:       config.Duration(window),
		ExhaustedPolicy:   req.ExhaustedPolicy,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, queueResp{Name: name, Config: configDTO(cfg), Stats: queue.Stats{Name: name}})
}

func (h *Handler) getQueue(w http.ResponseWriter, r *http.Request) {
	q, err := h.broker.Queue(r.PathValue("name"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, queueResp{Name: q.Name(), Config: configDTO(q.Config()), Stats: q.Stats()})
}

func (h *Handler) listQueues(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, queueListResp{Queues: h.broker.AllStats()})
}

func (h *Handler) deleteQueue(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	h.consumer.DeregisterQueue(name)
	if err := h.broker.DeleteQueue(name); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) purgeQueue(w http.ResponseWriter, r *http.Request) {
	n, err := h.broker.PurgeQueue(r.PathValue("name"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"purged": n})
}

// ─── Messages ─────────────────────────────────────────────────────────────────

func (h *Handler) enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueReq
	if !decodeJSON(w, r, &req, false) {
		return
	}
	body, err := base64.StdEncoding.DecodeString(req.Body)
	if err != nil {
		h.writeError(w, r, fmt.Errorf("%w: body must be base64: %v", errInvalidRequest, err))
		return
	}
	delay, err := millis("delay_ms", req.DelayMs)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := validateAttributes(req.Attributes); err != nil {
		h.writeError(w, r, err)
		return
	}

	id, err := h.broker.Enqueue(r.Context(), r.PathValue("name"), queue.EnqueueRequest{
		Body:       body,
		GroupKey:   req.GroupKey,
		DedupKey:   req.DedupKey,
		Delay:      delay,
		Attributes: req.Attributes,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, enqueueResp{ID: id})
}

// receive leases messages. Query: max, wait_ms (long poll, capped at
// broker.MaxWait), visibility_ms (lease override).
func (h *Handler) receive(w http.ResponseWriter, r *http.Request) {
	maxN, err1 := intParam(r, "max", 1)
	waitMs, err2 := intParam(r, "wait_ms", 0)
	visMs, err3 := intParam(r, "visibility_ms", 0)
	if err := errors.Join(err1, err2, err3); err != nil {
		h.writeError(w, r, err)
		return
	}

	wait, err4 := millis("wait_ms", int64(waitMs))
	vis, err5 := millis("visibility_ms", int64(visMs))
	if err := errors.Join(err4, err5); err != nil {
		h.writeError(w, r, err)
		return
	}

	ds, err := h.broker.Receive(r.Context(), broker.ReceiveRequest{
		Queue:      r.PathValue("name"),
		Max:        maxN,
		Wait:       wait,
		Visibility: vis,
	})
	if err != nil {
		if r.Context().Err() != nil {
			return // client went away mid long-poll
		}
		h.writeError(w, r, err)
		return
	}
	out := make([]messageDTO, 0, len(ds))
	for _, d := range ds {
		m := toDTO(d.Message)
		m.ReceiptHandle = d.ReceiptHandle
		m.State = ""
		out = append(out, m)
	}
	writeJSON(w, http.StatusOK, messagesResp{Messages: out})
}

func (h *Handler) ack(w http.ResponseWriter, r *http.Request) {
	if err := h.broker.Ack(r.Context(), r.PathValue("name"), r.PathValue("receipt")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) nack(w http.ResponseWriter, r *http.Request) {
	var req nackReq
	if !decodeJSON(w, r, &req, true) {
		return
	}
	delay, err := millis("delay_ms", req.DelayMs)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.broker.Nack(r.Context(), r.PathValue("name"), r.PathValue("receipt"), delay); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) extend(w http.ResponseWriter, r *http.Request) {
	var req extendReq
	if !decodeJSON(w, r, &req, false) {
		return
	}
	if req.TimeoutMs <= 0 {
		h.writeError(w, r, fmt.Errorf("%w: timeout_ms must be positive", errInvalidRequest))
		return
	}
	timeout, err := millis("timeout_ms", req.TimeoutMs)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.broker.Extend(r.Context(), r.PathValue("name"), r.PathValue("receipt"), timeout); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Dead letters ─────────────────────────────────────────────────────────────

func (h *Handler) peekDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 10)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	msgs, err := h.broker.PeekDLQ(r.PathValue("name"), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]messageDTO, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toDTO(m))
	}
	writeJSON(w, http.StatusOK, messagesResp{Messages: out})
}

func (h *Handler) replayDeadLetters(w http.ResponseWriter, r *http.Request) {
	var req replayReq
	if !decodeJSON(w, r, &req, true) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), dlq.ReplayTimeout)
	defer cancel()

	res, err := h.broker.ReplayDLQ(ctx, r.PathValue("name"), dlq.ReplayOptions{Limit: req.Limit, Target: req.Target})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ─── Webhook subscriptions ────────────────────────────────────────────────────

func (h *Handler) createSubscription(w http.ResponseWriter, r *http.Request) {
	var req subscribeReq
	if !decodeJSON(w, r, &req, false) {
		return
	}
	sub, err := h.consumer.Register(r.PathValue("name"), req.URL, req.Secret)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (h *Handler) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]consumer.Subscription{"subscriptions": h.consumer.List()})
}

func (h *Handler) deleteSubscription(w http.ResponseWriter, r *http.Request) {
	if err := h.consumer.Deregister(r.PathValue("id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func toDTO(m queue.Message) messageDTO {
	return messageDTO{
		ID:           m.ID,
		Queue:        m.Queue,
		Body:         base64.StdEncoding.EncodeToString(m.Body),
		ReceiveCount: m.ReceiveCount,
		EnqueuedAt:   m.EnqueuedAt.UnixMilli(),
		GroupKey:     m.GroupKey,
		State:        m.State.String(),
		Attributes:   m.Attributes,
	}
}

func configDTO(c queue.Config) queueConfigDTO {
	return queueConfigDTO{
		VisibilityTimeoutMs: c.VisibilityTimeout.Milliseconds(),
		MaxReceiveCount:     c.MaxReceiveCount,
		DeadLetterTarget:    c.DeadLetterTarget,
		Ordering:            c.OrderingEnabled,
		RetentionPeriodMs:   c.RetentionPeriod.Milliseconds(),
		DedupWindowMs:       c.DedupWindow.Milliseconds(),
		ExhaustedPolicy:     string(c.ExhaustedPolicy),
		MaxBatchSize:        c.MaxBatchSize,
		MaxMessageSize:      c.MaxMessageSize,
		MaxMessages:         c.MaxMessages,
	}
}

// statusFor maps a domain error onto an HTTP status code.
func statusFor(err error) int {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.Is(err, queue.ErrQueueNotFound),
		errors.Is(err, queue.ErrNotFoundOrNotAvailable),
		errors.Is(err, consumer.ErrSubscriptionNotFound):
		return http.StatusNotFound
	case errors.Is(err, queue.ErrQueueExists):
		return http.StatusConflict
	case errors.Is(err, queue.ErrMissingGroupKey),
		errors.Is(err, queue.ErrMessageTooLarge),
		errors.Is(err, queue.ErrInvalidConfig),
		errors.Is(err, consumer.ErrInvalidSubscription),
		errors.Is(err, errInvalidRequest):
		return http.StatusBadRequest
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, queue.ErrQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, queue.ErrQueueClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		h.log.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("err", err))
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON decodes the request body into v. With optional set an empty
// body leaves v untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	err := dec.Decode(v)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return true
	}
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "request body too large"})
		return false
	}
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json: " + err.Error()})
	return false
}

// maxDurationMs bounds every millisecond duration accepted from clients.
const maxDurationMs = int64(365 * 24 * time.Hour / time.Millisecond)

// millis converts a client-supplied millisecond count named key to a
// Duration, rejecting negative values and values above maxDurationMs.
func millis(key string, ms int64) (time.Duration, error) {
	if ms < 0 || ms > maxDurationMs {
		return 0, fmt.Errorf("%w: %s must be between 0 and %d", errInvalidRequest, key, maxDurationMs)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func intParam(r *http.Request, key string, def int) (int, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", errInvalidRequest, key)
	}
	return n, nil
}
