// Package websocket provides WebSocket-based push delivery for LeaseQ.
//
// Clients open a WebSocket connection to:
//
//	GET /queues/{name}/ws?max=10&visibility_ms=30000
//
// The server long-polls the queue and pushes leased messages, keeping at most
// max of them unsettled at a time. Messages still unsettled when the
// connection drops are nacked so they are redelivered without waiting for
// their lease to expire.
//
// Server → client frames:
//
//	{"type":"message","id":"<ULID>","queue":"...","body":"<base64>","receipt_handle":"...","receive_count":1,"enqueued_at":...}
//	{"type":"error","receipt_handle":"...","error":"..."}
//
// Client → server frames:
//
//	{"type":"ack",    "receipt_handle":"..."}
//	{"type":"nack",   "receipt_handle":"...", "delay_ms":0}
//	{"type":"extend", "receipt_handle":"...", "timeout_ms":30000}
package websocket

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/snehjoshi/leaseq/internal/broker"
	"github.com/snehjoshi/leaseq/internal/queue"
)

const (
	// DefaultMaxUnsettled bounds the pushed-but-unsettled messages per session.
	DefaultMaxUnsettled = 10

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = gorillaws.Upgrader{
	// A request is same-origin when its Origin host matches Host. Requests
	// without an Origin header (native clients) are always allowed.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil || u.Host == "" {
			return false
		}
		return u.Host == r.Host
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// Handler serves the WebSocket endpoint for a queue. It is mounted by the
// HTTP server and reads the queue name from r.PathValue("name").
type Handler struct {
	Broker *broker.Broker
	Logger *slog.Logger
}

// ServerFrame is the JSON structure the server sends to the client.
type ServerFrame struct {
	Type          string            `json:"type"` // "message" | "error"
	ID            string            `json:"id,omitempty"`
	Queue         string            `json:"queue,omitempty"`
	Body          string            `json:"body,omitempty"` // base64
	ReceiptHandle string            `json:"receipt_handle,omitempty"`
	ReceiveCount  int               `json:"receive_count,omitempty"`
	EnqueuedAt    int64             `json:"enqueued_at,omitempty"` // unix ms
	GroupKey      string            `json:"group_key,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
	Error         string            `json:"error,omitempty"`
}

// ClientFrame is the JSON structure the client sends to the server.
type ClientFrame struct {
	Type          string `json:"type"` // "ack" | "nack" | "extend"
	ReceiptHandle string `json:"receipt_handle"`
	DelayMs       int64  `json:"delay_ms,omitempty"`
	TimeoutMs     int64  `json:"timeout_ms,omitempty"`
}

// ServeHTTP validates the queue, upgrades the connection and runs the
// session until either side goes away.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	log := h.Logger
	if log == nil {
		log = slog.Default()
	}

	maxUnsettled, err := queryInt(r, "max", DefaultMaxUnsettled)
	if err != nil || maxUnsettled == 0 {
		http.Error(w, "max must be a positive integer", http.StatusBadRequest)
		return
	}
	visMs, err := queryInt(r, "visibility_ms", 0)
	if err == nil && int64(visMs) > maxMillis {
		err = errors.New("visibility_ms out of range")
	}
	if err != nil {
		http.Error(w, "visibility_ms must be a non-negative integer", http.StatusBadRequest)
		return
	}
	if _, err := h.Broker.Queue(name); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", slog.String("queue", name), slog.Any("err", err))
		return
	}

	s := &session{
		id:         uuid.NewString(),
		queue:      name,
		max:        maxUnsettled,
		visibility: time.Duration(visMs) * time.Millisecond,
		conn:       conn,
		broker:     h.Broker,
		unsettled:  make(map[string]struct{}),
		freed:      make(chan struct{}, 1),
	}
	s.log = log.With(slog.String("session", s.id), slog.String("queue", name))
	s.log.Debug("websocket session opened")
	err = s.run(context.WithoutCancel(r.Context()))
	s.log.Debug("websocket session closed", slog.Any("reason", err))
}

// ─── session ─────────────────────────────────────────────────────────────────

type session struct {
	id         string
	queue      string
	max        int
	visibility time.Duration
	conn       *gorillaws.Conn
	broker     *broker.Broker
	log        *slog.Logger

	writeMu sync.Mutex

	mu        sync.Mutex
	unsettled map[string]struct{} // receipt handles
	freed     chan struct{}
}

func (s *session) run(parent context.Context) error {
	g, ctx := errgroup.WithContext(parent)
	g.Go(func() error { return s.read(ctx) })
	g.Go(func() error { return s.push(ctx) })
	g.Go(func() error { return s.ping(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		return s.conn.Close()
	})
	err := g.Wait()
	s.releaseUnsettled()
	return err
}

// push long-polls the queue and writes message frames while the session has
// credit left.
func (s *session) push(ctx context.Context) error {
	for {
		credit := s.max - s.unsettledLen()
		if credit <= 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.freed:
				continue
			}
		}

		ds, err := s.broker.Receive(ctx, broker.ReceiveRequest{
			Queue:      s.queue,
			Max:        credit,
			Wait:       broker.MaxWait,
			Visibility: s.visibility,
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			_ = s.write(ServerFrame{Type: "error", Error: err.Error()})
			return fmt.Errorf("websocket: receive from %s: %w", s.queue, err)
		}

		for _, d := range ds {
			s.track(d.ReceiptHandle)
			if err := s.write(messageFrame(d)); err != nil {
				return err
			}
		}
	}
}

// read handles client control frames until the connection fails.
func (s *session) read(ctx context.Context) error {
	s.conn.SetReadLimit(64 << 10)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))

		var cf ClientFrame
		if err := json.Unmarshal(raw, &cf); err != nil {
			_ = s.write(ServerFrame{Type: "error", Error: "invalid frame: " + err.Error()})
			continue
		}
		if err := s.settle(ctx, cf); err != nil {
			s.log.Debug("websocket control frame failed",
				slog.String("type", cf.Type), slog.String("receipt", cf.ReceiptHandle), slog.Any("err", err))
			if werr := s.write(ServerFrame{Type: "error", ReceiptHandle: cf.ReceiptHandle, Error: err.Error()}); werr != nil {
				return werr
			}
		}
	}
}

func (s *session) settle(ctx context.Context, cf ClientFrame) error {
	switch cf.Type {
	case "ack":
		err := s.broker.Ack(ctx, s.queue, cf.ReceiptHandle)
		s.untrack(cf.ReceiptHandle)
		return err
	case "nack":
		if cf.DelayMs < 0 || cf.DelayMs > maxMillis {
			return fmt.Errorf("delay_ms must be between 0 and %d", maxMillis)
		}
		err := s.broker.Nack(ctx, s.queue, cf.ReceiptHandle, time.Duration(cf.DelayMs)*time.Millisecond)
		s.untrack(cf.ReceiptHandle)
		return err
	case "extend":
		if cf.TimeoutMs <= 0 || cf.TimeoutMs > maxMillis {
			return fmt.Errorf("timeout_ms must be between 1 and %d", maxMillis)
		}
		return s.broker.Extend(ctx, s.queue, cf.ReceiptHandle, time.Duration(cf.TimeoutMs)*time.Millisecond)
	default:
		return fmt.Errorf("unknown frame type %q", cf.Type)
	}
}

func (s *session) ping(ctx context.Context) error {
	t := time.NewTicker(pingPeriod)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if err := s.conn.WriteControl(gorillaws.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return err
			}
		}
	}
}

func (s *session) write(f ServerFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(gorillaws.TextMessage, data)
}

func (s *session) track(receipt string) {
	s.mu.Lock()
	s.unsettled[receipt] = struct{}{}
	s.mu.Unlock()
}

func (s *session) untrack(receipt string) {
	s.mu.Lock()
	_, ok := s.unsettled[receipt]
	delete(s.unsettled, receipt)
	s.mu.Unlock()
	if ok {
		select {
		case s.freed <- struct{}{}:
		default:
		}
	}
}

func (s *session) unsettledLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.unsettled)
}

// releaseUnsettled nacks every message the client never settled.
func (s *session) releaseUnsettled() {
	s.mu.Lock()
	receipts := make([]string, 0, len(s.unsettled))
	for r := range s.unsettled {
		receipts = append(receipts, r)
	}
	clear(s.unsettled)
	s.mu.Unlock()

	for _, r := range receipts {
		err := s.broker.Nack(context.Background(), s.queue, r, 0)
		if err != nil && !errors.Is(err, queue.ErrNotFoundOrNotAvailable) {
			s.log.Warn("websocket release failed", slog.String("receipt", r), slog.Any("err", err))
		}
	}
}

func messageFrame(d queue.Delivery) ServerFrame {
	return ServerFrame{
		Type:          "message",
		ID:            d.ID,
		Queue:         d.Queue,
		Body:          base64.StdEncoding.EncodeToString(d.Body),
		ReceiptHandle: d.ReceiptHandle,
		ReceiveCount:  d.ReceiveCount,
		EnqueuedAt:    d.EnqueuedAt.UnixMilli(),
		GroupKey:      d.GroupKey,
		Attributes:    d.Attributes,
	}
}

// maxMillis bounds client-supplied millisecond durations so the conversion
// to time.Duration cannot overflow.
const maxMillis = int64(365 * 24 * time.Hour / time.Millisecond)

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s: invalid value %q", key, v)
	}
	return n, nil
}
