package websocket_test

import (
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/leaseq/internal/broker"
	"github.com/snehjoshi/leaseq/internal/config"
	"github.com/snehjoshi/leaseq/internal/queue"
	"github.com/snehjoshi/leaseq/internal/transport/websocket"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

func newBroker(t *testing.T) *broker.Broker {
	t.Helper()
	cfg := config.Default()
	cfg.Server.DataDir = t.TempDir()
	cfg.Storage.Driver = config.DriverMemory
	cfg.Queues = []config.QueueDecl{{Name: "jobs"}}
	b, err := broker.New(cfg, "test-node", broker.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func serve(t *testing.T, b *broker.Broker) string {
	t.Helper()
	mux := http.NewServeMux()
	mux.Handle("GET /queues/{name}/ws", &websocket.Handler{
		Broker: b,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *gorillaws.Conn {
	t.Helper()
	conn, resp, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *gorillaws.Conn) websocket.ServerFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var f websocket.ServerFrame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func enqueue(t *testing.T, b *broker.Broker, bodies ...string) {
	t.Helper()
	for _, body := range bodies {
		_, err := b.Enqueue(context.Background(), "jobs", queue.EnqueueRequest{Body: []byte(body)})
		require.NoError(t, err)
	}
}

func stats(t *testing.T, b *broker.Broker) queue.Stats {
	t.Helper()
	st, err := b.QueueStats("jobs")
	require.NoError(t, err)
	return st
}

// ─── tests ───────────────────────────────────────────────────────────────────

func TestWebSocket_PushAndAck(t *testing.T) {
	b := newBroker(t)
	conn := dial(t, serve(t, b)+"/queues/jobs/ws")
	enqueue(t, b, "one", "two")

	seen := map[string]bool{}
	for range 2 {
		f := readFrame(t, conn)
		require.Equal(t, "message", f.Type)
		assert.Equal(t, "jobs", f.Queue)
		assert.Equal(t, 1, f.ReceiveCount)
		body, err := base64.StdEncoding.DecodeString(f.Body)
		require.NoError(t, err)
		seen[string(body)] = true
		require.NoError(t, conn.WriteJSON(websocket.ClientFrame{Type: "ack", ReceiptHandle: f.ReceiptHandle}))
	}
	assert.Equal(t, map[string]bool{"one": true, "two": true}, seen)

	require.Eventually(t, func() bool {
		st := stats(t, b)
		return st.Available == 0 && st.InFlight == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocket_CreditLimitsUnsettled(t *testing.T) {
	b := newBroker(t)
	conn := dial(t, serve(t, b)+"/queues/jobs/ws?max=1")
	enqueue(t, b, "a", "b")

	first := readFrame(t, conn)
	time.Sleep(100 * time.Millisecond)
	st := stats(t, b)
	assert.Equal(t, 1, st.InFlight, "only one message may be unsettled")
	assert.Equal(t, 1, st.Available)

	require.NoError(t, conn.WriteJSON(websocket.ClientFrame{Type: "ack", ReceiptHandle: first.ReceiptHandle}))
	second := readFrame(t, conn)
	assert.Equal(t, "message", second.Type)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestWebSocket_NackRedelivers(t *testing.T) {
	b := newBroker(t)
	conn := dial(t, serve(t, b)+"/queues/jobs/ws")
	enqueue(t, b, "retry")

	f := readFrame(t, conn)
	require.NoError(t, conn.WriteJSON(websocket.ClientFrame{Type: "nack", ReceiptHandle: f.ReceiptHandle}))

	again := readFrame(t, conn)
	assert.Equal(t, f.ID, again.ID)
	assert.Equal(t, 2, again.ReceiveCount)
	assert.NotEqual(t, f.ReceiptHandle, again.ReceiptHandle)
}

func TestWebSocket_ExtendAndBadFrames(t *testing.T) {
	b := newBroker(t)
	conn := dial(t, serve(t, b)+"/queues/jobs/ws")
	enqueue(t, b, "x")
	f := readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(websocket.ClientFrame{Type: "extend", ReceiptHandle: f.ReceiptHandle, TimeoutMs: 60_000}))
	require.NoError(t, conn.WriteJSON(websocket.ClientFrame{Type: "extend", ReceiptHandle: f.ReceiptHandle}))
	e := readFrame(t, conn)
	assert.Equal(t, "error", e.Type)
	assert.Contains(t, e.Error, "timeout_ms")

	require.NoError(t, conn.WriteJSON(websocket.ClientFrame{Type: "extend", ReceiptHandle: f.ReceiptHandle, TimeoutMs: math.MaxInt64}))
	e = readFrame(t, conn)
	assert.Equal(t, "error", e.Type)
	assert.Contains(t, e.Error, "timeout_ms")

	require.NoError(t, conn.WriteMessage(gorillaws.TextMessage, []byte("{not json")))
	e = readFrame(t, conn)
	assert.Equal(t, "error", e.Type)

	require.NoError(t, conn.WriteJSON(websocket.ClientFrame{Type: "nack", ReceiptHandle: "stale"}))
	e = readFrame(t, conn)
	assert.Equal(t, "error", e.Type)
	assert.Equal(t, "stale", e.ReceiptHandle)
}

func TestWebSocket_DisconnectReleasesUnsettled(t *testing.T) {
	b := newBroker(t)
	conn := dial(t, serve(t, b)+"/queues/jobs/ws")
	enqueue(t, b, "orphan")
	readFrame(t, conn)
	require.Equal(t, 1, stats(t, b).InFlight)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		st := stats(t, b)
		return st.Available == 1 && st.InFlight == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestWebSocket_UnknownQueue(t *testing.T) {
	b := newBroker(t)
	_, resp, err := gorillaws.DefaultDialer.Dial(serve(t, b)+"/queues/ghost/ws", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebSocket_BadQuery(t *testing.T) {
	b := newBroker(t)
	_, resp, err := gorillaws.DefaultDialer.Dial(serve(t, b)+"/queues/jobs/ws?max=0", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
