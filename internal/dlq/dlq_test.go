package dlq_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/leaseq/internal/clock"
	"github.com/snehjoshi/leaseq/internal/dlq"
	"github.com/snehjoshi/leaseq/internal/queue"
	"github.com/snehjoshi/leaseq/internal/scheduler"
	"github.com/snehjoshi/leaseq/internal/storage/memory"
	"github.com/snehjoshi/leaseq/internal/types"
)

// ─── helpers ──────────────────────────────────────────────────────────────────

type fixture struct {
	clk   *clock.Manual
	sched *scheduler.Scheduler
	qm    *queue.Manager
	dlq   *dlq.Manager
	src   *queue.Queue
	dead  *queue.Queue
}

// newFixture creates "orders" (MaxReceiveCount 1) dead-lettering into
// "orders-dlq".
func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewManual(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	sched := scheduler.New(scheduler.WithClock(clk))

	cfg := queue.DefaultConfig()
	cfg.VisibilityTimeout = time.Second
	cfg.ScanInterval = time.Hour

	qm := queue.NewManager(memory.Factory, sched, cfg,
		queue.WithClock(clk),
		queue.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	sched.Bind(qm.SchedulerReadyFn())
	t.Cleanup(func() { _ = qm.Close() })

	dead, err := qm.Create("orders-dlq", cfg)
	require.NoError(t, err)

	srcCfg := cfg
	srcCfg.MaxReceiveCount = 1
	srcCfg.DeadLetterTarget = "orders-dlq"
	src, err := qm.Create("orders", srcCfg)
	require.NoError(t, err)

	return &fixture{clk: clk, sched: sched, qm: qm, dlq: dlq.NewManager(qm), src: src, dead: dead}
}

// deadLetter pushes body through one failed delivery into the DLQ.
func (f *fixture) deadLetter(t *testing.T, body string, attrs map[string]string) {
	t.Helper()
	ctx := context.Background()
	_, err := f.src.Enqueue(ctx, queue.EnqueueRequest{Body: []byte(body), Attributes: attrs})
	require.NoError(t, err)

	got, err := f.src.Receive(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.NoError(t, f.src.Nack(ctx, got[0].ReceiptHandle, 0))

	// The nack used up the receive budget, so the message was redriven.
	got, err = f.src.Receive(ctx, 1, 0)
	require.NoError(t, err)
	require.Empty(t, got)
}

// ─── tests ────────────────────────────────────────────────────────────────────

func TestPeek(t *testing.T) {
	f := newFixture(t)
	f.deadLetter(t, "a", nil)
	f.deadLetter(t, "b", nil)

	msgs, err := f.dlq.Peek("orders-dlq", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "a", string(msgs[0].Body))
	assert.Equal(t, "orders", msgs[0].Attributes[types.AttrSourceQueue])
	assert.Equal(t, types.RedriveReasonMaxReceives, msgs[0].Attributes[types.AttrRedriveReason])

	// Peeking does not lease.
	assert.Equal(t, 2, f.dead.Stats().Available)
	assert.Equal(t, 2, f.dlq.Len("orders-dlq"))
}

func TestPeek_UnknownQueue(t *testing.T) {
	f := newFixture(t)
	_, err := f.dlq.Peek("nope", 1)
	assert.ErrorIs(t, err, queue.ErrQueueNotFound)
	assert.Zero(t, f.dlq.Len("nope"))
}

func TestDrain(t *testing.T) {
	f := newFixture(t)
	f.deadLetter(t, "a", nil)

	got, err := f.dlq.Drain(context.Background(), "orders-dlq", 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.NoError(t, f.dead.Ack(context.Background(), got[0].ReceiptHandle))
	assert.Zero(t, f.dlq.Len("orders-dlq"))
}

func TestReplay_ToSourceQueue(t *testing.T) {
	f := newFixture(t)
	f.deadLetter(t, "a", map[string]string{"tenant": "acme"})
	f.deadLetter(t, "b", nil)

	res, err := f.dlq.Replay(context.Background(), "orders-dlq", dlq.ReplayOptions{})
	require.NoError(t, err)
	assert.Equal(t, dlq.ReplayResult{Replayed: 2}, res)
	assert.Zero(t, f.dlq.Len("orders-dlq"))

	got, err := f.src.Receive(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", string(got[0].Body))
	assert.Equal(t, 1, got[0].ReceiveCount, "replayed copy starts a fresh receive budget")
	assert.Equal(t, map[string]string{"tenant": "acme"}, got[0].Attributes)
	assert.Nil(t, got[1].Attributes)
}

func TestReplay_Limit(t *testing.T) {
	f := newFixture(t)
	for _, b := range []string{"a", "b", "c"} {
		f.deadLetter(t, b, nil)
	}

	res, err := f.dlq.Replay(context.Background(), "orders-dlq", dlq.ReplayOptions{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Replayed)
	assert.Equal(t, 1, f.dlq.Len("orders-dlq"))
	assert.Equal(t, 2, f.src.Stats().Available)
}

func TestReplay_ExplicitTarget(t *testing.T) {
	f := newFixture(t)
	other, err := f.qm.Create("orders-retry", f.qm.Defaults())
	require.NoError(t, err)
	f.deadLetter(t, "a", nil)

	res, err := f.dlq.Replay(context.Background(), "orders-dlq", dlq.ReplayOptions{Target: "orders-retry"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Replayed)
	assert.Equal(t, 1, other.Stats().Available)
	assert.Zero(t, f.src.Stats().Available)
}

func TestReplay_MissingTargetKeepsMessage(t *testing.T) {
	f := newFixture(t)
	f.deadLetter(t, "a", nil)
	require.NoError(t, f.qm.Delete("orders"))

	res, err := f.dlq.Replay(context.Background(), "orders-dlq", dlq.ReplayOptions{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, dlq.ReplayResult{Failed: 1}, res)

	// Released back, not lost.
	assert.Equal(t, 1, f.dead.Stats().Available)
}

func TestReplay_NoSourceAttribute(t *testing.T) {
	f := newFixture(t)
	_, err := f.dead.Enqueue(context.Background(), queue.EnqueueRequest{Body: []byte("stray")})
	require.NoError(t, err)

	res, err := f.dlq.Replay(context.Background(), "orders-dlq", dlq.ReplayOptions{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, f.dlq.Len("orders-dlq"))
}

func TestReplay_UnknownQueue(t *testing.T) {
	f := newFixture(t)
	_, err := f.dlq.Replay(context.Background(), "ghost", dlq.ReplayOptions{})
	assert.ErrorIs(t, err, queue.ErrQueueNotFound)
}
