package dispatch

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BTreeMap/DineFlow/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncBuffer is a bytes.Buffer safe for concurrent log writes and reads.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestLogger() (*slog.Logger, *syncBuffer) {
	buf := &syncBuffer{}
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})), buf
}

func closeDispatcher(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Close(ctx))
}

func waitAll(t *testing.T, tickets []*Ticket) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, tk := range tickets {
		_ = tk.Wait(ctx)
	}
	require.NoError(t, ctx.Err(), "tickets did not resolve in time")
}

func TestDispatcher_Backpressure(t *testing.T) {
	const concurrency = 4
	const duration = 100 * time.Millisecond
	d := New(WithConcurrency(concurrency), WithRateLimit(0, 0))
	d.Start()
	defer closeDispatcher(t, d)

	var inFlight, maxInFlight, successes int32
	send := func(ctx context.Context) error {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			m := atomic.LoadInt32(&maxInFlight)
			if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
				break
			}
		}
		time.Sleep(duration)
		atomic.AddInt32(&inFlight, -1)
		atomic.AddInt32(&successes, 1)
		return nil
	}

	start := time.Now()
	var tickets []*Ticket
	for i := 0; i < 2*concurrency; i++ {
		tk, err := d.Enqueue(TaskMeta{Recipient: "250788000001", MessageType: "receipt"}, send)
		require.NoError(t, err)
		tickets = append(tickets, tk)
	}
	waitAll(t, tickets)
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 2*duration, "second batch must wait for a free slot")
	assert.Equal(t, int32(2*concurrency), atomic.LoadInt32(&successes))
	assert.LessOrEqual(t, atomic.LoadInt32(&maxInFlight), int32(concurrency))
	for _, tk := range tickets {
		assert.NoError(t, tk.Err())
		assert.Equal(t, 1, tk.Attempts())
	}
}

func TestDispatcher_RetryOnceThenSucceed(t *testing.T) {
	logger, logs := newTestLogger()
	d := New(WithRetries(2), WithBackoff(time.Millisecond, 5*time.Millisecond), WithLogger(logger))
	d.Start()
	defer closeDispatcher(t, d)

	var calls int32
	tk, err := d.Enqueue(TaskMeta{Recipient: "250788000100", MessageType: "vendor_alert", CorrelationID: "ord-1"},
		func(ctx context.Context) error {
			if atomic.AddInt32(&calls, 1) == 1 {
				return errors.New("503 service unavailable")
			}
			return nil
		})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tk.Wait(ctx))
	assert.Equal(t, 2, tk.Attempts())
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, 1, strings.Count(logs.String(), "send failed, retrying"))
	assert.NotContains(t, logs.String(), "dropping task after retries")
}

type recordingSink struct {
	mu      sync.Mutex
	letters []store.DeadLetter
}

func (s *recordingSink) RecordDeadLetter(ctx context.Context, d store.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.letters = append(s.letters, d)
	return nil
}

func TestDispatcher_DropAfterRetries(t *testing.T) {
	logger, logs := newTestLogger()
	sink := &recordingSink{}
	d := New(WithRetries(2), WithBackoff(time.Millisecond, 2*time.Millisecond), WithLogger(logger), WithDeadLetterSink(sink))
	d.Start()
	defer closeDispatcher(t, d)

	sendErr := errors.New("connection refused")
	tk, err := d.Enqueue(TaskMeta{Recipient: "250788000100", MessageType: "vendor_alert", CorrelationID: "ord-9", Payload: "New order"},
		func(ctx context.Context) error { return sendErr })
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = tk.Wait(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDelivery)
	assert.ErrorIs(t, err, sendErr)
	assert.Equal(t, 3, tk.Attempts())

	out := logs.String()
	assert.Equal(t, 2, strings.Count(out, "send failed, retrying"))
	assert.Equal(t, 1, strings.Count(out, "dropping task after retries"))
	assert.Contains(t, out, `"correlationID":"ord-9"`)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.letters, 1)
	assert.Equal(t, "ord-9", sink.letters[0].CorrelationID)
	assert.Equal(t, 3, sink.letters[0].Attempts)
	assert.Equal(t, "New order", sink.letters[0].Payload)
}

func TestDispatcher_FIFOAdmission(t *testing.T) {
	d := New(WithConcurrency(1))
	var mu sync.Mutex
	var order []int
	var tickets []*Ticket
	for i := 0; i < 10; i++ {
		i := i
		tk, err := d.Enqueue(TaskMeta{MessageType: "receipt"}, func(ctx context.Context) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		})
		require.NoError(t, err)
		tickets = append(tickets, tk)
	}
	d.Start()
	defer closeDispatcher(t, d)
	waitAll(t, tickets)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
}

func TestDispatcher_RateLimit(t *testing.T) {
	// 5 per 100ms paces attempts 20ms apart; 6 sends need at least 100ms.
	d := New(WithConcurrency(6), WithRateLimit(5, 100*time.Millisecond))
	d.Start()
	defer closeDispatcher(t, d)

	start := time.Now()
	var tickets []*Ticket
	for i := 0; i < 6; i++ {
		tk, err := d.Enqueue(TaskMeta{MessageType: "receipt"}, func(ctx context.Context) error { return nil })
		require.NoError(t, err)
		tickets = append(tickets, tk)
	}
	waitAll(t, tickets)
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestDispatcher_QueueFullAndClosed(t *testing.T) {
	d := New(WithQueueSize(1))
	noop := func(ctx context.Context) error { return nil }

	_, err := d.Enqueue(TaskMeta{}, noop)
	require.NoError(t, err)
	_, err = d.Enqueue(TaskMeta{}, noop)
	assert.ErrorIs(t, err, ErrQueueFull)

	_, err = d.Enqueue(TaskMeta{}, nil)
	assert.Error(t, err)

	closeDispatcher(t, d)
	_, err = d.Enqueue(TaskMeta{}, noop)
	assert.ErrorIs(t, err, ErrDispatcherClosed)
	assert.NoError(t, d.Close(context.Background()), "second close is a no-op")
}

func TestDispatcher_CloseDrainsQueuedTasks(t *testing.T) {
	d := New(WithConcurrency(2))
	var delivered int32
	var tickets []*Ticket
	for i := 0; i < 5; i++ {
		tk, err := d.Enqueue(TaskMeta{}, func(ctx context.Context) error {
			atomic.AddInt32(&delivered, 1)
			return nil
		})
		require.NoError(t, err)
		tickets = append(tickets, tk)
	}
	closeDispatcher(t, d)
	assert.Equal(t, int32(5), atomic.LoadInt32(&delivered))
	for _, tk := range tickets {
		select {
		case <-tk.Done():
		default:
			t.Fatal("ticket not resolved after Close")
		}
	}
}

func TestDispatcher_CloseDeadline(t *testing.T) {
	d := New(WithConcurrency(1), WithRetries(0))
	d.Start()
	tk, err := d.Enqueue(TaskMeta{}, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Close(ctx), context.DeadlineExceeded)
	assert.ErrorIs(t, tk.Err(), ErrDelivery)
}
