// Package dispatch runs outbound notification sends on a bounded worker pool
// with a shared rate limit and per-task retries.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/DineFlow/internal/metrics"
	"github.com/BTreeMap/DineFlow/internal/store"
	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

// Defaults.
const (
	DefaultConcurrency = 4
	DefaultRateLimit   = 20
	DefaultRateWindow  = time.Second
	DefaultRetries     = 2
	DefaultBaseBackoff = 250 * time.Millisecond
	DefaultMaxBackoff  = 5 * time.Second
	DefaultQueueSize   = 1024
)

var (
	// ErrDelivery wraps the last send error of a dropped task.
	ErrDelivery         = errors.New("delivery failed")
	ErrQueueFull        = errors.New("dispatch queue full")
	ErrDispatcherClosed = errors.New("dispatcher closed")
)

// TaskMeta identifies an outbound task in logs and dead letters.
type TaskMeta struct {
	Recipient     string
	MessageType   string
	CorrelationID string
	Payload       string // recorded with dead letters only
}

// SendFunc performs exactly one delivery attempt.
type SendFunc func(ctx context.Context) error

// DeadLetterSink receives tasks that exhausted their retries.
type DeadLetterSink interface {
	RecordDeadLetter(ctx context.Context, d store.DeadLetter) error
}

// Ticket resolves when its task is delivered or dropped.
type Ticket struct {
	done     chan struct{}
	err      error
	attempts int
}

func newTicket() *Ticket {
	return &Ticket{done: make(chan struct{})}
}

func (t *Ticket) resolve(attempts int, err error) {
	t.attempts = attempts
	t.err = err
	close(t.done)
}

// Done is closed once the task reaches a terminal outcome.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Err returns nil on delivery and an error wrapping ErrDelivery when the task
// was dropped. It is only meaningful after Done is closed.
func (t *Ticket) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Attempts returns the number of send attempts made, after Done is closed.
func (t *Ticket) Attempts() int {
	select {
	case <-t.done:
		return t.attempts
	default:
		return 0
	}
}

// Wait blocks until the task resolves or ctx is done.
func (t *Ticket) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type task struct {
	meta   TaskMeta
	send   SendFunc
	ticket *Ticket
}

// Opts holds dispatcher configuration.
type Opts struct {
	Concurrency int
	RateLimit   int
	RateWindow  time.Duration
	Retries     int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	QueueSize   int
	Logger      *slog.Logger
	DeadLetters DeadLetterSink
}

// Option configures a Dispatcher.
type Option func(*Opts)

// WithConcurrency sets the number of sends in flight.
func WithConcurrency(n int) Option {
	return func(o *Opts) { o.Concurrency = n }
}

// WithRateLimit allows at most max send attempts per window. A max of zero
// or less disables the limit.
func WithRateLimit(max int, window time.Duration) Option {
	return func(o *Opts) {
		o.RateLimit = max
		o.RateWindow = window
	}
}

// WithRetries sets how many times a failed send is retried.
func WithRetries(n int) Option {
	return func(o *Opts) { o.Retries = n }
}

// WithBackoff sets the first retry delay and the delay cap.
func WithBackoff(base, max time.Duration) Option {
	return func(o *Opts) {
		o.BaseBackoff = base
		o.MaxBackoff = max
	}
}

// WithQueueSize sets how many tasks may wait for a worker.
func WithQueueSize(n int) Option {
	return func(o *Opts) { o.QueueSize = n }
}

// WithLogger sets the logger; the default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *Opts) { o.Logger = l }
}

// WithDeadLetterSink records dropped tasks.
func WithDeadLetterSink(s DeadLetterSink) Option {
	return func(o *Opts) { o.DeadLetters = s }
}

// Dispatcher is a fixed worker pool fed by a FIFO queue. Every attempt,
// retries included, waits on the shared rate limiter first.
type Dispatcher struct {
	opts    Opts
	queue   chan *task
	limiter *rate.Limiter
	logger  *slog.Logger

	mu        sync.RWMutex
	closed    bool
	startOnce sync.Once
	wg        sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Dispatcher. Call Start to begin sending.
func New(opts ...Option) *Dispatcher {
	o := Opts{
		Concurrency: DefaultConcurrency,
		RateLimit:   DefaultRateLimit,
		RateWindow:  DefaultRateWindow,
		Retries:     DefaultRetries,
		BaseBackoff: DefaultBaseBackoff,
		MaxBackoff:  DefaultMaxBackoff,
		QueueSize:   DefaultQueueSize,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.Retries < 0 {
		o.Retries = 0
	}
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = DefaultBaseBackoff
	}
	if o.MaxBackoff < o.BaseBackoff {
		o.MaxBackoff = o.BaseBackoff
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}

	limit := rate.Inf
	if o.RateLimit > 0 && o.RateWindow > 0 {
		limit = rate.Every(o.RateWindow / time.Duration(o.RateLimit))
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		opts:    o,
		queue:   make(chan *task, o.QueueSize),
		limiter: rate.NewLimiter(limit, 1),
		logger:  o.Logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the workers. Calling it more than once has no effect.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		d.logger.Info("Dispatcher.Start: starting workers",
			"concurrency", d.opts.Concurrency, "rateLimit", d.opts.RateLimit,
			"rateWindow", d.opts.RateWindow, "retries", d.opts.Retries)
		for i := 0; i < d.opts.Concurrency; i++ {
			d.wg.Add(1)
			go d.run()
		}
	})
}

// Enqueue schedules fn and returns immediately. Callers that only need
// fire-and-forget delivery may ignore the ticket.
func (d *Dispatcher) Enqueue(meta TaskMeta, fn SendFunc) (*Ticket, error) {
	if fn == nil {
		return nil, errors.New("send function is required")
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, ErrDispatcherClosed
	}
	t := &task{meta: meta, send: fn, ticket: newTicket()}
	select {
	case d.queue <- t:
	default:
		d.logger.Warn("Dispatcher.Enqueue: queue full", "recipient", meta.Recipient, "messageType", meta.MessageType, "correlationID", meta.CorrelationID)
		return nil, ErrQueueFull
	}
	metrics.SetDispatchQueueDepth(len(d.queue))
	d.logger.Debug("Dispatcher.Enqueue: task queued", "recipient", meta.Recipient, "messageType", meta.MessageType, "correlationID", meta.CorrelationID)
	return t.ticket, nil
}

// Close stops accepting tasks and waits for queued tasks to finish. If ctx
// ends first, in-flight waits are cancelled and ctx.Err() is returned.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	d.Start()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.cancel()
		d.logger.Info("Dispatcher.Close: drained")
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		d.logger.Warn("Dispatcher.Close: shutdown deadline reached, pending tasks cancelled")
		return ctx.Err()
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for t := range d.queue {
		metrics.SetDispatchQueueDepth(len(d.queue))
		d.execute(t)
	}
}

func (d *Dispatcher) policy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.opts.BaseBackoff
	b.MaxInterval = d.opts.MaxBackoff
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(d.opts.Retries)), d.ctx)
}

func (d *Dispatcher) execute(t *task) {
	meta := t.meta
	attempts := 0
	var lastErr error
	op := func() error {
		if err := d.limiter.Wait(d.ctx); err != nil {
			return backoff.Permanent(err)
		}
		attempts++
		if err := t.send(d.ctx); err != nil {
			lastErr = err
			return err
		}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		metrics.RecordDispatchSend(meta.MessageType, metrics.OutcomeRetry)
		d.logger.Warn("Dispatcher: send failed, retrying",
			"recipient", meta.Recipient, "messageType", meta.MessageType, "correlationID", meta.CorrelationID,
			"attempt", attempts, "backoff", wait, "error", err)
	}

	err := backoff.RetryNotify(op, d.policy(), notify)
	if err == nil {
		metrics.RecordDispatchSend(meta.MessageType, metrics.OutcomeSuccess)
		d.logger.Debug("Dispatcher.run: task delivered", "recipient", meta.Recipient, "messageType", meta.MessageType,
			"correlationID", meta.CorrelationID, "attempts", attempts)
		t.ticket.resolve(attempts, nil)
		return
	}

	if lastErr == nil {
		lastErr = err
	}
	metrics.RecordDispatchSend(meta.MessageType, metrics.OutcomeDropped)
	d.logger.Error("Dispatcher.run: dropping task after retries",
		"recipient", meta.Recipient, "messageType", meta.MessageType, "correlationID", meta.CorrelationID,
		"attempts", attempts, "error", lastErr)
	d.recordDeadLetter(meta, attempts, lastErr)
	t.ticket.resolve(attempts, fmt.Errorf("%w: %s to %s after %d attempts: %w", ErrDelivery, meta.MessageType, meta.Recipient, attempts, lastErr))
}

func (d *Dispatcher) recordDeadLetter(meta TaskMeta, attempts int, cause error) {
	if d.opts.DeadLetters == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := d.opts.DeadLetters.RecordDeadLetter(ctx, store.DeadLetter{
		Recipient:     meta.Recipient,
		MessageType:   meta.MessageType,
		CorrelationID: meta.CorrelationID,
		Attempts:      attempts,
		LastError:     cause.Error(),
		Payload:       meta.Payload,
		CreatedAt:     time.Now(),
	})
	if err != nil {
		d.logger.Error("Dispatcher.recordDeadLetter: failed", "error", err, "correlationID", meta.CorrelationID)
	}
}
