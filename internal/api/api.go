// Package api provides the HTTP server and process wiring for DineFlow.
//
// It exposes the encrypted flow data-exchange endpoint, the chat webhooks and
// operator endpoints, and assembles the store, dispatcher, messaging service
// and pipelines behind them.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BTreeMap/DineFlow/internal/dispatch"
	"github.com/BTreeMap/DineFlow/internal/exchange"
	"github.com/BTreeMap/DineFlow/internal/flow"
	"github.com/BTreeMap/DineFlow/internal/flowcrypto"
	"github.com/BTreeMap/DineFlow/internal/messaging"
	"github.com/BTreeMap/DineFlow/internal/store"
	"github.com/BTreeMap/DineFlow/internal/twiliowhatsapp"
	"github.com/BTreeMap/DineFlow/internal/whatsapp"
)

// Messaging drivers.
const (
	DriverLog      = "log"
	DriverTwilio   = "twilio"
	DriverWhatsApp = "whatsapp"
)

const (
	DefaultAddr            = ":8080"
	DefaultShutdownTimeout = 10 * time.Second
)

// Opts holds configuration for the API server.
type Opts struct {
	Addr             string
	DBDSN            string // empty keeps everything in memory
	RedisURL         string
	KeyLoader        flowcrypto.KeyLoader
	PageSize         int
	CatalogSeed      string
	DefaultCurrency  string
	Dispatch         []dispatch.Option
	DeadLetters      bool
	MessagingDriver  string
	Twilio           []twiliowhatsapp.Option
	TwilioWebhookURL string
	WhatsApp         []whatsapp.Option
	ShutdownTimeout  time.Duration
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the HTTP listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithDBDSN selects the store: a PostgreSQL connection string or a SQLite path.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) { o.DBDSN = dsn }
}

// WithRedisURL keeps conversation state in Redis.
func WithRedisURL(url string) Option {
	return func(o *Opts) { o.RedisURL = url }
}

// WithFlowKey sets where the flow private key is read from.
func WithFlowKey(loader flowcrypto.KeyLoader) Option {
	return func(o *Opts) { o.KeyLoader = loader }
}

// WithPageSize sets the flow list page size.
func WithPageSize(n int) Option {
	return func(o *Opts) { o.PageSize = n }
}

// WithCatalogSeed upserts the YAML catalog at path on startup.
func WithCatalogSeed(path string) Option {
	return func(o *Opts) { o.CatalogSeed = path }
}

// WithDefaultCurrency sets the currency for bars and items without one.
func WithDefaultCurrency(c string) Option {
	return func(o *Opts) { o.DefaultCurrency = c }
}

// WithDispatchOptions configures the notification dispatcher.
func WithDispatchOptions(opts ...dispatch.Option) Option {
	return func(o *Opts) { o.Dispatch = append(o.Dispatch, opts...) }
}

// WithDeadLetters persists notifications that exhausted their retries.
func WithDeadLetters(enabled bool) Option {
	return func(o *Opts) { o.DeadLetters = enabled }
}

// WithMessagingDriver selects twilio, whatsapp or log.
func WithMessagingDriver(name string) Option {
	return func(o *Opts) { o.MessagingDriver = name }
}

// WithTwilioOptions configures the Twilio client.
func WithTwilioOptions(opts ...twiliowhatsapp.Option) Option {
	return func(o *Opts) { o.Twilio = append(o.Twilio, opts...) }
}

// WithTwilioWebhookURL enables signature checks on /webhook/twilio. url must
// be the public URL Twilio posts to.
func WithTwilioWebhookURL(url string) Option {
	return func(o *Opts) { o.TwilioWebhookURL = url }
}

// WithWhatsAppOptions configures the whatsmeow client.
func WithWhatsAppOptions(opts ...whatsapp.Option) Option {
	return func(o *Opts) { o.WhatsApp = append(o.WhatsApp, opts...) }
}

// WithShutdownTimeout bounds graceful shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *Opts) { o.ShutdownTimeout = d }
}

// Run builds the service and serves HTTP until SIGINT or SIGTERM.
func Run(opts ...Option) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return serve(ctx, opts...)
}

func serve(ctx context.Context, opts ...Option) error {
	a, err := newApp(ctx, opts...)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              a.opts.Addr,
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server listening", "addr", a.opts.Addr, "messaging", a.opts.MessagingDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		slog.Info("API server shutting down", "reason", context.Cause(ctx))
	case serveErr = <-errCh:
		slog.Error("API server failed", "error", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("API server shutdown incomplete", "error", err)
	}
	return errors.Join(serveErr, a.close(shutdownCtx))
}

// app holds the assembled components in shutdown order.
type app struct {
	opts       Opts
	store      store.Store
	dispatcher *dispatch.Dispatcher
	service    messaging.Service
	inbound    *messaging.InboundRouter
	server     *Server
	cancel     context.CancelFunc
}

func newApp(ctx context.Context, opts ...Option) (*app, error) {
	o := Opts{
		Addr:            DefaultAddr,
		PageSize:        exchange.DefaultPageSize,
		MessagingDriver: DriverLog,
		ShutdownTimeout: DefaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	slog.Debug("api.newApp: options", "addr", o.Addr, "db_set", o.DBDSN != "", "redis_set", o.RedisURL != "",
		"key_set", o.KeyLoader != nil, "pageSize", o.PageSize, "messaging", o.MessagingDriver, "deadLetters", o.DeadLetters)

	keys := flowcrypto.NewKeyCache(o.KeyLoader)
	if keys.Configured() {
		if _, err := keys.Get(); err != nil {
			return nil, fmt.Errorf("load flow private key: %w", err)
		}
	} else {
		slog.Warn("api.newApp: no flow private key configured; encrypted requests will be refused")
	}

	st, err := openStore(ctx, o)
	if err != nil {
		return nil, err
	}
	if n, err := st.PruneInbound(ctx, time.Now().Add(-store.DefaultDedupRetention)); err != nil {
		slog.Warn("api.newApp: dedup prune failed", "error", err)
	} else if n > 0 {
		slog.Info("api.newApp: pruned remembered message ids", "count", n)
	}
	if o.CatalogSeed != "" {
		cf, err := store.LoadCatalogFile(o.CatalogSeed)
		if err == nil {
			err = store.SeedCatalog(ctx, st, cf)
		}
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("seed catalog: %w", err)
		}
	}

	dispatchOpts := append([]dispatch.Option(nil), o.Dispatch...)
	if o.DeadLetters {
		dispatchOpts = append(dispatchOpts, dispatch.WithDeadLetterSink(st))
	}
	d := dispatch.New(dispatchOpts...)

	svc, twilioHook, err := newMessagingService(ctx, o)
	if err != nil {
		st.Close()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if err := svc.Start(runCtx); err != nil {
		cancel()
		st.Close()
		return nil, fmt.Errorf("start messaging service: %w", err)
	}
	d.Start()

	notifier := messaging.NewNotifier(svc, d)
	orders := flow.NewOrderService(st, flow.WithNotifier(notifier), flow.WithDefaultCurrency(o.DefaultCurrency))
	pipeline := flow.NewPipeline(st, flow.WithOrderService(orders))
	router := exchange.NewRouter(st, exchange.WithPageSize(o.PageSize), exchange.WithOrderPlacer(orders))
	inbound := messaging.NewInboundRouter(pipeline, st, notifier)
	inbound.Start(runCtx, svc)
	go drainReceipts(svc)

	serverOpts := []ServerOption{WithKeyCache(keys), WithDriverName(o.MessagingDriver)}
	if o.DeadLetters {
		serverOpts = append(serverOpts, WithDeadLetters(st))
	}
	if twilioHook != nil {
		serverOpts = append(serverOpts, WithTwilioWebhook(twilioHook))
	}
	return &app{
		opts:       o,
		store:      st,
		dispatcher: d,
		service:    svc,
		inbound:    inbound,
		server:     NewServer(router, inbound, st, serverOpts...),
		cancel:     cancel,
	}, nil
}

func openStore(ctx context.Context, o Opts) (store.Store, error) {
	var base store.Store
	switch {
	case o.DBDSN == "":
		slog.Warn("api.openStore: no database configured, using in-memory store")
		base = store.NewInMemoryStore()
	case store.DetectDSNType(o.DBDSN) == "postgres":
		pg, err := store.NewPostgresStore(store.WithPostgresDSN(o.DBDSN))
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		base = pg
	default:
		lite, err := store.NewSQLiteStore(store.WithSQLiteDSN(o.DBDSN))
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		base = lite
	}
	if o.RedisURL == "" {
		return base, nil
	}
	rs, err := store.NewRedisStateStore(ctx, o.RedisURL)
	if err != nil {
		base.Close()
		return nil, fmt.Errorf("open redis state store: %w", err)
	}
	return store.WithStateStore(base, rs), nil
}

func newMessagingService(ctx context.Context, o Opts) (messaging.Service, http.HandlerFunc, error) {
	switch o.MessagingDriver {
	case DriverTwilio:
		client, err := twiliowhatsapp.NewClient(o.Twilio...)
		if err != nil {
			return nil, nil, fmt.Errorf("create twilio client: %w", err)
		}
		var topts []messaging.TwilioOption
		if o.TwilioWebhookURL != "" {
			topts = append(topts, messaging.WithSignatureValidation(client, o.TwilioWebhookURL))
		} else {
			slog.Warn("api.newMessagingService: Twilio webhook signature checks disabled")
		}
		svc := messaging.NewTwilioService(client, topts...)
		return svc, svc.TwilioWebhookHandler, nil
	case DriverWhatsApp:
		client, err := whatsapp.NewClient(ctx, o.WhatsApp...)
		if err != nil {
			return nil, nil, fmt.Errorf("create whatsapp client: %w", err)
		}
		return messaging.NewWhatsAppService(client), nil, nil
	case DriverLog, "":
		return messaging.NewLogService(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown messaging driver %q", o.MessagingDriver)
	}
}

// drainReceipts keeps the receipt channel from backing up sends.
func drainReceipts(svc messaging.Service) {
	for r := range svc.Receipts() {
		slog.Debug("api.drainReceipts: receipt", "to", r.To, "status", r.Status)
	}
}

// close stops intake, flushes queued notifications, then releases the
// messaging service and store.
func (a *app) close(ctx context.Context) error {
	a.cancel()
	a.inbound.Wait()
	var errs []error
	if err := a.dispatcher.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close dispatcher: %w", err))
	}
	if err := a.service.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop messaging service: %w", err))
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	slog.Info("API server stopped")
	return errors.Join(errs...)
}
