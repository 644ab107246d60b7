// Package app wires all anamnese subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP and drives the ingestion and completion
// workers, and Shutdown tears everything down in order.
//
// For testing, inject in-process implementations via functional options
// (WithStore, WithBlobStore, WithQueue, etc.). When an option is not
// provided, New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/anamnese/internal/alert"
	"github.com/MrWong99/anamnese/internal/api"
	"github.com/MrWong99/anamnese/internal/auth"
	"github.com/MrWong99/anamnese/internal/changefeed"
	"github.com/MrWong99/anamnese/internal/completion"
	"github.com/MrWong99/anamnese/internal/config"
	"github.com/MrWong99/anamnese/internal/connreg"
	"github.com/MrWong99/anamnese/internal/delivery"
	"github.com/MrWong99/anamnese/internal/gateway"
	"github.com/MrWong99/anamnese/internal/health"
	"github.com/MrWong99/anamnese/internal/ingest"
	"github.com/MrWong99/anamnese/internal/observe"
	"github.com/MrWong99/anamnese/internal/queue"
	"github.com/MrWong99/anamnese/pkg/blob"
	blobjs "github.com/MrWong99/anamnese/pkg/blob/jetstream"
	"github.com/MrWong99/anamnese/pkg/provider/stt"
	"github.com/MrWong99/anamnese/pkg/provider/summary"
	"github.com/MrWong99/anamnese/pkg/store"
	storemock "github.com/MrWong99/anamnese/pkg/store/mock"
	"github.com/MrWong99/anamnese/pkg/store/postgres"
)

// deliveryTimeout bounds one relayed push or close, including the gateway's
// own WebSocket write.
const deliveryTimeout = gateway.DefaultWriteTimeout + 5*time.Second

// Providers holds the provider instances resolved by main.go via the config
// registry. Names are only used as metric and log labels.
type Providers struct {
	STT     stt.Provider
	STTName string

	Summary     summary.Provider
	SummaryName string
}

// WorkQueue is the chunk notification queue. [queue.Queue] implements it.
type WorkQueue interface {
	Publish(ctx context.Context, n queue.Notification) error
	Run(ctx context.Context, h queue.Handler) error
}

// App owns all subsystem lifetimes and orchestrates the anamnese pipeline.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Injected or built in New.
	store    store.Store
	openFeed changefeed.OpenFunc
	blobs    blob.Store
	queue    WorkQueue
	registry connreg.Registry
	verifier auth.Verifier
	alerter  alert.Alerter
	metrics  *observe.Metrics

	// Built in New.
	nc         *nats.Conn
	hub        *gateway.Hub
	ingest     *ingest.Worker
	completion *completion.Worker
	feed       *changefeed.Feed
	handler    http.Handler
	checkers   []health.Checker
	health     *health.Handler

	server *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects the record store and the change stream it feeds,
// instead of connecting to PostgreSQL.
func WithStore(s store.Store, open changefeed.OpenFunc) Option {
	return func(a *App) {
		a.store = s
		a.openFeed = open
	}
}

// WithBlobStore injects the audio chunk object store.
func WithBlobStore(b blob.Store) Option {
	return func(a *App) { a.blobs = b }
}

// WithQueue injects the chunk notification queue.
func WithQueue(q WorkQueue) Option {
	return func(a *App) { a.queue = q }
}

// WithRegistry injects the connection registry instead of creating one from
// config.
func WithRegistry(r connreg.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithVerifier injects the identity verifier instead of creating one from
// config.
func WithVerifier(v auth.Verifier) Option {
	return func(a *App) { a.verifier = v }
}

// WithAlerter sets where unhandled completion errors are reported. main.go
// passes an [alert.Slack] it keeps for hot reload. Defaults to [alert.Nop].
func WithAlerter(al alert.Alerter) Option {
	return func(a *App) { a.alerter = al }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Use Option functions
// to inject test doubles for any subsystem.
//
// New performs all initialisation synchronously: store connection and schema
// migration, NATS stream and bucket creation, registry connection, and worker
// construction. Nothing is served or consumed until [App.Run].
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.STT == nil || providers.Summary == nil {
		return nil, errors.New("app: stt and summary providers are required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.alerter == nil {
		a.alerter = alert.Nop{}
	}

	// ── 1. Record store + change stream ──────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. NATS: blob store + work queue ────────────────────────────────
	if err := a.initNATS(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init nats: %w", err)
	}

	// ── 3. Connection registry ──────────────────────────────────────────
	if err := a.initRegistry(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init registry: %w", err)
	}

	// ── 4. Identity ─────────────────────────────────────────────────────
	if a.verifier == nil {
		a.verifier = newVerifier(cfg.Auth)
	}

	// ── 5. Gateway + delivery ───────────────────────────────────────────
	pusher, err := a.initDelivery()
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init delivery: %w", err)
	}

	// ── 6. Workers ──────────────────────────────────────────────────────
	a.ingest = ingest.New(a.blobs, providers.STT, a.store,
		ingest.WithConcurrency(cfg.Ingest.Concurrency),
		ingest.WithContextSegments(cfg.Ingest.ContextSegments),
		ingest.WithLanguage(cfg.Ingest.Language),
		ingest.WithMetrics(a.metrics),
		ingest.WithProviderName(providers.STTName),
	)
	a.completion = completion.New(a.store, providers.Summary, a.registry, pusher,
		completion.WithSettle(cfg.Completion.SettleAttempts, cfg.Completion.SettleBackoff),
		completion.WithConcurrency(cfg.Completion.Concurrency),
		completion.WithAlerter(a.alerter),
		completion.WithMaxLogLines(cfg.Alert.MaxLogLines),
		completion.WithMetrics(a.metrics),
		completion.WithProviderName(providers.SummaryName),
	)
	a.feed = changefeed.New(a.openFeed, a.completion, changefeed.Config{
		BatchSize:     cfg.Completion.BatchSize,
		FlushInterval: cfg.Completion.FlushInterval,
	})

	// ── 7. HTTP surface ─────────────────────────────────────────────────
	a.handler = a.buildHandler()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore connects to PostgreSQL, or falls back to the in-memory store
// when no DSN is configured.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		if a.openFeed == nil {
			return errors.New("an injected store needs a change stream")
		}
		return nil
	}

	if dsn := a.cfg.Postgres.DSN; dsn != "" {
		pg, err := postgres.NewStore(ctx, dsn)
		if err != nil {
			return err
		}
		a.store = pg
		a.openFeed = func(ctx context.Context) (store.ChangeSource, error) {
			return postgres.Listen(ctx, pg.Pool())
		}
		a.checkers = append(a.checkers, health.Ping("postgres", pg))
		a.closers = append(a.closers, func() error {
			pg.Close()
			return nil
		})
		slog.Info("connected to postgres")
		return nil
	}

	slog.Warn("using in-memory store")
	mem := storemock.New()
	a.store = mem
	a.openFeed = memoryFeed(mem)
	return nil
}

// memoryFeed returns an OpenFunc over mem. The first subscription is taken
// immediately so that no change made between New and Run is missed.
func memoryFeed(mem *storemock.Store) changefeed.OpenFunc {
	first := mem.Subscribe()
	return func(context.Context) (store.ChangeSource, error) {
		if src := first; src != nil {
			first = nil
			return src, nil
		}
		return mem.Subscribe(), nil
	}
}

// initNATS connects to NATS when configured and creates whichever of the
// object store and work queue were not injected.
func (a *App) initNATS(ctx context.Context) error {
	url := a.cfg.NATS.URL
	if url == "" {
		if a.blobs == nil || a.queue == nil {
			return errors.New("nats.url is required")
		}
		return nil
	}

	nc, err := nats.Connect(url,
		nats.Name(a.cfg.Telemetry.ServiceName),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return fmt.Errorf("connect %q: %w", url, err)
	}
	a.nc = nc
	a.checkers = append(a.checkers, health.NATS(nc))
	a.closers = append(a.closers, func() error {
		return nc.Drain()
	})

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("jetstream: %w", err)
	}

	if a.blobs == nil {
		bs, err := blobjs.New(ctx, js, a.cfg.NATS.Bucket)
		if err != nil {
			return err
		}
		a.blobs = bs
	}

	if a.queue == nil {
		q, err := queue.New(ctx, js, queue.Config{
			Stream:     a.cfg.NATS.Stream,
			Subject:    a.cfg.NATS.Subject,
			DLQSubject: a.cfg.NATS.DLQSubject,
			Consumer:   a.cfg.NATS.Consumer,
			MaxDeliver: a.cfg.NATS.MaxDeliver,
			BatchSize:  a.cfg.NATS.BatchSize,
			FetchWait:  a.cfg.NATS.FetchWait,
			AckWait:    a.cfg.NATS.AckWait,
		}, queue.WithMetrics(a.metrics))
		if err != nil {
			return err
		}
		a.queue = q
	}

	slog.Info("connected to nats", "url", nc.ConnectedUrl(), "stream", a.cfg.NATS.Stream, "bucket", a.cfg.NATS.Bucket)
	return nil
}

// initRegistry connects to Redis, or falls back to the in-memory registry.
func (a *App) initRegistry(ctx context.Context) error {
	if a.registry != nil {
		return nil
	}
	if url := a.cfg.Redis.URL; url != "" {
		r, err := connreg.Dial(ctx, url, a.cfg.Redis.KeyPrefix)
		if err != nil {
			return err
		}
		a.registry = r
		a.checkers = append(a.checkers, health.Ping("redis", r))
		a.closers = append(a.closers, r.Close)
		return nil
	}
	a.registry = connreg.NewMemory()
	return nil
}

// initDelivery builds the WebSocket hub and returns the pusher the completion
// worker delivers through. With NATS every connection is reachable from any
// instance through the relay; without it the hub is used directly.
func (a *App) initDelivery() (delivery.Pusher, error) {
	hubOpts := []gateway.Option{
		gateway.WithOriginPatterns(a.cfg.Server.AllowedOrigins...),
		gateway.WithMetrics(a.metrics),
	}

	if a.nc == nil {
		a.hub = gateway.NewHub(a.registry, a.verifier, hubOpts...)
		return a.hub, nil
	}

	prefix := a.cfg.NATS.DeliverySubject
	var relay *delivery.Relay
	hubOpts = append(hubOpts, gateway.WithAttach(func(connectionID string) (func(), error) {
		return relay.Attach(connectionID)
	}))
	a.hub = gateway.NewHub(a.registry, a.verifier, hubOpts...)
	relay = delivery.NewRelay(a.nc, prefix, a.hub)
	return delivery.NewNATSPusher(a.nc, prefix, deliveryTimeout), nil
}

func newVerifier(cfg config.AuthConfig) auth.Verifier {
	if cfg.Insecure {
		return auth.Insecure{}
	}
	var opts []auth.JWTOption
	if cfg.Issuer != "" {
		opts = append(opts, auth.WithIssuer(cfg.Issuer))
	}
	return auth.NewJWT([]byte(cfg.JWTSecret), opts...)
}

// buildHandler assembles every route behind the observability middleware.
func (a *App) buildHandler() http.Handler {
	mux := http.NewServeMux()

	api.New(a.store, a.blobs, a.queue,
		api.WithBucket(a.cfg.NATS.Bucket),
		api.WithMaxChunkBytes(a.cfg.Ingest.MaxChunkBytes),
	).Register(mux, a.verifier)

	mux.Handle("GET /ws", a.hub)
	a.health = health.New(a.checkers, health.WithTimeout(a.cfg.Server.ReadyTimeout))
	a.health.Register(mux)
	if path := a.cfg.Telemetry.MetricsPath; path != "" {
		mux.Handle("GET "+path, observe.Handler())
	}

	return observe.Middleware(a.metrics)(mux)
}

// Handler returns the application's HTTP handler. It is what [App.Run]
// serves and is exposed for tests.
func (a *App) Handler() http.Handler {
	return a.handler
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP on cfg.Server.ListenAddr and runs the ingestion and
// completion workers. It blocks until ctx is cancelled or a component fails,
// and returns nil on cancellation.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %q: %w", a.cfg.Server.ListenAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is like [App.Run] but accepts connections on ln.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	a.server = &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		a.health.Drain()
		a.hub.Shutdown(shutdownCtx)
		return a.server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		if err := a.queue.Run(gctx, a.ingest); err != nil {
			return fmt.Errorf("app: ingest: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := a.feed.Run(gctx); err != nil {
			return fmt.Errorf("app: changefeed: %w", err)
		}
		return nil
	})

	slog.Info("app running",
		"addr", ln.Addr().String(),
		"stt", a.providers.STTName,
		"summary", a.providers.SummaryName,
	)
	err := g.Wait()
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned. Call it after
// [App.Run] has returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll releases whatever New had already acquired when a later step fails.
func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
	a.closers = nil
}
