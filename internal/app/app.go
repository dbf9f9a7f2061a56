// Package app wires configuration into the long-lived services of a sync
// process: the artifact store, the session client, the source registry, the
// progress hub and the dispatcher.
package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/gazette-sync/internal/captcha"
	"github.com/JakeFAU/gazette-sync/internal/clock/system"
	"github.com/JakeFAU/gazette-sync/internal/config"
	"github.com/JakeFAU/gazette-sync/internal/crawler"
	"github.com/JakeFAU/gazette-sync/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/gazette-sync/internal/fetcher/colly"
	"github.com/JakeFAU/gazette-sync/internal/hash/sha256"
	"github.com/JakeFAU/gazette-sync/internal/metrics"
	"github.com/JakeFAU/gazette-sync/internal/policy/ratelimit"
	"github.com/JakeFAU/gazette-sync/internal/progress"
	"github.com/JakeFAU/gazette-sync/internal/progress/sinks"
	pubsubpublisher "github.com/JakeFAU/gazette-sync/internal/publisher/pubsub"
	memqueue "github.com/JakeFAU/gazette-sync/internal/queue/memory"
	"github.com/JakeFAU/gazette-sync/internal/source"
	"github.com/JakeFAU/gazette-sync/internal/source/postback"
	"github.com/JakeFAU/gazette-sync/internal/storage"
	"github.com/JakeFAU/gazette-sync/internal/storage/gcs"
	"github.com/JakeFAU/gazette-sync/internal/storage/local"
	storagememory "github.com/JakeFAU/gazette-sync/internal/storage/memory"
	"github.com/JakeFAU/gazette-sync/internal/storage/postgres"
)

// App holds the shared services of one process.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  crawler.Clock

	store      *storage.Store
	runs       *storagememory.RunStore
	queue      *memqueue.Queue
	hub        *progress.Hub
	registry   *source.Registry
	dispatcher *dispatcher.Dispatcher

	closers []func()
}

// Option customizes New, mostly for tests.
type Option func(*options)

type options struct {
	backend    storage.Backend
	publisher  crawler.Publisher
	registerer prometheus.Registerer
	solver     captcha.Solver
	clock      crawler.Clock
	pauser     crawler.Pauser
	extra      []crawler.Source
}

// WithBackend replaces the configured blob backend.
func WithBackend(b storage.Backend) Option {
	return func(o *options) { o.backend = b }
}

// WithPublisher replaces the Pub/Sub publisher.
func WithPublisher(p crawler.Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// WithRegisterer registers progress collectors somewhere other than the
// default Prometheus registry.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *options) { o.registerer = r }
}

// WithSolver replaces the external captcha solver command.
func WithSolver(s captcha.Solver) Option {
	return func(o *options) { o.solver = s }
}

// WithClock overrides the wall clock.
func WithClock(c crawler.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithPauser overrides how retries wait.
func WithPauser(p crawler.Pauser) Option {
	return func(o *options) { o.pauser = p }
}

// WithSources registers sources in addition to the configured definitions.
func WithSources(srcs ...crawler.Source) Option {
	return func(o *options) { o.extra = append(o.extra, srcs...) }
}

// New builds every service described by cfg. It fails fast on the first
// service that cannot be initialized and releases what was already opened.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = system.New()
	}
	metrics.Init()

	a := &App{cfg: cfg, logger: logger, clock: o.clock}
	if err := a.init(ctx, o); err != nil {
		a.Close()
		return nil, err
	}
	logger.Info("application services initialized",
		zap.Strings("sources", a.registry.Names()),
		zap.String("storage", cfg.Storage.Backend))
	return a, nil
}

func (a *App) init(ctx context.Context, o options) error {
	backend := o.backend
	if backend == nil {
		b, err := a.openBackend(ctx)
		if err != nil {
			return err
		}
		backend = b
	}

	storeOpts := []storage.Option{storage.WithLogger(a.logger.Named("storage")), storage.WithClock(a.clock)}
	if a.cfg.DB.DSN != "" {
		ledger, err := postgres.NewLedger(ctx, postgres.LedgerConfig{DSN: a.cfg.DB.DSN, Table: a.cfg.DB.LedgerTable})
		if err != nil {
			return fmt.Errorf("init ledger: %w", err)
		}
		a.closers = append(a.closers, ledger.Close)
		storeOpts = append(storeOpts, storage.WithLedger(ledger))
	}
	store, err := storage.New(backend, sha256.New(), storeOpts...)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	a.store = store

	publisher := o.publisher
	if publisher == nil && a.cfg.PubSub.ProjectID != "" {
		client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("init pubsub: %w", err)
		}
		p := pubsubpublisher.New(client)
		a.closers = append(a.closers, func() {
			p.Close()
			_ = client.Close()
		})
		publisher = p
	}

	promSink, err := sinks.NewPrometheusSink(o.registerer)
	if err != nil {
		return fmt.Errorf("init progress metrics: %w", err)
	}
	a.hub = progress.NewHub(progress.Config{Logger: a.logger.Named("progress")},
		sinks.NewLogSink(a.logger.Named("progress")), promSink)

	registry, err := a.buildRegistry(o)
	if err != nil {
		return err
	}
	for _, src := range o.extra {
		if err := registry.Register(src); err != nil {
			return err
		}
	}
	a.registry = registry

	a.runs = storagememory.NewRunStore()
	a.queue = memqueue.NewQueue(a.cfg.Crawler.QueueDepth)
	a.dispatcher = dispatcher.New(dispatcher.Config{
		MaxParallelSources: a.cfg.Crawler.MaxParallelSources,
		Deadline:           a.cfg.Crawler.Deadline(),
		Topic:              a.cfg.PubSub.TopicName,
		Disabled:           a.cfg.Sources.Disabled,
	}, dispatcher.Deps{
		Sources:   registry,
		Runs:      a.runs,
		Queue:     a.queue,
		Publisher: publisher,
		Emitter:   a.hub,
		Clock:     a.clock,
		Logger:    a.logger.Named("dispatcher"),
	})
	return nil
}

func (a *App) openBackend(ctx context.Context) (storage.Backend, error) {
	switch a.cfg.Storage.Backend {
	case config.BackendGCS:
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		return gcs.New(client, gcs.Config{Bucket: a.cfg.Storage.GCSBucket, Prefix: a.cfg.Storage.Prefix})
	case config.BackendMemory:
		return storagememory.NewBlobStore(), nil
	case config.BackendLocal, "":
		return local.New(local.Config{BaseDir: a.cfg.Data.Dir})
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", a.cfg.Storage.Backend)
	}
}

func (a *App) buildRegistry(o options) (*source.Registry, error) {
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   a.cfg.HTTP.RequestsPerSecond,
		DefaultBurst: a.cfg.HTTP.Burst,
		HostRPS:      a.cfg.HTTP.HostRPS,
	})
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent: a.cfg.HTTP.UserAgent,
		Timeout:   a.cfg.HTTP.Timeout(),
		Retry:     a.cfg.HTTP.RetryPolicy(),
		Limiter:   limiter,
		Pauser:    o.pauser,
		Logger:    a.logger.Named("fetcher"),
	})
	sessions := func() (captcha.Session, error) { return fetcher.NewSession() }

	solver := o.solver
	if solver == nil && a.cfg.Captcha.SolverCommand != "" {
		solver = captcha.CommandSolver(a.cfg.Captcha.SolverCommand, a.cfg.Captcha.SolverArgs...)
	}

	registry := source.NewRegistry()
	names := crawler.SortedKeys(a.cfg.Sources.Definitions)
	for _, name := range names {
		def := a.cfg.Sources.Definitions[name]
		adapter, err := postback.New(a.postbackConfig(name, def, sessions, solver, o.pauser))
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", name, err)
		}
		src := source.NewDaySource(name, def.IdentifierPrefix, adapter, source.DayOptions{
			Emitter: a.hub,
			Clock:   a.clock,
			Logger:  a.logger.Named("source"),
		})
		if err := registry.Register(src); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func (a *App) postbackConfig(
	name string,
	def config.SourceDefinition,
	sessions postback.SessionFactory,
	solver captcha.Solver,
	pauser crawler.Pauser,
) postback.Config {
	cfg := postback.Config{
		Name:         name,
		SearchURL:    def.SearchURL,
		FormSelector: def.FormSelector,
		Suppress:     def.Suppress,
		PageSuppress: def.PageSuppress,
		Fields: postback.DateFieldMapper{
			Dates:  fieldMap(def.DateFields),
			Static: fieldMap(def.StaticFields),
		},
		Rows:          columnParser(def),
		ForceRefresh:  a.cfg.Sync.ForceRefresh,
		MaxPages:      def.MaxPages,
		RecordRetries: a.cfg.Crawler.RecordRetries,
		Sessions:      sessions,
		Store:         a.store,
		Pauser:        pauser,
		Emitter:       a.hub,
		Clock:         a.clock,
		Logger:        a.logger.Named(name),
	}
	if def.Captcha != nil {
		cfg.Captcha = &captcha.Bootstrap{
			BaseURL:       def.SearchURL,
			ImageSelector: def.Captcha.ImageSelector,
			ImageURL:      def.Captcha.ImageURL,
			FormSelector:  def.FormSelector,
			CaptchaField:  def.Captcha.Field,
			Suppress:      def.Suppress,
			SubmitURL:     def.Captcha.SubmitURL,
			FailureMarker: def.Captcha.FailureMarker,
			MaxAttempts:   a.cfg.Captcha.MaxAttempts,
		}
		cfg.Solver = solver
	}
	return cfg
}

func fieldMap(fields []config.Field) map[string]string {
	out := make(map[string]string, len(fields))
	for _, f := range fields {
		out[f.Name] = f.Value
	}
	return out
}

func columnParser(def config.SourceDefinition) postback.ColumnRowParser {
	cols := make(map[int]string, len(def.Columns))
	for _, c := range def.Columns {
		cols[c.Index] = c.Key
	}
	link := -1
	if def.LinkColumn != nil {
		link = *def.LinkColumn
	}
	return postback.ColumnRowParser{
		Rows:       def.RowSelector,
		Columns:    cols,
		IDColumn:   def.IDColumn,
		LinkColumn: link,
	}
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the process logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Store returns the artifact store.
func (a *App) Store() *storage.Store { return a.store }

// Runs returns the run store backing the control API.
func (a *App) Runs() crawler.RunStore { return a.runs }

// Queue returns the run queue.
func (a *App) Queue() *memqueue.Queue { return a.queue }

// Registry returns the configured sources.
func (a *App) Registry() *source.Registry { return a.registry }

// Dispatcher returns the run dispatcher.
func (a *App) Dispatcher() *dispatcher.Dispatcher { return a.dispatcher }

// Progress returns the progress hub.
func (a *App) Progress() *progress.Hub { return a.hub }

// SelectSources resolves names against the registry, honoring the
// configured enabled and disabled lists when names is empty.
func (a *App) SelectSources(names []string) ([]crawler.Source, error) {
	enabled := names
	if len(enabled) == 0 {
		enabled = a.cfg.Sources.Enabled
	}
	return a.registry.Select(enabled, a.cfg.Sources.Disabled)
}

// Summary renders per-source counts in source order, e.g. "a=3 b=0".
func Summary(sink *dispatcher.ResultSink) string {
	results := sink.Results()
	parts := make([]string, 0, len(results))
	for _, name := range crawler.SortedKeys(results) {
		parts = append(parts, name+"="+strconv.Itoa(len(results[name])))
	}
	return strings.Join(parts, " ")
}

// Close drains the progress hub and releases every opened client.
func (a *App) Close() {
	if a.queue != nil {
		a.queue.Close()
	}
	if a.hub != nil {
		if err := a.hub.Close(context.Background()); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	_ = a.logger.Sync()
}
