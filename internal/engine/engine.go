// Package engine wires every sync component together once per process. The
// Engine value is passed explicitly to the HTTP surface and the CLI; there is
// no package-level state.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/agentworkforce/relaysync/internal/broadcast"
	"github.com/agentworkforce/relaysync/internal/config"
	"github.com/agentworkforce/relaysync/internal/connectivity"
	"github.com/agentworkforce/relaysync/internal/dispatch"
	"github.com/agentworkforce/relaysync/internal/drain"
	"github.com/agentworkforce/relaysync/internal/invalidate"
	"github.com/agentworkforce/relaysync/internal/metrics"
	"github.com/agentworkforce/relaysync/internal/outbox"
	"github.com/agentworkforce/relaysync/internal/prefetch"
	"github.com/agentworkforce/relaysync/internal/sessioncache"
	"github.com/agentworkforce/relaysync/internal/syncapi"
)

type Options struct {
	Config config.Config
	Logger zerolog.Logger
	// Outbox and CacheBackend replace the stores named by the config DSNs.
	Outbox       outbox.Store
	CacheBackend sessioncache.Backend
	HTTPClient   *http.Client
}

type Engine struct {
	Config       config.Config
	Logger       zerolog.Logger
	Metrics      *metrics.Metrics
	Hub          *broadcast.Hub
	Outbox       outbox.Store
	Cache        *sessioncache.Cache
	Dispatcher   *dispatch.Dispatcher
	Drain        *drain.Engine
	Invalidator  *invalidate.Invalidator
	Prefetch     *prefetch.Scheduler
	Connectivity *connectivity.Monitor
	Sync         *syncapi.Client
	Overrides    *syncapi.Overrides
	Status       *syncapi.StatusTracker

	mu      sync.Mutex
	started bool
	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	// lastSession is the session cookie ("NAME=value") of the most recent
	// client request; reconnect prefetch runs for it.
	lastSession string
}

func New(opts Options) (*Engine, error) {
	cfg := opts.Config
	logger := opts.Logger
	m := metrics.New()
	e := &Engine{Config: cfg, Logger: logger, Metrics: m}

	e.Hub = broadcast.NewHub(broadcast.HubOptions{
		MaxObservers: cfg.MaxObservers,
		Buffer:       cfg.ObserverBuffer,
		Logger:       logger,
		OnDrop:       m.BroadcastDropped.Inc,
	})

	store := opts.Outbox
	if store == nil {
		built, err := outbox.BuildStoreFromDSN(cfg.OutboxDSN, outbox.Options{Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("open outbox %q: %w", cfg.OutboxDSN, err)
		}
		store = built
	}
	e.Outbox = store

	backend := opts.CacheBackend
	if backend == nil {
		built, err := sessioncache.BuildBackendFromDSN(cfg.CacheDSN, sessioncache.BackendOptions{Logger: logger})
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("open cache %q: %w", cfg.CacheDSN, err)
		}
		backend = built
	}
	cache, err := sessioncache.New(backend, sessioncache.Options{
		Generation: cfg.CacheGeneration,
		CookieName: cfg.SessionCookie,
		Logger:     logger,
		Metrics:    m,
	})
	if err != nil {
		e.closeStores(backend)
		return nil, err
	}
	e.Cache = cache

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.HTTPTimeout}
	}
	e.Dispatcher, err = dispatch.New(dispatch.Options{
		BaseURL:    cfg.UpstreamURL,
		HTTPClient: httpClient,
		Store:      store,
		Publisher:  e.Hub,
		Policy:     cfg.Policy(),
		Logger:     logger,
		Metrics:    m,
		AfterEnqueue: func(ctx context.Context) {
			e.Drain.PublishQueueState(ctx)
		},
	})
	if err != nil {
		e.closeStores(backend)
		return nil, err
	}

	e.Drain, err = drain.New(drain.Options{
		Store:        store,
		Sender:       e.Dispatcher,
		Publisher:    e.Hub,
		Logger:       logger,
		Metrics:      m,
		WakeInterval: cfg.WakeInterval,
		WakeJitter:   cfg.WakeJitter,
	})
	if err != nil {
		e.closeStores(backend)
		return nil, err
	}

	e.Invalidator, err = invalidate.New(invalidate.Options{
		Cache:          cache,
		Store:          store,
		Publisher:      e.Hub,
		Logger:         logger,
		DetailPaths:    cfg.DetailPaths,
		ResourceParam:  cfg.ResourceParam,
		ListPaths:      cfg.ListPaths,
		OnQueueChanged: e.Drain.PublishQueueState,
	})
	if err != nil {
		e.closeStores(backend)
		return nil, err
	}

	probeURL := cfg.ProbeURL
	if probeURL == "" {
		probeURL = cfg.UpstreamURL
	}
	e.Connectivity = connectivity.New(connectivity.Options{
		ProbeURL:   probeURL,
		Interval:   cfg.ProbeInterval,
		HTTPClient: httpClient,
		Logger:     logger,
		Initial:    probeURL == "",
		OnRestored: e.onRestored,
	})

	e.Prefetch, err = prefetch.New(prefetch.Options{
		Fetcher:      e.Dispatcher,
		Cache:        cache,
		Publisher:    e.Hub,
		Logger:       logger,
		Metrics:      m,
		Online:       e.Connectivity.Online,
		StatePath:    cfg.PrefetchStatePath,
		MinInterval:  cfg.PrefetchMinInterval,
		Rate:         rate.Limit(cfg.PrefetchRate),
		MaxBodyBytes: cfg.MaxResponseBytes,
	})
	if err != nil {
		e.closeStores(backend)
		return nil, err
	}

	e.Sync, err = syncapi.NewClient(syncapi.Options{
		Doer:         e.Dispatcher,
		Cache:        cache,
		Logger:       logger,
		MaxBodyBytes: cfg.MaxResponseBytes,
	})
	if err != nil {
		e.closeStores(backend)
		return nil, err
	}
	e.Overrides = syncapi.NewOverrides(cfg.ResourceParam, nil)
	e.Status = syncapi.NewStatusTracker()
	return e, nil
}

// Start activates the cache generation and launches the background loops:
// drain triggers and periodic wake, connectivity probing, the broadcast
// followers and, for file-backed outboxes, the cross-process watcher.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errors.New("engine already started")
	}
	if _, err := e.Cache.Activate(ctx); err != nil {
		e.Logger.Warn().Err(err).Msg("cache activation failed")
	}
	observer, err := e.Hub.Subscribe()
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.runCtx = runCtx
	e.cancel = cancel
	e.started = true

	e.goRun(func() { _ = e.Drain.Run(runCtx) })
	e.goRun(func() { e.Connectivity.Run(runCtx) })
	e.goRun(func() {
		syncapi.Follow(runCtx, observer, e.Status.Observe, e.Overrides.Observe)
		observer.Close()
	})
	if fileStore, ok := e.Outbox.(*outbox.FileStore); ok {
		e.goRun(func() {
			err := outbox.Watch(runCtx, fileStore.Path(), func() { e.Drain.PublishQueueState(runCtx) })
			if err != nil && runCtx.Err() == nil {
				e.Logger.Warn().Err(err).Msg("outbox watcher stopped")
			}
		})
	}

	e.Drain.PublishQueueState(runCtx)
	if e.Connectivity.Online() {
		e.Drain.Fire(drain.Trigger{Kind: drain.TriggerConnectivityRestored})
	}
	e.Logger.Info().
		Str("outbox", e.Config.OutboxDSN).
		Str("cache", e.Config.CacheDSN).
		Str("generation", e.Config.CacheGeneration).
		Msg("sync engine started")
	return nil
}

// HandleControl applies a UI control message. Work it starts outlives ctx;
// it is bounded by the engine's own lifetime instead.
func (e *Engine) HandleControl(ctx context.Context, ctl broadcast.Control) error {
	if err := ctl.Validate(); err != nil {
		return err
	}
	ctx = e.detach(ctx)
	switch ctl.Type {
	case broadcast.ControlGetQueue:
		e.Drain.Handle(ctx, drain.Trigger{Kind: drain.TriggerGetQueue})
	case broadcast.ControlRetryAll:
		e.Drain.Handle(ctx, drain.Trigger{Kind: drain.TriggerRetryAll})
	case broadcast.ControlRetryItem:
		e.Drain.Handle(ctx, drain.Trigger{Kind: drain.TriggerRetryItem, ID: ctl.ID})
	case broadcast.ControlDiscardItem:
		e.Drain.Handle(ctx, drain.Trigger{Kind: drain.TriggerDiscardItem, ID: ctl.ID})
	}
	return nil
}

// SetOnline records connectivity reported by a client.
func (e *Engine) SetOnline(online bool) bool {
	return e.Connectivity.SetOnline(online)
}

// NoteSession remembers the session cookie carried in a client's Cookie
// header. Other cookies in the header are not kept.
func (e *Engine) NoteSession(cookieHeader string) {
	r := &http.Request{Header: http.Header{"Cookie": []string{cookieHeader}}}
	cookie, err := r.Cookie(e.Cache.CookieName())
	if err != nil || cookie.Value == "" {
		return
	}
	session := (&http.Cookie{Name: cookie.Name, Value: cookie.Value}).String()
	e.mu.Lock()
	e.lastSession = session
	e.mu.Unlock()
}

func (e *Engine) onRestored() {
	e.Drain.Fire(drain.Trigger{Kind: drain.TriggerConnectivityRestored})
	if len(e.Config.PrefetchURLs) == 0 {
		return
	}
	e.mu.Lock()
	runCtx := e.runCtx
	session := e.lastSession
	e.mu.Unlock()
	if runCtx == nil || runCtx.Err() != nil {
		return
	}
	e.goRun(func() {
		if _, err := e.Prefetch.MaybePrefetch(runCtx, session, e.Config.PrefetchURLs); err != nil {
			e.Logger.Warn().Err(err).Msg("prefetch after reconnect failed")
		}
	})
}

// detach returns the engine's run context when started, otherwise ctx
// without its cancellation.
func (e *Engine) detach(ctx context.Context) context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.runCtx != nil {
		return e.runCtx
	}
	return context.WithoutCancel(ctx)
}

func (e *Engine) goRun(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

// Close stops the background loops and closes the stores. Envelopes still
// queued are replayed on the next start.
func (e *Engine) Close() error {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.runCtx = nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
	return errors.Join(e.Outbox.Close(), e.Cache.Close())
}

func (e *Engine) closeStores(backend sessioncache.Backend) {
	_ = e.Outbox.Close()
	if backend != nil {
		_ = backend.Close()
	}
}
