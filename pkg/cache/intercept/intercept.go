// Package intercept routes outbound fetches through the shell and tile caches.
package intercept

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"golang.org/x/sync/semaphore"

	"github.com/valandreev/offlinenav/log"
	"github.com/valandreev/offlinenav/pkg/cache/fetch"
	"github.com/valandreev/offlinenav/pkg/cache/store"
)

// Strategy names the caching policy applied to a request.
type Strategy string

const (
	// StrategyShell is cache-first against the live generation, never writing back.
	StrategyShell Strategy = "shell"
	// StrategyTile is stale-while-revalidate against the tile partition.
	StrategyTile Strategy = "tile"
	// StrategyBypass sends non-GET requests straight to the network.
	StrategyBypass Strategy = "bypass"
)

// Source reports where a response came from.
type Source string

const (
	SourceCache   Source = "cache"
	SourceNetwork Source = "network"
)

// Result is a served response.
type Result struct {
	Snapshot store.Snapshot
	Strategy Strategy
	Source   Source
}

// Generations exposes the live shell partition.
type Generations interface {
	Live(ctx context.Context) (store.Partition, bool, error)
}

// Config controls classification and refresh limits.
type Config struct {
	TilePartition string
	// TileHosts are matched as substrings of the request hostname.
	TileHosts []string
	// MaxRefreshes bounds concurrent tile network fetches. Zero means 16.
	MaxRefreshes int64
}

// Connectivity summarises recent network outcomes.
type Connectivity struct {
	Online      bool      `json:"online"`
	LastSuccess time.Time `json:"last_success,omitempty"`
	LastFailure time.Time `json:"last_failure,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

// Logger captures structured output for the interceptor.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Metrics captures interception telemetry.
type Metrics interface {
	RecordServe(strategy Strategy, source Source)
	RecordRefresh(err error)
	RecordNetworkError(strategy Strategy)
}

// Option customises interceptor construction.
type Option func(*Interceptor)

// WithLogger overrides the default logger.
func WithLogger(logger Logger) Option {
	return func(i *Interceptor) {
		i.logger = logger
	}
}

// WithMetrics sets a custom metrics collector.
func WithMetrics(metrics Metrics) Option {
	return func(i *Interceptor) {
		i.metrics = metrics
	}
}

// Interceptor applies the caching policy to each request.
type Interceptor struct {
	cfg     Config
	store   store.Store
	gens    Generations
	fetcher fetch.Fetcher
	logger  Logger
	metrics Metrics

	refreshes *semaphore.Weighted
	wg        conc.WaitGroup

	mu   sync.Mutex
	conn Connectivity
}

// New constructs an interceptor.
func New(cfg Config, s store.Store, gens Generations, fetcher fetch.Fetcher, opts ...Option) (*Interceptor, error) {
	if s == nil {
		return nil, errors.New("cache intercept: store is required")
	}
	if gens == nil {
		return nil, errors.New("cache intercept: generations are required")
	}
	if fetcher == nil {
		return nil, errors.New("cache intercept: fetcher is required")
	}
	if strings.TrimSpace(cfg.TilePartition) == "" {
		return nil, errors.New("cache intercept: tile partition is required")
	}
	if cfg.MaxRefreshes <= 0 {
		cfg.MaxRefreshes = 16
	}
	hosts := make([]string, 0, len(cfg.TileHosts))
	for _, h := range cfg.TileHosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			hosts = append(hosts, h)
		}
	}
	cfg.TileHosts = hosts

	i := &Interceptor{
		cfg:       cfg,
		store:     s,
		gens:      gens,
		fetcher:   fetcher,
		logger:    defaultLogger(),
		metrics:   noopMetrics{},
		refreshes: semaphore.NewWeighted(cfg.MaxRefreshes),
		conn:      Connectivity{Online: true},
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.logger == nil {
		i.logger = defaultLogger()
	}
	if i.metrics == nil {
		i.metrics = noopMetrics{}
	}
	return i, nil
}

// Classify picks the strategy for a request. The first matching tile host wins;
// everything else is shell.
func (i *Interceptor) Classify(req fetch.Request) Strategy {
	if !req.IsGet() {
		return StrategyBypass
	}
	if req.URL == nil {
		return StrategyShell
	}
	host := strings.ToLower(req.URL.Hostname())
	for _, h := range i.cfg.TileHosts {
		if strings.Contains(host, h) {
			return StrategyTile
		}
	}
	return StrategyShell
}

// Serve answers req according to its strategy. Network errors on a miss are
// returned unmodified.
func (i *Interceptor) Serve(ctx context.Context, req fetch.Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if req.URL == nil {
		return Result{}, errors.New("cache intercept: request url is required")
	}

	strategy := i.Classify(req)
	var (
		res Result
		err error
	)
	switch strategy {
	case StrategyTile:
		res, err = i.serveTile(ctx, req)
	case StrategyShell:
		res, err = i.serveShell(ctx, req)
	default:
		var snap store.Snapshot
		snap, err = i.network(ctx, req, strategy)
		res = Result{Snapshot: snap, Strategy: strategy, Source: SourceNetwork}
	}
	if err != nil {
		return Result{}, err
	}
	i.metrics.RecordServe(res.Strategy, res.Source)
	return res, nil
}

func (i *Interceptor) serveShell(ctx context.Context, req fetch.Request) (Result, error) {
	identity := store.Identity(req.URL)

	live, ok, err := i.gens.Live(ctx)
	if err != nil {
		i.logger.Warnf("shell lookup %s: live generation unavailable: %v", identity, err)
	}
	if ok {
		snap, err := live.Match(ctx, identity)
		switch {
		case err == nil:
			return Result{Snapshot: snap, Strategy: StrategyShell, Source: SourceCache}, nil
		case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrPartitionDeleted):
		default:
			i.logger.Warnf("shell lookup %s failed: %v", identity, err)
		}
	}

	snap, err := i.network(ctx, req, StrategyShell)
	if err != nil {
		return Result{}, err
	}
	return Result{Snapshot: snap, Strategy: StrategyShell, Source: SourceNetwork}, nil
}

type outcome struct {
	snap store.Snapshot
	err  error
}

func (i *Interceptor) serveTile(ctx context.Context, req fetch.Request) (Result, error) {
	identity := store.Identity(req.URL)

	tiles, err := i.store.Open(ctx, i.cfg.TilePartition)
	if err != nil {
		i.logger.Warnf("tile lookup %s: open partition: %v", identity, err)
	}

	var (
		cached store.Snapshot
		hit    bool
	)
	if tiles != nil {
		cached, err = tiles.Match(ctx, identity)
		switch {
		case err == nil:
			hit = true
		case errors.Is(err, store.ErrNotFound):
		default:
			i.logger.Warnf("tile lookup %s failed: %v", identity, err)
		}
	}

	done := i.refresh(ctx, req, identity, tiles, hit)
	if hit {
		return Result{Snapshot: cached, Strategy: StrategyTile, Source: SourceCache}, nil
	}

	select {
	case out := <-done:
		if out.err != nil {
			return Result{}, out.err
		}
		return Result{Snapshot: out.snap, Strategy: StrategyTile, Source: SourceNetwork}, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// refresh starts the single network fetch for a tile request. It outlives the
// caller and stores whatever response resolves.
func (i *Interceptor) refresh(ctx context.Context, req fetch.Request, identity string, tiles store.Partition, hit bool) <-chan outcome {
	done := make(chan outcome, 1)
	bg := context.WithoutCancel(ctx)

	i.wg.Go(func() {
		if err := i.refreshes.Acquire(bg, 1); err != nil {
			done <- outcome{err: err}
			return
		}
		defer i.refreshes.Release(1)

		snap, err := i.network(bg, req, StrategyTile)
		if err == nil && tiles != nil {
			if putErr := tiles.Put(bg, identity, snap); putErr != nil {
				i.logger.Warnf("tile store %s failed: %v", identity, putErr)
			}
		}
		if hit {
			i.metrics.RecordRefresh(err)
			if err != nil {
				i.logger.Warnf("tile refresh %s failed: %v", identity, err)
			} else {
				i.logger.Debugf("tile refresh %s stored", identity)
			}
		}
		done <- outcome{snap: snap, err: err}
	})
	return done
}

func (i *Interceptor) network(ctx context.Context, req fetch.Request, strategy Strategy) (store.Snapshot, error) {
	snap, err := i.fetcher.Fetch(ctx, req)
	now := time.Now()

	i.mu.Lock()
	if err != nil {
		i.conn.Online = false
		i.conn.LastFailure = now
		i.conn.LastError = err.Error()
	} else {
		i.conn.Online = true
		i.conn.LastSuccess = now
	}
	i.mu.Unlock()

	if err != nil {
		i.metrics.RecordNetworkError(strategy)
	}
	return snap, err
}

// Offline reports whether the most recent network attempt failed.
func (i *Interceptor) Offline() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return !i.conn.Online
}

// Connectivity returns the recent network outcome summary.
func (i *Interceptor) Connectivity() Connectivity {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.conn
}

// Wait blocks until every background tile fetch has finished.
func (i *Interceptor) Wait() {
	i.wg.Wait()
}

type noopMetrics struct{}

func (noopMetrics) RecordServe(Strategy, Source) {}

func (noopMetrics) RecordRefresh(error) {}

func (noopMetrics) RecordNetworkError(Strategy) {}

func defaultLogger() Logger {
	return logHandleAdapter{handle: log.GetLogger("cache-intercept")}
}

type logHandleAdapter struct {
	handle *log.LogHandle
}

func (l logHandleAdapter) Debugf(format string, args ...any) {
	if l.handle != nil {
		l.handle.Debug().CallerSkipFrame(1).Msgf(format, args...)
	}
}

func (l logHandleAdapter) Infof(format string, args ...any) {
	if l.handle != nil {
		l.handle.Info().CallerSkipFrame(1).Msgf(format, args...)
	}
}

func (l logHandleAdapter) Warnf(format string, args ...any) {
	if l.handle != nil {
		l.handle.Warn().CallerSkipFrame(1).Msgf(format, args...)
	}
}

func (l logHandleAdapter) Errorf(format string, args ...any) {
	if l.handle != nil {
		l.handle.Error().CallerSkipFrame(1).Msgf(format, args...)
	}
}
