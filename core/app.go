// Copyright 2024 Tigris Data, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package core

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/valandreev/offlinenav/log"
	"github.com/valandreev/offlinenav/pkg/cache"
	"github.com/valandreev/offlinenav/pkg/cache/fetch"
	"github.com/valandreev/offlinenav/pkg/cache/intercept"
	"github.com/valandreev/offlinenav/pkg/cache/lifecycle"
	"github.com/valandreev/offlinenav/pkg/cache/store"
	"github.com/valandreev/offlinenav/pkg/cache/store/bbolt"
	"github.com/valandreev/offlinenav/pkg/cache/store/memory"
	"github.com/valandreev/offlinenav/pkg/cache/store/sqlite"
	"github.com/valandreev/offlinenav/pkg/catalog"
	"github.com/valandreev/offlinenav/pkg/geo"
	"github.com/valandreev/offlinenav/pkg/server"
	"github.com/valandreev/offlinenav/pkg/telemetry"
)

var appLog = log.GetLogger("app")

// ErrIncompleteGeneration is returned by Activate when the configured
// generation has not been fully installed.
var ErrIncompleteGeneration = errors.New("generation is not fully installed")

// App owns every long-lived component of the daemon.
type App struct {
	cfg       *cache.Config
	store     store.Store
	telemetry *telemetry.Provider
	manager   *lifecycle.Manager
	proxy     *intercept.Interceptor
	tracker   *geo.Tracker
	locator   *geo.PushLocator
	locations []catalog.Location

	mu       sync.Mutex
	current  lifecycle.Generation
	redeploy chan lifecycle.Generation
}

// OpenStore opens the configured cache backend.
func OpenStore(cfg cache.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case cache.BackendBbolt:
		return bbolt.Open(cfg.Path, bbolt.Options{})
	case cache.BackendSQLite:
		return sqlite.Open(cfg.Path)
	case cache.BackendMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// Capabilities maps the configured device permission to the tracker's
// permission source and locator. "unsupported" yields neither.
func Capabilities(permission string, locator *geo.PushLocator) (geo.Permissions, geo.Locator) {
	switch permission {
	case "unsupported":
		return nil, nil
	case string(geo.PermissionGranted):
		return geo.StaticPermissions{State: geo.PermissionGranted}, locator
	case string(geo.PermissionDenied):
		return geo.StaticPermissions{State: geo.PermissionDenied}, locator
	default:
		return geo.StaticPermissions{State: geo.PermissionPrompt}, locator
	}
}

// NewApp wires the components described by cfg. Close releases them.
func NewApp(ctx context.Context, cfg *cache.Config) (*App, error) {
	origin, err := cfg.OriginURL()
	if err != nil {
		return nil, fmt.Errorf("parse origin: %w", err)
	}

	provider, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Insecure:       cfg.Telemetry.Insecure,
		ExportInterval: time.Duration(cfg.Telemetry.ExportIntervalSec) * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	recorder, err := telemetry.NewRecorder(provider.Meter())
	if err != nil {
		_ = provider.Shutdown(ctx)
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	s, err := OpenStore(cfg.Store)
	if err != nil {
		_ = provider.Shutdown(ctx)
		return nil, err
	}

	a := &App{
		cfg:       cfg,
		store:     s,
		telemetry: provider,
		current:   cfg.Generation(),
		redeploy:  make(chan lifecycle.Generation, 1),
	}
	fail := func(err error) (*App, error) {
		_ = a.Close(ctx)
		return nil, err
	}

	fetcher := fetch.NewHTTPFetcher(fetch.Options{Timeout: cfg.FetchTimeout()})

	a.manager, err = lifecycle.New(lifecycle.Config{
		TilePartition: cfg.Tiles.Partition,
		Origin:        origin,
		Parallel:      cfg.Network.InstallParallel,
	}, s, fetcher, lifecycle.WithMetrics(recorder))
	if err != nil {
		return fail(err)
	}

	a.proxy, err = intercept.New(intercept.Config{
		TilePartition: cfg.Tiles.Partition,
		TileHosts:     cfg.Tiles.Hosts,
		MaxRefreshes:  cfg.Network.MaxRefreshes,
	}, s, a.manager, fetcher, intercept.WithMetrics(recorder))
	if err != nil {
		return fail(err)
	}

	if cfg.Tracking.Permission != "unsupported" {
		a.locator = geo.NewPushLocator()
	}
	perms, locator := Capabilities(cfg.Tracking.Permission, a.locator)
	a.tracker = geo.NewTracker(perms, locator)

	a.locations, err = catalog.Load(cfg.Catalog.Path)
	if err != nil {
		return fail(err)
	}
	return a, nil
}

// Handler builds the HTTP surface over the wired components.
func (a *App) Handler() (*server.Server, error) {
	origin, err := a.cfg.OriginURL()
	if err != nil {
		return nil, err
	}
	deps := server.Deps{
		Lifecycle: a.manager,
		Proxy:     a.proxy,
		Tracker:   a.tracker,
		Locations: a.locations,
	}
	if a.locator != nil {
		deps.Fixes = a.locator
	}
	return server.New(origin, deps)
}

// Serve runs the daemon until ctx is done. When configPath is set, shell
// generation changes in the file are deployed without a restart.
func (a *App) Serve(ctx context.Context, configPath string) error {
	srv, err := a.Handler()
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.tracker.Run(ctx)
	})
	g.Go(func() error {
		a.deployLoop(ctx, a.cfg.Generation())
		return nil
	})
	if configPath != "" {
		g.Go(func() error {
			err := cache.WatchConfig(ctx, configPath, a.reload)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			if err != nil {
				appLog.Warnf("config watch stopped: %v", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		return server.ListenAndServe(ctx, a.cfg.Listen, srv.Handler())
	})
	return g.Wait()
}

// Install fetches the configured generation without activating it.
func (a *App) Install(ctx context.Context) error {
	return a.manager.Install(ctx, a.cfg.Generation())
}

// Activate makes an already installed generation live.
func (a *App) Activate(ctx context.Context) error {
	gen := a.cfg.Generation()
	ok, err := a.manager.Resume(ctx, gen)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrIncompleteGeneration, gen.Version)
	}
	return nil
}

// Generations lists stored shell generations.
func (a *App) Generations(ctx context.Context) ([]string, error) {
	return a.manager.Generations(ctx)
}

// Close waits for background tile refreshes and releases resources.
func (a *App) Close(ctx context.Context) error {
	if a.proxy != nil {
		a.proxy.Wait()
	}
	if a.locator != nil {
		a.locator.Close()
	}
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.telemetry != nil {
		errs = append(errs, a.telemetry.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

func (a *App) reload(cfg *cache.Config) {
	next := cfg.Generation()
	a.mu.Lock()
	defer a.mu.Unlock()
	if next.Version == a.current.Version && slices.Equal(next.Manifest, a.current.Manifest) {
		appLog.Debugf("config reloaded, shell generation unchanged")
		return
	}
	a.current = next
	appLog.Infof("config reloaded, deploying shell generation %s", next.Version)
	select {
	case <-a.redeploy:
	default:
	}
	a.redeploy <- next
}

// deployLoop keeps gen live, retrying failed installs with exponential
// backoff. A generation received on redeploy replaces the pending one.
func (a *App) deployLoop(ctx context.Context, gen lifecycle.Generation) {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = a.cfg.InstallRetryMax()

	for {
		err := a.deploy(ctx, gen)
		if err == nil {
			b.Reset()
			select {
			case <-ctx.Done():
				return
			case gen = <-a.redeploy:
				continue
			}
		}
		if ctx.Err() != nil {
			return
		}

		sleep := b.NextBackOff()
		if sleep == backoff.Stop {
			sleep = b.MaxInterval
		}
		appLog.Warnf("deploy %s failed, retrying in %v: %v", gen.Version, sleep, err)

		select {
		case <-ctx.Done():
			return
		case gen = <-a.redeploy:
			b.Reset()
		case <-time.After(sleep):
		}
	}
}

func (a *App) deploy(ctx context.Context, gen lifecycle.Generation) error {
	resumed, err := a.manager.Resume(ctx, gen)
	if err != nil {
		return err
	}
	if resumed {
		appLog.Infof("shell generation %s resumed from cache", gen.Version)
		return nil
	}
	report, err := a.manager.Deploy(ctx, gen)
	if errors.Is(err, lifecycle.ErrSweepIncomplete) {
		appLog.Warnf("shell generation %s live, sweep incomplete: %v", gen.Version, err)
		return nil
	}
	if err != nil {
		return err
	}
	appLog.Infof("shell generation %s live, swept %d stale partitions", gen.Version, len(report.Deleted))
	return nil
}
