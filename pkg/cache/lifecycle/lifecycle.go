// Package lifecycle installs and activates versioned shell generations.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/valandreev/offlinenav/log"
	"github.com/valandreev/offlinenav/pkg/cache/fetch"
	"github.com/valandreev/offlinenav/pkg/cache/store"
)

var (
	// ErrInstallFailed wraps the first fetch or write error of an aborted install.
	ErrInstallFailed = errors.New("cache lifecycle: install failed")
	// ErrInstallInProgress is returned when another install or activation holds the manager.
	ErrInstallInProgress = errors.New("cache lifecycle: install in progress")
	// ErrNotInstalled is returned when activating without an installed generation.
	ErrNotInstalled = errors.New("cache lifecycle: no installed generation")
)

// State is the lifecycle phase of the manager.
type State string

const (
	StateUninstalled State = "uninstalled"
	StateInstalling  State = "installing"
	StateInstalled   State = "installed"
	StateActivating  State = "activating"
	StateActive      State = "active"
)

// Generation is a versioned shell: a partition name plus the identities it must hold.
type Generation struct {
	Version  string
	Manifest []string
}

// Config controls manager behaviour.
type Config struct {
	// TilePartition is never swept and never used as a generation name.
	TilePartition string
	// Origin resolves root-relative manifest entries.
	Origin *url.URL
	// Parallel bounds concurrent manifest fetches. Zero means 4.
	Parallel int
}

// Status is a point-in-time view of the manager.
type Status struct {
	State       State  `json:"state"`
	Installed   string `json:"installed,omitempty"`
	Live        string `json:"live,omitempty"`
	LastAttempt string `json:"last_attempt,omitempty"`
	LastError   string `json:"last_error,omitempty"`
}

// Logger captures structured output for the manager.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Metrics captures lifecycle telemetry.
type Metrics interface {
	RecordInstall(version string, entries int, elapsed time.Duration, err error)
	RecordActivation(version string, deleted int)
}

// Option customises manager construction.
type Option func(*Manager)

// WithLogger overrides the default logger.
func WithLogger(logger Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithMetrics sets a custom metrics collector.
func WithMetrics(metrics Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// Manager owns the install/activate lifecycle for one store. At most one
// generation is live at a time.
type Manager struct {
	cfg     Config
	store   store.Store
	fetcher fetch.Fetcher
	logger  Logger
	metrics Metrics

	// op serialises install and activation.
	op sync.Mutex

	mu          sync.RWMutex
	state       State
	installed   string
	live        string
	livePart    store.Partition
	lastAttempt string
	lastErr     error
}

// New constructs a manager.
func New(cfg Config, s store.Store, fetcher fetch.Fetcher, opts ...Option) (*Manager, error) {
	if s == nil {
		return nil, errors.New("cache lifecycle: store is required")
	}
	if fetcher == nil {
		return nil, errors.New("cache lifecycle: fetcher is required")
	}
	if strings.TrimSpace(cfg.TilePartition) == "" {
		return nil, errors.New("cache lifecycle: tile partition is required")
	}
	if cfg.Parallel <= 0 {
		cfg.Parallel = 4
	}

	m := &Manager{
		cfg:     cfg,
		store:   s,
		fetcher: fetcher,
		logger:  defaultLogger(),
		metrics: noopMetrics{},
		state:   StateUninstalled,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = defaultLogger()
	}
	if m.metrics == nil {
		m.metrics = noopMetrics{}
	}
	return m, nil
}

// Install fetches every manifest entry and stores them in the generation's
// partition only if all of them succeed. On failure nothing is written and the
// previous state, including the live generation, is kept.
func (m *Manager) Install(ctx context.Context, gen Generation) error {
	if err := m.validate(gen); err != nil {
		return err
	}
	if !m.op.TryLock() {
		return ErrInstallInProgress
	}
	defer m.op.Unlock()

	attempt := uuid.NewString()
	m.mu.Lock()
	prev := m.state
	m.state = StateInstalling
	m.lastAttempt = attempt
	m.mu.Unlock()

	start := time.Now()
	n, err := m.install(ctx, gen, attempt)
	m.metrics.RecordInstall(gen.Version, n, time.Since(start), err)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.state = prev
		m.lastErr = err
		m.logger.Warnf("install %s (attempt %s) failed: %v", gen.Version, attempt, err)
		return err
	}
	m.state = StateInstalled
	m.installed = gen.Version
	m.lastErr = nil
	if m.live != "" {
		m.logger.Infof("installed %s (attempt %s, %d entries); %s still live until activation", gen.Version, attempt, n, m.live)
	} else {
		m.logger.Infof("installed %s (attempt %s, %d entries)", gen.Version, attempt, n)
	}
	return nil
}

func (m *Manager) install(ctx context.Context, gen Generation, attempt string) (int, error) {
	targets, err := m.resolve(gen.Manifest)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrInstallFailed, gen.Version, err)
	}

	entries := make([]store.Entry, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Parallel)
	for i, target := range targets {
		g.Go(func() error {
			snap, err := m.fetcher.Fetch(gctx, fetch.Get(target.url))
			if err != nil {
				return err
			}
			if err := fetch.RequireOK(snap); err != nil {
				return err
			}
			m.logger.Debugf("install %s (attempt %s): fetched %s", gen.Version, attempt, target.identity)
			entries[i] = store.Entry{Identity: target.identity, Snapshot: snap}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrInstallFailed, gen.Version, err)
	}
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrInstallFailed, gen.Version, err)
	}

	existed, err := m.store.Has(ctx, gen.Version)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrInstallFailed, gen.Version, err)
	}
	partition, err := m.store.Open(ctx, gen.Version)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrInstallFailed, gen.Version, err)
	}
	if err := partition.PutAll(ctx, entries); err != nil {
		if !existed {
			if _, delErr := m.store.Delete(context.WithoutCancel(ctx), gen.Version); delErr != nil {
				m.logger.Errorf("install %s: remove partial partition: %v", gen.Version, delErr)
			}
		}
		return 0, fmt.Errorf("%w: %s: %w", ErrInstallFailed, gen.Version, err)
	}
	return len(entries), nil
}

// Activate sweeps every partition other than the installed generation and the
// tile partition, then makes the installed generation live. Running it again
// deletes nothing. A sweep failure is returned but does not block activation.
func (m *Manager) Activate(ctx context.Context) (SweepReport, error) {
	if err := ctx.Err(); err != nil {
		return SweepReport{}, err
	}
	m.op.Lock()
	defer m.op.Unlock()

	m.mu.Lock()
	version := m.installed
	if version == "" {
		m.mu.Unlock()
		return SweepReport{}, ErrNotInstalled
	}
	prev := m.state
	m.state = StateActivating
	m.mu.Unlock()

	return m.activate(ctx, version, prev)
}

func (m *Manager) activate(ctx context.Context, version string, prev State) (SweepReport, error) {
	restore := func(err error) {
		m.mu.Lock()
		m.state = prev
		m.lastErr = err
		m.mu.Unlock()
	}

	// Live serves this handle and never reopens a generation by name.
	partition, err := m.store.Open(ctx, version)
	if err != nil {
		restore(err)
		return SweepReport{}, err
	}
	report, err := Sweep(ctx, m.store, m.logger, version, m.cfg.TilePartition)
	if err != nil && !errors.Is(err, ErrSweepIncomplete) {
		restore(err)
		return report, err
	}

	m.mu.Lock()
	m.state = StateActive
	m.live = version
	m.livePart = partition
	m.lastErr = err
	m.mu.Unlock()

	m.metrics.RecordActivation(version, len(report.Deleted))
	m.logger.Infof("activated %s, deleted %d stale generation(s)", version, len(report.Deleted))
	return report, err
}

// Deploy installs gen and activates it.
func (m *Manager) Deploy(ctx context.Context, gen Generation) (SweepReport, error) {
	if err := m.Install(ctx, gen); err != nil {
		return SweepReport{}, err
	}
	return m.Activate(ctx)
}

// Resume makes gen live without refetching when its partition already holds
// every manifest identity. It reports false when a full install is needed.
func (m *Manager) Resume(ctx context.Context, gen Generation) (bool, error) {
	if err := m.validate(gen); err != nil {
		return false, err
	}
	if !m.op.TryLock() {
		return false, ErrInstallInProgress
	}
	defer m.op.Unlock()

	ok, err := m.store.Has(ctx, gen.Version)
	if err != nil || !ok {
		return false, err
	}
	targets, err := m.resolve(gen.Manifest)
	if err != nil {
		return false, err
	}
	partition, err := m.store.Open(ctx, gen.Version)
	if err != nil {
		return false, err
	}
	keys, err := partition.Keys(ctx)
	if err != nil {
		return false, err
	}
	stored := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		stored[k] = struct{}{}
	}
	for _, target := range targets {
		if _, ok := stored[target.identity]; !ok {
			m.logger.Infof("resume %s: missing %s, full install required", gen.Version, target.identity)
			return false, nil
		}
	}

	m.mu.Lock()
	prev := m.state
	m.installed = gen.Version
	m.state = StateActivating
	m.mu.Unlock()

	if _, err := m.activate(ctx, gen.Version, prev); err != nil && !errors.Is(err, ErrSweepIncomplete) {
		return false, err
	}
	return true, nil
}

// Live returns the live shell partition. It reports false before the first
// activation. The store is not touched, so a lookup racing an activation sees
// either the old handle (reporting ErrPartitionDeleted once swept) or the new one.
func (m *Manager) Live(ctx context.Context) (store.Partition, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.livePart == nil {
		return nil, false, nil
	}
	return m.livePart, true, nil
}

// Generations lists stored shell generations, excluding the tile partition.
func (m *Manager) Generations(ctx context.Context) ([]string, error) {
	names, err := m.store.Keys(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(names))
	for _, name := range names {
		if name != m.cfg.TilePartition {
			out = append(out, name)
		}
	}
	return out, nil
}

// Status returns a snapshot of the manager state.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Status{
		State:       m.state,
		Installed:   m.installed,
		Live:        m.live,
		LastAttempt: m.lastAttempt,
	}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	return st
}

type target struct {
	identity string
	url      *url.URL
}

func (m *Manager) resolve(manifest []string) ([]target, error) {
	seen := make(map[string]struct{}, len(manifest))
	out := make([]target, 0, len(manifest))
	for _, raw := range manifest {
		identity, u, err := store.ResolveIdentity(raw, m.cfg.Origin)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[identity]; dup {
			continue
		}
		seen[identity] = struct{}{}
		out = append(out, target{identity: identity, url: u})
	}
	return out, nil
}

func (m *Manager) validate(gen Generation) error {
	if strings.TrimSpace(gen.Version) == "" {
		return errors.New("cache lifecycle: generation version is required")
	}
	if gen.Version == m.cfg.TilePartition {
		return fmt.Errorf("cache lifecycle: generation %q collides with the tile partition", gen.Version)
	}
	if len(gen.Manifest) == 0 {
		return errors.New("cache lifecycle: manifest must not be empty")
	}
	return nil
}

type noopMetrics struct{}

func (noopMetrics) RecordInstall(string, int, time.Duration, error) {}

func (noopMetrics) RecordActivation(string, int) {}

func defaultLogger() Logger {
	return logHandleAdapter{handle: log.GetLogger("cache-lifecycle")}
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
