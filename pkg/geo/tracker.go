package geo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/valandreev/offlinenav/log"
)

const (
	reasonPermission  = "permission denied or unsupported"
	reasonDeclined    = "location prompt declined"
	reasonUnsupported = "geolocation unsupported"
	reasonEnded       = "location subscription ended"
)

// Status is a point-in-time view of the tracker.
type Status struct {
	Session    string     `json:"session"`
	State      State      `json:"state"`
	Permission Permission `json:"permission"`
	Reason     string     `json:"reason,omitempty"`
	Position   *Position  `json:"position,omitempty"`
}

// Logger captures structured output for the tracker.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Option customises tracker construction.
type Option func(*Tracker)

// WithLogger overrides the default logger.
func WithLogger(logger Logger) Option {
	return func(t *Tracker) {
		t.logger = logger
	}
}

// WithWatchOptions overrides DefaultWatchOptions. The daemon always uses the
// defaults; tests shorten the timeout with it.
func WithWatchOptions(opts WatchOptions) Option {
	return func(t *Tracker) {
		t.watch = opts
	}
}

type prompt struct {
	accept bool
	reply  chan error
}

// Tracker is the permission and tracking state machine. All transitions
// happen on the Run goroutine; readers see copies.
type Tracker struct {
	perms   Permissions
	locator Locator
	watch   WatchOptions
	logger  Logger
	session string

	prompts chan prompt
	done    chan struct{}
	running atomic.Bool

	mu         sync.RWMutex
	state      State
	permission Permission
	reason     string
	current    *Position

	subsMu  sync.Mutex
	subs    map[int]chan Event
	nextSub int
	closed  bool
}

// NewTracker builds a tracker. Either capability may be nil when the host
// lacks it.
func NewTracker(perms Permissions, locator Locator, opts ...Option) *Tracker {
	t := &Tracker{
		perms:      perms,
		locator:    locator,
		watch:      DefaultWatchOptions(),
		logger:     defaultLogger(),
		session:    uuid.NewString(),
		prompts:    make(chan prompt),
		done:       make(chan struct{}),
		state:      StateIdle,
		permission: PermissionUnknown,
		subs:       make(map[int]chan Event),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = defaultLogger()
	}
	return t
}

// Run executes the state machine until ctx is done. It may be called once.
func (t *Tracker) Run(ctx context.Context) error {
	if !t.running.CompareAndSwap(false, true) {
		return errors.New("geo: tracker already running")
	}
	defer close(t.done)
	defer t.closeSubscribers()

	var (
		updates     <-chan Update
		cancelWatch context.CancelFunc = func() {}
	)
	defer func() { cancelWatch() }()

	subscribe := func() {
		if t.locator == nil {
			t.fail(reasonUnsupported)
			return
		}
		watchCtx, cancel := context.WithCancel(ctx)
		ch, err := t.locator.Watch(watchCtx, t.watch)
		if err != nil {
			cancel()
			t.fail(fmt.Sprintf("start location watch: %v", err))
			return
		}
		cancelWatch = cancel
		updates = ch
		t.setState(StateSubscribing)
	}

	if t.perms == nil {
		t.setState(StatePrompting)
	} else {
		t.setState(StateQueryingPermission)
		p, err := t.perms.Query(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			t.logger.Warnf("permission query failed: %v", err)
			p = PermissionUnknown
		}
		t.setPermission(p)
		switch p {
		case PermissionGranted:
			subscribe()
		case PermissionPrompt:
			t.setState(StatePrompting)
		default:
			t.fail(reasonPermission)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case p := <-t.prompts:
			if t.State() != StatePrompting {
				p.reply <- ErrInvalidTransition
				continue
			}
			if p.accept {
				t.setPermission(PermissionGranted)
				subscribe()
			} else {
				t.setPermission(PermissionDenied)
				t.fail(reasonDeclined)
			}
			p.reply <- nil
		case u, ok := <-updates:
			if !ok {
				updates = nil
				cancelWatch()
				t.fail(reasonEnded)
				continue
			}
			if u.Err != nil {
				updates = nil
				cancelWatch()
				t.fail(u.Err.Error())
				continue
			}
			t.accept(u.Position)
		}
	}
}

// Accept answers the acceptance prompt positively.
func (t *Tracker) Accept(ctx context.Context) error {
	return t.answer(ctx, true)
}

// Decline answers the acceptance prompt negatively. Tracking will not start.
func (t *Tracker) Decline(ctx context.Context) error {
	return t.answer(ctx, false)
}

func (t *Tracker) answer(ctx context.Context, accept bool) error {
	p := prompt{accept: accept, reply: make(chan error, 1)}
	select {
	case t.prompts <- p:
	case <-t.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-p.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Current returns the latest sample, or false when there is no live position.
func (t *Tracker) Current() (Position, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.current == nil {
		return Position{}, false
	}
	return *t.current, true
}

// State returns the current phase.
func (t *Tracker) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Status returns a copy of the tracker state.
func (t *Tracker) Status() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st := Status{
		Session:    t.session,
		State:      t.state,
		Permission: t.permission,
		Reason:     t.reason,
	}
	if t.current != nil {
		p := *t.current
		st.Position = &p
	}
	return st
}

// Subscribe registers a consumer. Events are dropped for consumers whose
// buffer is full. The channel is closed by cancel or when Run exits.
func (t *Tracker) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	t.subsMu.Lock()
	if t.closed {
		t.subsMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := t.nextSub
	t.nextSub++
	t.subs[id] = ch
	t.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.subsMu.Lock()
			defer t.subsMu.Unlock()
			if c, ok := t.subs[id]; ok {
				delete(t.subs, id)
				close(c)
			}
		})
	}
}

func (t *Tracker) accept(p Position) {
	t.mu.Lock()
	sample := p
	t.current = &sample
	prev := t.state
	t.state = StateTracking
	t.reason = ""
	t.mu.Unlock()

	if prev != StateTracking {
		t.logger.Infof("tracking started (session %s)", t.session)
	}
	t.publish(p.event())
}

func (t *Tracker) publish(ev Event) {
	t.subsMu.Lock()
	defer t.subsMu.Unlock()
	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (t *Tracker) fail(reason string) {
	t.mu.Lock()
	t.state = StateError
	t.reason = reason
	t.current = nil
	t.mu.Unlock()
	t.logger.Warnf("location unavailable (session %s): %s", t.session, reason)
}

func (t *Tracker) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
	t.logger.Debugf("tracker state %s", s)
}

func (t *Tracker) setPermission(p Permission) {
	t.mu.Lock()
	t.permission = p
	t.mu.Unlock()
}

func (t *Tracker) closeSubscribers() {
	t.subsMu.Lock()
	defer t.subsMu.Unlock()
	t.closed = true
	for id, ch := range t.subs {
		delete(t.subs, id)
		close(ch)
	}
}

func defaultLogger() Logger {
	return logHandleAdapter{handle: log.GetLogger("geo-tracker")}
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
