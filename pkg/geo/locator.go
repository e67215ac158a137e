package geo

import (
	"context"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
)

// PushLocator is a Locator fed by fixes pushed from the device. Each watcher
// enforces its own timeout and maximum age.
type PushLocator struct {
	now func() time.Time

	mu       sync.Mutex
	watchers map[*pushWatcher]struct{}
	wg       conc.WaitGroup
	done     chan struct{}
	once     sync.Once
}

type pushWatcher struct {
	opts  WatchOptions
	since time.Time
	fixes chan Position
	out   chan Update
}

// NewPushLocator returns an empty locator.
func NewPushLocator() *PushLocator {
	return &PushLocator{
		now:      time.Now,
		watchers: make(map[*pushWatcher]struct{}),
		done:     make(chan struct{}),
	}
}

// Watch starts a watcher. No fix captured before the call is ever delivered
// when MaximumAge is zero.
func (l *PushLocator) Watch(ctx context.Context, opts WatchOptions) (<-chan Update, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w := &pushWatcher{
		opts:  opts,
		since: l.now(),
		fixes: make(chan Position, 1),
		out:   make(chan Update, 1),
	}
	l.mu.Lock()
	l.watchers[w] = struct{}{}
	l.mu.Unlock()

	l.wg.Go(func() { l.run(ctx, w) })
	return w.out, nil
}

// Push offers a fix to every active watcher. A zero CapturedAt is stamped
// with the current time. It reports how many watchers received the fix.
func (l *PushLocator) Push(p Position) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	if p.CapturedAt.IsZero() {
		p.CapturedAt = l.now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for w := range l.watchers {
		// Keep only the newest undelivered fix.
		select {
		case <-w.fixes:
		default:
		}
		w.fixes <- p
	}
	return len(l.watchers), nil
}

// Watchers reports the number of active watchers.
func (l *PushLocator) Watchers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.watchers)
}

// Close ends every watcher and waits for them to exit.
func (l *PushLocator) Close() {
	l.once.Do(func() { close(l.done) })
	l.wg.Wait()
}

func (l *PushLocator) run(ctx context.Context, w *pushWatcher) {
	defer close(w.out)
	defer func() {
		l.mu.Lock()
		delete(l.watchers, w)
		l.mu.Unlock()
	}()

	var timeout <-chan time.Time
	var timer *time.Timer
	if w.opts.Timeout > 0 {
		timer = time.NewTimer(w.opts.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.done:
			return
		case <-timeout:
			select {
			case w.out <- Update{Err: ErrTimeout}:
			case <-ctx.Done():
			}
			return
		case fix := <-w.fixes:
			if !l.fresh(w, fix) {
				continue
			}
			select {
			case w.out <- Update{Position: fix}:
			case <-ctx.Done():
				return
			case <-l.done:
				return
			}
			if timer != nil {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.opts.Timeout)
			}
		}
	}
}

func (l *PushLocator) fresh(w *pushWatcher, fix Position) bool {
	if w.opts.MaximumAge <= 0 {
		return !fix.CapturedAt.Before(w.since)
	}
	return l.now().Sub(fix.CapturedAt) <= w.opts.MaximumAge
}
