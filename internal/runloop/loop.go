// Package runloop serializes all control-plane work onto one goroutine.
// Every shared map in the system is touched only from this loop, which is
// what makes check-then-act sequences race-free without locks.
package runloop

import (
	"time"

	"github.com/rs/zerolog"
)

// InlineThreshold is the deadline under which deferred work runs
// immediately instead of arming a timer.
const InlineThreshold = 5 * time.Millisecond

type Loop struct {
	tasks   chan func()
	quit    chan struct{}
	stopped chan struct{}
	logger  zerolog.Logger
}

func New(logger zerolog.Logger) *Loop {
	return &Loop{
		tasks:   make(chan func(), 256),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
		logger:  logger.With().Str("service", "runloop").Logger(),
	}
}

// Start launches the loop goroutine.
func (l *Loop) Start() {
	go l.run()
}

func (l *Loop) run() {
	defer close(l.stopped)
	for {
		select {
		case fn := <-l.tasks:
			fn()
		case <-l.quit:
			// drain what was already queued, then stop
			for {
				select {
				case fn := <-l.tasks:
					fn()
				default:
					return
				}
			}
		}
	}
}

// Stop shuts the loop down after draining queued tasks.
func (l *Loop) Stop() {
	select {
	case <-l.quit:
	default:
		close(l.quit)
	}
	<-l.stopped
}

// Submit enqueues fn for execution on the loop. Returns false once the loop
// is stopping.
func (l *Loop) Submit(fn func()) bool {
	select {
	case <-l.quit:
		return false
	default:
	}
	select {
	case l.tasks <- fn:
		return true
	case <-l.quit:
		return false
	}
}

// Call runs fn on the loop and waits for it to finish. Used by connection
// goroutines; never call it from the loop itself.
func (l *Loop) Call(fn func()) bool {
	done := make(chan struct{})
	if !l.Submit(func() {
		defer close(done)
		fn()
	}) {
		return false
	}
	select {
	case <-done:
		return true
	case <-l.stopped:
		return false
	}
}

// Schedule arms fn to run on the loop after d. Delays at or under
// InlineThreshold enqueue immediately. The returned timer is nil for
// immediate dispatch; callers guard the cancel/fire race by re-checking
// state inside fn, not by trusting Stop.
func (l *Loop) Schedule(d time.Duration, fn func()) *time.Timer {
	if d <= InlineThreshold {
		l.Submit(fn)
		return nil
	}
	return time.AfterFunc(d, func() {
		if !l.Submit(fn) {
			l.logger.Debug().Msg("dropped deferred task after shutdown")
		}
	})
}
