package async

import (
	"sync"
	"time"
)

// DefaultTimeout is the bounded wait between worker cycles.
const DefaultTimeout = 5 * time.Millisecond

// Loop runs a worker goroutine that wakes on Signal or after Timeout,
// whichever comes first, and calls cycle each time. Stop is detected within
// one timeout even when nothing signals.
type Loop struct {
	timeout time.Duration
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewLoop returns a stopped Loop. A non-positive timeout uses DefaultTimeout.
func NewLoop(timeout time.Duration) *Loop {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Loop{
		timeout: timeout,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the worker. finish runs on the worker goroutine after Stop
// is requested; it is where outstanding work gets settled.
func (l *Loop) Start(cycle func(), finish func()) {
	l.startOnce.Do(func() {
		go l.run(cycle, finish)
	})
}

func (l *Loop) run(cycle func(), finish func()) {
	defer close(l.done)

	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	for {
		select {
		case <-l.stop:
			if finish != nil {
				finish()
			}
			return
		case <-l.wake:
		case <-timer.C:
		}
		timer.Reset(l.timeout)

		// Stop wins over a pending wake.
		select {
		case <-l.stop:
			continue
		default:
		}
		cycle()
	}
}

// Signal wakes the worker without blocking.
func (l *Loop) Signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Stopping reports whether Stop has been called.
func (l *Loop) Stopping() bool {
	select {
	case <-l.stop:
		return true
	default:
		return false
	}
}

// Stop asks the worker to exit and waits for finish to return. Stop on a
// loop that was never started returns immediately.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
	l.startOnce.Do(func() { close(l.done) })
	<-l.done
}
