package scopez

import (
	"context"
	"sync"

	"github.com/eapache/queue"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Loop runs continuations one at a time on a single goroutine, the way an
// event loop interleaves logical flows on one thread. Every continuation is
// captured when it is posted and restored when it runs, so two flows never
// share a live Scope even though they share the loop goroutine.
type Loop struct {
	tracer   *Tracer
	onError  func(error)
	pending  *queue.Queue
	wake     chan struct{}
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	mu       sync.Mutex
	running  atomic.Bool
	stopped  atomic.Bool
}

// NewLoop creates a stopped loop. Start it with Run.
func (t *Tracer) NewLoop() *Loop {
	return &Loop{
		tracer:  t,
		pending: queue.New(),
		wake:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// OnError sets the function that receives errors returned by continuations.
// Without one they are logged at debug level. Call before Run.
func (l *Loop) OnError(fn func(error)) {
	l.onError = fn
}

// Post schedules fn with a snapshot of ctx taken now. It reports false once
// the loop is stopped.
func (l *Loop) Post(ctx context.Context, fn func(context.Context) error) bool {
	if l.stopped.Load() {
		return false
	}
	cont := l.tracer.Continue(ctx, fn)

	l.mu.Lock()
	l.pending.Add(cont)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Pending returns the number of continuations waiting to run.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending.Length()
}

// Run executes continuations in posting order until Stop is called or ctx is
// done. On Stop the queued continuations are drained first. Run returns
// ctx.Err() when ctx ended the loop.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return nil
	}
	defer close(l.done)

	for {
		if cont := l.next(); cont != nil {
			l.exec(cont)
			continue
		}
		select {
		case <-l.wake:
		case <-l.stopCh:
			for cont := l.next(); cont != nil; cont = l.next() {
				l.exec(cont)
			}
			return nil
		case <-ctx.Done():
			l.stopped.Store(true)
			return ctx.Err()
		}
	}
}

// Stop stops accepting continuations and waits for Run to drain and return.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		l.stopped.Store(true)
		close(l.stopCh)
	})
	if l.running.Load() {
		<-l.done
	}
}

func (l *Loop) next() func() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pending.Length() == 0 {
		return nil
	}
	return l.pending.Remove().(func() error)
}

func (l *Loop) exec(cont func() error) {
	err := cont()
	if err == nil {
		return
	}
	if l.onError != nil {
		l.onError(err)
		return
	}
	l.tracer.log.Debug("loop continuation failed", zap.Error(err))
}
