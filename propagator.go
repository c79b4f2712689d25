package scopez

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Trace runs work with a new child of the active span as the current span,
// inside a new scope layer. The span is finished when work returns, errors or
// panics; its status follows the outcome. Without a scope, work runs untraced.
// A finished parent is a structural error and is returned without running work.
func Trace[T any](ctx context.Context, t *Tracer, attrs SpanAttrs, work func(context.Context) (T, error)) (result T, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if t == nil {
		return work(ctx)
	}
	scope := t.carrier.Current(ctx)
	if scope == nil {
		return work(ctx)
	}

	var span *ActiveSpan
	if parent := scope.ActiveSpan(); parent != nil {
		span, err = t.registry.StartChild(parent, attrs)
		if err != nil {
			return result, err
		}
	}

	depth := scope.push(span)
	defer func() {
		if r := recover(); r != nil {
			scope.unwindTo(depth, panicError{value: r})
			panic(r)
		}
	}()

	result, err = work(ctx)
	scope.unwindTo(depth, unwindCause(ctx, err))
	return result, err
}

// Trace is the non-generic form of the package-level Trace.
func (t *Tracer) Trace(ctx context.Context, attrs SpanAttrs, work func(context.Context) error) error {
	_, err := Trace(ctx, t, attrs, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, work(ctx)
	})
	return err
}

// Call runs a synchronous nested call in a new layer of the caller's scope.
// The layer is popped on every exit path, folding its breadcrumbs into the
// caller's layer.
func (t *Tracer) Call(ctx context.Context, work func(context.Context) error) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	scope := t.carrier.Current(ctx)
	if scope == nil {
		return work(ctx)
	}

	depth := scope.push(nil)
	defer func() {
		if r := recover(); r != nil {
			scope.unwindTo(depth, panicError{value: r})
			panic(r)
		}
	}()

	err = work(ctx)
	scope.unwindTo(depth, unwindCause(ctx, err))
	return err
}

// Continue captures the caller's context now and returns a continuation that
// runs work under that snapshot wherever and whenever it is invoked. The
// restored scope is released when work returns.
func (t *Tracer) Continue(ctx context.Context, work func(context.Context) error) func() error {
	if ctx == nil {
		ctx = context.Background()
	}
	snap := t.Capture(ctx)
	return func() error {
		return t.runRestored(ctx, snap, work)
	}
}

// Wrap is Continue for callbacks that may run synchronously or later. It
// always snapshots and restores, which is a no-op when the callback runs
// synchronously.
func (t *Tracer) Wrap(ctx context.Context, fn func(context.Context)) func() {
	cont := t.Continue(ctx, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
	return func() { _ = cont() }
}

// Go spawns work on a new goroutine with its own snapshot of the caller's
// context, taken before the goroutine starts. The spawned scope is causally
// independent of the caller's: neither sees the other's later changes.
// The returned channel receives work's error and is then closed.
func (t *Tracer) Go(ctx context.Context, work func(context.Context) error) <-chan error {
	if ctx == nil {
		ctx = context.Background()
	}
	snap := t.Capture(ctx)
	done := make(chan error, 1)
	go func() {
		defer close(done)
		done <- t.runRestored(ctx, snap, work)
	}()
	return done
}

// runRestored binds snap, runs work and releases the scope on every exit path.
func (t *Tracer) runRestored(ctx context.Context, snap Snapshot, work func(context.Context) error) (err error) {
	restored, scope, unbind := t.restore(ctx, snap)
	defer func() {
		if r := recover(); r != nil {
			scope.Close(panicError{value: r})
			unbind()
			panic(r)
		}
	}()

	err = work(restored)
	scope.Close(unwindCause(restored, err))
	unbind()
	return err
}

// Group spawns concurrent flows that each restore their own snapshot, on top
// of an errgroup: the first error cancels the group context.
type Group struct {
	tracer *Tracer
	parent context.Context
	ctx    context.Context
	eg     *errgroup.Group
}

// NewGroup returns a Group whose flows inherit from ctx.
func (t *Tracer) NewGroup(ctx context.Context) (*Group, context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	eg, egCtx := errgroup.WithContext(ctx)
	return &Group{tracer: t, parent: ctx, ctx: egCtx, eg: eg}, egCtx
}

// SetLimit limits the number of flows running at once.
func (g *Group) SetLimit(n int) {
	g.eg.SetLimit(n)
}

// Go captures the parent context now and runs work on a new goroutine under
// its own copy of it.
func (g *Group) Go(work func(context.Context) error) {
	snap := g.tracer.Capture(g.parent)
	g.eg.Go(func() error {
		return g.tracer.runRestored(g.ctx, snap, work)
	})
}

// Wait blocks until every flow returns and reports the first error.
func (g *Group) Wait() error {
	return g.eg.Wait()
}

// Instrument is the hook integrations use instead of patching shared
// primitives: it takes an explicit snapshot, starts a child of its active span
// and returns the func that finishes it with the outcome of the operation.
// With no active span in snap the returned func does nothing.
func (t *Tracer) Instrument(snap Snapshot, attrs SpanAttrs) (*ActiveSpan, func(error)) {
	parent := snap.ActiveSpan()
	if parent == nil {
		return nil, func(error) {}
	}
	span, err := t.registry.StartChild(parent, attrs)
	if err != nil {
		t.log.Debug("instrumented operation not traced", zap.Error(err))
		return nil, func(error) {}
	}
	return span, func(cause error) {
		_ = span.FinishWithStatus(statusFor(cause))
	}
}
