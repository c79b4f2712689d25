package scopez

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextCarrierBind(t *testing.T) {
	tracer, _, _ := newTestTracer(t)
	s := newScope(tracer)

	var carrier ContextCarrier
	assert.Nil(t, carrier.Current(context.Background()))

	ctx, release := carrier.Bind(context.Background(), s)
	defer release()
	assert.Same(t, s, carrier.Current(ctx))
	assert.Same(t, s, ScopeFrom(ctx))
}

func TestWorkerCarrierKeysByGoroutine(t *testing.T) {
	tracer, _, _ := newTestTracer(t)
	carrier := NewWorkerCarrier()
	s := newScope(tracer)

	_, release := carrier.Bind(context.Background(), s)
	assert.Same(t, s, carrier.Current(context.Background()), "bound goroutine should see its scope without a context")
	assert.Equal(t, 1, carrier.Units())

	other := make(chan *Scope)
	go func() { other <- carrier.Current(context.Background()) }()
	assert.Nil(t, <-other, "another goroutine must not see the binding")

	release()
	assert.Nil(t, carrier.Current(context.Background()))
	assert.Equal(t, 0, carrier.Units())
}

func TestWorkerCarrierReleaseRestoresPrevious(t *testing.T) {
	tracer, _, _ := newTestTracer(t)
	carrier := NewWorkerCarrier()
	outer, inner := newScope(tracer), newScope(tracer)

	_, releaseOuter := carrier.Bind(context.Background(), outer)
	defer releaseOuter()
	_, releaseInner := carrier.Bind(context.Background(), inner)

	assert.Same(t, inner, carrier.Current(context.Background()))
	releaseInner()
	assert.Same(t, outer, carrier.Current(context.Background()))
}

func TestWorkerCarrierContextWins(t *testing.T) {
	tracer, _, _ := newTestTracer(t)
	carrier := NewWorkerCarrier()
	bound, threaded := newScope(tracer), newScope(tracer)

	_, release := carrier.Bind(context.Background(), bound)
	defer release()

	ctx := context.WithValue(context.Background(), scopeKey, threaded)
	assert.Same(t, threaded, carrier.Current(ctx))
}

func TestTracerWithWorkerCarrier(t *testing.T) {
	tracer, collector, _ := newTestTracer(t)
	tracer.WithCarrier(NewWorkerCarrier())

	_, tx := tracer.StartTransaction(context.Background(), "worker")

	// Code that never received the transaction context still finds it.
	legacy := func() {
		tracer.SetTag(context.Background(), "job", "resize")
		_ = tracer.Trace(context.Background(), SpanAttrs{Op: "job.step"}, noop)
	}
	legacy()
	require.NoError(t, tx.Finish())

	tree := onlyTree(t, collector)
	assert.Equal(t, "resize", tree.Tags["job"])
	assert.Equal(t, 2, tree.Len())
	assert.Nil(t, tracer.Scope(context.Background()), "finishing the transaction should unbind the goroutine")
}

func TestCaptureOutsideScope(t *testing.T) {
	tracer, _, _ := newTestTracer(t)

	snap := tracer.Capture(context.Background())
	assert.True(t, snap.IsZero())
	assert.Nil(t, snap.ActiveSpan())
	assert.Empty(t, snap.Tags())
}

func TestRestoreReleaseFinishesOwnedSpans(t *testing.T) {
	tracer, collector, _ := newTestTracer(t)

	ctx, tx := tracer.StartTransaction(context.Background(), "tx")
	snap := tracer.Capture(ctx)

	cancelCtx, cancel := context.WithCancel(context.Background())
	restored, release := tracer.Restore(cancelCtx, snap)
	span, err := tracer.StartSpan(restored, SpanAttrs{Op: "pending"})
	require.NoError(t, err)

	cancel()
	release()
	release()

	assert.True(t, span.IsFinished())
	assert.Equal(t, StatusCancelled, span.Span().Status)

	require.NoError(t, tx.Finish())
	tree := onlyTree(t, collector)
	require.Len(t, tree.Children, 1)
	assert.Equal(t, StatusCancelled, tree.Children[0].Span.Status)
}

func TestRestoreIsIndependentCopy(t *testing.T) {
	tracer, _, _ := newTestTracer(t)

	ctx, tx := tracer.StartTransaction(context.Background(), "tx")
	defer tx.Finish()
	tracer.SetTag(ctx, "k", "original")
	snap := tracer.Capture(ctx)

	a, releaseA := tracer.Restore(context.Background(), snap)
	defer releaseA()
	b, releaseB := tracer.Restore(context.Background(), snap)
	defer releaseB()

	tracer.SetTag(a, "k", "a")
	assert.Equal(t, "original", tracer.Scope(b).EffectiveTags()["k"])
	assert.Equal(t, "original", tracer.Scope(ctx).EffectiveTags()["k"])
	assert.Same(t, tx.ActiveSpan, tracer.CurrentSpan(b))
}
